package main

import (
	"io"
	"os"

	"github.com/spf13/cobra"
)

func newDumpCommand() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Write every collection as JSON Lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.store.Close()

			w, closeFn, err := openOutput(out, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			if err := rt.store.Dump(cmd.Context(), w); err != nil {
				_ = closeFn()
				return err
			}
			return closeFn()
		},
	}
	cmd.Flags().StringVar(&out, "out", "-", "output file, - for stdout")
	return cmd
}

func newRestoreCommand() *cobra.Command {
	var in string
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Load a JSON Lines dump into an empty store",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.store.Close()

			r := cmd.InOrStdin()
			if in != "" && in != "-" {
				f, err := os.Open(in)
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			return rt.store.Restore(cmd.Context(), r)
		},
	}
	cmd.Flags().StringVar(&in, "in", "-", "input file, - for stdin")
	return cmd
}

func openOutput(path string, stdout io.Writer) (io.Writer, func() error, error) {
	if path == "" || path == "-" {
		return stdout, func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}
