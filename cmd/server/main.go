package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/anfivewer/an5wer-sub001/internal/collections"
	"github.com/anfivewer/an5wer-sub001/internal/config"
	"github.com/anfivewer/an5wer-sub001/internal/logging"
	"github.com/anfivewer/an5wer-sub001/internal/storage"
)

var configPath string

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "genstore",
		Short:        "Generation-versioned collection store",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	root.AddCommand(newServeCommand(), newDumpCommand(), newRestoreCommand())
	return root
}

// app is everything a command needs once config is loaded.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	store    *collections.Store
}

func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return nil, err
	}
	engine, err := openEngine(cfg.Engine, logger)
	if err != nil {
		return nil, err
	}
	if err := engine.Init(ctx); err != nil {
		_ = engine.Close()
		return nil, fmt.Errorf("init %s engine: %w", cfg.Engine.Kind, err)
	}
	registry := prometheus.NewRegistry()
	store, err := collections.Open(ctx, engine, collections.Options{
		Logger:        logger,
		Metrics:       collections.NewMetrics(registry),
		PageSize:      cfg.Store.PageSize,
		CursorTTL:     cfg.Store.CursorTTL,
		MaxCursors:    cfg.Store.MaxCursors,
		PhantomTTL:    cfg.Store.PhantomTTL,
		DumpBatchSize: cfg.Store.DumpBatchSize,
		StreamBuffer:  cfg.Store.StreamBuffer,
	})
	if err != nil {
		_ = engine.Close()
		return nil, err
	}
	return &app{cfg: cfg, logger: logger, registry: registry, store: store}, nil
}

func openEngine(cfg config.EngineConfig, logger *slog.Logger) (storage.Engine, error) {
	switch cfg.Kind {
	case "", "memory":
		return storage.NewMemoryEngine(), nil
	case "sqlite":
		return storage.OpenSQLite(cfg.Path)
	case "badger":
		return storage.OpenBadger(storage.BadgerConfig{
			Path:       cfg.Path,
			SyncWrites: cfg.SyncWrites,
			Logger:     logger.With("component", "badger"),
		})
	default:
		return nil, fmt.Errorf("unknown engine %q", cfg.Kind)
	}
}
