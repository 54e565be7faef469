package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/anfivewer/an5wer-sub001/internal/auth"
	"github.com/anfivewer/an5wer-sub001/internal/httpapi"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx)
		},
	}
}

func serve(ctx context.Context) error {
	rt, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer rt.store.Close()

	authCfg := rt.cfg.Auth
	authManager, err := auth.NewManager(auth.Config{
		Mode:         authCfg.Mode,
		DevUser:      authCfg.DevUser,
		IssuerURL:    authCfg.IssuerURL,
		ClientID:     authCfg.ClientID,
		ClientSecret: authCfg.ClientSecret,
		RedirectURL:  authCfg.RedirectURL,
		SessionKey:   authCfg.SessionKey,
		SessionTTL:   authCfg.SessionTTL,
		CookieSecure: authCfg.CookieSecure,
		CookieDomain: authCfg.CookieDomain,
		FallbackURL:  authCfg.FallbackURL,
		PublicPaths:  []string{"/healthz", "/metrics"},
	}, rt.logger)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	httpapi.NewServer(rt.store, rt.logger, rt.registry).RegisterRoutes(mux)
	authManager.RegisterRoutes(mux)

	server := &http.Server{
		Addr:              rt.cfg.Listen,
		Handler:           authManager.Middleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rt.logger.Info("server listening", "addr", server.Addr, "engine", rt.cfg.Engine.Kind, "auth", authManager.Mode())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 10*time.Second)
		defer cancel()
		rt.logger.Info("server shutting down")
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
