package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	httpserver "github.com/Echoxiawan/KBaseCase/internal/http"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Start the HTTP API and block until SIGINT or SIGTERM.

Examples:
  # Start with defaults and .env
  kbasecase serve

  # Start with a config file
  kbasecase serve --config kbasecase.yaml`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	// Build the embedding backend now so a broken ladder shows up at
	// startup rather than on the first request.
	if _, err := a.encoders.Get(ctx); err != nil {
		a.logger.Warn(ctx, "no embedding backend available; generation requests will fail", zap.Error(err))
	}

	srv, err := httpserver.NewServer(a.pipeline, a.kb, a.logger.Underlying(), &httpserver.Config{
		Host:          a.cfg.Server.Host,
		Port:          a.cfg.Server.Port,
		MaxConcurrent: a.cfg.Server.MaxConcurrent,
		MaxBody:       a.cfg.Server.MaxBodyBytes,
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		a.logger.Info(context.Background(), "received shutdown signal",
			zap.Duration("shutdown_timeout", a.cfg.Server.ShutdownTimeout.Duration()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
