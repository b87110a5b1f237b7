package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chengis/chengis/internal/ports"
	"github.com/chengis/chengis/internal/sysconfig"
)

func newServeCmd(logger ports.Logger, configPath *string) *cobra.Command {
	var listenAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the master's HTTP surface and background loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := sysconfig.Load(*configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			app, err := buildMasterApp(ctx, cfg, listenAddr, logger)
			if err != nil {
				return err
			}
			return app.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", ":8080", "HTTP listen address")
	return cmd
}

// Run starts the HTTP server and blocks until it exits or the process
// receives an interrupt/terminate signal, at which point it shuts down the
// HTTP server, then stops the leader loop (and with it the leader-only
// loops) and closes the store and the redis client.
func (a *masterApp) Run(ctx context.Context) error {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info(ctx, "master listening", "addr", a.httpServer.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-sigCtx.Done():
		a.logger.Info(ctx, "shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			a.closer()
			return fmt.Errorf("master http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn(ctx, "http server shutdown did not complete cleanly", "error", err)
	}
	a.closer()
	return nil
}
