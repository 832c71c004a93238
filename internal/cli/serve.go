package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ent0n29/fhemarket/internal/app"
	"github.com/ent0n29/fhemarket/internal/observability"
)

func newServeCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.BindAddr = addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			built, err := app.Build(ctx, cfg, observability.NewMetrics(cfg.MetricsNamespace))
			if err != nil {
				return err
			}
			defer func() {
				if err := built.Cleanup(); err != nil {
					built.Log.Error().Err(err).Msg("cleanup failed")
				}
			}()
			log := built.Log

			if err := built.Start(ctx); err != nil {
				return err
			}

			httpServer := &http.Server{
				Addr:    cfg.BindAddr,
				Handler: built.API.Router(),
			}
			errCh := make(chan error, 1)
			go func() {
				log.Info().
					Str("addr", cfg.BindAddr).
					Str("ledger", cfg.LedgerBackend).
					Str("fhe", cfg.FHEBackend).
					Str("registry", cfg.RegistryAddress).
					Msg("server listening")
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("listen error: %w", err)
				}
				return nil
			case <-ctx.Done():
			}
			log.Info().Msg("shutdown signal received")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("graceful shutdown failed")
				_ = httpServer.Close()
			}
			log.Info().Msg("shutdown complete")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides APP_BIND_ADDR)")
	return cmd
}
