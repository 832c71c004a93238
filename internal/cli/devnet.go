package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ent0n29/fhemarket/internal/logging"
	"github.com/ent0n29/fhemarket/internal/relayer"
)

func newDevnetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devnet",
		Short: "Local stand-ins for external services",
	}
	cmd.AddCommand(newDevnetRelayerCommand())
	return cmd
}

func newDevnetRelayerCommand() *cobra.Command {
	var addr, secret string
	cmd := &cobra.Command{
		Use:   "relayer",
		Short: "Serve the relayer API backed by a deterministic devnet",
		Long: `Serves GET /v1/keyurl, POST /v1/input-proof and POST /v1/public-decrypt so
that FHE_BACKEND=relayer can run without an external relayer. Handles and
proofs are derived from --secret; plaintexts live in process memory.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.New("devnet_relayer", "info")
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			srv := &http.Server{
				Addr:              addr,
				Handler:           relayer.NewDevnet(secret).Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				log.Info().Str("addr", addr).Msg("devnet relayer listening")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8090", "listen address")
	cmd.Flags().StringVar(&secret, "secret", "fhemarket-devnet", "devnet secret for handles and proofs")
	return cmd
}
