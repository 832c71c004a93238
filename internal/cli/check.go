package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ent0n29/fhemarket/internal/app"
)

var errCheckFailed = errors.New("one or more checks failed")

func newCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check configuration, ledger and encryption backends",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			passed, failed := 0, 0
			check := func(name string, err error) {
				if err == nil {
					fmt.Fprintf(out, "  ok   %s\n", name)
					passed++
					return
				}
				fmt.Fprintf(out, "  FAIL %s: %v\n", name, err)
				failed++
			}

			cfg, err := loadConfig()
			check("config", err)
			if err != nil {
				return errCheckFailed
			}
			fmt.Fprintf(out, "  ledger=%s fhe=%s registry=%s\n", cfg.LedgerBackend, cfg.FHEBackend, cfg.RegistryAddress)

			ctx := cmd.Context()
			built, err := app.Build(ctx, cfg, nil)
			check("backends", err)
			if err != nil {
				return errCheckFailed
			}
			defer built.Cleanup()

			ok, err := built.Ledger.IsAvailable(ctx)
			if err == nil && !ok {
				err = errors.New("registry reported unavailable")
			}
			check("registry available", err)

			ids, err := built.Ledger.ListTaskIDs(ctx)
			check("registry listing", err)
			if err == nil {
				fmt.Fprintf(out, "  tasks=%d\n", len(ids))
			}

			check("fhe initialize", built.Session.Initialize(ctx))

			fmt.Fprintf(out, "%d passed, %d failed\n", passed, failed)
			if failed > 0 {
				return errCheckFailed
			}
			return nil
		},
	}
}
