// Package cli is the fhemarket command line: the HTTP/websocket server, a
// health check, one-shot task commands and a devnet relayer.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ent0n29/fhemarket/internal/config"
)

var (
	configPath string
	walletFlag string
)

// NewRootCommand builds the command tree. version is reported by --version
// and the version subcommand.
func NewRootCommand(version string) *cobra.Command {
	root := &cobra.Command{
		Use:   "fhemarket",
		Short: "Client for an encrypted compute task registry",
		Long: `fhemarket creates compute tasks whose input value is encrypted under FHE,
lists them from the on-chain registry, and decrypts results with a proof that
is verified on the ledger.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (default $"+config.ConfigPathEnv+")")
	root.PersistentFlags().StringVar(&walletFlag, "wallet", "", "signer address (overrides WALLET_ADDRESS)")

	root.AddCommand(newServeCommand())
	root.AddCommand(newCheckCommand())
	root.AddCommand(newTasksCommand())
	root.AddCommand(newDevnetCommand())
	root.AddCommand(newVersionCommand(version))

	root.Version = version
	return root
}

// Execute runs the root command
func Execute(version string) error {
	if err := NewRootCommand(version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

func loadConfig() (config.Config, error) {
	var (
		cfg config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return config.Config{}, fmt.Errorf("config error: %w", err)
	}
	if walletFlag != "" {
		cfg.WalletAddress = walletFlag
		if err := cfg.Validate(); err != nil {
			return config.Config{}, fmt.Errorf("config error: %w", err)
		}
	}
	return cfg, nil
}

func newVersionCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fhemarket %s\n", version)
		},
	}
}
