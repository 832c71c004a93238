package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ent0n29/fhemarket/internal/app"
	"github.com/ent0n29/fhemarket/internal/tasks"
)

var errWalletRequired = errors.New("a signer address is required (--wallet or WALLET_ADDRESS)")

func newTasksCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "One-shot task commands against the configured ledger",
	}
	cmd.AddCommand(newTasksListCommand())
	cmd.AddCommand(newTasksCreateCommand())
	cmd.AddCommand(newTasksDecryptCommand())
	return cmd
}

// openRuntime builds the backends and runs the connect-time sequence
// (encryption bootstrap, then load) for the configured signer.
func openRuntime(ctx context.Context) (*app.BuildResult, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.WalletAddress == "" {
		return nil, errWalletRequired
	}
	built, err := app.Build(ctx, cfg, nil)
	if err != nil {
		return nil, err
	}
	if _, err := built.Wallet.Connect(cfg.WalletAddress); err != nil {
		_ = built.Cleanup()
		return nil, err
	}
	if err := built.Runtime.Bootstrap(ctx); err != nil {
		_ = built.Cleanup()
		return nil, err
	}
	if err := built.Runtime.Load(ctx); err != nil {
		_ = built.Cleanup()
		return nil, err
	}
	return built, nil
}

func newTasksListCommand() *cobra.Command {
	var (
		query  string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks in the registry",
		RunE: func(cmd *cobra.Command, _ []string) error {
			built, err := openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer built.Cleanup()

			list := built.Runtime.Tasks(query)
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), list)
			}
			printTasks(cmd.OutOrStdout(), list, time.Now())
			st := built.Runtime.Snapshot().Stats
			fmt.Fprintf(cmd.OutOrStdout(), "\n%d total, %d verified, %d active\n", st.Total, st.Verified, st.Active)
			return nil
		},
	}
	cmd.Flags().StringVarP(&query, "query", "q", "", "filter by name or description")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newTasksCreateCommand() *cobra.Command {
	var name, value, description string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Encrypt a compute value and register a new task",
		RunE: func(cmd *cobra.Command, _ []string) error {
			built, err := openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer built.Cleanup()

			built.Runtime.OpenForm()
			built.Runtime.UpdateForm(tasks.Form{Name: name, ComputeValue: value, Description: description})
			created, err := built.Runtime.Create(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), created)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "task name")
	cmd.Flags().StringVar(&value, "value", "", "compute value (digits only)")
	cmd.Flags().StringVar(&description, "description", "", "task description")
	return cmd
}

func newTasksDecryptCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "decrypt <task-id>",
		Short: "Decrypt a task value and anchor it on the ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			built, err := openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer built.Cleanup()

			result, err := built.Runtime.DecryptAndVerify(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), result)
		},
	}
}

func printTasks(w io.Writer, list []tasks.Task, now time.Time) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tCREATOR\tSTATUS\tVALUE")
	for _, t := range list {
		state := "pending"
		value := "encrypted"
		if t.IsVerified {
			state = "verified"
			value = fmt.Sprintf("%d", t.DecryptedValue)
		} else if t.Active(now) {
			state = "active"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.Name, tasks.ShortAddress(t.Creator), state, value)
	}
	_ = tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
