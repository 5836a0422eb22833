package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/p-blackswan/area/internal/store"
)

type pruneView struct {
	HookStates    int64 `json:"hook_states"`
	Executions    int64 `json:"executions"`
	AccountTokens int   `json:"account_tokens"`
}

// NewPruneCommand creates the prune command, a one-off retention pass.
func NewPruneCommand(opts *RootOptions) *cobra.Command {
	var hookStates, executions time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove idle hook states and old finished executions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := opts.openStore(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			res, err := db.RunRetention(cmd.Context(), store.RetentionPolicy{
				HookStates: hookStates,
				Executions: executions,
			})
			if err != nil {
				return fmt.Errorf("retention: %w", err)
			}

			view := pruneView{HookStates: res.HookStates, Executions: res.Executions, AccountTokens: res.AccountTokens}
			return opts.printer(cmd.OutOrStdout()).emit(view, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "pruned %d hook states, %d executions, %d account tokens\n",
					view.HookStates, view.Executions, view.AccountTokens)
				return err
			})
		},
	}

	cmd.Flags().DurationVar(&hookStates, "hook-states", 720*time.Hour, "drop cursors of inactive areas idle longer than this (0 = keep)")
	cmd.Flags().DurationVar(&executions, "executions", 2160*time.Hour, "drop finished executions older than this (0 = keep)")

	return cmd
}
