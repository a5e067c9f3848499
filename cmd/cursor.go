package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/social-ingest/internal/crawler"
)

func newCursorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cursor",
		Short: "Inspect or reset per-target cursors",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "Print every stored cursor as JSON lines",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				app, err := resolveApp(cmd.Context())
				if err != nil {
					return err
				}
				states, err := app.Cursors().List(cmd.Context())
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				for _, state := range states {
					if err := enc.Encode(state); err != nil {
						return fmt.Errorf("encode cursor: %w", err)
					}
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "reset platform:identifier",
			Short: "Delete a target's cursor so the next run starts over",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				app, err := resolveApp(cmd.Context())
				if err != nil {
					return err
				}
				target, err := crawler.ParseTargetID(args[0])
				if err != nil {
					return err
				}
				if err := app.Cursors().Delete(cmd.Context(), target.ID()); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cursor %s reset\n", target.ID())
				return nil
			},
		},
	)
	return cmd
}
