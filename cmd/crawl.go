package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/social-ingest/internal/crawler"
	"github.com/JakeFAU/social-ingest/internal/planner"
)

// newCrawlCmd runs one planner invocation per target without a queue.
func newCrawlCmd() *cobra.Command {
	var ids []string
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl targets once and exit",
		Long: `crawl runs a single head sweep, and backfill while its budget lasts,
for each target in turn. With no --target flags every configured target is
crawled. The command fails if any target fails.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			targets, err := parseTargets(ids)
			if err != nil {
				return err
			}
			outcomes, err := app.CrawlOnce(cmd.Context(), targets)
			failed := 0
			for _, out := range outcomes {
				fmt.Fprintln(cmd.OutOrStdout(), formatOutcome(out))
				if out.Status == planner.StatusFailed {
					failed++
				}
			}
			if err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d targets failed", failed, len(outcomes))
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&ids, "target", nil, "target to crawl as platform:identifier (repeatable)")
	return cmd
}

func parseTargets(ids []string) ([]crawler.Target, error) {
	targets := make([]crawler.Target, 0, len(ids))
	for _, id := range ids {
		target, err := crawler.ParseTargetID(id)
		if err != nil {
			return nil, err
		}
		targets = append(targets, target)
	}
	return targets, nil
}

func formatOutcome(out planner.Outcome) string {
	line := fmt.Sprintf("%s\t%s\tphase=%s->%s pages=%d fetched=%d inserted=%d skipped=%d",
		out.Target.ID(), out.Status, out.Phase, out.FinalPhase,
		out.Pages, out.Fetched, out.Inserted, out.Skipped)
	if out.Err != nil {
		line += "\terror=" + out.Err.Error()
	}
	return line
}
