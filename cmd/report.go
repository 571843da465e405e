package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sitemirror/sitemirror/internal/report"
	"github.com/sitemirror/sitemirror/internal/store"
)

// newReportCmd creates the 'report' subcommand and its 'urls' child.
// Both are read-only views of the store.
func newReportCmd() *cobra.Command {
	var failureLimit int

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarize crawl state",
		Long: `Prints the frontier totals, the resource-type breakdown and the most
recent terminal failures. Safe to run while a crawl is in progress.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, logger, st, err := loadEnvironment(cmd.Context())
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck
			defer st.Close()

			summary, err := report.New(st).Summarize(cmd.Context(), failureLimit)
			if err != nil {
				return err
			}
			return summary.Write(os.Stdout)
		},
	}
	cmd.Flags().IntVar(&failureLimit, "failures", 20, "maximum failures to list")

	cmd.AddCommand(newReportURLsCmd())
	return cmd
}

func newReportURLsCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "urls <pending|in_progress|completed|failed>",
		Short: "Export URLs in a given status, one per line",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status := store.Status(args[0])
			switch status {
			case store.StatusPending, store.StatusInProgress,
				store.StatusCompleted, store.StatusFailed:
			default:
				return fmt.Errorf("unknown status %q", args[0])
			}

			_, logger, st, err := loadEnvironment(cmd.Context())
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck
			defer st.Close()

			_, err = report.New(st).ExportURLs(cmd.Context(), os.Stdout, status, limit)
			return err
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum URLs to export (0 = all)")
	return cmd
}
