package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sitemirror/sitemirror/internal/importer"
)

// newImportCmd creates the 'import' subcommand for legacy snapshots.
func newImportCmd() *cobra.Command {
	var archive bool

	cmd := &cobra.Command{
		Use:   "import <snapshot.json>",
		Short: "Import a legacy JSON progress snapshot into the store",
		Long: `Reads a flat JSON progress snapshot from the legacy tracker and inserts
its records into the store. Existing records are never overwritten, so
importing the same snapshot twice is a no-op.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, logger, st, err := loadEnvironment(cmd.Context())
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck
			defer st.Close()

			res, err := importer.New(st, logger).Run(cmd.Context(), args[0], archive)
			if err != nil {
				return err
			}

			fmt.Printf("imported %d documents, %d resources, %d queued (%d already present)\n",
				res.Documents, res.Resources, res.Queued, res.Skipped)
			if res.ArchivedSnapshot != "" {
				fmt.Printf("snapshot archived as %s\n", res.ArchivedSnapshot)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&archive, "archive", true, "rename the snapshot after a successful import")
	return cmd
}
