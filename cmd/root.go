// Package cmd defines the CLI commands for the sitemirror executable.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sitemirror/sitemirror/internal/config"
	"github.com/sitemirror/sitemirror/internal/logging"
	"github.com/sitemirror/sitemirror/internal/store"
	"github.com/sitemirror/sitemirror/internal/store/postgres"
	"github.com/sitemirror/sitemirror/internal/store/sqlite"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sitemirror",
		Short: "Mirror a section of a website into browsable local files.",
		Long: `sitemirror crawls a bounded section of a website and writes each page
as a local html or markdown file with links rewritten to stay navigable
offline. All crawl state lives in a database, so an interrupted run
resumes exactly where it stopped.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./config.yaml)")

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newReportCmd())
	cmd.AddCommand(newImportCmd())
	return cmd
}

// Execute is the main entry point. SIGINT and SIGTERM cancel the command
// context; the crawl shuts down cleanly and resumes on the next run.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadEnvironment builds the pieces every subcommand needs: validated
// config, logger and an open store.
func loadEnvironment(ctx context.Context) (config.Config, *zap.Logger, store.Store, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, nil, nil, err
	}

	logger, err := logging.New(logging.Options{Development: cfg.Logging.Development})
	if err != nil {
		return config.Config{}, nil, nil, err
	}

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		logger.Sync() //nolint:errcheck
		return config.Config{}, nil, nil, err
	}
	return cfg, logger, st, nil
}

func openStore(ctx context.Context, cfg config.Store) (store.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		return sqlite.New(cfg.Path)
	case "postgres":
		return postgres.New(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
