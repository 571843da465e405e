package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sitemirror/sitemirror/internal/config"
	"github.com/sitemirror/sitemirror/internal/crawler"
	"github.com/sitemirror/sitemirror/internal/frontier"
	"github.com/sitemirror/sitemirror/internal/rewrite"
	"github.com/sitemirror/sitemirror/internal/store"
)

// newCrawlCmd creates the 'crawl' subcommand. Positional arguments
// override the corresponding config values, in the order operators are
// used to from the legacy tool.
func newCrawlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crawl [start_url [max_depth [space [format [workers]]]]]",
		Short: "Start or resume a mirror crawl",
		Long: `Starts a crawl from website.start_url, or resumes the previous one if
the store still holds pending work. Positional arguments override the
config file: start URL, maximum depth, space name, output format
(html or markdown) and worker count.`,
		Args: cobra.MaximumNArgs(5),
		RunE: runCrawlCommand,
	}
}

func runCrawlCommand(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, logger, st, err := loadEnvironment(ctx)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	defer st.Close()

	if err := applyOverrides(&cfg, args); err != nil {
		return err
	}

	engine, reg, err := buildEngine(cfg, st, logger)
	if err != nil {
		return err
	}

	if cfg.Metrics.ListenAddr != "" {
		go crawler.ServeMetrics(cfg.Metrics.ListenAddr, reg, logger)
	}

	sessionID, err := st.StartSession(ctx, sessionSnapshot(cfg))
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	runErr := engine.Run(ctx, cfg.Website.StartURL)

	// End the session even on interrupt so the stats row has a duration.
	if err := st.EndSession(context.WithoutCancel(ctx), sessionID); err != nil {
		logger.Warn("end session failed", zap.Error(err))
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return fmt.Errorf("run crawl: %w", runErr)
	}
	return nil
}

// applyOverrides maps the positional crawl arguments onto the config.
func applyOverrides(cfg *config.Config, args []string) error {
	if len(args) > 0 {
		cfg.Website.StartURL = args[0]
	}
	if len(args) > 1 {
		depth, err := strconv.Atoi(args[1])
		if err != nil || depth < 0 {
			return fmt.Errorf("max_depth must be a non-negative integer, got %q", args[1])
		}
		cfg.Crawl.MaxDepth = depth
	}
	if len(args) > 2 {
		cfg.Crawl.SpaceName = args[2]
	}
	if len(args) > 3 {
		cfg.Output.Format = strings.ToLower(args[3])
	}
	if len(args) > 4 {
		workers, err := strconv.Atoi(args[4])
		if err != nil || workers <= 0 {
			return fmt.Errorf("workers must be a positive integer, got %q", args[4])
		}
		cfg.Crawl.MaxWorkers = workers
	}
	return cfg.Validate()
}

func buildEngine(cfg config.Config, st store.Store, logger *zap.Logger) (*crawler.Engine, *prometheus.Registry, error) {
	rules, err := scopeRules(cfg)
	if err != nil {
		return nil, nil, err
	}

	fr := frontier.New(st, rules, logger)

	format := rewrite.Format(cfg.Output.Format)
	mapper := rewrite.NewMapper(rules, format, cfg.Output.ResourcesDir, cfg.Content.ResourceTypes)

	cookie, err := cfg.CookieHeader()
	if err != nil {
		return nil, nil, err
	}
	fetcher, err := crawler.NewCollyFetcher(crawler.FetcherConfig{
		UserAgent:      cfg.Crawl.UserAgent,
		RequestTimeout: cfg.Crawl.RequestTimeout,
		MaxParallel:    cfg.Crawl.MaxWorkers,
		CookieHeader:   cookie,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("init fetcher: %w", err)
	}

	sink, err := crawler.NewFileSystemSink(cfg.Output.OutputDir, logger)
	if err != nil {
		return nil, nil, err
	}

	reg := prometheus.NewRegistry()
	metrics := crawler.NewMetrics(reg)

	dedup := crawler.NewDeduplicator(st, fetcher, sink, mapper,
		cfg.Content.MaxResourceBytes, metrics, logger)

	engine := crawler.NewEngine(crawler.Config{
		Workers:           cfg.Crawl.MaxWorkers,
		MaxRetries:        cfg.Crawl.MaxRetries,
		RequestDelay:      cfg.Crawl.RequestDelay,
		ClaimTimeout:      cfg.Crawl.ClaimTimeout,
		Format:            format,
		RemoveJavascript:  cfg.Content.RemoveJavascript,
		DownloadResources: cfg.Content.DownloadResources,
	}, st, fr, fetcher, dedup, mapper, sink, metrics, logger)

	return engine, reg, nil
}

// scopeRules derives the admission policy; the base domain falls back to
// the start URL's host when not configured explicitly.
func scopeRules(cfg config.Config) (frontier.Rules, error) {
	domain := cfg.Website.BaseDomain
	if domain == "" {
		u, err := url.Parse(cfg.Website.StartURL)
		if err != nil {
			return frontier.Rules{}, fmt.Errorf("parse start url: %w", err)
		}
		domain = u.Hostname()
	}
	return frontier.Rules{
		BaseDomain:      domain,
		ValidPatterns:   cfg.Website.ValidPatterns,
		ExcludePatterns: cfg.Website.ExcludePatterns,
		MaxDepth:        cfg.Crawl.MaxDepth,
	}, nil
}

// sessionSnapshot records the effective settings in the stats row for
// later post-mortems.
func sessionSnapshot(cfg config.Config) string {
	return fmt.Sprintf(
		"start_url=%s max_depth=%d workers=%d format=%s space=%s",
		cfg.Website.StartURL, cfg.Crawl.MaxDepth, cfg.Crawl.MaxWorkers,
		cfg.Output.Format, cfg.Crawl.SpaceName,
	)
}
