// Package crawler implements the concurrent fetch/process pipeline: a
// fixed pool of workers coordinating exclusively through the persistent
// store's atomic operations.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sitemirror/sitemirror/internal/frontier"
	"github.com/sitemirror/sitemirror/internal/rewrite"
	"github.com/sitemirror/sitemirror/internal/store"
)

// Config controls Engine behavior.
type Config struct {
	Workers           int
	MaxRetries        int
	RequestDelay      time.Duration
	ClaimTimeout      time.Duration
	Format            rewrite.Format
	RemoveJavascript  bool
	DownloadResources bool

	// IdlePolls bounds how many empty claims a worker tolerates while
	// other workers are still in flight before giving up.
	IdlePolls int
	IdleDelay time.Duration
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.IdlePolls <= 0 {
		c.IdlePolls = 10
	}
	if c.IdleDelay <= 0 {
		c.IdleDelay = 200 * time.Millisecond
	}
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = 10 * time.Minute
	}
}

// Engine owns the worker pool for one crawl run.
type Engine struct {
	cfg      Config
	store    store.Store
	frontier *frontier.Frontier
	fetcher  Fetcher
	dedup    *Deduplicator
	mapper   *rewrite.Mapper
	sink     *FileSystemSink
	backoff  *ExponentialBackoff
	metrics  *Metrics
	logger   *zap.Logger
}

// NewEngine wires the pipeline together.
func NewEngine(cfg Config, st store.Store, fr *frontier.Frontier, fetcher Fetcher, dedup *Deduplicator, mapper *rewrite.Mapper, sink *FileSystemSink, metrics *Metrics, logger *zap.Logger) *Engine {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:      cfg,
		store:    st,
		frontier: fr,
		fetcher:  fetcher,
		dedup:    dedup,
		mapper:   mapper,
		sink:     sink,
		backoff:  NewExponentialBackoff(),
		metrics:  metrics,
		logger:   logger,
	}
}

// Run seeds the frontier, recovers stale claims from a previous run and
// drives the pool until the frontier drains or ctx is canceled. A
// canceled run leaves the store consistent: in-flight claims go stale
// and are reaped on the next start.
func (e *Engine) Run(ctx context.Context, startURL string) error {
	reaped, err := e.store.ReapStaleClaims(ctx, e.cfg.ClaimTimeout)
	if err != nil {
		return fmt.Errorf("reap stale claims: %w", err)
	}
	if reaped > 0 {
		e.logger.Info("recovered stale claims from previous run", zap.Int64("count", reaped))
	}

	seeded, err := e.frontier.Seed(ctx, startURL)
	if err != nil {
		return err
	}
	e.logger.Info("crawl starting",
		zap.String("start_url", seeded),
		zap.Int("workers", e.cfg.Workers),
	)

	// Long crawls keep reaping on a timer so a crashed sibling process
	// cannot strand work until the next restart.
	reapCtx, stopReaper := context.WithCancel(ctx)
	defer stopReaper()
	go e.reapLoop(reapCtx)

	var wg sync.WaitGroup
	for i := 0; i < e.cfg.Workers; i++ {
		wg.Add(1)
		workerID := fmt.Sprintf("worker-%d-%s", i, uuid.NewString()[:8])
		go func() {
			defer wg.Done()
			e.workerLoop(ctx, workerID)
		}()
	}
	wg.Wait()

	counts, err := e.store.Counts(ctx)
	if err == nil {
		e.logger.Info("crawl finished",
			zap.Int64("completed", counts.Completed),
			zap.Int64("failed", counts.Failed),
			zap.Int64("pending", counts.Pending),
			zap.Int64("resources", counts.Resources),
		)
	}
	return ctx.Err()
}

func (e *Engine) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.ClaimTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := e.store.ReapStaleClaims(ctx, e.cfg.ClaimTimeout); err == nil && n > 0 {
				e.logger.Warn("reaped stale claims mid-crawl", zap.Int64("count", n))
			}
		}
	}
}

// workerLoop claims and processes URLs until the frontier drains. A
// store error stops this worker cleanly; the rest of the pool continues.
func (e *Engine) workerLoop(ctx context.Context, workerID string) {
	logger := e.logger.With(zap.String("worker_id", workerID))
	idle := 0
	for {
		if ctx.Err() != nil {
			return
		}
		rec, err := e.store.ClaimNext(ctx, workerID)
		if errors.Is(err, store.ErrNotFound) {
			counts, cerr := e.store.Counts(ctx)
			if cerr != nil {
				logger.Error("frontier count failed, stopping worker", zap.Error(cerr))
				return
			}
			if counts.Drained() {
				return
			}
			idle++
			if idle > e.cfg.IdlePolls {
				return
			}
			pause(ctx, e.cfg.IdleDelay)
			continue
		}
		if err != nil {
			logger.Error("claim failed, stopping worker", zap.Error(err))
			return
		}
		idle = 0

		if serr := e.processClaim(ctx, logger, rec); serr != nil {
			// Only store failures propagate out of processClaim; the
			// worker must not continue with unpersisted state.
			logger.Error("store failure, stopping worker", zap.Error(serr))
			return
		}
	}
}

// processClaim runs the fetch/process pipeline for one claimed URL and
// records the outcome. Per-URL errors are contained here; the returned
// error is reserved for store failures.
func (e *Engine) processClaim(ctx context.Context, logger *zap.Logger, rec *store.URLRecord) (storeErr error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic processing url",
				zap.String("url", rec.URL), zap.Any("panic", r))
			_, storeErr = e.store.Fail(ctx, rec.URL, fmt.Errorf("panic: %v", r), 0)
		}
	}()

	pause(ctx, e.cfg.RequestDelay)
	if ctx.Err() != nil {
		// Interrupted before the fetch: leave the claim for the reaper.
		return nil
	}

	err := e.processURL(ctx, logger, rec)
	if err == nil {
		return nil
	}

	// A persistence failure must not be recorded as a fetch outcome; the
	// claim stays in place for the reaper and this worker stops.
	var persistErr *StoreError
	if errors.As(err, &persistErr) {
		return persistErr
	}

	if Retryable(err) {
		requeued, serr := e.store.Fail(ctx, rec.URL, err, e.cfg.MaxRetries)
		if serr != nil {
			return serr
		}
		if requeued {
			e.metrics.PagesRetried.Inc()
			logger.Warn("transient failure, requeued",
				zap.String("url", rec.URL),
				zap.Int("retry", rec.RetryCount+1),
				zap.Error(err),
			)
			// 429 means the server asked us to slow down; respect the
			// backoff curve before claiming more work.
			pause(ctx, e.backoff.Delay(rec.RetryCount))
		} else {
			e.metrics.PagesFailed.Inc()
			logger.Error("retry budget exhausted", zap.String("url", rec.URL), zap.Error(err))
		}
		return nil
	}

	if _, serr := e.store.Fail(ctx, rec.URL, err, 0); serr != nil {
		return serr
	}
	e.metrics.PagesFailed.Inc()
	logger.Error("terminal failure", zap.String("url", rec.URL), zap.Error(err))
	return nil
}

func (e *Engine) processURL(ctx context.Context, logger *zap.Logger, rec *store.URLRecord) error {
	page, err := e.fetcher.Fetch(ctx, rec.URL)
	if err != nil {
		return err
	}
	if page.StatusCode >= 400 {
		return &FetchError{URL: rec.URL, StatusCode: page.StatusCode}
	}
	if ct := page.ContentType; ct != "" && !strings.Contains(ct, "text/html") {
		return &ParseError{URL: rec.URL, Err: fmt.Errorf("unsupported content type %q", ct)}
	}

	doc, err := rewrite.ParseBytes(page.Body)
	if err != nil {
		return &ParseError{URL: rec.URL, Err: err}
	}

	pagePath := e.mapper.PagePath(rec.URL)

	// Discovery first: every outbound link goes through admission so the
	// frontier sees it even if this page later fails to convert.
	discovered := int64(0)
	for _, link := range rewrite.Links(doc, rec.URL) {
		decision, err := e.frontier.Admit(ctx, link, rec.Depth+1, rec.URL)
		if err != nil {
			return &StoreError{Op: "admit", Err: err}
		}
		if decision == frontier.Admitted {
			discovered++
		}
	}

	if e.cfg.DownloadResources && e.dedup != nil {
		for _, ref := range rewrite.Resources(doc, rec.URL) {
			if e.cfg.RemoveJavascript && ref.Kind == "js" {
				continue
			}
			if local, ok := e.dedup.Obtain(ctx, ref.URL, ref.Kind); ok {
				ref.SetLocal(rewrite.RelativeRef(pagePath, local))
			} else {
				ref.SetRemote()
			}
		}
	}

	if e.cfg.RemoveJavascript {
		rewrite.StripScripts(doc)
	}

	rewrite.RewriteAnchors(doc, rec.URL, pagePath, e.mapper, func(normalized string) string {
		// The recorded mapping wins when the target already completed;
		// otherwise the deterministic derivation stands in for it.
		if path, err := e.store.ResolveMapping(ctx, normalized); err == nil {
			return path
		}
		return ""
	})

	content, err := Convert(doc, e.cfg.Format, rec.URL)
	if err != nil {
		return &ParseError{URL: rec.URL, Err: err}
	}

	size, err := e.sink.Write(pagePath, []byte(content))
	if err != nil {
		return err
	}

	delta := store.StatsDelta{Documents: 1, Discovered: discovered, Bytes: size}
	mappings := []store.Mapping{{URL: rec.URL, LocalPath: pagePath}}
	if err := e.store.Complete(ctx, rec.URL, pagePath, size, delta, mappings); err != nil {
		return &StoreError{Op: "complete", Err: err}
	}

	e.metrics.PagesFetched.Inc()
	e.metrics.BytesWritten.Add(float64(size))
	logger.Info("page mirrored",
		zap.String("url", rec.URL),
		zap.String("path", pagePath),
		zap.Int("depth", rec.Depth),
		zap.Int64("new_links", discovered),
	)
	return nil
}
