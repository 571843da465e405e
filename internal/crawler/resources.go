package crawler

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sitemirror/sitemirror/internal/rewrite"
	"github.com/sitemirror/sitemirror/internal/store"
)

// Deduplicator guarantees at most one download per resource URL across
// all workers. The store's claim gate is the only synchronization; the
// deterministic predicted path means losers never need to wait for the
// winner.
type Deduplicator struct {
	store    store.Store
	fetcher  Fetcher
	sink     *FileSystemSink
	mapper   *rewrite.Mapper
	maxBytes int64
	metrics  *Metrics
	logger   *zap.Logger
}

// NewDeduplicator builds the resource dedup layer.
func NewDeduplicator(st store.Store, fetcher Fetcher, sink *FileSystemSink, mapper *rewrite.Mapper, maxBytes int64, metrics *Metrics, logger *zap.Logger) *Deduplicator {
	return &Deduplicator{
		store:    st,
		fetcher:  fetcher,
		sink:     sink,
		mapper:   mapper,
		maxBytes: maxBytes,
		metrics:  metrics,
		logger:   logger,
	}
}

// Obtain returns the local path for a resource URL, downloading it iff
// this caller wins the claim. An in-progress claim elsewhere returns the
// predicted path immediately; the winner will eventually have written it.
// Returns ok=false when the resource is rejected by policy or failed to
// download; the caller then leaves the remote reference in place.
func (d *Deduplicator) Obtain(ctx context.Context, resourceURL, kind string) (string, bool) {
	if !d.mapper.AllowedResource(resourceURL) {
		return "", false
	}

	predicted := d.mapper.ResourcePath(resourceURL)
	claim, localPath, err := d.store.ClaimResource(ctx, resourceURL, predicted, kind)
	if err != nil {
		d.logger.Warn("resource claim failed", zap.String("url", resourceURL), zap.Error(err))
		return "", false
	}

	switch claim {
	case store.ClaimAlreadyCompleted, store.ClaimInProgress:
		return localPath, true
	case store.ClaimWon:
		if err := d.download(ctx, resourceURL, localPath); err != nil {
			d.logger.Warn("resource download failed",
				zap.String("url", resourceURL), zap.Error(err))
			if ferr := d.store.FailResource(ctx, resourceURL); ferr != nil {
				d.logger.Error("release resource claim failed",
					zap.String("url", resourceURL), zap.Error(ferr))
			}
			return "", false
		}
		return localPath, true
	}
	return "", false
}

func (d *Deduplicator) download(ctx context.Context, resourceURL, localPath string) error {
	page, err := d.fetcher.Fetch(ctx, resourceURL)
	if err != nil {
		return err
	}
	if page.StatusCode >= 400 {
		return &FetchError{URL: resourceURL, StatusCode: page.StatusCode}
	}
	if d.maxBytes > 0 && int64(len(page.Body)) > d.maxBytes {
		return fmt.Errorf("resource %s exceeds size limit (%d bytes)", resourceURL, len(page.Body))
	}
	size, err := d.sink.Write(localPath, page.Body)
	if err != nil {
		return err
	}
	if err := d.store.CompleteResource(ctx, resourceURL, size); err != nil {
		return err
	}
	d.metrics.ResourcesSaved.Inc()
	d.metrics.BytesWritten.Add(float64(size))
	d.logger.Debug("resource saved",
		zap.String("url", resourceURL), zap.String("path", localPath))
	return nil
}
