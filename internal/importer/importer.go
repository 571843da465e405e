// Package importer migrates flat JSON progress snapshots from the
// legacy tracker into the store. Import is idempotent: existing records
// are never overwritten, so running it twice equals running it once.
package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sitemirror/sitemirror/internal/frontier"
	"github.com/sitemirror/sitemirror/internal/store"
)

// Snapshot is the legacy on-disk progress format.
type Snapshot struct {
	DownloadedURLs       []string          `json:"downloaded_urls"`
	URLToFilename        map[string]string `json:"url_to_filename"`
	DownloadedResources  map[string]string `json:"downloaded_resources"`
	TransversalResources map[string]string `json:"transversal_resources"`
	DownloadQueue        []QueueEntry      `json:"download_queue"`
}

// QueueEntry is one pending URL in the legacy queue. The legacy writer
// emitted both bare strings and [url, depth] pairs over its lifetime.
type QueueEntry struct {
	URL   string
	Depth int
}

func (q *QueueEntry) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		q.URL = s
		return nil
	}
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("queue entry is neither string nor pair: %s", data)
	}
	if len(pair) > 0 {
		if err := json.Unmarshal(pair[0], &q.URL); err != nil {
			return fmt.Errorf("queue entry url: %w", err)
		}
	}
	if len(pair) > 1 {
		if err := json.Unmarshal(pair[1], &q.Depth); err != nil {
			return fmt.Errorf("queue entry depth: %w", err)
		}
	}
	return nil
}

// Result summarizes what one import run changed.
type Result struct {
	Documents        int
	Resources        int
	Queued           int
	Skipped          int
	ArchivedSnapshot string
}

// Importer loads legacy snapshots into the store.
type Importer struct {
	store  store.Store
	logger *zap.Logger
}

// New builds an Importer.
func New(st store.Store, logger *zap.Logger) *Importer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Importer{store: st, logger: logger}
}

// Run imports the snapshot at snapshotPath. With archive set, the file
// is renamed with a timestamp suffix after a successful import so the
// same snapshot cannot be picked up again by accident.
func (i *Importer) Run(ctx context.Context, snapshotPath string, archive bool) (Result, error) {
	raw, err := os.ReadFile(snapshotPath)
	if err != nil {
		return Result{}, fmt.Errorf("read snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Result{}, fmt.Errorf("decode snapshot: %w", err)
	}

	res, err := i.apply(ctx, &snap)
	if err != nil {
		return res, err
	}

	if archive {
		archived := fmt.Sprintf("%s.imported-%s", snapshotPath, time.Now().Format("20060102-150405"))
		if err := os.Rename(snapshotPath, archived); err != nil {
			return res, fmt.Errorf("archive snapshot: %w", err)
		}
		res.ArchivedSnapshot = archived
	}
	return res, nil
}

func (i *Importer) apply(ctx context.Context, snap *Snapshot) (Result, error) {
	var res Result

	for _, rawURL := range snap.DownloadedURLs {
		normalized, err := frontier.Normalize(rawURL)
		if err != nil {
			i.logger.Warn("skipping malformed legacy url", zap.String("url", rawURL), zap.Error(err))
			res.Skipped++
			continue
		}
		localPath := snap.URLToFilename[rawURL]
		if localPath == "" {
			localPath = snap.URLToFilename[normalized]
		}
		inserted, err := i.store.ImportCompleted(ctx, normalized, localPath, 0)
		if err != nil {
			return res, fmt.Errorf("import document %s: %w", normalized, err)
		}
		if inserted {
			res.Documents++
		} else {
			res.Skipped++
		}
	}

	for rawURL, localPath := range snap.DownloadedResources {
		if err := i.importResource(ctx, rawURL, localPath, &res); err != nil {
			return res, err
		}
	}
	// Transversal resources were the legacy name for assets shared across
	// pages; in the store they are ordinary resource records.
	for rawURL, localPath := range snap.TransversalResources {
		if err := i.importResource(ctx, rawURL, localPath, &res); err != nil {
			return res, err
		}
	}

	for _, entry := range snap.DownloadQueue {
		normalized, err := frontier.Normalize(entry.URL)
		if err != nil {
			res.Skipped++
			continue
		}
		inserted, err := i.store.UpsertPending(ctx, normalized, entry.Depth, "")
		if err != nil {
			return res, fmt.Errorf("import queued %s: %w", normalized, err)
		}
		if inserted {
			res.Queued++
		} else {
			res.Skipped++
		}
	}

	i.logger.Info("legacy snapshot imported",
		zap.Int("documents", res.Documents),
		zap.Int("resources", res.Resources),
		zap.Int("queued", res.Queued),
		zap.Int("skipped", res.Skipped),
	)
	return res, nil
}

func (i *Importer) importResource(ctx context.Context, rawURL, localPath string, res *Result) error {
	normalized, err := frontier.Normalize(rawURL)
	if err != nil {
		i.logger.Warn("skipping malformed legacy resource", zap.String("url", rawURL), zap.Error(err))
		res.Skipped++
		return nil
	}
	inserted, err := i.store.ImportResource(ctx, normalized, localPath, resourceType(normalized), 0)
	if err != nil {
		return fmt.Errorf("import resource %s: %w", normalized, err)
	}
	if inserted {
		res.Resources++
	} else {
		res.Skipped++
	}
	return nil
}

// resourceType derives the legacy record's type from its URL extension.
func resourceType(rawURL string) string {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(strings.SplitN(rawURL, "?", 2)[0]), "."))
	switch ext {
	case "jpeg":
		return "jpg"
	case "":
		return "other"
	}
	return ext
}
