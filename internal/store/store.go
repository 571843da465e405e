// Package store defines the persistent crawl state contract shared by all
// backends. The store is the only mutable state shared between workers:
// every coordination point in the crawl is a single atomic store call.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Status is the lifecycle state of a URL or resource record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions may occur.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition validates a status move. Completed and failed records are
// frozen; the only way into in_progress is an atomic claim on a pending
// record.
func (s Status) CanTransition(to Status) bool {
	switch s {
	case StatusPending:
		return to == StatusInProgress || to == StatusFailed
	case StatusInProgress:
		return to == StatusCompleted || to == StatusPending || to == StatusFailed
	default:
		return false
	}
}

// Transition returns the new status or an error if the move is illegal.
func (s Status) Transition(to Status) (Status, error) {
	if !s.CanTransition(to) {
		return s, fmt.Errorf("illegal status transition %s -> %s", s, to)
	}
	return to, nil
}

// URLRecord is one discovered page URL and its processing state.
type URLRecord struct {
	URL          string
	Depth        int
	Status       Status
	RetryCount   int
	LastError    string
	ParentURL    string
	LocalPath    string
	ClaimedBy    string
	ClaimedAt    time.Time
	DiscoveredAt time.Time
}

// ResourceRecord is one shared asset (stylesheet, image, font, script).
type ResourceRecord struct {
	URL          string
	LocalPath    string
	ResourceType string
	FileSize     int64
	Status       Status
	DownloadedAt time.Time
}

// Mapping is an original URL to local path pair, append-only and stable
// once written.
type Mapping struct {
	URL       string
	LocalPath string
}

// StatsDelta is applied transactionally alongside record transitions.
type StatsDelta struct {
	Discovered int64
	Documents  int64
	Resources  int64
	Errors     int64
	Bytes      int64
}

// Counts summarizes the frontier, used for termination and reporting.
type Counts struct {
	Pending    int64
	InProgress int64
	Completed  int64
	Failed     int64
	Resources  int64
}

// Drained reports whether no pending and no in-flight work remains.
func (c Counts) Drained() bool {
	return c.Pending == 0 && c.InProgress == 0
}

// ResourceClaim is the outcome of the resource dedup gate.
type ResourceClaim int

const (
	// ClaimWon means the caller is the sole downloader.
	ClaimWon ResourceClaim = iota
	// ClaimAlreadyCompleted means the resource exists; use the stored path.
	ClaimAlreadyCompleted
	// ClaimInProgress means another worker is downloading it now.
	ClaimInProgress
)

// SessionStats is one crawler_stats row.
type SessionStats struct {
	SessionID  string
	StartTime  time.Time
	EndTime    time.Time
	Discovered int64
	Documents  int64
	Resources  int64
	Errors     int64
	Bytes      int64
}

// FailReport is the post-mortem view of a dead URL.
type FailReport struct {
	URL        string
	RetryCount int
	LastError  string
}

// Store is the transactional crawl state store. Implementations must be
// safe for concurrent callers and must never expose partial writes: any
// operation that cannot complete atomically leaves prior state untouched.
type Store interface {
	// UpsertPending inserts a URL as pending if absent. Returns true when a
	// new record was created. Never overwrites a non-pending status.
	UpsertPending(ctx context.Context, url string, depth int, parentURL string) (bool, error)

	// ClaimNext atomically flips one pending record to in_progress, stamps
	// ownership and returns it. Returns ErrNotFound when nothing is pending.
	// No two concurrent callers may receive the same record.
	ClaimNext(ctx context.Context, workerID string) (*URLRecord, error)

	// Complete marks the URL completed, records its local path, writes the
	// given mappings and applies the stats delta in one transaction.
	Complete(ctx context.Context, url, localPath string, size int64, delta StatsDelta, mappings []Mapping) error

	// Fail increments the retry count; below maxRetries the URL returns to
	// pending, otherwise it becomes terminally failed. Returns true when
	// the URL was requeued.
	Fail(ctx context.Context, url string, cause error, maxRetries int) (bool, error)

	// ClaimResource is the dedup gate: at most one caller wins the download
	// for a resource URL. The predicted path is recorded on first claim and
	// is immutable thereafter; the stored path is always returned.
	ClaimResource(ctx context.Context, url, predictedPath, resourceType string) (ResourceClaim, string, error)

	// CompleteResource finalizes a won resource claim.
	CompleteResource(ctx context.Context, url string, size int64) error

	// FailResource releases a won claim so a later reference may retry.
	FailResource(ctx context.Context, url string) error

	// ResolveMapping returns the local path recorded for a URL.
	ResolveMapping(ctx context.Context, url string) (string, error)

	// ReapStaleClaims returns in_progress records older than age to pending.
	// Run at startup and periodically during long crawls; this is the whole
	// crash recovery story.
	ReapStaleClaims(ctx context.Context, age time.Duration) (int64, error)

	// Counts returns frontier totals.
	Counts(ctx context.Context) (Counts, error)

	// FailedURLs lists terminally failed URLs for post-mortem.
	FailedURLs(ctx context.Context, limit int) ([]FailReport, error)

	// StartSession opens a crawler_stats row and returns its id.
	StartSession(ctx context.Context, configSnapshot string) (string, error)

	// EndSession stamps the end time on a session.
	EndSession(ctx context.Context, sessionID string) error

	// SessionStats reads the aggregate counters for a session.
	SessionStats(ctx context.Context, sessionID string) (SessionStats, error)

	// Mappings returns every recorded URL to local path pair.
	Mappings(ctx context.Context) ([]Mapping, error)

	// ImportCompleted records an already-downloaded document without
	// touching any existing record (legacy snapshot import). Returns true
	// when a record was created.
	ImportCompleted(ctx context.Context, url, localPath string, size int64) (bool, error)

	// ImportResource records an already-downloaded resource, insert-if-absent.
	ImportResource(ctx context.Context, url, localPath, resourceType string, size int64) (bool, error)

	// URLsByStatus lists URLs in a given status, for report exports.
	URLsByStatus(ctx context.Context, status Status, limit int) ([]string, error)

	// ResourceTypeCounts aggregates resources by type for reporting.
	ResourceTypeCounts(ctx context.Context) (map[string]int64, error)

	Close() error
}
