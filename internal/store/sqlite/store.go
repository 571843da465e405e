// Package sqlite is the default store backend: a single-file SQLite
// database that survives restarts and serializes every claim.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/sitemirror/sitemirror/internal/store"
)

// Store implements store.Store on mattn/go-sqlite3.
type Store struct {
	db *sql.DB
}

// New opens or creates the database at path and initializes the schema.
// WAL keeps readers off the writer's back; busy_timeout covers the brief
// writer contention between claim statements.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect database: %w", err)
	}

	// A single writer connection makes every claim a serialized
	// read-modify-write; SQLite would serialize them anyway, this just
	// avoids SQLITE_BUSY churn under heavy worker counts.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS discovered_urls (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		url TEXT UNIQUE NOT NULL,
		depth INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		retry_count INTEGER NOT NULL DEFAULT 0,
		error_message TEXT,
		parent_url TEXT,
		claimed_by TEXT,
		claimed_at TIMESTAMP,
		discovered_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_discovered_urls_status ON discovered_urls(status);
	CREATE INDEX IF NOT EXISTS idx_discovered_urls_depth ON discovered_urls(depth);

	CREATE TABLE IF NOT EXISTS downloaded_documents (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		url TEXT UNIQUE NOT NULL,
		local_path TEXT NOT NULL,
		file_size INTEGER,
		depth INTEGER,
		downloaded_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS downloaded_resources (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		url TEXT UNIQUE NOT NULL,
		local_path TEXT NOT NULL,
		resource_type TEXT NOT NULL,
		file_size INTEGER,
		status TEXT NOT NULL DEFAULT 'pending',
		downloaded_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_downloaded_resources_type ON downloaded_resources(resource_type);

	CREATE TABLE IF NOT EXISTS url_mappings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		url TEXT UNIQUE NOT NULL,
		local_path TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS crawler_stats (
		session_id TEXT PRIMARY KEY,
		start_time TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		end_time TIMESTAMP,
		urls_discovered INTEGER NOT NULL DEFAULT 0,
		documents_downloaded INTEGER NOT NULL DEFAULT 0,
		resources_downloaded INTEGER NOT NULL DEFAULT 0,
		total_errors INTEGER NOT NULL DEFAULT 0,
		total_bytes INTEGER NOT NULL DEFAULT 0,
		config_snapshot TEXT
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// UpsertPending inserts a URL if absent. INSERT OR IGNORE leaves any
// existing record, whatever its status, untouched.
func (s *Store) UpsertPending(ctx context.Context, url string, depth int, parentURL string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO discovered_urls (url, depth, parent_url, status)
		VALUES (?, ?, ?, 'pending')
	`, url, depth, parentURL)
	if err != nil {
		return false, fmt.Errorf("upsert pending %s: %w", url, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	// First-discovery depth wins once the record leaves pending; while it
	// is still pending a shallower rediscovery may lower the depth.
	_, err = s.db.ExecContext(ctx, `
		UPDATE discovered_urls SET depth = ?
		WHERE url = ? AND status = 'pending' AND depth > ?
	`, depth, url, depth)
	if err != nil {
		return false, fmt.Errorf("lower depth %s: %w", url, err)
	}
	return false, nil
}

// ClaimNext flips one pending record to in_progress in a single statement.
// The UPDATE..RETURNING runs atomically on the sole writer connection, so
// concurrent callers can never be handed the same row.
func (s *Store) ClaimNext(ctx context.Context, workerID string) (*store.URLRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE discovered_urls
		SET status = 'in_progress', claimed_by = ?, claimed_at = CURRENT_TIMESTAMP
		WHERE id = (
			SELECT id FROM discovered_urls
			WHERE status = 'pending'
			ORDER BY depth ASC, discovered_at ASC, id ASC
			LIMIT 1
		)
		RETURNING url, depth, status, retry_count, COALESCE(error_message, ''),
			COALESCE(parent_url, ''), COALESCE(claimed_by, ''), claimed_at, discovered_at
	`, workerID)

	var rec store.URLRecord
	var claimedAt, discoveredAt sql.NullTime
	err := row.Scan(&rec.URL, &rec.Depth, &rec.Status, &rec.RetryCount,
		&rec.LastError, &rec.ParentURL, &rec.ClaimedBy, &claimedAt, &discoveredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("claim next: %w", err)
	}
	if claimedAt.Valid {
		rec.ClaimedAt = claimedAt.Time
	}
	if discoveredAt.Valid {
		rec.DiscoveredAt = discoveredAt.Time
	}
	return &rec, nil
}

// Complete finalizes a URL in one transaction: status flip, document row,
// mapping rows and the stats delta all commit together or not at all.
func (s *Store) Complete(ctx context.Context, url, localPath string, size int64, delta store.StatsDelta, mappings []store.Mapping) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin complete tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE discovered_urls
		SET status = 'completed', claimed_by = NULL, claimed_at = NULL, error_message = NULL
		WHERE url = ? AND status = 'in_progress'
	`, url)
	if err != nil {
		return fmt.Errorf("complete %s: %w", url, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("complete %s: %w", url, store.ErrNotFound)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO downloaded_documents (url, local_path, file_size, depth)
		VALUES (?, ?, ?, (SELECT depth FROM discovered_urls WHERE url = ?))
	`, url, localPath, size, url); err != nil {
		return fmt.Errorf("record document %s: %w", url, err)
	}

	// Mappings are append-only: once set for a URL the path never changes.
	for _, m := range mappings {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO url_mappings (url, local_path) VALUES (?, ?)
		`, m.URL, m.LocalPath); err != nil {
			return fmt.Errorf("record mapping %s: %w", m.URL, err)
		}
	}

	if err := applyDelta(ctx, tx, delta); err != nil {
		return err
	}
	return tx.Commit()
}

// Fail either requeues the URL or buries it once the retry budget is gone.
func (s *Store) Fail(ctx context.Context, url string, cause error, maxRetries int) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin fail tx: %w", err)
	}
	defer tx.Rollback()

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	var retryCount int
	err = tx.QueryRowContext(ctx, `
		UPDATE discovered_urls
		SET retry_count = retry_count + 1, error_message = ?,
			claimed_by = NULL, claimed_at = NULL
		WHERE url = ? AND status = 'in_progress'
		RETURNING retry_count
	`, msg, url).Scan(&retryCount)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("fail %s: %w", url, store.ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("fail %s: %w", url, err)
	}

	requeued := retryCount <= maxRetries
	next := "failed"
	if requeued {
		next = "pending"
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE discovered_urls SET status = ? WHERE url = ?`, next, url); err != nil {
		return false, fmt.Errorf("fail %s: %w", url, err)
	}
	if !requeued {
		if err := applyDelta(ctx, tx, store.StatsDelta{Errors: 1}); err != nil {
			return false, err
		}
	}
	return requeued, tx.Commit()
}

// ClaimResource wins by being the first INSERT; losers read the existing
// row. The local path stored by the winner is immutable from then on.
func (s *Store) ClaimResource(ctx context.Context, url, predictedPath, resourceType string) (store.ResourceClaim, string, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO downloaded_resources (url, local_path, resource_type, status)
		VALUES (?, ?, ?, 'in_progress')
	`, url, predictedPath, resourceType)
	if err != nil {
		return 0, "", fmt.Errorf("claim resource %s: %w", url, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return store.ClaimWon, predictedPath, nil
	}

	var status, localPath string
	err = s.db.QueryRowContext(ctx,
		`SELECT status, local_path FROM downloaded_resources WHERE url = ?`, url).
		Scan(&status, &localPath)
	if err != nil {
		return 0, "", fmt.Errorf("lookup resource %s: %w", url, err)
	}
	switch store.Status(status) {
	case store.StatusCompleted:
		return store.ClaimAlreadyCompleted, localPath, nil
	case store.StatusInProgress:
		return store.ClaimInProgress, localPath, nil
	default:
		// A previously failed resource: take over the claim.
		res, err := s.db.ExecContext(ctx, `
			UPDATE downloaded_resources SET status = 'in_progress'
			WHERE url = ? AND status = 'failed'
		`, url)
		if err != nil {
			return 0, "", fmt.Errorf("reclaim resource %s: %w", url, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return store.ClaimWon, localPath, nil
		}
		return store.ClaimInProgress, localPath, nil
	}
}

// CompleteResource finalizes a won claim and bumps the session counters.
func (s *Store) CompleteResource(ctx context.Context, url string, size int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin resource tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE downloaded_resources
		SET status = 'completed', file_size = ?, downloaded_at = CURRENT_TIMESTAMP
		WHERE url = ? AND status = 'in_progress'
	`, size, url)
	if err != nil {
		return fmt.Errorf("complete resource %s: %w", url, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("complete resource %s: %w", url, store.ErrNotFound)
	}
	if err := applyDelta(ctx, tx, store.StatsDelta{Resources: 1, Bytes: size}); err != nil {
		return err
	}
	return tx.Commit()
}

// FailResource releases the claim so a later page reference may retry.
func (s *Store) FailResource(ctx context.Context, url string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE downloaded_resources SET status = 'failed'
		WHERE url = ? AND status = 'in_progress'
	`, url)
	if err != nil {
		return fmt.Errorf("fail resource %s: %w", url, err)
	}
	return nil
}

// ResolveMapping looks up the recorded local path for a URL.
func (s *Store) ResolveMapping(ctx context.Context, url string) (string, error) {
	var path string
	err := s.db.QueryRowContext(ctx,
		`SELECT local_path FROM url_mappings WHERE url = ?`, url).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolve mapping %s: %w", url, err)
	}
	return path, nil
}

// ReapStaleClaims returns crashed workers' claims to the frontier.
func (s *Store) ReapStaleClaims(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-age)
	res, err := s.db.ExecContext(ctx, `
		UPDATE discovered_urls
		SET status = 'pending', claimed_by = NULL, claimed_at = NULL
		WHERE status = 'in_progress' AND claimed_at < ?
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reap stale claims: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	// Orphaned resource claims are simply released; the next reference
	// re-downloads to the same deterministic path.
	if _, err := s.db.ExecContext(ctx, `
		UPDATE downloaded_resources SET status = 'failed'
		WHERE status = 'in_progress' AND downloaded_at < ?
	`, cutoff); err != nil {
		return n, fmt.Errorf("reap stale resources: %w", err)
	}
	return n, nil
}

// Counts returns frontier totals.
func (s *Store) Counts(ctx context.Context) (store.Counts, error) {
	var c store.Counts
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM discovered_urls GROUP BY status`)
	if err != nil {
		return c, fmt.Errorf("count urls: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return c, err
		}
		switch store.Status(status) {
		case store.StatusPending:
			c.Pending = n
		case store.StatusInProgress:
			c.InProgress = n
		case store.StatusCompleted:
			c.Completed = n
		case store.StatusFailed:
			c.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return c, err
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM downloaded_resources WHERE status = 'completed'`).Scan(&c.Resources)
	if err != nil {
		return c, fmt.Errorf("count resources: %w", err)
	}
	return c, nil
}

// FailedURLs lists dead URLs with their last error for post-mortem.
func (s *Store) FailedURLs(ctx context.Context, limit int) ([]store.FailReport, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT url, retry_count, COALESCE(error_message, '')
		FROM discovered_urls WHERE status = 'failed'
		ORDER BY discovered_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list failed urls: %w", err)
	}
	defer rows.Close()
	var out []store.FailReport
	for rows.Next() {
		var r store.FailReport
		if err := rows.Scan(&r.URL, &r.RetryCount, &r.LastError); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// StartSession opens a crawler_stats row.
func (s *Store) StartSession(ctx context.Context, configSnapshot string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO crawler_stats (session_id, config_snapshot) VALUES (?, ?)
	`, id, configSnapshot)
	if err != nil {
		return "", fmt.Errorf("start session: %w", err)
	}
	return id, nil
}

// EndSession stamps the end time.
func (s *Store) EndSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE crawler_stats SET end_time = CURRENT_TIMESTAMP WHERE session_id = ?
	`, sessionID)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

// SessionStats reads the aggregate counters for a session.
func (s *Store) SessionStats(ctx context.Context, sessionID string) (store.SessionStats, error) {
	var st store.SessionStats
	var end sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, start_time, end_time, urls_discovered,
			documents_downloaded, resources_downloaded, total_errors, total_bytes
		FROM crawler_stats WHERE session_id = ?
	`, sessionID).Scan(&st.SessionID, &st.StartTime, &end,
		&st.Discovered, &st.Documents, &st.Resources, &st.Errors, &st.Bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return st, store.ErrNotFound
	}
	if err != nil {
		return st, fmt.Errorf("session stats: %w", err)
	}
	if end.Valid {
		st.EndTime = end.Time
	}
	return st, nil
}

// Mappings returns every URL to local path pair.
func (s *Store) Mappings(ctx context.Context) ([]store.Mapping, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT url, local_path FROM url_mappings`)
	if err != nil {
		return nil, fmt.Errorf("list mappings: %w", err)
	}
	defer rows.Close()
	var out []store.Mapping
	for rows.Next() {
		var m store.Mapping
		if err := rows.Scan(&m.URL, &m.LocalPath); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ImportCompleted records a legacy-snapshot document, insert-if-absent.
func (s *Store) ImportCompleted(ctx context.Context, url, localPath string, size int64) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin import tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO discovered_urls (url, depth, status) VALUES (?, 0, 'completed')
	`, url)
	if err != nil {
		return false, fmt.Errorf("import url %s: %w", url, err)
	}
	inserted, _ := res.RowsAffected()
	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO downloaded_documents (url, local_path, file_size) VALUES (?, ?, ?)
	`, url, localPath, size); err != nil {
		return false, fmt.Errorf("import document %s: %w", url, err)
	}
	if localPath != "" {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO url_mappings (url, local_path) VALUES (?, ?)
		`, url, localPath); err != nil {
			return false, fmt.Errorf("import mapping %s: %w", url, err)
		}
	}
	return inserted > 0, tx.Commit()
}

// ImportResource records a legacy-snapshot resource, insert-if-absent.
func (s *Store) ImportResource(ctx context.Context, url, localPath, resourceType string, size int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO downloaded_resources (url, local_path, resource_type, file_size, status)
		VALUES (?, ?, ?, ?, 'completed')
	`, url, localPath, resourceType, size)
	if err != nil {
		return false, fmt.Errorf("import resource %s: %w", url, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// URLsByStatus lists URLs in a status for report exports. A limit of
// zero or less means no limit.
func (s *Store) URLsByStatus(ctx context.Context, status store.Status, limit int) ([]string, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT url FROM discovered_urls WHERE status = ?
		ORDER BY discovered_at ASC LIMIT ?
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list urls by status: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// ResourceTypeCounts aggregates completed resources by type.
func (s *Store) ResourceTypeCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT resource_type, COUNT(*) FROM downloaded_resources
		WHERE status = 'completed' GROUP BY resource_type
	`)
	if err != nil {
		return nil, fmt.Errorf("resource type counts: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int64)
	for rows.Next() {
		var t string
		var n int64
		if err := rows.Scan(&t, &n); err != nil {
			return nil, err
		}
		out[t] = n
	}
	return out, rows.Err()
}

func applyDelta(ctx context.Context, tx *sql.Tx, d store.StatsDelta) error {
	if d == (store.StatsDelta{}) {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE crawler_stats SET
			urls_discovered = urls_discovered + ?,
			documents_downloaded = documents_downloaded + ?,
			resources_downloaded = resources_downloaded + ?,
			total_errors = total_errors + ?,
			total_bytes = total_bytes + ?
		WHERE session_id = (
			SELECT session_id FROM crawler_stats ORDER BY start_time DESC LIMIT 1
		)
	`, d.Discovered, d.Documents, d.Resources, d.Errors, d.Bytes)
	if err != nil {
		return fmt.Errorf("apply stats delta: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
