// Package postgres is the store backend for crawls shared between several
// processes. Claims use FOR UPDATE SKIP LOCKED so concurrent workers on
// different machines never collide.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sitemirror/sitemirror/internal/store"
)

// Querier is the subset of pgxpool.Pool the store needs; tests substitute
// a pgxmock pool.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store implements store.Store on a Postgres pool.
type Store struct {
	pool  Querier
	close func()
}

// New connects to dsn and initializes the schema.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	s := &Store{pool: pool, close: pool.Close}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// NewWithQuerier wires an existing pool or mock; the caller owns its lifecycle.
func NewWithQuerier(q Querier) *Store {
	return &Store{pool: q, close: func() {}}
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS discovered_urls (
		id BIGSERIAL PRIMARY KEY,
		url TEXT UNIQUE NOT NULL,
		depth INT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		retry_count INT NOT NULL DEFAULT 0,
		error_message TEXT,
		parent_url TEXT,
		claimed_by TEXT,
		claimed_at TIMESTAMPTZ,
		discovered_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS idx_discovered_urls_status ON discovered_urls(status);

	CREATE TABLE IF NOT EXISTS downloaded_documents (
		id BIGSERIAL PRIMARY KEY,
		url TEXT UNIQUE NOT NULL,
		local_path TEXT NOT NULL,
		file_size BIGINT,
		depth INT,
		downloaded_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS downloaded_resources (
		id BIGSERIAL PRIMARY KEY,
		url TEXT UNIQUE NOT NULL,
		local_path TEXT NOT NULL,
		resource_type TEXT NOT NULL,
		file_size BIGINT,
		status TEXT NOT NULL DEFAULT 'pending',
		downloaded_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS url_mappings (
		id BIGSERIAL PRIMARY KEY,
		url TEXT UNIQUE NOT NULL,
		local_path TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS crawler_stats (
		session_id TEXT PRIMARY KEY,
		start_time TIMESTAMPTZ NOT NULL DEFAULT now(),
		end_time TIMESTAMPTZ,
		urls_discovered BIGINT NOT NULL DEFAULT 0,
		documents_downloaded BIGINT NOT NULL DEFAULT 0,
		resources_downloaded BIGINT NOT NULL DEFAULT 0,
		total_errors BIGINT NOT NULL DEFAULT 0,
		total_bytes BIGINT NOT NULL DEFAULT 0,
		config_snapshot TEXT
	);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// UpsertPending inserts a URL if absent; existing records keep their status.
func (s *Store) UpsertPending(ctx context.Context, url string, depth int, parentURL string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO discovered_urls (url, depth, parent_url, status)
		VALUES ($1, $2, $3, 'pending')
		ON CONFLICT (url) DO NOTHING
	`, url, depth, parentURL)
	if err != nil {
		return false, fmt.Errorf("upsert pending %s: %w", url, err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE discovered_urls SET depth = $1
		WHERE url = $2 AND status = 'pending' AND depth > $1
	`, depth, url)
	if err != nil {
		return false, fmt.Errorf("lower depth %s: %w", url, err)
	}
	return false, nil
}

// ClaimNext locks one pending row and flips it to in_progress. SKIP LOCKED
// makes concurrent claimers pick disjoint rows instead of queueing.
func (s *Store) ClaimNext(ctx context.Context, workerID string) (*store.URLRecord, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE discovered_urls
		SET status = 'in_progress', claimed_by = $1, claimed_at = now()
		WHERE id = (
			SELECT id FROM discovered_urls
			WHERE status = 'pending'
			ORDER BY depth ASC, discovered_at ASC, id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING url, depth, status, retry_count, COALESCE(error_message, ''),
			COALESCE(parent_url, ''), COALESCE(claimed_by, ''), claimed_at, discovered_at
	`, workerID)

	var rec store.URLRecord
	err := row.Scan(&rec.URL, &rec.Depth, &rec.Status, &rec.RetryCount,
		&rec.LastError, &rec.ParentURL, &rec.ClaimedBy, &rec.ClaimedAt, &rec.DiscoveredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("claim next: %w", err)
	}
	return &rec, nil
}

// Complete finalizes a URL in one transaction.
func (s *Store) Complete(ctx context.Context, url, localPath string, size int64, delta store.StatsDelta, mappings []store.Mapping) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin complete tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE discovered_urls
		SET status = 'completed', claimed_by = NULL, claimed_at = NULL, error_message = NULL
		WHERE url = $1 AND status = 'in_progress'
	`, url)
	if err != nil {
		return fmt.Errorf("complete %s: %w", url, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete %s: %w", url, store.ErrNotFound)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO downloaded_documents (url, local_path, file_size, depth)
		VALUES ($1, $2, $3, (SELECT depth FROM discovered_urls WHERE url = $1))
		ON CONFLICT (url) DO NOTHING
	`, url, localPath, size); err != nil {
		return fmt.Errorf("record document %s: %w", url, err)
	}

	for _, m := range mappings {
		if _, err := tx.Exec(ctx, `
			INSERT INTO url_mappings (url, local_path) VALUES ($1, $2)
			ON CONFLICT (url) DO NOTHING
		`, m.URL, m.LocalPath); err != nil {
			return fmt.Errorf("record mapping %s: %w", m.URL, err)
		}
	}

	if err := s.applyDelta(ctx, tx, delta); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Fail requeues or buries the URL depending on the retry budget.
func (s *Store) Fail(ctx context.Context, url string, cause error, maxRetries int) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin fail tx: %w", err)
	}
	defer tx.Rollback(ctx)

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	var retryCount int
	err = tx.QueryRow(ctx, `
		UPDATE discovered_urls
		SET retry_count = retry_count + 1, error_message = $1,
			claimed_by = NULL, claimed_at = NULL
		WHERE url = $2 AND status = 'in_progress'
		RETURNING retry_count
	`, msg, url).Scan(&retryCount)
	if errors.Is(err, pgx.ErrNoRows) {
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
	if _, err := tx.Exec(ctx,
		`UPDATE discovered_urls SET status = $1 WHERE url = $2`, next, url); err != nil {
		return false, fmt.Errorf("fail %s: %w", url, err)
	}
	if !requeued {
		if err := s.applyDelta(ctx, tx, store.StatsDelta{Errors: 1}); err != nil {
			return false, err
		}
	}
	return requeued, tx.Commit(ctx)
}

// ClaimResource wins by first insert; the stored path never changes after.
func (s *Store) ClaimResource(ctx context.Context, url, predictedPath, resourceType string) (store.ResourceClaim, string, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO downloaded_resources (url, local_path, resource_type, status)
		VALUES ($1, $2, $3, 'in_progress')
		ON CONFLICT (url) DO NOTHING
	`, url, predictedPath, resourceType)
	if err != nil {
		return 0, "", fmt.Errorf("claim resource %s: %w", url, err)
	}
	if tag.RowsAffected() > 0 {
		return store.ClaimWon, predictedPath, nil
	}

	var status, localPath string
	err = s.pool.QueryRow(ctx,
		`SELECT status, local_path FROM downloaded_resources WHERE url = $1`, url).
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
		tag, err := s.pool.Exec(ctx, `
			UPDATE downloaded_resources SET status = 'in_progress'
			WHERE url = $1 AND status = 'failed'
		`, url)
		if err != nil {
			return 0, "", fmt.Errorf("reclaim resource %s: %w", url, err)
		}
		if tag.RowsAffected() > 0 {
			return store.ClaimWon, localPath, nil
		}
		return store.ClaimInProgress, localPath, nil
	}
}

// CompleteResource finalizes a won resource claim.
func (s *Store) CompleteResource(ctx context.Context, url string, size int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin resource tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE downloaded_resources
		SET status = 'completed', file_size = $1, downloaded_at = now()
		WHERE url = $2 AND status = 'in_progress'
	`, size, url)
	if err != nil {
		return fmt.Errorf("complete resource %s: %w", url, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete resource %s: %w", url, store.ErrNotFound)
	}
	if err := s.applyDelta(ctx, tx, store.StatsDelta{Resources: 1, Bytes: size}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// FailResource releases a won claim.
func (s *Store) FailResource(ctx context.Context, url string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE downloaded_resources SET status = 'failed'
		WHERE url = $1 AND status = 'in_progress'
	`, url)
	if err != nil {
		return fmt.Errorf("fail resource %s: %w", url, err)
	}
	return nil
}

// ResolveMapping returns the recorded local path for a URL.
func (s *Store) ResolveMapping(ctx context.Context, url string) (string, error) {
	var path string
	err := s.pool.QueryRow(ctx,
		`SELECT local_path FROM url_mappings WHERE url = $1`, url).Scan(&path)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolve mapping %s: %w", url, err)
	}
	return path, nil
}

// ReapStaleClaims returns stale in_progress rows to pending.
func (s *Store) ReapStaleClaims(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-age)
	tag, err := s.pool.Exec(ctx, `
		UPDATE discovered_urls
		SET status = 'pending', claimed_by = NULL, claimed_at = NULL
		WHERE status = 'in_progress' AND claimed_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reap stale claims: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `
		UPDATE downloaded_resources SET status = 'failed'
		WHERE status = 'in_progress' AND downloaded_at < $1
	`, cutoff); err != nil {
		return tag.RowsAffected(), fmt.Errorf("reap stale resources: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Counts returns frontier totals.
func (s *Store) Counts(ctx context.Context) (store.Counts, error) {
	var c store.Counts
	rows, err := s.pool.Query(ctx,
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
	err = s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM downloaded_resources WHERE status = 'completed'`).Scan(&c.Resources)
	if err != nil {
		return c, fmt.Errorf("count resources: %w", err)
	}
	return c, nil
}

// FailedURLs lists dead URLs for post-mortem.
func (s *Store) FailedURLs(ctx context.Context, limit int) ([]store.FailReport, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT url, retry_count, COALESCE(error_message, '')
		FROM discovered_urls WHERE status = 'failed'
		ORDER BY discovered_at DESC LIMIT $1
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
	_, err := s.pool.Exec(ctx, `
		INSERT INTO crawler_stats (session_id, config_snapshot) VALUES ($1, $2)
	`, id, configSnapshot)
	if err != nil {
		return "", fmt.Errorf("start session: %w", err)
	}
	return id, nil
}

// EndSession stamps the end time.
func (s *Store) EndSession(ctx context.Context, sessionID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE crawler_stats SET end_time = now() WHERE session_id = $1
	`, sessionID)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

// SessionStats reads aggregate counters for a session.
func (s *Store) SessionStats(ctx context.Context, sessionID string) (store.SessionStats, error) {
	var st store.SessionStats
	var end *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT session_id, start_time, end_time, urls_discovered,
			documents_downloaded, resources_downloaded, total_errors, total_bytes
		FROM crawler_stats WHERE session_id = $1
	`, sessionID).Scan(&st.SessionID, &st.StartTime, &end,
		&st.Discovered, &st.Documents, &st.Resources, &st.Errors, &st.Bytes)
	if errors.Is(err, pgx.ErrNoRows) {
		return st, store.ErrNotFound
	}
	if err != nil {
		return st, fmt.Errorf("session stats: %w", err)
	}
	if end != nil {
		st.EndTime = *end
	}
	return st, nil
}

// Mappings returns every URL to local path pair.
func (s *Store) Mappings(ctx context.Context) ([]store.Mapping, error) {
	rows, err := s.pool.Query(ctx, `SELECT url, local_path FROM url_mappings`)
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
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin import tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO discovered_urls (url, depth, status) VALUES ($1, 0, 'completed')
		ON CONFLICT (url) DO NOTHING
	`, url)
	if err != nil {
		return false, fmt.Errorf("import url %s: %w", url, err)
	}
	inserted := tag.RowsAffected()
	if _, err := tx.Exec(ctx, `
		INSERT INTO downloaded_documents (url, local_path, file_size) VALUES ($1, $2, $3)
		ON CONFLICT (url) DO NOTHING
	`, url, localPath, size); err != nil {
		return false, fmt.Errorf("import document %s: %w", url, err)
	}
	if localPath != "" {
		if _, err := tx.Exec(ctx, `
			INSERT INTO url_mappings (url, local_path) VALUES ($1, $2)
			ON CONFLICT (url) DO NOTHING
		`, url, localPath); err != nil {
			return false, fmt.Errorf("import mapping %s: %w", url, err)
		}
	}
	return inserted > 0, tx.Commit(ctx)
}

// ImportResource records a legacy-snapshot resource, insert-if-absent.
func (s *Store) ImportResource(ctx context.Context, url, localPath, resourceType string, size int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO downloaded_resources (url, local_path, resource_type, file_size, status)
		VALUES ($1, $2, $3, $4, 'completed')
		ON CONFLICT (url) DO NOTHING
	`, url, localPath, resourceType, size)
	if err != nil {
		return false, fmt.Errorf("import resource %s: %w", url, err)
	}
	return tag.RowsAffected() > 0, nil
}

// URLsByStatus lists URLs in a status for report exports. A limit of
// zero or less means no limit.
func (s *Store) URLsByStatus(ctx context.Context, status store.Status, limit int) ([]string, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT url FROM discovered_urls WHERE status = $1
		ORDER BY discovered_at ASC LIMIT $2
	`, string(status), lim)
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
	rows, err := s.pool.Query(ctx, `
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

func (s *Store) applyDelta(ctx context.Context, tx pgx.Tx, d store.StatsDelta) error {
	if d == (store.StatsDelta{}) {
		return nil
	}
	_, err := tx.Exec(ctx, `
		UPDATE crawler_stats SET
			urls_discovered = urls_discovered + $1,
			documents_downloaded = documents_downloaded + $2,
			resources_downloaded = resources_downloaded + $3,
			total_errors = total_errors + $4,
			total_bytes = total_bytes + $5
		WHERE session_id = (
			SELECT session_id FROM crawler_stats ORDER BY start_time DESC LIMIT 1
		)
	`, d.Discovered, d.Documents, d.Resources, d.Errors, d.Bytes)
	if err != nil {
		return fmt.Errorf("apply stats delta: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.close()
	return nil
}
