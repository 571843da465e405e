package sqlite_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitemirror/sitemirror/internal/store"
	"github.com/sitemirror/sitemirror/internal/store/sqlite"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(filepath.Join(t.TempDir(), "crawl.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertPendingIsIdempotent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	inserted, err := s.UpsertPending(ctx, "https://example.com/a", 1, "https://example.com")
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.UpsertPending(ctx, "https://example.com/a", 2, "https://example.com/b")
	require.NoError(t, err)
	assert.False(t, inserted)

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Pending)
}

func TestUpsertPendingLowersDepthWhilePending(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.UpsertPending(ctx, "https://example.com/a", 3, "")
	require.NoError(t, err)
	_, err = s.UpsertPending(ctx, "https://example.com/a", 1, "")
	require.NoError(t, err)

	rec, err := s.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Depth)
}

func TestUpsertPendingNeverResurrectsCompleted(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.UpsertPending(ctx, "https://example.com/a", 0, "")
	require.NoError(t, err)
	_, err = s.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, s.Complete(ctx, "https://example.com/a", "a.md", 10, store.StatsDelta{}, nil))

	inserted, err := s.UpsertPending(ctx, "https://example.com/a", 2, "")
	require.NoError(t, err)
	assert.False(t, inserted)

	_, err = s.ClaimNext(ctx, "w1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestClaimNextShallowestFirst(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.UpsertPending(ctx, "https://example.com/deep", 2, "")
	require.NoError(t, err)
	_, err = s.UpsertPending(ctx, "https://example.com/shallow", 1, "")
	require.NoError(t, err)

	rec, err := s.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/shallow", rec.URL)
	assert.Equal(t, store.StatusInProgress, rec.Status)
	assert.Equal(t, "w1", rec.ClaimedBy)
}

func TestClaimNextEmptyFrontier(t *testing.T) {
	s := newStore(t)
	_, err := s.ClaimNext(context.Background(), "w1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestConcurrentClaimsAreDisjoint(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	const total = 40
	for i := 0; i < total; i++ {
		_, err := s.UpsertPending(ctx, fmt.Sprintf("https://example.com/p%02d", i), 1, "")
		require.NoError(t, err)
	}

	var mu sync.Mutex
	claimed := make(map[string]string)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		workerID := fmt.Sprintf("w%d", w)
		go func() {
			defer wg.Done()
			for {
				rec, err := s.ClaimNext(ctx, workerID)
				if errors.Is(err, store.ErrNotFound) {
					return
				}
				require.NoError(t, err)
				mu.Lock()
				prev, dup := claimed[rec.URL]
				claimed[rec.URL] = workerID
				mu.Unlock()
				require.False(t, dup, "url %s claimed by both %s and %s", rec.URL, prev, workerID)
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, total)
}

func TestCompleteRecordsDocumentAndMappings(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.UpsertPending(ctx, "https://example.com/a", 0, "")
	require.NoError(t, err)
	_, err = s.ClaimNext(ctx, "w1")
	require.NoError(t, err)

	mappings := []store.Mapping{{URL: "https://example.com/a", LocalPath: "a.md"}}
	require.NoError(t, s.Complete(ctx, "https://example.com/a", "a.md", 123, store.StatsDelta{Documents: 1, Bytes: 123}, mappings))

	path, err := s.ResolveMapping(ctx, "https://example.com/a")
	require.NoError(t, err)
	assert.Equal(t, "a.md", path)

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Completed)
	assert.True(t, counts.Drained())
}

func TestCompleteRequiresClaim(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.UpsertPending(ctx, "https://example.com/a", 0, "")
	require.NoError(t, err)

	err = s.Complete(ctx, "https://example.com/a", "a.md", 1, store.StatsDelta{}, nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMappingIsStableOnceWritten(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.UpsertPending(ctx, "https://example.com/a", 0, "")
	require.NoError(t, err)
	_, err = s.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, s.Complete(ctx, "https://example.com/a", "first.md", 1, store.StatsDelta{},
		[]store.Mapping{{URL: "https://example.com/a", LocalPath: "first.md"}}))

	// A later write for the same URL must not change the recorded path.
	_, err = s.UpsertPending(ctx, "https://example.com/b", 0, "")
	require.NoError(t, err)
	_, err = s.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, s.Complete(ctx, "https://example.com/b", "b.md", 1, store.StatsDelta{},
		[]store.Mapping{{URL: "https://example.com/a", LocalPath: "second.md"}}))

	path, err := s.ResolveMapping(ctx, "https://example.com/a")
	require.NoError(t, err)
	assert.Equal(t, "first.md", path)
}

func TestFailRequeuesUntilBudgetExhausted(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	const maxRetries = 2

	_, err := s.UpsertPending(ctx, "https://example.com/flaky", 0, "")
	require.NoError(t, err)

	for attempt := 1; attempt <= maxRetries; attempt++ {
		rec, err := s.ClaimNext(ctx, "w1")
		require.NoError(t, err)
		assert.Equal(t, attempt-1, rec.RetryCount)

		requeued, err := s.Fail(ctx, rec.URL, errors.New("503"), maxRetries)
		require.NoError(t, err)
		assert.True(t, requeued, "attempt %d should requeue", attempt)
	}

	rec, err := s.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	requeued, err := s.Fail(ctx, rec.URL, errors.New("503"), maxRetries)
	require.NoError(t, err)
	assert.False(t, requeued)

	failed, err := s.FailedURLs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "https://example.com/flaky", failed[0].URL)
	assert.Equal(t, maxRetries+1, failed[0].RetryCount)
	assert.Equal(t, "503", failed[0].LastError)
}

func TestReapStaleClaimsReturnsWorkToPending(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.UpsertPending(ctx, "https://example.com/a", 0, "")
	require.NoError(t, err)
	rec, err := s.ClaimNext(ctx, "crashed-worker")
	require.NoError(t, err)

	// A fresh claim is not stale yet.
	n, err := s.ReapStaleClaims(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	// With a negative age every claim is past the cutoff.
	n, err = s.ReapStaleClaims(ctx, -time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	again, err := s.ClaimNext(ctx, "w2")
	require.NoError(t, err)
	assert.Equal(t, rec.URL, again.URL)
	assert.Equal(t, "w2", again.ClaimedBy)
}

func TestResourceClaimHasSingleWinner(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	const url = "https://example.com/style.css"

	var wg sync.WaitGroup
	wins := make(chan store.ResourceClaim, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claim, path, err := s.ClaimResource(ctx, url, "shared_resources/style-abc.css", "css")
			require.NoError(t, err)
			assert.Equal(t, "shared_resources/style-abc.css", path)
			wins <- claim
		}()
	}
	wg.Wait()
	close(wins)

	winners := 0
	for claim := range wins {
		if claim == store.ClaimWon {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
}

func TestResourceClaimAfterCompletion(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	const url = "https://example.com/logo.png"

	claim, _, err := s.ClaimResource(ctx, url, "shared_resources/logo-123.png", "png")
	require.NoError(t, err)
	require.Equal(t, store.ClaimWon, claim)
	require.NoError(t, s.CompleteResource(ctx, url, 2048))

	claim, path, err := s.ClaimResource(ctx, url, "ignored.png", "png")
	require.NoError(t, err)
	assert.Equal(t, store.ClaimAlreadyCompleted, claim)
	assert.Equal(t, "shared_resources/logo-123.png", path)

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Resources)
}

func TestFailedResourceCanBeReclaimed(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	const url = "https://example.com/app.js"

	claim, _, err := s.ClaimResource(ctx, url, "shared_resources/app-1.js", "js")
	require.NoError(t, err)
	require.Equal(t, store.ClaimWon, claim)
	require.NoError(t, s.FailResource(ctx, url))

	claim, path, err := s.ClaimResource(ctx, url, "ignored.js", "js")
	require.NoError(t, err)
	assert.Equal(t, store.ClaimWon, claim)
	assert.Equal(t, "shared_resources/app-1.js", path, "path set on first claim must survive")
}

func TestSessionStatsAccumulateDeltas(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	sessionID, err := s.StartSession(ctx, "start_url=https://example.com")
	require.NoError(t, err)

	_, err = s.UpsertPending(ctx, "https://example.com/a", 0, "")
	require.NoError(t, err)
	_, err = s.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, s.Complete(ctx, "https://example.com/a", "a.md", 100,
		store.StatsDelta{Documents: 1, Discovered: 5, Bytes: 100}, nil))

	require.NoError(t, s.EndSession(ctx, sessionID))

	stats, err := s.SessionStats(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Documents)
	assert.Equal(t, int64(5), stats.Discovered)
	assert.Equal(t, int64(100), stats.Bytes)
	assert.False(t, stats.EndTime.IsZero())
}

func TestImportCompletedIsIdempotent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	inserted, err := s.ImportCompleted(ctx, "https://example.com/old", "old.md", 50)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.ImportCompleted(ctx, "https://example.com/old", "other.md", 99)
	require.NoError(t, err)
	assert.False(t, inserted)

	// Imported documents never reenter the frontier.
	_, err = s.ClaimNext(ctx, "w1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	path, err := s.ResolveMapping(ctx, "https://example.com/old")
	require.NoError(t, err)
	assert.Equal(t, "old.md", path)
}

func TestImportResourceIsIdempotent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	inserted, err := s.ImportResource(ctx, "https://example.com/a.css", "res/a.css", "css", 10)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.ImportResource(ctx, "https://example.com/a.css", "res/other.css", "css", 10)
	require.NoError(t, err)
	assert.False(t, inserted)

	types, err := s.ResourceTypeCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), types["css"])
}

func TestURLsByStatusZeroLimitMeansAll(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.UpsertPending(ctx, fmt.Sprintf("https://example.com/p%d", i), 0, "")
		require.NoError(t, err)
	}

	urls, err := s.URLsByStatus(ctx, store.StatusPending, 0)
	require.NoError(t, err)
	assert.Len(t, urls, 5)

	urls, err = s.URLsByStatus(ctx, store.StatusPending, 2)
	require.NoError(t, err)
	assert.Len(t, urls, 2)
}
