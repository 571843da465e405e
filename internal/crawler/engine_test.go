package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sitemirror/sitemirror/internal/frontier"
	"github.com/sitemirror/sitemirror/internal/rewrite"
	"github.com/sitemirror/sitemirror/internal/store"
	"github.com/sitemirror/sitemirror/internal/store/sqlite"
)

// testSite serves a small fixture site and counts requests per path.
type testSite struct {
	mu   sync.Mutex
	hits map[string]int
	srv  *httptest.Server
}

func newTestSite(t *testing.T) *testSite {
	t.Helper()
	site := &testSite{hits: make(map[string]int)}

	pages := map[string]string{
		"/": `<html><head><title>Home</title></head><body><main>
			<h1>Welcome</h1>
			<a href="/docs/a">A</a>
			<a href="/docs/flaky">Flaky</a>
			<a href="/docs/missing">Missing</a>
			<a href="/blog/post">Blog</a>
		</main></body></html>`,
		"/docs/a": `<html><head><title>Page A</title>
			<link rel="stylesheet" href="/assets/style.css"></head><body><main>
			<a href="/docs/b">B</a>
			<a href="/docs/internal/secret">Secret</a>
			<a href="/docs/a#section">Self</a>
		</main></body></html>`,
		"/docs/b": `<html><head><title>Page B</title>
			<link rel="stylesheet" href="/assets/style.css"></head><body><main>
			<a href="/docs/a">Back</a>
		</main></body></html>`,
	}

	site.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		site.mu.Lock()
		site.hits[r.URL.Path]++
		site.mu.Unlock()

		switch r.URL.Path {
		case "/assets/style.css":
			w.Header().Set("Content-Type", "text/css")
			fmt.Fprint(w, "body { margin: 0 }")
		case "/docs/flaky":
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
		case "/docs/missing":
			http.NotFound(w, r)
		default:
			page, ok := pages[r.URL.Path]
			if !ok {
				http.NotFound(w, r)
				return
			}
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			fmt.Fprint(w, page)
		}
	}))
	t.Cleanup(site.srv.Close)
	return site
}

func (s *testSite) hitCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func newTestEngine(t *testing.T, site *testSite, outDir string) (*Engine, store.Store, *rewrite.Mapper) {
	t.Helper()

	st, err := sqlite.New(filepath.Join(t.TempDir(), "crawl.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	engine, mapper := buildTestEngine(t, site, outDir, st, 3)
	return engine, st, mapper
}

// buildTestEngine wires a full pipeline around the given store, so tests
// can swap in faulty store wrappers.
func buildTestEngine(t *testing.T, site *testSite, outDir string, st store.Store, workers int) (*Engine, *rewrite.Mapper) {
	t.Helper()

	u, err := url.Parse(site.srv.URL)
	require.NoError(t, err)

	rules := frontier.Rules{
		BaseDomain:      u.Hostname(),
		ValidPatterns:   []string{"/docs/"},
		ExcludePatterns: []string{"/docs/internal"},
		MaxDepth:        3,
	}
	logger := zap.NewNop()
	fr := frontier.New(st, rules, logger)
	mapper := rewrite.NewMapper(rules, rewrite.FormatMarkdown, "shared_resources", []string{"css", "png"})

	fetcher, err := NewCollyFetcher(FetcherConfig{
		UserAgent:      "sitemirror-test",
		RequestTimeout: 5 * time.Second,
		MaxParallel:    4,
	}, logger)
	require.NoError(t, err)

	sink, err := NewFileSystemSink(outDir, logger)
	require.NoError(t, err)

	metrics := NewMetrics(nil)
	dedup := NewDeduplicator(st, fetcher, sink, mapper, 1<<20, metrics, logger)

	engine := NewEngine(Config{
		Workers:           workers,
		MaxRetries:        1,
		RequestDelay:      0,
		ClaimTimeout:      time.Minute,
		Format:            rewrite.FormatMarkdown,
		RemoveJavascript:  true,
		DownloadResources: true,
		IdlePolls:         3,
		IdleDelay:         20 * time.Millisecond,
	}, st, fr, fetcher, dedup, mapper, sink, metrics, logger)

	return engine, mapper
}

// pagePathFor computes the local file a page URL lands in, the same way
// the pipeline derives it.
func pagePathFor(t *testing.T, m *rewrite.Mapper, rawURL string) string {
	t.Helper()
	normalized, err := frontier.Normalize(rawURL)
	require.NoError(t, err)
	return m.PagePath(normalized)
}

func TestEngineMirrorsSite(t *testing.T) {
	site := newTestSite(t)
	outDir := t.TempDir()
	engine, st, mapper := newTestEngine(t, site, outDir)
	ctx := context.Background()

	_, err := st.StartSession(ctx, "test")
	require.NoError(t, err)
	require.NoError(t, engine.Run(ctx, site.srv.URL+"/"))

	counts, err := st.Counts(ctx)
	require.NoError(t, err)
	assert.True(t, counts.Drained())
	assert.Equal(t, int64(3), counts.Completed, "/, /docs/a and /docs/b")
	assert.Equal(t, int64(2), counts.Failed, "/docs/flaky and /docs/missing")

	for _, p := range []string{"/", "/docs/a", "/docs/b"} {
		f := pagePathFor(t, mapper, site.srv.URL+p)
		_, err := os.Stat(filepath.Join(outDir, f))
		assert.NoError(t, err, f)
	}

	// Both pages reference the stylesheet; the claim gate allows one download.
	assert.Equal(t, 1, site.hitCount("/assets/style.css"))
	assert.Equal(t, int64(1), counts.Resources)

	// Out-of-scope URLs never reach the server.
	assert.Zero(t, site.hitCount("/blog/post"))
	assert.Zero(t, site.hitCount("/docs/internal/secret"))

	// Transient 503 consumed the full retry budget, terminal 404 did not.
	assert.Equal(t, 2, site.hitCount("/docs/flaky"))
	assert.Equal(t, 1, site.hitCount("/docs/missing"))
}

func TestEngineRecordsMappingsAndContent(t *testing.T) {
	site := newTestSite(t)
	outDir := t.TempDir()
	engine, st, mapper := newTestEngine(t, site, outDir)
	ctx := context.Background()

	require.NoError(t, engine.Run(ctx, site.srv.URL+"/"))

	pathA := pagePathFor(t, mapper, site.srv.URL+"/docs/a")
	normalized, err := frontier.Normalize(site.srv.URL + "/docs/a")
	require.NoError(t, err)
	path, err := st.ResolveMapping(ctx, normalized)
	require.NoError(t, err)
	assert.Equal(t, pathA, path)

	content, err := os.ReadFile(filepath.Join(outDir, pathA))
	require.NoError(t, err)
	assert.Contains(t, string(content), "# Page A")
	assert.Contains(t, string(content), "**Original URL:**")
	// The in-scope link was rewritten to the local file.
	assert.Contains(t, string(content), pagePathFor(t, mapper, site.srv.URL+"/docs/b"))
}

func TestEngineFailureReporting(t *testing.T) {
	site := newTestSite(t)
	engine, st, _ := newTestEngine(t, site, t.TempDir())
	ctx := context.Background()

	require.NoError(t, engine.Run(ctx, site.srv.URL+"/"))

	failed, err := st.FailedURLs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 2)
	urls := []string{failed[0].URL, failed[1].URL}
	assert.Contains(t, urls[0]+urls[1], "/docs/flaky")
	assert.Contains(t, urls[0]+urls[1], "/docs/missing")
	for _, f := range failed {
		assert.NotEmpty(t, f.LastError)
	}
}

func TestEngineResumesAfterInterrupt(t *testing.T) {
	site := newTestSite(t)
	outDir := t.TempDir()
	engine, st, _ := newTestEngine(t, site, outDir)

	// Cancel before any work happens: the seed stays pending.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := engine.Run(ctx, site.srv.URL+"/")
	assert.ErrorIs(t, err, context.Canceled)

	counts, err := st.Counts(context.Background())
	require.NoError(t, err)
	assert.Zero(t, counts.Completed)

	// The second run picks up from the stored frontier and finishes.
	require.NoError(t, engine.Run(context.Background(), site.srv.URL+"/"))
	counts, err = st.Counts(context.Background())
	require.NoError(t, err)
	assert.True(t, counts.Drained())
	assert.Equal(t, int64(3), counts.Completed)
}

// brokenCompleteStore fails every Complete call, as a store losing its
// backing disk would.
type brokenCompleteStore struct {
	store.Store
}

func (s *brokenCompleteStore) Complete(context.Context, string, string, int64, store.StatsDelta, []store.Mapping) error {
	return errors.New("disk full")
}

func TestEngineStopsWorkerOnStoreFailure(t *testing.T) {
	site := newTestSite(t)

	base, err := sqlite.New(filepath.Join(t.TempDir(), "crawl.db"))
	require.NoError(t, err)
	t.Cleanup(func() { base.Close() })

	engine, _ := buildTestEngine(t, site, t.TempDir(), &brokenCompleteStore{Store: base}, 1)
	require.NoError(t, engine.Run(context.Background(), site.srv.URL+"/"))

	// The persistence failure must not be recorded as a fetch outcome:
	// the worker stops, leaving its claim for the reaper instead of
	// burning the retry budget or marking the URL failed.
	counts, err := base.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.InProgress)
	assert.Zero(t, counts.Completed)
	assert.Zero(t, counts.Failed)
}
