package report_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitemirror/sitemirror/internal/report"
	"github.com/sitemirror/sitemirror/internal/store"
	"github.com/sitemirror/sitemirror/internal/store/sqlite"
)

func seededStore(t *testing.T) store.Store {
	t.Helper()
	st, err := sqlite.New(filepath.Join(t.TempDir(), "crawl.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	ctx := context.Background()

	_, err = st.UpsertPending(ctx, "https://docs.example.com/docs/a", 0, "")
	require.NoError(t, err)
	_, err = st.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, st.Complete(ctx, "https://docs.example.com/docs/a", "a.md", 10, store.StatsDelta{}, nil))

	_, err = st.UpsertPending(ctx, "https://docs.example.com/docs/dead", 1, "")
	require.NoError(t, err)
	_, err = st.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	_, err = st.Fail(ctx, "https://docs.example.com/docs/dead", errors.New("404"), 0)
	require.NoError(t, err)

	_, err = st.UpsertPending(ctx, "https://docs.example.com/docs/waiting", 1, "")
	require.NoError(t, err)

	_, err = st.ImportResource(ctx, "https://docs.example.com/s.css", "res/s.css", "css", 5)
	require.NoError(t, err)
	return st
}

func TestSummarize(t *testing.T) {
	st := seededStore(t)

	summary, err := report.New(st).Summarize(context.Background(), 10)
	require.NoError(t, err)

	assert.Equal(t, int64(1), summary.Counts.Completed)
	assert.Equal(t, int64(1), summary.Counts.Failed)
	assert.Equal(t, int64(1), summary.Counts.Pending)
	assert.Equal(t, int64(1), summary.ResourceTypes["css"])
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, "https://docs.example.com/docs/dead", summary.Failures[0].URL)

	var buf strings.Builder
	require.NoError(t, summary.Write(&buf))
	out := buf.String()
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "docs/dead")
	assert.Contains(t, out, "404")
}

func TestExportURLs(t *testing.T) {
	st := seededStore(t)

	var buf strings.Builder
	n, err := report.New(st).ExportURLs(context.Background(), &buf, store.StatusPending, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "https://docs.example.com/docs/waiting\n", buf.String())
}
