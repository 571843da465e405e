package crawler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitemirror/sitemirror/internal/rewrite"
)

const convertFixture = `<html><head><title>Install Guide</title></head><body>
<div class="page-metadata">Created by admin</div>
<div id="main-content">
  <h2>Steps</h2>
  <p>Run the installer.</p>
  <a href="next.md">Next</a>
</div>
</body></html>`

func TestConvertMarkdown(t *testing.T) {
	doc, err := rewrite.ParseBytes([]byte(convertFixture))
	require.NoError(t, err)

	out, err := Convert(doc, rewrite.FormatMarkdown, "https://docs.example.com/docs/install")
	require.NoError(t, err)

	assert.Contains(t, out, "# Install Guide")
	assert.Contains(t, out, "**Original URL:** https://docs.example.com/docs/install")
	assert.Contains(t, out, "Run the installer.")
	assert.Contains(t, out, "[Next](next.md)")
	// Portal chrome outside the content region is dropped.
	assert.NotContains(t, out, "Created by admin")
}

func TestConvertMarkdownFallsBackToURLTitle(t *testing.T) {
	doc, err := rewrite.ParseBytes([]byte(`<html><body><main><p>x</p></main></body></html>`))
	require.NoError(t, err)

	out, err := Convert(doc, rewrite.FormatMarkdown, "https://docs.example.com/docs/untitled")
	require.NoError(t, err)
	assert.Contains(t, out, "# https://docs.example.com/docs/untitled")
}

func TestConvertHTMLKeepsFullDocument(t *testing.T) {
	doc, err := rewrite.ParseBytes([]byte(convertFixture))
	require.NoError(t, err)

	out, err := Convert(doc, rewrite.FormatHTML, "https://docs.example.com/docs/install")
	require.NoError(t, err)
	assert.Contains(t, out, "<title>Install Guide</title>")
	assert.Contains(t, out, "Created by admin")
}
