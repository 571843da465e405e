package crawler

import (
	"fmt"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/PuerkitoBio/goquery"

	"github.com/sitemirror/sitemirror/internal/rewrite"
)

// chromeClasses are portal UI fragments that never belong in a mirror.
var chromeClasses = []string{
	".page-metadata", ".page-toolbar", ".breadcrumbs",
	".space-tools-section", ".aui-toolbar",
}

// Convert renders the processed document in the configured output format.
// For markdown, only the main content region is converted and the page is
// prefixed with its title and original URL; for html the full cleaned
// document is serialized.
func Convert(doc *goquery.Document, format rewrite.Format, pageURL string) (string, error) {
	if format == rewrite.FormatHTML {
		return rewrite.RenderHTML(doc)
	}

	main := rewrite.MainContent(doc)
	for _, selector := range chromeClasses {
		main.Find(selector).Remove()
	}
	inner, err := goquery.OuterHtml(main)
	if err != nil {
		return "", fmt.Errorf("serialize main content: %w", err)
	}

	markdown, err := htmltomarkdown.ConvertString(inner)
	if err != nil {
		return "", fmt.Errorf("convert to markdown: %w", err)
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = pageURL
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "**Original URL:** %s\n\n---\n\n", pageURL)
	b.WriteString(markdown)
	if !strings.HasSuffix(markdown, "\n") {
		b.WriteString("\n")
	}
	return b.String(), nil
}
