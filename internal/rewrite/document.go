package rewrite

import (
	"bytes"
	"io"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/sitemirror/sitemirror/internal/frontier"
)

// ResourceRef is one embedded asset reference found in a document.
type ResourceRef struct {
	// URL is the absolute resource URL.
	URL string
	// Kind is a coarse type: css, js, image, font.
	Kind string

	sel  *goquery.Selection
	attr string
}

// SetLocal rewrites the reference in place to a local href.
func (r ResourceRef) SetLocal(ref string) {
	r.sel.SetAttr(r.attr, ref)
}

// SetRemote pins the reference to its absolute remote URL.
func (r ResourceRef) SetRemote() {
	r.sel.SetAttr(r.attr, r.URL)
}

// Parse builds a document from an HTML body.
func Parse(body io.Reader) (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(body)
}

// ParseBytes builds a document from raw HTML.
func ParseBytes(body []byte) (*goquery.Document, error) {
	return Parse(bytes.NewReader(body))
}

// Links returns the set of absolute hyperlink targets found in doc,
// resolved against baseURL. Unparseable hrefs are skipped.
func Links(doc *goquery.Document, baseURL string) []string {
	seen := make(map[string]struct{})
	var out []string
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") ||
			strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") {
			return
		}
		abs, err := frontier.ResolveReference(baseURL, href)
		if err != nil {
			return
		}
		if _, ok := seen[abs]; ok {
			return
		}
		seen[abs] = struct{}{}
		out = append(out, abs)
	})
	return out
}

// Resources returns the embedded asset references in doc: stylesheets,
// scripts, images and preloaded fonts, resolved against baseURL.
func Resources(doc *goquery.Document, baseURL string) []ResourceRef {
	var out []ResourceRef
	add := func(sel *goquery.Selection, attr, kind string) {
		val, ok := sel.Attr(attr)
		val = strings.TrimSpace(val)
		if !ok || val == "" || strings.HasPrefix(val, "data:") {
			return
		}
		abs, err := frontier.ResolveReference(baseURL, val)
		if err != nil {
			return
		}
		out = append(out, ResourceRef{URL: abs, Kind: kind, sel: sel, attr: attr})
	}

	doc.Find(`link[rel="stylesheet"]`).Each(func(_ int, sel *goquery.Selection) {
		add(sel, "href", "css")
	})
	doc.Find("script[src]").Each(func(_ int, sel *goquery.Selection) {
		add(sel, "src", "js")
	})
	doc.Find("img[src]").Each(func(_ int, sel *goquery.Selection) {
		add(sel, "src", "image")
	})
	doc.Find(`link[rel="preload"][as="font"]`).Each(func(_ int, sel *goquery.Selection) {
		add(sel, "href", "font")
	})
	return out
}

// RewriteAnchors replaces every hyperlink in doc according to resolve:
// in-scope targets get a relative local reference computed from the
// current page's own local path, everything else is pinned to its
// absolute remote form.
func RewriteAnchors(doc *goquery.Document, baseURL, pagePath string, m *Mapper, resolve func(normalizedURL string) string) {
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") ||
			strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") {
			return
		}
		abs, err := frontier.ResolveReference(baseURL, href)
		if err != nil {
			return
		}
		// Normalization drops the fragment for page identity; the local
		// href keeps it so in-page anchors still land on their section.
		fragment := ""
		if u, perr := url.Parse(abs); perr == nil && u.Fragment != "" {
			fragment = "#" + u.EscapedFragment()
		}
		normalized, err := frontier.Normalize(abs)
		if err != nil {
			sel.SetAttr("href", abs)
			return
		}
		if m.Classify(normalized) != InternalPage {
			sel.SetAttr("href", abs)
			return
		}
		target := resolve(normalized)
		if target == "" {
			target = m.PagePath(normalized)
		}
		sel.SetAttr("href", RelativeRef(pagePath, target)+fragment)
	})
}

// StripScripts removes executable content: script and noscript elements,
// inline on* handlers and meta refresh redirects.
func StripScripts(doc *goquery.Document) {
	doc.Find("script, noscript").Remove()
	doc.Find(`meta[http-equiv="refresh"]`).Remove()
	doc.Find("*").Each(func(_ int, sel *goquery.Selection) {
		for _, node := range sel.Nodes {
			kept := node.Attr[:0]
			for _, a := range node.Attr {
				if !strings.HasPrefix(strings.ToLower(a.Key), "on") {
					kept = append(kept, a)
				}
			}
			node.Attr = kept
		}
	})
}

// MainContent returns the primary content region, dropping navigation
// chrome. Falls back to body when no known content container exists.
func MainContent(doc *goquery.Document) *goquery.Selection {
	for _, selector := range []string{
		"#main-content", ".wiki-content", "main", "article", ".content",
	} {
		if sel := doc.Find(selector).First(); sel.Length() > 0 {
			sel.Find("nav, header, footer").Remove()
			return sel
		}
	}
	return doc.Find("body")
}

// RenderHTML serializes the full document.
func RenderHTML(doc *goquery.Document) (string, error) {
	return doc.Html()
}
