// Package rewrite holds the pure link transformation functions: classify
// a URL against scope rules, derive its deterministic local path, and
// rewrite a parsed document's references. Nothing here touches the
// network or the store, so the whole package is testable in isolation.
//
// Local paths are a pure function of the URL. That is the property the
// pipeline leans on: a worker can rewrite a link to a page another worker
// has not fetched yet, because both sides compute the same path.
package rewrite

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/sitemirror/sitemirror/internal/frontier"
)

// Class is a link classification.
type Class int

const (
	// InternalPage is an in-scope page that will be (or was) mirrored.
	InternalPage Class = iota
	// InternalResource is an asset referenced by a page.
	InternalResource
	// External is out of scope; left as an absolute remote URL so the
	// mirror stays navigable outward.
	External
)

// Format is the output representation.
type Format string

const (
	FormatHTML     Format = "html"
	FormatMarkdown Format = "markdown"
)

// Extension returns the file extension for the format.
func (f Format) Extension() string {
	if f == FormatMarkdown {
		return ".md"
	}
	return ".html"
}

var unsafePathChars = regexp.MustCompile(`[<>:"|?*\\]`)

// Mapper derives local paths and classifications for one crawl.
type Mapper struct {
	rules         frontier.Rules
	format        Format
	resourcesDir  string
	resourceTypes map[string]struct{}
}

// NewMapper builds a Mapper. resourceTypes is the extension allow-list
// (without dots); empty means every extension is accepted.
func NewMapper(rules frontier.Rules, format Format, resourcesDir string, resourceTypes []string) *Mapper {
	types := make(map[string]struct{}, len(resourceTypes))
	for _, t := range resourceTypes {
		types[strings.ToLower(strings.TrimPrefix(t, "."))] = struct{}{}
	}
	return &Mapper{
		rules:         rules,
		format:        format,
		resourcesDir:  resourcesDir,
		resourceTypes: types,
	}
}

// Classify decides what a discovered URL is relative to the crawl scope.
func (m *Mapper) Classify(normalizedURL string) Class {
	if m.rules.InScope(normalizedURL) {
		return InternalPage
	}
	return External
}

// AllowedResource reports whether the resource extension is on the
// allow-list.
func (m *Mapper) AllowedResource(rawURL string) bool {
	if len(m.resourceTypes) == 0 {
		return true
	}
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(urlPath(rawURL)), "."))
	if ext == "" {
		return false
	}
	_, ok := m.resourceTypes[ext]
	return ok
}

// PagePath derives the local path (relative to the output directory) for
// a page URL. The readable stem comes from the URL path with well-known
// site prefixes stripped and unsafe characters replaced; a hash of the
// full URL is appended so distinct URLs can never share a file, the same
// scheme ResourcePath uses. Deterministic and collision-free.
func (m *Mapper) PagePath(normalizedURL string) string {
	p := urlPath(normalizedURL)

	// Portal-style prefixes collapse into the tree root.
	for _, prefix := range []string{"/wiki/", "/docs/", "/help/"} {
		if strings.HasPrefix(p, prefix) {
			p = p[len(prefix):]
			break
		}
	}

	p = strings.Trim(p, "/")
	if p == "" {
		p = "index"
	}
	if decoded, err := url.PathUnescape(p); err == nil {
		p = decoded
	}
	p = unsafePathChars.ReplaceAllString(p, "_")

	ext := m.format.Extension()
	p = strings.TrimSuffix(p, ext)
	p = strings.TrimSuffix(strings.TrimSuffix(p, ".html"), ".htm")

	sum := xxhash.Sum64String(normalizedURL)
	return fmt.Sprintf("%s-%016x%s", p, sum, ext)
}

// ResourcePath derives the local path (relative to the output directory)
// for a resource URL. The name keeps the URL basename for readability and
// appends a hash of the full URL so distinct URLs can never collide.
func (m *Mapper) ResourcePath(rawURL string) string {
	p := urlPath(rawURL)
	base := path.Base(p)
	ext := path.Ext(base)
	name := strings.TrimSuffix(base, ext)
	if name == "" || name == "/" || name == "." {
		name = "resource"
	}
	if decoded, err := url.PathUnescape(name); err == nil {
		name = decoded
	}
	name = unsafePathChars.ReplaceAllString(name, "_")

	sum := xxhash.Sum64String(rawURL)
	return path.Join(m.resourcesDir, fmt.Sprintf("%s-%016x%s", name, sum, ext))
}

// RelativeRef computes the href to targetPath as seen from a page stored
// at fromPagePath. Both paths are relative to the output directory.
func RelativeRef(fromPagePath, targetPath string) string {
	fromDir := path.Dir(fromPagePath)
	if fromDir == "." {
		return targetPath
	}
	up := strings.Count(fromDir, "/") + 1
	return strings.Repeat("../", up) + targetPath
}

func urlPath(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Path
}
