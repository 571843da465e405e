// Package frontier enforces crawl scope and feeds discoveries into the
// store. It owns URL normalization so that differently spelled URLs for
// the same page collapse to one record before the uniqueness check.
package frontier

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/sitemirror/sitemirror/internal/store"
)

// Rules is the admission policy: substring containment checks, matching
// the configuration contract.
type Rules struct {
	BaseDomain      string
	ValidPatterns   []string
	ExcludePatterns []string
	MaxDepth        int
}

// Decision is an admission outcome. Rejection is a decision, not an error.
type Decision int

const (
	Admitted Decision = iota
	AlreadyKnown
	RejectedDepth
	RejectedDomain
	RejectedExcluded
	RejectedNoMatch
	RejectedScheme
)

func (d Decision) String() string {
	switch d {
	case Admitted:
		return "admitted"
	case AlreadyKnown:
		return "already_known"
	case RejectedDepth:
		return "rejected_depth"
	case RejectedDomain:
		return "rejected_domain"
	case RejectedExcluded:
		return "rejected_excluded"
	case RejectedNoMatch:
		return "rejected_no_match"
	case RejectedScheme:
		return "rejected_scheme"
	default:
		return "unknown"
	}
}

// Frontier sits above the raw store: scope enforcement and discovery intake.
type Frontier struct {
	store  store.Store
	rules  Rules
	logger *zap.Logger
}

// New builds a Frontier.
func New(st store.Store, rules Rules, logger *zap.Logger) *Frontier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Frontier{store: st, rules: rules, logger: logger}
}

// Rules returns the active admission policy.
func (f *Frontier) Rules() Rules {
	return f.rules
}

// Seed admits the start URL at depth zero regardless of pattern matching;
// operators routinely start from a landing page outside the valid set.
func (f *Frontier) Seed(ctx context.Context, rawURL string) (string, error) {
	normalized, err := Normalize(rawURL)
	if err != nil {
		return "", fmt.Errorf("seed url: %w", err)
	}
	if _, err := f.store.UpsertPending(ctx, normalized, 0, ""); err != nil {
		return "", err
	}
	return normalized, nil
}

// Admit normalizes a discovered URL, applies scope rules and enqueues it.
// Depth is the link distance from the start URL.
func (f *Frontier) Admit(ctx context.Context, rawURL string, depth int, parentURL string) (Decision, error) {
	normalized, err := Normalize(rawURL)
	if err != nil {
		return RejectedScheme, nil
	}
	if d := f.rules.Evaluate(normalized, depth); d != Admitted {
		return d, nil
	}
	inserted, err := f.store.UpsertPending(ctx, normalized, depth, parentURL)
	if err != nil {
		return Admitted, fmt.Errorf("admit %s: %w", normalized, err)
	}
	if !inserted {
		return AlreadyKnown, nil
	}
	f.logger.Debug("url admitted",
		zap.String("url", normalized),
		zap.Int("depth", depth),
	)
	return Admitted, nil
}

// Evaluate applies scope rules to an already-normalized URL.
func (r Rules) Evaluate(normalized string, depth int) Decision {
	if r.MaxDepth > 0 && depth > r.MaxDepth {
		return RejectedDepth
	}
	u, err := url.Parse(normalized)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return RejectedScheme
	}
	if r.BaseDomain != "" && !strings.EqualFold(u.Hostname(), r.BaseDomain) {
		return RejectedDomain
	}
	for _, pat := range r.ExcludePatterns {
		if pat != "" && strings.Contains(normalized, pat) {
			return RejectedExcluded
		}
	}
	if len(r.ValidPatterns) > 0 {
		matched := false
		for _, pat := range r.ValidPatterns {
			if pat != "" && strings.Contains(normalized, pat) {
				matched = true
				break
			}
		}
		if !matched {
			return RejectedNoMatch
		}
	}
	return Admitted
}

// InScope reports whether a normalized URL belongs to the mirror at all,
// ignoring depth. The rewriter uses this to classify links.
func (r Rules) InScope(normalized string) bool {
	return r.Evaluate(normalized, 0) == Admitted
}

// Normalize standardizes a URL so spelling variants collapse: lowercased
// scheme and host, default ports and fragments stripped, query parameters
// dropped (the page identity on the target sites never lives in the
// query), trailing slash removed on non-root paths.
func Normalize(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url %q has no host", rawURL)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if u.Scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""
	u.RawQuery = ""
	u.User = nil

	if u.Path == "" {
		u.Path = "/"
	}
	if len(u.Path) > 1 {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}

	return u.String(), nil
}

// ResolveReference turns an href seen on base into an absolute URL.
func ResolveReference(baseURL, href string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base: %w", err)
	}
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", fmt.Errorf("parse href: %w", err)
	}
	return base.ResolveReference(ref).String(), nil
}
