// Package report produces read-only summaries of crawl state. Nothing in
// here mutates the store.
package report

import (
	"context"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/sitemirror/sitemirror/internal/store"
)

// Summary is the top-level crawl report.
type Summary struct {
	Counts        store.Counts
	ResourceTypes map[string]int64
	Failures      []store.FailReport
}

// Reporter reads crawl state for presentation.
type Reporter struct {
	store store.Store
}

// New builds a Reporter.
func New(st store.Store) *Reporter {
	return &Reporter{store: st}
}

// Summarize gathers totals, the resource-type breakdown and the most
// recent failures.
func (r *Reporter) Summarize(ctx context.Context, failureLimit int) (Summary, error) {
	counts, err := r.store.Counts(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("read counts: %w", err)
	}
	types, err := r.store.ResourceTypeCounts(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("read resource types: %w", err)
	}
	failures, err := r.store.FailedURLs(ctx, failureLimit)
	if err != nil {
		return Summary{}, fmt.Errorf("read failures: %w", err)
	}
	return Summary{Counts: counts, ResourceTypes: types, Failures: failures}, nil
}

// Write renders the summary as an aligned text table.
func (s Summary) Write(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "pending\t%d\n", s.Counts.Pending)
	fmt.Fprintf(tw, "in_progress\t%d\n", s.Counts.InProgress)
	fmt.Fprintf(tw, "completed\t%d\n", s.Counts.Completed)
	fmt.Fprintf(tw, "failed\t%d\n", s.Counts.Failed)
	fmt.Fprintf(tw, "resources\t%d\n", s.Counts.Resources)

	if len(s.ResourceTypes) > 0 {
		fmt.Fprintln(tw, "\nresource types:")
		types := make([]string, 0, len(s.ResourceTypes))
		for t := range s.ResourceTypes {
			types = append(types, t)
		}
		sort.Strings(types)
		for _, t := range types {
			fmt.Fprintf(tw, "  %s\t%d\n", t, s.ResourceTypes[t])
		}
	}

	if len(s.Failures) > 0 {
		fmt.Fprintln(tw, "\nrecent failures:")
		for _, f := range s.Failures {
			fmt.Fprintf(tw, "  %s\tretries=%d\t%s\n", f.URL, f.RetryCount, f.LastError)
		}
	}
	return tw.Flush()
}

// ExportURLs writes one URL per line for every record in the given status.
func (r *Reporter) ExportURLs(ctx context.Context, w io.Writer, status store.Status, limit int) (int, error) {
	urls, err := r.store.URLsByStatus(ctx, status, limit)
	if err != nil {
		return 0, fmt.Errorf("list %s urls: %w", status, err)
	}
	for _, u := range urls {
		if _, err := fmt.Fprintln(w, u); err != nil {
			return 0, err
		}
	}
	return len(urls), nil
}
