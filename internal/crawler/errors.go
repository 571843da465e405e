package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// FetchError carries the HTTP status (when one was received) alongside
// the transport error, so failures can be classified for retry.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// StoreError marks a persistence failure. It never enters the fetch
// retry budget; the worker that hit it stops cleanly instead, since it
// cannot record outcomes anymore.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// ParseError marks content that could not be processed; always terminal.
type ParseError struct {
	URL string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.URL, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Retryable classifies an error per the crawl taxonomy: timeouts,
// connection resets, 5xx and 429 are transient; other HTTP statuses and
// parse failures are terminal. Context cancellation is never retried.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var parseErr *ParseError
	if errors.As(err, &parseErr) {
		return false
	}
	var storeErr *StoreError
	if errors.As(err, &storeErr) {
		return false
	}
	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		switch {
		case fetchErr.StatusCode == 429:
			return true
		case fetchErr.StatusCode >= 500:
			return true
		case fetchErr.StatusCode >= 400:
			return false
		}
		return transportRetryable(fetchErr.Err)
	}
	return transportRetryable(err)
}

func transportRetryable(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	// Connection resets and friends surface as plain errors from the
	// transport; treat unknown transport failures as transient.
	return true
}
