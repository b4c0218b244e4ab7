// Package errors defines the failure taxonomy of a harvest run.
package errors

import (
	"errors"
	"fmt"
)

var (
	ErrFetch      = errors.New("fetch failed")
	ErrExtraction = errors.New("extraction failed")
	ErrDisallowed = errors.New("disallowed by robots.txt")
	ErrLocked     = errors.New("ledger is locked by another run")
)

// FetchError is a transport failure or a non-2xx response for one URL.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: HTTP %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrFetch}
	}
	return []error{ErrFetch, e.Err}
}

// ExtractionError means the page was fetched but a required structure is missing.
type ExtractionError struct {
	URL     string
	Missing string
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s: missing %s", e.URL, e.Missing)
}

func (e *ExtractionError) Unwrap() error {
	return ErrExtraction
}

func NewFetchError(url string, statusCode int, err error) *FetchError {
	return &FetchError{URL: url, StatusCode: statusCode, Err: err}
}

func NewExtractionError(url, missing string) *ExtractionError {
	return &ExtractionError{URL: url, Missing: missing}
}

// IsItemFailure reports whether err is a per-listing failure that a run may
// isolate instead of aborting on.
func IsItemFailure(err error) bool {
	return errors.Is(err, ErrFetch) || errors.Is(err, ErrExtraction) || errors.Is(err, ErrDisallowed)
}
