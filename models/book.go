// Package models defines data structures for the author report.
package models

import (
	"fmt"
	"time"
)

// Status tells which dashboard listing a book was discovered on.
type Status string

const (
	StatusPublished   Status = "published"
	StatusUnpublished Status = "unpublished"
)

// Statuses lists the listings in discovery order.
var Statuses = []Status{StatusPublished, StatusUnpublished}

// ParseStatus converts a label into a Status.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPublished, StatusUnpublished:
		return Status(s), nil
	default:
		return "", fmt.Errorf("unknown book status %q", s)
	}
}

// BookSummary is one entry of a dashboard listing.
type BookSummary struct {
	Slug   string `csv:"slug" json:"slug"`
	Title  string `csv:"title" json:"title"`
	Status Status `csv:"status" json:"status"`
}

// CategorySet is the ordered, duplicate free list of category names of a book.
type CategorySet []string

// Contains reports whether name is in the set.
func (c CategorySet) Contains(name string) bool {
	for _, existing := range c {
		if existing == name {
			return true
		}
	}
	return false
}

// ErrorKind labels why a book's category fetch failed.
type ErrorKind string

const (
	ErrorKindSessionExpired   ErrorKind = "session_expired"
	ErrorKindParse            ErrorKind = "parse_error"
	ErrorKindTimeout          ErrorKind = "timeout"
	ErrorKindNetwork          ErrorKind = "network"
	ErrorKindUnexpectedStatus ErrorKind = "unexpected_status"
	ErrorKindCancelled        ErrorKind = "cancelled"
)

// FetchFailure is recorded on a BookReport instead of its categories.
type FetchFailure struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// BookReport pairs a listed book with its categories or the reason they are missing.
type BookReport struct {
	Book       BookSummary   `json:"book"`
	Categories CategorySet   `json:"categories"`
	FetchError *FetchFailure `json:"fetch_error,omitempty"`
}

// Failed reports whether the category fetch for this book failed.
func (r BookReport) Failed() bool {
	return r.FetchError != nil
}

// Report holds one BookReport per discovered book, in discovery order.
type Report []BookReport

// Failures counts entries with a fetch error.
func (r Report) Failures() int {
	n := 0
	for _, entry := range r {
		if entry.Failed() {
			n++
		}
	}
	return n
}

// Slugs returns the slugs in report order.
func (r Report) Slugs() []string {
	out := make([]string, len(r))
	for i, entry := range r {
		out[i] = entry.Book.Slug
	}
	return out
}

// RunResult holds the overall result of one run.
type RunResult struct {
	RunID             string
	Report            Report
	StartTime         time.Time
	EndTime           time.Time
	RequestCount      int
	ErrorCount        int
	RetryCount        int
	Reauthentications int
	DuplicateSlugs    int
	ErrorsByType      map[string]int

	// ListingErrors holds the listings that could not be read. Books from
	// the other listings are still reported.
	ListingErrors []ListingFailure
}

// ListingFailure records a dashboard listing that failed after retries.
type ListingFailure struct {
	Status  Status
	Kind    ErrorKind
	Message string
}

// Complete reports whether every listing was read.
func (r *RunResult) Complete() bool {
	return len(r.ListingErrors) == 0
}
