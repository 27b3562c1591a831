// Package models defines data structures shared by the harvester.
package models

import "time"

// PageRecord is a single harvested wiki revision. The JSON field names form
// the on-disk corpus schema consumed by the answer component and must stay
// stable.
type PageRecord struct {
	OldID      int       `json:"oldid"`
	Title      string    `json:"title"`
	URL        string    `json:"url"`
	Content    string    `json:"content"`
	Categories []string  `json:"categories"`
	WordCount  int       `json:"word_count"`
	ScrapedAt  time.Time `json:"scraped_at"`
}

// OutcomeKind classifies the result of fetching one revision.
type OutcomeKind int

const (
	// OutcomeSuccess carries a fully extracted page.
	OutcomeSuccess OutcomeKind = iota
	// OutcomeNotFound marks a revision that does not exist. Never retried.
	OutcomeNotFound
	// OutcomeTransient marks a retryable failure (timeout, reset, 5xx).
	OutcomeTransient
	// OutcomePermanent marks an unrecoverable failure other than not-found,
	// such as a structurally malformed page.
	OutcomePermanent
)

// String returns a short label for the outcome kind.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeTransient:
		return "transient"
	case OutcomePermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// FetchOutcome is the resolved result for one revision identifier.
type FetchOutcome struct {
	ID   int
	Kind OutcomeKind
	Page *PageRecord
	Err  error
}

// HarvestResult summarises a harvest run.
type HarvestResult struct {
	StartTime   time.Time
	EndTime     time.Time
	Fetched     int
	Failed      int
	NotFound    int
	AlreadyDone int
	Retries     int
	Requests    int
	Skipped     []int
	Interrupted bool
}
