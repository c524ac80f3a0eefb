package models

import "time"

// TerminationReason reports which condition ended a crawl session
type TerminationReason string

const (
	TerminationUnset     TerminationReason = ""
	TerminationExhausted TerminationReason = "frontier_exhausted" // Pending queue drained
	TerminationBudget    TerminationReason = "page_budget"        // Configured max_pages reached
	TerminationDeadline  TerminationReason = "deadline"           // Wall-clock deadline passed
	TerminationCancelled TerminationReason = "cancelled"          // Session cancellation signal
)

// String implements fmt.Stringer for logging
func (r TerminationReason) String() string {
	if r == "" {
		return "unset"
	}
	return string(r)
}

// PageStatus represents the processing status of a page in the database
type PageStatus string

const (
	PageStatusUnset    PageStatus = ""          // Zero value = unset/unknown
	PageStatusPending  PageStatus = "pending"   // Page queued but not processed
	PageStatusSuccess  PageStatus = "success"   // Page processed successfully
	PageStatusFailure  PageStatus = "failure"   // Page processing failed
	PageStatusNotFound PageStatus = "not_found" // Page not in database
	PageStatusDBError  PageStatus = "db_error"  // Database error occurred
)

// String implements fmt.Stringer for logging
func (s PageStatus) String() string {
	if s == "" {
		return "unset"
	}
	return string(s)
}

// IsValid returns true if the status is a known operational value
func (s PageStatus) IsValid() bool {
	switch s {
	case PageStatusPending, PageStatusSuccess, PageStatusFailure:
		return true
	}
	return false
}

// PageDBEntry stores the result of processing a page URL in the database
type PageDBEntry struct {
	Status      PageStatus `json:"status"`
	ErrorType   string     `json:"error_type,omitempty"`
	ProcessedAt time.Time  `json:"processed_at,omitempty"`
	LastAttempt time.Time  `json:"last_attempt"`
	Depth       int        `json:"depth"`
}
