package storage

import (
	"context"
	"time"

	"shopcrawl/pkg/graph"
	"shopcrawl/pkg/models"
)

// PageStore tracks per-URL visitation state for dedup and resume.
type PageStore interface {
	// MarkPagePending records a URL as queued. Returns true if the URL
	// was newly added, false if it already existed in any state.
	MarkPagePending(normalizedURL string, depth int) (bool, error)

	// CheckPageStatus retrieves the status and entry for a URL.
	CheckPageStatus(normalizedURL string) (models.PageStatus, *models.PageDBEntry, error)

	// UpdatePageStatus overwrites the entry for a URL.
	UpdatePageStatus(normalizedURL string, entry *models.PageDBEntry) error
}

// RecordStore persists crawl outcomes and the link graph.
type RecordStore interface {
	// SaveRecord persists one fetch outcome, keyed by URL.
	SaveRecord(record *models.CrawlRecord) error

	// LoadRecords returns all persisted records.
	LoadRecords() ([]models.CrawlRecord, error)

	// SaveGraph persists the link graph snapshot.
	SaveGraph(snap *graph.GraphSnapshot) error

	// LoadGraph returns the persisted snapshot, or nil when absent.
	LoadGraph() (*graph.GraphSnapshot, error)
}

// StoreAdmin handles lifecycle and administrative operations.
type StoreAdmin interface {
	// TrackedCount returns the number of tracked page URLs.
	TrackedCount() (int, error)

	// RequeueIncomplete scans for pending or failed pages and hands
	// each to emit. Called only when resuming a previous session.
	RequeueIncomplete(ctx context.Context, emit func(url string, depth int) error) (requeued int, scanErrors int, err error)

	// RunGC runs periodic value-log garbage collection until ctx ends.
	// Run it in a goroutine.
	RunGC(ctx context.Context, interval time.Duration)

	// Close cleanly closes the database.
	Close() error
}

// Store combines all storage interfaces for components needing full access.
type Store interface {
	PageStore
	RecordStore
	StoreAdmin
}
