package models

import "time"

// Task represents a discovered URL waiting in the frontier
type Task struct {
	URL          string    // Normalized URL
	Depth        int       // Link depth at which the URL was discovered
	Priority     float64   // Static priority assigned at enqueue time
	SourcePage   string    // Normalized URL of the page that linked here ("" for seeds)
	DiscoveredAt time.Time // Discovery timestamp
	FromSitemap  bool      // True if the URL was pre-confirmed by a sitemap
	Seq          uint64    // Discovery sequence, used for FIFO tie-breaking
	Attempts     int       // Fetch attempts made so far
}

// CrawlRecord stores the outcome of one fetch attempt. Immutable after creation.
type CrawlRecord struct {
	URL           string    `json:"url"`
	Status        string    `json:"status"` // "success" or "failure"
	HTTPStatus    int       `json:"http_status,omitempty"`
	ContentHash   string    `json:"content_hash,omitempty"` // SHA-256 of rendered content
	Product       *Product  `json:"product,omitempty"`
	OutgoingLinks []string  `json:"outgoing_links,omitempty"`
	ErrorType     string    `json:"error_type,omitempty"` // Categorized error (on failure)
	FetchedAt     time.Time `json:"fetched_at"`
	Depth         int       `json:"depth"`
}

// Price holds a parsed product price. When normalization fails the raw
// text is preserved and Unparsed is set instead of discarding the value.
type Price struct {
	Amount   float64 `json:"amount,omitempty"`
	Currency string  `json:"currency,omitempty"`
	Raw      string  `json:"raw"`
	Unparsed bool    `json:"unparsed,omitempty"`
}

// Product is a structured entity extracted from a page. All fields except
// URL are optional; absence is nil or empty, never a sentinel value.
type Product struct {
	URL          string   `json:"url"`
	Title        string   `json:"title,omitempty"`
	Price        *Price   `json:"price,omitempty"`
	Rating       *float64 `json:"rating,omitempty"` // 0-5 when present
	ReviewCount  *int     `json:"review_count,omitempty"`
	Images       []string `json:"images,omitempty"`
	Availability string   `json:"availability,omitempty"`
	Brand        string   `json:"brand,omitempty"`
	Category     string   `json:"category,omitempty"`
	Description  string   `json:"description,omitempty"` // Markdown-normalized
}

// CrawlStats summarizes a crawl session for collaborators.
type CrawlStats struct {
	PagesVisited      int           `json:"pages_visited"`
	PagesBlocked      int           `json:"pages_blocked"`
	ProductsFound     int           `json:"products_found"`
	RejectedLinks     int           `json:"rejected_links"`
	DisallowedLinks   int           `json:"disallowed_links"`
	FetchFailures     int           `json:"fetch_failures"`
	HostsBlocked      int           `json:"hosts_blocked"`
	SitemapURLsSeeded int           `json:"sitemap_urls_seeded"`
	AvgCrawlability   float64       `json:"avg_crawlability"`
	StartTime         time.Time     `json:"start_time"`
	Elapsed           time.Duration `json:"elapsed"`
	Termination       string        `json:"termination"`
}
