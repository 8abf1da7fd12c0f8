// Package intel defines core types shared across the acquisition subsystems.
package intel

import (
	"encoding/json"
	"time"
)

// BackendID identifies one scraper backend tier.
type BackendID string

// Known backend tiers, ordered by capability and cost.
const (
	BackendStatic   BackendID = "static"
	BackendHeadless BackendID = "headless"
	BackendManaged  BackendID = "managed"
)

// URLCategory orders discovered URLs for processing. Categories never drop
// URLs; they only decide who goes first.
type URLCategory int

// Categories from highest to lowest processing priority.
const (
	CategoryCritical URLCategory = iota
	CategoryImportant
	CategoryUseful
	CategoryOptional
)

// String returns the persisted label for the category.
func (c URLCategory) String() string {
	switch c {
	case CategoryCritical:
		return "critical"
	case CategoryImportant:
		return "important"
	case CategoryUseful:
		return "useful"
	default:
		return "optional"
	}
}

// CategorizedURL pairs a discovered URL with its processing priority.
type CategorizedURL struct {
	URL      string      `json:"url"`
	Category URLCategory `json:"category"`
}

// Product is a commerce entity extracted from a page.
type Product struct {
	Name  string `json:"name"`
	Price string `json:"price,omitempty"`
}

// ContactInfo holds contact details extracted from a page.
type ContactInfo struct {
	Email   string `json:"email,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Address string `json:"address,omitempty"`
}

// ImageRef is a single image reference found on a page. DataSrc is set when
// the markup used a lazy-load attribute that never resolved.
type ImageRef struct {
	Src     string `json:"src,omitempty"`
	DataSrc string `json:"data_src,omitempty"`
	Alt     string `json:"alt,omitempty"`
}

// PageResult is what a Backend returns for one URL.
type PageResult struct {
	URL        string       `json:"url"`
	Content    string       `json:"content"`
	HTML       string       `json:"-"`
	Images     []ImageRef   `json:"images,omitempty"`
	Links      []string     `json:"links,omitempty"`
	Products   []Product    `json:"products,omitempty"`
	Contact    *ContactInfo `json:"contact,omitempty"`
	BackendID  BackendID    `json:"backend_id"`
	StatusCode int          `json:"status_code,omitempty"`
	DurationMs int64        `json:"duration_ms"`
	Success    bool         `json:"success"`
	Error      string       `json:"error,omitempty"`
}

// SessionStats aggregates per-session counters folded in after each phase.
type SessionStats struct {
	TotalPages     int            `json:"total_pages"`
	DataPoints     int            `json:"data_points"`
	TotalLinks     int            `json:"total_links"`
	PhaseCounts    map[string]int `json:"phase_counts,omitempty"`
	CreditsSpent   int            `json:"credits_spent"`
	PartialSuccess bool           `json:"partial_success"`
	FailedURLs     []string       `json:"failed_urls,omitempty"`
}

// PageData is the per-URL slice of the merged session blob.
type PageData struct {
	URL               string    `json:"url"`
	BackendID         BackendID `json:"backend_id"`
	Score             float64   `json:"score"`
	Enhanced          bool      `json:"enhanced"`
	EnhancementReason string    `json:"enhancement_reason,omitempty"`
	ContentLength     int       `json:"content_length"`
	SnapshotURI       string    `json:"snapshot_uri,omitempty"`
}

// MergedData is the versioned JSON blob persisted on the session record.
type MergedData struct {
	Stats     SessionStats               `json:"stats"`
	Pages     map[string]PageData        `json:"pages,omitempty"`
	Extracted map[string]json.RawMessage `json:"extracted_data,omitempty"`
}

// Session is the unit of work for one domain's acquisition job. Updates must
// carry the version last read; the store rejects stale writes.
type Session struct {
	ID        string     `json:"id"`
	Domain    string     `json:"domain"`
	UserID    string     `json:"user_id"`
	Phase     Phase      `json:"phase"`
	Merged    MergedData `json:"merged_data"`
	Version   int64      `json:"version"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// RunStatus is the lifecycle state of one backend invocation.
type RunStatus string

// Run status values.
const (
	RunRunning  RunStatus = "running"
	RunComplete RunStatus = "complete"
	RunFailed   RunStatus = "failed"
)

// ScraperRun records one backend invocation against a batch of URLs.
type ScraperRun struct {
	ID              string          `json:"id"`
	SessionID       string          `json:"session_id"`
	BackendID       BackendID       `json:"scraper_id"`
	PagesScraped    int             `json:"pages_scraped"`
	DataPoints      int             `json:"data_points"`
	DiscoveredLinks int             `json:"discovered_links"`
	DurationMs      int64           `json:"duration_ms"`
	Status          RunStatus       `json:"status"`
	Extracted       json.RawMessage `json:"extracted_data,omitempty"`
	StartedAt       time.Time       `json:"started_at"`
}

// CreditTransaction is one append-only ledger entry. Amount is positive for
// debits and negative for refunds.
type CreditTransaction struct {
	ID       string         `json:"id"`
	UserID   string         `json:"user_id"`
	Amount   int            `json:"amount"`
	Reason   string         `json:"reason"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Balance  int            `json:"balance"`
	At       time.Time      `json:"at"`
}

// DataPoints counts the extracted signals a page contributed. The total feeds
// session stats and run records.
func (p PageResult) DataPoints() int {
	n := 0
	if p.Content != "" {
		n++
	}
	n += len(p.Images)
	n += len(p.Products)
	if p.Contact != nil {
		n++
	}
	return n
}
