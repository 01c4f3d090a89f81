package model

import "time"

// ScrapingMode controls how the upstream provider schedules scrapes for a search.
type ScrapingMode string

const (
	ScrapingModeOneTime   ScrapingMode = "one_time"
	ScrapingModeScheduled ScrapingMode = "scheduled"
)

// Search is an owner-scoped keyword-search configuration. The upstream
// provider keeps its own copy of the search, linked through UpstreamID.
type Search struct {
	ID         string       `json:"id"`
	OwnerID    string       `json:"owner_id"`
	Name       string       `json:"name"`
	Keywords   []string     `json:"keywords"`
	Patterns   []string     `json:"patterns,omitempty"`
	Subreddits []string     `json:"subreddits,omitempty"`
	Platforms  []string     `json:"platforms"`
	Enabled    bool         `json:"enabled"`
	Mode       ScrapingMode `json:"scraping_mode"`

	// UpstreamID links this search to the provider-side record. It is created
	// lazily on first generation and reused afterwards. When the remote record
	// is found to have been deleted independently, a replacement is created and
	// the previous id is preserved in StaleUpstreamID for cross-reference.
	UpstreamID      string `json:"upstream_id,omitempty"`
	StaleUpstreamID string `json:"stale_upstream_id,omitempty"`

	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}
