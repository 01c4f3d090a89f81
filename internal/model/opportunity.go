package model

import "time"

// OpportunityStatus tracks the owner's workflow state for an opportunity.
type OpportunityStatus string

const (
	OpportunityStatusNew       OpportunityStatus = "new"
	OpportunityStatusViewed    OpportunityStatus = "viewed"
	OpportunityStatusContacted OpportunityStatus = "contacted"
	OpportunityStatusApplied   OpportunityStatus = "applied"
	OpportunityStatusRejected  OpportunityStatus = "rejected"
	OpportunityStatusWon       OpportunityStatus = "won"
	OpportunityStatusLost      OpportunityStatus = "lost"
)

// Opportunity is an owner-scoped record derived from a raw upstream lead.
// The (OwnerID, ExternalID) pair is unique, enforced by the persistence
// layer; the same source post may appear once per owner.
type Opportunity struct {
	ID       string `json:"id"`
	OwnerID  string `json:"owner_id"`
	SearchID string `json:"search_id"`

	// ExternalID is the source post id assigned by the upstream provider,
	// used for per-owner deduplication.
	ExternalID string `json:"external_id"`
	Source     string `json:"source"`
	SourceType string `json:"source_type"`

	Title   string `json:"title,omitempty"`
	Content string `json:"content"`
	Author  string `json:"author"`
	URL     string `json:"url"`

	MatchedKeywords []string `json:"matched_keywords"`
	DetectedPattern string   `json:"detected_pattern,omitempty"`
	Type            string   `json:"opportunity_type,omitempty"`
	Subtype         string   `json:"opportunity_subtype,omitempty"`

	RelevanceScore float64        `json:"relevance_score"`
	UrgencyScore   float64        `json:"urgency_score"`
	TotalScore     float64        `json:"total_score"`
	Extracted      map[string]any `json:"extracted_info,omitempty"`

	Status    OpportunityStatus `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// GenerationResult is the outcome of one opportunity-generation run.
type GenerationResult struct {
	Created int `json:"opportunities_created"`
	Skipped int `json:"opportunities_skipped"`
	// Withheld counts new leads left unconverted because of the requested
	// limit. They are not duplicates; the next run can pick them up.
	Withheld      int           `json:"opportunities_withheld,omitempty"`
	Opportunities []Opportunity `json:"opportunities"`
	Message       string        `json:"message"`

	// AdvisoryMessage carries a non-fatal upstream signal (cooldown active,
	// scrape already running) attached to a still-successful result.
	AdvisoryMessage string `json:"advisory_message,omitempty"`
}
