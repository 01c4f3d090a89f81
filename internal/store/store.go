// Package store persists searches, opportunities, and usage metrics.
//
// Two drivers are provided: postgres (pgxpool) for deployments and sqlite
// (modernc.org/sqlite) for single-binary installs. Both enforce the
// per-owner opportunity uniqueness constraint in the schema, which makes
// duplicate suppression safe under concurrent generation runs regardless of
// what the pre-insert existence check saw.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/prospect-labs/prospectd/internal/model"
)

// ErrSearchNotFound is returned when a search id does not exist for the
// requesting owner (including soft-deleted searches).
var ErrSearchNotFound = eris.New("store: search not found")

// OpportunityFilter specifies criteria for listing opportunities.
type OpportunityFilter struct {
	SearchID string                  `json:"search_id,omitempty"`
	Status   model.OpportunityStatus `json:"status,omitempty"`
	Limit    int                     `json:"limit,omitempty"`
	Offset   int                     `json:"offset,omitempty"`
}

// Store defines the persistence interface for the lead-generation pipeline.
type Store interface {
	// Searches
	CreateSearch(ctx context.Context, s *model.Search) error
	GetSearch(ctx context.Context, ownerID, searchID string) (*model.Search, error)
	ListSearches(ctx context.Context, ownerID string) ([]model.Search, error)
	// ListActiveSearches returns enabled, scheduled, non-deleted searches
	// across all owners, for the periodic refresh pass.
	ListActiveSearches(ctx context.Context) ([]model.Search, error)
	// SetSearchUpstreamID links a search to its provider-side record. When
	// the link changes, the previous id is preserved in stale_upstream_id.
	SetSearchUpstreamID(ctx context.Context, searchID, upstreamID string) error
	TouchSearchLastRun(ctx context.Context, searchID string, at time.Time) error
	SoftDeleteSearch(ctx context.Context, ownerID, searchID string) error
	// DeleteSoftDeletedSearches permanently removes searches soft-deleted
	// before the cutoff, returning the number removed.
	DeleteSoftDeletedSearches(ctx context.Context, before time.Time) (int, error)

	// Opportunities
	// ExistingExternalIDs reports which of the given external ids the owner
	// already has. Used as a fast pre-filter; the unique constraint remains
	// the authoritative duplicate guard.
	ExistingExternalIDs(ctx context.Context, ownerID string, ids []string) (map[string]struct{}, error)
	// InsertOpportunities persists a batch, skipping rows that collide with
	// an existing (owner_id, external_id) pair. Returns the number created.
	InsertOpportunities(ctx context.Context, opps []model.Opportunity) (int, error)
	ListOpportunities(ctx context.Context, ownerID string, filter OpportunityFilter) ([]model.Opportunity, error)

	// Usage metrics
	UsageCount(ctx context.Context, ownerID, metric string, periodStart time.Time) (int, error)
	IncrementUsage(ctx context.Context, ownerID, metric string, periodStart time.Time, delta int) error
	PurgeExpiredUsage(ctx context.Context, before time.Time) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	// Compact reclaims space and refreshes planner statistics. Safe to run
	// while the daemon is serving traffic.
	Compact(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// existingIDBatchSize bounds the IN-list size of each existence query.
const existingIDBatchSize = 500
