// Package ledger stores the lifecycle state of background generation jobs.
//
// The primary backend is a shared key-value store with per-key expiry, so
// job status survives process restarts and is visible to every API instance.
// When the shared store is unreachable the ledger degrades to a process-local
// map: an availability-over-durability tradeoff in which state is lost on
// restart and invisible to other instances. The degradation is logged, not
// hidden.
package ledger

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/prospect-labs/prospectd/internal/model"
)

// ErrJobNotFound is returned when a job id is unknown to the ledger.
var ErrJobNotFound = eris.New("ledger: job not found")

// Ledger tracks background job lifecycle state.
//
// Update is a merge-update with last-write-wins semantics: there is no
// compare-and-swap, and concurrent updates converge to whichever write was
// applied last in wall-clock order regardless of progress values.
type Ledger interface {
	// Create initializes a pending job and returns its record.
	Create(ctx context.Context, ownerID, searchID string, limit int) (*model.JobRecord, error)

	// Get returns the job record, or ErrJobNotFound.
	Get(ctx context.Context, jobID string) (*model.JobRecord, error)

	// Update merges the patch into the stored record.
	Update(ctx context.Context, jobID string, patch model.JobUpdate) error

	// List returns a point-in-time snapshot of the owner's jobs.
	List(ctx context.Context, ownerID string) ([]model.JobRecord, error)

	// PurgeExpired removes records past the retention window and returns the
	// number removed. Backends with native per-key expiry may return 0.
	PurgeExpired(ctx context.Context) (int, error)
}
