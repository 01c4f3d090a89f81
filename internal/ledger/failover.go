package ledger

import (
	"context"
	"errors"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/prospect-labs/prospectd/internal/model"
)

// Failover wraps a primary (shared) ledger with a process-local fallback.
// When a primary operation fails with anything other than ErrJobNotFound the
// wrapper degrades permanently for the life of the process: the warning is
// logged once and all subsequent operations go to the fallback. Jobs written
// to the primary before degradation become invisible, and fallback state is
// lost on restart — that loss is the accepted tradeoff, not a bug.
type Failover struct {
	primary  Ledger
	fallback Ledger
	degraded atomic.Bool
}

// NewFailover wraps primary with a local fallback ledger.
func NewFailover(primary, fallback Ledger) *Failover {
	return &Failover{primary: primary, fallback: fallback}
}

// Degraded reports whether the ledger has fallen back to local storage.
func (f *Failover) Degraded() bool {
	return f.degraded.Load()
}

func (f *Failover) Create(ctx context.Context, ownerID, searchID string, limit int) (*model.JobRecord, error) {
	if f.degraded.Load() {
		return f.fallback.Create(ctx, ownerID, searchID, limit)
	}
	rec, err := f.primary.Create(ctx, ownerID, searchID, limit)
	if err != nil {
		f.degrade(err)
		return f.fallback.Create(ctx, ownerID, searchID, limit)
	}
	return rec, nil
}

func (f *Failover) Get(ctx context.Context, jobID string) (*model.JobRecord, error) {
	if f.degraded.Load() {
		return f.fallback.Get(ctx, jobID)
	}
	rec, err := f.primary.Get(ctx, jobID)
	if err != nil && !errors.Is(err, ErrJobNotFound) {
		f.degrade(err)
		return f.fallback.Get(ctx, jobID)
	}
	return rec, err
}

func (f *Failover) Update(ctx context.Context, jobID string, patch model.JobUpdate) error {
	if f.degraded.Load() {
		return f.fallback.Update(ctx, jobID, patch)
	}
	err := f.primary.Update(ctx, jobID, patch)
	if err != nil && !errors.Is(err, ErrJobNotFound) {
		f.degrade(err)
		return f.fallback.Update(ctx, jobID, patch)
	}
	return err
}

func (f *Failover) List(ctx context.Context, ownerID string) ([]model.JobRecord, error) {
	if f.degraded.Load() {
		return f.fallback.List(ctx, ownerID)
	}
	recs, err := f.primary.List(ctx, ownerID)
	if err != nil {
		f.degrade(err)
		return f.fallback.List(ctx, ownerID)
	}
	return recs, nil
}

func (f *Failover) PurgeExpired(ctx context.Context) (int, error) {
	if f.degraded.Load() {
		return f.fallback.PurgeExpired(ctx)
	}
	return f.primary.PurgeExpired(ctx)
}

func (f *Failover) degrade(cause error) {
	if f.degraded.CompareAndSwap(false, true) {
		zap.L().Warn("job ledger degraded to process-local storage: "+
			"job state will not survive a restart and is invisible to other instances",
			zap.Error(cause),
		)
	}
}
