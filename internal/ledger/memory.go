package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/prospect-labs/prospectd/internal/model"
)

// MemoryLedger is a process-local Ledger backed by a map. It is the fallback
// backend when the shared store is unreachable, and the default in tests.
// Expiry is enforced lazily on access and by PurgeExpired.
type MemoryLedger struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.RWMutex
	jobs    map[string]model.JobRecord
	byOwner map[string][]string
}

// NewMemory creates an in-memory ledger with the given retention window.
func NewMemory(ttl time.Duration) *MemoryLedger {
	return &MemoryLedger{
		ttl:     ttl,
		now:     time.Now,
		jobs:    make(map[string]model.JobRecord),
		byOwner: make(map[string][]string),
	}
}

func (m *MemoryLedger) Create(_ context.Context, ownerID, searchID string, limit int) (*model.JobRecord, error) {
	now := m.now().UTC()
	rec := model.JobRecord{
		ID:             uuid.New().String(),
		OwnerID:        ownerID,
		SearchID:       searchID,
		RequestedLimit: limit,
		Status:         model.JobStatusPending,
		Progress:       0,
		Message:        "job queued",
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[rec.ID] = rec
	m.byOwner[ownerID] = append(m.byOwner[ownerID], rec.ID)

	out := rec
	return &out, nil
}

func (m *MemoryLedger) Get(_ context.Context, jobID string) (*model.JobRecord, error) {
	m.mu.RLock()
	rec, ok := m.jobs[jobID]
	m.mu.RUnlock()
	if !ok || m.expired(rec) {
		return nil, ErrJobNotFound
	}
	out := rec
	return &out, nil
}

func (m *MemoryLedger) Update(_ context.Context, jobID string, patch model.JobUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.jobs[jobID]
	if !ok || m.expired(rec) {
		return ErrJobNotFound
	}
	patch.Apply(&rec, m.now().UTC())
	m.jobs[jobID] = rec
	return nil
}

func (m *MemoryLedger) List(_ context.Context, ownerID string) ([]model.JobRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.byOwner[ownerID]
	out := make([]model.JobRecord, 0, len(ids))
	for _, id := range ids {
		rec, ok := m.jobs[id]
		if !ok || m.expired(rec) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (m *MemoryLedger) PurgeExpired(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, rec := range m.jobs {
		if m.expired(rec) {
			delete(m.jobs, id)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	for owner, ids := range m.byOwner {
		kept := ids[:0]
		for _, id := range ids {
			if _, ok := m.jobs[id]; ok {
				kept = append(kept, id)
			}
		}
		if len(kept) == 0 {
			delete(m.byOwner, owner)
			continue
		}
		m.byOwner[owner] = kept
	}
	return removed, nil
}

func (m *MemoryLedger) expired(rec model.JobRecord) bool {
	if m.ttl <= 0 {
		return false
	}
	return m.now().UTC().Sub(rec.CreatedAt) > m.ttl
}
