package leads

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/prospect-labs/prospectd/internal/store"
	"github.com/prospect-labs/prospectd/pkg/scoutly"
)

// Plan is the split of a fetched batch into leads worth converting and
// leads already known. The existence check behind it is a cheap pre-filter;
// the store's unique constraint still catches anything that slips through
// between planning and insert.
type Plan struct {
	New             []scoutly.Lead
	SkippedExisting int
	SkippedNoID     int
}

// PlanDedup resolves each lead's external id, asks the store which ids the
// owner already has, and keeps only the first occurrence of each unseen id.
func PlanDedup(ctx context.Context, st store.Store, conv *Converter, ownerID string, fetched []scoutly.Lead) (*Plan, error) {
	plan := &Plan{}

	ids := make([]string, 0, len(fetched))
	seen := make(map[string]struct{}, len(fetched))
	for _, lead := range fetched {
		id, ok := conv.ExternalID(lead)
		if !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	existing, err := st.ExistingExternalIDs(ctx, ownerID, ids)
	if err != nil {
		return nil, eris.Wrap(err, "leads: plan dedup")
	}

	batch := make(map[string]struct{}, len(ids))
	for _, lead := range fetched {
		id, ok := conv.ExternalID(lead)
		if !ok {
			plan.SkippedNoID++
			continue
		}
		if _, dup := existing[id]; dup {
			plan.SkippedExisting++
			continue
		}
		if _, dup := batch[id]; dup {
			plan.SkippedExisting++
			continue
		}
		batch[id] = struct{}{}
		plan.New = append(plan.New, lead)
	}

	if plan.SkippedNoID > 0 {
		zap.L().Warn("leads without external id dropped",
			zap.String("owner_id", ownerID),
			zap.Int("count", plan.SkippedNoID))
	}
	return plan, nil
}
