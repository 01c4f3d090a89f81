package leads

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prospect-labs/prospectd/internal/model"
	"github.com/prospect-labs/prospectd/internal/store"
	"github.com/prospect-labs/prospectd/pkg/scoutly"
)

func newDedupStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func leadsWithIDs(ids ...string) []scoutly.Lead {
	out := make([]scoutly.Lead, len(ids))
	for i, id := range ids {
		out[i] = scoutly.Lead{"source_post_id": id, "content": "c"}
	}
	return out
}

func TestPlanDedup_AllNew(t *testing.T) {
	st := newDedupStore(t)
	conv := NewConverter(nil)

	ids := make([]string, 10)
	for i := range ids {
		ids[i] = fmt.Sprintf("t3_%02d", i)
	}

	plan, err := PlanDedup(context.Background(), st, conv, "owner-1", leadsWithIDs(ids...))
	require.NoError(t, err)
	assert.Len(t, plan.New, 10)
	assert.Equal(t, 0, plan.SkippedExisting)
}

func TestPlanDedup_SkipsExisting(t *testing.T) {
	st := newDedupStore(t)
	conv := NewConverter(nil)
	ctx := context.Background()

	// Four of the ten are already persisted for this owner.
	var existing []model.Opportunity
	for i := 0; i < 4; i++ {
		existing = append(existing, model.Opportunity{
			OwnerID:    "owner-1",
			SearchID:   "search-1",
			ExternalID: fmt.Sprintf("t3_%02d", i),
			Content:    "c",
		})
	}
	_, err := st.InsertOpportunities(ctx, existing)
	require.NoError(t, err)

	ids := make([]string, 10)
	for i := range ids {
		ids[i] = fmt.Sprintf("t3_%02d", i)
	}

	plan, err := PlanDedup(ctx, st, conv, "owner-1", leadsWithIDs(ids...))
	require.NoError(t, err)
	assert.Len(t, plan.New, 6)
	assert.Equal(t, 4, plan.SkippedExisting)
}

func TestPlanDedup_OtherOwnerUnaffected(t *testing.T) {
	st := newDedupStore(t)
	conv := NewConverter(nil)
	ctx := context.Background()

	_, err := st.InsertOpportunities(ctx, []model.Opportunity{
		{OwnerID: "owner-1", SearchID: "s", ExternalID: "t3_a", Content: "c"},
	})
	require.NoError(t, err)

	plan, err := PlanDedup(ctx, st, conv, "owner-2", leadsWithIDs("t3_a"))
	require.NoError(t, err)
	assert.Len(t, plan.New, 1)
}

func TestPlanDedup_IntraBatchDuplicates(t *testing.T) {
	st := newDedupStore(t)
	conv := NewConverter(nil)

	plan, err := PlanDedup(context.Background(), st, conv, "owner-1",
		leadsWithIDs("t3_a", "t3_a", "t3_b"))
	require.NoError(t, err)
	assert.Len(t, plan.New, 2)
	assert.Equal(t, 1, plan.SkippedExisting)
}

func TestPlanDedup_DropsLeadsWithoutID(t *testing.T) {
	st := newDedupStore(t)
	conv := NewConverter(nil)

	batch := leadsWithIDs("t3_a")
	batch = append(batch, scoutly.Lead{"content": "no id"})

	plan, err := PlanDedup(context.Background(), st, conv, "owner-1", batch)
	require.NoError(t, err)
	assert.Len(t, plan.New, 1)
	assert.Equal(t, 1, plan.SkippedNoID)
}
