package refresh

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prospect-labs/prospectd/internal/config"
	"github.com/prospect-labs/prospectd/internal/leads"
	"github.com/prospect-labs/prospectd/internal/model"
	"github.com/prospect-labs/prospectd/internal/notify"
	"github.com/prospect-labs/prospectd/internal/store"
	"github.com/prospect-labs/prospectd/pkg/scoutly"
)

// sweepClient serves per-search lead sets keyed by upstream id.
type sweepClient struct {
	scoutly.Client

	mu       sync.Mutex
	leads    map[string][]scoutly.Lead
	failing  map[string]bool
	inflight int
	maxSeen  int
}

func newSweepClient() *sweepClient {
	return &sweepClient{
		leads:   map[string][]scoutly.Lead{},
		failing: map[string]bool{},
	}
}

func (c *sweepClient) ListLeads(ctx context.Context, id string, limit, offset int) (*scoutly.LeadPage, error) {
	c.mu.Lock()
	c.inflight++
	if c.inflight > c.maxSeen {
		c.maxSeen = c.inflight
	}
	fail := c.failing[id]
	set := c.leads[id]
	c.mu.Unlock()

	// Hold the call briefly so concurrent workers overlap measurably.
	time.Sleep(2 * time.Millisecond)

	c.mu.Lock()
	c.inflight--
	c.mu.Unlock()

	if fail {
		return nil, eris.New("scoutly: HTTP 500: internal server error")
	}
	end := min(offset+limit, len(set))
	items := []scoutly.Lead{}
	if offset < end {
		items = set[offset:end]
	}
	return &scoutly.LeadPage{Items: items, Total: len(set), HasMore: end < len(set)}, nil
}

// recordingDispatcher collects dispatched events.
type recordingDispatcher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, ev notify.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, ev)
}

func newTestRefresher(t *testing.T, client scoutly.Client, concurrency int) (*Refresher, store.Store, *recordingDispatcher) {
	t.Helper()
	st, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	upstream := config.UpstreamConfig{
		PageSize:            500,
		FetchAttempts:       1,
		FetchRetryDelaySecs: 0,
	}
	dispatcher := &recordingDispatcher{}
	r := New(st, leads.NewFetcher(client, upstream), leads.NewConverter(nil), dispatcher, config.RefreshConfig{Concurrency: concurrency})
	return r, st, dispatcher
}

func seedActiveSearch(t *testing.T, st store.Store, owner, name string) (searchID, upstreamID string) {
	t.Helper()
	sr := &model.Search{
		OwnerID: owner,
		Name:    name,
		Enabled: true,
		Mode:    model.ScrapingModeScheduled,
	}
	require.NoError(t, st.CreateSearch(context.Background(), sr))
	upstreamID = "up-" + name
	require.NoError(t, st.SetSearchUpstreamID(context.Background(), sr.ID, upstreamID))
	return sr.ID, upstreamID
}

func leadSet(prefix string, n int) []scoutly.Lead {
	out := make([]scoutly.Lead, n)
	for i := 0; i < n; i++ {
		out[i] = scoutly.Lead{
			"source_post_id": fmt.Sprintf("%s_%04d", prefix, i),
			"content":        "any recommendations?",
		}
	}
	return out
}

func TestRun_PersistsNewLeadsAndNotifies(t *testing.T) {
	client := newSweepClient()
	r, st, dispatcher := newTestRefresher(t, client, 4)

	searchID, upID := seedActiveSearch(t, st, "owner-1", "founders")
	client.leads[upID] = leadSet("t3", 5)

	summary, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Total)
	assert.Equal(t, 1, summary.Updated)
	assert.Equal(t, 5, summary.Created)

	opps, err := st.ListOpportunities(context.Background(), "owner-1", store.OpportunityFilter{SearchID: searchID})
	require.NoError(t, err)
	assert.Len(t, opps, 5)

	require.Len(t, dispatcher.events, 1)
	assert.Equal(t, notify.EventLeadsRefreshed, dispatcher.events[0].Type)
	assert.Equal(t, "owner-1", dispatcher.events[0].OwnerID)
	assert.Equal(t, 5, dispatcher.events[0].Details["created"])

	stored, err := st.GetSearch(context.Background(), "owner-1", searchID)
	require.NoError(t, err)
	assert.NotNil(t, stored.LastRunAt)
}

func TestRun_SecondPassFindsNothingNew(t *testing.T) {
	client := newSweepClient()
	r, st, dispatcher := newTestRefresher(t, client, 4)

	_, upID := seedActiveSearch(t, st, "owner-1", "founders")
	client.leads[upID] = leadSet("t3", 5)

	_, err := r.Run(context.Background())
	require.NoError(t, err)

	summary, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Updated)
	assert.Equal(t, 0, summary.Created)
	// No notification when nothing new arrived.
	assert.Len(t, dispatcher.events, 1)
}

func TestRun_FailuresDoNotStarveOthers(t *testing.T) {
	client := newSweepClient()
	r, st, _ := newTestRefresher(t, client, 2)

	for i := 0; i < 4; i++ {
		_, upID := seedActiveSearch(t, st, fmt.Sprintf("owner-%d", i), fmt.Sprintf("search-%d", i))
		client.leads[upID] = leadSet(fmt.Sprintf("s%d", i), 2)
		if i == 1 {
			client.failing[upID] = true
		}
	}

	summary, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Total)
	assert.Equal(t, 3, summary.Updated)
	assert.Equal(t, 6, summary.Created)
	assert.Equal(t, 1, summary.Failed)
}

func TestRun_BoundedConcurrency(t *testing.T) {
	client := newSweepClient()
	r, st, _ := newTestRefresher(t, client, 2)

	for i := 0; i < 8; i++ {
		_, upID := seedActiveSearch(t, st, fmt.Sprintf("owner-%d", i), fmt.Sprintf("search-%d", i))
		client.leads[upID] = leadSet(fmt.Sprintf("s%d", i), 1)
	}

	_, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.LessOrEqual(t, client.maxSeen, 2)
}

func TestRun_EmptyPass(t *testing.T) {
	client := newSweepClient()
	r, _, _ := newTestRefresher(t, client, 4)

	summary, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Total)
}
