package generator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prospect-labs/prospectd/internal/config"
	"github.com/prospect-labs/prospectd/internal/coordinator"
	"github.com/prospect-labs/prospectd/internal/leads"
	"github.com/prospect-labs/prospectd/internal/ledger"
	"github.com/prospect-labs/prospectd/internal/model"
	"github.com/prospect-labs/prospectd/internal/notify"
	"github.com/prospect-labs/prospectd/internal/quota"
	"github.com/prospect-labs/prospectd/internal/store"
	"github.com/prospect-labs/prospectd/pkg/scoutly"
)

// stubProvider is a programmable scoutly.Client covering the full pipeline.
type stubProvider struct {
	status     scoutly.ScrapeStatus
	leads      []scoutly.Lead
	listErr    error
	triggerErr error

	anyCalls     int
	triggerCalls int
}

func (s *stubProvider) CreateSearch(ctx context.Context, cfg scoutly.SearchConfig) (*scoutly.Search, error) {
	s.anyCalls++
	return &scoutly.Search{ID: "up-" + cfg.Name}, nil
}

func (s *stubProvider) GetSearch(ctx context.Context, id string) (*scoutly.Search, error) {
	s.anyCalls++
	return &scoutly.Search{ID: id}, nil
}

func (s *stubProvider) GetStatus(ctx context.Context, id string) (*scoutly.ScrapeStatus, error) {
	s.anyCalls++
	st := s.status
	return &st, nil
}

func (s *stubProvider) TriggerScrape(ctx context.Context, id string) error {
	s.anyCalls++
	s.triggerCalls++
	if s.triggerErr != nil {
		return s.triggerErr
	}
	s.status = scoutly.ScrapeStatus{Status: "completed"}
	return nil
}

func (s *stubProvider) ListLeads(ctx context.Context, id string, limit, offset int) (*scoutly.LeadPage, error) {
	s.anyCalls++
	if s.listErr != nil {
		return nil, s.listErr
	}
	end := min(offset+limit, len(s.leads))
	items := []scoutly.Lead{}
	if offset < end {
		items = s.leads[offset:end]
	}
	return &scoutly.LeadPage{Items: items, Total: len(s.leads), HasMore: end < len(s.leads)}, nil
}

type harness struct {
	gen      *Generator
	store    store.Store
	ledger   ledger.Ledger
	provider *stubProvider
	search   *model.Search
}

func newHarness(t *testing.T, provider *stubProvider, quotaLimit int) *harness {
	t.Helper()

	st, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	sr := &model.Search{
		OwnerID:  "owner-1",
		Name:     "founders",
		Keywords: []string{"recommendation"},
		Enabled:  true,
		Mode:     model.ScrapingModeScheduled,
	}
	require.NoError(t, st.CreateSearch(context.Background(), sr))

	upstream := config.UpstreamConfig{
		PageSize:            500,
		CooldownMinutes:     10,
		PollIntervalSecs:    1,
		PollTimeoutSecs:     1,
		FetchAttempts:       2,
		FetchRetryDelaySecs: 0,
	}

	led := ledger.NewMemory(time.Hour)
	gen := New(
		st,
		led,
		coordinator.New(st, provider, upstream),
		leads.NewFetcher(provider, upstream),
		leads.NewConverter(nil),
		quota.New(st, quotaLimit),
		notify.NopDispatcher{},
		config.GenerateConfig{DefaultLimit: 100, JobTimeoutSecs: 30},
	)

	return &harness{gen: gen, store: st, ledger: led, provider: provider, search: sr}
}

func providerWithLeads(n int) *stubProvider {
	p := &stubProvider{status: scoutly.ScrapeStatus{Status: "idle"}}
	for i := 0; i < n; i++ {
		p.leads = append(p.leads, scoutly.Lead{
			"source_post_id": fmt.Sprintf("t3_%04d", i),
			"title":          "need a tool",
			"content":        "any recommendations?",
			"author":         "founder9",
			"total_score":    0.7,
		})
	}
	return p
}

func TestRun_HappyPath(t *testing.T) {
	h := newHarness(t, providerWithLeads(12), 0)
	ctx := context.Background()

	req := Request{OwnerID: "owner-1", SearchID: h.search.ID}
	job, err := h.gen.Enqueue(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, job.Status)

	h.gen.Run(ctx, job.ID, req)

	rec, err := h.ledger.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, rec.Status)
	assert.Equal(t, 100, rec.Progress)
	require.NotNil(t, rec.Result)
	assert.Equal(t, 12, rec.Result.Created)
	assert.Equal(t, 0, rec.Result.Skipped)
	assert.Empty(t, rec.Result.AdvisoryMessage)
	assert.Equal(t, 1, h.provider.triggerCalls)

	opps, err := h.store.ListOpportunities(ctx, "owner-1", store.OpportunityFilter{})
	require.NoError(t, err)
	assert.Len(t, opps, 12)
}

func TestRun_SecondRunSkipsDuplicates(t *testing.T) {
	h := newHarness(t, providerWithLeads(10), 0)
	ctx := context.Background()

	req := Request{OwnerID: "owner-1", SearchID: h.search.ID, Force: true}
	_, err := h.gen.Generate(ctx, req)
	require.NoError(t, err)

	result, err := h.gen.Generate(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Created)
	assert.Equal(t, 10, result.Skipped)
}

func TestRun_QuotaExceededBeforeAnyUpstreamCall(t *testing.T) {
	provider := providerWithLeads(5)
	h := newHarness(t, provider, 10)
	ctx := context.Background()

	checker := quota.New(h.store, 10)
	require.NoError(t, checker.Record(ctx, "owner-1", 10))

	req := Request{OwnerID: "owner-1", SearchID: h.search.ID}
	job, err := h.gen.Enqueue(ctx, req)
	require.NoError(t, err)

	h.gen.Run(ctx, job.ID, req)

	rec, err := h.ledger.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, rec.Status)
	assert.Contains(t, rec.Error, "monthly limit reached")
	// The rejected run must not have touched the provider at all.
	assert.Equal(t, 0, provider.anyCalls)
}

func TestRun_LimitCapsCreation(t *testing.T) {
	h := newHarness(t, providerWithLeads(30), 0)
	ctx := context.Background()

	result, err := h.gen.Generate(ctx, Request{OwnerID: "owner-1", SearchID: h.search.ID, Limit: 7})
	require.NoError(t, err)
	assert.Equal(t, 7, result.Created)
	assert.Len(t, result.Opportunities, 7)
	// Leads the limit left behind are not duplicates.
	assert.Equal(t, 0, result.Skipped)
	assert.Equal(t, 23, result.Withheld)
	assert.Contains(t, result.Message, "(0 duplicates skipped)")
	assert.Contains(t, result.Message, "23 leads withheld by the run limit")
}

func TestRun_CooldownAdvisorySurfacesOnSuccess(t *testing.T) {
	provider := providerWithLeads(3)
	lastRun := time.Now().Add(-2 * time.Minute)
	minutes := 2.0
	provider.status = scoutly.ScrapeStatus{Status: "idle", LastScrapeAt: &lastRun, TimeSinceLastMinutes: &minutes}

	h := newHarness(t, provider, 0)
	ctx := context.Background()

	result, err := h.gen.Generate(ctx, Request{OwnerID: "owner-1", SearchID: h.search.ID})
	require.NoError(t, err)
	assert.Equal(t, 3, result.Created)
	assert.Contains(t, result.AdvisoryMessage, "serving existing leads")
	assert.Equal(t, 0, provider.triggerCalls)
}

func TestRun_FetchExhaustionFailsJobVerbatim(t *testing.T) {
	provider := providerWithLeads(0)
	provider.listErr = fmt.Errorf("scoutly: HTTP 502: bad gateway")

	h := newHarness(t, provider, 0)
	ctx := context.Background()

	req := Request{OwnerID: "owner-1", SearchID: h.search.ID}
	job, err := h.gen.Enqueue(ctx, req)
	require.NoError(t, err)

	h.gen.Run(ctx, job.ID, req)

	rec, err := h.ledger.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, rec.Status)
	assert.Contains(t, rec.Error, "scoutly: HTTP 502: bad gateway")
}

func TestGenerate_RecordsUsage(t *testing.T) {
	h := newHarness(t, providerWithLeads(4), 100)
	ctx := context.Background()

	_, err := h.gen.Generate(ctx, Request{OwnerID: "owner-1", SearchID: h.search.ID})
	require.NoError(t, err)

	count, err := h.store.UsageCount(ctx, "owner-1", quota.MetricOpportunities, quota.PeriodStart(time.Now()))
	require.NoError(t, err)
	assert.Equal(t, 4, count)
}

func TestGenerate_DisabledSearch(t *testing.T) {
	h := newHarness(t, providerWithLeads(3), 0)
	ctx := context.Background()

	off := &model.Search{
		OwnerID:  "owner-1",
		Name:     "paused",
		Keywords: []string{"recommendation"},
		Enabled:  false,
		Mode:     model.ScrapingModeScheduled,
	}
	require.NoError(t, h.store.CreateSearch(ctx, off))

	_, err := h.gen.Generate(ctx, Request{OwnerID: "owner-1", SearchID: off.ID})
	require.ErrorIs(t, err, ErrSearchDisabled)
	assert.Equal(t, 0, h.provider.anyCalls)
}

func TestGenerate_UnknownSearch(t *testing.T) {
	h := newHarness(t, providerWithLeads(1), 0)

	_, err := h.gen.Generate(context.Background(), Request{OwnerID: "owner-1", SearchID: "nope"})
	require.ErrorIs(t, err, store.ErrSearchNotFound)
}
