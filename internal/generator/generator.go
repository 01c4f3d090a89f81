// Package generator runs the end-to-end opportunity pipeline for one search:
// quota check, scrape refresh, lead fetch, dedup, conversion, and persist,
// with progress surfaced through the job ledger at each phase boundary.
package generator

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/prospect-labs/prospectd/internal/config"
	"github.com/prospect-labs/prospectd/internal/coordinator"
	"github.com/prospect-labs/prospectd/internal/leads"
	"github.com/prospect-labs/prospectd/internal/ledger"
	"github.com/prospect-labs/prospectd/internal/model"
	"github.com/prospect-labs/prospectd/internal/notify"
	"github.com/prospect-labs/prospectd/internal/quota"
	"github.com/prospect-labs/prospectd/internal/store"
)

// ErrSearchDisabled rejects runs against a search the owner has switched off.
// Disabled searches keep their stored opportunities but accept no new runs.
var ErrSearchDisabled = eris.New("generator: search is disabled")

// Progress checkpoints reported to the ledger. Consumers poll the job record,
// so each phase boundary writes a coarse percentage rather than a live count.
const (
	progressStarted   = 10
	progressScraped   = 50
	progressConverted = 90
	progressDone      = 100
)

// Request identifies one generation run.
type Request struct {
	OwnerID  string
	SearchID string
	// Limit caps how many new opportunities this run may create. Zero means
	// the configured default.
	Limit int
	// Force bypasses the scrape-freshness check.
	Force bool
}

// Generator orchestrates generation runs.
type Generator struct {
	store     store.Store
	ledger    ledger.Ledger
	coord     *coordinator.Coordinator
	fetcher   *leads.Fetcher
	converter *leads.Converter
	quota     *quota.Checker
	notifier  notify.Dispatcher

	defaultLimit int
	jobTimeout   time.Duration
}

func New(
	st store.Store,
	led ledger.Ledger,
	coord *coordinator.Coordinator,
	fetcher *leads.Fetcher,
	converter *leads.Converter,
	checker *quota.Checker,
	notifier notify.Dispatcher,
	cfg config.GenerateConfig,
) *Generator {
	defaultLimit := cfg.DefaultLimit
	if defaultLimit <= 0 {
		defaultLimit = 100
	}
	jobTimeout := time.Duration(cfg.JobTimeoutSecs) * time.Second
	if jobTimeout <= 0 {
		jobTimeout = 10 * time.Minute
	}
	return &Generator{
		store:        st,
		ledger:       led,
		coord:        coord,
		fetcher:      fetcher,
		converter:    converter,
		quota:        checker,
		notifier:     notifier,
		defaultLimit: defaultLimit,
		jobTimeout:   jobTimeout,
	}
}

// Enqueue registers a pending job for the request and returns its record.
// The caller is expected to hand the job id to Run on a background goroutine.
func (g *Generator) Enqueue(ctx context.Context, req Request) (*model.JobRecord, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = g.defaultLimit
	}
	return g.ledger.Create(ctx, req.OwnerID, req.SearchID, limit)
}

// Run executes the generation pipeline for an enqueued job, recording every
// outcome in the ledger. It never returns an error: failures become the
// job's terminal Failed state.
func (g *Generator) Run(ctx context.Context, jobID string, req Request) {
	ctx, cancel := context.WithTimeout(ctx, g.jobTimeout)
	defer cancel()

	log := zap.L().With(
		zap.String("job_id", jobID),
		zap.String("owner_id", req.OwnerID),
		zap.String("search_id", req.SearchID),
	)

	result, err := g.generate(ctx, jobID, req)
	if err != nil {
		log.Error("generation failed", zap.Error(err))
		g.update(jobID, model.JobUpdate{
			Status:   model.StatusPtr(model.JobStatusFailed),
			Message:  model.StrPtr("generation failed"),
			Error:    model.StrPtr(err.Error()),
			Progress: model.IntPtr(progressDone),
		})
		g.notifier.Dispatch(context.WithoutCancel(ctx), notify.Event{
			Type:     notify.EventGenerationFailed,
			OwnerID:  req.OwnerID,
			SearchID: req.SearchID,
			JobID:    jobID,
			Message:  err.Error(),
		})
		return
	}

	log.Info("generation completed",
		zap.Int("created", result.Created),
		zap.Int("skipped", result.Skipped))
	g.update(jobID, model.JobUpdate{
		Status:   model.StatusPtr(model.JobStatusCompleted),
		Progress: model.IntPtr(progressDone),
		Message:  model.StrPtr(result.Message),
		Result:   result,
	})
	g.notifier.Dispatch(context.WithoutCancel(ctx), notify.Event{
		Type:     notify.EventOpportunitiesReady,
		OwnerID:  req.OwnerID,
		SearchID: req.SearchID,
		JobID:    jobID,
		Message:  result.Message,
		Details: map[string]any{
			"created": result.Created,
			"skipped": result.Skipped,
		},
	})
}

// Generate runs the pipeline synchronously without a ledger job. Used by the
// CLI path where the caller waits for the result.
func (g *Generator) Generate(ctx context.Context, req Request) (*model.GenerationResult, error) {
	return g.generate(ctx, "", req)
}

func (g *Generator) generate(ctx context.Context, jobID string, req Request) (*model.GenerationResult, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = g.defaultLimit
	}

	// The quota gate runs before any upstream call so a rejected run costs
	// no provider traffic.
	if err := g.quota.Check(ctx, req.OwnerID); err != nil {
		return nil, err
	}

	sr, err := g.store.GetSearch(ctx, req.OwnerID, req.SearchID)
	if err != nil {
		return nil, err
	}
	if !sr.Enabled {
		return nil, ErrSearchDisabled
	}

	g.progress(jobID, progressStarted, "refreshing leads")
	outcome, err := g.coord.Refresh(ctx, sr, req.Force)
	if err != nil {
		return nil, err
	}

	g.progress(jobID, progressScraped, "fetching leads")
	fetched, err := g.fetcher.FetchAll(ctx, sr.UpstreamID)
	if err != nil {
		return nil, err
	}

	plan, err := leads.PlanDedup(ctx, g.store, g.converter, req.OwnerID, fetched)
	if err != nil {
		return nil, err
	}

	g.progress(jobID, progressConverted, "converting leads")
	candidates := make([]model.Opportunity, 0, min(len(plan.New), limit))
	for _, lead := range plan.New {
		if len(candidates) >= limit {
			break
		}
		opp, err := g.converter.Convert(lead, req.OwnerID, req.SearchID)
		if err != nil {
			// Leads without an id were already dropped by the plan; anything
			// else here is a conversion bug worth surfacing in logs.
			zap.L().Warn("lead conversion failed", zap.Error(err))
			continue
		}
		candidates = append(candidates, opp)
	}

	created, err := g.store.InsertOpportunities(ctx, candidates)
	if err != nil {
		return nil, err
	}
	if err := g.quota.Record(ctx, req.OwnerID, created); err != nil {
		return nil, err
	}

	inserted := candidates
	if created < len(candidates) {
		// Some candidates lost the insert race to a concurrent run; re-read
		// what this search actually has rather than guessing which landed.
		inserted, err = g.store.ListOpportunities(ctx, req.OwnerID, store.OpportunityFilter{
			SearchID: req.SearchID,
			Limit:    limit,
		})
		if err != nil {
			return nil, err
		}
	}

	// Duplicates are the leads skipped by the plan plus any candidates that
	// lost the insert race. Leads the run limit withheld are not duplicates
	// and stay eligible for the next run.
	duplicates := plan.SkippedExisting + (len(candidates) - created)
	withheld := 0
	if len(plan.New) > limit {
		withheld = len(plan.New) - limit
	}

	msg := fmt.Sprintf("generated %d new opportunities (%d duplicates skipped)", created, duplicates)
	if plan.SkippedNoID > 0 {
		msg += fmt.Sprintf(", %d leads without an id dropped", plan.SkippedNoID)
	}
	if withheld > 0 {
		msg += fmt.Sprintf(", %d leads withheld by the run limit", withheld)
	}

	result := &model.GenerationResult{
		Created:         created,
		Skipped:         duplicates + plan.SkippedNoID,
		Withheld:        withheld,
		Opportunities:   inserted,
		Message:         msg,
		AdvisoryMessage: outcome.Advisory,
	}
	return result, nil
}

// progress writes a checkpoint to the ledger. Ledger write failures must not
// abort a run that is otherwise making progress.
func (g *Generator) progress(jobID string, pct int, msg string) {
	if jobID == "" {
		return
	}
	g.update(jobID, model.JobUpdate{
		Status:   model.StatusPtr(model.JobStatusProcessing),
		Progress: model.IntPtr(pct),
		Message:  model.StrPtr(msg),
	})
}

func (g *Generator) update(jobID string, patch model.JobUpdate) {
	if jobID == "" {
		return
	}
	// Detached context: job state writes should survive the run's own
	// cancellation so the terminal status is still recorded.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.ledger.Update(ctx, jobID, patch); err != nil && !eris.Is(err, ledger.ErrJobNotFound) {
		zap.L().Warn("ledger update failed",
			zap.String("job_id", jobID),
			zap.Error(err))
	}
}
