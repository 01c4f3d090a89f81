// Package refresh runs the periodic lead sweep over all active searches: it
// pulls whatever the provider has already scraped, persists the leads not
// seen before, and tells owners about new arrivals. It never triggers
// scrapes itself; scheduled searches are scraped on the provider's cadence.
package refresh

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/prospect-labs/prospectd/internal/config"
	"github.com/prospect-labs/prospectd/internal/leads"
	"github.com/prospect-labs/prospectd/internal/model"
	"github.com/prospect-labs/prospectd/internal/notify"
	"github.com/prospect-labs/prospectd/internal/store"
)

// Summary reports the outcome of one refresh pass.
type Summary struct {
	Total   int // active searches visited
	Updated int // searches that produced at least one new opportunity
	Created int // opportunities created across the pass
	Failed  int // searches that errored and were skipped
}

// Refresher sweeps every enabled scheduled search. Per-search failures are
// logged and counted, never fatal to the pass: one broken search must not
// starve the rest.
type Refresher struct {
	store       store.Store
	fetcher     *leads.Fetcher
	converter   *leads.Converter
	notifier    notify.Dispatcher
	concurrency int
}

func New(st store.Store, fetcher *leads.Fetcher, converter *leads.Converter, notifier notify.Dispatcher, cfg config.RefreshConfig) *Refresher {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Refresher{
		store:       st,
		fetcher:     fetcher,
		converter:   converter,
		notifier:    notifier,
		concurrency: concurrency,
	}
}

// Run sweeps all active searches with bounded concurrency.
func (r *Refresher) Run(ctx context.Context) (*Summary, error) {
	searches, err := r.store.ListActiveSearches(ctx)
	if err != nil {
		return nil, err
	}

	var updated, created, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i := range searches {
		i := i
		g.Go(func() error {
			sr := &searches[i]
			n, err := r.refreshOne(gctx, sr)
			if err != nil {
				zap.L().Error("search refresh failed",
					zap.String("search_id", sr.ID),
					zap.String("owner_id", sr.OwnerID),
					zap.Error(err))
				failed.Add(1)
				return nil
			}
			if n > 0 {
				updated.Add(1)
				created.Add(int64(n))
			}
			return nil
		})
	}
	// Workers swallow their own errors; Wait only observes ctx cancellation.
	if err := g.Wait(); err != nil {
		return nil, err
	}

	summary := &Summary{
		Total:   len(searches),
		Updated: int(updated.Load()),
		Created: int(created.Load()),
		Failed:  int(failed.Load()),
	}
	zap.L().Info("refresh pass finished",
		zap.Int("total", summary.Total),
		zap.Int("updated", summary.Updated),
		zap.Int("created", summary.Created),
		zap.Int("failed", summary.Failed))
	return summary, nil
}

// refreshOne pulls the search's current leads and persists the new ones,
// returning how many opportunities were created.
func (r *Refresher) refreshOne(ctx context.Context, sr *model.Search) (int, error) {
	fetched, err := r.fetcher.FetchAll(ctx, sr.UpstreamID)
	if err != nil {
		return 0, err
	}

	plan, err := leads.PlanDedup(ctx, r.store, r.converter, sr.OwnerID, fetched)
	if err != nil {
		return 0, err
	}
	if len(plan.New) == 0 {
		return 0, nil
	}

	opps := make([]model.Opportunity, 0, len(plan.New))
	for _, lead := range plan.New {
		opp, err := r.converter.Convert(lead, sr.OwnerID, sr.ID)
		if err != nil {
			continue
		}
		opps = append(opps, opp)
	}

	created, err := r.store.InsertOpportunities(ctx, opps)
	if err != nil {
		return 0, err
	}
	if err := r.store.TouchSearchLastRun(ctx, sr.ID, time.Now().UTC()); err != nil {
		return created, err
	}

	if created > 0 {
		r.notifier.Dispatch(ctx, notify.Event{
			Type:      notify.EventLeadsRefreshed,
			OwnerID:   sr.OwnerID,
			SearchID:  sr.ID,
			Message:   fmt.Sprintf("%d new leads found for %q", created, sr.Name),
			Details:   map[string]any{"created": created},
			Timestamp: time.Now().UTC(),
		})
	}
	return created, nil
}
