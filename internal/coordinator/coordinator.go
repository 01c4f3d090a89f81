// Package coordinator mediates between local searches and the Scoutly
// provider: it keeps the remote search record alive, decides when a fresh
// scrape is warranted, and rides out the provider's cooldown and concurrency
// rejections without failing the surrounding run.
package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/prospect-labs/prospectd/internal/config"
	"github.com/prospect-labs/prospectd/internal/model"
	"github.com/prospect-labs/prospectd/internal/store"
	"github.com/prospect-labs/prospectd/pkg/scoutly"
)

// Decision is the outcome of the refresh policy for one search.
type Decision int

const (
	// DecisionSkipFresh: the last scrape is recent enough to reuse.
	DecisionSkipFresh Decision = iota
	// DecisionWait: a scrape is already running; wait for it instead of
	// triggering another.
	DecisionWait
	// DecisionTrigger: request a new scrape run.
	DecisionTrigger
)

// Outcome reports what one refresh actually did.
type Outcome struct {
	// Triggered is true when a new scrape run was started by this call.
	Triggered bool
	// Waited is true when the call blocked on a run (its own or a
	// pre-existing one) before returning.
	Waited bool
	// Advisory carries a human-readable note when the provider declined a
	// trigger but existing leads remain serviceable. Empty on a clean run.
	Advisory string
}

// Coordinator drives scrape runs for linked searches.
type Coordinator struct {
	store    store.Store
	client   scoutly.Client
	cooldown time.Duration
	poll     scoutly.PollConfig
	now      func() time.Time
}

func New(st store.Store, client scoutly.Client, cfg config.UpstreamConfig) *Coordinator {
	return &Coordinator{
		store:    st,
		client:   client,
		cooldown: time.Duration(cfg.CooldownMinutes) * time.Minute,
		poll: scoutly.PollConfig{
			Interval: time.Duration(cfg.PollIntervalSecs) * time.Second,
			Timeout:  time.Duration(cfg.PollTimeoutSecs) * time.Second,
		},
		now: time.Now,
	}
}

// EnsureSearch guarantees the search has a live provider-side record,
// creating or recreating it as needed. The search's UpstreamID is updated in
// the store and on the passed struct; a replaced link keeps the previous id
// in StaleUpstreamID.
func (c *Coordinator) EnsureSearch(ctx context.Context, sr *model.Search) error {
	if sr.UpstreamID != "" {
		_, err := c.client.GetSearch(ctx, sr.UpstreamID)
		if err == nil {
			return nil
		}
		if !eris.Is(err, scoutly.ErrSearchNotFound) {
			return eris.Wrapf(err, "coordinator: verify upstream search %s", sr.UpstreamID)
		}
		// The remote record was deleted out from under us. Recreate it and
		// let the store keep the old id for cross-reference.
		zap.L().Warn("upstream search record missing, recreating",
			zap.String("search_id", sr.ID),
			zap.String("stale_upstream_id", sr.UpstreamID))
	}

	created, err := c.client.CreateSearch(ctx, upstreamConfigFor(sr))
	if err != nil {
		return eris.Wrapf(err, "coordinator: create upstream search for %s", sr.ID)
	}
	if err := c.store.SetSearchUpstreamID(ctx, sr.ID, created.ID); err != nil {
		return err
	}
	if sr.UpstreamID != "" && sr.UpstreamID != created.ID {
		sr.StaleUpstreamID = sr.UpstreamID
	}
	sr.UpstreamID = created.ID
	return nil
}

// DecideRefresh applies the refresh policy to an observed scrape status.
// hasLeads reports whether the provider already holds leads for the search;
// it only matters inside the cooldown window, where existing leads are served
// as-is but an empty result set justifies a best-effort trigger.
func (c *Coordinator) DecideRefresh(status *scoutly.ScrapeStatus, force, hasLeads bool) Decision {
	if force {
		return DecisionTrigger
	}
	if status.Running() {
		return DecisionWait
	}
	if status.LastScrapeAt == nil {
		// Never scraped; nothing to reuse.
		return DecisionTrigger
	}
	if c.withinCooldown(status) {
		if hasLeads {
			return DecisionSkipFresh
		}
		// The last run produced nothing to serve; trying again beats
		// returning an empty result, even if the provider declines.
		return DecisionTrigger
	}
	return DecisionTrigger
}

func (c *Coordinator) withinCooldown(status *scoutly.ScrapeStatus) bool {
	return status.TimeSinceLastMinutes != nil &&
		time.Duration(*status.TimeSinceLastMinutes*float64(time.Minute)) < c.cooldown
}

// Refresh makes sure the search has reasonably fresh leads upstream. It
// never fails on the provider's soft rejections: cooldown and
// already-running conflicts degrade to an advisory on a successful outcome.
func (c *Coordinator) Refresh(ctx context.Context, sr *model.Search, force bool) (*Outcome, error) {
	if err := c.EnsureSearch(ctx, sr); err != nil {
		return nil, err
	}

	status, err := c.client.GetStatus(ctx, sr.UpstreamID)
	if err != nil {
		return nil, eris.Wrapf(err, "coordinator: status for search %s", sr.ID)
	}

	// Only the cooldown branch cares whether leads exist; probe just then.
	hasLeads := false
	if !force && !status.Running() && status.LastScrapeAt != nil && c.withinCooldown(status) {
		page, err := c.client.ListLeads(ctx, sr.UpstreamID, 1, 0)
		if err != nil {
			zap.L().Warn("lead presence probe failed, treating as empty",
				zap.String("search_id", sr.ID),
				zap.Error(err))
		} else {
			hasLeads = page.Total > 0 || len(page.Items) > 0
		}
	}

	switch c.DecideRefresh(status, force, hasLeads) {
	case DecisionSkipFresh:
		return &Outcome{
			Advisory: fmt.Sprintf("last scrape ran %.0f minutes ago; serving existing leads", *status.TimeSinceLastMinutes),
		}, nil

	case DecisionWait:
		if err := c.awaitCompletion(ctx, sr); err != nil {
			return nil, err
		}
		return &Outcome{
			Waited:   true,
			Advisory: "a scrape was already in progress; joined the running scrape",
		}, nil
	}

	return c.trigger(ctx, sr)
}

// trigger requests a new run and waits for it, mapping the provider's
// conflict responses onto non-fatal outcomes.
func (c *Coordinator) trigger(ctx context.Context, sr *model.Search) (*Outcome, error) {
	err := c.client.TriggerScrape(ctx, sr.UpstreamID)
	if err == nil {
		if err := c.awaitCompletion(ctx, sr); err != nil {
			return nil, err
		}
		if err := c.store.TouchSearchLastRun(ctx, sr.ID, c.now()); err != nil {
			return nil, err
		}
		return &Outcome{Triggered: true, Waited: true}, nil
	}

	var conflict *scoutly.ConflictError
	if !eris.As(err, &conflict) {
		return nil, eris.Wrapf(err, "coordinator: trigger scrape for search %s", sr.ID)
	}

	// Raced another trigger or hit the cooldown window between the status
	// read and the trigger call. Both are benign.
	switch conflict.Kind {
	case scoutly.ConflictAlreadyRunning:
		if err := c.awaitCompletion(ctx, sr); err != nil {
			return nil, err
		}
		return &Outcome{
			Waited:   true,
			Advisory: "a scrape was already in progress; joined the running scrape",
		}, nil
	default:
		zap.L().Info("scrape trigger declined by cooldown",
			zap.String("search_id", sr.ID),
			zap.String("reason", conflict.Reason))
		return &Outcome{
			Advisory: "scrape cooldown is active; serving existing leads",
		}, nil
	}
}

func (c *Coordinator) awaitCompletion(ctx context.Context, sr *model.Search) error {
	status, err := scoutly.WaitForScrape(ctx, c.client, sr.UpstreamID, c.poll)
	if err != nil {
		return eris.Wrapf(err, "coordinator: wait for scrape of search %s", sr.ID)
	}
	if status != nil && status.Status == "failed" {
		// The run failing upstream does not invalidate leads from earlier
		// runs; log it and move on.
		zap.L().Warn("upstream scrape run failed",
			zap.String("search_id", sr.ID),
			zap.String("error", status.Error))
	}
	return nil
}

// upstreamConfigFor maps a local search onto the provider's search config.
func upstreamConfigFor(sr *model.Search) scoutly.SearchConfig {
	platforms := sr.Platforms
	if len(platforms) == 0 {
		platforms = []string{"reddit"}
	}
	return scoutly.SearchConfig{
		Name:      sr.Name,
		Keywords:  sr.Keywords,
		Patterns:  sr.Patterns,
		Platforms: platforms,
		RedditConfig: scoutly.RedditConfig{
			Subreddits:      sr.Subreddits,
			Limit:           100,
			IncludeComments: true,
			Sort:            "new",
			TimeFilter:      "week",
		},
		ScrapingMode: string(sr.Mode),
		Enabled:      sr.Enabled,
	}
}
