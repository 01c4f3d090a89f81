// Package leads turns raw provider leads into deduplicated opportunities:
// full-page fetching, schema-flexible field resolution, and the split of a
// fetched batch into new versus already-seen records.
package leads

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/prospect-labs/prospectd/internal/config"
	"github.com/prospect-labs/prospectd/internal/resilience"
	"github.com/prospect-labs/prospectd/pkg/scoutly"
)

// Fetcher retrieves the complete lead set for a search from the provider.
type Fetcher struct {
	client   scoutly.Client
	pageSize int
	retry    resilience.RetryConfig
	breaker  *resilience.CircuitBreaker
}

func NewFetcher(client scoutly.Client, cfg config.UpstreamConfig) *Fetcher {
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 500
	}

	retry := resilience.FixedRetryConfig(cfg.FetchAttempts, cfg.FetchRetryDelay())
	// The provider intermittently 500s mid-listing; anything short of a
	// context cancellation or an open breaker is worth another pass.
	retry.ShouldRetry = func(err error) bool {
		return !eris.Is(err, resilience.ErrCircuitOpen)
	}
	retry.OnRetry = resilience.RetryLogger("scoutly", "fetch leads")

	return &Fetcher{
		client:   client,
		pageSize: pageSize,
		retry:    retry,
		breaker:  resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig()),
	}
}

// FetchAll pages through every lead for the upstream search. Pagination
// offsets are not stable across concurrent provider writes, so a mid-listing
// failure restarts the whole listing rather than resuming from the failed
// offset.
func (f *Fetcher) FetchAll(ctx context.Context, upstreamID string) ([]scoutly.Lead, error) {
	leads, err := resilience.DoVal(ctx, f.retry, func(ctx context.Context) ([]scoutly.Lead, error) {
		return resilience.ExecuteVal(ctx, f.breaker, func(ctx context.Context) ([]scoutly.Lead, error) {
			return f.fetchPages(ctx, upstreamID)
		})
	})
	if err != nil {
		return nil, eris.Wrapf(err, "leads: fetch all for upstream search %s", upstreamID)
	}
	zap.L().Debug("fetched leads",
		zap.String("upstream_id", upstreamID),
		zap.Int("count", len(leads)))
	return leads, nil
}

// classify marks retryable provider responses as transient so the circuit
// breaker counts them, while 4xx rejections stay permanent.
func classify(err error) error {
	var apiErr *scoutly.APIError
	if eris.As(err, &apiErr) && resilience.IsTransientHTTPStatus(apiErr.StatusCode) {
		return resilience.NewTransientError(err, apiErr.StatusCode)
	}
	return err
}

func (f *Fetcher) fetchPages(ctx context.Context, upstreamID string) ([]scoutly.Lead, error) {
	var all []scoutly.Lead
	for offset := 0; ; offset += f.pageSize {
		page, err := f.client.ListLeads(ctx, upstreamID, f.pageSize, offset)
		if err != nil {
			return nil, classify(err)
		}
		all = append(all, page.Items...)

		// A short page is the only end-of-listing signal. The has_more
		// field is advisory and not all provider deployments send it; a
		// zero value on a full page must not stop the listing early.
		if len(page.Items) < f.pageSize {
			return all, nil
		}
	}
}
