package scoutly

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// PollConfig bounds a scrape-completion poll loop.
type PollConfig struct {
	// Interval between status checks.
	Interval time.Duration
	// Timeout caps the whole wait. Hitting it is not an error: the provider
	// keeps scraping server-side and leads already persisted remain usable,
	// so the caller proceeds with whatever arrived.
	Timeout time.Duration
}

// DefaultPollConfig matches the provider's typical scrape duration.
func DefaultPollConfig() PollConfig {
	return PollConfig{
		Interval: 5 * time.Second,
		Timeout:  120 * time.Second,
	}
}

// WaitForScrape polls the search status until the run reaches a terminal
// state or the poll window closes. It returns the last observed status in
// both cases; only transport-level failures and context cancellation return
// an error.
func WaitForScrape(ctx context.Context, client Client, searchID string, cfg PollConfig) (*ScrapeStatus, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}

	deadline := time.Now().Add(cfg.Timeout)
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	var last *ScrapeStatus
	for {
		status, err := client.GetStatus(ctx, searchID)
		if err != nil {
			return last, eris.Wrap(err, "scoutly: poll scrape status")
		}
		last = status

		if status.Terminal() {
			return status, nil
		}
		if time.Now().After(deadline) {
			zap.L().Warn("scrape poll window closed before run finished",
				zap.String("search_id", searchID),
				zap.String("status", status.Status),
				zap.Duration("timeout", cfg.Timeout))
			return status, nil
		}

		select {
		case <-ctx.Done():
			return last, eris.Wrap(ctx.Err(), "scoutly: poll scrape status")
		case <-ticker.C:
		}
	}
}
