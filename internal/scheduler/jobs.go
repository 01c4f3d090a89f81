package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/prospect-labs/prospectd/internal/ledger"
	"github.com/prospect-labs/prospectd/internal/quota"
	"github.com/prospect-labs/prospectd/internal/refresh"
	"github.com/prospect-labs/prospectd/internal/store"
)

// deletedSearchRetention is how long soft-deleted searches are kept before
// permanent removal.
const deletedSearchRetention = 30 * 24 * time.Hour

// usageRetention keeps a year of closed usage periods for reporting.
const usageRetention = 12

// StandardJobs returns the daemon's maintenance job table.
func StandardJobs(st store.Store, lg ledger.Ledger, refresher *refresh.Refresher) []Job {
	return []Job{
		{
			// Sweep scheduled searches for new upstream leads.
			Name: "refresh_leads",
			When: func(hour, minute, _ int) bool { return hour%6 == 0 && minute == 0 },
			Run: func(ctx context.Context) error {
				summary, err := refresher.Run(ctx)
				if err != nil {
					return err
				}
				zap.L().Info("lead refresh pass finished",
					zap.Int("total", summary.Total),
					zap.Int("updated", summary.Updated),
					zap.Int("created", summary.Created),
					zap.Int("failed", summary.Failed))
				return nil
			},
		},
		{
			Name: "cleanup_old_searches",
			When: func(hour, minute, _ int) bool { return hour == 2 && minute == 5 },
			Run: func(ctx context.Context) error {
				cutoff := time.Now().UTC().Add(-deletedSearchRetention)
				n, err := st.DeleteSoftDeletedSearches(ctx, cutoff)
				if err != nil {
					return err
				}
				if n > 0 {
					zap.L().Info("removed soft-deleted searches", zap.Int("count", n))
				}
				return nil
			},
		},
		{
			Name: "purge_expired_jobs",
			When: func(hour, minute, _ int) bool { return hour == 1 && minute == 0 },
			Run: func(ctx context.Context) error {
				n, err := lg.PurgeExpired(ctx)
				if err != nil {
					return err
				}
				if n > 0 {
					zap.L().Info("purged expired job records", zap.Int("count", n))
				}
				return nil
			},
		},
		{
			Name: "purge_expired_usage",
			When: func(hour, minute, _ int) bool { return hour == 0 && minute == 0 },
			Run: func(ctx context.Context) error {
				cutoff := quota.PeriodStart(time.Now().UTC().AddDate(0, -usageRetention, 0))
				n, err := st.PurgeExpiredUsage(ctx, cutoff)
				if err != nil {
					return err
				}
				if n > 0 {
					zap.L().Info("purged expired usage rows", zap.Int("count", n))
				}
				return nil
			},
		},
		{
			Name: "monthly_compact",
			When: func(hour, minute, day int) bool { return day == 1 && hour == 0 && minute == 1 },
			Run:  func(ctx context.Context) error { return st.Compact(ctx) },
		},
	}
}
