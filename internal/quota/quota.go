// Package quota enforces per-owner monthly generation limits.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"

	"github.com/prospect-labs/prospectd/internal/store"
)

// MetricOpportunities counts opportunities created per owner per month.
const MetricOpportunities = "opportunities_generated"

// ExceededError reports a quota rejection with the numbers behind it.
type ExceededError struct {
	Metric  string
	Current int
	Limit   int
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota: monthly limit reached for %s (%d/%d)", e.Metric, e.Current, e.Limit)
}

// PeriodStart truncates t to the first instant of its UTC month. Usage rows
// key on this value, so all counters within a month share one row per owner.
func PeriodStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// Checker reads and records usage against a fixed monthly limit.
// A limit of zero or less means unlimited.
type Checker struct {
	store store.Store
	limit int
	now   func() time.Time
}

func New(st store.Store, limit int) *Checker {
	return &Checker{store: st, limit: limit, now: time.Now}
}

// Check returns *ExceededError when the owner's usage for the current month
// has reached the limit. It is called before any upstream work starts, so a
// rejected run costs nothing.
func (c *Checker) Check(ctx context.Context, ownerID string) error {
	if c.limit <= 0 {
		return nil
	}
	current, err := c.store.UsageCount(ctx, ownerID, MetricOpportunities, PeriodStart(c.now()))
	if err != nil {
		return eris.Wrap(err, "quota: read usage")
	}
	if current >= c.limit {
		return &ExceededError{Metric: MetricOpportunities, Current: current, Limit: c.limit}
	}
	return nil
}

// Remaining reports how many opportunities the owner may still create this
// month. Unlimited checkers return -1.
func (c *Checker) Remaining(ctx context.Context, ownerID string) (int, error) {
	if c.limit <= 0 {
		return -1, nil
	}
	current, err := c.store.UsageCount(ctx, ownerID, MetricOpportunities, PeriodStart(c.now()))
	if err != nil {
		return 0, eris.Wrap(err, "quota: read usage")
	}
	return max(c.limit-current, 0), nil
}

// Record adds n to the owner's usage for the current month.
func (c *Checker) Record(ctx context.Context, ownerID string, n int) error {
	if n <= 0 {
		return nil
	}
	err := c.store.IncrementUsage(ctx, ownerID, MetricOpportunities, PeriodStart(c.now()), n)
	return eris.Wrap(err, "quota: record usage")
}
