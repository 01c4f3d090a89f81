package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prospect-labs/prospectd/internal/config"
)

func testConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		TickSecs:            60,
		MaxConcurrentJobs:   5,
		ShutdownTimeoutSecs: 2,
	}
}

func TestSubmit_SkipsWhenInFlight(t *testing.T) {
	s := New(testConfig())

	release := make(chan struct{})
	started := make(chan struct{})
	job := Job{
		Name: "slow",
		Run: func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		},
	}

	require.True(t, s.Submit(context.Background(), job))
	<-started

	// Same name while running: skipped.
	assert.False(t, s.Submit(context.Background(), job))

	// Different name is unaffected.
	ran := make(chan struct{})
	other := Job{Name: "other", Run: func(ctx context.Context) error {
		close(ran)
		return nil
	}}
	require.True(t, s.Submit(context.Background(), other))
	<-ran

	close(release)
	s.wg.Wait()

	// Once finished the name is free again.
	rerun := make(chan struct{})
	job.Run = func(ctx context.Context) error {
		close(rerun)
		return nil
	}
	require.True(t, s.Submit(context.Background(), job))
	<-rerun
	s.wg.Wait()
}

func TestSubmit_BoundedConcurrency(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentJobs = 2
	s := New(cfg)

	var inflight, maxSeen atomic.Int64
	run := func(ctx context.Context) error {
		cur := inflight.Add(1)
		for {
			prev := maxSeen.Load()
			if cur <= prev || maxSeen.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inflight.Add(-1)
		return nil
	}

	for _, name := range []string{"a", "b", "c", "d", "e"} {
		require.True(t, s.Submit(context.Background(), Job{Name: name, Run: run}))
	}
	s.wg.Wait()

	assert.LessOrEqual(t, maxSeen.Load(), int64(2))
}

func TestRunOne_RecoversPanic(t *testing.T) {
	s := New(testConfig())

	panicked := Job{Name: "boom", Run: func(ctx context.Context) error {
		panic("unexpected nil")
	}}
	require.True(t, s.Submit(context.Background(), panicked))
	s.wg.Wait()

	// The pool and the in-flight map survive the panic.
	ran := make(chan struct{})
	require.True(t, s.Submit(context.Background(), Job{Name: "boom", Run: func(ctx context.Context) error {
		close(ran)
		return nil
	}}))
	<-ran
	s.wg.Wait()
}

func TestRunDue_EvaluatesPredicates(t *testing.T) {
	s := New(testConfig())
	s.now = func() time.Time {
		return time.Date(2025, 3, 1, 6, 0, 0, 0, time.UTC)
	}

	var due, notDue atomic.Int64
	s.jobs = []Job{
		{
			Name: "due",
			When: func(hour, minute, _ int) bool { return hour == 6 && minute == 0 },
			Run: func(ctx context.Context) error {
				due.Add(1)
				return nil
			},
		},
		{
			Name: "not_due",
			When: func(hour, minute, _ int) bool { return hour == 7 },
			Run: func(ctx context.Context) error {
				notDue.Add(1)
				return nil
			},
		},
	}

	s.runDue(context.Background())
	s.wg.Wait()

	assert.Equal(t, int64(1), due.Load())
	assert.Equal(t, int64(0), notDue.Load())
}

func TestStart_DrainsOnCancel(t *testing.T) {
	cfg := testConfig()
	cfg.TickSecs = 1
	cfg.ShutdownTimeoutSecs = 5
	s := New(cfg)

	finished := make(chan struct{})
	s.jobs = []Job{{
		Name: "always",
		When: func(_, _, _ int) bool { return true },
		Run: func(ctx context.Context) error {
			time.Sleep(50 * time.Millisecond)
			close(finished)
			return nil
		},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	// Wait for the first tick to dispatch, then stop.
	<-finished
	cancel()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}
}

func TestStart_ShutdownDoesNotCancelRunningJob(t *testing.T) {
	cfg := testConfig()
	cfg.TickSecs = 1
	cfg.ShutdownTimeoutSecs = 5
	s := New(cfg)

	started := make(chan struct{})
	runErr := make(chan error, 1)
	s.jobs = []Job{{
		Name: "slow",
		When: func(_, _, _ int) bool { return true },
		Run: func(ctx context.Context) error {
			close(started)
			select {
			case <-ctx.Done():
				runErr <- ctx.Err()
				return ctx.Err()
			case <-time.After(200 * time.Millisecond):
				runErr <- nil
				return nil
			}
		},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	// Stop the scheduler while the job is mid-run.
	<-started
	cancel()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}

	// The drain must have waited for the job, and the job must not have
	// seen the shutdown as a cancellation of its own context.
	select {
	case err := <-runErr:
		require.NoError(t, err)
	default:
		t.Fatal("scheduler returned before the in-flight job finished")
	}
}

func TestDrain_TimesOutOnStuckJob(t *testing.T) {
	cfg := testConfig()
	cfg.ShutdownTimeoutSecs = 1
	s := New(cfg)

	release := make(chan struct{})
	defer close(release)
	require.True(t, s.Submit(context.Background(), Job{Name: "stuck", Run: func(ctx context.Context) error {
		<-release
		return nil
	}}))

	start := time.Now()
	s.drain()
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, time.Second)
	assert.Less(t, elapsed, 3*time.Second)
}

func TestStandardJobSchedule(t *testing.T) {
	jobs := StandardJobs(nil, nil, nil)
	byName := make(map[string]Job, len(jobs))
	for _, j := range jobs {
		byName[j.Name] = j
	}

	tests := []struct {
		job               string
		hour, minute, day int
		want              bool
	}{
		{"refresh_leads", 0, 0, 15, true},
		{"refresh_leads", 6, 0, 15, true},
		{"refresh_leads", 12, 0, 15, true},
		{"refresh_leads", 18, 0, 15, true},
		{"refresh_leads", 6, 1, 15, false},
		{"refresh_leads", 7, 0, 15, false},
		{"cleanup_old_searches", 2, 5, 15, true},
		{"cleanup_old_searches", 2, 4, 15, false},
		{"purge_expired_jobs", 1, 0, 15, true},
		{"purge_expired_jobs", 1, 1, 15, false},
		{"purge_expired_usage", 0, 0, 15, true},
		{"purge_expired_usage", 0, 1, 15, false},
		{"monthly_compact", 0, 1, 1, true},
		{"monthly_compact", 0, 1, 2, false},
		{"monthly_compact", 0, 0, 1, false},
	}
	for _, tt := range tests {
		job, ok := byName[tt.job]
		require.True(t, ok, tt.job)
		assert.Equal(t, tt.want, job.When(tt.hour, tt.minute, tt.day),
			"%s at %02d:%02d day %d", tt.job, tt.hour, tt.minute, tt.day)
	}
}
