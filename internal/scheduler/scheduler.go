// Package scheduler runs named maintenance jobs on a fixed evaluation tick.
//
// Dispatch dedup is process-local: a job already running in this process is
// skipped, but a second instance of the daemon will dispatch its own copy.
// Jobs are expected to be idempotent for that reason.
package scheduler

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/prospect-labs/prospectd/internal/config"
)

// Job is one scheduled task. When is evaluated once per tick against the
// wall clock; returning true submits Run unless the previous run of the same
// job is still in flight.
type Job struct {
	Name string
	When func(hour, minute, day int) bool
	Run  func(ctx context.Context) error
}

// Scheduler evaluates job predicates on a tick and runs due jobs on a
// bounded worker pool.
type Scheduler struct {
	jobs            []Job
	tick            time.Duration
	sem             chan struct{}
	shutdownTimeout time.Duration

	mu       sync.Mutex
	inflight map[string]bool

	wg  sync.WaitGroup
	now func() time.Time
}

func New(cfg config.SchedulerConfig, jobs ...Job) *Scheduler {
	tick := time.Duration(cfg.TickSecs) * time.Second
	if tick <= 0 {
		tick = time.Minute
	}
	workers := cfg.MaxConcurrentJobs
	if workers <= 0 {
		workers = 5
	}
	shutdown := time.Duration(cfg.ShutdownTimeoutSecs) * time.Second
	if shutdown <= 0 {
		shutdown = 5 * time.Minute
	}
	return &Scheduler{
		jobs:            jobs,
		tick:            tick,
		sem:             make(chan struct{}, workers),
		shutdownTimeout: shutdown,
		inflight:        make(map[string]bool),
		now:             time.Now,
	}
}

// Start runs the tick loop until ctx is cancelled, then drains in-flight
// jobs. It returns once the drain completes or the shutdown timeout expires.
func (s *Scheduler) Start(ctx context.Context) {
	zap.L().Info("scheduler started",
		zap.Duration("tick", s.tick),
		zap.Int("max_concurrent", cap(s.sem)),
		zap.Int("jobs", len(s.jobs)))

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.drain()
			return
		case <-ticker.C:
			s.runDue(ctx)
		}
	}
}

// runDue submits every job whose predicate matches the current minute.
func (s *Scheduler) runDue(ctx context.Context) {
	now := s.now()
	hour, minute, day := now.Hour(), now.Minute(), now.Day()

	for _, job := range s.jobs {
		if !job.When(hour, minute, day) {
			continue
		}
		if !s.Submit(ctx, job) {
			zap.L().Info("job still running, skipping this tick",
				zap.String("job", job.Name))
		}
	}
}

// Submit runs the job on the worker pool. It returns false when the same
// job is already in flight, in which case nothing is submitted.
func (s *Scheduler) Submit(ctx context.Context, job Job) bool {
	s.mu.Lock()
	if s.inflight[job.Name] {
		s.mu.Unlock()
		return false
	}
	s.inflight[job.Name] = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inflight, job.Name)
			s.mu.Unlock()
		}()

		select {
		case s.sem <- struct{}{}:
			defer func() { <-s.sem }()
		case <-ctx.Done():
			return
		}

		// Cancellation of the loop context stops new dispatches; a job
		// already running gets to finish. The drain timeout bounds how long
		// shutdown waits for it.
		s.runOne(context.WithoutCancel(ctx), job)
	}()
	return true
}

// runOne executes a job, converting panics into logged failures so a broken
// job cannot take down the loop.
func (s *Scheduler) runOne(ctx context.Context, job Job) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("job panicked",
				zap.String("job", job.Name),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()

	start := s.now()
	if err := job.Run(ctx); err != nil {
		zap.L().Error("job failed",
			zap.String("job", job.Name),
			zap.Duration("elapsed", s.now().Sub(start)),
			zap.Error(err))
		return
	}
	zap.L().Info("job finished",
		zap.String("job", job.Name),
		zap.Duration("elapsed", s.now().Sub(start)))
}

// drain waits for in-flight jobs up to the shutdown timeout.
func (s *Scheduler) drain() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		zap.L().Info("scheduler stopped")
	case <-time.After(s.shutdownTimeout):
		s.mu.Lock()
		var stuck []string
		for name := range s.inflight {
			stuck = append(stuck, name)
		}
		s.mu.Unlock()
		zap.L().Warn("scheduler shutdown timed out with jobs still running",
			zap.Strings("jobs", stuck))
	}
}
