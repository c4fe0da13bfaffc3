// Package scheduler runs the background passes on cron schedules. Each run
// claims a lease in the job table first, so two processes sharing a database
// never run the same pass at once.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/iammorganparry/clive/apps/engram/internal/apperrors"
	"github.com/iammorganparry/clive/apps/engram/internal/store"
)

// ErrBusy is returned by RunNow and Do when another run holds the lease.
var ErrBusy = errors.New("job already running")

// Lease names shared by scheduled runs and on-demand triggers.
const (
	JobImportance  = "importance"
	JobArchive     = "archive"
	JobConsolidate = "consolidate"
	JobPurge       = "purge"
	JobInfer       = "infer"
	JobReconcile   = "reconcile"
)

// Job is one scheduled pass.
type Job struct {
	Name string
	// Spec is a robfig cron expression such as "@every 24h" or "0 3 * * *".
	// An empty spec registers the job for RunNow only.
	Spec string
	Run  func(ctx context.Context) error
}

type Scheduler struct {
	jobs    *store.JobStore
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	byName  map[string]Job
	running bool
}

func New(jobs *store.JobStore, timeout time.Duration, logger *slog.Logger) *Scheduler {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &Scheduler{
		jobs:    jobs,
		timeout: timeout,
		logger:  logger,
		cron:    cron.New(),
		byName:  make(map[string]Job),
	}
}

// Register adds j. It fails on a duplicate name or an invalid spec.
func (s *Scheduler) Register(j Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byName[j.Name]; ok {
		return fmt.Errorf("job %q already registered", j.Name)
	}
	if j.Spec != "" {
		if _, err := s.cron.AddFunc(j.Spec, func() { s.fire(j) }); err != nil {
			return fmt.Errorf("schedule %s (%s): %w", j.Name, j.Spec, err)
		}
	}
	s.byName[j.Name] = j
	return nil
}

// Start begins firing scheduled jobs.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", len(s.byName))
}

// Stop stops firing and waits for running jobs, up to ctx's deadline.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out waiting for running jobs")
	}
	s.logger.Info("scheduler stopped")
}

// RunNow runs the named job immediately under the same lease as a scheduled
// run. It returns ErrBusy when the job is already running.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.byName[name]
	s.mu.Unlock()
	if !ok {
		return &apperrors.NotFoundError{Kind: "job", ID: name}
	}
	return s.run(ctx, j.Name, j.Run)
}

// Do runs fn under the lease for name and returns its result. Manual triggers
// use it so they never overlap a scheduled run of the same pass, in this
// process or another one on the same database.
func Do[T any](ctx context.Context, s *Scheduler, name string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := s.run(ctx, name, func(ctx context.Context) error {
		v, err := fn(ctx)
		out = v
		return err
	})
	return out, err
}

func (s *Scheduler) fire(j Job) {
	err := s.run(context.Background(), j.Name, j.Run)
	switch {
	case err == nil, errors.Is(err, ErrBusy):
	case apperrors.IsBackendUnavailable(err):
		s.logger.Warn("scheduled job skipped, backend unavailable", "job", j.Name, "error", err)
	default:
		s.logger.Error("scheduled job failed", "job", j.Name, "error", err)
	}
}

func (s *Scheduler) run(ctx context.Context, name string, fn func(context.Context) error) error {
	ok, err := s.jobs.Acquire(ctx, name, s.timeout)
	if err != nil {
		return err
	}
	if !ok {
		s.logger.Info("job skipped, lease held elsewhere", "job", name)
		return ErrBusy
	}

	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	runErr := fn(runCtx)

	// The run context may be expired; releasing must still land.
	releaseCtx, releaseCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer releaseCancel()
	if err := s.jobs.Release(releaseCtx, name, runErr); err != nil {
		s.logger.Error("release job lease failed", "job", name, "error", err)
	}

	if runErr == nil {
		s.logger.Info("job finished", "job", name, "duration", time.Since(start))
	}
	return runErr
}
