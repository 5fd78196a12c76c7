// Package scheduler runs unique-named background work once its constraints
// are met.
package scheduler

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	"github.com/italolelis/musichub_downloader/internal/logctx"
)

var ErrClosed = errors.New("scheduler is closed")

const defaultPollInterval = 30 * time.Second

// Constraint returns nil when the work may run, otherwise an error describing
// what is missing.
type Constraint func(ctx context.Context) error

// Work is a one-shot job. Work with the same Name is never scheduled twice.
type Work struct {
	Name        string
	Constraints []Constraint
	Run         func(ctx context.Context) error
}

type job struct {
	work    Work
	running bool
	rerun   bool
}

type Scheduler struct {
	pollInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	jobs   map[string]*job
	closed bool
}

type Option func(*Scheduler)

// WithPollInterval sets how often unmet constraints are checked again.
func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// New creates a scheduler. Work runs with a context derived from ctx, so the
// logger of ctx is used for every job.
func New(ctx context.Context, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(ctx)

	s := &Scheduler{
		pollInterval: defaultPollInterval,
		ctx:          ctx,
		cancel:       cancel,
		jobs:         map[string]*job{},
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Enqueue schedules w unless work with the same name is already pending.
// Enqueuing work that is running asks for one more run once it finishes.
func (s *Scheduler) Enqueue(w Work) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	if j, ok := s.jobs[w.Name]; ok {
		if j.running {
			j.rerun = true
		}

		return nil
	}

	j := &job{work: w}
	s.jobs[w.Name] = j

	s.wg.Add(1)

	go s.loop(j)

	return nil
}

// Pending reports whether work with name is waiting or running.
func (s *Scheduler) Pending(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.jobs[name]

	return ok
}

// Running reports whether work with name is running.
func (s *Scheduler) Running(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[name]

	return ok && j.running
}

// Close stops waiting work, cancels running work and waits for it to return.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) loop(j *job) {
	defer s.wg.Done()

	ctx := s.ctx
	logger := logctx.LoggerFromContext(ctx).With("work", j.work.Name)

	for {
		if !s.waitConstraints(ctx, j) {
			s.mu.Lock()
			delete(s.jobs, j.work.Name)
			s.mu.Unlock()

			return
		}

		s.mu.Lock()
		j.running = true
		s.mu.Unlock()

		if err := s.run(ctx, j); err != nil && ctx.Err() == nil {
			logger.ErrorContext(ctx, "background work failed", "err", err)
		}

		// The job leaves the table under the same lock that checks for a
		// rerun, so a concurrent Enqueue either sets rerun or adds a new job.
		s.mu.Lock()
		j.running = false

		if !j.rerun || s.closed {
			delete(s.jobs, j.work.Name)
			s.mu.Unlock()

			return
		}

		j.rerun = false
		s.mu.Unlock()

		logger.DebugContext(ctx, "running background work again")
	}
}

func (s *Scheduler) run(ctx context.Context, j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logctx.LoggerFromContext(ctx).ErrorContext(ctx, "background work panic",
				"work", j.work.Name,
				"panic", r,
				"stack", string(debug.Stack()))

			err = errors.New("background work panicked")
		}
	}()

	return j.work.Run(ctx)
}

// waitConstraints blocks until every constraint is met. It returns false when
// the scheduler is closed first.
func (s *Scheduler) waitConstraints(ctx context.Context, j *job) bool {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		unmet := unmetConstraint(ctx, j.work.Constraints)
		if unmet == nil {
			return true
		}

		logger.InfoContext(ctx, "background work waiting for constraints", "work", j.work.Name, "reason", unmet)

		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func unmetConstraint(ctx context.Context, constraints []Constraint) error {
	for _, c := range constraints {
		if err := c(ctx); err != nil {
			return err
		}
	}

	return nil
}
