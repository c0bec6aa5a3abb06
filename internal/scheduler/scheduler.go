// Package scheduler runs monkey supervisors as goroutines under a shared
// concurrency cap. A spawn beyond the cap is rejected, never queued.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/sourcegraph/conc/panics"
	"golang.org/x/sync/semaphore"

	"github.com/Iron-Ham/mobu/internal/errors"
	"github.com/Iron-Ham/mobu/internal/logging"
)

// Job is a handle to one spawned task.
type Job struct {
	name string
	done chan struct{}
}

// Name returns the name the job was spawned with.
func (j *Job) Name() string { return j.name }

// Done is closed when the task has returned.
func (j *Job) Done() <-chan struct{} { return j.done }

// Wait blocks until the task has returned.
func (j *Job) Wait() { <-j.done }

// Scheduler is a bounded set of running tasks.
type Scheduler struct {
	limit  int
	sem    *semaphore.Weighted // nil when unbounded
	logger *logging.Logger

	mu     sync.Mutex
	closed bool
	active map[*Job]struct{}
	wg     sync.WaitGroup
}

// New creates a scheduler running at most limit tasks at once.
// A limit of 0 means unbounded.
func New(limit int, logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.NopLogger()
	}
	s := &Scheduler{
		limit:  limit,
		logger: logger,
		active: make(map[*Job]struct{}),
	}
	if limit > 0 {
		s.sem = semaphore.NewWeighted(int64(limit))
	}
	return s
}

// Spawn starts fn in a new goroutine. It fails with ErrSchedulerFull when
// limit tasks are already running and with ErrSchedulerClosed after Close.
// A panic in fn is logged and ends the task.
func (s *Scheduler) Spawn(name string, fn func()) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.ErrSchedulerClosed
	}
	if s.sem != nil && !s.sem.TryAcquire(1) {
		return nil, fmt.Errorf("%w: %d tasks running, cannot start %s", errors.ErrSchedulerFull, s.limit, name)
	}

	job := &Job{name: name, done: make(chan struct{})}
	s.active[job] = struct{}{}
	s.wg.Add(1)
	go func() {
		defer s.finish(job)
		var pc panics.Catcher
		pc.Try(fn)
		if r := pc.Recovered(); r != nil {
			s.logger.Error("task panicked", "job", name, "panic", r.String())
		}
	}()
	return job, nil
}

func (s *Scheduler) finish(job *Job) {
	s.mu.Lock()
	delete(s.active, job)
	s.mu.Unlock()
	if s.sem != nil {
		s.sem.Release(1)
	}
	close(job.done)
	s.wg.Done()
}

// Active returns the number of running tasks.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Limit returns the concurrency cap, 0 if unbounded.
func (s *Scheduler) Limit() int { return s.limit }

// Close stops accepting tasks and waits for running ones to return, or for
// ctx to end. Tasks are never interrupted; owners stop them first.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	remaining := len(s.active)
	s.mu.Unlock()

	if remaining > 0 {
		s.logger.Info("waiting for tasks to finish", "count", remaining)
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler close: %w", ctx.Err())
	}
}
