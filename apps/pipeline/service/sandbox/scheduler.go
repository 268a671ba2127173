package sandbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/pitabwire/util"
)

// Scheduler admission errors.
var (
	ErrQueueFull    = errors.New("build queue is full")
	ErrIntakeHalted = errors.New("build intake is halted")
	ErrStopped      = errors.New("scheduler is stopped")
)

// Job is one queued unit of build work.
type Job func(ctx context.Context)

// Scheduler is a bounded worker pool for build jobs. Admission beyond
// the queue depth is rejected immediately rather than blocking the
// submitter, and the monitor's stability check can halt intake
// entirely.
type Scheduler struct {
	jobs    chan Job
	workers int

	halted  atomic.Bool
	stopped atomic.Bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewScheduler creates a scheduler with the given worker count and
// queue depth.
func NewScheduler(workers, queueDepth int) *Scheduler {
	if workers <= 0 {
		workers = 1
	}
	if queueDepth <= 0 {
		queueDepth = 1
	}
	return &Scheduler{
		jobs:    make(chan Job, queueDepth),
		workers: workers,
	}
}

// Start launches the worker goroutines.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}
}

func (s *Scheduler) worker(ctx context.Context, id int) {
	defer s.wg.Done()

	log := util.Log(ctx).With("worker", id)
	log.Debug("build worker started")

	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-s.jobs:
			if !ok {
				return
			}
			job(ctx)
		}
	}
}

// Submit enqueues a job without blocking. Returns ErrQueueFull when the
// admission buffer is at depth, ErrIntakeHalted while halted.
func (s *Scheduler) Submit(job Job) error {
	if s.stopped.Load() {
		return ErrStopped
	}
	if s.halted.Load() {
		return ErrIntakeHalted
	}

	select {
	case s.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Halt stops admitting new jobs; queued jobs still drain.
func (s *Scheduler) Halt() {
	s.halted.Store(true)
}

// Resume re-opens intake after a halt.
func (s *Scheduler) Resume() {
	s.halted.Store(false)
}

// Halted reports whether intake is currently halted.
func (s *Scheduler) Halted() bool {
	return s.halted.Load()
}

// QueueLength returns the number of jobs waiting for a worker.
func (s *Scheduler) QueueLength() int {
	return len(s.jobs)
}

// Stop rejects further submissions, drains queued jobs and waits for
// the workers to exit.
func (s *Scheduler) Stop() {
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}
	close(s.jobs)
	s.wg.Wait()
	if s.cancel != nil {
		s.cancel()
	}
}
