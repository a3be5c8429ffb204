package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/diaglink/proxy/internal/core/ports"
	"github.com/diaglink/proxy/internal/infrastructure/logger"
)

type jobEntry struct {
	job     ports.Job
	cancel  context.CancelFunc
	stopped atomic.Bool
}

// JobStore runs each submitted job on its own goroutine and settles the
// job's completer when it returns.
type JobStore struct {
	mu     sync.Mutex
	jobs   map[string]*jobEntry
	closed bool
	wg     sync.WaitGroup
	logger *logger.Logger
}

func NewJobStore(log *logger.Logger) *JobStore {
	return &JobStore{
		jobs:   make(map[string]*jobEntry),
		logger: log,
	}
}

func (s *JobStore) Submit(job ports.Job, done ports.Completer) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrJobStoreStopped
	}
	if _, exists := s.jobs[job.ID()]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskDuplicate, job.ID())
	}
	ctx, cancel := context.WithCancel(context.Background())
	entry := &jobEntry{job: job, cancel: cancel}
	s.jobs[job.ID()] = entry
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(ctx, entry, done)
	return nil
}

func (s *JobStore) run(ctx context.Context, e *jobEntry, done ports.Completer) {
	defer s.wg.Done()
	code, panicked, err := s.invoke(ctx, e)

	// The id is free again before anyone can observe the result.
	s.mu.Lock()
	if s.jobs[e.job.ID()] == e {
		delete(s.jobs, e.job.ID())
	}
	s.mu.Unlock()
	e.cancel()

	switch {
	case panicked:
		done.Fail(err)
	case e.stopped.Load():
		done.Cancel()
	case err != nil:
		s.logger.Warnw("job_failed", "job_id", e.job.ID(), "error", err)
		done.Fail(err)
	default:
		done.Complete(code)
	}
}

func (s *JobStore) invoke(ctx context.Context, e *jobEntry) (code int, panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorw("job_panic", "job_id", e.job.ID(), "panic", r)
			code, panicked, err = -1, true, fmt.Errorf("job %s panicked: %v", e.job.ID(), r)
		}
	}()
	code, err = e.job.Run(ctx)
	return code, false, err
}

func (s *JobStore) lookup(id string) *jobEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id]
}

// Stop signals the job to stop and returns without waiting for it.
func (s *JobStore) Stop(id string) error {
	e := s.lookup(id)
	if e == nil {
		return nil
	}
	if e.stopped.CompareAndSwap(false, true) {
		s.logger.Infow("job_stop_requested", "job_id", id)
	}
	e.cancel()
	return nil
}

func (s *JobStore) Pause(id string) error {
	if e := s.lookup(id); e != nil {
		if p, ok := e.job.(ports.PausableJob); ok {
			p.Pause()
		}
	}
	return nil
}

func (s *JobStore) Resume(id string) error {
	if e := s.lookup(id); e != nil {
		if p, ok := e.job.(ports.PausableJob); ok {
			p.Resume()
		}
	}
	return nil
}

func (s *JobStore) Running(id string) bool {
	return s.lookup(id) != nil
}

// Shutdown stops every job and waits for them to return or for ctx.
func (s *JobStore) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	entries := make([]*jobEntry, 0, len(s.jobs))
	for _, e := range s.jobs {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	for _, e := range entries {
		e.stopped.Store(true)
		e.cancel()
	}

	waited := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
