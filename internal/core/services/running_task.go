package services

import (
	"sync"
	"time"

	"github.com/diaglink/proxy/internal/core/ports"
)

// RunningTask binds a Task to the JobStore that executes its job. Once
// submitted the store is the authority on run state; before that the
// task remembers cancel and pause requests and applies them in Execute.
type RunningTask interface {
	ID() string
	MaxRunning() time.Duration
	Execute() *Completion
	Cancel() error
	Pause() error
	Resume() error
}

type defaultRunningTask struct {
	store      ports.JobStore
	task       ports.Task
	completion *Completion

	mu        sync.Mutex
	submitted bool
	cancelled bool
	paused    bool
}

func NewRunningTask(store ports.JobStore, task ports.Task) RunningTask {
	return &defaultRunningTask{store: store, task: task, completion: NewCompletion()}
}

func (t *defaultRunningTask) ID() string { return t.task.ID() }

func (t *defaultRunningTask) MaxRunning() time.Duration { return t.task.MaxRunning() }

// Execute submits the task's job. A RunningTask is single use; a task
// cancelled before Execute settles as cancelled without running.
func (t *defaultRunningTask) Execute() *Completion {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.submitted {
		return t.completion
	}
	t.submitted = true
	if t.cancelled {
		t.completion.Cancel()
		return t.completion
	}

	job := t.task.CreateJob()
	if p, ok := job.(ports.PausableJob); ok && t.paused {
		p.Pause()
	}
	if err := t.store.Submit(job, t.completion); err != nil {
		t.completion.Fail(err)
	}
	return t.completion
}

// pending records a request that arrived before Execute. It reports
// false once the job belongs to the store.
func (t *defaultRunningTask) pending(fn func()) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.submitted {
		return false
	}
	fn()
	return true
}

func (t *defaultRunningTask) Cancel() error {
	if t.pending(func() { t.cancelled = true }) {
		return nil
	}
	return t.store.Stop(t.ID())
}

func (t *defaultRunningTask) Pause() error {
	if t.pending(func() { t.paused = true }) {
		return nil
	}
	return t.store.Pause(t.ID())
}

func (t *defaultRunningTask) Resume() error {
	if t.pending(func() { t.paused = false }) {
		return nil
	}
	return t.store.Resume(t.ID())
}
