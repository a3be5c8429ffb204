package services

import (
	"sort"
	"sync"
	"time"

	"github.com/diaglink/proxy/internal/infrastructure/logger"
)

const DefaultReapInterval = 10 * time.Second

type registryEntry struct {
	task         RunningTask
	registeredAt time.Time
}

// TaskInfo is a read-only view of one registered task.
type TaskInfo struct {
	ID           string        `json:"id"`
	RegisteredAt time.Time     `json:"registered_at"`
	MaxRunning   time.Duration `json:"max_running"`
	Age          time.Duration `json:"age"`
}

type TaskRegistryConfig struct {
	ReapInterval time.Duration
	Logger       *logger.Logger
	// OnReclaim runs after the reaper force-cancels a task.
	OnReclaim func(task RunningTask, age time.Duration)
	// Now defaults to time.Now.
	Now func() time.Time
}

// TaskRegistry owns the set of in-flight diagnostic tasks and reclaims
// any that outlive their time budget.
//
// Entries live in a concurrent map. mu only makes the closed check atomic
// with insertion; Pause, Resume, Cancel and Finish never take it, so a
// slow job store call cannot hold up registrations.
type TaskRegistry struct {
	tasks sync.Map // id -> *registryEntry

	mu     sync.Mutex
	closed bool
	timer  *time.Timer

	interval  time.Duration
	now       func() time.Time
	onReclaim func(RunningTask, time.Duration)
	logger    *logger.Logger
}

func NewTaskRegistry(cfg TaskRegistryConfig) *TaskRegistry {
	r := &TaskRegistry{
		interval:  cfg.ReapInterval,
		now:       cfg.Now,
		onReclaim: cfg.OnReclaim,
		logger:    cfg.Logger,
	}
	if r.interval <= 0 {
		r.interval = DefaultReapInterval
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.logger == nil {
		r.logger = logger.NewNop()
	}
	r.arm()
	return r
}

// Register inserts task unless its id is already present or the registry
// is closed. A duplicate is a client retry, not an error.
func (r *TaskRegistry) Register(task RunningTask) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.logger.Warnw("task_register_after_close", "task_id", task.ID())
		return false
	}
	_, loaded := r.tasks.LoadOrStore(task.ID(), &registryEntry{task: task, registeredAt: r.now()})
	if loaded {
		r.logger.Infow("task_register_duplicate", "task_id", task.ID())
		return false
	}
	r.logger.Infow("task_registered", "task_id", task.ID(), "max_running", task.MaxRunning())
	return true
}

// Finish drops the entry for id. It reports whether an entry was removed.
func (r *TaskRegistry) Finish(id string) bool {
	_, ok := r.tasks.LoadAndDelete(id)
	if ok {
		r.logger.Debugw("task_finished", "task_id", id)
	}
	return ok
}

func (r *TaskRegistry) Pause(id string) {
	if task, ok := r.Get(id); ok {
		r.guard("pause", id, task.Pause)
	}
}

func (r *TaskRegistry) Resume(id string) {
	if task, ok := r.Get(id); ok {
		r.guard("resume", id, task.Resume)
	}
}

// Cancel removes the entry and then asks the task to stop. It does not
// wait for the job to terminate. It reports whether an entry was removed.
func (r *TaskRegistry) Cancel(id string) bool {
	v, ok := r.tasks.LoadAndDelete(id)
	if !ok {
		return false
	}
	task := v.(*registryEntry).task
	r.logger.Infow("task_cancel", "task_id", id)
	r.guard("cancel", id, task.Cancel)
	return true
}

func (r *TaskRegistry) Get(id string) (RunningTask, bool) {
	v, ok := r.tasks.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*registryEntry).task, true
}

func (r *TaskRegistry) Len() int {
	n := 0
	r.tasks.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (r *TaskRegistry) Snapshot() []TaskInfo {
	now := r.now()
	var out []TaskInfo
	r.tasks.Range(func(k, v any) bool {
		e := v.(*registryEntry)
		out = append(out, TaskInfo{
			ID:           k.(string),
			RegisteredAt: e.registeredAt,
			MaxRunning:   e.task.MaxRunning(),
			Age:          now.Sub(e.registeredAt),
		})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].RegisteredAt.Before(out[j].RegisteredAt) })
	return out
}

// Close rejects further registrations, stops the reaper and cancels every
// registered task once.
func (r *TaskRegistry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	if r.timer != nil {
		r.timer.Stop()
	}
	r.mu.Unlock()

	r.logger.Warnw("task_registry_closing", "tasks", r.Len())
	r.tasks.Range(func(k, v any) bool {
		if r.tasks.CompareAndDelete(k, v) {
			r.guard("cancel", k.(string), v.(*registryEntry).task.Cancel)
		}
		return true
	})
}

// Closed reports whether Close has been called.
func (r *TaskRegistry) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// arm schedules the next sweep. Each sweep arms the following one only
// after it finishes, so sweeps never overlap.
func (r *TaskRegistry) arm() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.timer = time.AfterFunc(r.interval, r.reap)
}

func (r *TaskRegistry) reap() {
	if r.Closed() {
		return
	}
	defer r.arm()
	defer func() {
		if p := recover(); p != nil {
			r.logger.Errorw("task_reaper_panic", "panic", p)
		}
	}()
	r.sweep(r.now())
}

func (r *TaskRegistry) sweep(now time.Time) {
	r.tasks.Range(func(k, v any) bool {
		e := v.(*registryEntry)
		age := now.Sub(e.registeredAt)
		if age <= e.task.MaxRunning() {
			return true
		}
		if !r.tasks.CompareAndDelete(k, v) {
			return true
		}
		id := k.(string)
		r.logger.Warnw("task_running_too_long", "task_id", id, "age", age, "max_running", e.task.MaxRunning())
		r.guard("cancel", id, e.task.Cancel)
		if r.onReclaim != nil {
			r.guard("reclaim_hook", id, func() error {
				r.onReclaim(e.task, age)
				return nil
			})
		}
		return true
	})
}

// guard runs a delegated task call, logging errors and panics instead of
// letting one task's failure escape into the caller.
func (r *TaskRegistry) guard(op, id string, fn func() error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Errorw("task_call_panic", "op", op, "task_id", id, "panic", p)
		}
	}()
	if err := fn(); err != nil {
		r.logger.Warnw("task_call_failed", "op", op, "task_id", id, "error", err)
	}
}
