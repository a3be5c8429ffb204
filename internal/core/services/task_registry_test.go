package services

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, cfg TaskRegistryConfig) *TaskRegistry {
	t.Helper()
	if cfg.ReapInterval == 0 {
		cfg.ReapInterval = time.Hour
	}
	r := NewTaskRegistry(cfg)
	t.Cleanup(r.Close)
	return r
}

func TestTaskRegistryRegisterAndFinish(t *testing.T) {
	r := newTestRegistry(t, TaskRegistryConfig{})
	task := newFakeTask("t1", time.Minute)

	assert.True(t, r.Register(task))
	assert.False(t, r.Register(newFakeTask("t1", time.Minute)), "duplicate id is a retry")
	assert.Equal(t, 1, r.Len())

	got, ok := r.Get("t1")
	require.True(t, ok)
	assert.Same(t, task, got)

	assert.True(t, r.Finish("t1"))
	assert.False(t, r.Finish("t1"))
	assert.Equal(t, 0, r.Len())
	assert.Zero(t, task.cancels.Load())
}

func TestTaskRegistryCancel(t *testing.T) {
	r := newTestRegistry(t, TaskRegistryConfig{})
	task := newFakeTask("t1", time.Minute)
	r.Register(task)

	assert.True(t, r.Cancel("t1"))
	assert.False(t, r.Cancel("t1"))
	assert.False(t, r.Cancel("missing"))
	assert.Equal(t, int32(1), task.cancels.Load())
	assert.False(t, r.Finish("t1"), "cancelled task is no longer owned")
}

func TestTaskRegistryCancelFailuresAreContained(t *testing.T) {
	r := newTestRegistry(t, TaskRegistryConfig{})

	failing := newFakeTask("err", time.Minute)
	failing.cancelErr = errors.New("store unavailable")
	panicking := newFakeTask("panic", time.Minute)
	panicking.cancelPanic = true

	r.Register(failing)
	r.Register(panicking)

	assert.NotPanics(t, func() {
		assert.True(t, r.Cancel("err"))
		assert.True(t, r.Cancel("panic"))
	})
	assert.Equal(t, 0, r.Len())
}

func TestTaskRegistrySlowCancelDoesNotBlockRegister(t *testing.T) {
	r := newTestRegistry(t, TaskRegistryConfig{})
	slow := newFakeTask("slow", time.Minute)
	slow.cancelDelay = 200 * time.Millisecond
	r.Register(slow)

	go r.Cancel("slow")
	require.Eventually(t, func() bool { return slow.cancels.Load() == 1 }, time.Second, time.Millisecond)

	start := time.Now()
	assert.True(t, r.Register(newFakeTask("fast", time.Minute)))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestTaskRegistryPauseResume(t *testing.T) {
	r := newTestRegistry(t, TaskRegistryConfig{})
	task := newFakeTask("t1", time.Minute)
	r.Register(task)

	r.Pause("t1")
	r.Resume("t1")
	r.Pause("missing")

	assert.Equal(t, int32(1), task.pauses.Load())
	assert.Equal(t, int32(1), task.resumes.Load())
}

func TestTaskRegistryReclaimsOverdueTasks(t *testing.T) {
	var mu sync.Mutex
	var reclaimed []string
	r := newTestRegistry(t, TaskRegistryConfig{
		ReapInterval: 10 * time.Millisecond,
		OnReclaim: func(task RunningTask, age time.Duration) {
			mu.Lock()
			defer mu.Unlock()
			reclaimed = append(reclaimed, task.ID())
		},
	})

	overdue := newFakeTask("overdue", 20*time.Millisecond)
	patient := newFakeTask("patient", time.Hour)
	r.Register(overdue)
	r.Register(patient)

	require.Eventually(t, func() bool { return overdue.cancels.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	// later sweeps must not cancel it again
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), overdue.cancels.Load())
	assert.Zero(t, patient.cancels.Load())

	_, ok := r.Get("overdue")
	assert.False(t, ok)
	_, ok = r.Get("patient")
	assert.True(t, ok)

	// a reclaimed id is gone for good
	r.Pause("overdue")
	r.Resume("overdue")
	assert.False(t, r.Cancel("overdue"))
	assert.Zero(t, overdue.pauses.Load())
	assert.Zero(t, overdue.resumes.Load())
	assert.Equal(t, int32(1), overdue.cancels.Load())

	mu.Lock()
	assert.Equal(t, []string{"overdue"}, reclaimed)
	mu.Unlock()
}

func TestTaskRegistryReaperSurvivesPanics(t *testing.T) {
	var hooks atomic.Int32
	r := newTestRegistry(t, TaskRegistryConfig{
		ReapInterval: 10 * time.Millisecond,
		OnReclaim: func(RunningTask, time.Duration) {
			hooks.Add(1)
			panic("hook exploded")
		},
	})

	first := newFakeTask("first", time.Millisecond)
	first.cancelPanic = true
	r.Register(first)
	require.Eventually(t, func() bool { return hooks.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	second := newFakeTask("second", time.Millisecond)
	r.Register(second)
	require.Eventually(t, func() bool { return second.cancels.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestTaskRegistrySweepUsesClock(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	r := newTestRegistry(t, TaskRegistryConfig{Now: func() time.Time { return now }})

	task := newFakeTask("t", time.Minute)
	r.Register(task)

	r.sweep(now.Add(time.Minute))
	assert.Zero(t, task.cancels.Load(), "exactly at the budget is still allowed")

	r.sweep(now.Add(time.Minute + time.Second))
	assert.Equal(t, int32(1), task.cancels.Load())
}

func TestTaskRegistrySnapshot(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := now
	r := newTestRegistry(t, TaskRegistryConfig{Now: func() time.Time { return clock }})

	r.Register(newFakeTask("a", time.Minute))
	clock = now.Add(time.Second)
	r.Register(newFakeTask("b", 2*time.Minute))
	clock = now.Add(3 * time.Second)

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].ID)
	assert.Equal(t, 3*time.Second, snap[0].Age)
	assert.Equal(t, "b", snap[1].ID)
	assert.Equal(t, 2*time.Minute, snap[1].MaxRunning)
}

func TestTaskRegistryClose(t *testing.T) {
	r := NewTaskRegistry(TaskRegistryConfig{ReapInterval: time.Hour})
	a := newFakeTask("a", time.Minute)
	b := newFakeTask("b", time.Minute)
	r.Register(a)
	r.Register(b)

	r.Close()
	r.Close()

	assert.True(t, r.Closed())
	assert.Equal(t, int32(1), a.cancels.Load())
	assert.Equal(t, int32(1), b.cancels.Load())
	assert.Equal(t, 0, r.Len())
	assert.False(t, r.Register(newFakeTask("c", time.Minute)))
}

func TestTaskRegistryConcurrentCancelCancelsOnce(t *testing.T) {
	r := newTestRegistry(t, TaskRegistryConfig{})
	task := newFakeTask("t", time.Minute)
	r.Register(task)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Cancel("t") {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(1), task.cancels.Load())
}
