package services

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diaglink/proxy/internal/core/ports"
	"github.com/diaglink/proxy/internal/infrastructure/logger"
)

type funcJob struct {
	id  string
	run func(ctx context.Context) (int, error)

	pauses  atomic.Int32
	resumes atomic.Int32
}

func (j *funcJob) ID() string                           { return j.id }
func (j *funcJob) Run(ctx context.Context) (int, error) { return j.run(ctx) }
func (j *funcJob) Pause()                               { j.pauses.Add(1) }
func (j *funcJob) Resume()                              { j.resumes.Add(1) }

func blockingJob(id string) *funcJob {
	return &funcJob{id: id, run: func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return -1, ctx.Err()
	}}
}

type fixedTask struct {
	id  string
	job ports.Job
}

func (t *fixedTask) ID() string                { return t.id }
func (t *fixedTask) MaxRunning() time.Duration { return time.Minute }
func (t *fixedTask) CreateJob() ports.Job      { return t.job }

func settle(t *testing.T, c *Completion) (int, error) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("completion did not settle")
	}
	return c.Result()
}

func TestCompletionFirstWins(t *testing.T) {
	c := NewCompletion()
	assert.False(t, c.Settled())

	c.Complete(3)
	c.Fail(errors.New("late"))
	c.Cancel()

	code, err := c.Result()
	assert.True(t, c.Settled())
	assert.Equal(t, 3, code)
	assert.NoError(t, err)

	c = NewCompletion()
	c.Cancel()
	_, err = c.Result()
	assert.ErrorIs(t, err, ErrTaskCanceled)
}

func TestJobStoreCompletes(t *testing.T) {
	store := NewJobStore(logger.NewNop())
	done := NewCompletion()
	require.NoError(t, store.Submit(&funcJob{id: "j", run: func(context.Context) (int, error) { return 7, nil }}, done))

	code, err := settle(t, done)
	assert.NoError(t, err)
	assert.Equal(t, 7, code)
	assert.Eventually(t, func() bool { return !store.Running("j") }, time.Second, time.Millisecond)
}

func TestJobStoreFailsAndRecovers(t *testing.T) {
	store := NewJobStore(logger.NewNop())

	failed := NewCompletion()
	boom := errors.New("boom")
	require.NoError(t, store.Submit(&funcJob{id: "f", run: func(context.Context) (int, error) { return -1, boom }}, failed))
	_, err := settle(t, failed)
	assert.ErrorIs(t, err, boom)

	panicked := NewCompletion()
	require.NoError(t, store.Submit(&funcJob{id: "p", run: func(context.Context) (int, error) { panic("kaboom") }}, panicked))
	_, err = settle(t, panicked)
	assert.ErrorContains(t, err, "kaboom")
}

func TestJobStoreStopCancels(t *testing.T) {
	store := NewJobStore(logger.NewNop())
	done := NewCompletion()
	require.NoError(t, store.Submit(blockingJob("j"), done))
	assert.True(t, store.Running("j"))

	require.NoError(t, store.Stop("j"))
	require.NoError(t, store.Stop("j"))
	require.NoError(t, store.Stop("unknown"))

	_, err := settle(t, done)
	assert.ErrorIs(t, err, ErrTaskCanceled)
}

func TestJobStoreRejectsDuplicates(t *testing.T) {
	store := NewJobStore(logger.NewNop())
	require.NoError(t, store.Submit(blockingJob("j"), NewCompletion()))
	err := store.Submit(blockingJob("j"), NewCompletion())
	assert.ErrorIs(t, err, ErrTaskDuplicate)
	require.NoError(t, store.Shutdown(context.Background()))
}

func TestJobStoreFreesIDBeforeSettling(t *testing.T) {
	store := NewJobStore(logger.NewNop())
	done := NewCompletion()
	require.NoError(t, store.Submit(&funcJob{id: "j", run: func(context.Context) (int, error) { return 0, nil }}, done))
	_, err := settle(t, done)
	require.NoError(t, err)

	assert.False(t, store.Running("j"))
	require.NoError(t, store.Submit(blockingJob("j"), NewCompletion()))
	require.NoError(t, store.Shutdown(context.Background()))
}

func TestJobStorePauseResume(t *testing.T) {
	store := NewJobStore(logger.NewNop())
	job := blockingJob("j")
	require.NoError(t, store.Submit(job, NewCompletion()))

	require.NoError(t, store.Pause("j"))
	require.NoError(t, store.Resume("j"))
	require.NoError(t, store.Pause("missing"))
	assert.Equal(t, int32(1), job.pauses.Load())
	assert.Equal(t, int32(1), job.resumes.Load())
	require.NoError(t, store.Shutdown(context.Background()))
}

func TestJobStoreShutdown(t *testing.T) {
	store := NewJobStore(logger.NewNop())
	done := NewCompletion()
	require.NoError(t, store.Submit(blockingJob("j"), done))

	require.NoError(t, store.Shutdown(context.Background()))
	_, err := done.Result()
	assert.ErrorIs(t, err, ErrTaskCanceled)

	assert.ErrorIs(t, store.Submit(blockingJob("k"), NewCompletion()), ErrJobStoreStopped)
}

func TestRunningTaskDelegatesToStore(t *testing.T) {
	store := NewJobStore(logger.NewNop())
	job := blockingJob("t")
	rt := NewRunningTask(store, &fixedTask{id: "t", job: job})
	assert.Equal(t, "t", rt.ID())
	assert.Equal(t, time.Minute, rt.MaxRunning())

	c := rt.Execute()
	require.NoError(t, rt.Pause())
	require.NoError(t, rt.Resume())
	assert.Equal(t, int32(1), job.pauses.Load())

	require.NoError(t, rt.Cancel())
	_, err := settle(t, c)
	assert.ErrorIs(t, err, ErrTaskCanceled)
}

func TestRunningTaskSubmitFailureSettles(t *testing.T) {
	store := NewJobStore(logger.NewNop())
	require.NoError(t, store.Shutdown(context.Background()))

	c := NewRunningTask(store, &fixedTask{id: "t", job: blockingJob("t")}).Execute()
	_, err := settle(t, c)
	assert.ErrorIs(t, err, ErrJobStoreStopped)
}

func TestRunningTaskCancelBeforeExecute(t *testing.T) {
	store := NewJobStore(logger.NewNop())
	var ran atomic.Bool
	job := &funcJob{id: "t", run: func(context.Context) (int, error) {
		ran.Store(true)
		return 0, nil
	}}
	rt := NewRunningTask(store, &fixedTask{id: "t", job: job})

	require.NoError(t, rt.Cancel())
	c := rt.Execute()
	_, err := settle(t, c)
	assert.ErrorIs(t, err, ErrTaskCanceled)
	assert.False(t, ran.Load())
	assert.False(t, store.Running("t"))
	assert.Same(t, c, rt.Execute())
}

func TestRunningTaskPauseBeforeExecute(t *testing.T) {
	store := NewJobStore(logger.NewNop())
	job := blockingJob("t")
	rt := NewRunningTask(store, &fixedTask{id: "t", job: job})

	require.NoError(t, rt.Pause())
	c := rt.Execute()
	assert.Equal(t, int32(1), job.pauses.Load())
	assert.True(t, store.Running("t"))

	require.NoError(t, rt.Resume())
	assert.Equal(t, int32(1), job.resumes.Load())

	require.NoError(t, rt.Cancel())
	_, err := settle(t, c)
	assert.ErrorIs(t, err, ErrTaskCanceled)
}

func TestRunningTaskPauseThenResumeBeforeExecute(t *testing.T) {
	store := NewJobStore(logger.NewNop())
	job := blockingJob("t")
	rt := NewRunningTask(store, &fixedTask{id: "t", job: job})

	require.NoError(t, rt.Pause())
	require.NoError(t, rt.Resume())
	rt.Execute()
	assert.Zero(t, job.pauses.Load())
	require.NoError(t, store.Shutdown(context.Background()))
}
