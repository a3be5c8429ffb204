package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diaglink/proxy/internal/domain"
	"github.com/diaglink/proxy/internal/infrastructure/logger"
)

func TestTaskEventRepoStub(t *testing.T) {
	ctx := context.Background()
	repo := NewTaskEventRepoStub(logger.NewNop(), 3)

	for _, ev := range []domain.TaskEvent{
		{TaskID: "a", Type: domain.TaskEventRegistered},
		{TaskID: "b", Type: domain.TaskEventRegistered},
		{TaskID: "a", Type: domain.TaskEventFinished},
		{TaskID: "c", Type: domain.TaskEventRejected},
	} {
		require.NoError(t, repo.Create(ctx, &ev))
		assert.NotZero(t, ev.ID)
	}

	all, err := repo.GetAll(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3, "oldest event is evicted past the limit")
	assert.Equal(t, "c", all[0].TaskID)

	recent, err := repo.GetAll(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, domain.TaskEventRejected, recent[0].Type)

	events, err := repo.GetByTask(ctx, "a")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.TaskEventFinished, events[0].Type)
}

func TestTaskEventRepoStubCleanup(t *testing.T) {
	ctx := context.Background()
	repo := NewTaskEventRepoStub(logger.NewNop(), 0)

	require.NoError(t, repo.Create(ctx, &domain.TaskEvent{TaskID: "old", CreatedAt: time.Now().Add(-2 * time.Hour)}))
	require.NoError(t, repo.Create(ctx, &domain.TaskEvent{TaskID: "new"}))

	n, err := repo.CleanupOld(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	all, err := repo.GetAll(ctx, 10)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "new", all[0].TaskID)
}
