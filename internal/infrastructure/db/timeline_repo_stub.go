package db

import (
	"context"
	"sync"
	"time"

	"github.com/diaglink/proxy/internal/core/ports"
	"github.com/diaglink/proxy/internal/domain"
	"github.com/diaglink/proxy/internal/infrastructure/logger"
)

// TaskEventRepoStub keeps a bounded window of events in memory and logs
// each one. It stands in for postgres when the database is disabled.
type TaskEventRepoStub struct {
	logger *logger.Logger
	limit  int

	mu     sync.RWMutex
	events []domain.TaskEvent
	nextID uint
}

func NewTaskEventRepoStub(log *logger.Logger, limit int) ports.TaskEventRepository {
	if limit <= 0 {
		limit = 10000
	}
	return &TaskEventRepoStub{logger: log, limit: limit}
}

func (r *TaskEventRepoStub) Create(ctx context.Context, event *domain.TaskEvent) error {
	r.mu.Lock()
	r.nextID++
	event.ID = r.nextID
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	r.events = append(r.events, *event)
	if over := len(r.events) - r.limit; over > 0 {
		r.events = append(r.events[:0:0], r.events[over:]...)
	}
	r.mu.Unlock()

	r.logger.Infow("task event",
		"task_id", event.TaskID,
		"type", event.Type,
		"command", event.Command,
		"agent_id", event.AgentID,
		"code", event.Code,
		"message", event.Message,
	)
	return nil
}

func (r *TaskEventRepoStub) GetByTask(ctx context.Context, taskID string) ([]domain.TaskEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.TaskEvent
	for _, e := range r.events {
		if e.TaskID == taskID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *TaskEventRepoStub) GetAll(ctx context.Context, limit int) ([]domain.TaskEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if limit <= 0 || limit > len(r.events) {
		limit = len(r.events)
	}
	out := make([]domain.TaskEvent, 0, limit)
	for i := len(r.events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, r.events[i])
	}
	return out, nil
}

func (r *TaskEventRepoStub) CleanupOld(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.events[:0]
	for _, e := range r.events {
		if !e.CreatedAt.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	n := int64(len(r.events) - len(kept))
	r.events = kept
	return n, nil
}
