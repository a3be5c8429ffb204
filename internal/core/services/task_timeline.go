package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/diaglink/proxy/internal/core/ports"
	"github.com/diaglink/proxy/internal/domain"
	"github.com/diaglink/proxy/internal/infrastructure/logger"
)

type TaskTimelineConfig struct {
	QueueSize       int
	Retention       time.Duration
	CleanupSchedule string
}

// TaskTimeline records task lifecycle events without blocking the caller.
// A single writer drains the queue into the repository; a cron job prunes
// events older than the retention window.
type TaskTimeline struct {
	repo      ports.TaskEventRepository
	queue     chan domain.TaskEvent
	retention time.Duration
	cron      *cron.Cron
	logger    *logger.Logger

	mu      sync.RWMutex
	closed  bool
	written chan struct{}
}

func NewTaskTimeline(repo ports.TaskEventRepository, cfg TaskTimelineConfig, log *logger.Logger) (*TaskTimeline, error) {
	size := cfg.QueueSize
	if size <= 0 {
		size = 1024
	}
	t := &TaskTimeline{
		repo:      repo,
		queue:     make(chan domain.TaskEvent, size),
		retention: cfg.Retention,
		cron:      cron.New(),
		logger:    log,
		written:   make(chan struct{}),
	}
	if cfg.Retention > 0 && cfg.CleanupSchedule != "" {
		if _, err := t.cron.AddFunc(cfg.CleanupSchedule, t.cleanup); err != nil {
			return nil, fmt.Errorf("timeline: invalid cleanup schedule %q: %w", cfg.CleanupSchedule, err)
		}
	}
	return t, nil
}

func (t *TaskTimeline) Start() {
	go t.write()
	t.cron.Start()
	t.logger.Infow("task_timeline_started", "queue_size", cap(t.queue), "retention", t.retention)
}

// Record queues ev. When the queue is full or the timeline is stopped the
// event is dropped with a warning. A nil timeline records nothing.
func (t *TaskTimeline) Record(ev domain.TaskEvent) {
	if t == nil {
		return
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return
	}
	select {
	case t.queue <- ev:
	default:
		t.logger.Warnw("task_timeline_dropped", "task_id", ev.TaskID, "type", ev.Type)
	}
}

func (t *TaskTimeline) write() {
	defer close(t.written)
	for ev := range t.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := t.repo.Create(ctx, &ev); err != nil {
			t.logger.Errorw("task_timeline_write_failed", "task_id", ev.TaskID, "type", ev.Type, "error", err)
		}
		cancel()
	}
}

func (t *TaskTimeline) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	n, err := t.repo.CleanupOld(ctx, t.retention)
	if err != nil {
		t.logger.Errorw("task_timeline_cleanup_failed", "error", err)
		return
	}
	t.logger.Infow("task_timeline_cleanup_ok", "deleted", n, "retention", t.retention)
}

func (t *TaskTimeline) Events(ctx context.Context, taskID string) ([]domain.TaskEvent, error) {
	return t.repo.GetByTask(ctx, taskID)
}

func (t *TaskTimeline) Recent(ctx context.Context, limit int) ([]domain.TaskEvent, error) {
	return t.repo.GetAll(ctx, limit)
}

// Stop halts the retention job, then flushes queued events until ctx ends.
func (t *TaskTimeline) Stop(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.queue)
	t.mu.Unlock()

	<-t.cron.Stop().Done()

	select {
	case <-t.written:
		t.logger.Infow("task_timeline_stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
