package db

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/diaglink/proxy/internal/core/ports"
	"github.com/diaglink/proxy/internal/domain"
	"github.com/diaglink/proxy/internal/infrastructure/logger"
)

type taskEventRepository struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTaskEventRepository(db *gorm.DB, log *logger.Logger) ports.TaskEventRepository {
	return &taskEventRepository{
		db:  db,
		log: log,
	}
}

func (r *taskEventRepository) Create(ctx context.Context, event *domain.TaskEvent) error {
	if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
		r.log.Errorw("task_event_repo_create_failed", "task_id", event.TaskID, "type", event.Type, "error", err)
		return err
	}
	r.log.Debugw("task_event_repo_create_ok", "id", event.ID, "task_id", event.TaskID, "type", event.Type)
	return nil
}

func (r *taskEventRepository) GetAll(ctx context.Context, limit int) ([]domain.TaskEvent, error) {
	var events []domain.TaskEvent
	err := r.db.WithContext(ctx).
		Order("created_at desc").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		r.log.Errorw("task_event_repo_list_failed", "error", err)
		return nil, err
	}
	return events, nil
}

func (r *taskEventRepository) GetByTask(ctx context.Context, taskID string) ([]domain.TaskEvent, error) {
	var events []domain.TaskEvent
	err := r.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("created_at asc").
		Find(&events).Error
	if err != nil {
		r.log.Errorw("task_event_repo_get_by_task_failed", "task_id", taskID, "error", err)
		return nil, err
	}
	return events, nil
}

// CleanupOld hard-deletes events older than olderThan.
func (r *taskEventRepository) CleanupOld(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	res := r.db.WithContext(ctx).
		Unscoped().
		Where("created_at < ?", cutoff).
		Delete(&domain.TaskEvent{})
	if res.Error != nil {
		r.log.Errorw("task_event_repo_cleanup_failed", "error", res.Error)
		return 0, res.Error
	}
	r.log.Infow("task_event_repo_cleanup_ok", "deleted", res.RowsAffected)
	return res.RowsAffected, nil
}
