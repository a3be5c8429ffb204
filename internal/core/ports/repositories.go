package ports

import (
	"context"
	"time"

	"github.com/diaglink/proxy/internal/domain"
)

type TaskEventRepository interface {
	Create(ctx context.Context, event *domain.TaskEvent) error
	GetByTask(ctx context.Context, taskID string) ([]domain.TaskEvent, error)
	GetAll(ctx context.Context, limit int) ([]domain.TaskEvent, error)
	CleanupOld(ctx context.Context, olderThan time.Duration) (int64, error)
}
