package db

import (
	"gorm.io/gorm"

	"github.com/diaglink/proxy/internal/domain"
)

func RunMigrations(db *gorm.DB) error {
	if err := db.AutoMigrate(&domain.TaskEvent{}); err != nil {
		return err
	}
	return createCustomIndexes(db)
}

func createCustomIndexes(db *gorm.DB) error {
	// Timeline lookups for one task walk its events in order.
	return db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_task_events_task_created
		ON task_events (task_id, created_at)
		WHERE deleted_at IS NULL
	`).Error
}
