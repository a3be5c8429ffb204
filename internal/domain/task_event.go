package domain

import (
	"time"

	"gorm.io/gorm"
)

type TaskEventType string

const (
	TaskEventRegistered TaskEventType = "registered"
	TaskEventFinished   TaskEventType = "finished"
	TaskEventCancelled  TaskEventType = "cancelled"
	TaskEventReclaimed  TaskEventType = "reclaimed"
	TaskEventRejected   TaskEventType = "rejected"
	TaskEventFailed     TaskEventType = "failed"
)

// TaskEvent is one lifecycle transition of a diagnostic task.
type TaskEvent struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `gorm:"index" json:"created_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	TaskID  string        `gorm:"size:64;not null;index" json:"task_id"`
	Type    TaskEventType `gorm:"size:20;not null;index" json:"type"`
	Command string        `gorm:"size:40" json:"command"`
	AgentID string        `gorm:"size:128;index" json:"agent_id"`
	App     string        `gorm:"size:128" json:"app"`
	User    string        `gorm:"size:128" json:"user"`
	Code    int           `json:"code"`
	Message string        `gorm:"type:text" json:"message,omitempty"`
}
