package tasks

import (
	"errors"
	"time"
)

// Task states mirror the terminal job states plus running.
const (
	StateRunning   = "running"
	StateSucceeded = "succeeded"
	StateFailed    = "failed"
	StateCancelled = "cancelled"
)

var (
	// ErrInvalidUserID indicates that a user identifier is not positive.
	ErrInvalidUserID = errors.New("tasks: invalid user id")
	// ErrInvalidName indicates an empty task name.
	ErrInvalidName = errors.New("tasks: invalid name")
	// ErrTaskInProgress indicates that the user already runs a task of that name.
	ErrTaskInProgress = errors.New("tasks: task already in progress")
)

// Task is the durable record of a job launched for a user.
type Task struct {
	ID          string    `gorm:"column:id;primaryKey;size:36"`
	Name        string    `gorm:"column:name;size:128;not null;index:idx_tasks_user_name,priority:2"`
	Description string    `gorm:"column:description;size:128"`
	UserID      int64     `gorm:"column:user_id;not null;index:idx_tasks_user_name,priority:1"`
	Complete    bool      `gorm:"column:complete;not null;default:false"`
	State       string    `gorm:"column:state;size:16;not null"`
	Progress    int       `gorm:"column:progress;not null;default:0"`
	Error       string    `gorm:"column:error;type:text"`
	CreatedAt   time.Time `gorm:"column:created_at;not null"`
	UpdatedAt   time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Task) TableName() string {
	return "tasks"
}
