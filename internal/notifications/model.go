package notifications

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const maxNameLength = 128

// Well-known notification names.
const (
	NameTaskProgress      = "task_progress"
	NameUnreadNotifsCount = "unread_notifs_count"
)

var (
	// ErrInvalidName indicates that a notification name is empty or exceeds storage bounds.
	ErrInvalidName = errors.New("notifications: invalid name")
	// ErrInvalidUserID indicates that a user identifier is not positive.
	ErrInvalidUserID = errors.New("notifications: invalid user id")
)

// Notification is the single live event of a given name for a user.
type Notification struct {
	ID          int64   `gorm:"column:id;primaryKey;autoIncrement"`
	Name        string  `gorm:"column:name;size:128;not null;index;uniqueIndex:idx_notifications_user_name,priority:2"`
	UserID      int64   `gorm:"column:user_id;not null;uniqueIndex:idx_notifications_user_name,priority:1;index:idx_notifications_user_time,priority:1"`
	Timestamp   float64 `gorm:"column:timestamp;not null;index;index:idx_notifications_user_time,priority:2"`
	PayloadJSON string  `gorm:"column:payload_json;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Notification) TableName() string {
	return "notifications"
}

// Data decodes the stored payload.
func (n Notification) Data() (json.RawMessage, error) {
	if strings.TrimSpace(n.PayloadJSON) == "" {
		return json.RawMessage("null"), nil
	}
	if !json.Valid([]byte(n.PayloadJSON)) {
		return nil, fmt.Errorf("notifications: payload for %q is not valid json", n.Name)
	}
	return json.RawMessage(n.PayloadJSON), nil
}

// TaskProgressPayload is carried by the task_progress notification.
type TaskProgressPayload struct {
	TaskID   string `json:"task_id"`
	Progress int    `json:"progress"`
	State    string `json:"state"`
	Error    string `json:"error,omitempty"`
}

func validateName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if len(trimmed) > maxNameLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidName, maxNameLength)
	}
	return trimmed, nil
}
