package search

import (
	"encoding/json"
)

// OutboxOperation enumerates the index mutations recorded by the observer.
type OutboxOperation string

const (
	// OutboxOperationUpsert adds or replaces a document.
	OutboxOperationUpsert OutboxOperation = "upsert"
	// OutboxOperationRemove removes a document.
	OutboxOperationRemove OutboxOperation = "remove"
)

// OutboxStatus tracks delivery of an outbox entry to the index.
type OutboxStatus string

const (
	OutboxStatusPending OutboxStatus = "pending"
	OutboxStatusDone    OutboxStatus = "done"
	OutboxStatusFailed  OutboxStatus = "failed"
)

// OutboxEntry is a pending index mutation committed alongside the record change.
type OutboxEntry struct {
	ID         int64           `gorm:"column:id;primaryKey;autoIncrement"`
	Collection string          `gorm:"column:collection;size:64;not null"`
	RecordID   int64           `gorm:"column:record_id;not null"`
	Operation  OutboxOperation `gorm:"column:operation;size:16;not null"`
	FieldsJSON string          `gorm:"column:fields_json;type:text;not null"`
	Status     OutboxStatus    `gorm:"column:status;size:16;not null;index:idx_search_outbox_status,priority:1"`
	Attempts   int             `gorm:"column:attempts;not null;default:0"`
	LastError  string          `gorm:"column:last_error;type:text"`
	CreatedAtS int64           `gorm:"column:created_at_s;not null"`
	UpdatedAtS int64           `gorm:"column:updated_at_s;not null;index:idx_search_outbox_status,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (OutboxEntry) TableName() string {
	return "search_outbox"
}

// Document decodes the field snapshot into an index document.
func (e OutboxEntry) Document() (Document, error) {
	fields := map[string]string{}
	if e.FieldsJSON != "" {
		if err := json.Unmarshal([]byte(e.FieldsJSON), &fields); err != nil {
			return Document{}, err
		}
	}
	return Document{ID: e.RecordID, Fields: fields}, nil
}
