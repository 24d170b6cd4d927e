package search

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	callbackObserveCreate = "search:observe_create"
	callbackObserveUpdate = "search:observe_update"
	callbackObserveDelete = "search:observe_delete"
	callbackCommit        = "gorm:commit_or_rollback_transaction"
)

// RegisterObserver installs GORM callbacks that record index mutations of
// Searchable models in the outbox. The rows are written through the
// statement's own connection, so they commit or roll back with the change.
func RegisterObserver(db *gorm.DB, logger *zap.Logger) error {
	if db == nil {
		return errors.New("search: database handle is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &observer{logger: logger, clock: time.Now}

	callbacks := db.Callback()
	if err := callbacks.Create().After("gorm:create").Before(callbackCommit).
		Register(callbackObserveCreate, o.afterCreate); err != nil {
		return fmt.Errorf("search: register create observer: %w", err)
	}
	if err := callbacks.Update().After("gorm:update").Before(callbackCommit).
		Register(callbackObserveUpdate, o.afterUpdate); err != nil {
		return fmt.Errorf("search: register update observer: %w", err)
	}
	if err := callbacks.Delete().After("gorm:delete").Before(callbackCommit).
		Register(callbackObserveDelete, o.afterDelete); err != nil {
		return fmt.Errorf("search: register delete observer: %w", err)
	}
	return nil
}

type observer struct {
	logger *zap.Logger
	clock  func() time.Time
}

func (o *observer) afterCreate(db *gorm.DB) {
	o.record(db, OutboxOperationUpsert, false)
}

// Updates may touch a subset of columns; the row is re-read so the snapshot
// reflects what the transaction will commit.
func (o *observer) afterUpdate(db *gorm.DB) {
	o.record(db, OutboxOperationUpsert, true)
}

func (o *observer) afterDelete(db *gorm.DB) {
	o.record(db, OutboxOperationRemove, false)
}

func (o *observer) record(db *gorm.DB, operation OutboxOperation, reload bool) {
	stmt := db.Statement
	if db.Error != nil || stmt.Schema == nil || db.RowsAffected == 0 {
		return
	}
	if !isSearchableType(stmt.Schema.ModelType) {
		return
	}

	records := searchableRecords(stmt.ReflectValue)
	session := db.Session(&gorm.Session{NewDB: true, SkipDefaultTransaction: true, SkipHooks: true})
	now := o.clock().UTC().Unix()
	entries := make([]OutboxEntry, 0, len(records))
	for _, record := range records {
		id := record.SearchID()
		if id <= 0 {
			o.logger.Warn(
				"search statement without record id; reindex required",
				zap.String("table", stmt.Table),
				zap.String("operation", string(operation)),
			)
			continue
		}
		if reload {
			fresh := reflect.New(stmt.Schema.ModelType).Interface()
			if err := session.Table(stmt.Table).Take(fresh, id).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					continue
				}
				db.AddError(fmt.Errorf("search: reload %s %d: %w", stmt.Table, id, err))
				return
			}
			record = fresh.(Searchable)
		}
		entry, err := newOutboxEntry(record, operation, now)
		if err != nil {
			db.AddError(err)
			return
		}
		entries = append(entries, entry)
	}
	if len(entries) == 0 {
		if len(records) == 0 {
			o.logger.Warn(
				"search statement without addressable records; reindex required",
				zap.String("table", stmt.Table),
				zap.String("operation", string(operation)),
			)
		}
		return
	}
	if err := session.Create(&entries).Error; err != nil {
		db.AddError(fmt.Errorf("search: write outbox: %w", err))
	}
}

func newOutboxEntry(record Searchable, operation OutboxOperation, now int64) (OutboxEntry, error) {
	fieldsJSON := "{}"
	if operation == OutboxOperationUpsert {
		encoded, err := json.Marshal(record.SearchFields())
		if err != nil {
			return OutboxEntry{}, fmt.Errorf("search: encode fields: %w", err)
		}
		fieldsJSON = string(encoded)
	}
	return OutboxEntry{
		Collection: record.SearchCollection(),
		RecordID:   record.SearchID(),
		Operation:  operation,
		FieldsJSON: fieldsJSON,
		Status:     OutboxStatusPending,
		CreatedAtS: now,
		UpdatedAtS: now,
	}, nil
}

var searchableType = reflect.TypeOf((*Searchable)(nil)).Elem()

func isSearchableType(modelType reflect.Type) bool {
	if modelType == nil {
		return false
	}
	return modelType.Implements(searchableType) || reflect.PointerTo(modelType).Implements(searchableType)
}

func searchableRecords(value reflect.Value) []Searchable {
	value = reflect.Indirect(value)
	switch value.Kind() {
	case reflect.Slice, reflect.Array:
		records := make([]Searchable, 0, value.Len())
		for i := 0; i < value.Len(); i++ {
			if record, ok := asSearchable(value.Index(i)); ok {
				records = append(records, record)
			}
		}
		return records
	case reflect.Struct:
		if record, ok := asSearchable(value); ok {
			return []Searchable{record}
		}
	}
	return nil
}

func asSearchable(value reflect.Value) (Searchable, bool) {
	value = reflect.Indirect(value)
	if !value.IsValid() || !value.CanInterface() {
		return nil, false
	}
	record, ok := value.Interface().(Searchable)
	return record, ok
}
