package search

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type article struct {
	ID     int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Title  string `gorm:"column:title;not null"`
	Body   string `gorm:"column:body;not null"`
	Hidden bool   `gorm:"column:hidden;not null;default:false"`
}

func (article) TableName() string {
	return "articles"
}

func (a article) SearchCollection() string {
	return "articles"
}

func (a article) SearchID() int64 {
	return a.ID
}

func (a article) SearchFields() map[string]string {
	return map[string]string{"title": a.Title, "body": a.Body}
}

func openTestDatabase(t *testing.T, logger *zap.Logger, observe bool) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:kura_search_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(&article{}, &OutboxEntry{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	if observe {
		if err := RegisterObserver(db, logger); err != nil {
			t.Fatalf("failed to register observer: %v", err)
		}
	}
	return db
}

func newTestRelay(t *testing.T, db *gorm.DB, index Index, maxAttempts int) *Relay {
	t.Helper()

	relay, err := NewRelay(RelayConfig{
		Database:      db,
		Index:         index,
		BatchSize:     2,
		MaxAttempts:   maxAttempts,
		RetryAttempts: 1,
		RetryDelay:    time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to construct relay: %v", err)
	}
	return relay
}

// flakyIndex fails every call while broken is set.
type flakyIndex struct {
	*MemoryIndex
	broken atomic.Bool
	calls  atomic.Int64
}

func newFlakyIndex() *flakyIndex {
	return &flakyIndex{MemoryIndex: NewMemoryIndex()}
}

func (f *flakyIndex) Add(ctx context.Context, collection string, doc Document) error {
	f.calls.Add(1)
	if f.broken.Load() {
		return ErrIndexUnavailable
	}
	return f.MemoryIndex.Add(ctx, collection, doc)
}

func (f *flakyIndex) Remove(ctx context.Context, collection string, id int64) error {
	f.calls.Add(1)
	if f.broken.Load() {
		return ErrIndexUnavailable
	}
	return f.MemoryIndex.Remove(ctx, collection, id)
}

type stubIndex struct {
	result QueryResult
	err    error
}

func (s stubIndex) Add(context.Context, string, Document) error { return nil }

func (s stubIndex) Remove(context.Context, string, int64) error { return nil }

func (s stubIndex) Query(context.Context, string, string, int, int) (QueryResult, error) {
	return s.result, s.err
}
