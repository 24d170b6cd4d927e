package search

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"go.uber.org/zap"
	zapobserver "go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

func TestObserverMirrorsLifecycleThroughRelay(t *testing.T) {
	db := openTestDatabase(t, nil, true)
	index := NewMemoryIndex()
	relay := newTestRelay(t, db, index, 3)
	ctx := context.Background()

	record := article{Title: "hello world", Body: "first post"}
	if err := db.Create(&record).Error; err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if index.Len("articles") != 0 {
		t.Fatalf("index must not change before the relay drains")
	}
	stats, err := relay.Drain(ctx)
	if err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	if stats.Delivered != 1 {
		t.Fatalf("expected one delivery, got %+v", stats)
	}
	result, err := index.Query(ctx, "articles", "hello", 1, 10)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if !reflect.DeepEqual(result.IDs, []int64{record.ID}) {
		t.Fatalf("expected created record to be searchable, got %v", result.IDs)
	}

	if err := db.Model(&record).Update("title", "goodbye").Error; err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if _, err := relay.Drain(ctx); err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	fields, ok := index.Fields("articles", record.ID)
	if !ok || fields["title"] != "goodbye" || fields["body"] != "first post" {
		t.Fatalf("expected updated snapshot, got %v", fields)
	}

	if err := db.Delete(&record).Error; err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := relay.Drain(ctx); err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	if index.Len("articles") != 0 {
		t.Fatalf("expected deleted record to leave the index")
	}

	var pending int64
	db.Model(&OutboxEntry{}).Where("status = ?", OutboxStatusPending).Count(&pending)
	if pending != 0 {
		t.Fatalf("expected no pending entries, got %d", pending)
	}
}

func TestObserverRecordsNothingOnRollback(t *testing.T) {
	db := openTestDatabase(t, nil, true)

	errAbort := errors.New("abort")
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&article{Title: "draft", Body: "never committed"}).Error; err != nil {
			return err
		}
		return errAbort
	})
	if !errors.Is(err, errAbort) {
		t.Fatalf("expected abort error, got %v", err)
	}

	var outboxCount, articleCount int64
	db.Model(&OutboxEntry{}).Count(&outboxCount)
	db.Model(&article{}).Count(&articleCount)
	if outboxCount != 0 || articleCount != 0 {
		t.Fatalf("expected rollback to discard both rows, got outbox=%d articles=%d", outboxCount, articleCount)
	}
}

func TestObserverRecordsBatchCreate(t *testing.T) {
	db := openTestDatabase(t, nil, true)

	records := []article{{Title: "one"}, {Title: "two"}, {Title: "three"}}
	if err := db.Create(&records).Error; err != nil {
		t.Fatalf("batch create failed: %v", err)
	}
	var entries []OutboxEntry
	if err := db.Order("id ASC").Find(&entries).Error; err != nil {
		t.Fatalf("load outbox failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected one entry per record, got %d", len(entries))
	}
	for i, entry := range entries {
		if entry.RecordID != records[i].ID || entry.Operation != OutboxOperationUpsert {
			t.Fatalf("unexpected entry %d: %+v", i, entry)
		}
	}
}

func TestObserverWarnsOnBulkDelete(t *testing.T) {
	core, logs := zapobserver.New(zap.WarnLevel)
	db := openTestDatabase(t, zap.New(core), true)

	if err := db.Create(&article{Title: "bulk"}).Error; err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := db.Where("title = ?", "bulk").Delete(&article{}).Error; err != nil {
		t.Fatalf("bulk delete failed: %v", err)
	}

	var removals int64
	db.Model(&OutboxEntry{}).Where("operation = ?", OutboxOperationRemove).Count(&removals)
	if removals != 0 {
		t.Fatalf("expected no removal entry without a record id, got %d", removals)
	}
	if logs.FilterMessage("search statement without record id; reindex required").Len() != 1 {
		t.Fatalf("expected a reindex warning, got %v", logs.All())
	}
}

func TestRelayKeepsFailedEntryPending(t *testing.T) {
	db := openTestDatabase(t, nil, true)
	index := newFlakyIndex()
	index.broken.Store(true)
	relay := newTestRelay(t, db, index, 5)
	ctx := context.Background()

	record := article{Title: "resilient"}
	if err := db.Create(&record).Error; err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := db.Model(&record).Update("title", "still resilient").Error; err != nil {
		t.Fatalf("update failed: %v", err)
	}

	stats, err := relay.Drain(ctx)
	if err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	if stats.Delivered != 0 || stats.Deferred != 2 {
		t.Fatalf("expected both entries deferred, got %+v", stats)
	}
	if index.calls.Load() != 1 {
		t.Fatalf("expected later entry of the same record to wait, got %d index calls", index.calls.Load())
	}

	var stored article
	if err := db.First(&stored, record.ID).Error; err != nil {
		t.Fatalf("business row must stay committed: %v", err)
	}
	var first OutboxEntry
	if err := db.Order("id ASC").First(&first).Error; err != nil {
		t.Fatalf("load outbox failed: %v", err)
	}
	if first.Status != OutboxStatusPending || first.Attempts != 1 || first.LastError == "" {
		t.Fatalf("unexpected entry after failure: %+v", first)
	}

	index.broken.Store(false)
	stats, err = relay.Drain(ctx)
	if err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	if stats.Delivered != 2 {
		t.Fatalf("expected recovery to deliver both entries, got %+v", stats)
	}
	fields, ok := index.Fields("articles", record.ID)
	if !ok || fields["title"] != "still resilient" {
		t.Fatalf("expected latest snapshot to win, got %v", fields)
	}
}

func TestRelayMarksEntryFailedAfterMaxAttempts(t *testing.T) {
	core, logs := zapobserver.New(zap.ErrorLevel)
	db := openTestDatabase(t, nil, true)
	index := newFlakyIndex()
	index.broken.Store(true)
	relay, err := NewRelay(RelayConfig{
		Database:      db,
		Index:         index,
		MaxAttempts:   2,
		RetryAttempts: 1,
		Logger:        zap.New(core),
	})
	if err != nil {
		t.Fatalf("failed to construct relay: %v", err)
	}
	ctx := context.Background()

	if err := db.Create(&article{Title: "doomed"}).Error; err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := relay.Drain(ctx); err != nil {
		t.Fatalf("first drain failed: %v", err)
	}
	stats, err := relay.Drain(ctx)
	if err != nil {
		t.Fatalf("second drain failed: %v", err)
	}
	if stats.Failed != 1 {
		t.Fatalf("expected entry to be abandoned, got %+v", stats)
	}
	pending, err := relay.Pending(ctx)
	if err != nil || pending != 0 {
		t.Fatalf("expected no pending entries, got %d err=%v", pending, err)
	}
	if logs.FilterMessage("index mirror abandoned; reindex required").Len() != 1 {
		t.Fatalf("expected abandonment to be logged")
	}
}

func TestRelayPurgeRemovesDeliveredEntries(t *testing.T) {
	db := openTestDatabase(t, nil, true)
	relay := newTestRelay(t, db, NewMemoryIndex(), 3)
	ctx := context.Background()

	if err := db.Create(&article{Title: "old"}).Error; err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := relay.Drain(ctx); err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	purged, err := relay.Purge(ctx, -1)
	if err != nil {
		t.Fatalf("purge failed: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected one purged entry, got %d", purged)
	}
}

func TestReindexRebuildsIndexFromStore(t *testing.T) {
	db := openTestDatabase(t, nil, false)
	for _, title := range []string{"alpha", "beta", "gamma"} {
		if err := db.Create(&article{Title: title}).Error; err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}
	index := NewMemoryIndex()

	for run := 0; run < 2; run++ {
		count, err := Reindex[article](context.Background(), db, index, 2)
		if err != nil {
			t.Fatalf("reindex failed: %v", err)
		}
		if count != 3 {
			t.Fatalf("expected 3 indexed records, got %d", count)
		}
	}
	if index.Len("articles") != 3 {
		t.Fatalf("expected idempotent reindex, got %d documents", index.Len("articles"))
	}
}

func TestRelayWakesOnWrite(t *testing.T) {
	db := openTestDatabase(t, nil, true)
	index := NewMemoryIndex()
	relay, err := NewRelay(RelayConfig{Database: db, Index: index, RetryAttempts: 1, PollInterval: time.Hour})
	if err != nil {
		t.Fatalf("failed to construct relay: %v", err)
	}
	if err := relay.WakeOnWrite(db); err != nil {
		t.Fatalf("failed to register wake-up: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = relay.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	if err := db.Create(&article{Title: "woken", Body: "without polling"}).Error; err != nil {
		t.Fatalf("create failed: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for index.Len("articles") != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("relay did not deliver after the write")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
