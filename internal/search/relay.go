package search

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultBatchSize     = 100
	defaultMaxAttempts   = 10
	defaultRetryAttempts = 3
	defaultRetryDelay    = 200 * time.Millisecond
	defaultPollInterval  = 5 * time.Second
)

const callbackWakeRelay = "search:wake_relay"

var errMissingIndex = errors.New("search: index is required")

// RelayConfig configures delivery of outbox entries to the index.
type RelayConfig struct {
	Database      *gorm.DB
	Index         Index
	BatchSize     int
	MaxAttempts   int
	RetryAttempts uint
	RetryDelay    time.Duration
	PollInterval  time.Duration
	Clock         func() time.Time
	Logger        *zap.Logger
}

// DrainStats summarises a single pass over the outbox.
type DrainStats struct {
	Delivered int
	Deferred  int
	Failed    int
}

// Relay applies committed outbox entries to the index.
type Relay struct {
	db            *gorm.DB
	index         Index
	batchSize     int
	maxAttempts   int
	retryAttempts uint
	retryDelay    time.Duration
	pollInterval  time.Duration
	clock         func() time.Time
	logger        *zap.Logger
	wake          chan struct{}
}

// NewRelay validates the configuration and constructs a Relay.
func NewRelay(cfg RelayConfig) (*Relay, error) {
	if cfg.Database == nil {
		return nil, errors.New("search: database handle is required")
	}
	if cfg.Index == nil {
		return nil, errMissingIndex
	}
	relay := &Relay{
		db:            cfg.Database,
		index:         cfg.Index,
		batchSize:     cfg.BatchSize,
		maxAttempts:   cfg.MaxAttempts,
		retryAttempts: cfg.RetryAttempts,
		retryDelay:    cfg.RetryDelay,
		pollInterval:  cfg.PollInterval,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
		wake:          make(chan struct{}, 1),
	}
	if relay.batchSize <= 0 {
		relay.batchSize = defaultBatchSize
	}
	if relay.maxAttempts <= 0 {
		relay.maxAttempts = defaultMaxAttempts
	}
	if relay.retryAttempts == 0 {
		relay.retryAttempts = defaultRetryAttempts
	}
	if relay.retryDelay <= 0 {
		relay.retryDelay = defaultRetryDelay
	}
	if relay.pollInterval <= 0 {
		relay.pollInterval = defaultPollInterval
	}
	if relay.clock == nil {
		relay.clock = time.Now
	}
	if relay.logger == nil {
		relay.logger = zap.NewNop()
	}
	return relay, nil
}

// Wake asks a running relay to drain without waiting for the poll interval.
func (r *Relay) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// WakeOnWrite nudges the relay after each statement through db that affects
// rows. Autocommit statements wake it after their commit. Statements inside an
// explicit Transaction wake it before the enclosing commit, so a drain may
// miss those rows until the next wake or poll; with a single pooled
// connection the drain simply waits for the commit.
func (r *Relay) WakeOnWrite(db *gorm.DB) error {
	if db == nil {
		return errors.New("search: database handle is required")
	}
	wake := func(tx *gorm.DB) {
		if tx.Error == nil && tx.Statement.RowsAffected > 0 {
			r.Wake()
		}
	}
	callbacks := db.Callback()
	if err := callbacks.Create().After(callbackCommit).Register(callbackWakeRelay+"_create", wake); err != nil {
		return fmt.Errorf("search: register relay wake-up: %w", err)
	}
	if err := callbacks.Update().After(callbackCommit).Register(callbackWakeRelay+"_update", wake); err != nil {
		return fmt.Errorf("search: register relay wake-up: %w", err)
	}
	if err := callbacks.Delete().After(callbackCommit).Register(callbackWakeRelay+"_delete", wake); err != nil {
		return fmt.Errorf("search: register relay wake-up: %w", err)
	}
	return nil
}

// Run drains the outbox until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		if _, err := r.Drain(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("search outbox drain failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-r.wake:
		case <-ticker.C:
		}
	}
}

// Drain delivers pending entries in commit order. Entries of a record whose
// earlier entry could not be delivered are deferred to keep per-record order.
func (r *Relay) Drain(ctx context.Context) (DrainStats, error) {
	var stats DrainStats
	blocked := make(map[string]struct{})
	lastID := int64(0)
	for {
		var batch []OutboxEntry
		err := r.db.WithContext(ctx).
			Where("status = ? AND id > ?", OutboxStatusPending, lastID).
			Order("id ASC").
			Limit(r.batchSize).
			Find(&batch).Error
		if err != nil {
			return stats, fmt.Errorf("search: load outbox: %w", err)
		}
		for _, entry := range batch {
			lastID = entry.ID
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			key := fmt.Sprintf("%s:%d", entry.Collection, entry.RecordID)
			if _, held := blocked[key]; held {
				stats.Deferred++
				continue
			}
			deliveryErr := r.deliver(ctx, entry)
			if deliveryErr == nil {
				if err := r.markDone(ctx, entry); err != nil {
					return stats, err
				}
				mirrorTotal.WithLabelValues(entry.Collection, string(entry.Operation), "success").Inc()
				stats.Delivered++
				continue
			}
			mirrorTotal.WithLabelValues(entry.Collection, string(entry.Operation), "error").Inc()
			failed, err := r.markAttempt(ctx, entry, deliveryErr)
			if err != nil {
				return stats, err
			}
			if failed {
				stats.Failed++
				continue
			}
			blocked[key] = struct{}{}
			stats.Deferred++
		}
		if len(batch) < r.batchSize {
			break
		}
	}
	r.refreshPending(ctx)
	return stats, nil
}

// Purge deletes delivered entries last touched before olderThan.
func (r *Relay) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := r.clock().UTC().Add(-olderThan).Unix()
	result := r.db.WithContext(ctx).
		Where("status = ? AND updated_at_s < ?", OutboxStatusDone, cutoff).
		Delete(&OutboxEntry{})
	if result.Error != nil {
		return 0, fmt.Errorf("search: purge outbox: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Pending counts entries awaiting delivery.
func (r *Relay) Pending(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&OutboxEntry{}).Where("status = ?", OutboxStatusPending).Count(&count).Error
	return count, err
}

func (r *Relay) deliver(ctx context.Context, entry OutboxEntry) error {
	return retry.Do(
		func() error {
			var err error
			switch entry.Operation {
			case OutboxOperationUpsert:
				doc, decodeErr := entry.Document()
				if decodeErr != nil {
					return retry.Unrecoverable(fmt.Errorf("decode outbox fields: %w", decodeErr))
				}
				err = r.index.Add(ctx, entry.Collection, doc)
			case OutboxOperationRemove:
				err = r.index.Remove(ctx, entry.Collection, entry.RecordID)
			default:
				return retry.Unrecoverable(fmt.Errorf("unknown outbox operation %q", entry.Operation))
			}
			if errors.Is(err, ErrInvalidCollection) || errors.Is(err, ErrInvalidDocument) {
				return retry.Unrecoverable(err)
			}
			return err
		},
		retry.Attempts(r.retryAttempts),
		retry.Delay(r.retryDelay),
		retry.MaxDelay(10*r.retryDelay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			r.logger.Debug("retrying index mirror",
				zap.Uint("attempt", n+1),
				zap.Int64("outbox_id", entry.ID),
				zap.String("collection", entry.Collection),
				zap.Error(retryErr))
		}),
	)
}

func (r *Relay) markDone(ctx context.Context, entry OutboxEntry) error {
	err := r.db.WithContext(ctx).Model(&OutboxEntry{}).Where("id = ?", entry.ID).Updates(map[string]any{
		"status":       OutboxStatusDone,
		"attempts":     entry.Attempts + 1,
		"last_error":   "",
		"updated_at_s": r.clock().UTC().Unix(),
	}).Error
	if err != nil {
		return fmt.Errorf("search: mark outbox %d done: %w", entry.ID, err)
	}
	return nil
}

func (r *Relay) markAttempt(ctx context.Context, entry OutboxEntry, cause error) (bool, error) {
	attempts := entry.Attempts + 1
	status := OutboxStatusPending
	if attempts >= r.maxAttempts {
		status = OutboxStatusFailed
	}
	err := r.db.WithContext(ctx).Model(&OutboxEntry{}).Where("id = ?", entry.ID).Updates(map[string]any{
		"status":       status,
		"attempts":     attempts,
		"last_error":   cause.Error(),
		"updated_at_s": r.clock().UTC().Unix(),
	}).Error
	if err != nil {
		return false, fmt.Errorf("search: record outbox %d attempt: %w", entry.ID, err)
	}
	fields := []zap.Field{
		zap.Int64("outbox_id", entry.ID),
		zap.String("collection", entry.Collection),
		zap.Int64("record_id", entry.RecordID),
		zap.String("operation", string(entry.Operation)),
		zap.Int("attempts", attempts),
		zap.Error(cause),
	}
	if status == OutboxStatusFailed {
		r.logger.Error("index mirror abandoned; reindex required", fields...)
		return true, nil
	}
	r.logger.Warn("index mirror failed; entry kept pending", fields...)
	return false, nil
}

func (r *Relay) refreshPending(ctx context.Context) {
	count, err := r.Pending(ctx)
	if err != nil {
		r.logger.Warn("count pending outbox entries", zap.Error(err))
		return
	}
	outboxPending.Set(float64(count))
}
