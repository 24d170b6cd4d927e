package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/MarcoPoloResearchLab/kura/backend/internal/logging"
	"github.com/codeGROOVE-dev/retry"
	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

const (
	handleKeyPrefix  = "job/"
	defaultHandleTTL = 24 * time.Hour
	conflictAttempts = 10
)

// Store persists job handles.
type Store interface {
	Put(ctx context.Context, handle Handle) error
	Get(ctx context.Context, jobID string) (Handle, error)
	Update(ctx context.Context, jobID string, mutate func(*Handle) error) (Handle, error)
	UpdateProgress(ctx context.Context, jobID string, percent int, at time.Time) (Handle, error)
	Queued(ctx context.Context) ([]Handle, error)
	Close() error
}

// BadgerConfig configures a BadgerStore. An empty Path keeps handles in memory.
type BadgerConfig struct {
	Path   string
	TTL    time.Duration
	Logger *zap.Logger
}

// BadgerStore keeps handles in badger with a time-to-live; an expired handle
// is indistinguishable from one that never existed.
type BadgerStore struct {
	db  *badger.DB
	ttl time.Duration
}

// OpenBadgerStore opens the handle store described by cfg.
func OpenBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	var opts badger.Options
	if cfg.Path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("jobs: create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(logging.NewLeveled(cfg.Logger, "badger"))
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("jobs: open badger: %w", err)
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultHandleTTL
	}
	return &BadgerStore{db: db, ttl: ttl}, nil
}

func (s *BadgerStore) Put(ctx context.Context, handle Handle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	encoded, err := json.Marshal(handle)
	if err != nil {
		return fmt.Errorf("jobs: encode handle: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(handleKey(handle.JobID), encoded).WithTTL(s.ttl))
	})
}

func (s *BadgerStore) Get(ctx context.Context, jobID string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}
	var handle Handle
	err := s.db.View(func(txn *badger.Txn) error {
		loaded, err := readHandle(txn, jobID)
		handle = loaded
		return err
	})
	return handle, err
}

// Update applies mutate to the stored handle inside one read-write
// transaction, retrying when a concurrent writer commits first.
func (s *BadgerStore) Update(ctx context.Context, jobID string, mutate func(*Handle) error) (Handle, error) {
	var updated Handle
	var outcome error
	err := retry.Do(
		func() error {
			outcome = s.db.Update(func(txn *badger.Txn) error {
				handle, err := readHandle(txn, jobID)
				if err != nil {
					return err
				}
				if err := mutate(&handle); err != nil {
					return err
				}
				encoded, err := json.Marshal(handle)
				if err != nil {
					return fmt.Errorf("jobs: encode handle: %w", err)
				}
				updated = handle
				return txn.SetEntry(badger.NewEntry(handleKey(jobID), encoded).WithTTL(s.ttl))
			})
			return outcome
		},
		retry.Attempts(conflictAttempts),
		retry.Delay(2*time.Millisecond),
		retry.MaxJitter(5*time.Millisecond),
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, badger.ErrConflict)
		}),
	)
	if err != nil {
		if outcome != nil {
			return Handle{}, outcome
		}
		return Handle{}, err
	}
	return updated, nil
}

// UpdateProgress records the progress of a running job.
func (s *BadgerStore) UpdateProgress(ctx context.Context, jobID string, percent int, at time.Time) (Handle, error) {
	return s.Update(ctx, jobID, func(handle *Handle) error {
		if handle.State.Terminal() {
			return errFinished
		}
		handle.Progress = clampPercent(percent)
		handle.UpdatedAt = at
		return nil
	})
}

// Queued lists handles still waiting for a worker, oldest first.
func (s *BadgerStore) Queued(ctx context.Context) ([]Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	handles := make([]Handle, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(handleKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var handle Handle
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &handle)
			}); err != nil {
				return fmt.Errorf("jobs: decode handle: %w", err)
			}
			if handle.State == StateQueued {
				handles = append(handles, handle)
			}
		}
		return nil
	})
	return handles, err
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func readHandle(txn *badger.Txn, jobID string) (Handle, error) {
	item, err := txn.Get(handleKey(jobID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Handle{}, ErrJobNotFound
	}
	if err != nil {
		return Handle{}, fmt.Errorf("jobs: read handle: %w", err)
	}
	var handle Handle
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &handle)
	}); err != nil {
		return Handle{}, fmt.Errorf("jobs: decode handle: %w", err)
	}
	return handle, nil
}

func handleKey(jobID string) []byte {
	return []byte(handleKeyPrefix + jobID)
}
