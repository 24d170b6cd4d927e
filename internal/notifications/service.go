package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opServiceNew = "notifications.service.new"
	opNotify     = "notifications.notify"
	opPoll       = "notifications.poll"

	timestampStep = 1e-6
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// ServiceError carries an operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason identifier.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: operation + "." + reason, err: cause}
}

// ServiceConfig describes the dependencies of the notification store.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	Dispatcher *Dispatcher
	Logger     *zap.Logger
}

// Service stores replace-on-write notifications and serves cursor polls.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	dispatcher *Dispatcher
	logger     *zap.Logger

	mu            sync.Mutex
	lastTimestamp float64
}

// NewService constructs the notification store.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		dispatcher: cfg.Dispatcher,
		logger:     logger,
	}, nil
}

// Notify replaces the user's notification of the given name and announces it.
func (s *Service) Notify(ctx context.Context, userID int64, name string, payload any) (Notification, error) {
	if s == nil || s.db == nil {
		return Notification{}, newServiceError(opNotify, "missing_database", errMissingDatabase)
	}
	var stored Notification
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var txErr error
		stored, txErr = s.NotifyTx(tx, userID, name, payload)
		return txErr
	})
	if err != nil {
		return Notification{}, err
	}
	s.Announce(userID)
	return stored, nil
}

// NotifyTx performs the delete-then-insert inside the caller's transaction.
// Callers announce the change with Announce once the transaction commits.
func (s *Service) NotifyTx(tx *gorm.DB, userID int64, name string, payload any) (Notification, error) {
	if userID <= 0 {
		return Notification{}, newServiceError(opNotify, "invalid_user_id", fmt.Errorf("%w: %d", ErrInvalidUserID, userID))
	}
	validName, err := validateName(name)
	if err != nil {
		return Notification{}, newServiceError(opNotify, "invalid_name", err)
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		s.logError(opNotify, "payload_encode_failed", err, zap.Int64("user_id", userID), zap.String("name", validName))
		return Notification{}, newServiceError(opNotify, "payload_encode_failed", err)
	}

	if err := tx.Where("user_id = ? AND name = ?", userID, validName).Delete(&Notification{}).Error; err != nil {
		s.logError(opNotify, "delete_failed", err, zap.Int64("user_id", userID), zap.String("name", validName))
		return Notification{}, newServiceError(opNotify, "delete_failed", err)
	}

	notification := Notification{
		Name:        validName,
		UserID:      userID,
		Timestamp:   s.nextTimestamp(),
		PayloadJSON: string(encoded),
	}
	if err := tx.Create(&notification).Error; err != nil {
		s.logError(opNotify, "insert_failed", err, zap.Int64("user_id", userID), zap.String("name", validName))
		return Notification{}, newServiceError(opNotify, "insert_failed", err)
	}
	return notification, nil
}

// Poll returns the user's notifications newer than since, oldest first.
func (s *Service) Poll(ctx context.Context, userID int64, since float64) ([]Notification, error) {
	if s == nil || s.db == nil {
		return nil, newServiceError(opPoll, "missing_database", errMissingDatabase)
	}
	if userID <= 0 {
		return nil, newServiceError(opPoll, "invalid_user_id", fmt.Errorf("%w: %d", ErrInvalidUserID, userID))
	}
	var notifications []Notification
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND timestamp > ?", userID, since).
		Order("timestamp ASC").
		Find(&notifications).Error; err != nil {
		s.logError(opPoll, "query_failed", err, zap.Int64("user_id", userID))
		return nil, newServiceError(opPoll, "query_failed", err)
	}
	return notifications, nil
}

// Announce wakes stream subscribers of the user.
func (s *Service) Announce(userID int64) {
	if s == nil || s.dispatcher == nil {
		return
	}
	s.dispatcher.Publish(Wakeup{UserID: userID, At: s.clock().UTC()})
}

// Dispatcher exposes the wake-up fan-out used by streaming handlers.
func (s *Service) Dispatcher() *Dispatcher {
	if s == nil {
		return nil
	}
	return s.dispatcher
}

// nextTimestamp returns unix seconds that strictly increase across calls.
func (s *Service) nextTimestamp() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := float64(s.clock().UnixNano()) / float64(time.Second)
	if now <= s.lastTimestamp {
		now = s.lastTimestamp + timestampStep
	}
	s.lastTimestamp = now
	return now
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger := noOpLogger
	if s != nil && s.logger != nil {
		logger = s.logger
	}
	logger.Error("notifications service error", attrs...)
}
