package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/kura/backend/internal/jobs"
	"github.com/MarcoPoloResearchLab/kura/backend/internal/notifications"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase      = errors.New("database handle is required")
	errMissingQueue         = errors.New("job queue is required")
	errMissingNotifications = errors.New("notification service is required")
	errStaleHandle          = errors.New("handle is older than the task record")
	noOpLogger              = zap.NewNop()
)

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

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew  = "tasks.service.new"
	opLaunch      = "tasks.launch"
	opInProgress  = "tasks.in_progress"
	opProgress    = "tasks.progress"
	opJobProgress = "tasks.job_progress"
	opJobFinished = "tasks.job_finished"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// JobQueue is the part of the job queue the tracker depends on.
type JobQueue interface {
	Enqueue(ctx context.Context, name string, args any) (jobs.Job, error)
	Fetch(ctx context.Context, jobID string) (jobs.Handle, error)
	AddObserver(observer jobs.Observer)
}

// Notifier writes replace-on-write notifications inside a transaction.
type Notifier interface {
	NotifyTx(tx *gorm.DB, userID int64, name string, payload any) (notifications.Notification, error)
	Announce(userID int64)
}

type ServiceConfig struct {
	Database      *gorm.DB
	Queue         JobQueue
	Notifications Notifier
	Clock         func() time.Time
	Logger        *zap.Logger
}

// Service links queued jobs to user-visible task records.
type Service struct {
	db       *gorm.DB
	queue    JobQueue
	notifier Notifier
	clock    func() time.Time
	logger   *zap.Logger
}

// NewService constructs the tracker and subscribes it to queue progress.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Queue == nil {
		return nil, newServiceError(opServiceNew, "missing_queue", errMissingQueue)
	}
	if cfg.Notifications == nil {
		return nil, newServiceError(opServiceNew, "missing_notifications", errMissingNotifications)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	service := &Service{
		db:       cfg.Database,
		queue:    cfg.Queue,
		notifier: cfg.Notifications,
		clock:    clock,
		logger:   logger,
	}
	cfg.Queue.AddObserver(service)
	return service, nil
}

// Launch enqueues a job and records the task that tracks it. A user runs at
// most one incomplete task per name.
func (s *Service) Launch(ctx context.Context, userID int64, name, description string, args any) (Task, error) {
	if userID <= 0 {
		return Task{}, newServiceError(opLaunch, "invalid_user_id", fmt.Errorf("%w: %d", ErrInvalidUserID, userID))
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return Task{}, newServiceError(opLaunch, "invalid_name", ErrInvalidName)
	}

	current, err := s.InProgress(ctx, userID, name)
	if err != nil {
		return Task{}, err
	}
	if current != nil {
		return Task{}, newServiceError(opLaunch, "task_in_progress", fmt.Errorf("%w: %s", ErrTaskInProgress, current.ID))
	}

	job, err := s.queue.Enqueue(ctx, name, args)
	if err != nil {
		s.logError(opLaunch, "enqueue_failed", err, zap.Int64("user_id", userID), zap.String("name", name))
		return Task{}, newServiceError(opLaunch, "enqueue_failed", err)
	}

	now := s.clock().UTC()
	task := Task{
		ID:          job.ID,
		Name:        name,
		Description: description,
		UserID:      userID,
		State:       StateRunning,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.db.WithContext(ctx).Create(&task).Error; err != nil {
		s.logError(opLaunch, "insert_failed", err, zap.String("task_id", task.ID))
		return Task{}, newServiceError(opLaunch, "insert_failed", err)
	}

	// A fast job may report before the task row exists; replay its handle.
	// The worker can finish concurrently, so the row is re-read afterwards.
	handle, err := s.queue.Fetch(ctx, job.ID)
	if err == nil && (handle.Progress > 0 || handle.State.Terminal()) {
		if applyErr := s.apply(ctx, opLaunch, handle); applyErr == nil {
			var current Task
			if err := s.db.WithContext(ctx).Where("id = ?", task.ID).Take(&current).Error; err == nil {
				task = current
			}
		}
	}
	return task, nil
}

// InProgress returns the user's incomplete task of the given name, if any.
func (s *Service) InProgress(ctx context.Context, userID int64, name string) (*Task, error) {
	var task Task
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND name = ? AND complete = ?", userID, name, false).
		Order("created_at DESC").
		Take(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logError(opInProgress, "query_failed", err, zap.Int64("user_id", userID), zap.String("name", name))
		return nil, newServiceError(opInProgress, "query_failed", err)
	}
	return &task, nil
}

// ListInProgress returns every incomplete task of the user, oldest first.
func (s *Service) ListInProgress(ctx context.Context, userID int64) ([]Task, error) {
	var tasks []Task
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND complete = ?", userID, false).
		Order("created_at ASC").
		Find(&tasks).Error; err != nil {
		s.logError(opInProgress, "list_failed", err, zap.Int64("user_id", userID))
		return nil, newServiceError(opInProgress, "list_failed", err)
	}
	return tasks, nil
}

// Progress reports the live progress of a task. A handle the queue no longer
// knows about counts as finished.
func (s *Service) Progress(ctx context.Context, task Task) (int, error) {
	handle, err := s.queue.Fetch(ctx, task.ID)
	if errors.Is(err, jobs.ErrJobNotFound) {
		return 100, nil
	}
	if err != nil {
		s.logError(opProgress, "fetch_failed", err, zap.String("task_id", task.ID))
		return 0, newServiceError(opProgress, "fetch_failed", err)
	}
	return handle.Progress, nil
}

// JobProgress persists a progress report from the worker.
func (s *Service) JobProgress(ctx context.Context, handle jobs.Handle) error {
	return s.apply(ctx, opJobProgress, handle)
}

// JobFinished persists the terminal state of a job.
func (s *Service) JobFinished(ctx context.Context, handle jobs.Handle) error {
	return s.apply(ctx, opJobFinished, handle)
}

// apply moves a task forward to the handle's state. Records never leave a
// terminal state and progress never decreases; older handles are dropped
// without touching the notification.
func (s *Service) apply(ctx context.Context, operation string, handle jobs.Handle) error {
	var userID int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var task Task
		if err := tx.Where("id = ?", handle.JobID).Take(&task).Error; err != nil {
			return err
		}
		userID = task.UserID

		state := taskState(handle.State)
		updates := map[string]any{
			"progress":   handle.Progress,
			"state":      state,
			"error":      handle.Error,
			"updated_at": s.clock().UTC(),
		}
		if handle.Progress >= 100 || handle.State.Terminal() {
			updates["complete"] = true
		}
		result := tx.Model(&Task{}).
			Where("id = ? AND state = ? AND progress <= ?", task.ID, StateRunning, handle.Progress).
			Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return errStaleHandle
		}

		_, err := s.notifier.NotifyTx(tx, task.UserID, notifications.NameTaskProgress, notifications.TaskProgressPayload{
			TaskID:   task.ID,
			Progress: handle.Progress,
			State:    state,
			Error:    handle.Error,
		})
		return err
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Jobs enqueued without a task (or before the task row commits) are not tracked.
		s.logger.Debug("job has no task record", zap.String("job_id", handle.JobID))
		return nil
	}
	if errors.Is(err, errStaleHandle) {
		s.logger.Debug("dropping stale job handle",
			zap.String("job_id", handle.JobID),
			zap.String("state", string(handle.State)),
			zap.Int("progress", handle.Progress))
		return nil
	}
	if err != nil {
		s.logError(operation, "update_failed", err, zap.String("task_id", handle.JobID))
		return newServiceError(operation, "update_failed", err)
	}
	s.notifier.Announce(userID)
	return nil
}

func taskState(state jobs.State) string {
	switch state {
	case jobs.StateSucceeded:
		return StateSucceeded
	case jobs.StateFailed:
		return StateFailed
	case jobs.StateCancelled:
		return StateCancelled
	default:
		return StateRunning
	}
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
	logger.Error("tasks service error", attrs...)
}
