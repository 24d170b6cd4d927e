package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultWorkers = 2
	defaultBuffer  = 64
)

// QueueConfig configures a Queue.
type QueueConfig struct {
	Store   Store
	Workers int
	Buffer  int
	Clock   func() time.Time
	Logger  *zap.Logger
}

// Queue dispatches enqueued jobs to registered handlers.
type Queue struct {
	store    Store
	handlers *xsync.MapOf[string, Handler]
	pending  chan Job
	workers  int
	clock    func() time.Time
	logger   *zap.Logger

	observersMu sync.RWMutex
	observers   []Observer

	runMu   sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	stopped bool
}

// NewQueue validates cfg and constructs an idle Queue.
func NewQueue(cfg QueueConfig) (*Queue, error) {
	if cfg.Store == nil {
		return nil, errors.New("jobs: store is required")
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		store:    cfg.Store,
		handlers: xsync.NewMapOf[string, Handler](),
		pending:  make(chan Job, buffer),
		workers:  workers,
		clock:    clock,
		logger:   logger,
	}, nil
}

// Register binds a handler to a job name, replacing any previous binding.
func (q *Queue) Register(name string, handler Handler) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrUnknownJob)
	}
	if handler == nil {
		return fmt.Errorf("jobs: handler for %s is nil", name)
	}
	q.handlers.Store(name, handler)
	return nil
}

// AddObserver subscribes observer to progress and completion of every job.
func (q *Queue) AddObserver(observer Observer) {
	if observer == nil {
		return
	}
	q.observersMu.Lock()
	defer q.observersMu.Unlock()
	q.observers = append(q.observers, observer)
}

// Enqueue persists a queued handle and hands the job to the worker pool.
// It blocks while the dispatch buffer is full.
func (q *Queue) Enqueue(ctx context.Context, name string, args any) (Job, error) {
	if _, ok := q.handlers.Load(name); !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	q.runMu.Lock()
	stopped := q.stopped
	q.runMu.Unlock()
	if stopped {
		return Job{}, ErrQueueStopped
	}

	var encoded json.RawMessage
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return Job{}, fmt.Errorf("jobs: encode args: %w", err)
		}
		encoded = raw
	}
	now := q.clock().UTC()
	job := Job{
		ID:         ulid.Make().String(),
		Name:       name,
		Args:       encoded,
		EnqueuedAt: now,
	}
	handle := Handle{
		JobID:      job.ID,
		Name:       job.Name,
		Args:       job.Args,
		State:      StateQueued,
		EnqueuedAt: now,
		UpdatedAt:  now,
	}
	if err := q.store.Put(ctx, handle); err != nil {
		return Job{}, fmt.Errorf("jobs: persist handle: %w", err)
	}

	select {
	case q.pending <- job:
	case <-ctx.Done():
		// The handle stays queued and is picked up on the next Start.
		return job, ctx.Err()
	}
	q.logger.Debug("job enqueued", zap.String("job_id", job.ID), zap.String("name", name))
	return job, nil
}

// Fetch returns the live handle of a job, or ErrJobNotFound once it expired.
func (q *Queue) Fetch(ctx context.Context, jobID string) (Handle, error) {
	return q.store.Get(ctx, jobID)
}

// Start launches the worker pool and re-dispatches handles left queued by a
// previous process.
func (q *Queue) Start(ctx context.Context) error {
	q.runMu.Lock()
	if q.group != nil {
		q.runMu.Unlock()
		return errors.New("jobs: queue already started")
	}
	if q.stopped {
		q.runMu.Unlock()
		return ErrQueueStopped
	}
	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)
	q.cancel = cancel
	q.group = group
	q.runMu.Unlock()

	for i := 0; i < q.workers; i++ {
		group.Go(func() error {
			q.work(groupCtx)
			return nil
		})
	}

	queued, err := q.store.Queued(ctx)
	if err != nil {
		q.logger.Warn("list queued jobs failed", zap.Error(err))
		return nil
	}
	if len(queued) == 0 {
		return nil
	}
	group.Go(func() error {
		for _, handle := range queued {
			select {
			case q.pending <- handle.Job():
			case <-groupCtx.Done():
				return nil
			}
		}
		q.logger.Info("re-dispatched queued jobs", zap.Int("count", len(queued)))
		return nil
	})
	return nil
}

// Stop cancels running handlers and waits for the workers to exit.
func (q *Queue) Stop() {
	q.runMu.Lock()
	q.stopped = true
	cancel := q.cancel
	group := q.group
	q.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	_ = group.Wait()
}

func (q *Queue) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-q.pending:
			q.execute(ctx, job)
		}
	}
}

func (q *Queue) execute(ctx context.Context, job Job) {
	_, err := q.store.Update(ctx, job.ID, func(handle *Handle) error {
		if handle.State != StateQueued {
			return errNotQueued
		}
		handle.State = StateRunning
		handle.UpdatedAt = q.clock().UTC()
		return nil
	})
	if errors.Is(err, errNotQueued) || errors.Is(err, ErrJobNotFound) {
		return
	}
	if err != nil {
		q.logger.Error("claim job failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}

	handler, ok := q.handlers.Load(job.Name)
	if !ok {
		q.finish(ctx, job, fmt.Errorf("%w: %s", ErrUnknownJob, job.Name))
		return
	}

	jobsRunning.Inc()
	started := q.clock()
	runErr := q.run(ctx, handler, job)
	jobsRunning.Dec()
	q.logger.Debug("job returned",
		zap.String("job_id", job.ID),
		zap.String("name", job.Name),
		zap.Duration("elapsed", q.clock().Sub(started)),
		zap.Error(runErr))
	q.finish(ctx, job, runErr)
}

func (q *Queue) run(ctx context.Context, handler Handler, job Job) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("%w: %v", ErrJobPanicked, recovered)
			q.logger.Error("job panicked",
				zap.String("job_id", job.ID),
				zap.String("name", job.Name),
				zap.Any("panic", recovered),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	return handler(ctx, job, &jobReporter{queue: q, job: job})
}

// finish persists the terminal state even when ctx was cancelled by Stop.
func (q *Queue) finish(ctx context.Context, job Job, runErr error) {
	ctx = context.WithoutCancel(ctx)
	state := StateSucceeded
	message := ""
	if runErr != nil {
		state = StateFailed
		message = runErr.Error()
	}
	handle, err := q.store.Update(ctx, job.ID, func(handle *Handle) error {
		handle.State = state
		handle.Progress = 100
		handle.Error = message
		handle.UpdatedAt = q.clock().UTC()
		return nil
	})
	if err != nil {
		q.logger.Error("persist job outcome failed",
			zap.String("job_id", job.ID),
			zap.String("state", string(state)),
			zap.Error(err))
		return
	}
	jobsTotal.WithLabelValues(job.Name, string(state)).Inc()
	if runErr != nil {
		q.logger.Warn("job failed", zap.String("job_id", job.ID), zap.String("name", job.Name), zap.Error(runErr))
	}
	for _, observer := range q.snapshotObservers() {
		if err := observer.JobFinished(ctx, handle); err != nil {
			q.logger.Error("job observer failed on finish", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
}

func (q *Queue) snapshotObservers() []Observer {
	q.observersMu.RLock()
	defer q.observersMu.RUnlock()
	return append([]Observer(nil), q.observers...)
}

type jobReporter struct {
	queue *Queue
	job   Job
}

func (r *jobReporter) ReportProgress(ctx context.Context, percent int) error {
	handle, err := r.queue.store.UpdateProgress(ctx, r.job.ID, percent, r.queue.clock().UTC())
	if err != nil {
		return fmt.Errorf("jobs: report progress: %w", err)
	}
	for _, observer := range r.queue.snapshotObservers() {
		if err := observer.JobProgress(ctx, handle); err != nil {
			r.queue.logger.Warn("job observer failed on progress", zap.String("job_id", r.job.ID), zap.Error(err))
		}
	}
	return nil
}
