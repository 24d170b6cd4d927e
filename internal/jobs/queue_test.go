package jobs

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T, ttl time.Duration) *BadgerStore {
	t.Helper()
	store, err := OpenBadgerStore(BadgerConfig{TTL: ttl})
	if err != nil {
		t.Fatalf("failed to open badger store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestQueue(t *testing.T, store Store) *Queue {
	t.Helper()
	queue, err := NewQueue(QueueConfig{Store: store, Workers: 2})
	if err != nil {
		t.Fatalf("failed to construct queue: %v", err)
	}
	t.Cleanup(queue.Stop)
	return queue
}

func waitForState(t *testing.T, queue *Queue, jobID string, states ...State) Handle {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		handle, err := queue.Fetch(context.Background(), jobID)
		if err == nil {
			for _, state := range states {
				if handle.State == state {
					return handle
				}
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach %v", jobID, states)
	return Handle{}
}

type recordingObserver struct {
	mu       sync.Mutex
	progress []int
	finished []Handle
}

func (r *recordingObserver) JobProgress(_ context.Context, handle Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, handle.Progress)
	return nil
}

func (r *recordingObserver) JobFinished(_ context.Context, handle Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, handle)
	return nil
}

func (r *recordingObserver) snapshot() ([]int, []Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.progress...), append([]Handle(nil), r.finished...)
}

type exportArgs struct {
	UserID int64 `json:"user_id"`
}

func TestQueueRunsJobAndReportsProgress(t *testing.T) {
	queue := newTestQueue(t, newTestStore(t, time.Hour))
	observer := &recordingObserver{}
	queue.AddObserver(observer)

	var decoded exportArgs
	if err := queue.Register("export_posts", func(ctx context.Context, job Job, reporter Reporter) error {
		if err := job.DecodeArgs(&decoded); err != nil {
			return err
		}
		for _, percent := range []int{0, 50, 150} {
			if err := reporter.ReportProgress(ctx, percent); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	job, err := queue.Enqueue(context.Background(), "export_posts", exportArgs{UserID: 7})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	queued, err := queue.Fetch(context.Background(), job.ID)
	if err != nil || queued.State != StateQueued || queued.Progress != 0 {
		t.Fatalf("expected queued handle before start, got %+v err=%v", queued, err)
	}

	if err := queue.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	handle := waitForState(t, queue, job.ID, StateSucceeded)
	if handle.Progress != 100 || handle.Error != "" {
		t.Fatalf("unexpected final handle: %+v", handle)
	}
	if decoded.UserID != 7 {
		t.Fatalf("expected args to round trip, got %+v", decoded)
	}

	deadline := time.Now().Add(time.Second)
	for {
		progress, finished := observer.snapshot()
		if len(finished) == 1 {
			if len(progress) != 3 || progress[0] != 0 || progress[1] != 50 || progress[2] != 100 {
				t.Fatalf("unexpected progress reports: %v", progress)
			}
			if finished[0].State != StateSucceeded {
				t.Fatalf("unexpected finished handle: %+v", finished[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("observer never saw completion")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestQueueMarksFailedJobsComplete(t *testing.T) {
	queue := newTestQueue(t, newTestStore(t, time.Hour))
	if err := queue.Register("explode", func(ctx context.Context, job Job, reporter Reporter) error {
		if err := reporter.ReportProgress(ctx, 30); err != nil {
			return err
		}
		return errors.New("mailbox full")
	}); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := queue.Register("panic", func(context.Context, Job, Reporter) error {
		panic("nil archive")
	}); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := queue.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	failing, err := queue.Enqueue(context.Background(), "explode", nil)
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	panicking, err := queue.Enqueue(context.Background(), "panic", nil)
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	failed := waitForState(t, queue, failing.ID, StateFailed)
	if failed.Progress != 100 || failed.Error != "mailbox full" {
		t.Fatalf("unexpected failed handle: %+v", failed)
	}
	panicked := waitForState(t, queue, panicking.ID, StateFailed)
	if panicked.Progress != 100 || !strings.Contains(panicked.Error, "nil archive") {
		t.Fatalf("unexpected panicked handle: %+v", panicked)
	}
}

func TestQueueRejectsUnknownJob(t *testing.T) {
	queue := newTestQueue(t, newTestStore(t, time.Hour))
	if _, err := queue.Enqueue(context.Background(), "missing", nil); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("expected unknown job error, got %v", err)
	}
	if _, err := queue.Fetch(context.Background(), "01HZZZZZZZZZZZZZZZZZZZZZZZ"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected job not found, got %v", err)
	}
}

func TestQueueStartRedispatchesQueuedHandles(t *testing.T) {
	store := newTestStore(t, time.Hour)
	leftover := Handle{
		JobID:      "01HX0000000000000000000000",
		Name:       "export_posts",
		State:      StateQueued,
		EnqueuedAt: time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
	if err := store.Put(context.Background(), leftover); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	queue := newTestQueue(t, store)
	ran := make(chan string, 1)
	if err := queue.Register("export_posts", func(_ context.Context, job Job, _ Reporter) error {
		ran <- job.ID
		return nil
	}); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := queue.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	select {
	case id := <-ran:
		if id != leftover.JobID {
			t.Fatalf("unexpected job ran: %s", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("queued handle was not re-dispatched")
	}
	waitForState(t, queue, leftover.JobID, StateSucceeded)
}

func TestQueueStopCancelsRunningHandlers(t *testing.T) {
	store := newTestStore(t, time.Hour)
	queue, err := NewQueue(QueueConfig{Store: store, Workers: 1})
	if err != nil {
		t.Fatalf("failed to construct queue: %v", err)
	}
	started := make(chan struct{})
	if err := queue.Register("slow", func(ctx context.Context, _ Job, _ Reporter) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := queue.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	job, err := queue.Enqueue(context.Background(), "slow", nil)
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	<-started
	queue.Stop()

	handle, err := store.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if handle.State != StateFailed || handle.Progress != 100 {
		t.Fatalf("expected interrupted job to be failed, got %+v", handle)
	}
	if _, err := queue.Enqueue(context.Background(), "slow", nil); !errors.Is(err, ErrQueueStopped) {
		t.Fatalf("expected stopped queue to reject work, got %v", err)
	}
}
