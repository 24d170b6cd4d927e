// Package jobs runs named background jobs on a worker pool and tracks their
// progress in an expiring handle store.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// State enumerates the lifecycle of a job handle.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	// StateCancelled is reserved; no caller can cancel a job yet.
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

var (
	// ErrJobNotFound indicates that the handle expired or never existed.
	ErrJobNotFound = errors.New("jobs: job not found")
	// ErrUnknownJob indicates that no handler is registered under the job name.
	ErrUnknownJob = errors.New("jobs: unknown job")
	// ErrJobPanicked wraps a recovered handler panic.
	ErrJobPanicked = errors.New("jobs: handler panicked")
	// ErrQueueStopped indicates that the queue no longer accepts work.
	ErrQueueStopped = errors.New("jobs: queue stopped")

	errNotQueued = errors.New("jobs: handle is not queued")
	errFinished  = errors.New("jobs: handle already finished")
)

// Job is a unit of background work. Ids are ULIDs, so they sort in enqueue order.
type Job struct {
	ID         string
	Name       string
	Args       json.RawMessage
	EnqueuedAt time.Time
}

// DecodeArgs unmarshals the job arguments into target.
func (j Job) DecodeArgs(target any) error {
	if len(j.Args) == 0 {
		return nil
	}
	return json.Unmarshal(j.Args, target)
}

// Handle is the queue's externally visible record of a job.
type Handle struct {
	JobID      string          `json:"job_id"`
	Name       string          `json:"name"`
	Args       json.RawMessage `json:"args,omitempty"`
	State      State           `json:"state"`
	Progress   int             `json:"progress"`
	Error      string          `json:"error,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Job rebuilds the job described by the handle.
func (h Handle) Job() Job {
	return Job{ID: h.JobID, Name: h.Name, Args: h.Args, EnqueuedAt: h.EnqueuedAt}
}

// Reporter publishes the progress of a running job.
type Reporter interface {
	ReportProgress(ctx context.Context, percent int) error
}

// Handler executes a job. A returned error or panic fails the job.
type Handler func(ctx context.Context, job Job, reporter Reporter) error

// Observer is told about persisted progress and terminal states.
type Observer interface {
	JobProgress(ctx context.Context, handle Handle) error
	JobFinished(ctx context.Context, handle Handle) error
}

func clampPercent(percent int) int {
	if percent < 0 {
		return 0
	}
	if percent > 100 {
		return 100
	}
	return percent
}
