package jobs

import (
	"errors"
	"fmt"
	"time"
)

// JobState is the lifecycle state of a queued archival job.
type JobState string

const (
	// StatePending means the job is queued and waiting for a worker.
	StatePending JobState = "PENDING"

	// StateProcessing means a worker has claimed the job.
	StateProcessing JobState = "PROCESSING"

	// StateCompleted means the media was archived and acknowledged.
	StateCompleted JobState = "COMPLETED"

	// StateFailed means the job exhausted its retries or hit a
	// permanent error.
	StateFailed JobState = "FAILED"

	// StateCancelled means the job was cancelled before completion.
	StateCancelled JobState = "CANCELLED"

	// StateCancellationRequested is an advisory state set while a worker
	// is processing; the worker checks it at coarse checkpoints.
	StateCancellationRequested JobState = "CANCELLATION_REQUESTED"
)

var (
	// ErrJobNotFound is returned when no job row matches the given id.
	ErrJobNotFound = errors.New("job not found")

	// ErrDuplicateJob is returned when a job id is inserted twice.
	ErrDuplicateJob = errors.New("job already exists")

	// ErrInvalidTransition is returned for a state change the lifecycle
	// graph does not allow.
	ErrInvalidTransition = errors.New("invalid job state transition")

	// ErrNotRetryable is returned when retry is requested for a job that
	// is not in FAILED or CANCELLED.
	ErrNotRetryable = errors.New("job is not in a retryable state")

	// ErrNotCancellable is returned when cancel is requested for a job
	// already in a terminal state.
	ErrNotCancellable = errors.New("job is not in a cancellable state")
)

// validTransitions is the job lifecycle graph.
//
// PENDING -> PROCESSING -> {COMPLETED, FAILED}; transient worker failures
// re-queue via PROCESSING -> PENDING; admin retry re-opens FAILED or
// CANCELLED back to PENDING; cancellation of a running job goes through
// the advisory CANCELLATION_REQUESTED state. COMPLETED is terminal.
var validTransitions = map[JobState][]JobState{
	StatePending:               {StateProcessing, StateCancelled, StateFailed},
	StateProcessing:            {StateCompleted, StateFailed, StatePending, StateCancellationRequested},
	StateCancellationRequested: {StateCancelled, StateCompleted, StateFailed},
	StateFailed:                {StatePending},
	StateCancelled:             {StatePending},
	StateCompleted:             {},
}

// CanTransition reports whether the lifecycle graph allows from -> to.
func CanTransition(from, to JobState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the state has no outgoing transitions other
// than an explicit admin retry.
func (s JobState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Valid reports whether s is a known state.
func (s JobState) Valid() bool {
	_, ok := validTransitions[s]
	return ok
}

// Job is the local row mirroring a queued archival job.
//
// The row is created at enqueue and updated at every state change:
// the bot owns enqueue/cancel/retry, the worker owns processing,
// completion, and failure. PayloadJSON holds the exact queue envelope so
// an admin retry can re-publish without reconstructing it.
type Job struct {
	ID string `gorm:"primaryKey;size:36" json:"id"`

	UserID    int64 `gorm:"index" json:"user_id"`
	ChatID    int64 `gorm:"index" json:"chat_id"`
	MessageID int64 `json:"message_id"`

	// File descriptor summary for listings; the full descriptor lives
	// in PayloadJSON.
	FileUniqueID string `gorm:"index" json:"file_unique_id"`
	FileSize     int64  `json:"file_size"`
	FileKind     string `json:"file_kind"`
	FileName     string `json:"file_name,omitempty"`

	State      JobState `gorm:"index;size:32" json:"state"`
	Priority   int      `json:"priority"`
	RetryCount int      `json:"retry_count"`
	MaxRetries int      `json:"max_retries"`
	LastError  string   `json:"last_error,omitempty"`

	PayloadJSON string `gorm:"type:text" json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Transition validates and applies a state change on the in-memory row.
// The persistent update is done by the store.
func (j *Job) Transition(to JobState) error {
	if !to.Valid() {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, to)
	}
	if !CanTransition(j.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.State, to)
	}
	j.State = to
	return nil
}
