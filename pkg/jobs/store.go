package jobs

import "context"

// ListFilter narrows List results. Zero values mean "any".
type ListFilter struct {
	State  JobState
	ChatID int64
	Limit  int
}

// Store persists job rows.
//
// Implementations must enforce the lifecycle graph on RecordState and
// keep retry/cancel semantics atomic with respect to concurrent updates
// from the worker process.
type Store interface {
	// Create inserts a new job row. The job must carry a fresh id and
	// state PENDING.
	Create(ctx context.Context, job *Job) error

	// Get returns the job row by id.
	Get(ctx context.Context, id string) (*Job, error)

	// List returns job rows matching the filter, newest first.
	List(ctx context.Context, filter ListFilter) ([]*Job, error)

	// RecordState applies a validated state transition. lastErr is
	// stored verbatim when non-empty.
	RecordState(ctx context.Context, id string, state JobState, lastErr string) (*Job, error)

	// MarkRetry transitions a FAILED or CANCELLED job back to PENDING
	// and returns the row so the caller can re-publish its payload.
	MarkRetry(ctx context.Context, id string) (*Job, error)

	// MarkCancel cancels a PENDING job outright or flags a PROCESSING
	// job with CANCELLATION_REQUESTED.
	MarkCancel(ctx context.Context, id string) (*Job, error)

	// IncrementRetry bumps the retry counter after a transient failure.
	IncrementRetry(ctx context.Context, id string) (*Job, error)

	// Close releases the underlying database handle.
	Close() error
}
