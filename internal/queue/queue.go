package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrJobNotFound is returned when a job id is not known to the backend.
	ErrJobNotFound = errors.New("job not found")

	// ErrEmptyTestCases is returned when enqueuing a job with no test cases.
	ErrEmptyTestCases = errors.New("job has no test cases")

	// ErrJobNotRunning is returned when completing a job that is not Running.
	ErrJobNotRunning = errors.New("job is not running")

	// ErrJobAlreadyTerminal is returned when cancelling or requeuing a job
	// that already reached a terminal state.
	ErrJobAlreadyTerminal = errors.New("job already in a terminal state")
)

// JobQueue is the contract both queue backends satisfy. Producers use
// Enqueue/GetJob/ListJobsByUser/CancelJob/Requeue/QueueLength; the worker
// loop uses Dequeue/CompleteJob/FailJob. All operations are safe under
// concurrent callers.
type JobQueue interface {
	// Enqueue stores the job, sets it Pending and appends it to the FIFO
	// tail. Fails with ErrEmptyTestCases when the job has no test cases.
	Enqueue(ctx context.Context, job *Job) (uuid.UUID, error)

	// Dequeue blocks up to timeout for the head of the queue. On success
	// the job is atomically removed from the pending ordering and returned
	// in Running state. A timeout returns (nil, nil).
	Dequeue(ctx context.Context, timeout time.Duration) (*Job, error)

	// GetJob returns the job or ErrJobNotFound.
	GetJob(ctx context.Context, jobID uuid.UUID) (*Job, error)

	// UpdateStatus overwrites the job status.
	UpdateStatus(ctx context.Context, jobID uuid.UUID, status string) error

	// CompleteJob stores the result and marks the job Completed. Only
	// valid from Running.
	CompleteJob(ctx context.Context, jobID uuid.UUID, result Result) error

	// FailJob records the failure message. A retryable failure with
	// retries remaining re-enters the queue tail as Pending with
	// retry_count+1; otherwise the job is Dead.
	FailJob(ctx context.Context, jobID uuid.UUID, message string, retryable bool) error

	// Requeue forces a non-terminal job back to Pending at the queue tail,
	// regardless of retry count. Manual override.
	Requeue(ctx context.Context, jobID uuid.UUID) error

	// CancelJob cancels a Pending or Running job; terminal jobs return
	// ErrJobAlreadyTerminal.
	CancelJob(ctx context.Context, jobID uuid.UUID) error

	// DeleteJob removes the job record and its listing index entry.
	DeleteJob(ctx context.Context, jobID uuid.UUID) error

	// QueueLength returns the number of Pending jobs in the ordering.
	QueueLength(ctx context.Context) (int64, error)

	// ListJobsByUser returns up to limit of the user's jobs,
	// most-recent-first.
	ListJobsByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*Job, error)
}
