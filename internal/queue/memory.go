package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is an in-process JobQueue with the same FIFO and
// retry-reinsertion ordering as the Redis backend. It exists so the full
// consumer logic can run deterministically in tests without an external
// dependency. Scope one instance per owning process or test.
type MemoryQueue struct {
	mu      sync.Mutex
	pending []uuid.UUID
	jobs    map[uuid.UUID]*Job

	// notify wakes at most one blocked Dequeue when an id enters the
	// pending ordering.
	notify chan struct{}
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		jobs:   make(map[uuid.UUID]*Job),
		notify: make(chan struct{}, 1),
	}
}

var _ JobQueue = (*MemoryQueue)(nil)

func (q *MemoryQueue) notifyOne() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Enqueue stores the job and appends its id to the pending tail.
func (q *MemoryQueue) Enqueue(_ context.Context, job *Job) (uuid.UUID, error) {
	if len(job.TestCases) == 0 {
		return uuid.Nil, ErrEmptyTestCases
	}

	q.mu.Lock()
	stored := job.clone()
	stored.Status = JobStatusPending
	q.jobs[stored.ID] = stored
	q.pending = append(q.pending, stored.ID)
	q.mu.Unlock()

	q.notifyOne()
	return job.ID, nil
}

// popLocked removes the head of the pending ordering, skipping ids whose
// job was cancelled or deleted while waiting, and marks the job Running.
func (q *MemoryQueue) popLocked() *Job {
	for len(q.pending) > 0 {
		id := q.pending[0]
		q.pending = q.pending[1:]

		job, ok := q.jobs[id]
		if !ok || job.Status != JobStatusPending {
			continue
		}
		job.markRunning()
		return job.clone()
	}
	return nil
}

// Dequeue blocks until a job is available or the timeout elapses, without
// busy-polling. Returns (nil, nil) on timeout.
func (q *MemoryQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	deadline := time.Now().Add(timeout)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		q.mu.Lock()
		job := q.popLocked()
		q.mu.Unlock()
		if job != nil {
			return job, nil
		}

		if time.Now().After(deadline) {
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			// Re-check once, another Enqueue may have raced the timer.
		case <-q.notify:
		}
	}
}

// GetJob returns a copy of the job or ErrJobNotFound.
func (q *MemoryQueue) GetJob(_ context.Context, jobID uuid.UUID) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.clone(), nil
}

// UpdateStatus overwrites the job status.
func (q *MemoryQueue) UpdateStatus(_ context.Context, jobID uuid.UUID, status string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}

	now := time.Now().UTC()
	job.Status = status
	job.UpdatedAt = now
	if IsTerminalStatus(status) {
		job.CompletedAt = &now
	}
	return nil
}

// CompleteJob stores the result and marks the job Completed.
func (q *MemoryQueue) CompleteJob(_ context.Context, jobID uuid.UUID, result Result) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status != JobStatusRunning {
		return ErrJobNotRunning
	}

	now := time.Now().UTC()
	job.Status = JobStatusCompleted
	job.Result = &result
	job.CompletedAt = &now
	job.UpdatedAt = now
	return nil
}

// FailJob applies the failure transition; a retryable failure with retries
// remaining re-enters the pending tail in the same locked step. A job that
// reached a terminal state in the meantime (a racing cancel) stays as it is.
func (q *MemoryQueue) FailJob(_ context.Context, jobID uuid.UUID, message string, retryable bool) error {
	q.mu.Lock()
	job, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return ErrJobNotFound
	}
	if job.IsTerminal() {
		q.mu.Unlock()
		return ErrJobAlreadyTerminal
	}

	requeue := job.fail(message, retryable)
	if requeue {
		q.pending = append(q.pending, jobID)
	}
	q.mu.Unlock()

	if requeue {
		q.notifyOne()
	}
	return nil
}

// Requeue forces a non-terminal job back to Pending at the tail.
func (q *MemoryQueue) Requeue(_ context.Context, jobID uuid.UUID) error {
	q.mu.Lock()
	job, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return ErrJobNotFound
	}
	if job.IsTerminal() {
		q.mu.Unlock()
		return ErrJobAlreadyTerminal
	}

	wasPending := job.Status == JobStatusPending
	job.Status = JobStatusPending
	job.StartedAt = nil
	job.ErrorMessage = ""
	job.UpdatedAt = time.Now().UTC()
	if !wasPending {
		q.pending = append(q.pending, jobID)
	}
	q.mu.Unlock()

	if !wasPending {
		q.notifyOne()
	}
	return nil
}

// CancelJob cancels a Pending or Running job. The id is dropped from the
// pending ordering so a waiting worker never picks it up.
func (q *MemoryQueue) CancelJob(_ context.Context, jobID uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if job.IsTerminal() {
		return ErrJobAlreadyTerminal
	}

	now := time.Now().UTC()
	job.Status = JobStatusCancelled
	job.CompletedAt = &now
	job.UpdatedAt = now

	for i, id := range q.pending {
		if id == jobID {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			break
		}
	}
	return nil
}

// DeleteJob removes the job record.
func (q *MemoryQueue) DeleteJob(_ context.Context, jobID uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.jobs[jobID]; !ok {
		return ErrJobNotFound
	}
	delete(q.jobs, jobID)
	return nil
}

// QueueLength returns the number of Pending jobs.
func (q *MemoryQueue) QueueLength(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var n int64
	for _, id := range q.pending {
		if job, ok := q.jobs[id]; ok && job.Status == JobStatusPending {
			n++
		}
	}
	return n, nil
}

// ListJobsByUser returns the user's jobs, most-recent-first.
func (q *MemoryQueue) ListJobsByUser(_ context.Context, userID uuid.UUID, limit int) ([]*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var jobs []*Job
	for _, job := range q.jobs {
		if job.UserID == userID {
			jobs = append(jobs, job.clone())
		}
	}

	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].CreatedAt.After(jobs[k].CreatedAt)
	})

	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}
