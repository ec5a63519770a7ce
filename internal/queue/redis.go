package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// Redis key layout:
//   serval:jobs:queue           list of pending job ids (RPUSH / BLPOP)
//   serval:jobs:<id>            job record as JSON, status stored inside
//   serval:jobs:by_user:<uid>   set of job ids per user
const (
	queueKey   = "serval:jobs:queue"
	jobPrefix  = "serval:jobs:"
	userPrefix = "serval:jobs:by_user:"
)

// RedisQueue is the durable JobQueue backend. Producers RPUSH to the tail
// of the pending list and workers BLPOP from the head, so no two workers
// ever receive the same job id.
type RedisQueue struct {
	client *goredis.Client
	logger *slog.Logger
}

// NewRedisQueue creates a Redis-backed job queue.
func NewRedisQueue(client *goredis.Client, logger *slog.Logger) *RedisQueue {
	return &RedisQueue{
		client: client,
		logger: logger,
	}
}

var _ JobQueue = (*RedisQueue)(nil)

func jobKey(id uuid.UUID) string {
	return jobPrefix + id.String()
}

func userKey(userID uuid.UUID) string {
	return userPrefix + userID.String()
}

// saveJob serializes the full job record, status alongside the payload, so
// a single GET by id returns complete job state.
func saveJob(ctx context.Context, cmd goredis.Cmdable, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := cmd.Set(ctx, jobKey(job.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

// Enqueue stores the job record, appends its id to the pending tail and
// indexes it for the owner.
func (q *RedisQueue) Enqueue(ctx context.Context, job *Job) (uuid.UUID, error) {
	if len(job.TestCases) == 0 {
		return uuid.Nil, ErrEmptyTestCases
	}

	job.Status = JobStatusPending

	_, err := q.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		if err := saveJob(ctx, pipe, job); err != nil {
			return err
		}
		pipe.RPush(ctx, queueKey, job.ID.String())
		pipe.SAdd(ctx, userKey(job.UserID), job.ID.String())
		return nil
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	q.logger.Info("Job enqueued",
		slog.String("job_id", job.ID.String()),
		slog.String("level", job.Level),
		slog.Int("test_cases", len(job.TestCases)),
	)

	return job.ID, nil
}

// Dequeue blocks up to timeout on the head of the pending list. BLPOP is
// the atomic hand-off: the id leaves the pending ordering in the same step
// it is delivered, then the record is marked Running. Ids whose job was
// cancelled while queued are skipped. Returns (nil, nil) on timeout.
func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	deadline := time.Now().Add(timeout)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}

		result, err := q.client.BLPop(ctx, remaining, queueKey).Result()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				return nil, nil
			}
			return nil, fmt.Errorf("failed to pop job from queue: %w", err)
		}
		if len(result) < 2 {
			continue
		}

		jobID, err := uuid.Parse(result[1])
		if err != nil {
			q.logger.Warn("Discarding queue entry with invalid job id",
				slog.String("entry", result[1]),
			)
			continue
		}

		job, err := q.GetJob(ctx, jobID)
		if err != nil {
			if errors.Is(err, ErrJobNotFound) {
				continue
			}
			return nil, err
		}
		if job.Status != JobStatusPending {
			// Cancelled (or otherwise moved on) while waiting in line.
			continue
		}

		job.markRunning()
		if err := saveJob(ctx, q.client, job); err != nil {
			return nil, err
		}

		q.logger.Info("Job dequeued",
			slog.String("job_id", job.ID.String()),
			slog.String("level", job.Level),
		)
		return job, nil
	}
}

// GetJob fetches and decodes the job record.
func (q *RedisQueue) GetJob(ctx context.Context, jobID uuid.UUID) (*Job, error) {
	data, err := q.client.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// UpdateStatus overwrites the job status.
func (q *RedisQueue) UpdateStatus(ctx context.Context, jobID uuid.UUID, status string) error {
	job, err := q.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	job.Status = status
	job.UpdatedAt = now
	if IsTerminalStatus(status) {
		job.CompletedAt = &now
	}
	return saveJob(ctx, q.client, job)
}

// CompleteJob stores the result and marks the job Completed.
func (q *RedisQueue) CompleteJob(ctx context.Context, jobID uuid.UUID, result Result) error {
	job, err := q.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != JobStatusRunning {
		return ErrJobNotRunning
	}

	now := time.Now().UTC()
	job.Status = JobStatusCompleted
	job.Result = &result
	job.CompletedAt = &now
	job.UpdatedAt = now

	if err := saveJob(ctx, q.client, job); err != nil {
		return err
	}

	q.logger.Info("Job completed",
		slog.String("job_id", jobID.String()),
		slog.String("report_id", result.ReportID.String()),
		slog.Int("success", result.SuccessCount),
		slog.Int("fail", result.FailCount),
	)
	return nil
}

// FailJob applies the failure transition. The retry path writes the
// updated record and re-appends the id to the pending tail inside one
// MULTI/EXEC so readers never observe a Pending job missing from the
// ordering. A job that reached a terminal state in the meantime (a racing
// cancel) stays as it is.
func (q *RedisQueue) FailJob(ctx context.Context, jobID uuid.UUID, message string, retryable bool) error {
	job, err := q.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.IsTerminal() {
		return ErrJobAlreadyTerminal
	}

	requeue := job.fail(message, retryable)

	_, err = q.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		if err := saveJob(ctx, pipe, job); err != nil {
			return err
		}
		if requeue {
			pipe.RPush(ctx, queueKey, jobID.String())
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}

	q.logger.Warn("Job failed",
		slog.String("job_id", jobID.String()),
		slog.String("status", job.Status),
		slog.Int("retry_count", job.RetryCount),
		slog.String("error", message),
	)
	return nil
}

// Requeue forces a non-terminal job back to Pending at the queue tail,
// regardless of retry count.
func (q *RedisQueue) Requeue(ctx context.Context, jobID uuid.UUID) error {
	job, err := q.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.IsTerminal() {
		return ErrJobAlreadyTerminal
	}

	wasPending := job.Status == JobStatusPending
	job.Status = JobStatusPending
	job.StartedAt = nil
	job.ErrorMessage = ""
	job.UpdatedAt = time.Now().UTC()

	_, err = q.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		if err := saveJob(ctx, pipe, job); err != nil {
			return err
		}
		if !wasPending {
			pipe.RPush(ctx, queueKey, jobID.String())
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to requeue job: %w", err)
	}

	q.logger.Info("Job requeued", slog.String("job_id", jobID.String()))
	return nil
}

// CancelJob cancels a Pending or Running job and drops its id from the
// pending list so no worker picks it up later.
func (q *RedisQueue) CancelJob(ctx context.Context, jobID uuid.UUID) error {
	job, err := q.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.IsTerminal() {
		return ErrJobAlreadyTerminal
	}

	now := time.Now().UTC()
	job.Status = JobStatusCancelled
	job.CompletedAt = &now
	job.UpdatedAt = now

	_, err = q.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		if err := saveJob(ctx, pipe, job); err != nil {
			return err
		}
		pipe.LRem(ctx, queueKey, 0, jobID.String())
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to cancel job: %w", err)
	}

	q.logger.Info("Job cancelled", slog.String("job_id", jobID.String()))
	return nil
}

// DeleteJob removes the job record and its entry in the owner's index.
func (q *RedisQueue) DeleteJob(ctx context.Context, jobID uuid.UUID) error {
	job, err := q.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	_, err = q.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.SRem(ctx, userKey(job.UserID), jobID.String())
		pipe.Del(ctx, jobKey(jobID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}

	q.logger.Info("Job deleted", slog.String("job_id", jobID.String()))
	return nil
}

// QueueLength returns the length of the pending list.
func (q *RedisQueue) QueueLength(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, queueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue length: %w", err)
	}
	return n, nil
}

// ListJobsByUser resolves the owner's index set, most-recent-first.
func (q *RedisQueue) ListJobsByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*Job, error) {
	ids, err := q.client.SMembers(ctx, userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read user index: %w", err)
	}

	jobs := make([]*Job, 0, len(ids))
	for _, raw := range ids {
		jobID, err := uuid.Parse(raw)
		if err != nil {
			continue
		}
		job, err := q.GetJob(ctx, jobID)
		if err != nil {
			if errors.Is(err, ErrJobNotFound) {
				continue
			}
			return nil, err
		}
		jobs = append(jobs, job)
	}

	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].CreatedAt.After(jobs[k].CreatedAt)
	})

	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}
