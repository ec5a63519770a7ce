package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hazel-ys-lin/serval-run-v2/internal/queue"
)

const defaultPollTimeout = 5 * time.Second

// Config holds worker configuration
type Config struct {
	Logger      *slog.Logger
	Queue       queue.JobQueue
	Executor    *Executor
	PollTimeout time.Duration
}

// Worker is the dequeue loop: it pulls one job at a time from the queue,
// hands it to the executor and writes the terminal status back. Per-job
// parallelism lives inside the executor.
type Worker struct {
	logger      *slog.Logger
	queue       queue.JobQueue
	executor    *Executor
	pollTimeout time.Duration
	wg          sync.WaitGroup
	stopChan    chan struct{}
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	pollTimeout := cfg.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = defaultPollTimeout
	}

	return &Worker{
		logger:      cfg.Logger,
		queue:       cfg.Queue,
		executor:    cfg.Executor,
		pollTimeout: pollTimeout,
		stopChan:    make(chan struct{}),
	}
}

// Start begins the dequeue loop. It returns once the context is
// cancelled or Stop is called, after the in-flight job (if any) has
// reached a terminal or retry state.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.Duration("poll_timeout", w.pollTimeout),
	)

	w.wg.Add(1)
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Worker context canceled, stopping...")
			return nil
		case <-w.stopChan:
			w.logger.Info("Worker stop requested")
			return nil
		default:
		}

		job, err := w.queue.Dequeue(ctx, w.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error("Failed to dequeue job",
				slog.String("error", err.Error()),
			)
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			continue
		}

		w.process(ctx, job)
	}
}

// Stop gracefully stops the worker
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	close(w.stopChan)
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}

// process executes one dequeued job and persists its outcome. Terminal
// status writes use a detached context so a shutdown mid-job never
// strands the job in Running.
func (w *Worker) process(ctx context.Context, job *queue.Job) {
	w.logger.Info("Processing job",
		slog.String("job_id", job.ID.String()),
		slog.String("level", job.Level),
		slog.String("target_id", job.TargetID.String()),
	)

	start := time.Now()
	result, err := w.executor.Execute(ctx, job)

	writeCtx := context.WithoutCancel(ctx)
	switch {
	case err == nil:
		if completeErr := w.queue.CompleteJob(writeCtx, job.ID, *result); completeErr != nil {
			w.logger.Error("Failed to complete job",
				slog.String("job_id", job.ID.String()),
				slog.String("error", completeErr.Error()),
			)
			return
		}
		w.logger.Info("Job completed",
			slog.String("job_id", job.ID.String()),
			slog.String("report_id", result.ReportID.String()),
			slog.Int("success_count", result.SuccessCount),
			slog.Int("fail_count", result.FailCount),
			slog.Duration("duration", time.Since(start)),
		)

	case errors.Is(err, ErrJobCancelled):
		// Status is already Cancelled; nothing to write.
		w.logger.Info("Job cancelled",
			slog.String("job_id", job.ID.String()),
		)

	default:
		retryable := IsRetryable(err)
		if failErr := w.queue.FailJob(writeCtx, job.ID, err.Error(), retryable); failErr != nil {
			if errors.Is(failErr, queue.ErrJobAlreadyTerminal) {
				// A cancel won the race; the terminal status stands.
				w.logger.Info("Job reached a terminal state before its failure was recorded",
					slog.String("job_id", job.ID.String()),
				)
				return
			}
			w.logger.Error("Failed to record job failure",
				slog.String("job_id", job.ID.String()),
				slog.String("error", failErr.Error()),
			)
			return
		}
		w.logger.Warn("Job failed",
			slog.String("job_id", job.ID.String()),
			slog.Bool("retryable", retryable),
			slog.String("error", err.Error()),
		)
	}
}
