package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/hazel-ys-lin/serval-run-v2/internal/api/dto"
	"github.com/hazel-ys-lin/serval-run-v2/internal/queue"
)

const (
	userIDHeader     = "X-User-ID"
	defaultListLimit = 20
	maxListLimit     = 100
)

// SubmitTestRun handles POST /api/v1/test-runs
// Queues an asynchronous test run and returns its job id immediately.
func (h *JobHandler) SubmitTestRun(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}

	var req dto.SubmitTestRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	job := queue.NewJob(req.Level, req.TargetID, userID, req.Target.ToTargetConfig(), dto.ToTestCases(req.TestCases))
	if req.MaxRetries != nil && *req.MaxRetries >= 0 {
		job.WithMaxRetries(*req.MaxRetries)
	}

	jobID, err := h.queue.Enqueue(c.Request.Context(), job)
	if err != nil {
		if errors.Is(err, queue.ErrEmptyTestCases) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "test_cases must not be empty",
			})
			return
		}
		h.logger.Error("Failed to enqueue job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to enqueue job",
		})
		return
	}

	h.logger.Info("Test run queued",
		slog.String("job_id", jobID.String()),
		slog.String("level", job.Level),
		slog.Int("test_cases", len(job.TestCases)),
	)

	c.JSON(http.StatusAccepted, dto.SubmitTestRunResponse{
		JobID:  jobID,
		Status: job.Status,
	})
}

// GetJob handles GET /api/v1/jobs/:job_id
// Returns the current state of a job, including its result once finished.
// Another user's job reads as not found.
func (h *JobHandler) GetJob(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	job, err := h.queue.GetJob(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Job not found",
			})
			return
		}
		h.logger.Error("Failed to get job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	if job.UserID != userID {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Job not found",
		})
		return
	}

	c.JSON(http.StatusOK, dto.FromJob(job))
}

// ListJobs handles GET /api/v1/jobs
// Lists the calling user's jobs, most recent first.
func (h *JobHandler) ListJobs(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}

	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.Limit <= 0 {
		req.Limit = defaultListLimit
	}
	if req.Limit > maxListLimit {
		req.Limit = maxListLimit
	}

	jobs, err := h.queue.ListJobsByUser(c.Request.Context(), userID, req.Limit)
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	jobResponse := make([]dto.JobDTO, len(jobs))
	for i, job := range jobs {
		jobResponse[i] = dto.FromJob(job)
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs: jobResponse,
	})
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
// Cancels a pending or running job. Terminal jobs return 409.
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID, ok := h.ownedJobID(c)
	if !ok {
		return
	}

	if err := h.queue.CancelJob(c.Request.Context(), jobID); err != nil {
		switch {
		case errors.Is(err, queue.ErrJobNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Job not found",
			})
		case errors.Is(err, queue.ErrJobAlreadyTerminal):
			c.JSON(http.StatusConflict, gin.H{
				"error": "Job already in a terminal state",
			})
		default:
			h.logger.Error("Failed to cancel job", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to cancel job",
			})
		}
		return
	}

	h.logger.Info("Job cancelled", slog.String("job_id", jobID.String()))
	c.JSON(http.StatusOK, gin.H{
		"job_id": jobID,
		"status": queue.JobStatusCancelled,
	})
}

// RequeueJob handles POST /api/v1/jobs/:job_id/requeue
// Forces a non-terminal job back to the queue tail, regardless of its
// retry count.
func (h *JobHandler) RequeueJob(c *gin.Context) {
	jobID, ok := h.ownedJobID(c)
	if !ok {
		return
	}

	if err := h.queue.Requeue(c.Request.Context(), jobID); err != nil {
		switch {
		case errors.Is(err, queue.ErrJobNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Job not found",
			})
		case errors.Is(err, queue.ErrJobAlreadyTerminal):
			c.JSON(http.StatusConflict, gin.H{
				"error": "Job already in a terminal state",
			})
		default:
			h.logger.Error("Failed to requeue job", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to requeue job",
			})
		}
		return
	}

	h.logger.Info("Job requeued", slog.String("job_id", jobID.String()))
	c.JSON(http.StatusOK, gin.H{
		"job_id": jobID,
		"status": queue.JobStatusPending,
	})
}

// DeleteJob handles DELETE /api/v1/jobs/:job_id
// Removes the job record. Non-terminal jobs must be cancelled first.
func (h *JobHandler) DeleteJob(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	job, err := h.queue.GetJob(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Job not found",
			})
			return
		}
		h.logger.Error("Failed to get job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	if job.UserID != userID {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Job not found",
		})
		return
	}

	if !job.IsTerminal() {
		c.JSON(http.StatusConflict, gin.H{
			"error": "Job is still active, cancel it first",
		})
		return
	}

	if err := h.queue.DeleteJob(c.Request.Context(), jobID); err != nil {
		h.logger.Error("Failed to delete job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to delete job",
		})
		return
	}

	c.Status(http.StatusNoContent)
}

// QueueStats handles GET /api/v1/queue/stats
func (h *JobHandler) QueueStats(c *gin.Context) {
	length, err := h.queue.QueueLength(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to read queue length", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to read queue stats",
		})
		return
	}

	c.JSON(http.StatusOK, dto.QueueStatsResponse{
		PendingJobs: length,
	})
}

// ownedJobID parses the :job_id path parameter and verifies the job
// belongs to the calling user. Another user's job reads as not found, the
// same answer an unknown id gets.
func (h *JobHandler) ownedJobID(c *gin.Context) (uuid.UUID, bool) {
	userID, ok := h.userID(c)
	if !ok {
		return uuid.Nil, false
	}
	jobID, ok := h.jobID(c)
	if !ok {
		return uuid.Nil, false
	}

	job, err := h.queue.GetJob(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Job not found",
			})
			return uuid.Nil, false
		}
		h.logger.Error("Failed to get job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return uuid.Nil, false
	}

	if job.UserID != userID {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Job not found",
		})
		return uuid.Nil, false
	}
	return jobID, true
}

// jobID parses the :job_id path parameter, answering 400 on a bad value.
func (h *JobHandler) jobID(c *gin.Context) (uuid.UUID, bool) {
	raw := c.Param("job_id")
	jobID, err := uuid.Parse(raw)
	if err != nil {
		h.logger.Error("Invalid job_id format",
			slog.String("job_id", raw),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return uuid.Nil, false
	}
	return jobID, true
}

// userID parses the X-User-ID header, answering 400 when missing or bad.
func (h *JobHandler) userID(c *gin.Context) (uuid.UUID, bool) {
	raw := c.GetHeader(userIDHeader)
	if raw == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": userIDHeader + " header is required",
		})
		return uuid.Nil, false
	}

	userID, err := uuid.Parse(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": userIDHeader + " must be a valid UUID",
		})
		return uuid.Nil, false
	}
	return userID, true
}
