package handler

import (
	"log/slog"

	"github.com/hazel-ys-lin/serval-run-v2/internal/queue"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger *slog.Logger
	Queue  queue.JobQueue
}

// JobHandler handles test-run and job HTTP requests
type JobHandler struct {
	logger *slog.Logger
	queue  queue.JobQueue
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger: deps.Logger,
		queue:  deps.Queue,
	}
}
