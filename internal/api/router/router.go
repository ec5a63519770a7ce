package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hazel-ys-lin/serval-run-v2/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "test-run-api-service",
		})
	})

	// Initialize job handler
	jobHandler := handler.NewJobHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		// POST /api/v1/test-runs - Queue an asynchronous test run
		v1.POST("/test-runs", jobHandler.SubmitTestRun)

		jobs := v1.Group("/jobs")
		{
			// GET /api/v1/jobs - List the caller's jobs
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/:job_id - Get job details
			jobs.GET("/:job_id", jobHandler.GetJob)

			// POST /api/v1/jobs/:job_id/cancel - Cancel a job
			jobs.POST("/:job_id/cancel", jobHandler.CancelJob)

			// POST /api/v1/jobs/:job_id/requeue - Force a job back to the queue
			jobs.POST("/:job_id/requeue", jobHandler.RequeueJob)

			// DELETE /api/v1/jobs/:job_id - Delete a finished job
			jobs.DELETE("/:job_id", jobHandler.DeleteJob)
		}

		// GET /api/v1/queue/stats - Pending queue depth
		v1.GET("/queue/stats", jobHandler.QueueStats)
	}

	return r
}
