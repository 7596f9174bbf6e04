package router

import (
	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/jobqueue/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	r.GET("/health", handler.NewHealthHandler(deps).Health)
	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	jobHandler := handler.NewJobHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Enqueue a job
			jobs.POST("", jobHandler.EnqueueJob)

			// GET /api/v1/jobs/:job_id - Get job status
			jobs.GET("/:job_id", jobHandler.GetJob)

			// POST /api/v1/jobs/:job_id/cancel - Cancel a pending or leased job
			jobs.POST("/:job_id/cancel", jobHandler.CancelJob)

			// POST /api/v1/jobs/:job_id/heartbeat - Extend a remote lease
			jobs.POST("/:job_id/heartbeat", jobHandler.HeartbeatJob)

			// POST /api/v1/jobs/:job_id/outcome - Report the outcome of a remote lease
			jobs.POST("/:job_id/outcome", jobHandler.ReportOutcome)
		}

		deadLetters := v1.Group("/dead-letters")
		{
			deadLetters.GET("", jobHandler.ListDeadLetters)
			deadLetters.POST("/:job_id/replay", jobHandler.ReplayDeadLetter)
		}

		// POST /api/v1/queues/:queue/lease - Lease the next due job of a queue
		v1.POST("/queues/:queue/lease", jobHandler.LeaseJob)
	}

	return r
}
