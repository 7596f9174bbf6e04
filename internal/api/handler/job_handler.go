package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/jobqueue/internal/api/dto"
	"github.com/cuongbtq/jobqueue/internal/domain"
	"github.com/cuongbtq/jobqueue/internal/engine"
)

// EnqueueJob handles POST /api/v1/jobs
func (h *JobHandler) EnqueueJob(c *gin.Context) {
	var req dto.EnqueueJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	priority, err := domain.ParsePriority(req.Priority)
	if err != nil {
		h.respondError(c, err, "Invalid priority")
		return
	}

	jobID, err := h.jobs.Enqueue(c.Request.Context(), engine.EnqueueRequest{
		Queue:       req.Queue,
		Payload:     req.Payload,
		Priority:    priority,
		DedupKey:    req.DedupKey,
		Delay:       time.Duration(req.DelayMs) * time.Millisecond,
		MaxAttempts: req.MaxAttempts,
		Resource:    req.Resource,
	})
	if errors.Is(err, domain.ErrDuplicateDedupKey) {
		h.logger.Info("Duplicate dedup key",
			slog.String("queue", req.Queue),
			slog.String("dedup_key", req.DedupKey),
			slog.String("job_id", jobID),
		)
		c.JSON(http.StatusConflict, gin.H{
			"error":  err.Error(),
			"job_id": jobID,
		})
		return
	}
	if err != nil {
		h.respondError(c, err, "Failed to enqueue job")
		return
	}

	h.logger.Info("Job enqueued",
		slog.String("job_id", jobID),
		slog.String("queue", req.Queue),
		slog.String("priority", priority.String()),
	)

	c.JSON(http.StatusCreated, dto.EnqueueJobResponse{
		JobID: jobID,
		State: string(domain.StatePending),
	})
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	status, err := h.jobs.GetStatus(c.Request.Context(), jobID)
	if err != nil {
		h.respondError(c, err, "Failed to get job")
		return
	}

	c.JSON(http.StatusOK, status)
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel. A leased job is
// cancelled once its worker observes the request.
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	if err := h.jobs.Cancel(c.Request.Context(), jobID); err != nil {
		h.respondError(c, err, "Failed to cancel job")
		return
	}

	status, err := h.jobs.GetStatus(c.Request.Context(), jobID)
	if err != nil {
		h.respondError(c, err, "Failed to get job")
		return
	}

	h.logger.Info("Job cancel requested",
		slog.String("job_id", jobID),
		slog.String("state", string(status.State)),
	)

	c.JSON(http.StatusOK, status)
}

// ListDeadLetters handles GET /api/v1/dead-letters
func (h *JobHandler) ListDeadLetters(c *gin.Context) {
	var req dto.ListDeadLettersRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Warn("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	cursor, err := DecodeCursor(req.Cursor)
	if err != nil {
		h.logger.Warn("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	page, err := h.jobs.DeadLetters(c.Request.Context(), req.Queue, req.PageSize, cursor)
	if err != nil {
		h.respondError(c, err, "Failed to list dead letters")
		return
	}

	jobs := make([]dto.JobDTO, len(page.Jobs))
	for i, job := range page.Jobs {
		jobs[i] = toJobDTO(job)
	}

	c.JSON(http.StatusOK, dto.ListDeadLettersResponse{
		Jobs:       jobs,
		NextCursor: EncodeCursor(page.Next),
	})
}

// ReplayDeadLetter handles POST /api/v1/dead-letters/:job_id/replay
func (h *JobHandler) ReplayDeadLetter(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	job, err := h.jobs.Replay(c.Request.Context(), jobID)
	if err != nil {
		h.respondError(c, err, "Failed to replay dead letter")
		return
	}

	h.logger.Info("Dead letter replayed",
		slog.String("job_id", jobID),
		slog.String("replay_id", job.ID),
	)

	c.JSON(http.StatusCreated, toJobDTO(job))
}
