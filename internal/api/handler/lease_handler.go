package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/jobqueue/internal/api/dto"
	"github.com/cuongbtq/jobqueue/internal/domain"
)

// LeaseJob handles POST /api/v1/queues/:queue/lease. It answers 204 when no
// job is due.
func (h *JobHandler) LeaseJob(c *gin.Context) {
	queue := c.Param("queue")

	var req dto.LeaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	job, ok, err := h.jobs.Lease(c.Request.Context(), queue, req.WorkerID, time.Duration(req.LeaseSeconds)*time.Second)
	if err != nil {
		h.respondError(c, err, "Failed to lease job")
		return
	}
	if !ok {
		c.Status(http.StatusNoContent)
		return
	}

	h.logger.Info("Job leased",
		slog.String("job_id", job.ID),
		slog.String("queue", queue),
		slog.String("worker_id", req.WorkerID),
		slog.Int("attempt", job.Attempts),
	)

	c.JSON(http.StatusOK, toJobDTO(job))
}

// HeartbeatJob handles POST /api/v1/jobs/:job_id/heartbeat
func (h *JobHandler) HeartbeatJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	var req dto.HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	expiresAt, err := h.jobs.ExtendLease(c.Request.Context(), jobID, req.WorkerID, time.Duration(req.LeaseSeconds)*time.Second)
	if errors.Is(err, domain.ErrCancelRequested) {
		c.JSON(http.StatusConflict, gin.H{
			"error":            err.Error(),
			"cancel_requested": true,
		})
		return
	}
	if err != nil {
		h.respondError(c, err, "Failed to extend lease")
		return
	}

	c.JSON(http.StatusOK, dto.HeartbeatResponse{
		JobID:          jobID,
		LeaseExpiresAt: formatTime(expiresAt),
	})
}

// ReportOutcome handles POST /api/v1/jobs/:job_id/outcome
func (h *JobHandler) ReportOutcome(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	var req dto.OutcomeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	kind, err := domain.ParseOutcomeKind(req.Outcome)
	if err != nil {
		h.respondError(c, err, "Invalid outcome")
		return
	}

	state, err := h.jobs.Report(c.Request.Context(), jobID, req.WorkerID, domain.Outcome{Kind: kind, Reason: req.Reason})
	if err != nil {
		h.respondError(c, err, "Failed to report outcome")
		return
	}

	h.logger.Info("Job outcome reported",
		slog.String("job_id", jobID),
		slog.String("worker_id", req.WorkerID),
		slog.String("outcome", kind.String()),
		slog.String("state", string(state)),
	)

	c.JSON(http.StatusOK, dto.OutcomeResponse{
		JobID: jobID,
		State: string(state),
	})
}
