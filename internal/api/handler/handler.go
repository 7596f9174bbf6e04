package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/jobqueue/internal/api/dto"
	"github.com/cuongbtq/jobqueue/internal/deadletter"
	"github.com/cuongbtq/jobqueue/internal/domain"
	"github.com/cuongbtq/jobqueue/internal/engine"
	"github.com/cuongbtq/jobqueue/internal/storage"
)

// JobService is the engine surface the HTTP handlers call
type JobService interface {
	Enqueue(ctx context.Context, req engine.EnqueueRequest) (string, error)
	GetStatus(ctx context.Context, id string) (domain.Status, error)
	Cancel(ctx context.Context, id string) error
	DeadLetters(ctx context.Context, queue string, pageSize int, cursor *storage.Cursor) (deadletter.Page, error)
	Replay(ctx context.Context, id string) (*domain.Job, error)
	Lease(ctx context.Context, queue, workerID string, lease time.Duration) (*domain.Job, bool, error)
	ExtendLease(ctx context.Context, id, workerID string, lease time.Duration) (time.Time, error)
	Report(ctx context.Context, id, workerID string, outcome domain.Outcome) (domain.State, error)
}

// HealthChecker is a dependency probed by /health
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger  *slog.Logger
	Jobs    JobService
	Service string
	// Checks are probed by /health, keyed by dependency name
	Checks map[string]HealthChecker
	// Metrics serves /metrics when set
	Metrics http.Handler
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger *slog.Logger
	jobs   JobService
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger: deps.Logger,
		jobs:   deps.Jobs,
	}
}

// respondError maps domain errors onto HTTP status codes
func (h *JobHandler) respondError(c *gin.Context, err error, message string) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidJob):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrDuplicateDedupKey),
		errors.Is(err, domain.ErrAlreadyTerminal),
		errors.Is(err, domain.ErrLeaseLost),
		errors.Is(err, domain.ErrCancelRequested),
		errors.Is(err, domain.ErrInvalidState),
		errors.Is(err, domain.ErrNotClaimable):
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		h.logger.Error(message, slog.String("error", err.Error()))
		c.JSON(status, gin.H{"error": message})
		return
	}

	h.logger.Warn(message, slog.Int("status", status), slog.String("error", err.Error()))
	c.JSON(status, gin.H{"error": err.Error()})
}

// jobID reads and validates the :job_id path parameter
func (h *JobHandler) jobID(c *gin.Context) (string, bool) {
	jobID := c.Param("job_id")
	if !domain.ValidID(jobID) {
		h.logger.Warn("Invalid job_id format", slog.String("job_id", jobID))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return "", false
	}
	return jobID, true
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// payloadJSON returns the payload as JSON. Bytes that are not valid JSON are
// encoded as a JSON string.
func payloadJSON(payload []byte) json.RawMessage {
	if len(payload) == 0 {
		return nil
	}
	if json.Valid(payload) {
		return json.RawMessage(payload)
	}
	encoded, _ := json.Marshal(string(payload))
	return encoded
}

func toJobDTO(job *domain.Job) dto.JobDTO {
	return dto.JobDTO{
		JobID:          job.ID,
		Queue:          job.Queue,
		Payload:        payloadJSON(job.Payload),
		Priority:       job.Priority.String(),
		State:          string(job.State),
		DedupKey:       job.DedupKey,
		Resource:       job.Resource,
		Attempts:       job.Attempts,
		MaxAttempts:    job.MaxAttempts,
		LastError:      job.LastError,
		ReplayOf:       job.ReplayOf,
		ScheduledAt:    formatTime(job.ScheduledAt),
		LeaseExpiresAt: formatTime(job.LeaseExpiresAt),
		CreatedAt:      formatTime(job.CreatedAt),
		UpdatedAt:      formatTime(job.UpdatedAt),
	}
}
