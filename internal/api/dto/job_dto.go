package dto

import "encoding/json"

// EnqueueJobRequest is the body of POST /jobs. Payload is any JSON value and
// is handed to the handler verbatim.
type EnqueueJobRequest struct {
	Queue       string          `json:"queue" binding:"required"`
	Payload     json.RawMessage `json:"payload"`
	Priority    string          `json:"priority" binding:"omitempty,oneof=critical high normal low"`
	DedupKey    string          `json:"dedup_key"`
	DelayMs     int64           `json:"delay_ms" binding:"gte=0"`
	MaxAttempts int             `json:"max_attempts" binding:"gte=0"`
	Resource    string          `json:"resource"`
}

type EnqueueJobResponse struct {
	JobID string `json:"job_id"`
	State string `json:"state"`
}

type ListDeadLettersRequest struct {
	Queue    string `form:"queue"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListDeadLettersResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

// JobDTO is the full view of a job returned by the dead-letter and lease endpoints
type JobDTO struct {
	JobID          string          `json:"job_id"`
	Queue          string          `json:"queue"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Priority       string          `json:"priority"`
	State          string          `json:"state"`
	DedupKey       string          `json:"dedup_key,omitempty"`
	Resource       string          `json:"resource,omitempty"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	LastError      string          `json:"last_error,omitempty"`
	ReplayOf       string          `json:"replay_of,omitempty"`
	ScheduledAt    string          `json:"scheduled_at"`
	LeaseExpiresAt string          `json:"lease_expires_at,omitempty"`
	CreatedAt      string          `json:"created_at"`
	UpdatedAt      string          `json:"updated_at"`
}

type LeaseRequest struct {
	WorkerID     string `json:"worker_id" binding:"required"`
	LeaseSeconds int    `json:"lease_seconds" binding:"gte=0"`
}

type HeartbeatRequest struct {
	WorkerID     string `json:"worker_id" binding:"required"`
	LeaseSeconds int    `json:"lease_seconds" binding:"gte=0"`
}

type HeartbeatResponse struct {
	JobID          string `json:"job_id"`
	LeaseExpiresAt string `json:"lease_expires_at"`
}

type OutcomeRequest struct {
	WorkerID string `json:"worker_id" binding:"required"`
	Outcome  string `json:"outcome" binding:"required,oneof=success retryable permanent"`
	Reason   string `json:"reason"`
}

type OutcomeResponse struct {
	JobID string `json:"job_id"`
	State string `json:"state"`
}
