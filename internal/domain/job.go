package domain

import "time"

// Job is a persisted unit of deferred work. Zero times mean unset.
// Occurrence names the recurring fire time that created the job; unlike
// DedupKey it stays reserved after the job finishes.
type Job struct {
	ID              string    `json:"id"`
	Queue           string    `json:"queue"`
	Payload         []byte    `json:"payload"`
	DedupKey        string    `json:"dedup_key,omitempty"`
	Occurrence      string    `json:"occurrence,omitempty"`
	Priority        Priority  `json:"priority"`
	Resource        string    `json:"resource,omitempty"`
	ScheduledAt     time.Time `json:"scheduled_at"`
	Attempts        int       `json:"attempts"`
	MaxAttempts     int       `json:"max_attempts"`
	State           State     `json:"state"`
	LeaseOwner      string    `json:"lease_owner,omitempty"`
	LeaseExpiresAt  time.Time `json:"lease_expires_at,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
	CancelRequested bool      `json:"cancel_requested"`
	ReplayOf        string    `json:"replay_of,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	FinishedAt      time.Time `json:"finished_at,omitempty"`
}

// Ref returns the scheduling handle for j
func (j *Job) Ref() Ref {
	return Ref{
		ID:          j.ID,
		Queue:       j.Queue,
		Priority:    j.Priority,
		ScheduledAt: j.ScheduledAt,
		Resource:    j.Resource,
	}
}

// Clone returns a deep copy of j
func (j *Job) Clone() *Job {
	cp := *j
	if j.Payload != nil {
		cp.Payload = append([]byte(nil), j.Payload...)
	}
	return &cp
}

// Ref identifies a job for in-memory ordering. It is a hint: the store
// remains the source of truth for state.
type Ref struct {
	ID          string    `json:"job_id"`
	Queue       string    `json:"queue"`
	Priority    Priority  `json:"priority"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Resource    string    `json:"resource,omitempty"`
}

// Before orders refs by scheduledAt then id
func (r Ref) Before(o Ref) bool {
	if !r.ScheduledAt.Equal(o.ScheduledAt) {
		return r.ScheduledAt.Before(o.ScheduledAt)
	}
	return r.ID < o.ID
}

// Status is the caller-visible projection of a job
type Status struct {
	ID              string    `json:"job_id"`
	Queue           string    `json:"queue"`
	Priority        string    `json:"priority"`
	State           State     `json:"state"`
	Attempts        int       `json:"attempts"`
	MaxAttempts     int       `json:"max_attempts"`
	LastError       string    `json:"last_error,omitempty"`
	ScheduledAt     time.Time `json:"scheduled_at"`
	CancelRequested bool      `json:"cancel_requested"`
}

// StatusOf projects j into a Status
func StatusOf(j *Job) Status {
	return Status{
		ID:              j.ID,
		Queue:           j.Queue,
		Priority:        j.Priority.String(),
		State:           j.State,
		Attempts:        j.Attempts,
		MaxAttempts:     j.MaxAttempts,
		LastError:       j.LastError,
		ScheduledAt:     j.ScheduledAt,
		CancelRequested: j.CancelRequested,
	}
}
