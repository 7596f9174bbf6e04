// Package storage persists jobs. The store is the single source of truth for
// job state; every transition is a conditional update so concurrent workers
// and processes can only coordinate through it.
package storage

import (
	"context"
	"time"

	"github.com/cuongbtq/jobqueue/internal/domain"
)

// JobStore is implemented by Memory and Postgres
type JobStore interface {
	// Insert persists a new Pending job. When an active job already holds the
	// (queue, dedup key) pair it returns that job's id and ErrDuplicateDedupKey.
	Insert(ctx context.Context, job *domain.Job) (string, error)

	// ClaimNext leases the most urgent due Pending job of queue, ignoring jobs
	// bound to any of skipResources. ok is false when nothing is claimable.
	ClaimNext(ctx context.Context, queue, workerID string, lease time.Duration, skipResources ...string) (job *domain.Job, ok bool, err error)

	// Claim leases one specific job. It returns ErrNotClaimable when the job is
	// no longer Pending or not yet due.
	Claim(ctx context.Context, id, workerID string, lease time.Duration) (*domain.Job, error)

	// Heartbeat extends the lease held by workerID. It returns ErrLeaseLost when
	// the lease is gone and ErrCancelRequested, after extending, when the job
	// should stop.
	Heartbeat(ctx context.Context, id, workerID string, leaseExpiresAt time.Time) error

	// Complete moves a job leased by workerID into a terminal state
	Complete(ctx context.Context, id, workerID string, c Completion) error

	// Reschedule returns a job leased by workerID to Pending. scheduledAt never
	// moves backwards. A job with a pending cancellation becomes Cancelled
	// instead and ErrJobCancelled is returned.
	Reschedule(ctx context.Context, id, workerID string, nextAttemptAt time.Time, attempts int, lastError string) error

	// FindExpiredLeases returns Leased jobs whose lease expired strictly before now
	FindExpiredLeases(ctx context.Context, now time.Time) ([]*domain.Job, error)

	// RecoverExpired counts the abandoned attempt and releases the job if it is
	// still leased by owner and expired. It returns the resulting state.
	RecoverExpired(ctx context.Context, id, owner string, now, nextAttemptAt time.Time) (domain.State, error)

	Get(ctx context.Context, id string) (*domain.Job, error)

	// Cancel cancels a Pending job or flags a Leased one. It returns the
	// resulting state.
	Cancel(ctx context.Context, id string) (domain.State, error)

	// FindByDedupKey returns the most recently created job with the key, in any state
	FindByDedupKey(ctx context.Context, queue, dedupKey string) (*domain.Job, error)

	// ListPending returns refs of Pending jobs due at or before dueBefore.
	// An empty queues slice matches every queue.
	ListPending(ctx context.Context, queues []string, dueBefore time.Time, limit int) ([]domain.Ref, error)

	List(ctx context.Context, filter Filter) ([]*domain.Job, error)

	// MarkDeadLettered moves a Failed job to DeadLettered
	MarkDeadLettered(ctx context.Context, id string) error

	// Depth counts Pending jobs per queue and priority
	Depth(ctx context.Context) (map[string]map[domain.Priority]int, error)
}

// Completion describes a terminal transition
type Completion struct {
	State     domain.State
	Attempts  int
	LastError string
}

// Filter selects jobs for List. Results are ordered newest first.
type Filter struct {
	Queue string
	State domain.State
	// FinishedBefore matches jobs that finished before the given time
	FinishedBefore time.Time
	Limit          int
	Cursor         *Cursor
}

// Cursor is a keyset position: rows strictly after it in (created_at, id) descending order
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// CursorOf returns the cursor positioned at j
func CursorOf(j *domain.Job) *Cursor {
	return &Cursor{CreatedAt: j.CreatedAt, ID: j.ID}
}

// DefaultListLimit applies when Filter.Limit is not positive
const DefaultListLimit = 100

// LeaseExpiredError is recorded as lastError for an attempt lost to lease expiry
const LeaseExpiredError = "lease expired"

// maxExpiredBatch bounds one FindExpiredLeases call
const maxExpiredBatch = 500

func validateInsert(job *domain.Job) error {
	switch {
	case job.ID == "":
		return domain.ErrInvalidJob
	case job.Queue == "":
		return domain.ErrInvalidJob
	case job.MaxAttempts < 1:
		return domain.ErrInvalidJob
	case !job.Priority.Valid():
		return domain.ErrInvalidJob
	}
	return nil
}
