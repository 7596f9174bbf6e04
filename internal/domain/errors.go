package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found in the store
	ErrJobNotFound = errors.New("job not found")

	// ErrDuplicateDedupKey is returned when an active job already holds the (queue, dedup key) pair
	ErrDuplicateDedupKey = errors.New("duplicate dedup key")

	// ErrAlreadyTerminal is returned when cancelling a job that already finished
	ErrAlreadyTerminal = errors.New("job already in a terminal state")

	// ErrNotClaimable is returned when a claim race was lost or the job is no longer pending and due
	ErrNotClaimable = errors.New("job already claimed or not in PENDING status")

	// ErrLeaseLost is returned when the caller no longer holds the lease on a job
	ErrLeaseLost = errors.New("lease lost")

	// ErrCancelRequested is returned by heartbeats once cancellation was requested for a leased job
	ErrCancelRequested = errors.New("cancellation requested")

	// ErrJobCancelled is returned when a retry was suppressed because the job was cancelled
	ErrJobCancelled = errors.New("job cancelled")

	// ErrInvalidJob is returned for malformed enqueue input
	ErrInvalidJob = errors.New("invalid job")

	// ErrInvalidState is returned when a transition is not allowed from the current state
	ErrInvalidState = errors.New("invalid state transition")

	// ErrNoHandler is returned when no handler is registered for a queue
	ErrNoHandler = errors.New("no handler registered for queue")
)

// RetryableError wraps transient errors that should trigger a retry with backoff
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// PermanentError wraps errors that must fail the job immediately regardless of remaining attempts
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return "permanent error: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// NewPermanentError creates a new permanent error
func NewPermanentError(err error) error {
	return &PermanentError{Err: err}
}
