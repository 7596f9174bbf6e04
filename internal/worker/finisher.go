package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/jobqueue/internal/clock"
	"github.com/cuongbtq/jobqueue/internal/domain"
	"github.com/cuongbtq/jobqueue/internal/metrics"
	"github.com/cuongbtq/jobqueue/internal/retry"
	"github.com/cuongbtq/jobqueue/internal/storage"
)

// DeadLetterMode selects what happens to a job once it Failed
type DeadLetterMode string

const (
	DeadLetterImmediate DeadLetterMode = "immediate"
	DeadLetterGrace     DeadLetterMode = "grace"
	DeadLetterDisabled  DeadLetterMode = "disabled"
)

// ParseDeadLetterMode converts a config value. Empty means immediate.
func ParseDeadLetterMode(s string) (DeadLetterMode, error) {
	switch m := DeadLetterMode(s); m {
	case "":
		return DeadLetterImmediate, nil
	case DeadLetterImmediate, DeadLetterGrace, DeadLetterDisabled:
		return m, nil
	default:
		return "", fmt.Errorf("unknown dead letter mode %q", s)
	}
}

// DeadLetterPolicy controls the Failed to DeadLettered hand-off
type DeadLetterPolicy struct {
	Mode DeadLetterMode
	// Grace is how long a Failed job waits before promotion in grace mode
	Grace time.Duration
}

// DeadLetterer receives Failed jobs
type DeadLetterer interface {
	Push(ctx context.Context, job *domain.Job) error
}

// Requeuer takes back jobs returned to Pending
type Requeuer interface {
	Add(ref domain.Ref)
}

// FinisherConfig holds the dependencies of a Finisher
type FinisherConfig struct {
	Store      storage.JobStore
	Retry      retry.Policy
	DeadLetter DeadLetterer
	Policy     DeadLetterPolicy
	Requeuer   Requeuer
	Metrics    metrics.Sink
	Clock      clock.Clock
	Logger     *slog.Logger
}

// Finisher turns a handler outcome into the next persisted state
type Finisher struct {
	store      storage.JobStore
	retry      retry.Policy
	deadLetter DeadLetterer
	policy     DeadLetterPolicy
	requeuer   Requeuer
	metrics    metrics.Sink
	clock      clock.Clock
	logger     *slog.Logger
}

// NewFinisher creates a Finisher
func NewFinisher(cfg FinisherConfig) *Finisher {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Policy.Mode == "" {
		cfg.Policy.Mode = DeadLetterImmediate
	}
	return &Finisher{
		store:      cfg.Store,
		retry:      cfg.Retry,
		deadLetter: cfg.DeadLetter,
		policy:     cfg.Policy,
		requeuer:   cfg.Requeuer,
		metrics:    cfg.Metrics,
		clock:      cfg.Clock,
		logger:     cfg.Logger.With(slog.String("component", "finisher")),
	}
}

// Policy returns the dead-letter policy in effect
func (f *Finisher) Policy() DeadLetterPolicy {
	return f.policy
}

// Apply persists the outcome of one attempt of job, leased by workerID, and
// returns the resulting state. The attempt is always counted. ErrLeaseLost
// means another worker owns the job now and the outcome was discarded.
func (f *Finisher) Apply(ctx context.Context, job *domain.Job, workerID string, outcome domain.Outcome) (domain.State, error) {
	attempts := job.Attempts + 1

	if outcome.Kind == domain.OutcomeSuccess {
		err := f.store.Complete(ctx, job.ID, workerID, storage.Completion{
			State:    domain.StateSucceeded,
			Attempts: attempts,
		})
		if err != nil {
			return "", f.persistError(job, workerID, err)
		}
		f.metrics.JobSucceeded(job.Queue)
		f.logger.Info("Job completed successfully",
			slog.String("job_id", job.ID),
			slog.String("queue", job.Queue),
			slog.Int("attempts", attempts),
		)
		return domain.StateSucceeded, nil
	}

	decision := f.retry.Next(attempts, job.MaxAttempts, outcome.Kind)
	if decision.Terminal {
		err := f.store.Complete(ctx, job.ID, workerID, storage.Completion{
			State:     domain.StateFailed,
			Attempts:  attempts,
			LastError: outcome.Reason,
		})
		if err != nil {
			return "", f.persistError(job, workerID, err)
		}
		f.metrics.JobFailed(job.Queue)
		f.logger.Warn("Job failed",
			slog.String("job_id", job.ID),
			slog.String("queue", job.Queue),
			slog.String("outcome", outcome.Kind.String()),
			slog.Int("attempts", attempts),
			slog.Int("max_attempts", job.MaxAttempts),
			slog.String("error", outcome.Reason),
		)
		failed := job.Clone()
		failed.State = domain.StateFailed
		failed.Attempts = attempts
		failed.LastError = outcome.Reason
		return f.HandleFailed(ctx, failed), nil
	}

	next := f.clock.Now().Add(decision.Delay)
	err := f.store.Reschedule(ctx, job.ID, workerID, next, attempts, outcome.Reason)
	if errors.Is(err, domain.ErrJobCancelled) {
		f.logger.Info("Retry suppressed, job was cancelled",
			slog.String("job_id", job.ID),
			slog.String("queue", job.Queue),
		)
		return domain.StateCancelled, nil
	}
	if err != nil {
		return "", f.persistError(job, workerID, err)
	}

	ref := job.Ref()
	if next.After(ref.ScheduledAt) {
		ref.ScheduledAt = next
	}
	if f.requeuer != nil {
		f.requeuer.Add(ref)
	}
	f.metrics.JobRetried(job.Queue)
	f.logger.Info("Job will be retried",
		slog.String("job_id", job.ID),
		slog.String("queue", job.Queue),
		slog.Int("attempts", attempts),
		slog.Int("max_attempts", job.MaxAttempts),
		slog.Duration("delay", decision.Delay),
		slog.String("error", outcome.Reason),
	)
	return domain.StatePending, nil
}

// HandleFailed applies the dead-letter policy to a job that just Failed and
// returns its resulting state
func (f *Finisher) HandleFailed(ctx context.Context, job *domain.Job) domain.State {
	if f.policy.Mode != DeadLetterImmediate || f.deadLetter == nil {
		return domain.StateFailed
	}
	if err := f.deadLetter.Push(ctx, job); err != nil {
		f.logger.Error("Failed to dead-letter job",
			slog.String("job_id", job.ID),
			slog.String("queue", job.Queue),
			slog.String("error", err.Error()),
		)
		return domain.StateFailed
	}
	return domain.StateDeadLettered
}

func (f *Finisher) persistError(job *domain.Job, workerID string, err error) error {
	if errors.Is(err, domain.ErrLeaseLost) {
		f.metrics.JobLeaseLost(job.Queue)
		f.logger.Warn("Outcome discarded, lease lost",
			slog.String("job_id", job.ID),
			slog.String("queue", job.Queue),
			slog.String("worker_id", workerID),
		)
		return err
	}
	f.logger.Error("Failed to persist job outcome",
		slog.String("job_id", job.ID),
		slog.String("queue", job.Queue),
		slog.String("error", err.Error()),
	)
	return fmt.Errorf("failed to persist outcome: %w", err)
}
