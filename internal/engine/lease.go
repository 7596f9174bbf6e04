package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/jobqueue/internal/domain"
)

// maxLeaseSkips bounds how many rate limited resources one Lease call steps over
const maxLeaseSkips = 8

// Lease claims the most urgent due job of queue for a remote worker. ok is
// false when nothing is available. A job whose resource is rate limited is
// released untouched and the next job not bound to that resource is tried.
func (e *Engine) Lease(ctx context.Context, queue, workerID string, lease time.Duration) (*domain.Job, bool, error) {
	if queue == "" || workerID == "" {
		return nil, false, fmt.Errorf("%w: queue and worker id are required", domain.ErrInvalidJob)
	}
	lease = e.clampLease(lease)

	var denied []string
	for {
		job, ok, err := e.store.ClaimNext(ctx, queue, workerID, lease, denied...)
		if err != nil {
			return nil, false, fmt.Errorf("failed to lease job: %w", err)
		}
		if !ok {
			return nil, false, nil
		}
		if job.Resource == "" || e.limiter.TryAcquire(ctx, job.Resource) {
			e.logLease(job, workerID)
			return job, true, nil
		}

		e.metrics.JobRateLimited(job.Queue, job.Resource)
		// Hand it back without counting an attempt
		if err := e.store.Reschedule(ctx, job.ID, workerID, job.ScheduledAt, job.Attempts, job.LastError); err != nil && !errors.Is(err, domain.ErrJobCancelled) {
			e.logger.Error("Failed to release rate limited job",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		}
		denied = append(denied, job.Resource)
		if len(denied) >= maxLeaseSkips {
			return nil, false, nil
		}
	}
}

func (e *Engine) logLease(job *domain.Job, workerID string) {
	e.logger.Info("Job leased to remote worker",
		slog.String("job_id", job.ID),
		slog.String("queue", job.Queue),
		slog.String("worker_id", workerID),
		slog.Time("lease_expires_at", job.LeaseExpiresAt),
	)
}

// ExtendLease renews a remote worker's lease. ErrCancelRequested means the
// lease was extended but the worker should stop and report.
func (e *Engine) ExtendLease(ctx context.Context, id, workerID string, lease time.Duration) (time.Time, error) {
	expiresAt := e.clock.Now().Add(e.clampLease(lease))
	if err := e.store.Heartbeat(ctx, id, workerID, expiresAt); err != nil {
		return expiresAt, err
	}
	return expiresAt, nil
}

// Report applies the outcome of a remote worker's attempt and returns the
// resulting state. ErrLeaseLost means the worker no longer owns the job.
func (e *Engine) Report(ctx context.Context, id, workerID string, outcome domain.Outcome) (domain.State, error) {
	job, err := e.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if job.State != domain.StateLeased || job.LeaseOwner != workerID {
		e.metrics.JobLeaseLost(job.Queue)
		return "", domain.ErrLeaseLost
	}
	return e.finisher.Apply(ctx, job, workerID, outcome)
}

// clampLease applies the configured lease as default and upper bound
func (e *Engine) clampLease(lease time.Duration) time.Duration {
	if lease <= 0 || lease > e.leaseLimit {
		return e.leaseLimit
	}
	return lease
}
