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

// DefaultSweepInterval is how often expired leases are looked for
const DefaultSweepInterval = 5 * time.Second

// Promoter moves Failed jobs that finished before a cutoff to the dead-letter sink
type Promoter interface {
	PromoteExpired(ctx context.Context, failedBefore time.Time) (int, error)
}

// SweeperConfig holds the dependencies of a Sweeper
type SweeperConfig struct {
	Store    storage.JobStore
	Retry    retry.Policy
	Finisher *Finisher
	Requeuer Requeuer
	Promoter Promoter
	Metrics  metrics.Sink
	Clock    clock.Clock
	Logger   *slog.Logger
	Interval time.Duration
}

// Sweeper recovers jobs whose worker stopped heartbeating and promotes
// Failed jobs to the dead-letter sink once their grace period is over
type Sweeper struct {
	store    storage.JobStore
	retry    retry.Policy
	finisher *Finisher
	requeuer Requeuer
	promoter Promoter
	metrics  metrics.Sink
	clock    clock.Clock
	logger   *slog.Logger
	interval time.Duration
}

// NewSweeper creates a Sweeper
func NewSweeper(cfg SweeperConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSweepInterval
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	return &Sweeper{
		store:    cfg.Store,
		retry:    cfg.Retry,
		finisher: cfg.Finisher,
		requeuer: cfg.Requeuer,
		promoter: cfg.Promoter,
		metrics:  cfg.Metrics,
		clock:    cfg.Clock,
		logger:   cfg.Logger.With(slog.String("component", "sweeper")),
		interval: cfg.Interval,
	}
}

// Run sweeps every interval until ctx is done
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("Lease sweeper started", slog.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Lease sweeper stopped")
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("Lease sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Sweep recovers every expired lease once and promotes Failed jobs past the
// dead-letter grace window. It returns the number of recovered jobs.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := s.clock.Now()
	expired, err := s.store.FindExpiredLeases(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to find expired leases: %w", err)
	}

	recovered := 0
	for _, job := range expired {
		if s.recover(ctx, job, now) {
			recovered++
		}
	}

	if err := s.promote(ctx, now); err != nil {
		return recovered, err
	}
	return recovered, nil
}

func (s *Sweeper) recover(ctx context.Context, job *domain.Job, now time.Time) bool {
	next := now.Add(s.retry.Delay(job.Attempts + 1))
	state, err := s.store.RecoverExpired(ctx, job.ID, job.LeaseOwner, now, next)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidState) || errors.Is(err, domain.ErrJobNotFound) {
			// Renewed or already handled by another sweeper
			return false
		}
		s.logger.Error("Failed to recover expired lease",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		return false
	}

	s.metrics.JobRecovered(job.Queue)
	s.logger.Warn("Recovered expired lease",
		slog.String("job_id", job.ID),
		slog.String("queue", job.Queue),
		slog.String("lease_owner", job.LeaseOwner),
		slog.String("state", string(state)),
		slog.Int("attempts", job.Attempts+1),
	)

	switch state {
	case domain.StatePending:
		ref := job.Ref()
		if next.After(ref.ScheduledAt) {
			ref.ScheduledAt = next
		}
		if s.requeuer != nil {
			s.requeuer.Add(ref)
		}
	case domain.StateFailed:
		s.metrics.JobFailed(job.Queue)
		failed := job.Clone()
		failed.State = domain.StateFailed
		failed.Attempts = job.Attempts + 1
		failed.LastError = storage.LeaseExpiredError
		if s.finisher != nil {
			s.finisher.HandleFailed(ctx, failed)
		}
	}
	return true
}

// promote hands Failed jobs to the dead-letter sink. Immediate mode uses no
// grace so jobs whose first hand-off failed are picked up here.
func (s *Sweeper) promote(ctx context.Context, now time.Time) error {
	if s.promoter == nil || s.finisher == nil {
		return nil
	}
	policy := s.finisher.Policy()
	var cutoff time.Time
	switch policy.Mode {
	case DeadLetterGrace:
		cutoff = now.Add(-policy.Grace)
	case DeadLetterImmediate:
		cutoff = now
	default:
		return nil
	}

	n, err := s.promoter.PromoteExpired(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to promote failed jobs: %w", err)
	}
	if n > 0 {
		s.logger.Info("Promoted failed jobs to dead letters", slog.Int("count", n))
	}
	return nil
}
