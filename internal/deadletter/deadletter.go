// Package deadletter holds jobs that exhausted their attempts or failed
// permanently, and lets operators inspect and replay them.
package deadletter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/jobqueue/internal/clock"
	"github.com/cuongbtq/jobqueue/internal/domain"
	"github.com/cuongbtq/jobqueue/internal/metrics"
	"github.com/cuongbtq/jobqueue/internal/storage"
)

// DefaultPageSize applies when List is called without a page size
const DefaultPageSize = 50

// MaxPageSize caps the page size of List
const MaxPageSize = 500

// Sink stores dead letters in the job store itself, in the DeadLettered state
type Sink struct {
	store   storage.JobStore
	metrics metrics.Sink
	clock   clock.Clock
	logger  *slog.Logger
}

// Page is a slice of dead letters plus the cursor of the next page
type Page struct {
	Jobs []*domain.Job
	Next *storage.Cursor
}

// New creates a Sink
func New(store storage.JobStore, sink metrics.Sink, c clock.Clock, logger *slog.Logger) *Sink {
	if sink == nil {
		sink = metrics.Nop{}
	}
	return &Sink{
		store:   store,
		metrics: sink,
		clock:   c,
		logger:  logger.With(slog.String("component", "dead_letter")),
	}
}

// Push moves a Failed job to DeadLettered
func (s *Sink) Push(ctx context.Context, job *domain.Job) error {
	if err := s.store.MarkDeadLettered(ctx, job.ID); err != nil {
		return fmt.Errorf("failed to dead-letter job %s: %w", job.ID, err)
	}
	s.metrics.JobDeadLettered(job.Queue)
	s.logger.Warn("Job moved to dead letters",
		slog.String("job_id", job.ID),
		slog.String("queue", job.Queue),
		slog.Int("attempts", job.Attempts),
		slog.String("last_error", job.LastError),
	)
	return nil
}

// List returns one page of dead letters of queue, newest first. An empty
// queue lists every queue.
func (s *Sink) List(ctx context.Context, queue string, pageSize int, cursor *storage.Cursor) (Page, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}

	// One extra row tells whether another page exists
	jobs, err := s.store.List(ctx, storage.Filter{
		Queue:  queue,
		State:  domain.StateDeadLettered,
		Limit:  pageSize + 1,
		Cursor: cursor,
	})
	if err != nil {
		return Page{}, fmt.Errorf("failed to list dead letters: %w", err)
	}

	page := Page{Jobs: jobs}
	if len(jobs) > pageSize {
		page.Jobs = jobs[:pageSize]
		page.Next = storage.CursorOf(page.Jobs[pageSize-1])
	}
	return page, nil
}

// Replay creates a fresh Pending job from a dead letter. The dead letter
// itself is left untouched.
func (s *Sink) Replay(ctx context.Context, id string) (*domain.Job, error) {
	original, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if original.State != domain.StateDeadLettered {
		return nil, fmt.Errorf("%w: job %s is %s, not dead-lettered", domain.ErrInvalidState, id, original.State)
	}

	newID, err := domain.NewID()
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	replay := &domain.Job{
		ID:          newID,
		Queue:       original.Queue,
		Payload:     original.Payload,
		DedupKey:    original.DedupKey,
		Priority:    original.Priority,
		Resource:    original.Resource,
		ScheduledAt: now,
		MaxAttempts: original.MaxAttempts,
		State:       domain.StatePending,
		ReplayOf:    original.ID,
		CreatedAt:   now,
	}

	existing, err := s.store.Insert(ctx, replay)
	if errors.Is(err, domain.ErrDuplicateDedupKey) {
		return nil, fmt.Errorf("%w: job %s already active for this key", err, existing)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to replay job %s: %w", id, err)
	}

	s.logger.Info("Dead letter replayed",
		slog.String("job_id", id),
		slog.String("replay_id", replay.ID),
		slog.String("queue", replay.Queue),
	)
	return s.store.Get(ctx, replay.ID)
}

// PromoteExpired dead-letters every Failed job that finished before
// failedBefore and returns how many were moved
func (s *Sink) PromoteExpired(ctx context.Context, failedBefore time.Time) (int, error) {
	moved := 0
	var cursor *storage.Cursor
	for {
		jobs, err := s.store.List(ctx, storage.Filter{
			State:          domain.StateFailed,
			FinishedBefore: failedBefore,
			Limit:          storage.DefaultListLimit,
			Cursor:         cursor,
		})
		if err != nil {
			return moved, fmt.Errorf("failed to list failed jobs: %w", err)
		}

		for _, job := range jobs {
			err := s.Push(ctx, job)
			if errors.Is(err, domain.ErrInvalidState) {
				continue
			}
			if err != nil {
				return moved, err
			}
			moved++
		}

		if len(jobs) < storage.DefaultListLimit {
			return moved, nil
		}
		cursor = storage.CursorOf(jobs[len(jobs)-1])
	}
}
