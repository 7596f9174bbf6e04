package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/cuongbtq/jobqueue/internal/domain"
)

// process claims one job, runs its handler under a heartbeat and persists
// the outcome. The slot is released only after the outcome is stored.
func (d *Dispatcher) process(ctx context.Context, reg *Registration, ref domain.Ref) {
	defer d.pool.Release(ref.Queue)

	job, ok := d.claim(ctx, ref)
	if !ok {
		return
	}

	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if reg.Options.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		jobCtx, cancelTimeout = context.WithTimeout(jobCtx, reg.Options.Timeout)
		defer cancelTimeout()
	}

	d.track(job.ID, cancel)
	defer d.untrack(job.ID)

	hb := d.startHeartbeat(jobCtx, []*domain.Job{job}, cancel)

	d.logger.Debug("Processing job",
		slog.String("job_id", job.ID),
		slog.String("queue", job.Queue),
		slog.Int("attempt", job.Attempts+1),
	)

	started := d.clock.Now()
	outcome := invoke(jobCtx, reg.Handler, job.Payload)
	d.metrics.ObserveDuration(job.Queue, outcome.Kind, d.clock.Now().Sub(started))

	hb.stop()
	if hb.lost(job.ID) {
		d.metrics.JobLeaseLost(job.Queue)
		d.logger.Warn("Lease lost while running job, outcome discarded",
			slog.String("job_id", job.ID),
			slog.String("queue", job.Queue),
		)
		return
	}

	// Persist even when shutting down
	_, _ = d.finisher.Apply(context.WithoutCancel(ctx), job, d.workerID, outcome)
}

// claim leases ref in the store. Races lost to other workers are expected
// and silent; transient errors put the ref back and slow the loop down.
func (d *Dispatcher) claim(ctx context.Context, ref domain.Ref) (*domain.Job, bool) {
	job, err := d.store.Claim(ctx, ref.ID, d.workerID, d.leaseDuration)
	switch {
	case err == nil:
		d.storeFailures.Store(0)
		return job, true
	case errors.Is(err, domain.ErrNotClaimable), errors.Is(err, domain.ErrJobNotFound):
		d.storeFailures.Store(0)
		d.logger.Debug("Job already claimed or no longer pending, skipping",
			slog.String("job_id", ref.ID),
			slog.String("queue", ref.Queue),
		)
		return nil, false
	default:
		n := d.storeFailures.Add(1)
		d.logger.Error("Failed to claim job",
			slog.String("job_id", ref.ID),
			slog.String("queue", ref.Queue),
			slog.Int64("consecutive_failures", n),
			slog.String("error", err.Error()),
		)
		if ctx.Err() == nil {
			d.queue.Push(ref)
		}
		return nil, false
	}
}

// invoke runs h, converting a panic into a retryable outcome
func invoke(ctx context.Context, h domain.Handler, payload []byte) (outcome domain.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome = domain.Retry(fmt.Sprintf("handler panic: %v\n%s", r, debug.Stack()))
		}
	}()
	return h(ctx, payload)
}

// invokeBatch runs h and pads or trims its outcomes to one per item. A
// missing outcome is retryable.
func invokeBatch(ctx context.Context, h domain.BatchHandler, items []domain.BatchItem) (outcomes []domain.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			reason := fmt.Sprintf("batch handler panic: %v", r)
			outcomes = make([]domain.Outcome, len(items))
			for i := range outcomes {
				outcomes[i] = domain.Retry(reason)
			}
		}
	}()

	got := h(ctx, items)
	outcomes = make([]domain.Outcome, len(items))
	for i := range items {
		if i < len(got) {
			outcomes[i] = got[i]
		} else {
			outcomes[i] = domain.Retry("batch handler returned no outcome for job")
		}
	}
	return outcomes
}

// heartbeat extends the leases of a running set of jobs
type heartbeat struct {
	done chan struct{}
	exit chan struct{}
	// lostIDs is written by the heartbeat goroutine only and read after exit
	lostIDs map[string]bool
}

func (d *Dispatcher) startHeartbeat(ctx context.Context, jobs []*domain.Job, cancel context.CancelCauseFunc) *heartbeat {
	hb := &heartbeat{
		done:    make(chan struct{}),
		exit:    make(chan struct{}),
		lostIDs: make(map[string]bool),
	}
	go d.heartbeatLoop(ctx, jobs, cancel, hb)
	return hb
}

func (hb *heartbeat) stop() {
	close(hb.done)
	<-hb.exit
}

func (hb *heartbeat) lost(id string) bool {
	return hb.lostIDs[id]
}

func (d *Dispatcher) heartbeatLoop(ctx context.Context, jobs []*domain.Job, cancel context.CancelCauseFunc, hb *heartbeat) {
	defer close(hb.exit)

	ticker := time.NewTicker(d.heartbeatInterval)
	defer ticker.Stop()

	// Heartbeats must keep flowing after cancellation so the lease does not
	// lapse before the outcome is persisted.
	storeCtx := context.WithoutCancel(ctx)
	cancelled := false

	for {
		select {
		case <-hb.done:
			return
		case <-ticker.C:
		}

		live := 0
		for _, job := range jobs {
			if hb.lostIDs[job.ID] {
				continue
			}
			err := d.store.Heartbeat(storeCtx, job.ID, d.workerID, d.clock.Now().Add(d.leaseDuration))
			switch {
			case err == nil:
				live++
			case errors.Is(err, domain.ErrCancelRequested):
				live++
				// Batch members share one context, so any request stops the batch
				if !cancelled {
					cancelled = true
					d.logger.Info("Cancellation requested, stopping handler",
						slog.String("job_id", job.ID),
					)
					cancel(domain.ErrCancelRequested)
				}
			case errors.Is(err, domain.ErrLeaseLost), errors.Is(err, domain.ErrJobNotFound):
				hb.lostIDs[job.ID] = true
				d.logger.Warn("Lease lost",
					slog.String("job_id", job.ID),
					slog.String("worker_id", d.workerID),
				)
			default:
				live++
				d.logger.Warn("Failed to update job heartbeat",
					slog.String("job_id", job.ID),
					slog.String("error", err.Error()),
				)
			}
		}

		if live == 0 {
			cancel(domain.ErrLeaseLost)
			return
		}
	}
}
