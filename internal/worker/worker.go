// Package worker runs jobs: the Dispatcher takes due refs from the priority
// queue, gates them on slots and rate limits, leases them in the store and
// executes handlers; the Finisher persists outcomes; the Sweeper recovers
// expired leases.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuongbtq/jobqueue/internal/clock"
	"github.com/cuongbtq/jobqueue/internal/domain"
	"github.com/cuongbtq/jobqueue/internal/metrics"
	"github.com/cuongbtq/jobqueue/internal/pqueue"
	"github.com/cuongbtq/jobqueue/internal/ratelimit"
	"github.com/cuongbtq/jobqueue/internal/retry"
	"github.com/cuongbtq/jobqueue/internal/storage"
)

// Defaults for Config
const (
	DefaultLeaseDuration     = 30 * time.Second
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultPollInterval      = time.Second
	DefaultShutdownTimeout   = 30 * time.Second
	DefaultBatchTimeout      = time.Second
	DefaultDispatchLimit     = 64
)

// Config holds dispatcher configuration and dependencies
type Config struct {
	Logger   *slog.Logger
	Store    storage.JobStore
	Queue    *pqueue.Queue
	Pool     *Pool
	Limiter  ratelimit.Limiter
	Registry *Registry
	Finisher *Finisher
	Metrics  metrics.Sink
	Clock    clock.Clock

	WorkerID          string
	LeaseDuration     time.Duration
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	ShutdownTimeout   time.Duration
	// DispatchLimit caps refs taken from the queue per pass
	DispatchLimit int
	// StoreBackoff spaces dispatch passes after transient store errors
	StoreBackoff retry.Policy
}

// Dispatcher moves jobs from Pending to Leased and runs their handlers
type Dispatcher struct {
	logger   *slog.Logger
	store    storage.JobStore
	queue    *pqueue.Queue
	pool     *Pool
	limiter  ratelimit.Limiter
	registry *Registry
	finisher *Finisher
	metrics  metrics.Sink
	clock    clock.Clock

	workerID          string
	leaseDuration     time.Duration
	heartbeatInterval time.Duration
	pollInterval      time.Duration
	shutdownTimeout   time.Duration
	dispatchLimit     int
	storeBackoff      retry.Policy

	batches *batcher

	// storeFailures counts consecutive transient claim errors
	storeFailures atomic.Int64

	activeMu sync.Mutex
	active   map[string]context.CancelCauseFunc
}

// NewDispatcher creates a new dispatcher instance
func NewDispatcher(cfg *Config) *Dispatcher {
	d := &Dispatcher{
		logger:            cfg.Logger.With(slog.String("component", "dispatcher"), slog.String("worker_id", cfg.WorkerID)),
		store:             cfg.Store,
		queue:             cfg.Queue,
		pool:              cfg.Pool,
		limiter:           cfg.Limiter,
		registry:          cfg.Registry,
		finisher:          cfg.Finisher,
		metrics:           cfg.Metrics,
		clock:             cfg.Clock,
		workerID:          cfg.WorkerID,
		leaseDuration:     cfg.LeaseDuration,
		heartbeatInterval: cfg.HeartbeatInterval,
		pollInterval:      cfg.PollInterval,
		shutdownTimeout:   cfg.ShutdownTimeout,
		dispatchLimit:     cfg.DispatchLimit,
		storeBackoff:      cfg.StoreBackoff,
		active:            make(map[string]context.CancelCauseFunc),
	}
	if d.limiter == nil {
		d.limiter = ratelimit.Unlimited{}
	}
	if d.metrics == nil {
		d.metrics = metrics.Nop{}
	}
	if d.clock == nil {
		d.clock = clock.Real{}
	}
	if d.leaseDuration <= 0 {
		d.leaseDuration = DefaultLeaseDuration
	}
	if d.heartbeatInterval <= 0 || d.heartbeatInterval >= d.leaseDuration {
		d.heartbeatInterval = d.leaseDuration / 3
	}
	if d.pollInterval <= 0 {
		d.pollInterval = DefaultPollInterval
	}
	if d.shutdownTimeout <= 0 {
		d.shutdownTimeout = DefaultShutdownTimeout
	}
	if d.dispatchLimit <= 0 {
		d.dispatchLimit = DefaultDispatchLimit
	}
	if d.storeBackoff.BaseDelay <= 0 {
		d.storeBackoff = retry.New(100*time.Millisecond, 5*time.Second, 0.2)
	}
	d.batches = newBatcher()
	return d
}

// WorkerID returns the lease owner id used by this dispatcher
func (d *Dispatcher) WorkerID() string {
	return d.workerID
}

// Run dispatches until ctx is done, then waits for in-flight handlers to
// finish. Handlers still running after the shutdown timeout are cancelled;
// their outcomes are persisted regardless.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("Dispatcher started",
		slog.Int("capacity", d.pool.capacity),
		slog.Duration("lease_duration", d.leaseDuration),
		slog.Duration("heartbeat_interval", d.heartbeatInterval),
	)

	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	poll := time.NewTicker(d.pollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return d.shutdown(cancelWork)
		case <-d.queue.Ready():
		case <-d.pool.Released():
		case <-poll.C:
		}

		if n := d.storeFailures.Load(); n > 0 {
			select {
			case <-ctx.Done():
				return d.shutdown(cancelWork)
			case <-time.After(d.storeBackoff.Delay(int(n))):
			}
		}

		for d.dispatch(ctx, workCtx) {
			if ctx.Err() != nil {
				break
			}
		}
	}
}

// dispatch runs one pass over the queue. It reports whether the pass was
// cut short by the dispatch limit and should run again.
//
// Slots are reserved while the queue is locked; the rate limiter is consulted
// afterwards, and denied refs are restored. A denied resource is skipped for
// the rest of the pass so the refs behind it still get a turn.
func (d *Dispatcher) dispatch(ctx, workCtx context.Context) bool {
	denied := make(map[string]bool)
	for {
		if d.pool.Available() <= 0 && !d.batches.hasOpen() {
			return false
		}

		seen := len(denied)
		held := make(map[string]bool)
		opening := make(map[string]bool)
		refs := d.queue.Take(d.dispatchLimit, func(ref domain.Ref) bool {
			if ref.Resource != "" && denied[ref.Resource] {
				return false
			}
			reg, ok := d.registry.Lookup(ref.Queue)
			if !ok {
				return false
			}
			if reg.IsBatch() && (opening[ref.Queue] || d.batches.isOpen(ref.Queue)) {
				return true
			}
			if !d.pool.TryAcquire(ref.Queue) {
				return false
			}
			held[ref.ID] = true
			if reg.IsBatch() {
				opening[ref.Queue] = true
			}
			return true
		})

		var restore []domain.Ref
		for _, ref := range refs {
			reg, _ := d.registry.Lookup(ref.Queue)
			if !d.allow(ctx, ref) {
				if held[ref.ID] {
					d.pool.undo(ref.Queue)
				}
				denied[ref.Resource] = true
				restore = append(restore, ref)
				continue
			}
			if reg.IsBatch() {
				if !d.admitBatch(workCtx, reg, ref, held[ref.ID]) {
					restore = append(restore, ref)
				}
				continue
			}
			go d.process(workCtx, reg, ref)
		}
		d.queue.Restore(restore...)

		if len(denied) == seen {
			return len(refs) == d.dispatchLimit
		}
	}
}

// allow consults the rate limiter for ref's resource
func (d *Dispatcher) allow(ctx context.Context, ref domain.Ref) bool {
	if ref.Resource == "" || d.limiter.TryAcquire(ctx, ref.Resource) {
		return true
	}
	d.metrics.JobRateLimited(ref.Queue, ref.Resource)
	return false
}

// CancelJob cancels the context of a handler running here for id. It
// reports whether one was running.
func (d *Dispatcher) CancelJob(id string) bool {
	d.activeMu.Lock()
	cancel, ok := d.active[id]
	d.activeMu.Unlock()
	if ok {
		cancel(domain.ErrCancelRequested)
	}
	return ok
}

// Active returns the number of jobs currently leased by this dispatcher
func (d *Dispatcher) Active() int {
	d.activeMu.Lock()
	defer d.activeMu.Unlock()
	return len(d.active)
}

func (d *Dispatcher) track(id string, cancel context.CancelCauseFunc) {
	d.activeMu.Lock()
	d.active[id] = cancel
	d.activeMu.Unlock()
}

func (d *Dispatcher) untrack(id string) {
	d.activeMu.Lock()
	delete(d.active, id)
	d.activeMu.Unlock()
}

func (d *Dispatcher) shutdown(cancelWork context.CancelFunc) error {
	d.logger.Info("Dispatcher stopping, waiting for in-flight jobs",
		slog.Int("in_flight", d.pool.InFlight()),
		slog.Duration("timeout", d.shutdownTimeout),
	)
	d.batches.flushAll()

	waitCtx, cancel := context.WithTimeout(context.Background(), d.shutdownTimeout)
	defer cancel()
	if err := d.pool.Wait(waitCtx); err != nil {
		d.logger.Warn("Shutdown timeout reached, cancelling running handlers",
			slog.Int("in_flight", d.pool.InFlight()),
		)
		cancelWork()

		// Outcomes are persisted with an uncancelled context; give them a moment.
		graceCtx, graceCancel := context.WithTimeout(context.Background(), d.leaseDuration)
		defer graceCancel()
		if err := d.pool.Wait(graceCtx); err != nil {
			d.logger.Error("Handlers did not stop, their leases will expire",
				slog.Int("in_flight", d.pool.InFlight()),
			)
		}
	}

	d.logger.Info("Dispatcher stopped")
	return nil
}
