// Package engine wires the store, scheduler, priority queue, dispatcher,
// sweeper and dead-letter sink into one job engine and exposes the
// operations callers use: Enqueue, Cancel, GetStatus, dead-letter
// inspection and replay, and the lease API for remote workers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/jobqueue/internal/clock"
	"github.com/cuongbtq/jobqueue/internal/deadletter"
	"github.com/cuongbtq/jobqueue/internal/domain"
	"github.com/cuongbtq/jobqueue/internal/metrics"
	"github.com/cuongbtq/jobqueue/internal/notify"
	"github.com/cuongbtq/jobqueue/internal/pqueue"
	"github.com/cuongbtq/jobqueue/internal/ratelimit"
	"github.com/cuongbtq/jobqueue/internal/retry"
	"github.com/cuongbtq/jobqueue/internal/scheduler"
	"github.com/cuongbtq/jobqueue/internal/storage"
	"github.com/cuongbtq/jobqueue/internal/worker"
)

// DefaultDepthInterval is how often queue depth gauges are refreshed
const DefaultDepthInterval = 15 * time.Second

// Notifier announces newly Pending jobs to other processes
type Notifier interface {
	Notify(ctx context.Context, ref domain.Ref) error
}

// Config holds engine dependencies and tuning. Store is required.
type Config struct {
	Store   storage.JobStore
	Logger  *slog.Logger
	Metrics metrics.Sink
	Clock   clock.Clock
	Limiter ratelimit.Limiter

	// Notifier and Wakeups are optional; without them other processes find
	// new work on their next store refresh
	Notifier Notifier
	Wakeups  notify.Source

	WorkerID          string
	Concurrency       int
	LeaseDuration     time.Duration
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	ShutdownTimeout   time.Duration
	SweepInterval     time.Duration
	DepthInterval     time.Duration

	Retry      retry.Policy
	Weights    [domain.NumPriorities]int
	DeadLetter worker.DeadLetterPolicy
	Scheduler  scheduler.Config
}

// EnqueueRequest describes a job to submit
type EnqueueRequest struct {
	Queue    string
	Payload  []byte
	Priority domain.Priority
	// DedupKey is optional. While a job with the same queue and key is
	// active, Enqueue returns that job's id and ErrDuplicateDedupKey.
	DedupKey string
	Delay    time.Duration
	// MaxAttempts zero uses the queue default
	MaxAttempts int
	Resource    string
}

// Engine is safe for concurrent use
type Engine struct {
	store      storage.JobStore
	logger     *slog.Logger
	metrics    metrics.Sink
	clock      clock.Clock
	notifier   Notifier
	wakeups    notify.Source
	workerID   string
	leaseLimit time.Duration

	registry   *worker.Registry
	pool       *worker.Pool
	queue      *pqueue.Queue
	scheduler  *scheduler.Scheduler
	cron       *scheduler.Cron
	finisher   *worker.Finisher
	dispatcher *worker.Dispatcher
	sweeper    *worker.Sweeper
	deadLetter *deadletter.Sink
	limiter    ratelimit.Limiter

	depthInterval time.Duration

	mu        sync.RWMutex
	queueOpts map[string]worker.QueueOptions

	running atomic.Bool
}

// New builds an engine. Handlers are registered afterwards, before Run.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("engine requires a job store")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Limiter == nil {
		cfg.Limiter = ratelimit.Unlimited{}
	}
	if cfg.WorkerID == "" {
		id, err := domain.NewID()
		if err != nil {
			return nil, err
		}
		cfg.WorkerID = "worker-" + id
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = worker.DefaultLeaseDuration
	}
	if cfg.Retry.BaseDelay <= 0 {
		cfg.Retry = retry.New(retry.DefaultBaseDelay, retry.DefaultMaxDelay, 0.2)
	}
	if cfg.Weights == ([domain.NumPriorities]int{}) {
		cfg.Weights = pqueue.DefaultWeights
	}
	if cfg.DepthInterval <= 0 {
		cfg.DepthInterval = DefaultDepthInterval
	}

	e := &Engine{
		store:         cfg.Store,
		logger:        cfg.Logger.With(slog.String("component", "engine")),
		metrics:       cfg.Metrics,
		clock:         cfg.Clock,
		notifier:      cfg.Notifier,
		wakeups:       cfg.Wakeups,
		workerID:      cfg.WorkerID,
		leaseLimit:    cfg.LeaseDuration,
		registry:      worker.NewRegistry(),
		pool:          worker.NewPool(cfg.Concurrency),
		queue:         pqueue.New(cfg.Weights),
		limiter:       cfg.Limiter,
		depthInterval: cfg.DepthInterval,
		queueOpts:     make(map[string]worker.QueueOptions),
	}

	e.cron = scheduler.NewCron(cfg.Clock, e.enqueueOccurrence, cfg.Logger)
	e.scheduler = scheduler.New(cfg.Scheduler, cfg.Clock, e.queue, registeredSource{store: cfg.Store, registry: e.registry}, e.cron, cfg.Logger)
	e.deadLetter = deadletter.New(cfg.Store, cfg.Metrics, cfg.Clock, cfg.Logger)
	e.finisher = worker.NewFinisher(worker.FinisherConfig{
		Store:      cfg.Store,
		Retry:      cfg.Retry,
		DeadLetter: e.deadLetter,
		Policy:     cfg.DeadLetter,
		Requeuer:   e.localRequeuer(),
		Metrics:    cfg.Metrics,
		Clock:      cfg.Clock,
		Logger:     cfg.Logger,
	})
	e.dispatcher = worker.NewDispatcher(&worker.Config{
		Logger:            cfg.Logger,
		Store:             cfg.Store,
		Queue:             e.queue,
		Pool:              e.pool,
		Limiter:           cfg.Limiter,
		Registry:          e.registry,
		Finisher:          e.finisher,
		Metrics:           cfg.Metrics,
		Clock:             cfg.Clock,
		WorkerID:          cfg.WorkerID,
		LeaseDuration:     cfg.LeaseDuration,
		HeartbeatInterval: cfg.HeartbeatInterval,
		PollInterval:      cfg.PollInterval,
		ShutdownTimeout:   cfg.ShutdownTimeout,
	})
	e.sweeper = worker.NewSweeper(worker.SweeperConfig{
		Store:    cfg.Store,
		Retry:    cfg.Retry,
		Finisher: e.finisher,
		Requeuer: e.localRequeuer(),
		Promoter: e.deadLetter,
		Metrics:  cfg.Metrics,
		Clock:    cfg.Clock,
		Logger:   cfg.Logger,
		Interval: cfg.SweepInterval,
	})
	return e, nil
}

// WorkerID returns the lease owner id of the local dispatcher
func (e *Engine) WorkerID() string {
	return e.workerID
}

// Configure sets queue defaults (max attempts, debounce window) without
// registering a handler, for processes that only enqueue
func (e *Engine) Configure(queue string, opts worker.QueueOptions) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queueOpts[queue] = opts
}

// Register binds a handler to queue in this process
func (e *Engine) Register(queue string, h domain.Handler, opts worker.QueueOptions) error {
	reg, err := e.registry.Register(queue, h, opts)
	if err != nil {
		return err
	}
	e.bind(reg)
	return nil
}

// RegisterBatch binds a batch handler to queue in this process
func (e *Engine) RegisterBatch(queue string, h domain.BatchHandler, opts worker.QueueOptions) error {
	reg, err := e.registry.RegisterBatch(queue, h, opts)
	if err != nil {
		return err
	}
	e.bind(reg)
	return nil
}

func (e *Engine) bind(reg *worker.Registration) {
	e.pool.SetQueueLimit(reg.Queue, reg.Options.Concurrency)
	e.Configure(reg.Queue, reg.Options)
	e.logger.Info("Queue handler registered",
		slog.String("queue", reg.Queue),
		slog.Int("concurrency", reg.Options.Concurrency),
		slog.Int("max_attempts", reg.Options.MaxAttempts),
		slog.Bool("batch", reg.IsBatch()),
	)
}

// Schedule registers a recurring job
func (e *Engine) Schedule(spec scheduler.RecurringSpec) error {
	return e.cron.Register(spec, time.Time{})
}

func (e *Engine) options(queue string) (worker.QueueOptions, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	opts, ok := e.queueOpts[queue]
	return opts, ok
}

// Enqueue persists a new Pending job and returns its id. A duplicate returns
// the id of the job holding the key together with ErrDuplicateDedupKey.
func (e *Engine) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	return e.enqueue(ctx, req, "")
}

// enqueue inserts the job. A non-empty occurrence is reserved in the store
// for good, so a recurring fire time yields one job even across processes.
func (e *Engine) enqueue(ctx context.Context, req EnqueueRequest, occurrence string) (string, error) {
	if req.Queue == "" {
		return "", fmt.Errorf("%w: queue is required", domain.ErrInvalidJob)
	}
	if !req.Priority.Valid() {
		return "", fmt.Errorf("%w: unknown priority %d", domain.ErrInvalidJob, req.Priority)
	}
	if req.Delay < 0 {
		return "", fmt.Errorf("%w: negative delay", domain.ErrInvalidJob)
	}
	if req.MaxAttempts < 0 {
		return "", fmt.Errorf("%w: negative max attempts", domain.ErrInvalidJob)
	}

	opts, _ := e.options(req.Queue)
	maxAttempts := req.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = opts.MaxAttempts
	}
	if maxAttempts <= 0 {
		maxAttempts = worker.DefaultMaxAttempts
	}

	now := e.clock.Now()
	if req.DedupKey != "" && opts.DebounceWindow > 0 {
		if id, ok := e.debounced(ctx, req.Queue, req.DedupKey, now, opts.DebounceWindow); ok {
			return id, domain.ErrDuplicateDedupKey
		}
	}

	id, err := domain.NewID()
	if err != nil {
		return "", err
	}
	job := &domain.Job{
		ID:          id,
		Queue:       req.Queue,
		Payload:     req.Payload,
		DedupKey:    req.DedupKey,
		Occurrence:  occurrence,
		Priority:    req.Priority,
		Resource:    req.Resource,
		ScheduledAt: now.Add(req.Delay),
		MaxAttempts: maxAttempts,
		State:       domain.StatePending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	existing, err := e.store.Insert(ctx, job)
	if errors.Is(err, domain.ErrDuplicateDedupKey) {
		e.logger.Info("Duplicate job rejected",
			slog.String("queue", req.Queue),
			slog.String("dedup_key", req.DedupKey),
			slog.String("existing_job_id", existing),
		)
		return existing, err
	}
	if err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}

	e.metrics.JobEnqueued(job.Queue, job.Priority)
	e.announce(ctx, job.Ref())

	e.logger.Info("Job enqueued successfully",
		slog.String("job_id", job.ID),
		slog.String("queue", job.Queue),
		slog.String("priority", job.Priority.String()),
		slog.Time("scheduled_at", job.ScheduledAt),
	)
	return job.ID, nil
}

// debounced reports whether a job with the key was created within window,
// even if it already finished
func (e *Engine) debounced(ctx context.Context, queue, key string, now time.Time, window time.Duration) (string, bool) {
	last, err := e.store.FindByDedupKey(ctx, queue, key)
	if err != nil {
		if !errors.Is(err, domain.ErrJobNotFound) {
			e.logger.Warn("Failed to check debounce window",
				slog.String("queue", queue),
				slog.String("error", err.Error()),
			)
		}
		return "", false
	}
	if now.Sub(last.CreatedAt) < window {
		return last.ID, true
	}
	return "", false
}

// announce hands a new Pending job to the local scheduler and to other processes
func (e *Engine) announce(ctx context.Context, ref domain.Ref) {
	if _, ok := e.registry.Lookup(ref.Queue); ok {
		e.scheduler.Add(ref)
	}
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, ref); err != nil {
		e.logger.Warn("Failed to publish wake-up, other workers will pick the job up on refresh",
			slog.String("job_id", ref.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) enqueueOccurrence(ctx context.Context, occ scheduler.Occurrence) error {
	_, err := e.enqueue(ctx, EnqueueRequest{
		Queue:       occ.Spec.Queue,
		Payload:     occ.Spec.Payload,
		Priority:    occ.Spec.Priority,
		DedupKey:    occ.DedupKey,
		MaxAttempts: occ.Spec.MaxAttempts,
		Resource:    occ.Spec.Resource,
	}, occ.DedupKey)
	return err
}

// Cancel cancels a Pending job immediately or asks a Leased job to stop.
// A Leased job finishes its current attempt but is never retried.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	state, err := e.store.Cancel(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyTerminal) {
			return fmt.Errorf("%w: job %s is %s", err, id, state)
		}
		return err
	}

	switch state {
	case domain.StateCancelled:
		e.scheduler.Remove(id)
	case domain.StateLeased:
		e.dispatcher.CancelJob(id)
	}

	e.logger.Info("Job cancellation requested",
		slog.String("job_id", id),
		slog.String("state", string(state)),
	)
	return nil
}

// GetStatus returns the caller-visible state of a job
func (e *Engine) GetStatus(ctx context.Context, id string) (domain.Status, error) {
	job, err := e.store.Get(ctx, id)
	if err != nil {
		return domain.Status{}, err
	}
	return domain.StatusOf(job), nil
}

// DeadLetters lists dead-lettered jobs of queue, newest first
func (e *Engine) DeadLetters(ctx context.Context, queue string, pageSize int, cursor *storage.Cursor) (deadletter.Page, error) {
	return e.deadLetter.List(ctx, queue, pageSize, cursor)
}

// Replay re-enqueues a dead letter as a new job
func (e *Engine) Replay(ctx context.Context, id string) (*domain.Job, error) {
	job, err := e.deadLetter.Replay(ctx, id)
	if err != nil {
		return nil, err
	}
	e.metrics.JobEnqueued(job.Queue, job.Priority)
	e.announce(ctx, job.Ref())
	return job, nil
}

// Run starts the scheduler, dispatcher, sweeper, depth reporter and the
// wake-up consumer, and blocks until ctx is done and all of them stopped
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("engine is already running")
	}
	defer e.running.Store(false)

	e.logger.Info("Engine starting",
		slog.String("worker_id", e.workerID),
		slog.Any("queues", e.registry.Queues()),
		slog.Any("recurring", e.cron.Names()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.scheduler.Run(gctx) })
	g.Go(func() error { return e.dispatcher.Run(gctx) })
	g.Go(func() error { return e.sweeper.Run(gctx) })
	g.Go(func() error { return e.reportDepth(gctx) })
	if e.wakeups != nil {
		consumer := notify.NewConsumer(notify.ConsumerConfig{
			Source: e.wakeups,
			Target: e.scheduler,
			Origin: e.workerID,
			Accept: func(queue string) bool {
				_, ok := e.registry.Lookup(queue)
				return ok
			},
			Logger: e.logger,
		})
		g.Go(func() error {
			if err := consumer.Run(gctx); err != nil {
				e.logger.Warn("Wake-up consumer unavailable", slog.String("error", err.Error()))
			}
			return nil
		})
	}

	err := g.Wait()
	e.logger.Info("Engine stopped")
	return err
}

// reportDepth publishes Pending counts per queue and priority
func (e *Engine) reportDepth(ctx context.Context) error {
	ticker := time.NewTicker(e.depthInterval)
	defer ticker.Stop()

	seen := make(map[string]bool)
	for {
		e.publishDepth(ctx, seen)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (e *Engine) publishDepth(ctx context.Context, seen map[string]bool) {
	depth, err := e.store.Depth(ctx)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Warn("Failed to read queue depth", slog.String("error", err.Error()))
		}
		return
	}
	for queue := range depth {
		seen[queue] = true
	}
	// Queues that drained still need their gauges reset to zero
	for queue := range seen {
		for _, p := range domain.Priorities {
			e.metrics.SetQueueDepth(queue, p, depth[queue][p])
		}
	}
}

// localRequeuer returns jobs to the local scheduler only for queues this
// process runs; other processes see them on refresh
func (e *Engine) localRequeuer() worker.Requeuer {
	return requeuerFunc(func(ref domain.Ref) {
		if _, ok := e.registry.Lookup(ref.Queue); ok {
			e.scheduler.Add(ref)
		}
	})
}

type requeuerFunc func(ref domain.Ref)

func (f requeuerFunc) Add(ref domain.Ref) { f(ref) }

// registeredSource limits scheduler refreshes to queues with a local handler
type registeredSource struct {
	store    storage.JobStore
	registry *worker.Registry
}

func (s registeredSource) ListPending(ctx context.Context, _ []string, dueBefore time.Time, limit int) ([]domain.Ref, error) {
	queues := s.registry.Queues()
	if len(queues) == 0 {
		return nil, nil
	}
	return s.store.ListPending(ctx, queues, dueBefore, limit)
}
