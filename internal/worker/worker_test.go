package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/jobqueue/internal/clock"
	"github.com/cuongbtq/jobqueue/internal/domain"
	"github.com/cuongbtq/jobqueue/internal/metrics"
	"github.com/cuongbtq/jobqueue/internal/pqueue"
	"github.com/cuongbtq/jobqueue/internal/ratelimit"
	"github.com/cuongbtq/jobqueue/internal/retry"
	"github.com/cuongbtq/jobqueue/internal/scheduler"
	"github.com/cuongbtq/jobqueue/internal/storage"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

type dispatcherFixture struct {
	store     storage.JobStore
	queue     *pqueue.Queue
	scheduler *scheduler.Scheduler
	registry  *Registry
	pool      *Pool
	recorder  *metrics.Recorder
	retry     retry.Policy
	cfg       *Config
}

type fixtureOption func(f *dispatcherFixture)

func withStore(s storage.JobStore) fixtureOption {
	return func(f *dispatcherFixture) { f.store = s }
}

func withLimiter(l ratelimit.Limiter) fixtureOption {
	return func(f *dispatcherFixture) { f.cfg.Limiter = l }
}

func withLease(lease, heartbeat time.Duration) fixtureOption {
	return func(f *dispatcherFixture) {
		f.cfg.LeaseDuration = lease
		f.cfg.HeartbeatInterval = heartbeat
	}
}

func withRetry(p retry.Policy) fixtureOption {
	return func(f *dispatcherFixture) { f.retry = p }
}

func withShutdownTimeout(d time.Duration) fixtureOption {
	return func(f *dispatcherFixture) { f.cfg.ShutdownTimeout = d }
}

func newDispatcherFixture(capacity int, opts ...fixtureOption) *dispatcherFixture {
	f := &dispatcherFixture{
		store:    storage.NewMemory(clock.Real{}),
		queue:    pqueue.New(pqueue.DefaultWeights),
		registry: NewRegistry(),
		pool:     NewPool(capacity),
		recorder: metrics.NewRecorder(),
		retry:    retry.New(20*time.Millisecond, 100*time.Millisecond, 0),
		cfg: &Config{
			Logger:       discardLogger(),
			Clock:        clock.Real{},
			WorkerID:     "worker-1",
			PollInterval: 20 * time.Millisecond,
		},
	}
	for _, opt := range opts {
		opt(f)
	}
	f.scheduler = scheduler.New(scheduler.Config{TickInterval: 10 * time.Millisecond}, clock.Real{}, f.queue, nil, nil, discardLogger())

	f.cfg.Store = f.store
	f.cfg.Queue = f.queue
	f.cfg.Pool = f.pool
	f.cfg.Registry = f.registry
	f.cfg.Metrics = f.recorder
	f.cfg.Finisher = NewFinisher(FinisherConfig{
		Store:    f.store,
		Retry:    f.retry,
		Requeuer: f.scheduler,
		Metrics:  f.recorder,
		Clock:    clock.Real{},
		Logger:   discardLogger(),
	})
	return f
}

// start runs the scheduler and a dispatcher and returns a stop function that
// waits for both to exit
func (f *dispatcherFixture) start(t *testing.T) (*Dispatcher, func()) {
	t.Helper()
	d := NewDispatcher(f.cfg)
	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = f.scheduler.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		assert.NoError(t, d.Run(ctx))
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}
	t.Cleanup(stop)
	return d, stop
}

func (f *dispatcherFixture) enqueue(t *testing.T, job *domain.Job) {
	t.Helper()
	insertJob(t, f.store, job)
	f.scheduler.Add(getJob(t, f.store, job.ID).Ref())
}

func (f *dispatcherFixture) waitState(t *testing.T, id string, want domain.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		job, err := f.store.Get(context.Background(), id)
		return err == nil && job.State == want
	}, waitFor, tick, "job %s never reached %s", id, want)
}

func TestDispatcher_RunsHandler(t *testing.T) {
	f := newDispatcherFixture(4)
	var got atomic.Value
	_, err := f.registry.Register("email", func(_ context.Context, payload []byte) domain.Outcome {
		got.Store(string(payload))
		return domain.Success()
	}, QueueOptions{})
	require.NoError(t, err)

	_, stop := f.start(t)
	f.enqueue(t, &domain.Job{ID: "j1", Payload: []byte("hello")})

	f.waitState(t, "j1", domain.StateSucceeded)
	stop()

	assert.Equal(t, "hello", got.Load())
	job := getJob(t, f.store, "j1")
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, 1, f.recorder.Count(metrics.Succeeded, "email"))
	assert.Len(t, f.recorder.Durations("email"), 1)
	assert.Equal(t, 0, f.pool.InFlight())
}

func TestDispatcher_RetriesUntilSuccess(t *testing.T) {
	f := newDispatcherFixture(4)
	var calls atomic.Int32
	_, err := f.registry.Register("email", domain.HandlerFunc(func(context.Context, []byte) error {
		if calls.Add(1) < 3 {
			return errors.New("smtp unavailable")
		}
		return nil
	}), QueueOptions{MaxAttempts: 5})
	require.NoError(t, err)

	f.start(t)
	f.enqueue(t, &domain.Job{ID: "j1", MaxAttempts: 5})

	f.waitState(t, "j1", domain.StateSucceeded)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 3, getJob(t, f.store, "j1").Attempts)
	assert.Equal(t, 2, f.recorder.Count(metrics.Retried, "email"))
}

func TestDispatcher_ExhaustsAttempts(t *testing.T) {
	f := newDispatcherFixture(4)
	var calls atomic.Int32
	_, err := f.registry.Register("email", func(context.Context, []byte) domain.Outcome {
		calls.Add(1)
		return domain.Retry("always fails")
	}, QueueOptions{})
	require.NoError(t, err)

	f.start(t)
	f.enqueue(t, &domain.Job{ID: "j1", MaxAttempts: 2})

	f.waitState(t, "j1", domain.StateFailed)
	assert.Equal(t, int32(2), calls.Load())
	job := getJob(t, f.store, "j1")
	assert.Equal(t, 2, job.Attempts)
	assert.Equal(t, "always fails", job.LastError)
}

func TestDispatcher_PanicIsRetryable(t *testing.T) {
	f := newDispatcherFixture(1)
	var calls atomic.Int32
	_, err := f.registry.Register("email", func(context.Context, []byte) domain.Outcome {
		if calls.Add(1) == 1 {
			panic("nil map")
		}
		return domain.Success()
	}, QueueOptions{})
	require.NoError(t, err)

	f.start(t)
	f.enqueue(t, &domain.Job{ID: "j1"})

	f.waitState(t, "j1", domain.StateSucceeded)
	assert.Equal(t, 2, getJob(t, f.store, "j1").Attempts)
}

func TestDispatcher_QueueConcurrency(t *testing.T) {
	f := newDispatcherFixture(8)
	f.pool.SetQueueLimit("email", 2)

	var running, peak atomic.Int32
	_, err := f.registry.Register("email", func(context.Context, []byte) domain.Outcome {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return domain.Success()
	}, QueueOptions{Concurrency: 2})
	require.NoError(t, err)

	f.start(t)
	ids := []string{"j1", "j2", "j3", "j4", "j5", "j6"}
	for _, id := range ids {
		f.enqueue(t, &domain.Job{ID: id})
	}
	for _, id := range ids {
		f.waitState(t, id, domain.StateSucceeded)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, 0, f.pool.InFlight())
}

func TestDispatcher_RateLimitedJobStaysPending(t *testing.T) {
	limiter := ratelimit.NewLocal(clock.Real{}, map[string]ratelimit.Limit{
		"partner-api": {Rate: 0, Burst: 1},
	})
	f := newDispatcherFixture(4, withLimiter(limiter))
	_, err := f.registry.Register("email", okHandler, QueueOptions{})
	require.NoError(t, err)

	f.start(t)
	f.enqueue(t, &domain.Job{ID: "j1", Resource: "partner-api"})
	f.waitState(t, "j1", domain.StateSucceeded)

	f.enqueue(t, &domain.Job{ID: "j2", Resource: "partner-api"})
	f.enqueue(t, &domain.Job{ID: "j3"})
	f.waitState(t, "j3", domain.StateSucceeded)

	require.Eventually(t, func() bool {
		return f.recorder.Count(metrics.RateLimited, "email") > 0
	}, waitFor, tick)

	job := getJob(t, f.store, "j2")
	assert.Equal(t, domain.StatePending, job.State)
	assert.Equal(t, 0, job.Attempts, "a rate-limit denial is not an attempt")
	assert.Eventually(t, func() bool { return f.queue.Contains("j2") }, waitFor, tick)
}

func TestDispatcher_DeniedResourceFreesSlot(t *testing.T) {
	limiter := ratelimit.NewLocal(clock.Real{}, map[string]ratelimit.Limit{
		"partner-api": {Rate: 0, Burst: 0},
	})
	f := newDispatcherFixture(1, withLimiter(limiter))
	_, err := f.registry.Register("email", okHandler, QueueOptions{})
	require.NoError(t, err)

	now := time.Now()
	insertJob(t, f.store, &domain.Job{ID: "blocked", Resource: "partner-api", Priority: domain.PriorityHigh, ScheduledAt: now.Add(-time.Minute)})
	insertJob(t, f.store, &domain.Job{ID: "free", ScheduledAt: now.Add(-time.Minute)})
	f.queue.Push(getJob(t, f.store, "blocked").Ref())
	f.queue.Push(getJob(t, f.store, "free").Ref())

	f.start(t)
	f.waitState(t, "free", domain.StateSucceeded)

	blocked := getJob(t, f.store, "blocked")
	assert.Equal(t, domain.StatePending, blocked.State)
	assert.Zero(t, blocked.Attempts)
	assert.Positive(t, f.recorder.Count(metrics.RateLimited, "email"))
}

// queueReadingLimiter reads the queue it gates, which deadlocks if it is
// consulted while the queue is locked
type queueReadingLimiter struct {
	queue *pqueue.Queue
	calls atomic.Int32
}

func (l *queueReadingLimiter) TryAcquire(context.Context, string) bool {
	l.calls.Add(1)
	_ = l.queue.Len()
	return true
}

func TestDispatcher_LimiterRunsOutsideQueueLock(t *testing.T) {
	f := newDispatcherFixture(2)
	limiter := &queueReadingLimiter{queue: f.queue}
	f.cfg.Limiter = limiter
	_, err := f.registry.Register("email", okHandler, QueueOptions{})
	require.NoError(t, err)
	_, err = f.registry.RegisterBatch("digest", func(_ context.Context, items []domain.BatchItem) []domain.Outcome {
		out := make([]domain.Outcome, len(items))
		for i := range out {
			out[i] = domain.Success()
		}
		return out
	}, QueueOptions{BatchSize: 2, BatchTimeout: 20 * time.Millisecond})
	require.NoError(t, err)

	f.start(t)
	f.enqueue(t, &domain.Job{ID: "j1", Resource: "partner-api"})
	f.enqueue(t, &domain.Job{ID: "b1", Queue: "digest", Resource: "partner-api"})
	f.enqueue(t, &domain.Job{ID: "b2", Queue: "digest", Resource: "partner-api"})

	f.waitState(t, "j1", domain.StateSucceeded)
	f.waitState(t, "b1", domain.StateSucceeded)
	f.waitState(t, "b2", domain.StateSucceeded)
	assert.GreaterOrEqual(t, limiter.calls.Load(), int32(3))
}

func TestDispatcher_UnregisteredQueueWaits(t *testing.T) {
	f := newDispatcherFixture(4)
	_, err := f.registry.Register("email", okHandler, QueueOptions{})
	require.NoError(t, err)

	f.start(t)
	f.enqueue(t, &domain.Job{ID: "other", Queue: "reports"})
	f.enqueue(t, &domain.Job{ID: "j1"})

	f.waitState(t, "j1", domain.StateSucceeded)
	assert.Equal(t, domain.StatePending, getJob(t, f.store, "other").State)
	assert.True(t, f.queue.Contains("other"))
}

func TestDispatcher_CancelRunningJob(t *testing.T) {
	f := newDispatcherFixture(2)
	started := make(chan struct{})
	_, err := f.registry.Register("email", func(ctx context.Context, _ []byte) domain.Outcome {
		close(started)
		<-ctx.Done()
		return domain.Retry(context.Cause(ctx).Error())
	}, QueueOptions{MaxAttempts: 5})
	require.NoError(t, err)

	d, _ := f.start(t)
	f.enqueue(t, &domain.Job{ID: "j1", MaxAttempts: 5})
	<-started

	state, err := f.store.Cancel(context.Background(), "j1")
	require.NoError(t, err)
	require.Equal(t, domain.StateLeased, state)
	assert.True(t, d.CancelJob("j1"))
	assert.False(t, d.CancelJob("unknown"))

	f.waitState(t, "j1", domain.StateCancelled)
	assert.Equal(t, 0, f.recorder.Count(metrics.Retried, "email"))
	require.Eventually(t, func() bool { return d.Active() == 0 }, waitFor, tick)
}

func TestDispatcher_HeartbeatDeliversCancel(t *testing.T) {
	f := newDispatcherFixture(2, withLease(300*time.Millisecond, 20*time.Millisecond))
	started := make(chan struct{})
	_, err := f.registry.Register("email", func(ctx context.Context, _ []byte) domain.Outcome {
		close(started)
		<-ctx.Done()
		return domain.Retry("stopped")
	}, QueueOptions{})
	require.NoError(t, err)

	f.start(t)
	f.enqueue(t, &domain.Job{ID: "j1"})
	<-started

	_, err = f.store.Cancel(context.Background(), "j1")
	require.NoError(t, err)
	f.waitState(t, "j1", domain.StateCancelled)
}

func TestDispatcher_HeartbeatDeliversCancelToBatch(t *testing.T) {
	f := newDispatcherFixture(2, withLease(300*time.Millisecond, 20*time.Millisecond))
	started := make(chan struct{})
	var calls atomic.Int32
	_, err := f.registry.RegisterBatch("bulk", func(ctx context.Context, items []domain.BatchItem) []domain.Outcome {
		out := make([]domain.Outcome, len(items))
		if calls.Add(1) == 1 {
			close(started)
			<-ctx.Done()
			for i := range out {
				out[i] = domain.Retry("stopped")
			}
			return out
		}
		for i := range out {
			out[i] = domain.Success()
		}
		return out
	}, QueueOptions{BatchSize: 2, BatchTimeout: time.Second, MaxAttempts: 3})
	require.NoError(t, err)

	f.enqueue(t, &domain.Job{ID: "b1", Queue: "bulk", MaxAttempts: 3})
	f.enqueue(t, &domain.Job{ID: "b2", Queue: "bulk", MaxAttempts: 3})
	f.start(t)
	<-started

	// Requested through the store only, as another process would
	_, err = f.store.Cancel(context.Background(), "b1")
	require.NoError(t, err)

	f.waitState(t, "b1", domain.StateCancelled)
	f.waitState(t, "b2", domain.StateSucceeded)
	assert.Equal(t, 2, getJob(t, f.store, "b2").Attempts)
}

func TestDispatcher_HeartbeatKeepsLease(t *testing.T) {
	f := newDispatcherFixture(1, withLease(100*time.Millisecond, 20*time.Millisecond))
	_, err := f.registry.Register("email", func(context.Context, []byte) domain.Outcome {
		time.Sleep(350 * time.Millisecond)
		return domain.Success()
	}, QueueOptions{})
	require.NoError(t, err)

	f.start(t)
	f.enqueue(t, &domain.Job{ID: "j1"})

	f.waitState(t, "j1", domain.StateSucceeded)
	assert.Equal(t, 1, getJob(t, f.store, "j1").Attempts)
	assert.Equal(t, 0, f.recorder.Count(metrics.LeaseLost, "email"))
}

func TestDispatcher_Timeout(t *testing.T) {
	f := newDispatcherFixture(1)
	_, err := f.registry.Register("email", func(ctx context.Context, _ []byte) domain.Outcome {
		<-ctx.Done()
		return domain.FromError(ctx.Err())
	}, QueueOptions{Timeout: 20 * time.Millisecond})
	require.NoError(t, err)

	f.start(t)
	f.enqueue(t, &domain.Job{ID: "j1", MaxAttempts: 1})

	f.waitState(t, "j1", domain.StateFailed)
	assert.Equal(t, context.DeadlineExceeded.Error(), getJob(t, f.store, "j1").LastError)
}

func TestDispatcher_TransientClaimError(t *testing.T) {
	flaky := &flakyStore{JobStore: storage.NewMemory(clock.Real{}), failures: 2}
	f := newDispatcherFixture(2, withStore(flaky))
	_, err := f.registry.Register("email", okHandler, QueueOptions{})
	require.NoError(t, err)

	f.start(t)
	f.enqueue(t, &domain.Job{ID: "j1"})

	f.waitState(t, "j1", domain.StateSucceeded)
	assert.Equal(t, 1, getJob(t, f.store, "j1").Attempts)
}

func TestDispatcher_Batch(t *testing.T) {
	f := newDispatcherFixture(4)
	var mu sync.Mutex
	var sizes []int
	_, err := f.registry.RegisterBatch("bulk", func(_ context.Context, items []domain.BatchItem) []domain.Outcome {
		mu.Lock()
		sizes = append(sizes, len(items))
		mu.Unlock()
		out := make([]domain.Outcome, len(items))
		for i := range items {
			out[i] = domain.Success()
		}
		return out
	}, QueueOptions{BatchSize: 3, BatchTimeout: time.Second})
	require.NoError(t, err)

	// Queue all three before the dispatcher runs so one pass collects them
	for _, id := range []string{"b1", "b2", "b3"} {
		f.enqueue(t, &domain.Job{ID: id, Queue: "bulk"})
	}
	f.start(t)

	for _, id := range []string{"b1", "b2", "b3"} {
		f.waitState(t, id, domain.StateSucceeded)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{3}, sizes)
	assert.Equal(t, 0, f.pool.InFlight())
}

func TestDispatcher_BatchPartialFailure(t *testing.T) {
	f := newDispatcherFixture(4, withRetry(retry.New(time.Hour, 2*time.Hour, 0)))
	failing := map[string]bool{"b2": true, "b4": true}
	_, err := f.registry.RegisterBatch("bulk", func(_ context.Context, items []domain.BatchItem) []domain.Outcome {
		out := make([]domain.Outcome, len(items))
		for i, item := range items {
			out[i] = domain.FromError(nil)
			if failing[item.ID] {
				out[i] = domain.FromError(domain.NewRetryableError(errors.New("upstream timeout")))
			}
		}
		return out
	}, QueueOptions{BatchSize: 5, BatchTimeout: time.Second})
	require.NoError(t, err)

	ids := []string{"b1", "b2", "b3", "b4", "b5"}
	for _, id := range ids {
		f.enqueue(t, &domain.Job{ID: id, Queue: "bulk", MaxAttempts: 3})
	}
	started := time.Now()
	f.start(t)

	for _, id := range []string{"b1", "b3", "b5"} {
		f.waitState(t, id, domain.StateSucceeded)
	}
	for _, id := range []string{"b2", "b4"} {
		require.Eventually(t, func() bool {
			job := getJob(t, f.store, id)
			return job.State == domain.StatePending && job.Attempts == 1
		}, waitFor, tick, "job %s was not rescheduled", id)
	}

	for _, id := range ids {
		job := getJob(t, f.store, id)
		if failing[id] {
			assert.Equal(t, domain.StatePending, job.State, id)
			assert.Equal(t, 1, job.Attempts, id)
			assert.Contains(t, job.LastError, "upstream timeout", id)
			assert.False(t, job.ScheduledAt.Before(started.Add(time.Hour)), "%s retries after the backoff", id)
			assert.Empty(t, job.LeaseOwner, id)
			continue
		}
		assert.Equal(t, domain.StateSucceeded, job.State, id)
		assert.Equal(t, 1, job.Attempts, id)
	}
	assert.Equal(t, 3, f.recorder.Count(metrics.Succeeded, "bulk"))
	assert.Equal(t, 2, f.recorder.Count(metrics.Retried, "bulk"))
}

func TestDispatcher_BatchTimeoutFlushesPartial(t *testing.T) {
	f := newDispatcherFixture(4)
	calls := make(chan int, 4)
	_, err := f.registry.RegisterBatch("bulk", func(_ context.Context, items []domain.BatchItem) []domain.Outcome {
		calls <- len(items)
		// Only the first item gets an outcome; the rest are retried
		return []domain.Outcome{domain.Success()}
	}, QueueOptions{BatchSize: 10, BatchTimeout: 30 * time.Millisecond, MaxAttempts: 1})
	require.NoError(t, err)

	f.enqueue(t, &domain.Job{ID: "b1", Queue: "bulk", MaxAttempts: 1})
	f.enqueue(t, &domain.Job{ID: "b2", Queue: "bulk", MaxAttempts: 1})
	f.start(t)

	select {
	case n := <-calls:
		assert.Equal(t, 2, n)
	case <-time.After(waitFor):
		t.Fatal("batch never flushed")
	}

	f.waitState(t, "b1", domain.StateSucceeded)
	f.waitState(t, "b2", domain.StateFailed)
	assert.Equal(t, "batch handler returned no outcome for job", getJob(t, f.store, "b2").LastError)
}

func TestDispatcher_ShutdownWaitsForHandlers(t *testing.T) {
	f := newDispatcherFixture(2)
	started := make(chan struct{})
	_, err := f.registry.Register("email", func(context.Context, []byte) domain.Outcome {
		close(started)
		time.Sleep(50 * time.Millisecond)
		return domain.Success()
	}, QueueOptions{})
	require.NoError(t, err)

	_, stop := f.start(t)
	f.enqueue(t, &domain.Job{ID: "j1"})
	<-started

	stop()
	assert.Equal(t, domain.StateSucceeded, getJob(t, f.store, "j1").State)
	assert.Equal(t, 0, f.pool.InFlight())
}

func TestDispatcher_ShutdownTimeoutCancelsHandlers(t *testing.T) {
	f := newDispatcherFixture(2, withShutdownTimeout(30*time.Millisecond))
	started := make(chan struct{})
	_, err := f.registry.Register("email", func(ctx context.Context, _ []byte) domain.Outcome {
		close(started)
		<-ctx.Done()
		return domain.Retry("interrupted by shutdown")
	}, QueueOptions{})
	require.NoError(t, err)

	_, stop := f.start(t)
	f.enqueue(t, &domain.Job{ID: "j1", MaxAttempts: 3})
	<-started

	stop()
	job := getJob(t, f.store, "j1")
	assert.Equal(t, domain.StatePending, job.State)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, "interrupted by shutdown", job.LastError)
}

func TestInvokeBatch_PadsOutcomes(t *testing.T) {
	items := []domain.BatchItem{{ID: "a"}, {ID: "b"}}

	got := invokeBatch(context.Background(), func(context.Context, []domain.BatchItem) []domain.Outcome {
		return []domain.Outcome{domain.Permanent("bad"), domain.Success(), domain.Success()}
	}, items)
	assert.Equal(t, []domain.Outcome{domain.Permanent("bad"), domain.Success()}, got)

	got = invokeBatch(context.Background(), func(context.Context, []domain.BatchItem) []domain.Outcome {
		panic("boom")
	}, items)
	require.Len(t, got, 2)
	for _, o := range got {
		assert.Equal(t, domain.OutcomeRetryable, o.Kind)
	}
}
