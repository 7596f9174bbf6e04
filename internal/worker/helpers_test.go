package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/jobqueue/internal/clock"
	"github.com/cuongbtq/jobqueue/internal/domain"
	"github.com/cuongbtq/jobqueue/internal/storage"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRequeuer struct {
	mu   sync.Mutex
	refs []domain.Ref
}

func (r *fakeRequeuer) Add(ref domain.Ref) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refs = append(r.refs, ref)
}

func (r *fakeRequeuer) added() []domain.Ref {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Ref(nil), r.refs...)
}

// fakeDeadLetterer marks jobs dead-lettered in the store, or fails when err is set
type fakeDeadLetterer struct {
	store storage.JobStore
	err   error

	mu     sync.Mutex
	pushed []string
}

func (d *fakeDeadLetterer) Push(ctx context.Context, job *domain.Job) error {
	if d.err != nil {
		return d.err
	}
	if err := d.store.MarkDeadLettered(ctx, job.ID); err != nil {
		return err
	}
	d.mu.Lock()
	d.pushed = append(d.pushed, job.ID)
	d.mu.Unlock()
	return nil
}

func (d *fakeDeadLetterer) ids() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.pushed...)
}

type fakePromoter struct {
	mu      sync.Mutex
	cutoffs []time.Time
}

func (p *fakePromoter) PromoteExpired(_ context.Context, failedBefore time.Time) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cutoffs = append(p.cutoffs, failedBefore)
	return 0, nil
}

// flakyStore fails Claim with a transient error a fixed number of times
type flakyStore struct {
	storage.JobStore

	mu       sync.Mutex
	failures int
}

var errTransient = errors.New("connection reset")

func (s *flakyStore) Claim(ctx context.Context, id, workerID string, lease time.Duration) (*domain.Job, error) {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return nil, errTransient
	}
	s.mu.Unlock()
	return s.JobStore.Claim(ctx, id, workerID, lease)
}

func insertJob(t *testing.T, store storage.JobStore, job *domain.Job) {
	t.Helper()
	if job.MaxAttempts == 0 {
		job.MaxAttempts = 3
	}
	if job.Queue == "" {
		job.Queue = "email"
	}
	_, err := store.Insert(context.Background(), job)
	require.NoError(t, err)
}

// leaseJob inserts a job and claims it for workerID
func leaseJob(t *testing.T, store storage.JobStore, job *domain.Job, workerID string) *domain.Job {
	t.Helper()
	insertJob(t, store, job)
	leased, err := store.Claim(context.Background(), job.ID, workerID, time.Minute)
	require.NoError(t, err)
	return leased
}

func getJob(t *testing.T, store storage.JobStore, id string) *domain.Job {
	t.Helper()
	job, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

func newMemoryStore() (*clock.Fake, *storage.Memory) {
	c := clock.NewFake(epoch)
	return c, storage.NewMemory(c)
}
