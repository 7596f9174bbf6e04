package storage

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cuongbtq/jobqueue/internal/clock"
	"github.com/cuongbtq/jobqueue/internal/domain"
)

// Memory is an in-process JobStore guarded by a single mutex. It returns
// copies so callers never share records with the store.
type Memory struct {
	clock clock.Clock

	mu          sync.Mutex
	jobs        map[string]*domain.Job
	active      map[dedupKey]string
	occurrences map[string]string
}

type dedupKey struct {
	queue string
	key   string
}

// NewMemory returns an empty Memory store
func NewMemory(c clock.Clock) *Memory {
	return &Memory{
		clock:       c,
		jobs:        make(map[string]*domain.Job),
		active:      make(map[dedupKey]string),
		occurrences: make(map[string]string),
	}
}

func (m *Memory) Insert(_ context.Context, job *domain.Job) (string, error) {
	if err := validateInsert(job); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[job.ID]; exists {
		return "", fmt.Errorf("%w: id %s already exists", domain.ErrInvalidJob, job.ID)
	}
	if job.Occurrence != "" {
		if id, ok := m.occurrences[job.Occurrence]; ok {
			return id, domain.ErrDuplicateDedupKey
		}
	}
	if job.DedupKey != "" {
		if id, ok := m.active[dedupKey{job.Queue, job.DedupKey}]; ok {
			return id, domain.ErrDuplicateDedupKey
		}
	}

	now := m.clock.Now()
	j := job.Clone()
	j.State = domain.StatePending
	j.Attempts = 0
	j.LeaseOwner = ""
	j.LeaseExpiresAt = time.Time{}
	j.FinishedAt = time.Time{}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	if j.ScheduledAt.IsZero() {
		j.ScheduledAt = now
	}
	j.UpdatedAt = now

	m.jobs[j.ID] = j
	if j.Occurrence != "" {
		m.occurrences[j.Occurrence] = j.ID
	}
	if j.DedupKey != "" {
		m.active[dedupKey{j.Queue, j.DedupKey}] = j.ID
	}
	return j.ID, nil
}

func (m *Memory) ClaimNext(_ context.Context, queue, workerID string, lease time.Duration, skipResources ...string) (*domain.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	var best *domain.Job
	for _, j := range m.jobs {
		if j.Queue != queue || !claimable(j, now) {
			continue
		}
		if j.Resource != "" && slices.Contains(skipResources, j.Resource) {
			continue
		}
		if best == nil || moreUrgent(j, best) {
			best = j
		}
	}
	if best == nil {
		return nil, false, nil
	}
	m.lease(best, workerID, now, lease)
	return best.Clone(), true, nil
}

func (m *Memory) Claim(_ context.Context, id, workerID string, lease time.Duration) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	now := m.clock.Now()
	if !claimable(j, now) {
		return nil, domain.ErrNotClaimable
	}
	m.lease(j, workerID, now, lease)
	return j.Clone(), nil
}

func (m *Memory) lease(j *domain.Job, workerID string, now time.Time, lease time.Duration) {
	j.State = domain.StateLeased
	j.LeaseOwner = workerID
	j.LeaseExpiresAt = now.Add(lease)
	j.UpdatedAt = now
}

func (m *Memory) Heartbeat(_ context.Context, id, workerID string, leaseExpiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.leasedBy(id, workerID)
	if err != nil {
		return err
	}
	j.LeaseExpiresAt = leaseExpiresAt
	j.UpdatedAt = m.clock.Now()
	if j.CancelRequested {
		return domain.ErrCancelRequested
	}
	return nil
}

func (m *Memory) Complete(_ context.Context, id, workerID string, c Completion) error {
	if !c.State.IsTerminal() {
		return fmt.Errorf("%w: complete with %s", domain.ErrInvalidState, c.State)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.leasedBy(id, workerID)
	if err != nil {
		return err
	}
	now := m.clock.Now()
	j.State = c.State
	j.Attempts = c.Attempts
	j.LastError = c.LastError
	m.finish(j, now)
	return nil
}

func (m *Memory) Reschedule(_ context.Context, id, workerID string, nextAttemptAt time.Time, attempts int, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.leasedBy(id, workerID)
	if err != nil {
		return err
	}
	now := m.clock.Now()
	j.Attempts = attempts
	j.LastError = lastError
	if j.CancelRequested {
		j.State = domain.StateCancelled
		m.finish(j, now)
		return domain.ErrJobCancelled
	}

	j.State = domain.StatePending
	j.LeaseOwner = ""
	j.LeaseExpiresAt = time.Time{}
	if nextAttemptAt.After(j.ScheduledAt) {
		j.ScheduledAt = nextAttemptAt
	}
	j.UpdatedAt = now
	return nil
}

func (m *Memory) FindExpiredLeases(_ context.Context, now time.Time) ([]*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*domain.Job
	for _, j := range m.jobs {
		if j.State == domain.StateLeased && j.LeaseExpiresAt.Before(now) {
			out = append(out, j.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *domain.Job) int {
		return a.LeaseExpiresAt.Compare(b.LeaseExpiresAt)
	})
	if len(out) > maxExpiredBatch {
		out = out[:maxExpiredBatch]
	}
	return out, nil
}

func (m *Memory) RecoverExpired(_ context.Context, id, owner string, now, nextAttemptAt time.Time) (domain.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return "", domain.ErrJobNotFound
	}
	if j.State != domain.StateLeased || j.LeaseOwner != owner || !j.LeaseExpiresAt.Before(now) {
		return j.State, domain.ErrInvalidState
	}

	j.Attempts++
	j.LastError = LeaseExpiredError
	switch {
	case j.CancelRequested:
		j.State = domain.StateCancelled
		m.finish(j, now)
	case j.Attempts >= j.MaxAttempts:
		j.State = domain.StateFailed
		m.finish(j, now)
	default:
		j.State = domain.StatePending
		j.LeaseOwner = ""
		j.LeaseExpiresAt = time.Time{}
		if nextAttemptAt.After(j.ScheduledAt) {
			j.ScheduledAt = nextAttemptAt
		}
		j.UpdatedAt = now
	}
	return j.State, nil
}

func (m *Memory) Get(_ context.Context, id string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return j.Clone(), nil
}

func (m *Memory) Cancel(_ context.Context, id string) (domain.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return "", domain.ErrJobNotFound
	}
	now := m.clock.Now()
	switch j.State {
	case domain.StatePending:
		j.State = domain.StateCancelled
		m.finish(j, now)
	case domain.StateLeased:
		j.CancelRequested = true
		j.UpdatedAt = now
	default:
		return j.State, domain.ErrAlreadyTerminal
	}
	return j.State, nil
}

func (m *Memory) FindByDedupKey(_ context.Context, queue, key string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest *domain.Job
	for _, j := range m.jobs {
		if j.Queue != queue || j.DedupKey != key {
			continue
		}
		if latest == nil || newerThan(j, latest) {
			latest = j
		}
	}
	if latest == nil {
		return nil, domain.ErrJobNotFound
	}
	return latest.Clone(), nil
}

func (m *Memory) ListPending(_ context.Context, queues []string, dueBefore time.Time, limit int) ([]domain.Ref, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Ref
	for _, j := range m.jobs {
		if j.State != domain.StatePending || j.ScheduledAt.After(dueBefore) {
			continue
		}
		if len(queues) > 0 && !slices.Contains(queues, j.Queue) {
			continue
		}
		out = append(out, j.Ref())
	}
	slices.SortFunc(out, func(a, b domain.Ref) int {
		if c := a.ScheduledAt.Compare(b.ScheduledAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) List(_ context.Context, filter Filter) ([]*domain.Job, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*domain.Job
	for _, j := range m.jobs {
		if filter.Queue != "" && j.Queue != filter.Queue {
			continue
		}
		if filter.State != "" && j.State != filter.State {
			continue
		}
		if !filter.FinishedBefore.IsZero() && (j.FinishedAt.IsZero() || !j.FinishedAt.Before(filter.FinishedBefore)) {
			continue
		}
		if filter.Cursor != nil && !olderThanCursor(j, filter.Cursor) {
			continue
		}
		out = append(out, j)
	}
	slices.SortFunc(out, func(a, b *domain.Job) int {
		if newerThan(a, b) {
			return -1
		}
		if newerThan(b, a) {
			return 1
		}
		return 0
	})
	if len(out) > limit {
		out = out[:limit]
	}
	for i, j := range out {
		out[i] = j.Clone()
	}
	return out, nil
}

func (m *Memory) MarkDeadLettered(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	if j.State != domain.StateFailed {
		return fmt.Errorf("%w: %s to %s", domain.ErrInvalidState, j.State, domain.StateDeadLettered)
	}
	j.State = domain.StateDeadLettered
	j.UpdatedAt = m.clock.Now()
	return nil
}

func (m *Memory) Depth(_ context.Context) (map[string]map[domain.Priority]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]map[domain.Priority]int)
	for _, j := range m.jobs {
		if j.State != domain.StatePending {
			continue
		}
		if out[j.Queue] == nil {
			out[j.Queue] = make(map[domain.Priority]int)
		}
		out[j.Queue][j.Priority]++
	}
	return out, nil
}

// leasedBy returns the live record if workerID still holds its lease
func (m *Memory) leasedBy(id, workerID string) (*domain.Job, error) {
	j, ok := m.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if j.State != domain.StateLeased || j.LeaseOwner != workerID {
		return nil, domain.ErrLeaseLost
	}
	return j, nil
}

// finish stamps a terminal transition and releases the dedup key
func (m *Memory) finish(j *domain.Job, now time.Time) {
	j.LeaseOwner = ""
	j.LeaseExpiresAt = time.Time{}
	j.FinishedAt = now
	j.UpdatedAt = now
	if j.DedupKey != "" {
		k := dedupKey{j.Queue, j.DedupKey}
		if m.active[k] == j.ID {
			delete(m.active, k)
		}
	}
}

func claimable(j *domain.Job, now time.Time) bool {
	return j.State == domain.StatePending && !j.ScheduledAt.After(now)
}

func moreUrgent(a, b *domain.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.ScheduledAt.Equal(b.ScheduledAt) {
		return a.ScheduledAt.Before(b.ScheduledAt)
	}
	return a.ID < b.ID
}

func newerThan(a, b *domain.Job) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

func olderThanCursor(j *domain.Job, c *Cursor) bool {
	if !j.CreatedAt.Equal(c.CreatedAt) {
		return j.CreatedAt.Before(c.CreatedAt)
	}
	return j.ID < c.ID
}
