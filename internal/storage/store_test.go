package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/jobqueue/internal/clock"
	"github.com/cuongbtq/jobqueue/internal/domain"
)

var epoch = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

const lease = 30 * time.Second

type storeFactory func(t *testing.T, c clock.Clock) JobStore

func newJob(id, queue string, p domain.Priority, scheduledAt time.Time) *domain.Job {
	return &domain.Job{
		ID:          id,
		Queue:       queue,
		Payload:     []byte(`{"n":1}`),
		Priority:    p,
		ScheduledAt: scheduledAt,
		MaxAttempts: 3,
	}
}

func mustInsert(t *testing.T, s JobStore, j *domain.Job) {
	t.Helper()
	_, err := s.Insert(context.Background(), j)
	require.NoError(t, err)
}

func mustGet(t *testing.T, s JobStore, id string) *domain.Job {
	t.Helper()
	j, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	return j
}

// runStoreSuite exercises the JobStore contract against any implementation
func runStoreSuite(t *testing.T, factory storeFactory) {
	ctx := context.Background()

	t.Run("insert and get", func(t *testing.T) {
		c := clock.NewFake(epoch)
		s := factory(t, c)

		mustInsert(t, s, newJob("j1", "email", domain.PriorityHigh, epoch))

		got := mustGet(t, s, "j1")
		assert.Equal(t, domain.StatePending, got.State)
		assert.Equal(t, 0, got.Attempts)
		assert.Equal(t, domain.PriorityHigh, got.Priority)
		assert.Equal(t, `{"n":1}`, string(got.Payload))
		assert.WithinDuration(t, epoch, got.CreatedAt, 0)

		_, err := s.Get(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
	})

	t.Run("insert rejects invalid jobs", func(t *testing.T) {
		s := factory(t, clock.NewFake(epoch))

		bad := newJob("j1", "", domain.PriorityNormal, epoch)
		_, err := s.Insert(ctx, bad)
		assert.ErrorIs(t, err, domain.ErrInvalidJob)

		bad = newJob("j1", "q", domain.PriorityNormal, epoch)
		bad.MaxAttempts = 0
		_, err = s.Insert(ctx, bad)
		assert.ErrorIs(t, err, domain.ErrInvalidJob)
	})

	t.Run("dedup while active", func(t *testing.T) {
		s := factory(t, clock.NewFake(epoch))

		first := newJob("j1", "email", domain.PriorityNormal, epoch)
		first.DedupKey = "welcome:42"
		mustInsert(t, s, first)

		second := newJob("j2", "email", domain.PriorityNormal, epoch)
		second.DedupKey = "welcome:42"
		id, err := s.Insert(ctx, second)
		assert.ErrorIs(t, err, domain.ErrDuplicateDedupKey)
		assert.Equal(t, "j1", id)

		other := newJob("j3", "sms", domain.PriorityNormal, epoch)
		other.DedupKey = "welcome:42"
		mustInsert(t, s, other)

		// Terminal jobs release the key
		_, err = s.Cancel(ctx, "j1")
		require.NoError(t, err)
		id, err = s.Insert(ctx, second)
		require.NoError(t, err)
		assert.Equal(t, "j2", id)

		latest, err := s.FindByDedupKey(ctx, "email", "welcome:42")
		require.NoError(t, err)
		assert.Equal(t, "j2", latest.ID)
	})

	t.Run("occurrence stays reserved after the job finishes", func(t *testing.T) {
		s := factory(t, clock.NewFake(epoch))

		first := newJob("j1", "reports", domain.PriorityNormal, epoch)
		first.DedupKey = "cron:nightly:100"
		first.Occurrence = "cron:nightly:100"
		mustInsert(t, s, first)
		assert.Equal(t, "cron:nightly:100", mustGet(t, s, "j1").Occurrence)

		_, err := s.Claim(ctx, "j1", "w1", lease)
		require.NoError(t, err)
		require.NoError(t, s.Complete(ctx, "j1", "w1", Completion{State: domain.StateSucceeded, Attempts: 1}))

		again := newJob("j2", "reports", domain.PriorityNormal, epoch)
		again.DedupKey = "cron:nightly:100"
		again.Occurrence = "cron:nightly:100"
		id, err := s.Insert(ctx, again)
		assert.ErrorIs(t, err, domain.ErrDuplicateDedupKey)
		assert.Equal(t, "j1", id)

		next := newJob("j3", "reports", domain.PriorityNormal, epoch)
		next.DedupKey = "cron:nightly:200"
		next.Occurrence = "cron:nightly:200"
		mustInsert(t, s, next)
	})

	t.Run("claim next orders by priority then schedule", func(t *testing.T) {
		c := clock.NewFake(epoch)
		s := factory(t, c)

		mustInsert(t, s, newJob("a", "q", domain.PriorityLow, epoch.Add(-time.Minute)))
		mustInsert(t, s, newJob("b", "q", domain.PriorityHigh, epoch))
		mustInsert(t, s, newJob("c", "q", domain.PriorityHigh, epoch.Add(-time.Second)))
		mustInsert(t, s, newJob("d", "q", domain.PriorityCritical, epoch.Add(time.Hour)))
		mustInsert(t, s, newJob("e", "other", domain.PriorityCritical, epoch))

		var order []string
		for {
			j, ok, err := s.ClaimNext(ctx, "q", "w1", lease)
			require.NoError(t, err)
			if !ok {
				break
			}
			assert.Equal(t, domain.StateLeased, j.State)
			assert.Equal(t, "w1", j.LeaseOwner)
			assert.WithinDuration(t, epoch.Add(lease), j.LeaseExpiresAt, 0)
			order = append(order, j.ID)
		}
		assert.Equal(t, []string{"c", "b", "a"}, order, "future job d stays pending")
	})

	t.Run("claim next skips resources", func(t *testing.T) {
		s := factory(t, clock.NewFake(epoch))
		limited := newJob("a", "q", domain.PriorityCritical, epoch)
		limited.Resource = "smtp"
		mustInsert(t, s, limited)
		mustInsert(t, s, newJob("b", "q", domain.PriorityLow, epoch))

		j, ok, err := s.ClaimNext(ctx, "q", "w1", lease, "smtp")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "b", j.ID)

		_, ok, err = s.ClaimNext(ctx, "q", "w1", lease, "smtp")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, domain.StatePending, mustGet(t, s, "a").State)

		j, ok, err = s.ClaimNext(ctx, "q", "w1", lease)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "a", j.ID)
	})

	t.Run("claim specific job", func(t *testing.T) {
		c := clock.NewFake(epoch)
		s := factory(t, c)
		mustInsert(t, s, newJob("j1", "q", domain.PriorityNormal, epoch.Add(time.Minute)))

		_, err := s.Claim(ctx, "j1", "w1", lease)
		assert.ErrorIs(t, err, domain.ErrNotClaimable, "not yet due")

		c.Advance(time.Minute)
		j, err := s.Claim(ctx, "j1", "w1", lease)
		require.NoError(t, err)
		assert.Equal(t, domain.StateLeased, j.State)

		_, err = s.Claim(ctx, "j1", "w2", lease)
		assert.ErrorIs(t, err, domain.ErrNotClaimable)

		_, err = s.Claim(ctx, "missing", "w1", lease)
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
	})

	t.Run("concurrent claims lease a job once", func(t *testing.T) {
		s := factory(t, clock.NewFake(epoch))
		for i := 0; i < 5; i++ {
			mustInsert(t, s, newJob(fmt.Sprintf("j%d", i), "q", domain.PriorityNormal, epoch))
		}

		var (
			mu     sync.Mutex
			wg     sync.WaitGroup
			leased = make(map[string]string)
		)
		for w := 0; w < 10; w++ {
			wg.Add(1)
			go func(worker string) {
				defer wg.Done()
				for {
					j, ok, err := s.ClaimNext(ctx, "q", worker, lease)
					if err != nil || !ok {
						return
					}
					mu.Lock()
					_, dup := leased[j.ID]
					assert.False(t, dup, "job %s leased twice", j.ID)
					leased[j.ID] = worker
					mu.Unlock()
				}
			}(fmt.Sprintf("w%d", w))
		}
		wg.Wait()

		assert.Len(t, leased, 5)
	})

	t.Run("heartbeat", func(t *testing.T) {
		c := clock.NewFake(epoch)
		s := factory(t, c)
		mustInsert(t, s, newJob("j1", "q", domain.PriorityNormal, epoch))
		_, err := s.Claim(ctx, "j1", "w1", lease)
		require.NoError(t, err)

		c.Advance(10 * time.Second)
		extended := c.Now().Add(lease)
		require.NoError(t, s.Heartbeat(ctx, "j1", "w1", extended))
		assert.WithinDuration(t, extended, mustGet(t, s, "j1").LeaseExpiresAt, 0)

		assert.ErrorIs(t, s.Heartbeat(ctx, "j1", "w2", extended), domain.ErrLeaseLost)

		state, err := s.Cancel(ctx, "j1")
		require.NoError(t, err)
		assert.Equal(t, domain.StateLeased, state)
		assert.ErrorIs(t, s.Heartbeat(ctx, "j1", "w1", extended), domain.ErrCancelRequested)
	})

	t.Run("complete", func(t *testing.T) {
		c := clock.NewFake(epoch)
		s := factory(t, c)
		mustInsert(t, s, newJob("j1", "q", domain.PriorityNormal, epoch))
		_, err := s.Claim(ctx, "j1", "w1", lease)
		require.NoError(t, err)

		err = s.Complete(ctx, "j1", "w2", Completion{State: domain.StateSucceeded, Attempts: 1})
		assert.ErrorIs(t, err, domain.ErrLeaseLost)

		c.Advance(time.Second)
		require.NoError(t, s.Complete(ctx, "j1", "w1", Completion{State: domain.StateSucceeded, Attempts: 1}))

		got := mustGet(t, s, "j1")
		assert.Equal(t, domain.StateSucceeded, got.State)
		assert.Equal(t, 1, got.Attempts)
		assert.Empty(t, got.LeaseOwner)
		assert.WithinDuration(t, epoch.Add(time.Second), got.FinishedAt, 0)

		err = s.Complete(ctx, "j1", "w1", Completion{State: domain.StateFailed, Attempts: 2})
		assert.ErrorIs(t, err, domain.ErrLeaseLost, "terminal jobs are never mutated")
	})

	t.Run("reschedule", func(t *testing.T) {
		c := clock.NewFake(epoch)
		s := factory(t, c)
		mustInsert(t, s, newJob("j1", "q", domain.PriorityNormal, epoch))
		_, err := s.Claim(ctx, "j1", "w1", lease)
		require.NoError(t, err)

		next := epoch.Add(2 * time.Second)
		require.NoError(t, s.Reschedule(ctx, "j1", "w1", next, 1, "timeout"))

		got := mustGet(t, s, "j1")
		assert.Equal(t, domain.StatePending, got.State)
		assert.Equal(t, 1, got.Attempts)
		assert.Equal(t, "timeout", got.LastError)
		assert.WithinDuration(t, next, got.ScheduledAt, 0)

		c.Advance(2 * time.Second)
		_, err = s.Claim(ctx, "j1", "w1", lease)
		require.NoError(t, err)
		require.NoError(t, s.Reschedule(ctx, "j1", "w1", epoch, 2, "timeout"))
		assert.WithinDuration(t, next, mustGet(t, s, "j1").ScheduledAt, 0, "scheduledAt never moves back")

		assert.ErrorIs(t, s.Reschedule(ctx, "j1", "w1", next, 3, "x"), domain.ErrLeaseLost)
	})

	t.Run("reschedule after cancel request", func(t *testing.T) {
		s := factory(t, clock.NewFake(epoch))
		mustInsert(t, s, newJob("j1", "q", domain.PriorityNormal, epoch))
		_, err := s.Claim(ctx, "j1", "w1", lease)
		require.NoError(t, err)
		_, err = s.Cancel(ctx, "j1")
		require.NoError(t, err)

		err = s.Reschedule(ctx, "j1", "w1", epoch.Add(time.Second), 1, "boom")
		assert.ErrorIs(t, err, domain.ErrJobCancelled)

		got := mustGet(t, s, "j1")
		assert.Equal(t, domain.StateCancelled, got.State)
		assert.Equal(t, 1, got.Attempts)
	})

	t.Run("recover expired leases", func(t *testing.T) {
		c := clock.NewFake(epoch)
		s := factory(t, c)
		job := newJob("j1", "q", domain.PriorityNormal, epoch)
		job.MaxAttempts = 2
		mustInsert(t, s, job)
		_, err := s.Claim(ctx, "j1", "w1", lease)
		require.NoError(t, err)

		expired, err := s.FindExpiredLeases(ctx, c.Now())
		require.NoError(t, err)
		assert.Empty(t, expired)

		_, err = s.RecoverExpired(ctx, "j1", "w1", c.Now(), c.Now())
		assert.ErrorIs(t, err, domain.ErrInvalidState, "lease still valid")

		// A lease ending exactly now has not expired yet
		c.Advance(lease)
		expired, err = s.FindExpiredLeases(ctx, c.Now())
		require.NoError(t, err)
		assert.Empty(t, expired)
		_, err = s.RecoverExpired(ctx, "j1", "w1", c.Now(), c.Now())
		assert.ErrorIs(t, err, domain.ErrInvalidState, "lease ends at now")

		c.Advance(time.Millisecond)
		expired, err = s.FindExpiredLeases(ctx, c.Now())
		require.NoError(t, err)
		require.Len(t, expired, 1)
		assert.Equal(t, "j1", expired[0].ID)

		next := c.Now().Add(time.Second)
		state, err := s.RecoverExpired(ctx, "j1", "w1", c.Now(), next)
		require.NoError(t, err)
		assert.Equal(t, domain.StatePending, state)

		got := mustGet(t, s, "j1")
		assert.Equal(t, 1, got.Attempts)
		assert.Equal(t, LeaseExpiredError, got.LastError)
		assert.WithinDuration(t, next, got.ScheduledAt, 0)

		// Second expiry reaches the ceiling
		c.Advance(time.Second)
		_, err = s.Claim(ctx, "j1", "w2", lease)
		require.NoError(t, err)
		c.Advance(lease + time.Millisecond)
		state, err = s.RecoverExpired(ctx, "j1", "w2", c.Now(), c.Now())
		require.NoError(t, err)
		assert.Equal(t, domain.StateFailed, state)
		assert.Equal(t, 2, mustGet(t, s, "j1").Attempts)
	})

	t.Run("cancel", func(t *testing.T) {
		s := factory(t, clock.NewFake(epoch))
		mustInsert(t, s, newJob("pending", "q", domain.PriorityNormal, epoch))
		mustInsert(t, s, newJob("leased", "q", domain.PriorityNormal, epoch))
		_, err := s.Claim(ctx, "leased", "w1", lease)
		require.NoError(t, err)

		state, err := s.Cancel(ctx, "pending")
		require.NoError(t, err)
		assert.Equal(t, domain.StateCancelled, state)

		state, err = s.Cancel(ctx, "leased")
		require.NoError(t, err)
		assert.Equal(t, domain.StateLeased, state)
		assert.True(t, mustGet(t, s, "leased").CancelRequested)

		_, err = s.Cancel(ctx, "pending")
		assert.ErrorIs(t, err, domain.ErrAlreadyTerminal)

		_, err = s.Cancel(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
	})

	t.Run("list pending and depth", func(t *testing.T) {
		s := factory(t, clock.NewFake(epoch))
		mustInsert(t, s, newJob("a", "email", domain.PriorityHigh, epoch))
		mustInsert(t, s, newJob("b", "email", domain.PriorityLow, epoch.Add(-time.Second)))
		mustInsert(t, s, newJob("c", "sms", domain.PriorityHigh, epoch))
		mustInsert(t, s, newJob("d", "email", domain.PriorityHigh, epoch.Add(time.Hour)))

		refs, err := s.ListPending(ctx, nil, epoch, 10)
		require.NoError(t, err)
		require.Len(t, refs, 3)
		assert.Equal(t, "b", refs[0].ID)

		refs, err = s.ListPending(ctx, []string{"email"}, epoch.Add(time.Hour), 10)
		require.NoError(t, err)
		assert.Len(t, refs, 3)

		depth, err := s.Depth(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, depth["email"][domain.PriorityHigh])
		assert.Equal(t, 1, depth["email"][domain.PriorityLow])
		assert.Equal(t, 1, depth["sms"][domain.PriorityHigh])
	})

	t.Run("list with keyset cursor", func(t *testing.T) {
		c := clock.NewFake(epoch)
		s := factory(t, c)
		for i := 0; i < 5; i++ {
			mustInsert(t, s, newJob(fmt.Sprintf("j%d", i), "q", domain.PriorityNormal, epoch))
			c.Advance(time.Second)
		}
		_, err := s.Cancel(ctx, "j0")
		require.NoError(t, err)

		page, err := s.List(ctx, Filter{Queue: "q", State: domain.StatePending, Limit: 2})
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, "j4", page[0].ID)
		assert.Equal(t, "j3", page[1].ID)

		page, err = s.List(ctx, Filter{Queue: "q", State: domain.StatePending, Limit: 2, Cursor: CursorOf(page[1])})
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, "j2", page[0].ID)
		assert.Equal(t, "j1", page[1].ID)

		page, err = s.List(ctx, Filter{FinishedBefore: c.Now().Add(time.Second)})
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, "j0", page[0].ID)
	})

	t.Run("mark dead lettered", func(t *testing.T) {
		s := factory(t, clock.NewFake(epoch))
		mustInsert(t, s, newJob("j1", "q", domain.PriorityNormal, epoch))

		assert.ErrorIs(t, s.MarkDeadLettered(ctx, "j1"), domain.ErrInvalidState)

		_, err := s.Claim(ctx, "j1", "w1", lease)
		require.NoError(t, err)
		require.NoError(t, s.Complete(ctx, "j1", "w1", Completion{State: domain.StateFailed, Attempts: 1, LastError: "bad"}))
		require.NoError(t, s.MarkDeadLettered(ctx, "j1"))
		assert.Equal(t, domain.StateDeadLettered, mustGet(t, s, "j1").State)

		assert.ErrorIs(t, s.MarkDeadLettered(ctx, "missing"), domain.ErrJobNotFound)
	})
}

func TestMemory(t *testing.T) {
	runStoreSuite(t, func(t *testing.T, c clock.Clock) JobStore {
		return NewMemory(c)
	})
}

func TestMemory_ReturnsCopies(t *testing.T) {
	s := NewMemory(clock.NewFake(epoch))
	mustInsert(t, s, newJob("j1", "q", domain.PriorityNormal, epoch))

	got := mustGet(t, s, "j1")
	got.State = domain.StateSucceeded
	got.Payload[0] = 'x'

	again := mustGet(t, s, "j1")
	assert.Equal(t, domain.StatePending, again.State)
	assert.Equal(t, `{"n":1}`, string(again.Payload))
}
