package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/jobqueue/internal/clock"
	"github.com/cuongbtq/jobqueue/internal/domain"
)

type enqueueRecorder struct {
	mu   sync.Mutex
	occ  []Occurrence
	err  error
	seen map[string]bool
}

func (r *enqueueRecorder) enqueue(_ context.Context, occ Occurrence) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if r.seen == nil {
		r.seen = make(map[string]bool)
	}
	if r.seen[occ.DedupKey] {
		return domain.ErrDuplicateDedupKey
	}
	r.seen[occ.DedupKey] = true
	r.occ = append(r.occ, occ)
	return nil
}

func TestNextFire(t *testing.T) {
	every, err := ParseSchedule("@every 1m")
	require.NoError(t, err)
	hourly, err := ParseSchedule("0 * * * *")
	require.NoError(t, err)

	tests := []struct {
		name      string
		lastFired time.Time
		now       time.Time
		want      time.Time
		ok        bool
	}{
		{"not yet due", start, start.Add(30 * time.Second), time.Time{}, false},
		{"exactly due", start, start.Add(time.Minute), start.Add(time.Minute), true},
		{"missed occurrences coalesce", start, start.Add(10*time.Minute + 5*time.Second), start.Add(10 * time.Minute), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NextFire(every, tt.lastFired, tt.now)
			assert.Equal(t, tt.ok, ok)
			assert.True(t, tt.want.Equal(got), "got %s", got)
		})
	}

	got, ok := NextFire(hourly, start.Add(5*time.Minute), start.Add(3*time.Hour+time.Minute))
	require.True(t, ok)
	assert.True(t, start.Add(3*time.Hour).Equal(got), "got %s", got)
}

func TestParseSchedule_Invalid(t *testing.T) {
	_, err := ParseSchedule("every minute")
	assert.Error(t, err)
}

func TestCron_FireDue(t *testing.T) {
	c := clock.NewFake(start)
	rec := &enqueueRecorder{}
	cr := NewCron(c, rec.enqueue, discardLogger())

	require.NoError(t, cr.Register(RecurringSpec{
		Name:     "report",
		Schedule: "@every 1m",
		Queue:    "reports",
		Priority: domain.PriorityLow,
	}, time.Time{}))

	assert.Zero(t, cr.FireDue(context.Background(), c.Now()))

	c.Advance(5 * time.Minute)
	assert.Equal(t, 1, cr.FireDue(context.Background(), c.Now()), "missed occurrences fire once")
	require.Len(t, rec.occ, 1)
	assert.Equal(t, DedupKey("report", start.Add(5*time.Minute)), rec.occ[0].DedupKey)
	assert.Equal(t, "reports", rec.occ[0].Spec.Queue)

	assert.Zero(t, cr.FireDue(context.Background(), c.Now()), "same occurrence never fires twice")

	c.Advance(time.Minute)
	assert.Equal(t, 1, cr.FireDue(context.Background(), c.Now()))
}

func TestCron_RetriesFailedEnqueue(t *testing.T) {
	c := clock.NewFake(start)
	rec := &enqueueRecorder{err: errors.New("store down")}
	cr := NewCron(c, rec.enqueue, discardLogger())
	require.NoError(t, cr.Register(RecurringSpec{Name: "r", Schedule: "@every 1m", Queue: "q"}, start))

	c.Advance(time.Minute)
	assert.Zero(t, cr.FireDue(context.Background(), c.Now()))

	rec.err = nil
	assert.Equal(t, 1, cr.FireDue(context.Background(), c.Now()))
}

func TestCron_Register(t *testing.T) {
	cr := NewCron(clock.NewFake(start), (&enqueueRecorder{}).enqueue, discardLogger())

	assert.ErrorIs(t, cr.Register(RecurringSpec{Name: "x", Schedule: "bogus", Queue: "q"}, start), domain.ErrInvalidJob)
	assert.ErrorIs(t, cr.Register(RecurringSpec{Schedule: "@hourly", Queue: "q"}, start), domain.ErrInvalidJob)

	require.NoError(t, cr.Register(RecurringSpec{Name: "x", Schedule: "@hourly", Queue: "q"}, start))
	assert.ErrorIs(t, cr.Register(RecurringSpec{Name: "x", Schedule: "@daily", Queue: "q"}, start), domain.ErrInvalidJob)
	assert.Equal(t, []string{"x"}, cr.Names())
}
