package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/cuongbtq/jobqueue/internal/clock"
	"github.com/cuongbtq/jobqueue/internal/domain"
)

// cronParser supports standard 5-field cron and descriptors like "@every 30s"
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// maxCatchUp bounds how many missed occurrences NextFire walks over
const maxCatchUp = 100000

// ParseSchedule parses a cron expression
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// RecurringSpec describes a job enqueued on a cron schedule
type RecurringSpec struct {
	Name        string
	Schedule    string
	Queue       string
	Payload     []byte
	Priority    domain.Priority
	MaxAttempts int
	Resource    string
}

// Occurrence is one firing of a RecurringSpec
type Occurrence struct {
	Spec     RecurringSpec
	FireAt   time.Time
	DedupKey string
}

// EnqueueFunc enqueues an occurrence. ErrDuplicateDedupKey is treated as
// already enqueued.
type EnqueueFunc func(ctx context.Context, occ Occurrence) error

// DedupKey identifies one occurrence of a recurring spec
func DedupKey(name string, fireAt time.Time) string {
	return fmt.Sprintf("cron:%s:%d", name, fireAt.Unix())
}

// NextFire returns the latest occurrence of schedule after lastFired and at
// or before now. Occurrences missed in between collapse into that one.
func NextFire(schedule cronlib.Schedule, lastFired, now time.Time) (time.Time, bool) {
	var (
		fireAt time.Time
		found  bool
	)
	t := schedule.Next(lastFired)
	for i := 0; i < maxCatchUp && !t.IsZero() && !t.After(now); i++ {
		fireAt, found = t, true
		t = schedule.Next(t)
	}
	return fireAt, found
}

type cronEntry struct {
	spec      RecurringSpec
	schedule  cronlib.Schedule
	lastFired time.Time
}

// Cron fires registered recurring specs. Expressions are parsed once at
// registration.
type Cron struct {
	clock   clock.Clock
	enqueue EnqueueFunc
	logger  *slog.Logger

	mu      sync.Mutex
	entries map[string]*cronEntry
}

// NewCron creates a Cron that enqueues through fn
func NewCron(c clock.Clock, fn EnqueueFunc, logger *slog.Logger) *Cron {
	return &Cron{
		clock:   c,
		enqueue: fn,
		logger:  logger.With(slog.String("component", "cron")),
		entries: make(map[string]*cronEntry),
	}
}

// Register adds spec. Occurrences after lastFired are eligible; a zero
// lastFired means the registration time.
func (c *Cron) Register(spec RecurringSpec, lastFired time.Time) error {
	if spec.Name == "" || spec.Queue == "" {
		return fmt.Errorf("%w: recurring spec needs a name and a queue", domain.ErrInvalidJob)
	}
	schedule, err := ParseSchedule(spec.Schedule)
	if err != nil {
		return fmt.Errorf("%w: invalid schedule %q for %s: %v", domain.ErrInvalidJob, spec.Schedule, spec.Name, err)
	}
	if lastFired.IsZero() {
		lastFired = c.clock.Now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[spec.Name]; exists {
		return fmt.Errorf("%w: recurring spec %s already registered", domain.ErrInvalidJob, spec.Name)
	}
	c.entries[spec.Name] = &cronEntry{spec: spec, schedule: schedule, lastFired: lastFired}

	c.logger.Info("Recurring job registered",
		slog.String("name", spec.Name),
		slog.String("schedule", spec.Schedule),
		slog.String("queue", spec.Queue),
		slog.Time("next_fire", schedule.Next(lastFired)),
	)
	return nil
}

// Names returns the registered spec names
func (c *Cron) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}
	return names
}

// FireDue enqueues every entry with an occurrence at or before now. It
// returns the number of occurrences enqueued. An entry whose enqueue fails is
// retried on the next call.
func (c *Cron) FireDue(ctx context.Context, now time.Time) int {
	type due struct {
		entry *cronEntry
		occ   Occurrence
	}

	var fire []due
	c.mu.Lock()
	for _, e := range c.entries {
		fireAt, ok := NextFire(e.schedule, e.lastFired, now)
		if !ok {
			continue
		}
		fire = append(fire, due{entry: e, occ: Occurrence{
			Spec:     e.spec,
			FireAt:   fireAt,
			DedupKey: DedupKey(e.spec.Name, fireAt),
		}})
	}
	c.mu.Unlock()

	fired := 0
	for _, d := range fire {
		err := c.enqueue(ctx, d.occ)
		if err != nil && !errors.Is(err, domain.ErrDuplicateDedupKey) {
			c.logger.Error("Failed to enqueue recurring job",
				slog.String("name", d.occ.Spec.Name),
				slog.Time("fire_at", d.occ.FireAt),
				slog.String("error", err.Error()),
			)
			continue
		}

		c.mu.Lock()
		if d.occ.FireAt.After(d.entry.lastFired) {
			d.entry.lastFired = d.occ.FireAt
		}
		c.mu.Unlock()

		if err == nil {
			fired++
			c.logger.Debug("Recurring job fired",
				slog.String("name", d.occ.Spec.Name),
				slog.String("dedup_key", d.occ.DedupKey),
			)
		}
	}
	return fired
}
