// Package scheduler holds jobs that are not yet due and promotes them into
// the ready queue when their time comes. It also periodically pulls due
// Pending jobs from the store so work enqueued, retried or recovered by other
// processes is not missed, and fires recurring specs.
package scheduler

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/jobqueue/internal/clock"
	"github.com/cuongbtq/jobqueue/internal/domain"
)

// Defaults for Config
const (
	DefaultTickInterval    = time.Second
	DefaultRefreshInterval = 5 * time.Second
	DefaultLookahead       = 30 * time.Second
	DefaultRefreshLimit    = 1000
)

// ReadyQueue receives refs once they are due
type ReadyQueue interface {
	Push(ref domain.Ref)
	Remove(id string) bool
}

// PendingSource lists Pending jobs from the store
type PendingSource interface {
	ListPending(ctx context.Context, queues []string, dueBefore time.Time, limit int) ([]domain.Ref, error)
}

// Config tunes the scheduler loop
type Config struct {
	TickInterval    time.Duration
	RefreshInterval time.Duration
	// Lookahead widens each refresh so jobs due soon sit in the heap already
	Lookahead    time.Duration
	RefreshLimit int
	// Queues restricts refreshes to these queues. Empty means every queue.
	Queues []string
}

func (c *Config) applyDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = DefaultRefreshInterval
	}
	if c.Lookahead < 0 {
		c.Lookahead = 0
	}
	if c.RefreshLimit <= 0 {
		c.RefreshLimit = DefaultRefreshLimit
	}
}

// Scheduler is safe for concurrent use
type Scheduler struct {
	cfg    Config
	clock  clock.Clock
	ready  ReadyQueue
	source PendingSource
	cron   *Cron
	logger *slog.Logger

	mu    sync.Mutex
	heap  delayHeap
	index map[string]*delayItem

	wake chan struct{}
}

// New creates a Scheduler. source and cron may be nil.
func New(cfg Config, c clock.Clock, ready ReadyQueue, source PendingSource, cron *Cron, logger *slog.Logger) *Scheduler {
	cfg.applyDefaults()
	return &Scheduler{
		cfg:    cfg,
		clock:  c,
		ready:  ready,
		source: source,
		cron:   cron,
		logger: logger.With(slog.String("component", "scheduler")),
		index:  make(map[string]*delayItem),
		wake:   make(chan struct{}, 1),
	}
}

// Add routes ref to the ready queue when due, otherwise into the delay heap.
// Adding an id that is already held replaces it.
func (s *Scheduler) Add(ref domain.Ref) {
	if !ref.ScheduledAt.After(s.clock.Now()) {
		s.Remove(ref.ID)
		s.ready.Push(ref)
		return
	}

	s.ready.Remove(ref.ID)

	s.mu.Lock()
	if item, ok := s.index[ref.ID]; ok {
		item.ref = ref
		heap.Fix(&s.heap, item.index)
	} else {
		item := &delayItem{ref: ref}
		heap.Push(&s.heap, item)
		s.index[ref.ID] = item
	}
	head := s.heap[0].ref.ID == ref.ID
	s.mu.Unlock()

	// An earlier deadline than the one the loop is sleeping on
	if head {
		s.signal()
	}
}

// Remove drops id from the delay heap and the ready queue
func (s *Scheduler) Remove(id string) {
	s.mu.Lock()
	if item, ok := s.index[id]; ok {
		heap.Remove(&s.heap, item.index)
		delete(s.index, id)
	}
	s.mu.Unlock()

	s.ready.Remove(id)
}

// Len returns the number of delayed refs
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.heap)
}

// NextDue returns the earliest delayed deadline
func (s *Scheduler) NextDue() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.heap.peek()
	if !ok {
		return time.Time{}, false
	}
	return item.ref.ScheduledAt, true
}

// PromoteDue moves every ref due at or before now into the ready queue and
// returns how many were moved.
func (s *Scheduler) PromoteDue(now time.Time) int {
	var due []domain.Ref

	s.mu.Lock()
	for {
		item, ok := s.heap.peek()
		if !ok || item.ref.ScheduledAt.After(now) {
			break
		}
		heap.Pop(&s.heap)
		delete(s.index, item.ref.ID)
		due = append(due, item.ref)
	}
	s.mu.Unlock()

	for _, ref := range due {
		s.ready.Push(ref)
	}
	return len(due)
}

// Refresh loads Pending jobs due within the lookahead window from the store
func (s *Scheduler) Refresh(ctx context.Context) (int, error) {
	if s.source == nil {
		return 0, nil
	}

	refs, err := s.source.ListPending(ctx, s.cfg.Queues, s.clock.Now().Add(s.cfg.Lookahead), s.cfg.RefreshLimit)
	if err != nil {
		return 0, err
	}
	for _, ref := range refs {
		s.Add(ref)
	}
	return len(refs), nil
}

// Run drives promotion, refresh and cron until ctx is done
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Scheduler started",
		slog.Duration("tick_interval", s.cfg.TickInterval),
		slog.Duration("refresh_interval", s.cfg.RefreshInterval),
	)

	tick := time.NewTicker(s.cfg.TickInterval)
	defer tick.Stop()
	refresh := time.NewTicker(s.cfg.RefreshInterval)
	defer refresh.Stop()
	timer := time.NewTimer(s.untilNext())
	defer timer.Stop()

	s.refresh(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopped")
			return nil
		case <-refresh.C:
			s.refresh(ctx)
		case <-s.wake:
		case <-timer.C:
		case <-tick.C:
		}

		now := s.clock.Now()
		if n := s.PromoteDue(now); n > 0 {
			s.logger.Debug("Promoted due jobs", slog.Int("count", n))
		}
		if s.cron != nil {
			s.cron.FireDue(ctx, now)
		}
		timer.Reset(s.untilNext())
	}
}

func (s *Scheduler) refresh(ctx context.Context) {
	n, err := s.Refresh(ctx)
	if err != nil {
		s.logger.Warn("Failed to refresh pending jobs from store", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		s.logger.Debug("Refreshed pending jobs from store", slog.Int("count", n))
	}
}

// untilNext is the sleep until the earliest deadline, bounded by the tick
func (s *Scheduler) untilNext() time.Duration {
	next, ok := s.NextDue()
	if !ok {
		return s.cfg.TickInterval
	}
	d := next.Sub(s.clock.Now())
	if d < 0 {
		return 0
	}
	if d > s.cfg.TickInterval {
		return s.cfg.TickInterval
	}
	return d
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
