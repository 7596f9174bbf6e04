package worker

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/jobqueue/internal/domain"
)

// DefaultMaxAttempts applies when a queue does not set MaxAttempts
const DefaultMaxAttempts = 5

// QueueOptions configure how jobs of one queue are executed
type QueueOptions struct {
	// Concurrency caps simultaneous slots for the queue. Zero means only the
	// global bound applies.
	Concurrency int
	MaxAttempts int
	// Timeout bounds a single handler invocation. Zero means no timeout.
	Timeout time.Duration
	// BatchSize > 1 groups up to that many jobs into one batch handler call
	BatchSize    int
	BatchTimeout time.Duration
	// DebounceWindow rejects an enqueue whose dedup key was used within the window
	DebounceWindow time.Duration
}

// Registration binds a queue to its handler
type Registration struct {
	Queue        string
	Options      QueueOptions
	Handler      domain.Handler
	BatchHandler domain.BatchHandler
}

// IsBatch reports whether the queue dispatches in batches
func (r *Registration) IsBatch() bool {
	return r.BatchHandler != nil
}

// Registry maps queue names to handlers. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	queues map[string]*Registration
}

// NewRegistry returns an empty registry
func NewRegistry() *Registry {
	return &Registry{queues: make(map[string]*Registration)}
}

// Register binds a single-job handler to queue
func (r *Registry) Register(queue string, h domain.Handler, opts QueueOptions) (*Registration, error) {
	if h == nil {
		return nil, fmt.Errorf("%w: nil handler for queue %s", domain.ErrInvalidJob, queue)
	}
	opts.BatchSize = 0
	return r.add(&Registration{Queue: queue, Options: opts, Handler: h})
}

// RegisterBatch binds a batch handler to queue
func (r *Registry) RegisterBatch(queue string, h domain.BatchHandler, opts QueueOptions) (*Registration, error) {
	if h == nil {
		return nil, fmt.Errorf("%w: nil batch handler for queue %s", domain.ErrInvalidJob, queue)
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = 1
	}
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = DefaultBatchTimeout
	}
	return r.add(&Registration{Queue: queue, Options: opts, BatchHandler: h})
}

func (r *Registry) add(reg *Registration) (*Registration, error) {
	if reg.Queue == "" {
		return nil, fmt.Errorf("%w: empty queue name", domain.ErrInvalidJob)
	}
	if reg.Options.MaxAttempts <= 0 {
		reg.Options.MaxAttempts = DefaultMaxAttempts
	}
	if reg.Options.Concurrency < 0 {
		reg.Options.Concurrency = 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.queues[reg.Queue]; exists {
		return nil, fmt.Errorf("%w: queue %s already has a handler", domain.ErrInvalidJob, reg.Queue)
	}
	r.queues[reg.Queue] = reg
	return reg, nil
}

// Lookup returns the registration for queue
func (r *Registry) Lookup(queue string) (*Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.queues[queue]
	return reg, ok
}

// Queues returns the registered queue names in sorted order
func (r *Registry) Queues() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.queues))
	for name := range r.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
