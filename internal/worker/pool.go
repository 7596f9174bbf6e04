package worker

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Pool bounds concurrent execution with a global semaphore and optional
// per-queue semaphores. Acquisition never blocks.
type Pool struct {
	global   *semaphore.Weighted
	capacity int

	mu     sync.RWMutex
	queues map[string]*semaphore.Weighted

	inFlight atomic.Int64
	wg       sync.WaitGroup
	released chan struct{}
}

// NewPool returns a pool allowing at most capacity slots overall
func NewPool(capacity int) *Pool {
	if capacity < 1 {
		capacity = 1
	}
	return &Pool{
		global:   semaphore.NewWeighted(int64(capacity)),
		capacity: capacity,
		queues:   make(map[string]*semaphore.Weighted),
		released: make(chan struct{}, 1),
	}
}

// SetQueueLimit caps slots for queue. Non-positive limits remove the cap.
// It must be called before slots of the queue are in use.
func (p *Pool) SetQueueLimit(queue string, limit int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if limit <= 0 {
		delete(p.queues, queue)
		return
	}
	p.queues[queue] = semaphore.NewWeighted(int64(limit))
}

// TryAcquire takes one slot for queue if both bounds allow it
func (p *Pool) TryAcquire(queue string) bool {
	if !p.global.TryAcquire(1) {
		return false
	}
	if sem := p.queueSem(queue); sem != nil && !sem.TryAcquire(1) {
		p.global.Release(1)
		return false
	}
	p.inFlight.Add(1)
	p.wg.Add(1)
	return true
}

// Release returns a slot and wakes the dispatcher
func (p *Pool) Release(queue string) {
	p.undo(queue)
	select {
	case p.released <- struct{}{}:
	default:
	}
}

// undo returns a slot acquired during a dispatch pass that was not used
func (p *Pool) undo(queue string) {
	if sem := p.queueSem(queue); sem != nil {
		sem.Release(1)
	}
	p.global.Release(1)
	p.inFlight.Add(-1)
	p.wg.Done()
}

// Released is signalled after a slot is returned. Signals coalesce.
func (p *Pool) Released() <-chan struct{} {
	return p.released
}

// InFlight returns the number of held slots
func (p *Pool) InFlight() int {
	return int(p.inFlight.Load())
}

// Available returns the number of free global slots
func (p *Pool) Available() int {
	return p.capacity - p.InFlight()
}

// Wait blocks until every slot is released or ctx is done
func (p *Pool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) queueSem(queue string) *semaphore.Weighted {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.queues[queue]
}
