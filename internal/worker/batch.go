package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/jobqueue/internal/domain"
)

// openBatch collects refs of one queue until it is full or its timeout fires.
// It holds a single pool slot from the moment it opens.
type openBatch struct {
	reg   *Registration
	refs  []domain.Ref
	timer *time.Timer
	run   func([]domain.Ref)
}

// batcher tracks at most one open batch per queue
type batcher struct {
	mu   sync.Mutex
	open map[string]*openBatch
}

func newBatcher() *batcher {
	return &batcher{open: make(map[string]*openBatch)}
}

func (b *batcher) hasOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.open) > 0
}

func (b *batcher) isOpen(queue string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.open[queue]
	return ok
}

// add appends ref to the open batch of its queue. It reports false when no
// batch is open so the caller can open one.
func (b *batcher) add(ref domain.Ref) bool {
	b.mu.Lock()
	ob, ok := b.open[ref.Queue]
	if !ok {
		b.mu.Unlock()
		return false
	}
	ob.refs = append(ob.refs, ref)
	full := len(ob.refs) >= ob.reg.Options.BatchSize
	if full {
		delete(b.open, ref.Queue)
		ob.timer.Stop()
	}
	b.mu.Unlock()

	if full {
		go ob.run(ob.refs)
	}
	return true
}

// start opens a batch holding ref. The batch runs when it fills up or when
// timeout elapses.
func (b *batcher) start(reg *Registration, ref domain.Ref, run func([]domain.Ref)) {
	ob := &openBatch{reg: reg, refs: []domain.Ref{ref}, run: run}
	if reg.Options.BatchSize <= 1 {
		go run(ob.refs)
		return
	}

	b.mu.Lock()
	b.open[reg.Queue] = ob
	ob.timer = time.AfterFunc(reg.Options.BatchTimeout, func() { b.expire(ob) })
	b.mu.Unlock()
}

func (b *batcher) expire(ob *openBatch) {
	b.mu.Lock()
	if b.open[ob.reg.Queue] != ob {
		b.mu.Unlock()
		return
	}
	delete(b.open, ob.reg.Queue)
	refs := ob.refs
	b.mu.Unlock()

	go ob.run(refs)
}

// flushAll runs every open batch now
func (b *batcher) flushAll() {
	b.mu.Lock()
	var pending []*openBatch
	for queue, ob := range b.open {
		ob.timer.Stop()
		delete(b.open, queue)
		pending = append(pending, ob)
	}
	b.mu.Unlock()

	for _, ob := range pending {
		go ob.run(ob.refs)
	}
}

// admitBatch joins ref to the open batch of its queue or opens a new one.
// held reports whether a pool slot was already reserved for ref. It reports
// whether ref was taken.
func (d *Dispatcher) admitBatch(workCtx context.Context, reg *Registration, ref domain.Ref, held bool) bool {
	if d.batches.add(ref) {
		if held {
			d.pool.undo(ref.Queue)
		}
		return true
	}

	if !held && !d.pool.TryAcquire(ref.Queue) {
		return false
	}
	d.batches.start(reg, ref, func(refs []domain.Ref) {
		d.processBatch(workCtx, reg, refs)
	})
	return true
}

// processBatch claims the collected refs and hands the claimed jobs to the
// batch handler in one call. Outcomes are applied per job.
func (d *Dispatcher) processBatch(ctx context.Context, reg *Registration, refs []domain.Ref) {
	defer d.pool.Release(reg.Queue)

	jobs := make([]*domain.Job, 0, len(refs))
	for _, ref := range refs {
		if job, ok := d.claim(ctx, ref); ok {
			jobs = append(jobs, job)
		}
	}
	if len(jobs) == 0 {
		return
	}

	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if reg.Options.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		jobCtx, cancelTimeout = context.WithTimeout(jobCtx, reg.Options.Timeout)
		defer cancelTimeout()
	}

	items := make([]domain.BatchItem, len(jobs))
	for i, job := range jobs {
		items[i] = domain.BatchItem{ID: job.ID, Payload: job.Payload}
		d.track(job.ID, cancel)
	}
	defer func() {
		for _, job := range jobs {
			d.untrack(job.ID)
		}
	}()

	hb := d.startHeartbeat(jobCtx, jobs, cancel)

	d.logger.Debug("Processing batch",
		slog.String("queue", reg.Queue),
		slog.Int("size", len(jobs)),
	)

	started := d.clock.Now()
	outcomes := invokeBatch(jobCtx, reg.BatchHandler, items)
	elapsed := d.clock.Now().Sub(started)
	hb.stop()

	storeCtx := context.WithoutCancel(ctx)
	for i, job := range jobs {
		d.metrics.ObserveDuration(job.Queue, outcomes[i].Kind, elapsed)
		if hb.lost(job.ID) {
			d.metrics.JobLeaseLost(job.Queue)
			d.logger.Warn("Lease lost while running batch, outcome discarded",
				slog.String("job_id", job.ID),
				slog.String("queue", job.Queue),
			)
			continue
		}
		_, _ = d.finisher.Apply(storeCtx, job, d.workerID, outcomes[i])
	}
}
