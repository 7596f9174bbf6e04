package metrics

import (
	"sync"
	"time"

	"github.com/cuongbtq/jobqueue/internal/domain"
)

// Event names used by Recorder
const (
	Enqueued     = "enqueued"
	Succeeded    = "succeeded"
	Failed       = "failed"
	DeadLettered = "deadlettered"
	RateLimited  = "rate_limited"
	Retried      = "retried"
	Recovered    = "lease_recovered"
	LeaseLost    = "lease_lost"
)

// Recorder keeps event counts in memory. It is meant for tests.
type Recorder struct {
	mu        sync.Mutex
	counts    map[string]map[string]int
	durations map[string][]time.Duration
	depth     map[string]map[domain.Priority]int
}

// NewRecorder returns an empty Recorder
func NewRecorder() *Recorder {
	return &Recorder{
		counts:    make(map[string]map[string]int),
		durations: make(map[string][]time.Duration),
		depth:     make(map[string]map[domain.Priority]int),
	}
}

func (r *Recorder) inc(event, queue string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts[event] == nil {
		r.counts[event] = make(map[string]int)
	}
	r.counts[event][queue]++
}

// Count returns how many times event was recorded for queue
func (r *Recorder) Count(event, queue string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[event][queue]
}

// Durations returns the observed handler durations for queue
func (r *Recorder) Durations(queue string) []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.durations[queue]...)
}

// Depth returns the last depth reported for queue and priority
func (r *Recorder) Depth(queue string, p domain.Priority) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.depth[queue][p]
}

func (r *Recorder) JobEnqueued(queue string, _ domain.Priority) { r.inc(Enqueued, queue) }
func (r *Recorder) JobSucceeded(queue string)                   { r.inc(Succeeded, queue) }
func (r *Recorder) JobFailed(queue string)                      { r.inc(Failed, queue) }
func (r *Recorder) JobDeadLettered(queue string)                { r.inc(DeadLettered, queue) }
func (r *Recorder) JobRateLimited(queue, _ string)              { r.inc(RateLimited, queue) }
func (r *Recorder) JobRetried(queue string)                     { r.inc(Retried, queue) }
func (r *Recorder) JobRecovered(queue string)                   { r.inc(Recovered, queue) }
func (r *Recorder) JobLeaseLost(queue string)                   { r.inc(LeaseLost, queue) }

func (r *Recorder) ObserveDuration(queue string, _ domain.OutcomeKind, d time.Duration) {
	r.mu.Lock()
	r.durations[queue] = append(r.durations[queue], d)
	r.mu.Unlock()
}

func (r *Recorder) SetQueueDepth(queue string, p domain.Priority, depth int) {
	r.mu.Lock()
	if r.depth[queue] == nil {
		r.depth[queue] = make(map[domain.Priority]int)
	}
	r.depth[queue][p] = depth
	r.mu.Unlock()
}
