package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cuongbtq/jobqueue/internal/domain"
)

// Namespace prefixes every exported metric
const Namespace = "jobqueue"

// Prometheus exports engine events as Prometheus collectors
type Prometheus struct {
	enqueued     *prometheus.CounterVec
	succeeded    *prometheus.CounterVec
	failed       *prometheus.CounterVec
	deadLettered *prometheus.CounterVec
	rateLimited  *prometheus.CounterVec
	retried      *prometheus.CounterVec
	recovered    *prometheus.CounterVec
	leaseLost    *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	depth        *prometheus.GaugeVec
}

// NewPrometheus registers the collectors with reg
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	f := promauto.With(reg)

	return &Prometheus{
		enqueued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "jobs_enqueued_total",
			Help:      "Total number of jobs accepted by Enqueue",
		}, []string{"queue", "priority"}),

		succeeded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "jobs_succeeded_total",
			Help:      "Total number of jobs that completed successfully",
		}, []string{"queue"}),

		failed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "jobs_failed_total",
			Help:      "Total number of jobs that reached the Failed state",
		}, []string{"queue"}),

		deadLettered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "jobs_deadlettered_total",
			Help:      "Total number of jobs moved to the dead-letter sink",
		}, []string{"queue"}),

		rateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "jobs_rate_limited_total",
			Help:      "Total number of dispatches deferred by a rate limiter",
		}, []string{"queue", "resource"}),

		retried: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "jobs_retried_total",
			Help:      "Total number of attempts rescheduled after a retryable failure",
		}, []string{"queue"}),

		recovered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "jobs_lease_recovered_total",
			Help:      "Total number of expired leases recovered by the sweeper",
		}, []string{"queue"}),

		leaseLost: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "jobs_lease_lost_total",
			Help:      "Total number of outcomes discarded because the worker lost its lease",
		}, []string{"queue"}),

		// 10ms to ~163s
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "job_duration_seconds",
			Help:      "Handler execution time in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 15),
		}, []string{"queue", "outcome"}),

		depth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "queue_depth",
			Help:      "Current number of Pending jobs",
		}, []string{"queue", "priority"}),
	}
}

func (p *Prometheus) JobEnqueued(queue string, prio domain.Priority) {
	p.enqueued.WithLabelValues(queue, prio.String()).Inc()
}

func (p *Prometheus) JobSucceeded(queue string) { p.succeeded.WithLabelValues(queue).Inc() }

func (p *Prometheus) JobFailed(queue string) { p.failed.WithLabelValues(queue).Inc() }

func (p *Prometheus) JobDeadLettered(queue string) { p.deadLettered.WithLabelValues(queue).Inc() }

func (p *Prometheus) JobRateLimited(queue, resource string) {
	p.rateLimited.WithLabelValues(queue, resource).Inc()
}

func (p *Prometheus) JobRetried(queue string) { p.retried.WithLabelValues(queue).Inc() }

func (p *Prometheus) JobRecovered(queue string) { p.recovered.WithLabelValues(queue).Inc() }

func (p *Prometheus) JobLeaseLost(queue string) { p.leaseLost.WithLabelValues(queue).Inc() }

func (p *Prometheus) ObserveDuration(queue string, outcome domain.OutcomeKind, d time.Duration) {
	p.duration.WithLabelValues(queue, outcome.String()).Observe(d.Seconds())
}

func (p *Prometheus) SetQueueDepth(queue string, prio domain.Priority, depth int) {
	p.depth.WithLabelValues(queue, prio.String()).Set(float64(depth))
}
