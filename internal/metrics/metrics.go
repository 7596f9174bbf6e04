// Package metrics defines the engine's metric sink and its implementations.
package metrics

import (
	"time"

	"github.com/cuongbtq/jobqueue/internal/domain"
)

// Sink receives engine events. Implementations must be safe for concurrent use
// and must not block.
type Sink interface {
	JobEnqueued(queue string, p domain.Priority)
	JobSucceeded(queue string)
	JobFailed(queue string)
	JobDeadLettered(queue string)
	JobRateLimited(queue, resource string)
	JobRetried(queue string)
	JobRecovered(queue string)
	JobLeaseLost(queue string)
	ObserveDuration(queue string, outcome domain.OutcomeKind, d time.Duration)
	SetQueueDepth(queue string, p domain.Priority, depth int)
}

// Nop discards every event
type Nop struct{}

func (Nop) JobEnqueued(string, domain.Priority)                       {}
func (Nop) JobSucceeded(string)                                       {}
func (Nop) JobFailed(string)                                          {}
func (Nop) JobDeadLettered(string)                                    {}
func (Nop) JobRateLimited(string, string)                             {}
func (Nop) JobRetried(string)                                         {}
func (Nop) JobRecovered(string)                                       {}
func (Nop) JobLeaseLost(string)                                       {}
func (Nop) ObserveDuration(string, domain.OutcomeKind, time.Duration) {}
func (Nop) SetQueueDepth(string, domain.Priority, int)                {}
