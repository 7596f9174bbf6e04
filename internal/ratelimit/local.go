package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/cuongbtq/jobqueue/internal/clock"
)

// Local keeps one in-process token bucket per resource. Refill is driven by
// the supplied clock.
type Local struct {
	clock clock.Clock

	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
}

// NewLocal builds a Local limiter with the given per-resource limits
func NewLocal(c clock.Clock, limits map[string]Limit) *Local {
	l := &Local{
		clock:    c,
		limiters: make(map[string]*rate.Limiter, len(limits)),
	}
	for resource, lim := range limits {
		l.Set(resource, lim)
	}
	return l
}

// Set installs or replaces the bucket for resource. A replaced bucket starts full.
func (l *Local) Set(resource string, lim Limit) {
	rl := rate.NewLimiter(rate.Limit(lim.Rate), lim.Burst)

	l.mu.Lock()
	l.limiters[resource] = rl
	l.mu.Unlock()
}

// TryAcquire takes one token from the resource's bucket. Resources without a
// configured limit are admitted.
func (l *Local) TryAcquire(_ context.Context, resource string) bool {
	if resource == "" {
		return true
	}

	l.mu.RLock()
	rl, ok := l.limiters[resource]
	l.mu.RUnlock()
	if !ok {
		return true
	}
	return rl.AllowN(l.clock.Now(), 1)
}
