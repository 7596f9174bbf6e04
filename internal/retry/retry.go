// Package retry computes backoff delays and retry decisions.
package retry

import (
	"math/rand/v2"
	"time"

	"github.com/cuongbtq/jobqueue/internal/domain"
)

// Default policy values
const (
	DefaultBaseDelay = time.Second
	DefaultMaxDelay  = 10 * time.Minute
)

// Policy is an exponential backoff with an optional jitter factor in [0, 1).
// Jitter only shortens a delay, so the schedule never exceeds MaxDelay.
type Policy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Jitter    float64

	// rand returns a value in [0, 1). Nil uses math/rand/v2.
	rand func() float64
}

// New returns a Policy, clamping invalid values to defaults
func New(base, max time.Duration, jitter float64) Policy {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if max < base {
		max = base
	}
	if jitter < 0 || jitter >= 1 {
		jitter = 0
	}
	return Policy{BaseDelay: base, MaxDelay: max, Jitter: jitter}
}

// WithRand returns a copy of p that draws jitter from fn
func (p Policy) WithRand(fn func() float64) Policy {
	p.rand = fn
	return p
}

// Delay returns min(base * 2^(attempt-1), max) reduced by jitter.
// attempt is 1-based; values below 1 are treated as 1.
func (p Policy) Delay(attempt int) time.Duration {
	d := p.ceiling(attempt)
	if p.Jitter > 0 {
		r := rand.Float64
		if p.rand != nil {
			r = p.rand
		}
		d -= time.Duration(float64(d) * p.Jitter * r())
	}
	return d
}

// ceiling computes the un-jittered delay without overflowing
func (p Policy) ceiling(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		if d >= p.MaxDelay/2 {
			return p.MaxDelay
		}
		d *= 2
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Decision is the result of Next
type Decision struct {
	// Terminal means the job must fail instead of being retried
	Terminal bool
	// Delay to wait before the next attempt when not terminal
	Delay time.Duration
}

// Next decides what follows a finished attempt. attempts is the count after
// the attempt has been recorded.
func (p Policy) Next(attempts, maxAttempts int, kind domain.OutcomeKind) Decision {
	switch kind {
	case domain.OutcomeSuccess, domain.OutcomePermanent:
		return Decision{Terminal: true}
	}
	if attempts >= maxAttempts {
		return Decision{Terminal: true}
	}
	return Decision{Delay: p.Delay(attempts)}
}
