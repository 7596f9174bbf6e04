// Package ratelimit gates job dispatch against downstream resources using
// token buckets. Acquisition never blocks: a denied job stays pending and is
// offered again later.
package ratelimit

import "context"

// Limiter admits or denies one unit of work against a resource
type Limiter interface {
	TryAcquire(ctx context.Context, resource string) bool
}

// Limit is a token bucket refilled at Rate tokens per second holding at most Burst tokens
type Limit struct {
	Rate  float64
	Burst int
}

// Unlimited admits everything
type Unlimited struct{}

func (Unlimited) TryAcquire(context.Context, string) bool { return true }

type all []Limiter

// All admits only when every limiter admits. Limiters are consulted in order
// and evaluation stops at the first denial, so a resource should be configured
// in exactly one of them.
func All(limiters ...Limiter) Limiter {
	return all(limiters)
}

func (a all) TryAcquire(ctx context.Context, resource string) bool {
	for _, l := range a {
		if !l.TryAcquire(ctx, resource) {
			return false
		}
	}
	return true
}
