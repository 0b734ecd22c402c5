// Package ratelimit provides fixed-window limiters keyed by an arbitrary
// string (a user id for chat messages, a client IP for REST).
package ratelimit

import (
	"context"
	"errors"
	"time"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration // zero when allowed
}

// Limiter admits or rejects one event for key.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// ErrInvalidLimit is returned by constructors given a non-positive budget.
var ErrInvalidLimit = errors.New("rate limit and window must be positive")

func decide(limit, count int, resetIn time.Duration) Decision {
	d := Decision{Allowed: count <= limit, Limit: limit, Remaining: limit - count}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if !d.Allowed {
		d.RetryAfter = resetIn
	}
	return d
}
