// Package throttle counts events per key over a time window. Callers treat
// any error as a denial.
package throttle

import (
	"context"
	"errors"
	"time"
)

// ErrCapacity is returned when an in-process store cannot track another key.
var ErrCapacity = errors.New("throttle capacity exceeded")

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is the wait until the next event may be allowed.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if d.Allowed || d.ResetAt.Before(now) {
		return 0
	}
	return d.ResetAt.Sub(now)
}

// Store admits up to limit events per key in each window. A limit of zero
// or less disables the check.
type Store interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error)
}
