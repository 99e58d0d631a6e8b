package task

import (
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy bounds how often a failing task is retried and how long it waits
// between attempts. MaxRetries of zero retries forever.
type RetryPolicy struct {
	MaxRetries int
	Initial    time.Duration
	Max        time.Duration
}

// DefaultRetryPolicy retries ten times with 1s to 1m full-jitter backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 10, Initial: time.Second, Max: time.Minute}
}

// Delay returns a random duration in [0, min(Initial * 2^(attempt-1), Max)].
func (r RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(r.Initial) * math.Pow(2, float64(attempt-1))
	if r.Max > 0 && base > float64(r.Max) {
		base = float64(r.Max)
	}
	return time.Duration(rand.Float64() * base) //nolint:gosec // jitter does not need crypto rand
}

// Exhausted reports whether a task that has failed retries times should be
// dead-lettered.
func (r RetryPolicy) Exhausted(retries int) bool {
	return r.MaxRetries > 0 && retries > r.MaxRetries
}
