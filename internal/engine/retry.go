package engine

import (
	"slices"
	"time"

	"github.com/edvin/autoflow/internal/apperr"
)

// RetryPolicy decides whether a failed node attempt is tried again.
type RetryPolicy struct {
	MaxAttempts    int
	RetryableKinds []apperr.Kind
	// Backoff returns the wait before the attempt following attempt n.
	Backoff func(n int) time.Duration
}

// DefaultRetryPolicy retries transient integration failures up to three
// attempts in total with exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		RetryableKinds: []apperr.Kind{apperr.KindTransientIntegration},
		Backoff:        ExponentialBackoff(time.Second, 10*time.Second),
	}
}

// ExponentialBackoff doubles base per attempt up to ceiling.
func ExponentialBackoff(base, ceiling time.Duration) func(int) time.Duration {
	return func(n int) time.Duration {
		d := base
		for i := 1; i < n && d < ceiling; i++ {
			d *= 2
		}
		return min(d, ceiling)
	}
}

// Retryable reports whether err may succeed on another attempt.
func (p RetryPolicy) Retryable(err error) bool {
	return slices.Contains(p.RetryableKinds, apperr.KindOf(err))
}

func (p RetryPolicy) wait(n int) time.Duration {
	if p.Backoff == nil {
		return 0
	}
	return p.Backoff(n)
}
