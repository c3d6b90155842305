package unifiedllm

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryPolicy controls how often a failed request is reopened. Only the
// opening of a request is retried; a stream that fails after its first
// event is reported as is.
type RetryPolicy struct {
	MaxRetries int // attempts after the first
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     bool // scale each delay by a random factor in [0.5, 1.5)

	// OnRetry, when set, is called before each wait.
	OnRetry func(err error, attempt int, delay time.Duration)
}

// DefaultRetryPolicy retries twice, starting at one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 2,
		BaseDelay:  time.Second,
		MaxDelay:   time.Minute,
		Multiplier: 2,
		Jitter:     true,
	}
}

// Backoff returns the wait before retry number attempt, counting from 0.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := float64(p.BaseDelay)
	for range attempt {
		d *= max(p.Multiplier, 1)
		if p.MaxDelay > 0 && d >= float64(p.MaxDelay) {
			break
		}
	}
	if p.MaxDelay > 0 {
		d = min(d, float64(p.MaxDelay))
	}
	if p.Jitter {
		d *= 0.5 + rand.Float64()
	}
	return time.Duration(d)
}

// Retry calls fn until it succeeds, returns an error IsRetryable rejects,
// or the policy runs out. A server-requested wait replaces the backoff; if
// it exceeds MaxDelay the error is returned at once.
func Retry[T any](ctx context.Context, p RetryPolicy, fn func(context.Context) (T, error)) (T, error) {
	for attempt := 0; ; attempt++ {
		v, err := fn(ctx)
		if err == nil || attempt >= p.MaxRetries || !IsRetryable(err) {
			return v, err
		}

		delay := p.Backoff(attempt)
		if ra := retryAfter(err); ra > 0 {
			if p.MaxDelay > 0 && ra > p.MaxDelay {
				return v, err
			}
			delay = ra
		}
		if p.OnRetry != nil {
			p.OnRetry(err, attempt+1, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			var zero T
			return zero, &AbortError{SDKError{Message: "cancelled while waiting to retry", Cause: ctx.Err()}}
		case <-timer.C:
		}
	}
}
