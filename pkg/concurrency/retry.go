package concurrency

import (
	"context"
	"time"
)

// RetryOptions configures WithRetry. Zero values mean 3 attempts with a
// 1s base delay doubling each time.
type RetryOptions struct {
	Attempts  int
	Base      time.Duration
	Max       time.Duration
	Retryable func(error) bool
	// OnRetry is called before each wait.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// Backoff returns the delay before retry number attempt (1-based):
// base, 2*base, 4*base, ... capped at max.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	if attempt > 30 {
		attempt = 30
	}
	d := base * time.Duration(1<<uint(attempt-1))
	if max > 0 && d > max {
		d = max
	}
	return d
}

// WithRetry calls fn until it succeeds, returns a non-retryable error, runs
// out of attempts, or ctx ends. The last error is returned.
func WithRetry(ctx context.Context, opts RetryOptions, fn func(ctx context.Context) error) error {
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = 3
	}
	base := opts.Base
	if base <= 0 {
		base = time.Second
	}
	max := opts.Max
	if max <= 0 {
		max = 30 * time.Second
	}

	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt >= attempts || (opts.Retryable != nil && !opts.Retryable(err)) {
			return err
		}
		delay := Backoff(base, max, attempt)
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < delay {
			return err
		}
		if opts.OnRetry != nil {
			opts.OnRetry(attempt, delay, err)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}
