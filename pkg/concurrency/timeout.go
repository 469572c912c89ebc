package concurrency

import (
	"context"
	"errors"
	"time"
)

// WithTimeout runs fn under a deadline of d. When the deadline wins,
// *TimeoutError is returned without waiting for fn; fn sees its context
// cancelled.
func WithTimeout[T any](ctx context.Context, d time.Duration, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if d <= 0 {
		return fn(ctx)
	}
	tctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(tctx)
		done <- result{val: v, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return zero, &TimeoutError{Op: op, After: d}
		}
		return r.val, r.err
	case <-tctx.Done():
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, &TimeoutError{Op: op, After: d}
	}
}
