package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sandbox-sessions/internal/sandbox"
)

// Guard runs fn under a deadline and returns as soon as either fn finishes
// or the deadline passes. On expiry it returns an error wrapping
// sandbox.ErrTimeout while fn may still be unwinding; fn sees its context
// cancelled and must discard its own results.
func Guard[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) {
			return r.val, fmt.Errorf("%w after %s", sandbox.ErrTimeout, timeout)
		}
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, fmt.Errorf("%w after %s", sandbox.ErrTimeout, timeout)
		}
		return zero, ctx.Err()
	}
}
