package circuitbreaker

import (
	"context"
	"errors"
)

// Result is the outcome of Call. Err carries the underlying failure when the
// fallback was used; callers that only need a value can ignore it.
type Result[T any] struct {
	Value    T
	Fallback bool
	Err      error
}

// Call runs op through the breaker and substitutes fallback(err) on any
// failure, timeout or bypass. A call canceled by the caller gets no fallback:
// the Result carries only Err wrapping ErrCanceled.
func Call[T any](ctx context.Context, cb *CircuitBreaker, op func(context.Context) (T, error), fallback func(error) T) Result[T] {
	var value T
	err := cb.Execute(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	if errors.Is(err, ErrCanceled) {
		return Result[T]{Err: err}
	}
	if err != nil {
		return Result[T]{Value: fallback(err), Fallback: true, Err: err}
	}
	return Result[T]{Value: value}
}
