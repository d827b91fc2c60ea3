package timeout

import (
	"context"
	"fmt"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/errors"

	"k8s.io/utils/clock"
)

// Result is the single outcome of a guarded operation.
// TimedOut is reported separately from Err so callers can tell "ran and failed"
// from "did not finish in time".
type Result[T any] struct {
	Value       T
	Err         error
	TimedOut    bool
	HasFallback bool
}

// Get returns the value, substituting the fallback for a timeout when one was supplied
func (r Result[T]) Get() (T, error) {
	if r.TimedOut && r.HasFallback {
		return r.Value, nil
	}
	return r.Value, r.Err
}

// Guard bounds operation execution time
type Guard struct {
	clock clock.Clock
}

func NewGuard(c clock.Clock) *Guard {
	if c == nil {
		c = clock.RealClock{}
	}
	return &Guard{clock: c}
}

// Do runs op under the bound and returns its error, or a timeout error
func (g *Guard) Do(ctx context.Context, name string, bound time.Duration, op func(ctx context.Context) error) error {
	result := Run(ctx, g, name, bound, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return result.Err
}

// Run executes op and returns as soon as it completes or the bound elapses, whichever is first.
// On timeout op's context is cancelled; its eventual result is discarded.
// A non-positive bound disables the guard. An optional fallback value is carried on timeout.
func Run[T any](ctx context.Context, g *Guard, name string, bound time.Duration, op func(ctx context.Context) (T, error), fallback ...T) Result[T] {
	if bound <= 0 {
		value, err := op(ctx)
		return Result[T]{Value: value, Err: err}
	}

	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		value T
		err   error
	}
	done := make(chan outcome, 1) // buffered so an abandoned op never blocks on send

	go func() {
		var o outcome
		defer func() {
			if r := recover(); r != nil {
				o.err = errors.NewInternalError(fmt.Sprintf("%s panicked: %v", name, r), nil)
			}
			done <- o
		}()
		o.value, o.err = op(opCtx)
	}()

	timer := g.clock.NewTimer(bound)
	defer timer.Stop()

	select {
	case o := <-done:
		return Result[T]{Value: o.value, Err: o.err}
	case <-timer.C():
		result := Result[T]{
			TimedOut: true,
			Err:      errors.NewTimeoutError(fmt.Sprintf("%s did not finish within %v", name, bound), nil),
		}
		if len(fallback) > 0 {
			result.Value = fallback[0]
			result.HasFallback = true
		}
		return result
	case <-ctx.Done():
		return Result[T]{Err: errors.NewCancelledError(name+" cancelled", ctx.Err())}
	}
}
