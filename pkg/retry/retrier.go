package retry

import (
	"context"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"

	"k8s.io/utils/clock"
)

// Attempt describes one failed try, reported to observers before the backoff sleep
type Attempt struct {
	Name     string
	Number   int // 1-based
	Err      error
	WillWait bool
	Delay    time.Duration
}

// Observer is notified about every failed attempt
type Observer func(attempt Attempt)

// Retrier runs operations under a Policy
type Retrier struct {
	clock    clock.Clock
	logger   logging.Logger
	observer Observer
}

type Option func(*Retrier)

// WithClock injects the clock used for backoff sleeps
func WithClock(c clock.Clock) Option {
	return func(r *Retrier) {
		r.clock = c
	}
}

// WithObserver registers a hook for failed attempts
func WithObserver(observer Observer) Option {
	return func(r *Retrier) {
		r.observer = observer
	}
}

func New(logger logging.Logger, opts ...Option) *Retrier {
	r := &Retrier{
		clock:  clock.RealClock{},
		logger: logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Do runs a suspendable operation. Backoff sleeps observe ctx, so cancellation
// interrupts the wait and surfaces as a cancelled error.
func (r *Retrier) Do(ctx context.Context, name string, policy Policy, op func(ctx context.Context) error) error {
	return r.run(name, policy, func() error {
		if err := ctx.Err(); err != nil {
			return errors.NewCancelledError(name+" cancelled", err)
		}
		return op(ctx)
	}, func(attempt int) error {
		timer := r.clock.NewTimer(policy.Delay(attempt))
		defer timer.Stop()
		select {
		case <-timer.C():
			return nil
		case <-ctx.Done():
			return errors.NewCancelledError(name+" cancelled during backoff", ctx.Err())
		}
	})
}

// DoBlocking runs a plain blocking operation with plain waits between attempts
func (r *Retrier) DoBlocking(name string, policy Policy, op func() error) error {
	return r.run(name, policy, op, func(attempt int) error {
		r.clock.Sleep(policy.Delay(attempt))
		return nil
	})
}

func (r *Retrier) run(name string, policy Policy, op func() error, wait func(attempt int) error) error {
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			if attempt > 0 {
				r.logger.Infof("Operation succeeded after retry, operation: %s, attempt: %d/%d", name, attempt+1, maxAttempts)
			}
			return nil
		}

		if !policy.ShouldRetry(lastErr) {
			r.logger.Debugf("Operation failed with non-retryable error, operation: %s, attempt: %d/%d, error: %v",
				name, attempt+1, maxAttempts, lastErr)
			r.notify(Attempt{Name: name, Number: attempt + 1, Err: lastErr})
			return lastErr
		}

		if attempt == maxAttempts-1 {
			break
		}

		delay := policy.Delay(attempt)
		r.logger.Warnf("Attempt %d/%d failed, operation: %s, retrying in %v, error: %v",
			attempt+1, maxAttempts, name, delay, lastErr)
		r.notify(Attempt{Name: name, Number: attempt + 1, Err: lastErr, WillWait: true, Delay: delay})

		if err := wait(attempt); err != nil {
			return err
		}
	}

	r.logger.Errorf("All %d attempts failed, operation: %s, last error: %v", maxAttempts, name, lastErr)
	r.notify(Attempt{Name: name, Number: maxAttempts, Err: lastErr})
	return lastErr
}

func (r *Retrier) notify(attempt Attempt) {
	if r.observer != nil {
		r.observer(attempt)
	}
}
