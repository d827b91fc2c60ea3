package retry

import (
	"fmt"
	"math"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
)

// Policy describes how a fallible lifecycle operation is retried.
// It is attached to an invocation, never stored as unit state.
type Policy struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	InitialDelay      time.Duration `yaml:"initial_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	MaxDelay          time.Duration `yaml:"max_delay"` // 0 means uncapped

	// RetryableErrors narrows retries to these kinds. Empty means every non-fatal error is retried.
	RetryableErrors []errors.ErrorType `yaml:"retryable_errors,omitempty"`
}

// DefaultInitializePolicy is applied to initialize and start when a unit brings no policy of its own
func DefaultInitializePolicy() Policy {
	return Policy{
		MaxAttempts:       3,
		InitialDelay:      time.Second,
		BackoffMultiplier: 2,
		MaxDelay:          60 * time.Second,
	}
}

// DefaultStepPolicy is the lighter policy wrapped around each run-step
func DefaultStepPolicy() Policy {
	return Policy{
		MaxAttempts:       2,
		InitialDelay:      100 * time.Millisecond,
		BackoffMultiplier: 2,
		MaxDelay:          time.Second,
	}
}

// Validate checks the policy bounds
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return errors.NewValidationError(fmt.Sprintf("max_attempts must be at least 1, got %d", p.MaxAttempts), nil)
	}
	if p.InitialDelay < 0 {
		return errors.NewValidationError("initial_delay cannot be negative", nil)
	}
	if p.BackoffMultiplier < 1.0 {
		return errors.NewValidationError(fmt.Sprintf("backoff_multiplier must be at least 1.0, got %v", p.BackoffMultiplier), nil)
	}
	if p.MaxDelay < 0 {
		return errors.NewValidationError("max_delay cannot be negative", nil)
	}
	return nil
}

// Delay returns the wait after failed attempt k (0-based): min(initial * multiplier^k, max).
// An uncapped schedule saturates at the largest representable duration.
func (p Policy) Delay(k int) time.Duration {
	limit := time.Duration(math.MaxInt64)
	if p.MaxDelay > 0 {
		limit = p.MaxDelay
	}

	delay := float64(p.InitialDelay)
	if delay >= float64(limit) {
		return limit
	}
	for i := 0; i < k; i++ {
		delay *= p.BackoffMultiplier
		if delay >= float64(limit) {
			return limit
		}
	}
	return time.Duration(delay)
}

// Delays returns the full sleep schedule: one entry between each pair of attempts
func (p Policy) Delays() []time.Duration {
	if p.MaxAttempts <= 1 {
		return nil
	}
	delays := make([]time.Duration, p.MaxAttempts-1)
	for k := range delays {
		delays[k] = p.Delay(k)
	}
	return delays
}

// ShouldRetry classifies err against the policy
func (p Policy) ShouldRetry(err error) bool {
	if !errors.IsRetryable(err) {
		return false
	}
	if len(p.RetryableErrors) == 0 {
		return true
	}
	kind := errors.KindOf(err)
	for _, retryable := range p.RetryableErrors {
		if retryable == kind {
			return true
		}
	}
	return false
}

// WithDefaults fills zero fields from base
func (p Policy) WithDefaults(base Policy) Policy {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = base.MaxAttempts
	}
	if p.InitialDelay == 0 {
		p.InitialDelay = base.InitialDelay
	}
	if p.BackoffMultiplier == 0 {
		p.BackoffMultiplier = base.BackoffMultiplier
	}
	if p.MaxDelay == 0 {
		p.MaxDelay = base.MaxDelay
	}
	if p.RetryableErrors == nil {
		p.RetryableErrors = base.RetryableErrors
	}
	return p
}
