package timeout

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"
)

func TestRun_ReturnsWhenOperationFinishes(t *testing.T) {
	g := NewGuard(nil)

	start := time.Now()
	result := Run(context.Background(), g, "run_step", 5*time.Second, func(ctx context.Context) (int, error) {
		time.Sleep(10 * time.Millisecond)
		return 42, nil
	})
	elapsed := time.Since(start)

	require.NoError(t, result.Err)
	assert.False(t, result.TimedOut)
	assert.Equal(t, 42, result.Value)
	assert.Less(t, elapsed, time.Second, "guard must not wait for its bound")
}

func TestRun_TimesOutAtBound(t *testing.T) {
	fc := testclock.NewFakeClock(time.Now())
	g := NewGuard(fc)
	observedCancel := make(chan struct{})

	done := make(chan Result[int], 1)
	go func() {
		done <- Run(context.Background(), g, "run_step", time.Second, func(ctx context.Context) (int, error) {
			<-ctx.Done()
			close(observedCancel)
			return 0, ctx.Err()
		})
	}()

	require.Eventually(t, fc.HasWaiters, time.Second, time.Millisecond)
	fc.Step(time.Second)

	select {
	case result := <-done:
		assert.True(t, result.TimedOut)
		assert.True(t, errors.IsTimeoutError(result.Err))
		_, err := result.Get()
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("guard did not return at its bound")
	}

	select {
	case <-observedCancel:
	case <-time.After(time.Second):
		t.Fatal("operation context was not cancelled on timeout")
	}
}

func TestRun_TimeoutCarriesFallback(t *testing.T) {
	g := NewGuard(nil)
	release := make(chan struct{})
	defer close(release)

	result := Run(context.Background(), g, "health_check", 20*time.Millisecond, func(ctx context.Context) (string, error) {
		<-release
		return "late", nil
	}, "unknown")

	assert.True(t, result.TimedOut)
	assert.True(t, result.HasFallback)
	value, err := result.Get()
	require.NoError(t, err)
	assert.Equal(t, "unknown", value)
}

func TestRun_PropagatesErrorVerbatim(t *testing.T) {
	g := NewGuard(nil)
	opErr := stderrors.New("i2c nack")

	result := Run(context.Background(), g, "run_step", time.Second, func(ctx context.Context) (int, error) {
		return 0, opErr
	}, -1)

	assert.False(t, result.TimedOut)
	assert.Same(t, opErr, result.Err)
	_, err := result.Get()
	assert.Same(t, opErr, err)
}

func TestRun_ParentCancellation(t *testing.T) {
	g := NewGuard(nil)
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	result := Run(ctx, g, "run_step", time.Minute, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
		return 0, ctx.Err()
	})

	assert.False(t, result.TimedOut)
	assert.True(t, errors.IsCancellation(result.Err))
}

func TestRun_RecoversPanics(t *testing.T) {
	g := NewGuard(nil)

	result := Run(context.Background(), g, "run_step", time.Second, func(ctx context.Context) (int, error) {
		panic("index out of range")
	})

	assert.True(t, errors.IsInternalError(result.Err))
	assert.True(t, errors.IsFatal(result.Err))
}

func TestGuard_DoWithoutBound(t *testing.T) {
	g := NewGuard(nil)
	calls := 0

	err := g.Do(context.Background(), "stop", 0, func(ctx context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}
