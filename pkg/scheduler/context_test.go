package scheduler

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOffload_ReturnsResult(t *testing.T) {
	s := New(context.Background(), Options{WorkerPoolSize: 2}, logging.Nop())
	defer s.Cancel()

	opErr := stderrors.New("bus error")
	err := s.Offload(context.Background(), "run_step", func() error { return opErr })
	assert.Same(t, opErr, err)

	err = s.Offload(context.Background(), "run_step", func() error { return nil })
	assert.NoError(t, err)
}

func TestOffload_BoundsConcurrency(t *testing.T) {
	s := New(context.Background(), Options{WorkerPoolSize: 2}, logging.Nop())
	defer s.Cancel()

	var current, peak atomic.Int64
	release := make(chan struct{})
	results := make(chan error, 5)

	for i := 0; i < 5; i++ {
		go func() {
			results <- s.Offload(context.Background(), "run_step", func() error {
				n := current.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				<-release
				current.Add(-1)
				return nil
			})
		}()
	}

	require.Eventually(t, func() bool { return s.Stats().BlockingCalls == 2 }, time.Second, time.Millisecond)
	close(release)
	for i := 0; i < 5; i++ {
		require.NoError(t, <-results)
	}
	assert.Equal(t, int64(2), peak.Load())
}

func TestOffload_CancellationDiscardsResult(t *testing.T) {
	s := New(context.Background(), Options{WorkerPoolSize: 1}, logging.Nop())
	defer s.Cancel()

	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	finished := make(chan struct{})

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := s.Offload(ctx, "initialize", func() error {
		<-release
		close(finished)
		return nil
	})
	assert.True(t, errors.IsCancelledError(err))

	// The worker is still held by the abandoned call
	assert.Equal(t, int64(1), s.Stats().BlockingCalls)
	close(release)
	<-finished
	require.Eventually(t, func() bool { return s.Stats().BlockingCalls == 0 }, time.Second, time.Millisecond)

	require.NoError(t, s.Offload(context.Background(), "initialize", func() error { return nil }))
}

func TestOffload_RecoversPanics(t *testing.T) {
	s := New(context.Background(), Options{WorkerPoolSize: 1}, logging.Nop())
	defer s.Cancel()

	err := s.Offload(context.Background(), "run_step", func() error { panic("boom") })
	assert.True(t, errors.IsInternalError(err))

	// The worker slot was released
	require.NoError(t, s.Offload(context.Background(), "run_step", func() error { return nil }))
}

func TestContext_CancelReachesTasks(t *testing.T) {
	s := New(context.Background(), Options{}, logging.Nop())

	var observed atomic.Int64
	for i := 0; i < 10; i++ {
		s.Go("unit", func(ctx context.Context) {
			<-ctx.Done()
			observed.Add(1)
		})
	}
	assert.Equal(t, int64(10), s.Stats().Tasks)

	s.Cancel()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
	assert.Equal(t, int64(10), observed.Load())
	assert.Equal(t, int64(0), s.Stats().Tasks)
}

func TestContext_WaitTimesOut(t *testing.T) {
	s := New(context.Background(), Options{}, logging.Nop())
	release := make(chan struct{})
	defer close(release)

	s.Go("stuck", func(ctx context.Context) { <-release })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Wait(ctx)
	assert.True(t, errors.IsTimeoutError(err))
}

func TestContext_ParentCancellation(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	s := New(parent, Options{}, logging.Nop())

	cancel()
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("parent cancellation did not propagate")
	}
}
