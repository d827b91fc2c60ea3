package dispatch

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
	"github.com/core-tools/hsu-supervisor/pkg/scheduler"
	"github.com/core-tools/hsu-supervisor/pkg/unit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type callLog struct {
	calls []string
}

func newMixed(log *callLog, stepRelease chan struct{}) *unit.Funcs {
	return &unit.Funcs{
		Initialize: func(ctx context.Context) error {
			log.calls = append(log.calls, "initialize:suspendable")
			return nil
		},
		StartSync: func() error {
			log.calls = append(log.calls, "start:blocking")
			return nil
		},
		RunStepSync: func() error {
			<-stepRelease
			return nil
		},
		Stop: func(ctx context.Context) error {
			log.calls = append(log.calls, "stop:suspendable")
			return nil
		},
		HealthCheckSync: func() (unit.Health, error) {
			return unit.Health{Healthy: false, Message: "valve stuck"}, nil
		},
	}
}

func newDispatcher(t *testing.T, u interface{}) *Dispatcher {
	caps, err := unit.Probe(u)
	require.NoError(t, err)
	sched := scheduler.New(context.Background(), scheduler.Options{WorkerPoolSize: 2}, logging.Nop())
	t.Cleanup(sched.Cancel)
	return New(caps, sched)
}

func TestDispatcher_PerMethodRouting(t *testing.T) {
	log := &callLog{}
	release := make(chan struct{})
	close(release)
	d := newDispatcher(t, newMixed(log, release))

	assert.Equal(t, unit.ModeSuspendable, d.Mode())
	assert.Equal(t, unit.FormBlocking, d.Form(unit.MethodStart))

	ctx := context.Background()
	require.NoError(t, d.Invoke(ctx, unit.MethodInitialize))
	require.NoError(t, d.Invoke(ctx, unit.MethodStart))
	require.NoError(t, d.Invoke(ctx, unit.MethodRunStep))
	require.NoError(t, d.Invoke(ctx, unit.MethodStop))

	assert.Equal(t, []string{"initialize:suspendable", "start:blocking", "stop:suspendable"}, log.calls)

	health, err := d.CheckHealth(ctx)
	require.NoError(t, err)
	assert.False(t, health.Healthy)
	assert.Equal(t, "valve stuck", health.Message)
}

func TestDispatcher_BlockingCallBridgesCancellation(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	d := newDispatcher(t, newMixed(&callLog{}, release))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := d.Invoke(ctx, unit.MethodRunStep)
	assert.True(t, errors.IsCancellation(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestDispatcher_UnresolvedMethod(t *testing.T) {
	d := New(unit.Capabilities{}, nil)

	err := d.Invoke(context.Background(), unit.MethodRunStep)
	assert.True(t, errors.IsContractViolationError(err))
}

// overlapMeter records the highest number of unit methods executing at once
type overlapMeter struct {
	current atomic.Int32
	max     atomic.Int32
}

func (m *overlapMeter) enter() {
	n := m.current.Add(1)
	for {
		seen := m.max.Load()
		if n <= seen || m.max.CompareAndSwap(seen, n) {
			return
		}
	}
}

func (m *overlapMeter) leave() {
	m.current.Add(-1)
}

func TestDispatcher_AbandonedCallsNeverOverlap(t *testing.T) {
	tests := []struct {
		name string
		unit func(meter *overlapMeter, stopDuringStep *atomic.Bool) *unit.Funcs
	}{
		{
			name: "blocking",
			unit: func(meter *overlapMeter, stopDuringStep *atomic.Bool) *unit.Funcs {
				return &unit.Funcs{
					InitializeSync: func() error { return nil },
					StartSync:      func() error { return nil },
					RunStepSync: func() error {
						meter.enter()
						defer meter.leave()
						time.Sleep(60 * time.Millisecond)
						return nil
					},
					StopSync: func() error {
						if meter.current.Load() > 0 {
							stopDuringStep.Store(true)
						}
						return nil
					},
					HealthCheckSync: func() (unit.Health, error) { return unit.Health{Healthy: true}, nil },
				}
			},
		},
		{
			name: "suspendable ignoring cancellation",
			unit: func(meter *overlapMeter, stopDuringStep *atomic.Bool) *unit.Funcs {
				return &unit.Funcs{
					Initialize: func(ctx context.Context) error { return nil },
					Start:      func(ctx context.Context) error { return nil },
					RunStep: func(ctx context.Context) error {
						meter.enter()
						defer meter.leave()
						time.Sleep(60 * time.Millisecond)
						return nil
					},
					Stop: func(ctx context.Context) error {
						if meter.current.Load() > 0 {
							stopDuringStep.Store(true)
						}
						return nil
					},
					HealthCheck: func(ctx context.Context) (unit.Health, error) { return unit.Health{Healthy: true}, nil },
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meter := &overlapMeter{}
			var stopDuringStep atomic.Bool
			d := newDispatcher(t, tt.unit(meter, &stopDuringStep))

			for i := 0; i < 6; i++ {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
				done := make(chan struct{})
				go func() {
					defer close(done)
					_ = d.Invoke(ctx, unit.MethodRunStep)
				}()
				<-ctx.Done()
				cancel()
				<-done
			}

			require.NoError(t, d.Invoke(context.Background(), unit.MethodStop))
			assert.Equal(t, int32(1), meter.max.Load(), "run-steps overlapped")
			assert.False(t, stopDuringStep.Load(), "stop ran while a run-step was executing")
			assert.False(t, d.Busy())
		})
	}
}

func TestDispatcher_WaitingForGateHonorsContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	d := newDispatcher(t, newMixed(&callLog{}, release))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.True(t, errors.IsCancellation(d.Invoke(ctx, unit.MethodRunStep)))
	assert.True(t, d.Busy())

	ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel2()
	_, err := d.CheckHealth(ctx2)
	assert.True(t, errors.IsCancellation(err))
}
