package supervisor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/logging"
	"github.com/core-tools/hsu-supervisor/pkg/monitoring"
	"github.com/core-tools/hsu-supervisor/pkg/scheduler"
	"github.com/core-tools/hsu-supervisor/pkg/unit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"
)

func newClockedSupervisor(t *testing.T, fc *testclock.FakeClock, options Options) *Supervisor {
	t.Helper()
	sched := scheduler.New(context.Background(), scheduler.Options{WorkerPoolSize: 2}, logging.Nop())
	s := New(sched, options, logging.Nop(), WithClock(fc))
	t.Cleanup(func() {
		if s.State() == StateRunning {
			_, _ = s.Shutdown(2 * time.Second)
		}
	})
	return s
}

// gatedSteps hands out each step's start time and holds the first step until released
type gatedSteps struct {
	started  chan time.Time
	release  chan struct{}
	released atomic.Bool
}

func newGatedSteps(t *testing.T) *gatedSteps {
	g := &gatedSteps{started: make(chan time.Time, 16), release: make(chan struct{})}
	t.Cleanup(g.open)
	return g
}

func (g *gatedSteps) open() {
	if g.released.CompareAndSwap(false, true) {
		close(g.release)
	}
}

func (g *gatedSteps) behavior(fc *testclock.FakeClock) behavior {
	return behavior{step: func(ctx context.Context, call int32) error {
		g.started <- fc.Now()
		if call == 1 {
			<-g.release
		}
		return nil
	}}
}

func (g *gatedSteps) next(t *testing.T) time.Time {
	t.Helper()
	select {
	case at := <-g.started:
		return at
	case <-time.After(2 * time.Second):
		require.FailNow(t, "run-step was not invoked")
		return time.Time{}
	}
}

func TestSupervisor_StepDurationIsSubtractedFromPeriod(t *testing.T) {
	fc := clockForTest()
	s := newClockedSupervisor(t, fc, Options{})
	steps := newGatedSteps(t)
	u := &testUnit{b: steps.behavior(fc)}

	_, err := s.Register(u.suspendable(), UnitOptions{
		SamplePeriod:   time.Second,
		StepTimeout:    5 * time.Second,
		HealthInterval: time.Hour,
	})
	require.NoError(t, err)

	first := steps.next(t)
	fc.Step(300 * time.Millisecond)
	steps.open()

	fc.Step(699 * time.Millisecond)
	select {
	case at := <-steps.started:
		require.FailNow(t, "next run-step started early", "at %v", at.Sub(first))
	case <-time.After(50 * time.Millisecond):
	}

	fc.Step(time.Millisecond)
	assert.Equal(t, first.Add(time.Second), steps.next(t))
}

func TestSupervisor_OverrunStartsNextStepImmediately(t *testing.T) {
	fc := clockForTest()
	s := newClockedSupervisor(t, fc, Options{})
	steps := newGatedSteps(t)
	u := &testUnit{b: steps.behavior(fc)}

	_, err := s.Register(u.suspendable(), UnitOptions{
		SamplePeriod:   time.Second,
		StepTimeout:    5 * time.Second,
		HealthInterval: time.Hour,
	})
	require.NoError(t, err)

	first := steps.next(t)
	fc.Step(1500 * time.Millisecond)
	steps.open()

	assert.Equal(t, first.Add(1500*time.Millisecond), steps.next(t), "no sleep after an overrun")
}

func TestSupervisor_MissedHealthCheckDegradesDuringLongStep(t *testing.T) {
	fc := clockForTest()
	s := newClockedSupervisor(t, fc, Options{HealthGracePeriod: 500 * time.Millisecond})
	steps := newGatedSteps(t)
	u := &testUnit{b: steps.behavior(fc)}

	id, err := s.Register(u.suspendable(), UnitOptions{
		SamplePeriod:   time.Second,
		StepTimeout:    time.Minute,
		HealthInterval: 2 * time.Second,
	})
	require.NoError(t, err)
	steps.next(t)

	fc.Step(2499 * time.Millisecond)
	h, err := s.GetHealth(id)
	require.NoError(t, err)
	assert.Equal(t, monitoring.HealthStatusUnknown, h.Status, "still within interval plus grace")
	state, err := s.GetState(id)
	require.NoError(t, err)
	assert.Equal(t, unit.StateRunning, state)

	fc.Step(time.Millisecond)
	waitForState(t, s, id, unit.StateDegraded)
	h, err = s.GetHealth(id)
	require.NoError(t, err)
	assert.Equal(t, monitoring.HealthStatusUnhealthy, h.Status)
	assert.Equal(t, "health check overdue", h.Message)
	assert.Zero(t, u.healthCalls.Load())

	steps.open()
	waitForState(t, s, id, unit.StateRunning)
	assert.GreaterOrEqual(t, u.healthCalls.Load(), int32(1))
	h, err = s.GetHealth(id)
	require.NoError(t, err)
	assert.True(t, h.IsHealthy())
}

func TestSupervisor_AbandonedBlockingStepsNeverOverlap(t *testing.T) {
	s, _ := newTestSupervisor(t, Options{}, 4)

	var current, peak, stopDuringStep atomic.Int32
	u := &unit.Funcs{
		UnitName:       "slow-valve",
		InitializeSync: func() error { return nil },
		StartSync:      func() error { return nil },
		RunStepSync: func() error {
			n := current.Add(1)
			defer current.Add(-1)
			for {
				seen := peak.Load()
				if n <= seen || peak.CompareAndSwap(seen, n) {
					break
				}
			}
			time.Sleep(60 * time.Millisecond)
			return nil
		},
		StopSync: func() error {
			if current.Load() > 0 {
				stopDuringStep.Add(1)
			}
			return nil
		},
		HealthCheckSync: func() (unit.Health, error) { return unit.Health{Healthy: true}, nil },
	}

	options := fastOptions()
	options.SamplePeriod = 20 * time.Millisecond
	options.StepTimeout = 10 * time.Millisecond
	id, err := s.Register(u, options)
	require.NoError(t, err)

	time.Sleep(300 * time.Millisecond)
	results, err := s.Shutdown(2 * time.Second)
	require.NoError(t, err)

	assert.Equal(t, OutcomeStopped, results[id].Outcome)
	assert.Equal(t, int32(1), peak.Load(), "run-steps for one unit overlapped")
	assert.Zero(t, stopDuringStep.Load(), "stop ran while a run-step was executing")
	state, err := s.GetState(id)
	require.NoError(t, err)
	assert.Equal(t, unit.StateStopped, state)
}
