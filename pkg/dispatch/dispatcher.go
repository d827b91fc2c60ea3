package dispatch

import (
	"context"
	"sync/atomic"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/scheduler"
	"github.com/core-tools/hsu-supervisor/pkg/unit"

	"golang.org/x/sync/semaphore"
)

// Dispatcher invokes lifecycle methods through the table resolved at registration.
// Suspendable methods run on the caller's goroutine; blocking ones are bridged
// through the scheduler's worker pool.
//
// Calls into one unit never overlap. The gate is held until the unit's method
// actually returns, so a call abandoned by its caller still blocks the next one.
type Dispatcher struct {
	caps      unit.Capabilities
	scheduler *scheduler.Context
	gate      *semaphore.Weighted
	inflight  atomic.Int32
}

func New(caps unit.Capabilities, sched *scheduler.Context) *Dispatcher {
	return &Dispatcher{
		caps:      caps,
		scheduler: sched,
		gate:      semaphore.NewWeighted(1),
	}
}

// Mode returns the capability mode fixed at registration
func (d *Dispatcher) Mode() unit.CapabilityMode {
	return d.caps.Mode
}

// Form returns how a given method is dispatched
func (d *Dispatcher) Form(name unit.MethodName) unit.Form {
	return d.caps.Method(name).Form
}

// Busy reports whether a unit method is executing, including one whose caller gave up on it
func (d *Dispatcher) Busy() bool {
	return d.inflight.Load() > 0
}

// Invoke runs one of initialize, start, run_step or stop
func (d *Dispatcher) Invoke(ctx context.Context, name unit.MethodName) error {
	_, err := d.call(ctx, name)
	return err
}

// CheckHealth runs health_check
func (d *Dispatcher) CheckHealth(ctx context.Context) (unit.Health, error) {
	return d.call(ctx, unit.MethodHealthCheck)
}

func (d *Dispatcher) call(ctx context.Context, name unit.MethodName) (unit.Health, error) {
	m := d.caps.Method(name)
	if m.Form != unit.FormSuspendable && m.Form != unit.FormBlocking {
		return unit.Health{}, errors.NewContractViolationError("method not resolved: "+string(name), nil)
	}

	if err := d.gate.Acquire(ctx, 1); err != nil {
		return unit.Health{}, errors.NewCancelledError(string(name)+" cancelled while waiting for the previous call", err)
	}

	if m.Form == unit.FormSuspendable {
		d.inflight.Add(1)
		defer d.release()
		return m.Suspendable(ctx)
	}

	// pending -> running, or pending -> abandoned; whoever wins releases the gate
	const (
		pending int32 = iota
		running
		abandoned
	)
	var phase atomic.Int32

	var health unit.Health
	err := d.scheduler.Offload(ctx, string(name), func() error {
		if !phase.CompareAndSwap(pending, running) {
			return nil
		}
		d.inflight.Add(1)
		defer d.release()
		h, err := m.Blocking()
		health = h
		return err
	})
	if err != nil {
		if phase.CompareAndSwap(pending, abandoned) {
			d.gate.Release(1)
		}
		return unit.Health{}, err
	}
	return health, nil
}

func (d *Dispatcher) release() {
	d.inflight.Add(-1)
	d.gate.Release(1)
}
