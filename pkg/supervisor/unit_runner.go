package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/dispatch"
	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
	"github.com/core-tools/hsu-supervisor/pkg/monitoring"
	"github.com/core-tools/hsu-supervisor/pkg/retry"
	"github.com/core-tools/hsu-supervisor/pkg/timeout"
	"github.com/core-tools/hsu-supervisor/pkg/unit"

	"k8s.io/utils/clock"
)

// unitRunner owns one unit's goroutine. Lifecycle calls for a unit are strictly sequential.
type unitRunner struct {
	id           string
	name         string
	options      UnitOptions
	dispatcher   *dispatch.Dispatcher
	stateMachine *UnitStateMachine
	health       *monitoring.HealthTracker
	retrier      *retry.Retrier
	guard        *timeout.Guard
	clock        clock.Clock
	sink         EventSink
	logger       logging.Logger
	stopTimeout  time.Duration
	healthGrace  time.Duration
	registeredAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// touched only by the runner goroutine
	consecutiveFailures int
	stepOK              bool
	healthOK            bool

	mutex       sync.Mutex
	activatedAt time.Time
	active      bool

	// written before done is closed
	stopErr     error
	stopOutcome Outcome
}

func (r *unitRunner) run(context.Context) {
	defer close(r.done)
	defer r.cancel()

	ctx := r.ctx
	begin := r.clock.Now()

	if err := r.bringUp(ctx); err != nil {
		if ctx.Err() == nil {
			r.logger.Errorf("Unit failed to initialize, error: %v", err)
			r.transition(unit.StateFailed, "initialize", err)
			<-ctx.Done()
		}
	} else {
		r.transition(unit.StateRunning, "start", nil)
		r.setActive(r.clock.Now())
		r.logger.Infof("Activated in %d ms", r.clock.Since(begin).Milliseconds())

		if failed := r.loop(ctx); failed {
			// parked until shutdown; stop still runs below
			r.clearActive()
			<-ctx.Done()
		}
	}

	r.stop()
}

func (r *unitRunner) bringUp(ctx context.Context) error {
	policy := *r.options.InitPolicy

	err := r.retrier.Do(ctx, string(unit.MethodInitialize), policy, func(ctx context.Context) error {
		return r.dispatcher.Invoke(ctx, unit.MethodInitialize)
	})
	if err != nil {
		return errors.NewInitializationError("initialize failed", err).WithContext("unit_id", r.id)
	}

	err = r.retrier.Do(ctx, string(unit.MethodStart), policy, func(ctx context.Context) error {
		return r.dispatcher.Invoke(ctx, unit.MethodStart)
	})
	if err != nil {
		return errors.NewInitializationError("start failed", err).WithContext("unit_id", r.id)
	}
	return nil
}

// loop runs steps and health checks until ctx ends. It returns true if the unit failed.
func (r *unitRunner) loop(ctx context.Context) bool {
	now := r.clock.Now()
	nextStep := now
	nextHealth := now.Add(r.options.HealthInterval)

	for {
		wake := nextStep
		if nextHealth.Before(wake) {
			wake = nextHealth
		}
		if !r.sleepUntil(ctx, wake) {
			return false
		}

		if !r.clock.Now().Before(nextStep) {
			started := r.clock.Now()
			if failed := r.step(ctx); failed {
				return true
			}
			if ctx.Err() != nil {
				return false
			}
			nextStep = nextStepAt(started, r.clock.Now(), r.options.SamplePeriod)
		}

		if !r.clock.Now().Before(nextHealth) {
			r.checkHealth(ctx)
			if ctx.Err() != nil {
				return false
			}
			nextHealth = r.clock.Now().Add(r.options.HealthInterval)
		}
	}
}

// nextStepAt subtracts the step's own duration from the period; an overrun starts the next step at once
func nextStepAt(started, now time.Time, period time.Duration) time.Time {
	next := started.Add(period)
	if next.Before(now) {
		return now
	}
	return next
}

func (r *unitRunner) sleepUntil(ctx context.Context, at time.Time) bool {
	d := at.Sub(r.clock.Now())
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := r.clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C():
		return true
	case <-ctx.Done():
		return false
	}
}

// step runs one run-step with its retries. It returns true if the unit failed.
func (r *unitRunner) step(ctx context.Context) bool {
	started := r.clock.Now()

	result := make(chan error, 1)
	go func() {
		result <- r.retrier.Do(ctx, string(unit.MethodRunStep), *r.options.StepPolicy, func(ctx context.Context) error {
			return r.guard.Do(ctx, string(unit.MethodRunStep), r.options.StepTimeout, func(ctx context.Context) error {
				return r.dispatcher.Invoke(ctx, unit.MethodRunStep)
			})
		})
	}()
	err := r.awaitStep(ctx, result)
	if ctx.Err() != nil {
		return false
	}

	r.emit(Event{Type: EventStep, Operation: string(unit.MethodRunStep), Duration: r.clock.Since(started), Err: err})

	if err == nil {
		r.consecutiveFailures = 0
		r.stepOK = true
		r.maybeRecover(string(unit.MethodRunStep))
		return false
	}

	r.stepOK = false

	if errors.IsFatal(err) {
		r.transition(unit.StateFailed, string(unit.MethodRunStep), errors.NewStepError("fatal run-step failure", err))
		return true
	}

	r.consecutiveFailures++
	r.logger.Warnf("Run-step failed, consecutive_failures: %d, error: %v", r.consecutiveFailures, err)

	ceiling := r.options.MaxConsecutiveFailures
	if ceiling > 0 && r.consecutiveFailures >= ceiling {
		r.transition(unit.StateFailed, string(unit.MethodRunStep),
			errors.NewStepError(fmt.Sprintf("%d consecutive run-step failures", r.consecutiveFailures), err))
		return true
	}

	if r.stateMachine.GetCurrentState() == unit.StateRunning {
		r.transition(unit.StateDegraded, string(unit.MethodRunStep), errors.NewStepError("run-step failed", err))
	}
	return false
}

// awaitStep waits for the run-step result. A health check falling due meanwhile
// cannot run, so each missed deadline is recorded as an overdue check.
func (r *unitRunner) awaitStep(ctx context.Context, result <-chan error) error {
	for {
		wait := r.healthDeadline().Sub(r.clock.Now())
		if wait <= 0 {
			r.missedHealthCheck()
			continue
		}

		timer := r.clock.NewTimer(wait)
		select {
		case err := <-result:
			timer.Stop()
			return err
		case <-ctx.Done():
			timer.Stop()
			return <-result
		case <-timer.C():
			r.missedHealthCheck()
		}
	}
}

// healthDeadline is when the current health snapshot stops counting, measured from
// the last check or from activation if none has completed
func (r *unitRunner) healthDeadline() time.Time {
	reference := r.health.Last().ObservedAt
	if activatedAt, _ := r.activation(); reference.IsZero() || reference.Before(activatedAt) {
		reference = activatedAt
	}
	return reference.Add(r.options.HealthInterval + r.healthGrace)
}

func (r *unitRunner) missedHealthCheck() {
	r.recordHealth(monitoring.Unhealthy("health check overdue", r.clock.Now()))
}

func (r *unitRunner) checkHealth(ctx context.Context) {
	result := timeout.Run(ctx, r.guard, string(unit.MethodHealthCheck), r.options.HealthTimeout,
		func(ctx context.Context) (unit.Health, error) {
			return r.dispatcher.CheckHealth(ctx)
		})
	if ctx.Err() != nil {
		return
	}

	now := r.clock.Now()
	var snapshot monitoring.HealthSnapshot
	switch {
	case result.TimedOut:
		snapshot = monitoring.Unhealthy(fmt.Sprintf("health check timed out after %v", r.options.HealthTimeout), now)
	case result.Err != nil:
		snapshot = monitoring.Unhealthy(result.Err.Error(), now)
	case result.Value.Healthy:
		snapshot = monitoring.Healthy(result.Value.Message, now)
	default:
		message := result.Value.Message
		if message == "" {
			message = "unit reported unhealthy"
		}
		snapshot = monitoring.Unhealthy(message, now)
	}

	r.recordHealth(snapshot)
}

// recordHealth stores the snapshot and degrades or recovers the unit accordingly
func (r *unitRunner) recordHealth(snapshot monitoring.HealthSnapshot) {
	r.health.Record(snapshot)
	r.emit(Event{Type: EventHealth, Operation: string(unit.MethodHealthCheck), Health: snapshot})

	r.healthOK = snapshot.IsHealthy()
	if !r.healthOK {
		if r.stateMachine.GetCurrentState() == unit.StateRunning {
			r.transition(unit.StateDegraded, string(unit.MethodHealthCheck), errors.NewHealthCheckError(snapshot.Message, nil))
		}
		return
	}
	r.maybeRecover(string(unit.MethodHealthCheck))
}

func (r *unitRunner) maybeRecover(operation string) {
	if r.stepOK && r.healthOK && r.stateMachine.GetCurrentState() == unit.StateDegraded {
		r.transition(unit.StateRunning, operation, nil)
	}
}

// stop is reached exactly once per unit. It is not interrupted by cancellation, only by stopTimeout,
// and the unit's stop method never runs while another of its methods is still executing.
func (r *unitRunner) stop() {
	r.clearActive()
	began := r.clock.Now()
	r.transition(unit.StateStopping, string(unit.MethodStop), nil)

	if r.dispatcher.Busy() {
		r.logger.Warnf("Abandoned call still executing, stop waits for it up to %v", r.stopTimeout)
	}

	stopCtx := context.WithoutCancel(r.ctx)
	err := r.guard.Do(stopCtx, string(unit.MethodStop), r.stopTimeout, func(ctx context.Context) error {
		return r.dispatcher.Invoke(ctx, unit.MethodStop)
	})

	switch {
	case err == nil:
		r.stopOutcome = OutcomeStopped
	case errors.IsTimeoutError(err):
		r.stopOutcome = OutcomeTimedOut
		r.stopErr = err
	default:
		r.stopOutcome = OutcomeError
		r.stopErr = err
	}

	r.transition(unit.StateStopped, string(unit.MethodStop), r.stopErr)
	r.logger.Infof("Deactivated in %d ms", r.clock.Since(began).Milliseconds())
}

func (r *unitRunner) transition(to unit.State, operation string, cause error) {
	t, err := r.stateMachine.Transition(to, operation, cause)
	if err != nil {
		r.logger.Errorf("Failed to transition unit, target: %s, error: %v", to, err)
		return
	}
	r.emit(Event{Type: EventTransition, Operation: operation, From: t.From, To: t.To, Err: cause, At: t.Timestamp})
}

func (r *unitRunner) onRetry(attempt retry.Attempt) {
	if !attempt.WillWait {
		return
	}
	r.emit(Event{Type: EventRetry, Operation: attempt.Name, Attempt: attempt.Number, Err: attempt.Err, Duration: attempt.Delay})
}

func (r *unitRunner) emit(event Event) {
	if r.sink == nil {
		return
	}
	event.UnitID = r.id
	event.UnitName = r.name
	if event.At.IsZero() {
		event.At = r.clock.Now()
	}
	r.sink.Emit(event)
}

func (r *unitRunner) setActive(at time.Time) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.activatedAt = at
	r.active = true
}

func (r *unitRunner) clearActive() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.active = false
}

func (r *unitRunner) activation() (time.Time, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.activatedAt, r.active
}
