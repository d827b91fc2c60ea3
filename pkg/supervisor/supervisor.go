package supervisor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/dispatch"
	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
	"github.com/core-tools/hsu-supervisor/pkg/monitoring"
	"github.com/core-tools/hsu-supervisor/pkg/retry"
	"github.com/core-tools/hsu-supervisor/pkg/scheduler"
	"github.com/core-tools/hsu-supervisor/pkg/timeout"
	"github.com/core-tools/hsu-supervisor/pkg/unit"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"
)

// State represents the current state of the supervisor itself
type State string

const (
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// Outcome is the per-unit result of a shutdown
type Outcome string

const (
	OutcomeStopped  Outcome = "stopped"
	OutcomeTimedOut Outcome = "timed_out"
	OutcomeError    Outcome = "error"
)

// ShutdownResult is what Shutdown reports for one unit
type ShutdownResult struct {
	Outcome Outcome
	Err     error
}

// Descriptor is a read-only view of one registered unit
type Descriptor struct {
	ID           string                    `json:"id"`
	Name         string                    `json:"name"`
	Mode         unit.CapabilityMode       `json:"capability_mode"`
	State        unit.State                `json:"state"`
	SamplePeriod time.Duration             `json:"sample_period"`
	LastHealth   monitoring.HealthSnapshot `json:"last_health"`
	RegisteredAt time.Time                 `json:"registered_at"`
}

type Option func(*Supervisor)

// WithClock injects the clock used for scheduling, retries and timestamps
func WithClock(c clock.Clock) Option {
	return func(s *Supervisor) {
		s.clock = c
	}
}

// WithSink attaches an event sink
func WithSink(sink EventSink) Option {
	return func(s *Supervisor) {
		s.sinks = append(s.sinks, sink)
	}
}

// Supervisor drives registered units through their lifecycle.
// It is the only writer of unit state.
type Supervisor struct {
	options   Options
	scheduler *scheduler.Context
	clock     clock.Clock
	guard     *timeout.Guard
	sinks     MultiSink
	logger    logging.Logger
	units     map[string]*unitRunner
	state     State
	startedAt time.Time
	mutex     sync.Mutex
}

func New(sched *scheduler.Context, options Options, logger logging.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		options:   options.withDefaults(),
		scheduler: sched,
		clock:     clock.RealClock{},
		logger:    logger,
		units:     make(map[string]*unitRunner),
		state:     StateRunning,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.guard = timeout.NewGuard(s.clock)
	s.startedAt = s.clock.Now()
	return s
}

// Register probes u, assigns it an id and starts driving it.
// A unit that does not satisfy the lifecycle contract is rejected and never partially registered.
func (s *Supervisor) Register(u interface{}, options UnitOptions) (string, error) {
	caps, err := unit.Probe(u)
	if err != nil {
		s.logger.Errorf("Unit rejected, type: %T, error: %v", u, err)
		return "", err
	}

	options = options.withDefaults()
	if err := ValidateUnitOptions(options); err != nil {
		return "", errors.NewValidationError("invalid unit options", err).WithContext("unit", unit.NameOf(u))
	}
	if options.Name == "" {
		options.Name = unit.NameOf(u)
	}

	id := ulid.Make().String()
	unitLogger := logging.ForUnit(s.logger, id)

	runner := &unitRunner{
		id:           id,
		name:         options.Name,
		options:      options,
		dispatcher:   dispatch.New(caps, s.scheduler),
		stateMachine: NewUnitStateMachine(id, s.clock, unitLogger),
		health:       monitoring.NewHealthTracker(id, unitLogger),
		guard:        s.guard,
		clock:        s.clock,
		sink:         s.sinks,
		logger:       unitLogger,
		stopTimeout:  s.options.StopTimeout,
		healthGrace:  s.options.HealthGracePeriod,
		registeredAt: s.clock.Now(),
		done:         make(chan struct{}),
		healthOK:     true,
	}
	runner.retrier = retry.New(unitLogger, retry.WithClock(s.clock), retry.WithObserver(runner.onRetry))
	runner.ctx, runner.cancel = context.WithCancel(s.scheduler.Context())

	s.mutex.Lock()
	if s.state != StateRunning {
		s.mutex.Unlock()
		runner.cancel()
		return "", errors.NewValidationError(
			fmt.Sprintf("supervisor must be running to register units, current state: %s", s.state),
			nil,
		).WithContext("supervisor_state", string(s.state))
	}
	if _, exists := s.units[id]; exists {
		s.mutex.Unlock()
		runner.cancel()
		return "", errors.NewConflictError("unit already exists", nil).WithContext("unit_id", id)
	}
	s.units[id] = runner
	s.mutex.Unlock()

	s.logger.Infof("Registering unit, id: %s, name: %s, mode: %s, sample_period: %v, forms: %v",
		id, options.Name, caps.Mode, options.SamplePeriod, caps.Forms())

	// sinks may read back from the supervisor, so nothing is emitted under the lock
	runner.transition(unit.StateInitializing, "register", nil)
	s.scheduler.Go("unit "+id, runner.run)

	return id, nil
}

// Stop stops a single unit and waits until it reaches Stopped or ctx ends
func (s *Supervisor) Stop(ctx context.Context, id string) error {
	runner, err := s.getUnit(id)
	if err != nil {
		return err
	}

	s.logger.Infof("Stopping unit, id: %s", id)
	runner.cancel()

	select {
	case <-runner.done:
		return runner.stopErr
	case <-ctx.Done():
		return errors.NewTimeoutError("unit did not stop in time", ctx.Err()).WithContext("unit_id", id)
	}
}

// Unregister removes a stopped unit. Re-registering a failed unit is Stop, Unregister, Register.
func (s *Supervisor) Unregister(id string) error {
	runner, err := s.getUnit(id)
	if err != nil {
		return err
	}

	currentState := runner.stateMachine.GetCurrentState()
	if currentState != unit.StateStopped {
		return errors.NewValidationError(
			fmt.Sprintf("cannot unregister unit in state '%s': unit must be stopped before removal", currentState),
			nil,
		).WithContext("unit_id", id).
			WithContext("current_state", string(currentState)).
			WithContext("suggested_action", "call Stop first")
	}

	s.mutex.Lock()
	if _, exists := s.units[id]; !exists {
		s.mutex.Unlock()
		return errors.NewNotFoundError("unit not found", nil).WithContext("unit_id", id)
	}
	delete(s.units, id)
	s.mutex.Unlock()

	runner.emit(Event{Type: EventRemoved})
	s.logger.Infof("Unit removed, id: %s", id)
	return nil
}

// GetHealth returns the unit's most recent health snapshot.
// An active unit whose check is overdue reads as Unhealthy.
func (s *Supervisor) GetHealth(id string) (monitoring.HealthSnapshot, error) {
	runner, err := s.getUnit(id)
	if err != nil {
		return monitoring.HealthSnapshot{}, err
	}
	return s.effectiveHealth(runner), nil
}

// GetAllHealth returns a snapshot for every registered unit
func (s *Supervisor) GetAllHealth() map[string]monitoring.HealthSnapshot {
	runners := s.getAllUnits()
	result := make(map[string]monitoring.HealthSnapshot, len(runners))
	for id, runner := range runners {
		result[id] = s.effectiveHealth(runner)
	}
	return result
}

// Overall aggregates the health of every unit
func (s *Supervisor) Overall() monitoring.OverallHealth {
	return monitoring.Aggregate(s.GetAllHealth(), s.clock.Since(s.startedAt))
}

// GetState returns the current lifecycle state of a unit
func (s *Supervisor) GetState(id string) (unit.State, error) {
	runner, err := s.getUnit(id)
	if err != nil {
		return "", err
	}
	return runner.stateMachine.GetCurrentState(), nil
}

// GetStateInfo returns state and transition details for a unit
func (s *Supervisor) GetStateInfo(id string) (UnitStateInfo, error) {
	runner, err := s.getUnit(id)
	if err != nil {
		return UnitStateInfo{}, err
	}
	return runner.stateMachine.GetStateInfo(), nil
}

// GetTransitionHistory returns every transition the unit went through
func (s *Supervisor) GetTransitionHistory(id string) ([]UnitStateTransition, error) {
	runner, err := s.getUnit(id)
	if err != nil {
		return nil, err
	}
	return runner.stateMachine.GetTransitionHistory(), nil
}

// Describe returns the descriptor of one unit
func (s *Supervisor) Describe(id string) (Descriptor, error) {
	runner, err := s.getUnit(id)
	if err != nil {
		return Descriptor{}, err
	}
	return s.describe(runner), nil
}

// List returns descriptors for all units ordered by id, which is registration order
func (s *Supervisor) List() []Descriptor {
	runners := s.getAllUnits()
	result := make([]Descriptor, 0, len(runners))
	for _, runner := range runners {
		result = append(result, s.describe(runner))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// State returns the supervisor's own state
func (s *Supervisor) State() State {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.state
}

// Shutdown raises cancellation for every unit and waits up to timeout for each to stop.
// Every unit's stop is invoked exactly once, including units that already failed.
func (s *Supervisor) Shutdown(timeout time.Duration) (map[string]ShutdownResult, error) {
	if timeout <= 0 {
		timeout = s.options.ShutdownTimeout
	}

	s.mutex.Lock()
	if s.state != StateRunning {
		s.mutex.Unlock()
		return nil, errors.NewConflictError("shutdown already requested", nil)
	}
	s.state = StateStopping
	s.mutex.Unlock()

	runners := s.getAllUnits()
	s.logger.Infof("Shutting down supervisor, units: %d, timeout: %v", len(runners), timeout)

	s.scheduler.Cancel()

	deadline := s.clock.NewTimer(timeout)
	defer deadline.Stop()
	expired := make(chan struct{})
	go func() {
		select {
		case <-deadline.C():
			close(expired)
		case <-s.allDone(runners):
		}
	}()

	results := make(map[string]ShutdownResult, len(runners))
	var resultsMutex sync.Mutex
	var g errgroup.Group

	for id, runner := range runners {
		g.Go(func() error {
			result := ShutdownResult{Outcome: OutcomeStopped}
			select {
			case <-runner.done:
				if runner.stopErr != nil {
					result = ShutdownResult{Outcome: runner.stopOutcome, Err: runner.stopErr}
				}
			case <-expired:
				result = ShutdownResult{
					Outcome: OutcomeTimedOut,
					Err:     errors.NewTimeoutError("unit did not stop before shutdown deadline", nil).WithContext("unit_id", id),
				}
			}

			resultsMutex.Lock()
			results[id] = result
			resultsMutex.Unlock()
			return result.Err
		})
	}

	firstErr := g.Wait()
	collection := errors.NewErrorCollection()

	for id, result := range results {
		switch result.Outcome {
		case OutcomeStopped:
			s.logger.Debugf("Unit shut down, id: %s", id)
		default:
			s.logger.Errorf("Unit shutdown incomplete, id: %s, outcome: %s, error: %v", id, result.Outcome, result.Err)
			collection.Add(result.Err)
		}
	}

	s.mutex.Lock()
	s.state = StateStopped
	s.mutex.Unlock()

	if firstErr != nil {
		s.logger.Warnf("Supervisor stopped with failures, units: %d, failures: %d, first: %v", len(results), len(collection.Errors), firstErr)
	} else {
		s.logger.Infof("Supervisor stopped, units: %d", len(results))
	}
	if collection.HasErrors() {
		return results, collection
	}
	return results, nil
}

func (s *Supervisor) allDone(runners map[string]*unitRunner) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		for _, runner := range runners {
			<-runner.done
		}
		close(done)
	}()
	return done
}

func (s *Supervisor) effectiveHealth(runner *unitRunner) monitoring.HealthSnapshot {
	activatedAt, active := runner.activation()
	if !active {
		return runner.health.Last()
	}
	return runner.health.Effective(s.clock.Now(), activatedAt, monitoring.HealthCheckRunOptions{
		Interval:    runner.options.HealthInterval,
		Timeout:     runner.options.HealthTimeout,
		GracePeriod: s.options.HealthGracePeriod,
	})
}

func (s *Supervisor) describe(runner *unitRunner) Descriptor {
	return Descriptor{
		ID:           runner.id,
		Name:         runner.name,
		Mode:         runner.dispatcher.Mode(),
		State:        runner.stateMachine.GetCurrentState(),
		SamplePeriod: runner.options.SamplePeriod,
		LastHealth:   s.effectiveHealth(runner),
		RegisteredAt: runner.registeredAt,
	}
}

func (s *Supervisor) getUnit(id string) (*unitRunner, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	runner, exists := s.units[id]
	if !exists {
		return nil, errors.NewNotFoundError("unit not found", nil).WithContext("unit_id", id)
	}
	return runner, nil
}

// getAllUnits returns a copy of all unit entries under lock
func (s *Supervisor) getAllUnits() map[string]*unitRunner {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	runnersCopy := make(map[string]*unitRunner, len(s.units))
	for id, runner := range s.units {
		runnersCopy[id] = runner
	}
	return runnersCopy
}
