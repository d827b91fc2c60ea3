package supervisor

import (
	"fmt"
	"sync"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
	"github.com/core-tools/hsu-supervisor/pkg/unit"

	"k8s.io/utils/clock"
)

// UnitStateTransition represents a state transition with metadata
type UnitStateTransition struct {
	From      unit.State
	To        unit.State
	Operation string
	Timestamp time.Time
	Error     error
}

// UnitStateMachine manages unit state transitions with validation.
// Only the supervisor writes to it.
type UnitStateMachine struct {
	unitID           string
	currentState     unit.State
	transitions      []UnitStateTransition
	validTransitions map[unit.State][]unit.State
	mutex            sync.RWMutex
	clock            clock.PassiveClock
	logger           logging.Logger
}

// NewUnitStateMachine creates a new unit state machine in the Created state
func NewUnitStateMachine(unitID string, clk clock.PassiveClock, logger logging.Logger) *UnitStateMachine {
	usm := &UnitStateMachine{
		unitID:       unitID,
		currentState: unit.StateCreated,
		transitions:  make([]UnitStateTransition, 0),
		clock:        clk,
		logger:       logger,
	}

	usm.validTransitions = map[unit.State][]unit.State{
		unit.StateCreated: {
			unit.StateInitializing, // registration accepted
		},
		unit.StateInitializing: {
			unit.StateRunning,  // initialize and start succeeded
			unit.StateFailed,   // retries exhausted or fatal start error
			unit.StateStopping, // cancelled mid-initialization
		},
		unit.StateRunning: {
			unit.StateDegraded, // failed step or unhealthy check
			unit.StateFailed,   // fatal step error
			unit.StateStopping, // shutdown
		},
		unit.StateDegraded: {
			unit.StateRunning,  // step and health check both good again
			unit.StateFailed,   // fatal step error or failure ceiling reached
			unit.StateStopping, // shutdown
		},
		unit.StateFailed: {
			unit.StateStopping, // resources are still released on shutdown
		},
		unit.StateStopping: {
			unit.StateStopped,
		},
		unit.StateStopped: {},
	}

	return usm
}

// GetCurrentState returns the current state of the unit (thread-safe)
func (usm *UnitStateMachine) GetCurrentState() unit.State {
	usm.mutex.RLock()
	defer usm.mutex.RUnlock()
	return usm.currentState
}

// CanTransition checks if a state transition is valid
func (usm *UnitStateMachine) CanTransition(to unit.State) bool {
	usm.mutex.RLock()
	defer usm.mutex.RUnlock()
	return usm.canTransitionUnsafe(to)
}

// Transition attempts to transition to a new state with validation
func (usm *UnitStateMachine) Transition(to unit.State, operation string, err error) (UnitStateTransition, error) {
	usm.mutex.Lock()
	defer usm.mutex.Unlock()

	from := usm.currentState

	if !usm.canTransitionUnsafe(to) {
		return UnitStateTransition{}, errors.NewInternalError(
			fmt.Sprintf("invalid state transition from %s to %s for operation %s", from, to, operation),
			nil,
		).WithContext("unit_id", usm.unitID).WithContext("current_state", string(from)).WithContext("target_state", string(to))
	}

	transition := UnitStateTransition{
		From:      from,
		To:        to,
		Operation: operation,
		Timestamp: usm.clock.Now(),
		Error:     err,
	}

	usm.transitions = append(usm.transitions, transition)
	usm.currentState = to

	if err != nil {
		usm.logger.Warnf("Unit state transition, unit: %s, %s->%s, operation: %s, error: %v",
			usm.unitID, from, to, operation, err)
	} else {
		usm.logger.Infof("Unit state transition, unit: %s, %s->%s, operation: %s",
			usm.unitID, from, to, operation)
	}

	return transition, nil
}

func (usm *UnitStateMachine) canTransitionUnsafe(to unit.State) bool {
	for _, validState := range usm.validTransitions[usm.currentState] {
		if validState == to {
			return true
		}
	}
	return false
}

// GetTransitionHistory returns the complete transition history (thread-safe)
func (usm *UnitStateMachine) GetTransitionHistory() []UnitStateTransition {
	usm.mutex.RLock()
	defer usm.mutex.RUnlock()

	history := make([]UnitStateTransition, len(usm.transitions))
	copy(history, usm.transitions)
	return history
}

// UnitStateInfo provides comprehensive information about unit state
type UnitStateInfo struct {
	UnitID          string
	CurrentState    unit.State
	LastTransition  *UnitStateTransition
	TransitionCount int
	ValidNextStates []unit.State
}

// GetStateInfo returns comprehensive state information
func (usm *UnitStateMachine) GetStateInfo() UnitStateInfo {
	usm.mutex.RLock()
	defer usm.mutex.RUnlock()

	var lastTransition *UnitStateTransition
	if len(usm.transitions) > 0 {
		last := usm.transitions[len(usm.transitions)-1]
		lastTransition = &last
	}

	validStates := usm.validTransitions[usm.currentState]
	nextStates := make([]unit.State, len(validStates))
	copy(nextStates, validStates)

	return UnitStateInfo{
		UnitID:          usm.unitID,
		CurrentState:    usm.currentState,
		LastTransition:  lastTransition,
		TransitionCount: len(usm.transitions),
		ValidNextStates: nextStates,
	}
}
