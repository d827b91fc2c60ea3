package unit

// State is the supervisor-owned lifecycle state of a unit
type State string

const (
	StateCreated      State = "created"
	StateInitializing State = "initializing"
	StateRunning      State = "running"
	StateDegraded     State = "degraded"
	StateStopping     State = "stopping"
	StateStopped      State = "stopped"
	StateFailed       State = "failed"
)

// IsActive reports whether the unit is receiving run-step calls
func (s State) IsActive() bool {
	return s == StateRunning || s == StateDegraded
}

// IsTerminal reports whether the unit will never run again without re-registration
func (s State) IsTerminal() bool {
	return s == StateStopped || s == StateFailed
}

// CapabilityMode is decided once at registration
type CapabilityMode string

const (
	// ModeSuspendable: at least one lifecycle method runs directly on the unit goroutine
	ModeSuspendable CapabilityMode = "suspendable"

	// ModeBlockingOnly: every lifecycle method is offloaded to the worker pool
	ModeBlockingOnly CapabilityMode = "blocking_only"
)
