package supervisor

import (
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/monitoring"
	"github.com/core-tools/hsu-supervisor/pkg/unit"
)

type EventType string

const (
	EventTransition EventType = "transition"
	EventStep       EventType = "step"
	EventRetry      EventType = "retry"
	EventHealth     EventType = "health"
	EventRemoved    EventType = "removed"
)

// Event describes something that happened to a unit.
// Sinks observe events; they never feed back into supervisor state.
type Event struct {
	Type      EventType
	UnitID    string
	UnitName  string
	At        time.Time
	Operation string

	// transition
	From unit.State
	To   unit.State

	// step, retry
	Duration time.Duration
	Attempt  int
	Err      error

	// health
	Health monitoring.HealthSnapshot
}

// EventSink receives lifecycle events. Emit is called on the unit's own goroutine
// and must not block for long.
type EventSink interface {
	Emit(event Event)
}

type NoopSink struct{}

func (NoopSink) Emit(Event) {}

// SinkFunc adapts a function to EventSink
type SinkFunc func(event Event)

func (f SinkFunc) Emit(event Event) {
	f(event)
}

// MultiSink fans an event out to every sink in order
type MultiSink []EventSink

func (m MultiSink) Emit(event Event) {
	for _, sink := range m {
		if sink != nil {
			sink.Emit(event)
		}
	}
}
