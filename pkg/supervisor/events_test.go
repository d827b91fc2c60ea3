package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/logging"
	"github.com/core-tools/hsu-supervisor/pkg/scheduler"
	"github.com/core-tools/hsu-supervisor/pkg/unit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockSink struct {
	mock.Mock
}

func (m *mockSink) Emit(event Event) {
	m.Called(event)
}

func TestMultiSink_FansOutInOrder(t *testing.T) {
	first := &mockSink{}
	second := &mockSink{}
	event := Event{Type: EventTransition, UnitID: "u1", From: unit.StateCreated, To: unit.StateInitializing}

	first.On("Emit", event).Return().Once()
	second.On("Emit", event).Return().Once()

	MultiSink{first, NoopSink{}, second}.Emit(event)

	first.AssertExpectations(t)
	second.AssertExpectations(t)
}

func TestSinkFunc(t *testing.T) {
	var got Event
	SinkFunc(func(event Event) { got = event }).Emit(Event{Type: EventRemoved, UnitID: "u9"})
	assert.Equal(t, "u9", got.UnitID)
}

func TestSupervisor_EmitsStampedEvents(t *testing.T) {
	sink := &mockSink{}
	sink.On("Emit", mock.Anything).Return()

	sched := scheduler.New(context.Background(), scheduler.Options{WorkerPoolSize: 1}, logging.Nop())
	s := New(sched, Options{}, logging.Nop(), WithSink(sink))

	u := &testUnit{}
	id, err := s.Register(u.suspendable(), fastOptions())
	require.NoError(t, err)
	waitForState(t, s, id, unit.StateRunning)
	// the second step starts only after the first one's event went out
	require.Eventually(t, func() bool { return u.stepCalls.Load() >= 2 }, 2*time.Second, time.Millisecond)

	_, err = s.Shutdown(2 * time.Second)
	require.NoError(t, err)

	for _, to := range []unit.State{unit.StateInitializing, unit.StateRunning, unit.StateStopping, unit.StateStopped} {
		to := to
		sink.AssertCalled(t, "Emit", mock.MatchedBy(func(e Event) bool {
			return e.Type == EventTransition && e.UnitID == id && e.UnitName == "suspendable" && e.To == to && !e.At.IsZero()
		}))
	}
	sink.AssertCalled(t, "Emit", mock.MatchedBy(func(e Event) bool {
		return e.Type == EventStep && e.UnitID == id && e.Operation == string(unit.MethodRunStep)
	}))
}
