package journal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/logging"
	"github.com/core-tools/hsu-supervisor/pkg/monitoring"
	"github.com/core-tools/hsu-supervisor/pkg/supervisor"
	"github.com/core-tools/hsu-supervisor/pkg/unit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestJournal(t *testing.T) *SQLiteJournal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"), logging.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestJournal_PersistsLifecycle(t *testing.T) {
	j := openTestJournal(t)
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	j.Emit(supervisor.Event{Type: supervisor.EventTransition, UnitID: "01HX", UnitName: "pump", Operation: "register",
		From: unit.StateCreated, To: unit.StateInitializing, At: at})
	j.Emit(supervisor.Event{Type: supervisor.EventRetry, UnitID: "01HX", UnitName: "pump", Operation: "initialize",
		Attempt: 1, Duration: time.Second, Err: errors.New("no ack"), At: at.Add(time.Second)})
	j.Emit(supervisor.Event{Type: supervisor.EventStep, UnitID: "01HX", UnitName: "pump", At: at.Add(2 * time.Second)})
	j.Emit(supervisor.Event{Type: supervisor.EventHealth, UnitID: "01HX", UnitName: "pump", Operation: "health_check",
		Health: monitoring.Unhealthy("pressure low", at.Add(3*time.Second)), At: at.Add(3 * time.Second)})
	j.Emit(supervisor.Event{Type: supervisor.EventTransition, UnitID: "01HY", UnitName: "valve",
		From: unit.StateCreated, To: unit.StateInitializing, At: at})

	records, err := j.History(context.Background(), "01HX", 10)
	require.NoError(t, err)
	require.Len(t, records, 3, "step events are not journaled")

	assert.Equal(t, supervisor.EventTransition, records[0].Type)
	assert.Equal(t, "created", records[0].FromState)
	assert.Equal(t, "initializing", records[0].ToState)
	assert.True(t, at.Equal(records[0].At))

	assert.Equal(t, supervisor.EventRetry, records[1].Type)
	assert.Equal(t, "no ack", records[1].Error)
	assert.Equal(t, int64(1000), records[1].DurationMS)
	assert.Equal(t, 1, records[1].Attempt)

	assert.Equal(t, supervisor.EventHealth, records[2].Type)
	assert.Equal(t, "unhealthy", records[2].HealthStatus)
	assert.Equal(t, "pressure low", records[2].Message)

	units, err := j.Units(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"01HX", "01HY"}, units)
}

func TestJournal_HistoryLimitKeepsNewest(t *testing.T) {
	j := openTestJournal(t)
	at := time.Now()

	for i := 1; i <= 5; i++ {
		require.NoError(t, j.Append(context.Background(), supervisor.Event{
			Type: supervisor.EventRetry, UnitID: "01HX", UnitName: "pump", Attempt: i, At: at,
		}))
	}

	records, err := j.History(context.Background(), "01HX", 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, 4, records[0].Attempt)
	assert.Equal(t, 5, records[1].Attempt)
}

func TestJournal_ReopenKeepsEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path, logging.Nop())
	require.NoError(t, err)
	j.Emit(supervisor.Event{Type: supervisor.EventTransition, UnitID: "01HX", UnitName: "pump", To: unit.StateRunning, At: time.Now()})
	require.NoError(t, j.Close())

	j, err = Open(path, logging.Nop())
	require.NoError(t, err)
	defer j.Close()

	records, err := j.History(context.Background(), "01HX", 0)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}
