package journal

import (
	"context"
	"database/sql"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
	"github.com/core-tools/hsu-supervisor/pkg/supervisor"

	_ "modernc.org/sqlite"
)

const createEventsTable = `
CREATE TABLE IF NOT EXISTS unit_events (
    seq           INTEGER PRIMARY KEY AUTOINCREMENT,
    unit_id       TEXT NOT NULL,
    unit_name     TEXT NOT NULL,
    type          TEXT NOT NULL,
    operation     TEXT,
    from_state    TEXT,
    to_state      TEXT,
    health_status TEXT,
    message       TEXT,
    error         TEXT,
    duration_ms   INTEGER,
    attempt       INTEGER,
    at            DATETIME NOT NULL
)`

const createEventsIndex = `CREATE INDEX IF NOT EXISTS unit_events_unit ON unit_events (unit_id, seq)`

const writeTimeout = 2 * time.Second

// Record is one persisted lifecycle event
type Record struct {
	Seq          int64
	UnitID       string
	UnitName     string
	Type         supervisor.EventType
	Operation    string
	FromState    string
	ToState      string
	HealthStatus string
	Message      string
	Error        string
	DurationMS   int64
	Attempt      int
	At           time.Time
}

var _ supervisor.EventSink = (*SQLiteJournal)(nil)

// SQLiteJournal persists transitions, health snapshots and retries.
// Step events are not persisted; they are covered by metrics.
type SQLiteJournal struct {
	db     *sql.DB
	logger logging.Logger
}

// Open opens the SQLite database at dbPath and runs migrations
func Open(dbPath string, logger logging.Logger) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.NewIOError("failed to open journal database", err).WithContext("path", dbPath)
	}

	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		createEventsTable,
		createEventsIndex,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, errors.NewIOError("failed to prepare journal database", err).WithContext("path", dbPath)
		}
	}

	logger.Infof("Journal opened, path: %s", dbPath)
	return &SQLiteJournal{db: db, logger: logger}, nil
}

func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

// Emit persists the event. Failures are logged and never reach the supervisor.
func (j *SQLiteJournal) Emit(event supervisor.Event) {
	if event.Type == supervisor.EventStep {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := j.Append(ctx, event); err != nil {
		j.logger.Errorf("Failed to journal event, unit: %s, type: %s, error: %v", event.UnitID, event.Type, err)
	}
}

// Append inserts one event
func (j *SQLiteJournal) Append(ctx context.Context, event supervisor.Event) error {
	var errText, healthStatus, message sql.NullString
	if event.Err != nil {
		errText = sql.NullString{String: event.Err.Error(), Valid: true}
	}
	if event.Type == supervisor.EventHealth {
		healthStatus = sql.NullString{String: string(event.Health.Status), Valid: true}
		message = sql.NullString{String: event.Health.Message, Valid: event.Health.Message != ""}
	}

	_, err := j.db.ExecContext(ctx,
		`INSERT INTO unit_events (
			unit_id, unit_name, type, operation, from_state, to_state,
			health_status, message, error, duration_ms, attempt, at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.UnitID, event.UnitName, string(event.Type), event.Operation,
		string(event.From), string(event.To),
		healthStatus, message, errText, event.Duration.Milliseconds(), event.Attempt, event.At.UTC(),
	)
	if err != nil {
		return errors.NewIOError("insert unit event", err).WithContext("unit_id", event.UnitID)
	}
	return nil
}

// History returns up to limit most recent events for a unit, oldest first
func (j *SQLiteJournal) History(ctx context.Context, unitID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := j.db.QueryContext(ctx,
		`SELECT seq, unit_id, unit_name, type, operation, from_state, to_state,
			health_status, message, error, duration_ms, attempt, at
		FROM unit_events WHERE unit_id = ? ORDER BY seq DESC LIMIT ?`, unitID, limit,
	)
	if err != nil {
		return nil, errors.NewIOError("query unit events", err).WithContext("unit_id", unitID)
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		var r Record
		var eventType string
		var operation, fromState, toState, healthStatus, message, errText sql.NullString
		if err := rows.Scan(
			&r.Seq, &r.UnitID, &r.UnitName, &eventType, &operation, &fromState, &toState,
			&healthStatus, &message, &errText, &r.DurationMS, &r.Attempt, &r.At,
		); err != nil {
			return nil, errors.NewIOError("scan unit event", err)
		}
		r.Type = supervisor.EventType(eventType)
		r.Operation = operation.String
		r.FromState = fromState.String
		r.ToState = toState.String
		r.HealthStatus = healthStatus.String
		r.Message = message.String
		r.Error = errText.String
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewIOError("iterate unit events", err)
	}

	for i, k := 0, len(records)-1; i < k; i, k = i+1, k-1 {
		records[i], records[k] = records[k], records[i]
	}
	return records, nil
}

// Units returns the ids of every unit that has journal entries
func (j *SQLiteJournal) Units(ctx context.Context) ([]string, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT DISTINCT unit_id FROM unit_events ORDER BY unit_id`)
	if err != nil {
		return nil, errors.NewIOError("query journaled units", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.NewIOError("scan unit id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
