// Package observability records what the poll pipeline did: one event
// row per camera cycle (and other notable operations) plus periodic
// worker heartbeats, all in SQLite so a fleet with no metrics stack
// still has an inspectable history.
package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/camfleet/fleetbeat/idgen"
)

// Event is a single pipeline operation record.
type Event struct {
	EventID    string
	Timestamp  time.Time
	Component  string // e.g. "heartbeat", "fleet", "archive"
	EventType  string // e.g. "poll_cycle", "kickoff", "cleanup"
	Exid       string // camera exid, empty for fleet-wide events
	Outcome    string // "success", "error", "timeout"
	ErrorText  string
	DurationMs int64
	Detail     string // free-form JSON
}

// EventFilter controls Query results.
type EventFilter struct {
	Since     *time.Time
	Component string
	EventType string
	Exid      string
	Outcome   string
	Limit     int // default 100
}

// EventLogger persists pipeline events asynchronously, batching inserts
// so a busy fleet does not pay one transaction per camera cycle.
type EventLogger struct {
	db    *sql.DB
	newID idgen.Generator
	ch    chan *Event
	stop  chan struct{}
	done  chan struct{}
}

// EventOption configures an EventLogger.
type EventOption func(*EventLogger)

// WithEventIDGenerator sets a custom event ID generator.
func WithEventIDGenerator(gen idgen.Generator) EventOption {
	return func(l *EventLogger) { l.newID = gen }
}

// NewEventLogger creates an async event logger. Recommended bufferSize:
// 1000. Call EnsureSchema once before use.
func NewEventLogger(db *sql.DB, bufferSize int, opts ...EventOption) *EventLogger {
	l := &EventLogger{
		db:    db,
		newID: idgen.Prefixed("evt_", idgen.Default),
		ch:    make(chan *Event, bufferSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	go l.flushLoop()
	return l
}

// EnsureSchema creates the event and heartbeat tables if they don't
// exist.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS fleet_event_logs (
			event_id    TEXT PRIMARY KEY,
			timestamp   INTEGER NOT NULL,
			component   TEXT NOT NULL,
			event_type  TEXT NOT NULL,
			exid        TEXT NOT NULL DEFAULT '',
			outcome     TEXT NOT NULL,
			error_text  TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL DEFAULT 0,
			detail      TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_event_logs_ts ON fleet_event_logs (timestamp);
		CREATE INDEX IF NOT EXISTS idx_event_logs_exid ON fleet_event_logs (exid, timestamp);
		CREATE TABLE IF NOT EXISTS worker_heartbeats (
			worker_name      TEXT NOT NULL,
			hostname         TEXT NOT NULL,
			worker_pid       INTEGER NOT NULL,
			timestamp        INTEGER NOT NULL,
			goroutines_count INTEGER NOT NULL,
			memory_alloc_mb  REAL NOT NULL,
			memory_sys_mb    REAL NOT NULL,
			gc_count         INTEGER NOT NULL,
			cycles_total     INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_heartbeats_worker ON worker_heartbeats (worker_name, timestamp);
	`)
	return err
}

// NewEvent builds an Event from an operation's parameters and error.
// detail is marshalled to JSON when non-nil.
func (l *EventLogger) NewEvent(component, eventType, exid string, detail any, opErr error, duration time.Duration) *Event {
	e := &Event{
		EventID:    l.newID(),
		Timestamp:  time.Now(),
		Component:  component,
		EventType:  eventType,
		Exid:       exid,
		DurationMs: duration.Milliseconds(),
		Outcome:    "success",
	}
	if detail != nil {
		if b, err := json.Marshal(detail); err == nil {
			e.Detail = string(b)
		}
	}
	if opErr != nil {
		e.Outcome = "error"
		e.ErrorText = opErr.Error()
	}
	return e
}

// Log inserts an event synchronously.
func (l *EventLogger) Log(ctx context.Context, e *Event) error {
	l.fillDefaults(e)
	return l.insert(ctx, e)
}

// LogAsync queues an event for async persistence, falling back to a
// synchronous insert when the buffer is full.
func (l *EventLogger) LogAsync(e *Event) {
	l.fillDefaults(e)
	select {
	case l.ch <- e:
	default:
		slog.Warn("observability: event buffer full, sync fallback", "component", e.Component)
		if err := l.insert(context.Background(), e); err != nil {
			slog.Error("observability: sync fallback failed", "error", err)
		}
	}
}

// Query retrieves events matching the filter, newest first.
func (l *EventLogger) Query(ctx context.Context, f *EventFilter) ([]*Event, error) {
	q := `SELECT event_id, timestamp, component, event_type, exid,
		outcome, error_text, duration_ms, detail
		FROM fleet_event_logs WHERE 1=1`
	var args []any

	if f.Since != nil {
		q += " AND timestamp >= ?"
		args = append(args, f.Since.Unix())
	}
	for _, c := range []struct{ col, val string }{
		{"component", f.Component},
		{"event_type", f.EventType},
		{"exid", f.Exid},
		{"outcome", f.Outcome},
	} {
		if c.val != "" {
			q += fmt.Sprintf(" AND %s = ?", c.col)
			args = append(args, c.val)
		}
	}

	limit := 100
	if f.Limit > 0 {
		limit = f.Limit
	}
	q += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("observability: query events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var e Event
		var ts int64
		if err := rows.Scan(&e.EventID, &ts, &e.Component, &e.EventType,
			&e.Exid, &e.Outcome, &e.ErrorText, &e.DurationMs, &e.Detail); err != nil {
			return nil, fmt.Errorf("observability: scan event: %w", err)
		}
		e.Timestamp = time.Unix(ts, 0)
		events = append(events, &e)
	}
	return events, rows.Err()
}

// CycleStats aggregates cycle outcomes since a point in time.
type CycleStats struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

// Stats returns poll cycle counts since the given time.
func (l *EventLogger) Stats(ctx context.Context, since time.Time) (*CycleStats, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN outcome = 'success' THEN 1 ELSE 0 END), 0)
		FROM fleet_event_logs
		WHERE event_type = 'poll_cycle' AND timestamp >= ?`, since.Unix())

	var st CycleStats
	if err := row.Scan(&st.Total, &st.Success); err != nil {
		return nil, fmt.Errorf("observability: stats: %w", err)
	}
	st.Failed = st.Total - st.Success
	return &st, nil
}

// Cleanup deletes events older than retentionDays.
func (l *EventLogger) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	threshold := time.Now().AddDate(0, 0, -retentionDays).Unix()
	result, err := l.db.ExecContext(ctx,
		`DELETE FROM fleet_event_logs WHERE timestamp < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("observability: cleanup events: %w", err)
	}
	return result.RowsAffected()
}

// Close drains the buffer and stops the flush goroutine.
func (l *EventLogger) Close() error {
	close(l.stop)
	<-l.done
	return nil
}

func (l *EventLogger) fillDefaults(e *Event) {
	if e.EventID == "" {
		e.EventID = l.newID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Outcome == "" {
		if e.ErrorText != "" {
			e.Outcome = "error"
		} else {
			e.Outcome = "success"
		}
	}
}

func (l *EventLogger) flushLoop() {
	defer close(l.done)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	batch := make([]*Event, 0, 100)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		tx, err := l.db.BeginTx(ctx, nil)
		if err != nil {
			slog.Error("observability: begin tx", "error", err)
			return
		}
		stmt, err := tx.PrepareContext(ctx, insertEventSQL)
		if err != nil {
			tx.Rollback()
			slog.Error("observability: prepare", "error", err)
			return
		}
		defer stmt.Close()

		for _, e := range batch {
			if _, err := stmt.ExecContext(ctx, eventArgs(e)...); err != nil {
				slog.Error("observability: insert event", "error", err, "event_id", e.EventID)
			}
		}
		if err := tx.Commit(); err != nil {
			slog.Error("observability: commit", "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-l.stop:
			for {
				select {
				case e := <-l.ch:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		case e := <-l.ch:
			batch = append(batch, e)
			if len(batch) >= 100 {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

var insertEventSQL = strings.TrimSpace(`
	INSERT INTO fleet_event_logs
	(event_id, timestamp, component, event_type, exid, outcome, error_text, duration_ms, detail)
	VALUES (?,?,?,?,?,?,?,?,?)`)

func eventArgs(e *Event) []any {
	return []any{e.EventID, e.Timestamp.Unix(), e.Component, e.EventType,
		e.Exid, e.Outcome, e.ErrorText, e.DurationMs, e.Detail}
}

func (l *EventLogger) insert(ctx context.Context, e *Event) error {
	_, err := l.db.ExecContext(ctx, insertEventSQL, eventArgs(e)...)
	return err
}
