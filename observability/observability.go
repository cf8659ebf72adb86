// Package observability records domain-level generation events in SQLite so
// operators can answer "what happened to this sheet" without scraping logs.
// The event log is advisory: writes never block or fail the pipeline.
package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/atelier/idgen"
)

// Schema creates the event log table.
const Schema = `
CREATE TABLE IF NOT EXISTS generation_events (
    event_id    TEXT PRIMARY KEY,
    event_type  TEXT NOT NULL,
    design_id   TEXT NOT NULL,
    sheet_id    TEXT NOT NULL,
    version_id  TEXT NOT NULL DEFAULT '',
    outcome     TEXT NOT NULL DEFAULT '',
    strictness  INTEGER NOT NULL DEFAULT 0,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    detail      TEXT NOT NULL DEFAULT '',
    created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_generation_events_sheet
    ON generation_events (design_id, sheet_id, created_at);
`

// Event types.
const (
	EventBaselineGenerated    = "baseline_generated"
	EventModificationAccepted = "modification_accepted"
	EventModificationRejected = "modification_rejected"
)

// Event is one domain occurrence worth keeping.
type Event struct {
	Type       string
	DesignID   string
	SheetID    string
	VersionID  string
	Outcome    string
	Strictness int
	Duration   time.Duration
	// Detail carries a short free-text diagnosis (e.g. a rejection summary).
	Detail string
}

// EventLogger writes generation events.
type EventLogger struct {
	db    *sql.DB
	newID idgen.Generator
}

// EventLoggerOption configures an EventLogger.
type EventLoggerOption func(*EventLogger)

// WithEventIDGenerator sets a custom ID generator for event IDs.
func WithEventIDGenerator(gen idgen.Generator) EventLoggerOption {
	return func(l *EventLogger) { l.newID = gen }
}

// NewEventLogger creates a logger backed by the given database (schema
// applied via dbopen.WithSchema(observability.Schema)).
func NewEventLogger(db *sql.DB, opts ...EventLoggerOption) *EventLogger {
	l := &EventLogger{
		db:    db,
		newID: idgen.Prefixed("evt_", idgen.Default),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// LogEvent records an event. Non-blocking: errors are logged via slog but do
// not propagate, so a failing event store never blocks a generation.
func (l *EventLogger) LogEvent(ctx context.Context, e Event) {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO generation_events (
			event_id, event_type, design_id, sheet_id, version_id,
			outcome, strictness, duration_ms, detail, created_at
		) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		l.newID(), e.Type, e.DesignID, e.SheetID, e.VersionID,
		e.Outcome, e.Strictness, e.Duration.Milliseconds(), e.Detail,
		time.Now().Unix())
	if err != nil {
		slog.Error("event log failed", "error", err, "event_type", e.Type)
	}
}

// Recent returns up to limit events for a sheet, newest first.
func (l *EventLogger) Recent(ctx context.Context, designID, sheetID string, limit int) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT event_type, design_id, sheet_id, version_id, outcome,
		       strictness, duration_ms, detail
		FROM generation_events
		WHERE design_id = ? AND sheet_id = ?
		ORDER BY created_at DESC, event_id DESC
		LIMIT ?`, designID, sheetID, limit)
	if err != nil {
		return nil, fmt.Errorf("observability: query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var durationMS int64
		if err := rows.Scan(&e.Type, &e.DesignID, &e.SheetID, &e.VersionID,
			&e.Outcome, &e.Strictness, &durationMS, &e.Detail); err != nil {
			return nil, fmt.Errorf("observability: scan event: %w", err)
		}
		e.Duration = time.Duration(durationMS) * time.Millisecond
		events = append(events, e)
	}
	return events, rows.Err()
}

// Cleanup deletes events older than the retention window. Zero days disables
// cleanup.
func Cleanup(ctx context.Context, db *sql.DB, retentionDays int) error {
	if retentionDays <= 0 {
		return nil
	}
	cutoff := time.Now().Unix() - int64(retentionDays*86400)
	if _, err := db.ExecContext(ctx,
		`DELETE FROM generation_events WHERE created_at < ?`, cutoff); err != nil {
		return fmt.Errorf("observability: cleanup: %w", err)
	}
	return nil
}
