// Package sqlite archives log events to a SQLite database so they survive a
// restart. The archive doubles as a store.Source: events younger than the
// retention horizon are merged back into the all-traces view.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ryouol/agent-diagnostics/pkg/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id             TEXT PRIMARY KEY,
	ts             INTEGER NOT NULL,
	level          TEXT NOT NULL,
	message        TEXT NOT NULL,
	agent          TEXT NOT NULL DEFAULT '',
	tool           TEXT NOT NULL DEFAULT '',
	correlation_id TEXT NOT NULL DEFAULT '',
	details        TEXT
);
CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);
CREATE INDEX IF NOT EXISTS idx_events_correlation ON events(correlation_id);
`

// Archive is a SQLite-backed event archive. It is safe for concurrent use.
type Archive struct {
	db        *sql.DB
	path      string
	retention time.Duration
	now       func() time.Time
}

// Open opens (creating if needed) the archive at path with WAL journaling and
// a 5 second busy timeout. Events(ctx) returns only events newer than
// retention; zero disables the horizon.
func Open(path string, retention time.Duration) (*Archive, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	ctx := context.Background()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema on %s: %w", path, err)
	}

	return &Archive{db: db, path: path, retention: retention, now: time.Now}, nil
}

// SetClock overrides the clock used for the retention horizon (tests).
func (a *Archive) SetClock(now func() time.Time) {
	a.now = now
}

// Name identifies the archive as an event source.
func (a *Archive) Name() string {
	return "sqlite:" + a.path
}

// Save writes events in one transaction. Events already archived (same id)
// are left untouched.
func (a *Archive) Save(ctx context.Context, events []models.LogEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin archive tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO events
		(id, ts, level, message, agent, tool, correlation_id, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare archive insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		if e.ID == "" {
			return fmt.Errorf("archive event at %s: missing id", e.Timestamp.Format(time.RFC3339))
		}
		var details sql.NullString
		if len(e.Details) > 0 {
			data, err := json.Marshal(e.Details)
			if err != nil {
				return fmt.Errorf("encode details of %s: %w", e.ID, err)
			}
			details = sql.NullString{String: string(data), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, e.ID, e.Timestamp.UnixNano(), string(e.Level), e.Message,
			e.Agent, e.Tool, e.CorrelationID, details); err != nil {
			return fmt.Errorf("insert event %s: %w", e.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit archive tx: %w", err)
	}
	return nil
}

// Events returns archived events inside the retention horizon, oldest first.
func (a *Archive) Events(ctx context.Context) ([]models.LogEvent, error) {
	var since int64
	if a.retention > 0 {
		since = a.now().Add(-a.retention).UnixNano()
	}

	rows, err := a.db.QueryContext(ctx, `SELECT id, ts, level, message, agent, tool, correlation_id, details
		FROM events WHERE ts >= ? ORDER BY ts, id`, since)
	if err != nil {
		return nil, fmt.Errorf("query archive: %w", err)
	}
	defer rows.Close()

	var out []models.LogEvent
	for rows.Next() {
		var (
			e       models.LogEvent
			ts      int64
			level   string
			details sql.NullString
		)
		if err := rows.Scan(&e.ID, &ts, &level, &e.Message, &e.Agent, &e.Tool, &e.CorrelationID, &details); err != nil {
			return nil, fmt.Errorf("scan archived event: %w", err)
		}
		e.Timestamp = time.Unix(0, ts).UTC()
		e.Level = models.LogLevel(level)
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &e.Details); err != nil {
				return nil, fmt.Errorf("decode details of %s: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate archive: %w", err)
	}
	return out, nil
}

// Count returns the number of archived events.
func (a *Archive) Count(ctx context.Context) (int, error) {
	var n int
	if err := a.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&n); err != nil {
		return 0, fmt.Errorf("count archive: %w", err)
	}
	return n, nil
}

// Prune deletes events strictly older than now-olderThan and returns how
// many were removed.
func (a *Archive) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := a.now().Add(-olderThan).UnixNano()
	res, err := a.db.ExecContext(ctx, "DELETE FROM events WHERE ts < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune archive: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune archive: %w", err)
	}
	return int(n), nil
}

// Close closes the database.
func (a *Archive) Close() error {
	return a.db.Close()
}
