// ABOUTME: SQLite-backed audit ledger of cluster membership and delivery events.
// ABOUTME: Optional; carries no clinical payloads, only runtime bookkeeping.

package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Event kinds recorded by the coordinator.
const (
	EventRegistered   = "registered"
	EventDeregistered = "deregistered"
	EventRecovered    = "recovered"
	EventSuspected    = "suspected"
	EventDead         = "dead"
	EventRestored     = "restored"
	EventConflict     = "conflict"
	EventBackpressure = "backpressure"
)

// Event is one audit record.
type Event struct {
	ID      int64
	At      time.Time
	Kind    string
	AgentID string
	Detail  string
}

// Recorder accepts audit events. The coordinator writes through this so the
// ledger can be disabled without conditionals at every call site.
type Recorder interface {
	Record(ctx context.Context, kind, agentID, detail string)
}

// Nop discards all events. Used when the ledger is disabled.
type Nop struct{}

func (Nop) Record(context.Context, string, string, string) {}

// Ledger implements Recorder on a SQLite database.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the ledger database at path. ":memory:" is accepted.
// The schema is created on first open and parent directories are created as
// needed.
func Open(path string, logger *slog.Logger) (*Ledger, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating ledger directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening ledger database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			at TEXT NOT NULL,
			kind TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_events_agent ON events(agent_id, at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating ledger schema: %w", err)
	}

	logger.Info("ledger opened", "path", path)
	return &Ledger{db: db, logger: logger}, nil
}

// Record appends one event. Failures are logged, not returned; the ledger is
// an observer and must never affect routing.
func (l *Ledger) Record(ctx context.Context, kind, agentID, detail string) {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO events (at, kind, agent_id, detail) VALUES (?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339Nano), kind, agentID, detail,
	)
	if err != nil {
		l.logger.Warn("ledger write failed", "kind", kind, "agent_id", agentID, "error", err)
	}
}

// Recent returns up to limit events, newest first.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, at, kind, agent_id, detail FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var at string
		if err := rows.Scan(&e.ID, &at, &e.Kind, &e.AgentID, &e.Detail); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		if e.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("parsing event timestamp: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (l *Ledger) Close() error {
	return l.db.Close()
}
