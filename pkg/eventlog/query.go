// Package eventlog provides read-only access to the orchestrator's SQLite
// event log, for the CLI history view and other tooling that must not
// contend with the daemon's writes.
package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"loom/pkg/protocol"
)

// timeLayout matches SQLite's datetime('now') text, which is what the store
// writes into created_at.
const timeLayout = "2006-01-02 15:04:05"

// QueryOpts filters the event history. Zero fields do not filter.
type QueryOpts struct {
	// ChunkID restricts to one work unit's events.
	ChunkID string

	// EventType restricts to one type, e.g. "dispatch" or "needs_attention".
	EventType string

	// After keeps events created at or after this time.
	After *time.Time

	// Before keeps events created at or before this time.
	Before *time.Time

	// Limit caps the number of results, 0 means no cap.
	Limit int
}

// Reader is a read-only handle on the event log.
type Reader struct {
	db *sql.DB
}

// NewReader opens the daemon's SQLite database read-only. The daemon owns
// the write side; opening ro keeps history queries from taking write locks.
func NewReader(dbPath string) (*Reader, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("event log not found: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?mode=ro&_journal_mode=WAL", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping event log: %w", err)
	}
	return &Reader{db: db}, nil
}

// Close releases the database handle. Safe to call more than once.
func (r *Reader) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Query returns events matching opts, newest first.
func (r *Reader) Query(ctx context.Context, opts QueryOpts) ([]protocol.Event, error) {
	query, args := buildQuery(opts)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []protocol.Event
	for rows.Next() {
		var e protocol.Event
		if err := rows.Scan(&e.ID, &e.Type, &e.ChunkID, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

func buildQuery(opts QueryOpts) (string, []any) {
	var conditions []string
	var args []any

	query := "SELECT id, type, chunk_id, detail, created_at FROM events"

	if opts.ChunkID != "" {
		conditions = append(conditions, "chunk_id = ?")
		args = append(args, opts.ChunkID)
	}
	if opts.EventType != "" {
		conditions = append(conditions, "type = ?")
		args = append(args, opts.EventType)
	}
	if opts.After != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, opts.After.UTC().Format(timeLayout))
	}
	if opts.Before != nil {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, opts.Before.UTC().Format(timeLayout))
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY id DESC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	return query, args
}
