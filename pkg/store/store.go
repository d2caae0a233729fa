// Package store persists work unit records and the event log in SQLite.
// All writes flow through the scheduler loop, so the store itself carries no
// locking beyond SQLite's own.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go sqlite driver

	"loom/pkg/protocol"
)

// Store is the durable state behind the scheduler: one row per work unit,
// a blockers relation for the blocked_by sets, and an append-only events
// table.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the database at path, applies pending
// migrations, and returns the store. Any failure here is fatal to daemon
// startup: an unreachable store or a migration failing partway must not run
// in a degraded state.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping state db: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Version returns the current schema version.
func (s *Store) Version(ctx context.Context) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

const unitColumns = `chunk_id, status, phase, attention_reason, worktree_path,
	branch_name, retry_count, created_at, updated_at, session_token, attention_at`

// Get returns the work unit for chunkID, or *protocol.NotFoundError.
func (s *Store) Get(ctx context.Context, chunkID string) (*protocol.WorkUnit, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+unitColumns+` FROM work_units WHERE chunk_id = ?`, chunkID)
	u, err := scanUnit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &protocol.NotFoundError{ChunkID: chunkID}
	}
	if err != nil {
		return nil, fmt.Errorf("get work unit %s: %w", chunkID, err)
	}
	if err := s.loadBlockers(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// ListByStatus returns units in the given status, oldest injection first.
func (s *Store) ListByStatus(ctx context.Context, status protocol.Status) ([]protocol.WorkUnit, error) {
	return s.list(ctx,
		`SELECT `+unitColumns+` FROM work_units WHERE status = ? ORDER BY created_at, chunk_id`,
		string(status))
}

// ListAll returns every work unit, oldest injection first.
func (s *Store) ListAll(ctx context.Context) ([]protocol.WorkUnit, error) {
	return s.list(ctx,
		`SELECT `+unitColumns+` FROM work_units ORDER BY created_at, chunk_id`)
}

// ListBlockedBy returns the units whose blocked_by set contains chunkID,
// i.e. the direct dependents of chunkID.
func (s *Store) ListBlockedBy(ctx context.Context, chunkID string) ([]protocol.WorkUnit, error) {
	return s.list(ctx,
		`SELECT `+unitColumns+` FROM work_units
		 WHERE chunk_id IN (SELECT chunk_id FROM blockers WHERE blocked_on = ?)
		 ORDER BY created_at, chunk_id`, chunkID)
}

// CountsByStatus returns the number of units per status. Statuses with no
// units are absent from the map.
func (s *Store) CountsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM work_units GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count work units: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count row: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// Upsert writes the unit and its blocked_by set in one transaction. A status
// change must follow the state machine; a same-status write is an update,
// not a transition.
func (s *Store) Upsert(ctx context.Context, u *protocol.WorkUnit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM work_units WHERE chunk_id = ?`, u.ChunkID).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("read status of %s: %w", u.ChunkID, err)
	case current != string(u.Status) && !protocol.CanTransition(protocol.Status(current), u.Status):
		return &protocol.InvalidStateError{
			ChunkID: u.ChunkID,
			Status:  protocol.Status(current),
			Op:      "transition to " + string(u.Status),
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO work_units (chunk_id, status, phase, attention_reason,
			worktree_path, branch_name, retry_count, created_at, updated_at,
			session_token, attention_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chunk_id) DO UPDATE SET
			status = excluded.status,
			phase = excluded.phase,
			attention_reason = excluded.attention_reason,
			worktree_path = excluded.worktree_path,
			branch_name = excluded.branch_name,
			retry_count = excluded.retry_count,
			updated_at = excluded.updated_at,
			session_token = excluded.session_token,
			attention_at = excluded.attention_at`,
		u.ChunkID, string(u.Status), string(u.Phase), u.AttentionReason,
		u.WorktreePath, u.BranchName, u.RetryCount,
		formatTime(u.CreatedAt), formatTime(u.UpdatedAt),
		nullString(u.SessionToken), nullTime(u.AttentionAt))
	if err != nil {
		return fmt.Errorf("upsert work unit %s: %w", u.ChunkID, err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM blockers WHERE chunk_id = ?`, u.ChunkID); err != nil {
		return fmt.Errorf("clear blockers for %s: %w", u.ChunkID, err)
	}
	for _, blockedOn := range u.BlockedBy {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO blockers (chunk_id, blocked_on) VALUES (?, ?)`,
			u.ChunkID, blockedOn); err != nil {
			return fmt.Errorf("insert blocker %s->%s: %w", u.ChunkID, blockedOn, err)
		}
	}
	return tx.Commit()
}

// LogEvent appends one row to the events table. Event logging is
// best-effort at call sites but the write itself reports failures.
func (s *Store) LogEvent(ctx context.Context, eventType, chunkID, detail string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (type, chunk_id, detail) VALUES (?, ?, ?)`,
		eventType, chunkID, detail)
	if err != nil {
		return fmt.Errorf("log event %s: %w", eventType, err)
	}
	return nil
}

// --- row scanning ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUnit(row rowScanner) (*protocol.WorkUnit, error) {
	var u protocol.WorkUnit
	var createdAt, updatedAt string
	var sessionToken, attentionAt sql.NullString

	err := row.Scan(&u.ChunkID, (*string)(&u.Status), (*string)(&u.Phase),
		&u.AttentionReason, &u.WorktreePath, &u.BranchName, &u.RetryCount,
		&createdAt, &updatedAt, &sessionToken, &attentionAt)
	if err != nil {
		return nil, err
	}

	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if u.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	// Rows written before the column existed read back as NULL and default
	// to empty here.
	if sessionToken.Valid {
		u.SessionToken = sessionToken.String
	}
	if attentionAt.Valid && attentionAt.String != "" {
		ts, err := parseTime(attentionAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse attention_at: %w", err)
		}
		u.AttentionAt = &ts
	}
	return &u, nil
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]protocol.WorkUnit, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list work units: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var units []protocol.WorkUnit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan work unit: %w", err)
		}
		units = append(units, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range units {
		if err := s.loadBlockers(ctx, &units[i]); err != nil {
			return nil, err
		}
	}
	return units, nil
}

func (s *Store) loadBlockers(ctx context.Context, u *protocol.WorkUnit) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT blocked_on FROM blockers WHERE chunk_id = ? ORDER BY blocked_on`, u.ChunkID)
	if err != nil {
		return fmt.Errorf("load blockers for %s: %w", u.ChunkID, err)
	}
	defer func() { _ = rows.Close() }()

	u.BlockedBy = nil
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("scan blocker: %w", err)
		}
		u.BlockedBy = append(u.BlockedBy, id)
	}
	return rows.Err()
}

// --- time encoding ---

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err == nil {
		return t, nil
	}
	// Rows written by SQLite itself use datetime('now') format.
	return time.Parse("2006-01-02 15:04:05", s)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}
