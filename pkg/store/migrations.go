package store

import (
	"context"
	"database/sql"
	"fmt"
)

// migration is one numbered schema step. Statements run inside a single
// transaction together with the version bookkeeping row, so a failure
// partway leaves the database at the previous version.
type migration struct {
	version int
	name    string
	stmts   []string
}

// migrations is the ordered chain. Never reorder or edit an entry that has
// shipped; append a new version instead.
var migrations = []migration{
	{
		version: 1,
		name:    "initial schema",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS work_units (
				chunk_id         TEXT PRIMARY KEY,
				status           TEXT NOT NULL,
				phase            TEXT NOT NULL DEFAULT '',
				attention_reason TEXT NOT NULL DEFAULT '',
				worktree_path    TEXT NOT NULL DEFAULT '',
				branch_name      TEXT NOT NULL DEFAULT '',
				retry_count      INTEGER NOT NULL DEFAULT 0,
				created_at       TEXT NOT NULL,
				updated_at       TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_work_units_status ON work_units(status)`,
			`CREATE TABLE IF NOT EXISTS blockers (
				chunk_id   TEXT NOT NULL,
				blocked_on TEXT NOT NULL,
				PRIMARY KEY (chunk_id, blocked_on)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_blockers_blocked_on ON blockers(blocked_on)`,
			`CREATE TABLE IF NOT EXISTS events (
				id         INTEGER PRIMARY KEY AUTOINCREMENT,
				type       TEXT NOT NULL,
				chunk_id   TEXT NOT NULL DEFAULT '',
				detail     TEXT NOT NULL DEFAULT '',
				created_at TEXT NOT NULL DEFAULT (datetime('now'))
			)`,
			`CREATE INDEX IF NOT EXISTS idx_events_chunk ON events(chunk_id)`,
		},
	},
	{
		version: 2,
		name:    "session token and attention timestamp",
		stmts: []string{
			`ALTER TABLE work_units ADD COLUMN session_token TEXT`,
			`ALTER TABLE work_units ADD COLUMN attention_at TEXT`,
		},
	},
}

// latestVersion is the schema version this build writes.
var latestVersion = migrations[len(migrations)-1].version

const createMigrationsTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
	version    INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL DEFAULT (datetime('now'))
)`

// migrate brings the database to latestVersion. Already-applied versions are
// skipped, so running the full chain again is a no-op. A database stamped
// with a version newer than this build refuses to open.
func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, createMigrationsTable); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var version int
	if err := db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version > latestVersion {
		return fmt.Errorf("database schema version %d is newer than this build supports (%d)", version, latestVersion)
	}

	for _, m := range migrations {
		if version >= m.version {
			continue
		}
		if err := applyMigration(ctx, db, m); err != nil {
			return fmt.Errorf("apply migration %d (%s): %w", m.version, m.name, err)
		}
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range m.stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version) VALUES (?)`, m.version); err != nil {
		return fmt.Errorf("record version: %w", err)
	}
	return tx.Commit()
}
