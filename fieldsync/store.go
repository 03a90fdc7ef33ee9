// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// OpenDatabase opens (or creates) the local SQLite database at path with the
// connection options the engine relies on.
func OpenDatabase(path string) (*sql.DB, error) {
	q := url.Values{}
	q.Set("_foreign_keys", "on")
	q.Set("_busy_timeout", "5000")
	q.Set("_journal_mode", "WAL")
	q.Set("_txlock", "immediate")
	db, err := sql.Open("sqlite3", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// txn is a write transaction plus hooks that run once its outcome is known.
type txn struct {
	*sql.Tx
	committedLocked []func() // after commit, still holding the writer lock
	rolledBack      []func() // after rollback, still holding the writer lock
	committed       []func() // after commit, writer lock released
}

func (t *txn) onCommitLocked(fn func()) { t.committedLocked = append(t.committedLocked, fn) }
func (t *txn) onRollback(fn func())     { t.rolledBack = append(t.rolledBack, fn) }
func (t *txn) afterCommit(fn func())    { t.committed = append(t.committed, fn) }

// store serializes all local writes. Each withTx call is one atomic unit.
type store struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time
}

func newStore(db *sql.DB, clock func() time.Time) *store {
	if clock == nil {
		clock = time.Now
	}
	return &store{db: db, now: clock}
}

func (s *store) nowMillis() int64 { return s.now().UnixMilli() }

func (s *store) withTx(ctx context.Context, fn func(tx *txn) error) error {
	s.mu.Lock()
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	tx := &txn{Tx: sqlTx}
	if err := fn(tx); err != nil {
		_ = sqlTx.Rollback()
		for _, h := range tx.rolledBack {
			h()
		}
		s.mu.Unlock()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		for _, h := range tx.rolledBack {
			h()
		}
		s.mu.Unlock()
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	for _, h := range tx.committedLocked {
		h()
	}
	s.mu.Unlock()
	for _, h := range tx.committed {
		h()
	}
	return nil
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// initializeDatabase creates the engine's metadata tables and recovers state
// left behind by a process that died mid-run.
func initializeDatabase(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		// Write-once temp -> real identifier mappings
		`CREATE TABLE IF NOT EXISTS fs_id_mappings (
			temp_id     TEXT PRIMARY KEY,
			real_id     TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			recorded_at INTEGER NOT NULL
		)`,

		// Physical content, one row per distinct sha256 digest
		`CREATE TABLE IF NOT EXISTS fs_blobs (
			content_key TEXT PRIMARY KEY,
			size        INTEGER NOT NULL,
			ref_count   INTEGER NOT NULL DEFAULT 0,
			resident    INTEGER NOT NULL DEFAULT 1,
			created_at  INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS fs_blob_pointers (
			logical_id  TEXT PRIMARY KEY,
			content_key TEXT NOT NULL REFERENCES fs_blobs(content_key),
			created_at  INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS fs_blob_pointers_content ON fs_blob_pointers(content_key)`,

		`CREATE TABLE IF NOT EXISTS fs_images (
			image_id             TEXT PRIMARY KEY,
			scope                TEXT NOT NULL,
			entity_type          TEXT NOT NULL,
			entity_id            TEXT NOT NULL,
			temp_attachment_id   TEXT NOT NULL UNIQUE,
			attachment_id        TEXT,
			binary_key           TEXT,
			annotated_binary_key TEXT,
			photo_role           TEXT NOT NULL DEFAULT '',
			caption              TEXT NOT NULL DEFAULT '',
			annotation           TEXT,
			has_annotated        INTEGER NOT NULL DEFAULT 0,
			content_type         TEXT NOT NULL DEFAULT '',
			status               TEXT NOT NULL CHECK (status IN ('local_only','queued','uploading','uploaded','verified','failed')),
			last_error           TEXT NOT NULL DEFAULT '',
			created_at           INTEGER NOT NULL,
			updated_at           INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS fs_images_entity ON fs_images(entity_type, entity_id)`,
		`CREATE INDEX IF NOT EXISTS fs_images_status ON fs_images(status)`,

		`CREATE TABLE IF NOT EXISTS fs_records (
			record_id   TEXT PRIMARY KEY,
			real_id     TEXT,
			entity_type TEXT NOT NULL,
			parent_id   TEXT NOT NULL DEFAULT '',
			scope       TEXT NOT NULL,
			fields      TEXT NOT NULL DEFAULT '{}',
			field_times TEXT NOT NULL DEFAULT '{}',
			status      TEXT NOT NULL CHECK (status IN ('pending','synced')),
			created_at  INTEGER NOT NULL,
			updated_at  INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS fs_records_parent ON fs_records(parent_id)`,
		`CREATE INDEX IF NOT EXISTS fs_records_real ON fs_records(real_id)`,

		// Durable outbox; seq preserves FIFO order within a priority
		`CREATE TABLE IF NOT EXISTS fs_pending_operations (
			seq             INTEGER PRIMARY KEY AUTOINCREMENT,
			op_id           TEXT NOT NULL UNIQUE,
			kind            TEXT NOT NULL CHECK (kind IN ('create','update','delete')),
			entity_type     TEXT NOT NULL,
			target_id       TEXT NOT NULL,
			field           TEXT NOT NULL DEFAULT '',
			payload         TEXT,
			dependencies    TEXT NOT NULL DEFAULT '[]',
			status          TEXT NOT NULL CHECK (status IN ('pending','in_flight','failed')),
			priority        INTEGER NOT NULL DEFAULT 0,
			attempts        INTEGER NOT NULL DEFAULT 0,
			dispatches      INTEGER NOT NULL DEFAULT 0,
			last_error      TEXT NOT NULL DEFAULT '',
			idempotency_key TEXT NOT NULL,
			scope           TEXT NOT NULL,
			next_attempt_at INTEGER NOT NULL DEFAULT 0,
			created_at      INTEGER NOT NULL,
			updated_at      INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS fs_pending_ready ON fs_pending_operations(status, priority DESC, seq)`,
		`CREATE INDEX IF NOT EXISTS fs_pending_target ON fs_pending_operations(target_id)`,

		// expires_at stays NULL until the deletion is acknowledged or cancelled locally
		`CREATE TABLE IF NOT EXISTS fs_tombstones (
			alias       TEXT PRIMARY KEY,
			entity_type TEXT NOT NULL,
			origin_id   TEXT NOT NULL,
			deleted_at  INTEGER NOT NULL,
			expires_at  INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS fs_tombstones_origin ON fs_tombstones(origin_id)`,
	}
	for _, stmt := range tables {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create sync table: %w", err)
		}
	}

	// Operations and uploads interrupted by a crash go back to the ready pool.
	if _, err := db.ExecContext(ctx, `UPDATE fs_pending_operations SET status = 'pending' WHERE status = 'in_flight'`); err != nil {
		return fmt.Errorf("failed to recover in-flight operations: %w", err)
	}
	if _, err := db.ExecContext(ctx, `UPDATE fs_images SET status = 'queued' WHERE status = 'uploading'`); err != nil {
		return fmt.Errorf("failed to recover uploading images: %w", err)
	}
	return nil
}
