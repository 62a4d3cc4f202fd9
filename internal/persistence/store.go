// Package persistence keeps the job run ledger and the notification inbox in
// SQLite.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

// migration is one schema step. Checksums pin the statements so an edited
// migration is caught instead of silently diverging.
type migration struct {
	version    int
	checksum   string
	statements []string
}

var migrations = []migration{
	{
		version:  1,
		checksum: "cd-v1-2026-10-runs-inbox",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS job_runs (
				run_id TEXT PRIMARY KEY,
				job TEXT NOT NULL,
				session TEXT NOT NULL,
				trigger TEXT NOT NULL DEFAULT 'schedule',
				status TEXT NOT NULL CHECK(status IN ('ran', 'skipped-inactive-hours', 'skipped-busy', 'timed-out', 'error')),
				suppressed INTEGER NOT NULL DEFAULT 0,
				response TEXT NOT NULL DEFAULT '',
				error TEXT NOT NULL DEFAULT '',
				started_at DATETIME NOT NULL,
				duration_ms INTEGER NOT NULL DEFAULT 0
			);`,
			`CREATE TABLE IF NOT EXISTS notifications (
				id TEXT PRIMARY KEY,
				job TEXT NOT NULL,
				session TEXT NOT NULL,
				response TEXT NOT NULL,
				created_at DATETIME NOT NULL,
				read_at DATETIME
			);`,
			`CREATE INDEX IF NOT EXISTS idx_job_runs_job_started ON job_runs(job, started_at DESC);`,
			`CREATE INDEX IF NOT EXISTS idx_job_runs_started ON job_runs(started_at DESC);`,
			`CREATE INDEX IF NOT EXISTS idx_notifications_unread ON notifications(read_at, created_at DESC);`,
		},
	},
	{
		version:  2,
		checksum: "cd-v2-2026-10-notification-status",
		statements: []string{
			`ALTER TABLE notifications ADD COLUMN status TEXT NOT NULL DEFAULT 'ran';`,
			`ALTER TABLE notifications ADD COLUMN error TEXT NOT NULL DEFAULT '';`,
		},
	},
}

type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

const (
	busyBaseDelay = 50 * time.Millisecond
	busyMaxDelay  = 500 * time.Millisecond
)

// retryOnBusy runs f again while SQLite reports the database busy or locked,
// backing off exponentially with jitter. It gives up after maxRetries extra
// attempts or when ctx is done.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	delay := busyBaseDelay
	for attempt := 0; ; attempt++ {
		err := f()
		if err == nil || !isSQLiteBusy(err) || attempt >= maxRetries {
			return err
		}
		wait := delay/2 + time.Duration(rand.Int64N(int64(delay/2)+1))
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w (after %v)", ctx.Err(), err)
		case <-time.After(wait):
		}
		delay = min(delay*2, busyMaxDelay)
	}
}

// isSQLiteBusy reports SQLITE_BUSY and SQLITE_LOCKED, whether typed or
// flattened into a wrapped message.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED")
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

// initSchema applies pending migrations in one transaction and verifies the
// checksums of the ones already applied.
func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := map[int]string{}
	rows, err := tx.QueryContext(ctx, `SELECT version, checksum FROM schema_migrations;`)
	if err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}
	for rows.Next() {
		var v int
		var sum string
		if err := rows.Scan(&v, &sum); err != nil {
			rows.Close()
			return fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied[v] = sum
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}

	latest := migrations[len(migrations)-1].version
	for v := range applied {
		if v > latest {
			return fmt.Errorf("db schema version %d is newer than supported %d", v, latest)
		}
	}

	for _, m := range migrations {
		if sum, ok := applied[m.version]; ok {
			if sum != m.checksum {
				return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", m.version, sum, m.checksum)
			}
			continue
		}
		for _, stmt := range m.statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("apply migration %d: %w", m.version, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);`, m.version, m.checksum); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}
