package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema versions, tracked in PRAGMA user_version:
//
//	0 - pre-versioning databases
//	1 - covering index idx_records_ref on records(concept, action, seq)
const currentSchemaVersion = 1

// Store is the durable action log, backed by SQLite in WAL mode so
// trace reads can run while the engine appends.
type Store struct {
	db *sql.DB
}

// Open opens the log at path, creating the file and schema on first
// use. Reopening an existing log re-applies pragmas and any migrations
// its version is missing; both are no-ops on a current database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect %s: %w", path, err)
	}

	// SQLite allows one writer; a single pooled connection keeps
	// appends from tripping over SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the connection pool. Safe on a zero Store.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the underlying handle for maintenance commands that need
// raw SQL, like verification and test fixtures.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping reports whether the database still answers; the gateway's
// healthz probe calls it.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// applyPragmas puts the connection into the mode the log requires:
// WAL journaling with NORMAL sync, a busy timeout for lock contention,
// and foreign keys on so firings cannot reference missing records.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return nil
}

// applySchema creates missing tables and brings the schema version up
// to date.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return runMigrations(db)
}

// runMigrations walks the version ladder recorded in user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// migrateToV1 adds the (concept, action, seq) covering index for
// databases created before it was part of schema.sql. New databases get
// it from the schema directly; IF NOT EXISTS makes this a no-op there.
func migrateToV1(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_records_ref
		ON records(concept, action, seq)
	`); err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// verifyPragma reads one pragma back, for tests.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	if err := s.db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
