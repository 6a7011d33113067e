// Package sqlite implements the repository interfaces on an embedded SQLite
// database (modernc.org/sqlite, no cgo).
//
// The pool is limited to a single connection. SQLite serialises writers
// anyway, and one connection also makes ":memory:" databases behave like a
// single database instead of one per pooled connection.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	// Registers the "sqlite" driver with database/sql.
	_ "modernc.org/sqlite"
)

// DB wraps the connection pool. It implements repository.AccountRepository
// directly; the local identity store is reached through Identities.
type DB struct {
	conn *sql.DB
}

// New opens the database at dbPath and runs migrations.
//
// dbPath examples:
//   - "data/storefront.db" → file-based database
//   - ":memory:"           → in-memory database, lost on Close
func New(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: pinging database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", p, err)
		}
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: running migrations: %w", err)
	}

	return db, nil
}

// Close closes the connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping reports whether the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// migrate creates the schema. Statements are idempotent.
func (db *DB) migrate() error {
	// telegram_id is UNIQUE: one Telegram user maps to exactly one account.
	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS accounts (
			id          TEXT PRIMARY KEY,
			telegram_id INTEGER NOT NULL UNIQUE,
			full_name   TEXT NOT NULL DEFAULT '',
			username    TEXT NOT NULL DEFAULT '',
			avatar_url  TEXT NOT NULL DEFAULT '',
			role        TEXT NOT NULL DEFAULT 'authenticated',
			created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`)
	if err != nil {
		return fmt.Errorf("creating accounts table: %w", err)
	}

	// Local identity records, used when no external identity service is
	// configured. lookup_key is the deterministic per-user key.
	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS identities (
			id         TEXT PRIMARY KEY,
			lookup_key TEXT NOT NULL UNIQUE,
			metadata   TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`)
	if err != nil {
		return fmt.Errorf("creating identities table: %w", err)
	}

	return nil
}
