// Package store wraps the app's SQLite database. One file holds everything:
// accounts, friend lists, chat, and the call signaling records.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// DB wraps a SQLite database for one voxlink node.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates the database in the given data directory.
// WAL mode for concurrent readers; busy timeout instead of SQLITE_BUSY.
// The pragmas ride the DSN so they apply to every pooled connection, not
// just the one a PRAGMA statement happens to run on.
func Open(dataDir string) (*DB, error) {
	dbPath := filepath.Join(dataDir, "voxlink.db")

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := bootstrap(db); err != nil {
		db.Close()
		return nil, err
	}

	return &DB{db: db, path: dbPath}, nil
}

// OpenMemory opens a private in-memory database, used by tests. A plain
// ":memory:" DSN would give every pooled connection its own empty database,
// so the pool is pinned to a single connection; concurrent statements queue
// on it instead of landing on a schema-less sibling.
func OpenMemory() (*DB, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := bootstrap(db); err != nil {
		db.Close()
		return nil, err
	}
	return &DB{db: db, path: ":memory:"}, nil
}

func bootstrap(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id            TEXT PRIMARY KEY,
			email         TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			display_name  TEXT NOT NULL DEFAULT '',
			last_seen     DATETIME,
			created_at    DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS friends (
			user_id      TEXT NOT NULL,
			friend_id    TEXT NOT NULL,
			friend_email TEXT NOT NULL DEFAULT '',
			added_at     DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (user_id, friend_id)
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id           TEXT PRIMARY KEY,
			member_a     TEXT NOT NULL,
			member_b     TEXT NOT NULL,
			last_message TEXT NOT NULL DEFAULT '',
			updated_at   DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			sender_id       TEXT NOT NULL,
			body            TEXT NOT NULL DEFAULT '',
			attachment_path TEXT NOT NULL DEFAULT '',
			attachment_mime TEXT NOT NULL DEFAULT '',
			created_at      DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages (conversation_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS calls (
			id          TEXT PRIMARY KEY,
			caller_id   TEXT NOT NULL,
			callee_id   TEXT NOT NULL,
			caller_name TEXT NOT NULL DEFAULT '',
			call_type   TEXT NOT NULL,
			offer_type  TEXT NOT NULL,
			offer_sdp   TEXT NOT NULL,
			answer_type TEXT NOT NULL DEFAULT '',
			answer_sdp  TEXT NOT NULL DEFAULT '',
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
			ended_at    DATETIME,
			end_reason  TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_calls_callee
			ON calls (callee_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS candidates (
			call_id           TEXT NOT NULL,
			role              TEXT NOT NULL,
			seq               INTEGER NOT NULL,
			candidate         TEXT NOT NULL,
			sdp_mid           TEXT,
			sdp_mline_index   INTEGER,
			username_fragment TEXT,
			PRIMARY KEY (call_id, role, seq)
		)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return fmt.Errorf("bootstrap schema: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

// Exec executes a statement without returning rows.
func (d *DB) Exec(query string, args ...any) (sql.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.db.Exec(query, args...)
}

// Query executes a query that returns rows.
func (d *DB) Query(query string, args ...any) (*sql.Rows, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.db.Query(query, args...)
}

// QueryRow executes a query that returns a single row.
func (d *DB) QueryRow(query string, args ...any) *sql.Row {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.db.QueryRow(query, args...)
}

// Tx runs fn inside a transaction, committing on nil and rolling back on error.
func (d *DB) Tx(fn func(tx *sql.Tx) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
