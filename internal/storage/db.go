// Package storage is the device-local SQLite store: the durable message log
// and the outbound queue of messages written while offline.
package storage

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

const (
	dbFile        = "chat.db"
	schemaVersion = "2"

	// MetaLastDrain holds the unix time of the last drain that published
	// anything, written by whichever process ran it.
	MetaLastDrain = "last_drain_at"
)

// DB wraps the SQLite database of a peer. Several processes sharing the data
// directory may open the same file; WAL mode and busy_timeout keep them from
// tripping over each other.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates chat.db in dataDir.
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, dbFile)

	// busy_timeout in the DSN applies to every pooled connection, not just
	// the one that runs the PRAGMA below.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
		PRAGMA synchronous = NORMAL;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _meta (
			key   TEXT PRIMARY KEY,
			value TEXT
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create meta table: %w", err)
	}

	// Durable message log. The primary key is the dedup key: a message id
	// delivered by several relays is stored once.
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _messages (
			id            TEXT PRIMARY KEY,
			channel_id    TEXT NOT NULL,
			pubkey        TEXT NOT NULL,
			content       TEXT NOT NULL,
			created_at    INTEGER NOT NULL,
			alias         TEXT NOT NULL DEFAULT '',
			local         INTEGER NOT NULL DEFAULT 0,
			superseded_by TEXT NOT NULL DEFAULT '',
			received_at   INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS _messages_channel_time
			ON _messages (channel_id, created_at);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create messages table: %w", err)
	}

	// Outbound queue, FIFO by seq. claimed_by/claimed_at hold the drain lease
	// of the process currently publishing an entry.
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _outbox (
			seq         INTEGER PRIMARY KEY AUTOINCREMENT,
			channel_id  TEXT NOT NULL,
			content     TEXT NOT NULL,
			enqueued_at INTEGER NOT NULL,
			local_id    TEXT NOT NULL DEFAULT '',
			claimed_by  TEXT NOT NULL DEFAULT '',
			claimed_at  INTEGER NOT NULL DEFAULT 0
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create outbox table: %w", err)
	}

	if _, err := db.Exec(
		`INSERT INTO _meta (key, value) VALUES ('schema_version', ?)
		 ON CONFLICT(key) DO NOTHING`, schemaVersion,
	); err != nil {
		db.Close()
		return nil, fmt.Errorf("write schema version: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &DB{db: db, path: dbPath}, nil
}

// migrate upgrades a database written by an older schema. The first
// statement takes the write lock so two processes opening the same file
// cannot both run the upgrade.
func migrate(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE _meta SET value = value WHERE key = 'schema_version'`); err != nil {
		return fmt.Errorf("lock schema: %w", err)
	}
	var v string
	if err := tx.QueryRow(`SELECT value FROM _meta WHERE key = 'schema_version'`).Scan(&v); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if v != "1" {
		return tx.Commit()
	}
	if _, err := tx.Exec(`
		ALTER TABLE _outbox ADD COLUMN claimed_by TEXT NOT NULL DEFAULT '';
		ALTER TABLE _outbox ADD COLUMN claimed_at INTEGER NOT NULL DEFAULT 0;
	`); err != nil {
		return fmt.Errorf("migrate outbox: %w", err)
	}
	log.Printf("STORAGE: schema 1 -> %s", schemaVersion)
	if _, err := tx.Exec(`UPDATE _meta SET value = ? WHERE key = 'schema_version'`, schemaVersion); err != nil {
		return err
	}
	return tx.Commit()
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path
func (d *DB) Path() string {
	return d.path
}

// Meta returns a value from the _meta table, or "" if unset.
func (d *DB) Meta(key string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var v string
	err := d.db.QueryRow(`SELECT value FROM _meta WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}

// SetMeta stores a value in the _meta table.
func (d *DB) SetMeta(key, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(
		`INSERT INTO _meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value,
	)
	return err
}
