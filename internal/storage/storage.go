// Package storage provides persistent storage using SQLite.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DBFile is the database file name inside the data directory.
const DBFile = "htlcd.db"

// Storage provides persistent storage for the scheduler daemon: the pending
// task registry, counterparty observations and revealed secrets.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
	now    func() time.Time
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New creates a new Storage instance.
func New(cfg *Config) (*Storage, error) {
	dataDir := ExpandPath(cfg.DataDir)

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DBFile)

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
		now:    time.Now,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Storage) Path() string {
	return s.dbPath
}

// initSchema creates all database tables.
func (s *Storage) initSchema() error {
	schema := `
	-- Pending swap tasks, keyed by self resource and hash-lock
	CREATE TABLE IF NOT EXISTS tasks (
		path TEXT NOT NULL,
		task_id TEXT NOT NULL,
		pair TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (path, task_id)
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_path_created ON tasks(path, created_at);

	-- Observations about the counterparty leg, recorded by the self side.
	-- Flags only ever go from 0 to 1.
	CREATE TABLE IF NOT EXISTS task_flags (
		path TEXT NOT NULL,
		task_id TEXT NOT NULL,
		counterparty_locked INTEGER NOT NULL DEFAULT 0,
		counterparty_unlocked INTEGER NOT NULL DEFAULT 0,
		counterparty_rolled_back INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (path, task_id)
	);

	-- Refund transactions sent for the self leg, latest per task
	CREATE TABLE IF NOT EXISTS refunds (
		path TEXT NOT NULL,
		task_id TEXT NOT NULL,
		tx_hash TEXT NOT NULL,
		sent_at INTEGER NOT NULL,
		PRIMARY KEY (path, task_id)
	);

	-- Revealed preimages
	CREATE TABLE IF NOT EXISTS secrets (
		task_id TEXT PRIMARY KEY,
		secret TEXT NOT NULL,
		source TEXT NOT NULL,
		revealed_at INTEGER NOT NULL
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	return s.runMigrations()
}

// runMigrations adds columns introduced after the first schema version.
// Errors are ignored since columns may already exist.
func (s *Storage) runMigrations() error {
	migrations := []string{
		"ALTER TABLE secrets ADD COLUMN tx_hash TEXT",
	}

	for _, migration := range migrations {
		_, _ = s.db.Exec(migration)
	}

	return nil
}

// ExpandPath expands ~ to home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

// isUniqueConstraintError checks if an error is a SQLite unique constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
