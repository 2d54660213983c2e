/**
 * Database Connection Management
 *
 * Features:
 * - SQLite connection management through sqlx
 * - Versioned schema tracked in PRAGMA user_version
 * - Transaction helpers shared by the stores
 *
 * Author: tgfiles maintainers
 * Update History:
 * - 2025-03-02: Initial implementation
 * - 2025-03-20: busy_timeout so the CLI can write while the daemon runs
 * - 2025-03-29: Schema versions
 */

package state

import (
	"context"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaFS embed.FS

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// migrations[i] brings the schema from version i to i+1.
var migrations = []func() (string, error){
	func() (string, error) {
		data, err := schemaFS.ReadFile("schema.sql")
		return string(data), err
	},
	func() (string, error) {
		return `CREATE INDEX IF NOT EXISTS idx_file_record_thread
  ON file_record (telegram_id, thread_chat_id, message_thread_id);`, nil
	},
}

// SchemaVersion is the schema version this build writes.
var SchemaVersion = len(migrations)

// DB wraps the record database.
type DB struct {
	*sqlx.DB
	path string
}

// DBConfig holds database configuration.
type DBConfig struct {
	Path         string
	MaxOpenConns int
	MaxIdleConns int
	MaxIdleTime  time.Duration
}

// DefaultConfig returns default database configuration.
func DefaultConfig() DBConfig {
	return DBConfig{
		Path:         "tgfiles.db",
		MaxOpenConns: 1,
		MaxIdleConns: 1,
		MaxIdleTime:  5 * time.Minute,
	}
}

func dsn(path string) string {
	if path == MemoryPath {
		return path + "?_foreign_keys=on"
	}
	return path + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
}

// NewDB opens the database, creating its directory, and migrates the
// schema to SchemaVersion.
func NewDB(cfg DBConfig) (*DB, error) {
	if cfg.Path != MemoryPath && !strings.HasPrefix(cfg.Path, "file:") {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite3", dsn(cfg.Path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// An in-memory database lives and dies with its only connection.
	if cfg.Path == MemoryPath || cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 1
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	if cfg.Path != MemoryPath {
		db.SetConnMaxIdleTime(cfg.MaxIdleTime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	wrapper := &DB{DB: db, path: cfg.Path}
	if err := wrapper.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return wrapper, nil
}

// Version returns the schema version stored in the database.
func (db *DB) Version(ctx context.Context) (int, error) {
	var v int
	if err := db.GetContext(ctx, &v, "PRAGMA user_version"); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return v, nil
}

// Migrate applies the missing schema steps, each in its own transaction.
// A database written by a newer build is refused.
func (db *DB) Migrate(ctx context.Context) error {
	current, err := db.Version(ctx)
	if err != nil {
		return err
	}
	if current > SchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", current, SchemaVersion)
	}

	for v := current; v < SchemaVersion; v++ {
		stmt, err := migrations[v]()
		if err != nil {
			return fmt.Errorf("failed to read schema step %d: %w", v+1, err)
		}

		err = db.WithTx(ctx, func(tx *sqlx.Tx) error {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
			// PRAGMA does not take bind parameters
			_, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", v+1))
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to apply schema step %d: %w", v+1, err)
		}
	}
	return nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// WithTx executes a function within a transaction.
func (db *DB) WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction failed: %w, rollback failed: %w", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// HealthCheck pings the database and checks the schema version.
func (db *DB) HealthCheck(ctx context.Context) error {
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}

	v, err := db.Version(ctx)
	if err != nil {
		return err
	}
	if v != SchemaVersion {
		return fmt.Errorf("schema version %d, expected %d", v, SchemaVersion)
	}
	return nil
}
