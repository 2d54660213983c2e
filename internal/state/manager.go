/**
 * State Manager
 *
 * Features:
 * - Owns the database and the file and setting stores
 * - Transactional helper returning tx-bound stores
 * - Health check
 *
 * Author: tgfiles maintainers
 * Update History:
 * - 2025-03-02: Initial implementation
 */

package state

import (
  "context"
  "fmt"

  "github.com/jmoiron/sqlx"
)

// Manager provides a unified interface for state management
type Manager struct {
  db       *DB
  files    *FileStore
  settings *SettingStore
}

// NewManager opens the database and creates the stores
func NewManager(cfg DBConfig) (*Manager, error) {
  db, err := NewDB(cfg)
  if err != nil {
    return nil, fmt.Errorf("failed to create database: %w", err)
  }

  return &Manager{
    db:       db,
    files:    NewFileStore(db),
    settings: NewSettingStore(db),
  }, nil
}

// Close closes the state manager
func (m *Manager) Close() error {
  return m.db.Close()
}

// DB returns the underlying database connection
func (m *Manager) DB() *DB {
  return m.db
}

// Files returns the file store
func (m *Manager) Files() *FileStore {
  return m.files
}

// Settings returns the setting store
func (m *Manager) Settings() *SettingStore {
  return m.settings
}

// InTx runs fn with a file store bound to a single transaction
func (m *Manager) InTx(ctx context.Context, fn func(files *FileStore) error) error {
  return m.db.WithTx(ctx, func(tx *sqlx.Tx) error {
    return fn(m.files.WithTx(tx))
  })
}

// HealthCheck checks the connection and both tables
func (m *Manager) HealthCheck(ctx context.Context) error {
  if err := m.db.HealthCheck(ctx); err != nil {
    return fmt.Errorf("database health check failed: %w", err)
  }

  var count int
  if err := m.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM setting_record"); err != nil {
    return fmt.Errorf("failed to query setting_record: %w", err)
  }
  if err := m.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM file_record LIMIT 1"); err != nil {
    return fmt.Errorf("failed to query file_record: %w", err)
  }

  return nil
}
