/**
 * Setting Store
 *
 * Features:
 * - Key/value settings persisted in setting_record
 * - In-process subscribers notified on Put
 * - Polling watch that picks up rows written by another process
 * - Versioned reads and compare-and-store writes for merging writers
 *
 * Author: tgfiles maintainers
 * Update History:
 * - 2025-03-02: Initial implementation
 * - 2025-03-27: Watch for edits made through the CLI while serving
 * - 2025-04-02: Compare-and-store so concurrent writers do not drop edits
 */

package state

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// Well-known setting keys.
const (
	SettingAutomation        = "automation"
	SettingAutoDownloadLimit = "autoDownloadLimit"
	SettingTimeLimited       = "autoDownloadTimeLimited"
)

// SettingStore reads and writes settings and fans out change notifications.
type SettingStore struct {
	db Querier

	mu     sync.Mutex
	subs   map[string]map[int]func(string)
	nextID int
	seen   map[string]int64
}

// NewSettingStore creates a new setting store.
func NewSettingStore(db Querier) *SettingStore {
	return &SettingStore{
		db:   db,
		subs: make(map[string]map[int]func(string)),
		seen: make(map[string]int64),
	}
}

// Get returns the value of key and whether it exists.
func (s *SettingStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.GetContext(ctx, &value, `SELECT value FROM setting_record WHERE key = ?`, key)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	return value, true, nil
}

// Store writes key without notifying subscribers.
func (s *SettingStore) Store(ctx context.Context, key, value string) error {
	query := `
    INSERT INTO setting_record (key, value, updated_at) VALUES (?, ?, ?)
    ON CONFLICT(key) DO UPDATE SET
      value = excluded.value,
      updated_at = MAX(excluded.updated_at, setting_record.updated_at + 1)
    RETURNING updated_at`

	var updatedAt int64
	if err := s.db.GetContext(ctx, &updatedAt, query, key, value, nowMillis()); err != nil {
		return fmt.Errorf("failed to store setting %s: %w", key, err)
	}

	s.mu.Lock()
	s.seen[key] = updatedAt
	s.mu.Unlock()

	return nil
}

// Version returns the value of key and its version, the updated_at of the
// row. A missing key has version 0.
func (s *SettingStore) Version(ctx context.Context, key string) (string, int64, error) {
	var st Setting
	err := s.db.GetContext(ctx, &st, `SELECT key, value, updated_at FROM setting_record WHERE key = ?`, key)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", 0, nil
		}
		return "", 0, fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	return st.Value, st.UpdatedAt, nil
}

// CompareAndStore writes key only when its stored version is still version
// and returns the new version. ok is false when another writer changed the
// row first. Subscribers are not notified.
func (s *SettingStore) CompareAndStore(ctx context.Context, key, value string, version int64) (int64, bool, error) {
	query := `
    UPDATE setting_record SET value = ?, updated_at = MAX(?, updated_at + 1)
    WHERE key = ? AND updated_at = ?
    RETURNING updated_at`
	args := []interface{}{value, nowMillis(), key, version}
	if version == 0 {
		query = `
    INSERT INTO setting_record (key, value, updated_at) VALUES (?, ?, ?)
    ON CONFLICT(key) DO NOTHING
    RETURNING updated_at`
		args = []interface{}{key, value, nowMillis()}
	}

	var updatedAt int64
	if err := s.db.GetContext(ctx, &updatedAt, query, args...); err != nil {
		if err == sql.ErrNoRows {
			return version, false, nil
		}
		return 0, false, fmt.Errorf("failed to store setting %s: %w", key, err)
	}

	s.mu.Lock()
	if updatedAt > s.seen[key] {
		s.seen[key] = updatedAt
	}
	s.mu.Unlock()

	return updatedAt, true, nil
}

// Put writes key and notifies its subscribers.
func (s *SettingStore) Put(ctx context.Context, key, value string) error {
	if err := s.Store(ctx, key, value); err != nil {
		return err
	}
	s.notify(key, value)
	return nil
}

// All returns every stored setting.
func (s *SettingStore) All(ctx context.Context) ([]*Setting, error) {
	var settings []*Setting
	if err := s.db.SelectContext(ctx, &settings, `SELECT key, value, updated_at FROM setting_record ORDER BY key`); err != nil {
		return nil, fmt.Errorf("failed to list settings: %w", err)
	}
	return settings, nil
}

// Subscribe registers fn for changes of key and returns a function that
// removes the subscription.
func (s *SettingStore) Subscribe(key string, fn func(value string)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	if s.subs[key] == nil {
		s.subs[key] = make(map[int]func(string))
	}
	s.subs[key][id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs[key], id)
	}
}

func (s *SettingStore) notify(key, value string) {
	s.mu.Lock()
	fns := make([]func(string), 0, len(s.subs[key]))
	for _, fn := range s.subs[key] {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(value)
	}
}

// Prime records the current version of every row without notifying.
func (s *SettingStore) Prime(ctx context.Context) error {
	settings, err := s.All(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range settings {
		if st.UpdatedAt > s.seen[st.Key] {
			s.seen[st.Key] = st.UpdatedAt
		}
	}
	return nil
}

// Poll notifies subscribers of rows changed since they were last seen and
// returns how many keys changed.
func (s *SettingStore) Poll(ctx context.Context) (int, error) {
	settings, err := s.All(ctx)
	if err != nil {
		return 0, err
	}

	var changed []*Setting
	s.mu.Lock()
	for _, st := range settings {
		if st.UpdatedAt > s.seen[st.Key] {
			s.seen[st.Key] = st.UpdatedAt
			changed = append(changed, st)
		}
	}
	s.mu.Unlock()

	for _, st := range changed {
		s.notify(st.Key, st.Value)
	}
	return len(changed), nil
}

// Watch polls every interval until ctx is done. onError receives poll
// failures; it may be nil.
func (s *SettingStore) Watch(ctx context.Context, interval time.Duration, onError func(error)) {
	if err := s.Prime(ctx); err != nil && onError != nil {
		onError(err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Poll(ctx); err != nil && onError != nil && ctx.Err() == nil {
				onError(err)
			}
		}
	}
}
