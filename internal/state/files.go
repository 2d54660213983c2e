/**
 * File Record Operations
 *
 * Features:
 * - Idempotent create for discovered files
 * - Status transitions driven by the transfer layer
 * - Queue claim and ready selection for the download queue
 * - Batch lookups by unique id
 *
 * Author: tgfiles maintainers
 * Update History:
 * - 2025-03-02: Initial implementation
 * - 2025-03-20: Queue claim moved into a single UPDATE ... IN (SELECT)
 */

package state

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// FileStore handles file_record operations.
type FileStore struct {
	db Querier
}

// NewFileStore creates a new file store.
func NewFileStore(db Querier) *FileStore {
	return &FileStore{db: db}
}

// WithTx returns a store bound to the transaction.
func (s *FileStore) WithTx(tx *sqlx.Tx) *FileStore {
	return &FileStore{db: tx}
}

// FileFilter selects file records for listing.
type FileFilter struct {
	AccountID int64
	ChatID    int64 // 0 = all chats
	Statuses  []string
	Types     []string
	SinceDate int64 // unix seconds, 0 = no lower bound
	Limit     int
}

// QueueQuery selects idle files to claim for download.
type QueueQuery struct {
	AccountID   int64
	ChatID      int64 // 0 = all chats of the account
	Limit       int
	CutoffDate  int64 // unix seconds, 0 disables the cutoff
	OldestFirst bool
}

// CreateIfNotExist inserts the record unless one with the same unique id
// exists. It reports whether a row was inserted.
func (s *FileStore) CreateIfNotExist(ctx context.Context, f *FileRecord) (bool, error) {
	now := nowMillis()
	if f.CreatedAt == 0 {
		f.CreatedAt = now
	}
	f.UpdatedAt = now
	if f.DownloadStatus == "" {
		f.DownloadStatus = DownloadStatusIdle
	}
	if f.ScanState == "" {
		f.ScanState = ScanStateIdle
	}

	query := `
    INSERT INTO file_record (
      unique_id, file_id, telegram_id, chat_id, message_id, media_album_id,
      date, size, downloaded_size, type, mime_type, file_name, caption,
      local_path, download_status, scan_state, queued_at, download_priority,
      thread_chat_id, message_thread_id, start_date, completion_date,
      created_at, updated_at
    ) VALUES (
      :unique_id, :file_id, :telegram_id, :chat_id, :message_id, :media_album_id,
      :date, :size, :downloaded_size, :type, :mime_type, :file_name, :caption,
      :local_path, :download_status, :scan_state, :queued_at, :download_priority,
      :thread_chat_id, :message_thread_id, :start_date, :completion_date,
      :created_at, :updated_at
    ) ON CONFLICT(unique_id) DO NOTHING`

	result, err := s.db.NamedExecContext(ctx, query, f)
	if err != nil {
		return false, fmt.Errorf("failed to create file record %s: %w", f.UniqueID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows > 0, nil
}

// GetByUniqueID retrieves a record; a missing record is not an error.
func (s *FileStore) GetByUniqueID(ctx context.Context, uniqueID string) (*FileRecord, error) {
	var f FileRecord
	err := s.db.GetContext(ctx, &f, `SELECT * FROM file_record WHERE unique_id = ?`, uniqueID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get file record: %w", err)
	}

	return &f, nil
}

// GetByUniqueIDs retrieves the records that exist for the given ids.
func (s *FileStore) GetByUniqueIDs(ctx context.Context, uniqueIDs []string) (map[string]*FileRecord, error) {
	found := make(map[string]*FileRecord, len(uniqueIDs))
	if len(uniqueIDs) == 0 {
		return found, nil
	}

	query, args, err := sqlx.In(`SELECT * FROM file_record WHERE unique_id IN (?)`, uniqueIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to build lookup: %w", err)
	}

	var records []*FileRecord
	if err := s.db.SelectContext(ctx, &records, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to get file records: %w", err)
	}

	for _, r := range records {
		found[r.UniqueID] = r
	}
	return found, nil
}

// List returns records matching the filter, newest message first.
func (s *FileStore) List(ctx context.Context, filter FileFilter) ([]*FileRecord, error) {
	where := []string{"telegram_id = ?"}
	args := []interface{}{filter.AccountID}

	if filter.ChatID != 0 {
		where = append(where, "chat_id = ?")
		args = append(args, filter.ChatID)
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "download_status IN (?)")
		args = append(args, filter.Statuses)
	}
	if len(filter.Types) > 0 {
		where = append(where, "type IN (?)")
		args = append(args, filter.Types)
	}
	if filter.SinceDate > 0 {
		where = append(where, "date >= ?")
		args = append(args, filter.SinceDate)
	}

	query := "SELECT * FROM file_record WHERE " + strings.Join(where, " AND ") + " ORDER BY message_id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to build file query: %w", err)
	}

	var records []*FileRecord
	if err := s.db.SelectContext(ctx, &records, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list file records: %w", err)
	}

	return records, nil
}

// MinMessageID returns the smallest known message id of a chat, 0 if none.
func (s *FileStore) MinMessageID(ctx context.Context, accountID, chatID int64) (int64, error) {
	var minID int64
	query := `SELECT COALESCE(MIN(message_id), 0) FROM file_record WHERE telegram_id = ? AND chat_id = ?`

	if err := s.db.GetContext(ctx, &minID, query, accountID, chatID); err != nil {
		return 0, fmt.Errorf("failed to get min message id: %w", err)
	}

	return minID, nil
}

// CountByStatus counts records of an account (and chat, when non-zero)
// with the given download status.
func (s *FileStore) CountByStatus(ctx context.Context, accountID, chatID int64, status string) (int64, error) {
	query := `SELECT COUNT(*) FROM file_record WHERE telegram_id = ? AND download_status = ?`
	args := []interface{}{accountID, status}
	if chatID != 0 {
		query += ` AND chat_id = ?`
		args = append(args, chatID)
	}

	var count int64
	if err := s.db.GetContext(ctx, &count, query, args...); err != nil {
		return 0, fmt.Errorf("failed to count file records: %w", err)
	}

	return count, nil
}

// UpdateDownloadStatus moves a record to status. Moving to idle releases the
// queue claim; moving to completed or downloaded stamps the completion date.
// It reports whether the record exists.
func (s *FileStore) UpdateDownloadStatus(ctx context.Context, uniqueID, status, localPath string) (bool, error) {
	if !IsValidDownloadStatus(status) {
		return false, fmt.Errorf("invalid download status %q", status)
	}

	query := `
    UPDATE file_record SET
      download_status = :status,
      scan_state      = CASE WHEN :status = 'idle' THEN 'idle' ELSE scan_state END,
      queued_at       = CASE WHEN :status = 'idle' THEN NULL ELSE queued_at END,
      start_date      = CASE WHEN :status = 'downloading' AND start_date = 0 THEN :now ELSE start_date END,
      completion_date = CASE WHEN :status IN ('completed', 'downloaded') THEN :now ELSE completion_date END,
      downloaded_size = CASE WHEN :status IN ('completed', 'downloaded') THEN size ELSE downloaded_size END,
      local_path      = CASE WHEN :local_path <> '' THEN :local_path ELSE local_path END,
      updated_at      = :now
    WHERE unique_id = :unique_id`

	result, err := s.db.NamedExecContext(ctx, query, map[string]interface{}{
		"status":     status,
		"local_path": localPath,
		"now":        nowMillis(),
		"unique_id":  uniqueID,
	})
	if err != nil {
		return false, fmt.Errorf("failed to update download status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows > 0, nil
}

// ResetForRetry returns an errored or paused record to idle so it can be
// queued again. It reports whether the record was reset.
func (s *FileStore) ResetForRetry(ctx context.Context, uniqueID string) (bool, error) {
	query := `
    UPDATE file_record
    SET download_status = 'idle', scan_state = 'idle', queued_at = NULL, updated_at = ?
    WHERE unique_id = ? AND download_status IN ('error', 'paused')`

	result, err := s.db.ExecContext(ctx, query, nowMillis(), uniqueID)
	if err != nil {
		return false, fmt.Errorf("failed to reset file record: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows > 0, nil
}

// UpdateFileID refreshes the session-local remote file id.
func (s *FileStore) UpdateFileID(ctx context.Context, uniqueID string, fileID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE file_record SET file_id = ?, updated_at = ? WHERE unique_id = ? AND file_id <> ?`,
		fileID, nowMillis(), uniqueID, fileID)
	if err != nil {
		return fmt.Errorf("failed to update file id: %w", err)
	}
	return nil
}

// UpdateProgress records the transferred byte count.
func (s *FileStore) UpdateProgress(ctx context.Context, uniqueID string, downloaded int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE file_record SET downloaded_size = ?, updated_at = ? WHERE unique_id = ?`,
		downloaded, nowMillis(), uniqueID)
	if err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	return nil
}

// QueueForDownload claims up to q.Limit idle, unqueued records and stamps
// queued_at. Records already claimed are never touched again.
func (s *FileStore) QueueForDownload(ctx context.Context, q QueueQuery) (int64, error) {
	if q.Limit <= 0 {
		return 0, nil
	}

	now := nowMillis()
	where := []string{"telegram_id = ?", "download_status = 'idle'", "scan_state = 'idle'"}
	args := []interface{}{now, now, q.AccountID}

	if q.ChatID != 0 {
		where = append(where, "chat_id = ?")
		args = append(args, q.ChatID)
	}
	if q.CutoffDate > 0 {
		where = append(where, "date >= ?")
		args = append(args, q.CutoffDate)
	}

	direction := "DESC"
	if q.OldestFirst {
		direction = "ASC"
	}
	args = append(args, q.Limit)

	query := `
    UPDATE file_record SET scan_state = 'queued', queued_at = ?, updated_at = ?
    WHERE unique_id IN (
      SELECT unique_id FROM file_record
      WHERE ` + strings.Join(where, " AND ") + `
      ORDER BY download_priority DESC, queued_at ASC, message_id ` + direction + `
      LIMIT ?
    )`

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to queue files: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows, nil
}

// ReadyForDownload returns up to limit queued idle records of an account in
// queue order.
func (s *FileStore) ReadyForDownload(ctx context.Context, accountID int64, limit int) ([]*FileRecord, error) {
	if limit <= 0 {
		return nil, nil
	}

	query := `
    SELECT * FROM file_record
    WHERE telegram_id = ? AND download_status = 'idle' AND scan_state = 'queued'
    ORDER BY download_priority DESC, queued_at ASC, message_id ASC
    LIMIT ?`

	var records []*FileRecord
	if err := s.db.SelectContext(ctx, &records, query, accountID, limit); err != nil {
		return nil, fmt.Errorf("failed to get files ready for download: %w", err)
	}

	return records, nil
}

// SetPriority changes the download priority of a record.
func (s *FileStore) SetPriority(ctx context.Context, uniqueID string, priority int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE file_record SET download_priority = ?, updated_at = ? WHERE unique_id = ?`,
		priority, nowMillis(), uniqueID)
	if err != nil {
		return fmt.Errorf("failed to set priority: %w", err)
	}
	return nil
}
