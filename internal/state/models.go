/**
 * Data Models for the record store
 *
 * Features:
 * - FileRecord mapped to the file_record table
 * - Download status and scan state constants
 * - Aggregated download statistics
 *
 * Author: tgfiles maintainers
 * Update History:
 * - 2025-03-02: File records, settings and statistics
 * - 2025-03-20: Scan state split from download status
 */

package state

import (
  "database/sql"
  "time"
)

// Download statuses
const (
  DownloadStatusIdle        = "idle"
  DownloadStatusDownloading = "downloading"
  DownloadStatusPaused      = "paused"
  DownloadStatusCompleted   = "completed"
  DownloadStatusDownloaded  = "downloaded"
  DownloadStatusError       = "error"
)

// Scan states. A discovered file stays idle until a queue call claims it.
const (
  ScanStateIdle   = "idle"
  ScanStateQueued = "queued"
)

// IsValidDownloadStatus reports whether s is a known download status.
func IsValidDownloadStatus(s string) bool {
  switch s {
  case DownloadStatusIdle, DownloadStatusDownloading, DownloadStatusPaused,
    DownloadStatusCompleted, DownloadStatusDownloaded, DownloadStatusError:
    return true
  }
  return false
}

// FileRecord is one remote file discovered in a chat
type FileRecord struct {
  UniqueID         string        `db:"unique_id" json:"uniqueId"`
  FileID           int64         `db:"file_id" json:"fileId"`
  TelegramID       int64         `db:"telegram_id" json:"telegramId"`
  ChatID           int64         `db:"chat_id" json:"chatId"`
  MessageID        int64         `db:"message_id" json:"messageId"`
  MediaAlbumID     int64         `db:"media_album_id" json:"mediaAlbumId"`
  Date             int64         `db:"date" json:"date"`
  Size             int64         `db:"size" json:"size"`
  DownloadedSize   int64         `db:"downloaded_size" json:"downloadedSize"`
  Type             string        `db:"type" json:"type"`
  MimeType         string        `db:"mime_type" json:"mimeType"`
  FileName         string        `db:"file_name" json:"fileName"`
  Caption          string        `db:"caption" json:"caption"`
  LocalPath        string        `db:"local_path" json:"localPath"`
  DownloadStatus   string        `db:"download_status" json:"downloadStatus"`
  ScanState        string        `db:"scan_state" json:"scanState"`
  QueuedAt         sql.NullInt64 `db:"queued_at" json:"-"`
  DownloadPriority int           `db:"download_priority" json:"downloadPriority"`
  ThreadChatID     int64         `db:"thread_chat_id" json:"threadChatId"`
  MessageThreadID  int64         `db:"message_thread_id" json:"messageThreadId"`
  StartDate        int64         `db:"start_date" json:"startDate"`
  CompletionDate   int64         `db:"completion_date" json:"completionDate"`
  CreatedAt        int64         `db:"created_at" json:"createdAt"`
  UpdatedAt        int64         `db:"updated_at" json:"updatedAt"`
}

// IsIdle returns true if the record has not been handed to the transfer layer
func (f *FileRecord) IsIdle() bool {
  return f.DownloadStatus == DownloadStatusIdle
}

// IsDone returns true once the file is on disk
func (f *FileRecord) IsDone() bool {
  return f.DownloadStatus == DownloadStatusCompleted || f.DownloadStatus == DownloadStatusDownloaded
}

// IsInFlight returns true while the transfer layer still owns the file
func (f *FileRecord) IsInFlight() bool {
  return f.DownloadStatus == DownloadStatusDownloading || f.DownloadStatus == DownloadStatusPaused
}

// IsRetryable returns true if re-discovery may reset the record to idle.
// Idle, finished and actively downloading records are left alone.
func (f *FileRecord) IsRetryable() bool {
  return f.DownloadStatus == DownloadStatusError || f.DownloadStatus == DownloadStatusPaused
}

// IsQueued returns true if a queue call has claimed the record
func (f *FileRecord) IsQueued() bool {
  return f.ScanState == ScanStateQueued
}

// QueuedTime returns when the record was queued, zero if never
func (f *FileRecord) QueuedTime() time.Time {
  if !f.QueuedAt.Valid {
    return time.Time{}
  }
  return time.UnixMilli(f.QueuedAt.Int64)
}

// InThread returns true if the file was posted in a comment thread of
// another chat
func (f *FileRecord) InThread() bool {
  return f.ThreadChatID != 0 && f.MessageThreadID != 0 && f.ThreadChatID != f.ChatID
}

// Setting is one row of the setting_record table
type Setting struct {
  Key       string `db:"key" json:"key"`
  Value     string `db:"value" json:"value"`
  UpdatedAt int64  `db:"updated_at" json:"updatedAt"`
}

// Statistics aggregates file records by download status
type Statistics struct {
  Total          int64 `json:"total"`
  Idle           int64 `json:"idle"`
  Downloading    int64 `json:"downloading"`
  Paused         int64 `json:"paused"`
  Completed      int64 `json:"completed"`
  Error          int64 `json:"error"`
  TotalSize      int64 `json:"totalSize"`
  CompletedSize  int64 `json:"completedSize"`
  DownloadedSize int64 `json:"downloadedSize"`
}

// Pending returns the number of files still to be downloaded
func (s *Statistics) Pending() int64 {
  return s.Idle + s.Downloading + s.Paused
}

// Progress returns the completed share in percent
func (s *Statistics) Progress() float64 {
  if s.Total == 0 {
    return 0
  }
  return float64(s.Completed) / float64(s.Total) * 100
}
