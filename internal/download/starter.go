/**
 * Transfer Starter
 *
 * Features:
 * - Starts, pauses, resumes and cancels remote transfers
 * - Keeps file records in step with the remote file state
 * - Applies transfer updates pushed by the remote store
 * - Start and finish hooks for the scheduler and metrics
 *
 * Author: tgfiles maintainers
 * Update History:
 * - 2025-03-09: Initial implementation
 * - 2025-03-24: Optional "downloaded" status for finished files
 * - 2025-04-02: Drop queued records whose message or file is gone
 */

// Package download hands files to the remote store for transfer and
// tracks the outcome in the record store.
package download

import (
	"context"
	"sync"

	"github.com/fmaass/telegram-files/internal/errors"
	"github.com/fmaass/telegram-files/internal/logger"
	"github.com/fmaass/telegram-files/internal/remote"
	"github.com/fmaass/telegram-files/internal/state"
)

// Store is the part of the file store the starter uses.
type Store interface {
	GetByUniqueID(ctx context.Context, uniqueID string) (*state.FileRecord, error)
	CreateIfNotExist(ctx context.Context, f *state.FileRecord) (bool, error)
	UpdateDownloadStatus(ctx context.Context, uniqueID, status, localPath string) (bool, error)
	UpdateFileID(ctx context.Context, uniqueID string, fileID int64) error
	UpdateProgress(ctx context.Context, uniqueID string, downloaded int64) error
}

// Options tune the starter.
type Options struct {
	// TrackDownloaded writes "downloaded" instead of "completed" for
	// finished transfers.
	TrackDownloaded bool
}

// Starter starts transfers for file records.
type Starter struct {
	source remote.Source
	files  Store
	log    *logger.Logger
	opts   Options

	mu       sync.RWMutex
	started  []func(*state.FileRecord)
	finished []func(rec *state.FileRecord, status string)
}

// NewStarter creates a starter.
func NewStarter(source remote.Source, files Store, log *logger.Logger, opts Options) *Starter {
	if log == nil {
		log = logger.Nop()
	}
	return &Starter{
		source: source,
		files:  files,
		log:    log.Component("download"),
		opts:   opts,
	}
}

// OnStarted registers fn for every transfer the starter begins.
func (s *Starter) OnStarted(fn func(*state.FileRecord)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, fn)
}

// OnFinished registers fn for every transfer that leaves the downloading
// state through an update.
func (s *Starter) OnFinished(fn func(rec *state.FileRecord, status string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = append(s.finished, fn)
}

// CompletedStatus is the status written for finished transfers.
func (s *Starter) CompletedStatus() string {
	if s.opts.TrackDownloaded {
		return state.DownloadStatusDownloaded
	}
	return state.DownloadStatusCompleted
}

// RecordOf builds an idle file record for the file of msg.
func RecordOf(accountID int64, msg *remote.Message) *state.FileRecord {
	rec := &state.FileRecord{
		TelegramID:      accountID,
		ChatID:          msg.ChatID,
		MessageID:       msg.ID,
		MediaAlbumID:    msg.MediaAlbumID,
		Date:            msg.Date,
		Caption:         msg.Caption,
		ThreadChatID:    msg.ThreadChatID,
		MessageThreadID: msg.MessageThreadID,
		DownloadStatus:  state.DownloadStatusIdle,
		ScanState:       state.ScanStateIdle,
	}
	if msg.File != nil {
		rec.UniqueID = msg.File.UniqueID
		rec.FileID = msg.File.ID
		rec.Type = msg.File.Type
		rec.Size = msg.File.Size
		rec.FileName = msg.File.Name
		rec.MimeType = msg.File.MimeType
	}
	return rec
}

// StartDownload starts the transfer of the file attached to a message. A
// file the remote store already holds locally is recorded as finished and
// returned without a transfer.
func (s *Starter) StartDownload(ctx context.Context, accountID, chatID, messageID int64) (*state.FileRecord, error) {
	msg, err := s.source.GetMessage(ctx, accountID, chatID, messageID)
	if err != nil {
		return nil, err
	}
	if msg.File == nil {
		return nil, errors.Validation("start_download", "", "message has no downloadable file")
	}

	fs, err := s.source.GetFile(ctx, accountID, msg.File.ID)
	if err != nil {
		return nil, err
	}

	uniqueID := msg.File.UniqueID
	rec, err := s.files.GetByUniqueID(ctx, uniqueID)
	if err != nil {
		return nil, errors.New(errors.ErrorTypeStorage, "start_download", uniqueID, err)
	}

	if fs.Local.Completed {
		if rec == nil {
			rec = RecordOf(accountID, msg)
			if _, err := s.files.CreateIfNotExist(ctx, rec); err != nil {
				return nil, errors.New(errors.ErrorTypeStorage, "start_download", uniqueID, err)
			}
		}
		if !rec.IsDone() {
			if _, err := s.files.UpdateDownloadStatus(ctx, uniqueID, s.CompletedStatus(), fs.Local.Path); err != nil {
				return nil, errors.New(errors.ErrorTypeStorage, "start_download", uniqueID, err)
			}
		}
		return s.files.GetByUniqueID(ctx, uniqueID)
	}

	if fs.Local.DownloadingActive {
		if rec != nil && rec.IsIdle() {
			if _, err := s.files.UpdateDownloadStatus(ctx, uniqueID, state.DownloadStatusDownloading, ""); err != nil {
				return nil, errors.New(errors.ErrorTypeStorage, "start_download", uniqueID, err)
			}
		}
		return nil, errors.Precondition("start_download", uniqueID, "file is already downloading")
	}
	if rec != nil && !rec.IsIdle() {
		return nil, errors.Precondition("start_download", uniqueID, "file is already downloading or completed")
	}

	if rec == nil {
		if _, err := s.files.CreateIfNotExist(ctx, RecordOf(accountID, msg)); err != nil {
			return nil, errors.New(errors.ErrorTypeStorage, "start_download", uniqueID, err)
		}
	}
	if _, err := s.files.UpdateDownloadStatus(ctx, uniqueID, state.DownloadStatusDownloading, ""); err != nil {
		return nil, errors.New(errors.ErrorTypeStorage, "start_download", uniqueID, err)
	}

	if err := s.source.StartTransfer(ctx, accountID, msg.File.ID, chatID, messageID); err != nil {
		if _, uerr := s.files.UpdateDownloadStatus(ctx, uniqueID, state.DownloadStatusError, ""); uerr != nil {
			s.log.Error(uerr, "Failed to mark file as failed", "unique_id", uniqueID)
		}
		return nil, err
	}

	if err := s.files.UpdateFileID(ctx, uniqueID, msg.File.ID); err != nil {
		s.log.Warn("Failed to refresh file id", "unique_id", uniqueID, "error", err.Error())
	}

	rec, err = s.files.GetByUniqueID(ctx, uniqueID)
	if err != nil {
		return nil, errors.New(errors.ErrorTypeStorage, "start_download", uniqueID, err)
	}

	s.log.Debug("Download started",
		"account", accountID,
		"chat", chatID,
		"message", messageID,
		"unique_id", uniqueID,
	)

	s.mu.RLock()
	hooks := append([]func(*state.FileRecord){}, s.started...)
	s.mu.RUnlock()
	for _, fn := range hooks {
		fn(rec)
	}
	return rec, nil
}

// StartRecord starts the transfer of a stored record. A record that can
// never start, because its message or file is gone or the chat is closed,
// is marked failed so it leaves the queue.
func (s *Starter) StartRecord(ctx context.Context, rec *state.FileRecord) (*state.FileRecord, error) {
	out, err := s.StartDownload(ctx, rec.TelegramID, rec.ChatID, rec.MessageID)
	if err != nil && permanent(err) {
		s.fail(ctx, rec.UniqueID)
	}
	return out, err
}

func permanent(err error) bool {
	switch errors.GetErrorType(remote.Classify("start_download", err)) {
	case errors.ErrorTypeNotFound, errors.ErrorTypeValidation, errors.ErrorTypeInaccessible:
		return true
	}
	return false
}

// fail marks a still idle record as failed.
func (s *Starter) fail(ctx context.Context, uniqueID string) {
	rec, err := s.files.GetByUniqueID(ctx, uniqueID)
	if err != nil || rec == nil || !rec.IsIdle() {
		return
	}
	if _, err := s.files.UpdateDownloadStatus(ctx, uniqueID, state.DownloadStatusError, ""); err != nil {
		s.log.Error(err, "Failed to mark file as failed", "unique_id", uniqueID)
		return
	}
	s.log.Info("File can not be downloaded, marked failed", "unique_id", uniqueID)
}

func (s *Starter) lookup(ctx context.Context, op, uniqueID string) (*state.FileRecord, error) {
	rec, err := s.files.GetByUniqueID(ctx, uniqueID)
	if err != nil {
		return nil, errors.New(errors.ErrorTypeStorage, op, uniqueID, err)
	}
	if rec == nil {
		return nil, errors.NotFound(op, uniqueID, "file record not found")
	}
	return rec, nil
}

// Pause pauses a running transfer.
func (s *Starter) Pause(ctx context.Context, uniqueID string) error {
	rec, err := s.lookup(ctx, "pause_download", uniqueID)
	if err != nil {
		return err
	}
	if rec.DownloadStatus != state.DownloadStatusDownloading {
		return errors.Precondition("pause_download", uniqueID, "file is not downloading")
	}
	if err := s.source.PauseTransfer(ctx, rec.TelegramID, rec.FileID, true); err != nil {
		return err
	}
	_, err = s.files.UpdateDownloadStatus(ctx, uniqueID, state.DownloadStatusPaused, "")
	return err
}

// Resume resumes a paused transfer.
func (s *Starter) Resume(ctx context.Context, uniqueID string) error {
	rec, err := s.lookup(ctx, "resume_download", uniqueID)
	if err != nil {
		return err
	}
	if rec.DownloadStatus != state.DownloadStatusPaused {
		return errors.Precondition("resume_download", uniqueID, "file is not paused")
	}
	if err := s.source.PauseTransfer(ctx, rec.TelegramID, rec.FileID, false); err != nil {
		return err
	}
	_, err = s.files.UpdateDownloadStatus(ctx, uniqueID, state.DownloadStatusDownloading, "")
	return err
}

// Cancel cancels a transfer and returns the record to idle.
func (s *Starter) Cancel(ctx context.Context, uniqueID string) error {
	rec, err := s.lookup(ctx, "cancel_download", uniqueID)
	if err != nil {
		return err
	}
	if !rec.IsInFlight() {
		return errors.Precondition("cancel_download", uniqueID, "file is not downloading")
	}
	if err := s.source.CancelTransfer(ctx, rec.TelegramID, rec.FileID); err != nil {
		return err
	}
	_, err = s.files.UpdateDownloadStatus(ctx, uniqueID, state.DownloadStatusIdle, "")
	return err
}

// ApplyUpdate records a transfer update. Updates for unknown files are
// ignored.
func (s *Starter) ApplyUpdate(ctx context.Context, u remote.FileUpdate) error {
	if u.UniqueID == "" {
		return nil
	}
	rec, err := s.files.GetByUniqueID(ctx, u.UniqueID)
	if err != nil {
		return errors.New(errors.ErrorTypeStorage, "apply_update", u.UniqueID, err)
	}
	if rec == nil {
		return nil
	}

	var status string
	switch u.State {
	case remote.TransferDownloading:
		return s.files.UpdateProgress(ctx, u.UniqueID, u.Downloaded)
	case remote.TransferCompleted:
		status = s.CompletedStatus()
	case remote.TransferFailed:
		status = state.DownloadStatusError
	case remote.TransferCancelled:
		status = state.DownloadStatusIdle
	default:
		return nil
	}

	if rec.DownloadStatus == status {
		return nil
	}
	if _, err := s.files.UpdateDownloadStatus(ctx, u.UniqueID, status, u.LocalPath); err != nil {
		return err
	}

	s.log.Debug("Download finished", "unique_id", u.UniqueID, "status", status)

	s.mu.RLock()
	hooks := append([]func(*state.FileRecord, string){}, s.finished...)
	s.mu.RUnlock()
	for _, fn := range hooks {
		fn(rec, status)
	}
	return nil
}

// Run applies updates until ctx is done or the channel closes.
func (s *Starter) Run(ctx context.Context, updates <-chan remote.FileUpdate) {
	if updates == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			if err := s.ApplyUpdate(ctx, u); err != nil && ctx.Err() == nil {
				s.log.Error(err, "Failed to apply transfer update", "unique_id", u.UniqueID)
			}
		}
	}
}
