/**
 * Download Queue Service
 *
 * Features:
 * - Claims idle files for download in priority order
 * - Surplus admission against the per-account concurrency limit
 *
 * Author: tgfiles maintainers
 * Update History:
 * - 2025-03-08: Initial implementation
 */

// Package queue selects which discovered files are downloaded next.
package queue

import (
	"context"

	"github.com/fmaass/telegram-files/internal/errors"
	"github.com/fmaass/telegram-files/internal/logger"
	"github.com/fmaass/telegram-files/internal/state"
)

// Store is the part of the file store the queue works on.
type Store interface {
	QueueForDownload(ctx context.Context, q state.QueueQuery) (int64, error)
	ReadyForDownload(ctx context.Context, accountID int64, limit int) ([]*state.FileRecord, error)
	CountByStatus(ctx context.Context, accountID, chatID int64, status string) (int64, error)
}

// Service is the download queue.
type Service struct {
	store Store
	log   *logger.Logger
}

// NewService creates a queue over store.
func NewService(store Store, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{store: store, log: log.Component("queue")}
}

// QueueFilesForDownload claims up to limit idle, unqueued files of an
// account (of one chat when chatID is non-zero) dated at or after cutoff.
// oldestFirst defaults to true when nil. Files already claimed are not
// touched again, so repeated calls only add new files.
func (s *Service) QueueFilesForDownload(ctx context.Context, accountID, chatID int64, limit int, cutoff int64, oldestFirst *bool) (int, error) {
	if limit <= 0 {
		return 0, nil
	}

	oldest := true
	if oldestFirst != nil {
		oldest = *oldestFirst
	}

	n, err := s.store.QueueForDownload(ctx, state.QueueQuery{
		AccountID:   accountID,
		ChatID:      chatID,
		Limit:       limit,
		CutoffDate:  cutoff,
		OldestFirst: oldest,
	})
	if err != nil {
		return 0, errors.New(errors.ErrorTypeStorage, "queue_files", "", err)
	}

	if n > 0 {
		s.log.Debug("Files queued", "account", accountID, "chat", chatID, "count", n)
	}
	return int(n), nil
}

// DownloadingCount returns how many files of an account are downloading.
func (s *Service) DownloadingCount(ctx context.Context, accountID int64) (int64, error) {
	n, err := s.store.CountByStatus(ctx, accountID, 0, state.DownloadStatusDownloading)
	if err != nil {
		return 0, errors.New(errors.ErrorTypeStorage, "count_downloading", "", err)
	}
	return n, nil
}

// Surplus returns max(0, maxConcurrent - downloading).
func (s *Service) Surplus(ctx context.Context, accountID int64, maxConcurrent int) (int, error) {
	downloading, err := s.DownloadingCount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	surplus := int64(maxConcurrent) - downloading
	if surplus < 0 {
		surplus = 0
	}
	return int(surplus), nil
}

// GetFilesForDownload returns up to the account's surplus of queued files.
// Nothing is read when there is no surplus.
func (s *Service) GetFilesForDownload(ctx context.Context, accountID int64, maxConcurrent int) ([]*state.FileRecord, error) {
	surplus, err := s.Surplus(ctx, accountID, maxConcurrent)
	if err != nil {
		return nil, err
	}
	if surplus == 0 {
		return nil, nil
	}

	records, err := s.store.ReadyForDownload(ctx, accountID, surplus)
	if err != nil {
		return nil, errors.New(errors.ErrorTypeStorage, "ready_for_download", "", err)
	}
	return records, nil
}
