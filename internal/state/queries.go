/**
 * Reporting Queries
 *
 * Features:
 * - Download statistics per account, chat and cutoff date
 * - Per-chat summaries for the status command
 *
 * Author: tgfiles maintainers
 * Update History:
 * - 2025-03-08: Initial implementation
 */

package state

import (
	"context"
	"fmt"
	"strings"
)

// StatsFilter scopes a statistics query. Zero fields are ignored.
type StatsFilter struct {
	AccountID int64
	ChatID    int64
	SinceDate int64
}

// ChatSummary is the per-chat line of the status report.
type ChatSummary struct {
	TelegramID  int64 `db:"telegram_id" json:"telegramId"`
	ChatID      int64 `db:"chat_id" json:"chatId"`
	Total       int64 `db:"total" json:"total"`
	Idle        int64 `db:"idle" json:"idle"`
	Downloading int64 `db:"downloading" json:"downloading"`
	Completed   int64 `db:"completed" json:"completed"`
	Failed      int64 `db:"failed" json:"failed"`
	TotalSize   int64 `db:"total_size" json:"totalSize"`
}

type statusBucket struct {
	Status     string `db:"download_status"`
	Count      int64  `db:"count"`
	Size       int64  `db:"size"`
	Downloaded int64  `db:"downloaded"`
}

// Statistics aggregates records matching the filter by download status.
func (s *FileStore) Statistics(ctx context.Context, filter StatsFilter) (*Statistics, error) {
	where := []string{"1 = 1"}
	var args []interface{}

	if filter.AccountID != 0 {
		where = append(where, "telegram_id = ?")
		args = append(args, filter.AccountID)
	}
	if filter.ChatID != 0 {
		where = append(where, "chat_id = ?")
		args = append(args, filter.ChatID)
	}
	if filter.SinceDate > 0 {
		where = append(where, "date >= ?")
		args = append(args, filter.SinceDate)
	}

	query := `
    SELECT download_status,
           COUNT(*) AS count,
           COALESCE(SUM(size), 0) AS size,
           COALESCE(SUM(downloaded_size), 0) AS downloaded
    FROM file_record
    WHERE ` + strings.Join(where, " AND ") + `
    GROUP BY download_status`

	var buckets []statusBucket
	if err := s.db.SelectContext(ctx, &buckets, query, args...); err != nil {
		return nil, fmt.Errorf("failed to get statistics: %w", err)
	}

	stats := &Statistics{}
	for _, b := range buckets {
		stats.Total += b.Count
		stats.TotalSize += b.Size
		stats.DownloadedSize += b.Downloaded

		switch b.Status {
		case DownloadStatusIdle:
			stats.Idle += b.Count
		case DownloadStatusDownloading:
			stats.Downloading += b.Count
		case DownloadStatusPaused:
			stats.Paused += b.Count
		case DownloadStatusCompleted, DownloadStatusDownloaded:
			stats.Completed += b.Count
			stats.CompletedSize += b.Size
		case DownloadStatusError:
			stats.Error += b.Count
		}
	}

	return stats, nil
}

// ChatSummaries returns one summary line per chat, busiest chats first.
func (s *FileStore) ChatSummaries(ctx context.Context, accountID int64) ([]*ChatSummary, error) {
	query := `
    SELECT telegram_id, chat_id,
           COUNT(*) AS total,
           SUM(CASE WHEN download_status = 'idle' THEN 1 ELSE 0 END) AS idle,
           SUM(CASE WHEN download_status IN ('downloading', 'paused') THEN 1 ELSE 0 END) AS downloading,
           SUM(CASE WHEN download_status IN ('completed', 'downloaded') THEN 1 ELSE 0 END) AS completed,
           SUM(CASE WHEN download_status = 'error' THEN 1 ELSE 0 END) AS failed,
           COALESCE(SUM(size), 0) AS total_size
    FROM file_record`

	var args []interface{}
	if accountID != 0 {
		query += ` WHERE telegram_id = ?`
		args = append(args, accountID)
	}
	query += ` GROUP BY telegram_id, chat_id ORDER BY total DESC`

	var summaries []*ChatSummary
	if err := s.db.SelectContext(ctx, &summaries, query, args...); err != nil {
		return nil, fmt.Errorf("failed to get chat summaries: %w", err)
	}

	return summaries, nil
}
