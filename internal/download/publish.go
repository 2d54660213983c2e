package download

import (
	"github.com/fmaass/telegram-files/internal/events"
	"github.com/fmaass/telegram-files/internal/state"
)

// PublishTo forwards transfer starts and finishes of s to bus. A transfer
// that ends in the error status is published as a transfer error.
func (s *Starter) PublishTo(bus *events.Bus) {
	if bus == nil {
		return
	}

	s.OnStarted(func(rec *state.FileRecord) {
		bus.PublishTransfer(events.EventTypeTransferStart, fileEvent(rec, state.DownloadStatusDownloading))
	})
	s.OnFinished(func(rec *state.FileRecord, status string) {
		kind := events.EventTypeTransferFinish
		if status == state.DownloadStatusError {
			kind = events.EventTypeTransferError
		}
		bus.PublishTransfer(kind, fileEvent(rec, status))
	})
}

func fileEvent(rec *state.FileRecord, status string) events.FileEvent {
	return events.FileEvent{
		UniqueID:  rec.UniqueID,
		Status:    status,
		FileType:  rec.Type,
		AccountID: rec.TelegramID,
		ChatID:    rec.ChatID,
		MessageID: rec.MessageID,
		Size:      rec.Size,
	}
}
