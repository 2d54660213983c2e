/**
 * Remote Content Source
 *
 * The contract the engine needs from the chat platform client: paginated
 * message search, sentinel lookup by date, file state and transfer control.
 * Connection and session handling live behind this interface.
 *
 * Author: tgfiles maintainers
 * Created: 2025-03-02
 */

// Package remote defines the remote message store contract together with a
// rate limited decorator and an in-memory replay implementation.
package remote

import "context"

// File types understood by the search filter.
const (
	FileTypePhoto = "photo"
	FileTypeVideo = "video"
	FileTypeAudio = "audio"
	FileTypeFile  = "file"
)

// DefaultFileTypes is the scan order used when a rule names none.
var DefaultFileTypes = []string{FileTypePhoto, FileTypeVideo, FileTypeAudio, FileTypeFile}

// IsFileType reports whether t is a searchable file type.
func IsFileType(t string) bool {
	switch t {
	case FileTypePhoto, FileTypeVideo, FileTypeAudio, FileTypeFile:
		return true
	}
	return false
}

// FileInfo describes the media attached to a message.
type FileInfo struct {
	ID       int64  `json:"id"`
	UniqueID string `json:"uniqueId"`
	Type     string `json:"type"`
	Size     int64  `json:"size"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// Message is a chat message as returned by the remote store.
type Message struct {
	ID              int64     `json:"id"`
	ChatID          int64     `json:"chatId"`
	Date            int64     `json:"date"`
	MediaAlbumID    int64     `json:"mediaAlbumId,omitempty"`
	ThreadChatID    int64     `json:"threadChatId,omitempty"`
	MessageThreadID int64     `json:"messageThreadId,omitempty"`
	Caption         string    `json:"caption,omitempty"`
	File            *FileInfo `json:"file,omitempty"`
}

// Search is one page request.
//
// Offset 0 walks from FromMessageID towards older messages. A negative
// offset walks towards newer ones; the remote store then requires
// Limit > -Offset.
type Search struct {
	AccountID     int64
	ChatID        int64
	Query         string
	FileType      string
	FromMessageID int64
	Offset        int
	Limit         int
	ThreadID      int64
}

// Page is one search result page. NextFromMessageID is 0 when the store has
// nothing further in the walk direction.
type Page struct {
	Messages          []*Message
	NextFromMessageID int64
}

// Chat holds the chat attributes the engine cares about.
type Chat struct {
	ID         int64  `json:"id"`
	Title      string `json:"title"`
	IsChannel  bool   `json:"isChannel"`
	Supergroup bool   `json:"supergroup"`
}

// LocalFile is the local side of a remote file.
type LocalFile struct {
	Path              string `json:"path,omitempty"`
	DownloadedSize    int64  `json:"downloadedSize"`
	Completed         bool   `json:"completed"`
	DownloadingActive bool   `json:"downloadingActive"`
	Paused            bool   `json:"paused"`
}

// FileState is the transfer state of a remote file.
type FileState struct {
	ID    int64     `json:"id"`
	Size  int64     `json:"size"`
	Local LocalFile `json:"local"`
}

// TransferState is reported by file updates.
type TransferState string

const (
	TransferDownloading TransferState = "downloading"
	TransferCompleted   TransferState = "completed"
	TransferFailed      TransferState = "failed"
	TransferCancelled   TransferState = "cancelled"
)

// FileUpdate is a transfer progress notification from the remote store.
type FileUpdate struct {
	AccountID  int64
	FileID     int64
	UniqueID   string
	State      TransferState
	Downloaded int64
	LocalPath  string
}

// Source is the remote content source.
type Source interface {
	SearchMessages(ctx context.Context, s Search) (*Page, error)
	// MessageAtDate returns the last message sent no later than date, or
	// nil when the chat has none.
	MessageAtDate(ctx context.Context, accountID, chatID, date int64) (*Message, error)
	GetMessage(ctx context.Context, accountID, chatID, messageID int64) (*Message, error)
	GetChat(ctx context.Context, accountID, chatID int64) (*Chat, error)
	GetFile(ctx context.Context, accountID, fileID int64) (*FileState, error)
	StartTransfer(ctx context.Context, accountID, fileID, chatID, messageID int64) error
	CancelTransfer(ctx context.Context, accountID, fileID int64) error
	PauseTransfer(ctx context.Context, accountID, fileID int64, paused bool) error
}

// UpdateSource is implemented by sources that push transfer updates.
type UpdateSource interface {
	Updates() <-chan FileUpdate
}

// NewMessage is a message posted to a chat while the engine runs.
type NewMessage struct {
	AccountID int64
	Message   *Message
}

// MessageSource is implemented by sources that push new messages.
type MessageSource interface {
	NewMessages() <-chan NewMessage
}
