/**
 * Memory Source
 *
 * Features:
 * - In-memory message store with the search semantics of the remote API
 * - Replay file loader for offline runs
 * - Simulated transfers with optional automatic completion
 * - Injectable errors per operation
 *
 * Author: tgfiles maintainers
 * Update History:
 * - 2025-03-04: Initial implementation
 * - 2025-03-18: Replay files and automatic completion for serve --replay
 */

package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const defaultPageLimit = 100

type memoryChat struct {
	chat         Chat
	inaccessible bool
	messages     []*Message // ascending by id
}

type fileKey struct {
	account int64
	file    int64
}

// MemorySource is a Source backed by memory.
type MemorySource struct {
	mu           sync.Mutex
	chats        map[int64]map[int64]*memoryChat
	files        map[fileKey]*FileState
	infos        map[fileKey]FileInfo
	errs         map[string]error
	calls        map[string]int
	started      map[int64][]int64
	autoComplete time.Duration
	downloadDir  string
	updates      chan FileUpdate
	messages     chan NewMessage
}

// NewMemorySource creates an empty source.
func NewMemorySource() *MemorySource {
	return &MemorySource{
		chats:       make(map[int64]map[int64]*memoryChat),
		files:       make(map[fileKey]*FileState),
		infos:       make(map[fileKey]FileInfo),
		errs:        make(map[string]error),
		calls:       make(map[string]int),
		started:     make(map[int64][]int64),
		downloadDir: "downloads",
		updates:     make(chan FileUpdate, 1024),
		messages:    make(chan NewMessage, 256),
	}
}

// SetAutoComplete makes started transfers complete after d. Zero disables.
func (m *MemorySource) SetAutoComplete(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoComplete = d
}

// SetDownloadDir sets the directory reported as local path of completed files.
func (m *MemorySource) SetDownloadDir(dir string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.downloadDir = dir
}

// AddChat registers a chat for an account.
func (m *MemorySource) AddChat(accountID int64, chat Chat) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chatLocked(accountID, chat.ID).chat = chat
}

// AddMessages stores messages of one account, keeping each chat sorted.
func (m *MemorySource) AddMessages(accountID int64, msgs ...*Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	touched := make(map[int64]*memoryChat)
	for _, msg := range msgs {
		c := m.chatLocked(accountID, msg.ChatID)
		c.messages = append(c.messages, msg)
		touched[msg.ChatID] = c

		if msg.File != nil {
			key := fileKey{accountID, msg.File.ID}
			m.infos[key] = *msg.File
			if _, ok := m.files[key]; !ok {
				m.files[key] = &FileState{ID: msg.File.ID, Size: msg.File.Size}
			}
		}
	}
	for _, c := range touched {
		sort.Slice(c.messages, func(i, j int) bool { return c.messages[i].ID < c.messages[j].ID })
	}
}

// Post stores a message and announces it on NewMessages. The announcement
// is dropped when nobody keeps up with the channel.
func (m *MemorySource) Post(accountID int64, msg *Message) {
	m.AddMessages(accountID, msg)
	select {
	case m.messages <- NewMessage{AccountID: accountID, Message: msg}:
	default:
	}
}

// NewMessages implements MessageSource.
func (m *MemorySource) NewMessages() <-chan NewMessage {
	return m.messages
}

// SetInaccessible marks a chat as no longer readable by the account.
func (m *MemorySource) SetInaccessible(accountID, chatID int64, inaccessible bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chatLocked(accountID, chatID).inaccessible = inaccessible
}

// SetError makes every call of op fail with err until cleared with nil.
func (m *MemorySource) SetError(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.errs, op)
		return
	}
	m.errs[op] = err
}

// Calls returns how often op was called.
func (m *MemorySource) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Started returns the file ids whose transfer was started, in order.
func (m *MemorySource) Started(accountID int64) []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.started[accountID]...)
}

// Updates implements UpdateSource.
func (m *MemorySource) Updates() <-chan FileUpdate {
	return m.updates
}

func (m *MemorySource) chatLocked(accountID, chatID int64) *memoryChat {
	byChat, ok := m.chats[accountID]
	if !ok {
		byChat = make(map[int64]*memoryChat)
		m.chats[accountID] = byChat
	}
	c, ok := byChat[chatID]
	if !ok {
		c = &memoryChat{chat: Chat{ID: chatID}}
		byChat[chatID] = c
	}
	return c
}

// enter counts the call and returns the injected error, if any.
func (m *MemorySource) enter(op string) error {
	m.calls[op]++
	return m.errs[op]
}

func (m *MemorySource) readableChat(accountID, chatID int64) (*memoryChat, error) {
	byChat := m.chats[accountID]
	c, ok := byChat[chatID]
	if !ok {
		return nil, NewError(400, "Chat not found")
	}
	if c.inaccessible {
		return nil, ErrChatInaccessible
	}
	return c, nil
}

func matches(msg *Message, s Search) bool {
	if msg.File == nil {
		return false
	}
	if s.FileType != "" && msg.File.Type != s.FileType {
		return false
	}
	if s.ThreadID != 0 && msg.MessageThreadID != s.ThreadID {
		return false
	}
	if s.Query != "" {
		q := strings.ToLower(s.Query)
		if !strings.Contains(strings.ToLower(msg.Caption), q) &&
			!strings.Contains(strings.ToLower(msg.File.Name), q) {
			return false
		}
	}
	return true
}

func clone(msg *Message) *Message {
	c := *msg
	if msg.File != nil {
		f := *msg.File
		c.File = &f
	}
	return &c
}

// SearchMessages implements Source.
//
// A non-negative offset returns matches older than FromMessageID (all
// matches when it is 0), newest first. A negative offset returns matches
// from FromMessageID onwards, oldest first.
func (m *MemorySource) SearchMessages(ctx context.Context, s Search) (*Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enter("search_messages"); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c, err := m.readableChat(s.AccountID, s.ChatID)
	if err != nil {
		return nil, err
	}

	limit := s.Limit
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if s.Offset < 0 && limit <= -s.Offset {
		return nil, NewError(400, "Parameter limit must be greater than -offset")
	}

	var window []*Message
	if s.Offset >= 0 {
		for i := len(c.messages) - 1; i >= 0; i-- {
			msg := c.messages[i]
			if s.FromMessageID != 0 && msg.ID >= s.FromMessageID {
				continue
			}
			if matches(msg, s) {
				window = append(window, msg)
			}
		}
	} else {
		for _, msg := range c.messages {
			if msg.ID >= s.FromMessageID && matches(msg, s) {
				window = append(window, msg)
			}
		}
	}

	page := &Page{}
	more := len(window) > limit
	if more {
		window = window[:limit]
	}
	for _, msg := range window {
		page.Messages = append(page.Messages, clone(msg))
	}

	if more {
		last := window[len(window)-1].ID
		if s.Offset >= 0 {
			page.NextFromMessageID = last
		} else {
			page.NextFromMessageID = last + 1
		}
	}

	return page, nil
}

// MessageAtDate implements Source.
func (m *MemorySource) MessageAtDate(ctx context.Context, accountID, chatID, date int64) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enter("message_at_date"); err != nil {
		return nil, err
	}
	c, err := m.readableChat(accountID, chatID)
	if err != nil {
		return nil, err
	}

	var found *Message
	for _, msg := range c.messages {
		if msg.Date <= date && (found == nil || msg.Date >= found.Date) {
			found = msg
		}
	}
	if found == nil {
		return nil, nil
	}
	return clone(found), nil
}

// GetMessage implements Source.
func (m *MemorySource) GetMessage(ctx context.Context, accountID, chatID, messageID int64) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enter("get_message"); err != nil {
		return nil, err
	}
	c, err := m.readableChat(accountID, chatID)
	if err != nil {
		return nil, err
	}

	i := sort.Search(len(c.messages), func(i int) bool { return c.messages[i].ID >= messageID })
	if i == len(c.messages) || c.messages[i].ID != messageID {
		return nil, NewError(404, "Message not found")
	}
	return clone(c.messages[i]), nil
}

// GetChat implements Source.
func (m *MemorySource) GetChat(ctx context.Context, accountID, chatID int64) (*Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enter("get_chat"); err != nil {
		return nil, err
	}
	c, err := m.readableChat(accountID, chatID)
	if err != nil {
		return nil, err
	}
	chat := c.chat
	return &chat, nil
}

// GetFile implements Source.
func (m *MemorySource) GetFile(ctx context.Context, accountID, fileID int64) (*FileState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enter("get_file"); err != nil {
		return nil, err
	}
	st, ok := m.files[fileKey{accountID, fileID}]
	if !ok {
		return nil, NewError(404, "File not found")
	}
	out := *st
	return &out, nil
}

// StartTransfer implements Source.
func (m *MemorySource) StartTransfer(ctx context.Context, accountID, fileID, chatID, messageID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enter("start_transfer"); err != nil {
		return err
	}
	key := fileKey{accountID, fileID}
	st, ok := m.files[key]
	if !ok {
		return NewError(404, "File not found")
	}
	if st.Local.Completed {
		return nil
	}

	st.Local.DownloadingActive = true
	st.Local.Paused = false
	m.started[accountID] = append(m.started[accountID], fileID)
	m.pushLocked(key, TransferDownloading)

	if m.autoComplete > 0 {
		time.AfterFunc(m.autoComplete, func() {
			m.Complete(accountID, fileID)
		})
	}
	return nil
}

// CancelTransfer implements Source.
func (m *MemorySource) CancelTransfer(ctx context.Context, accountID, fileID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enter("cancel_transfer"); err != nil {
		return err
	}
	key := fileKey{accountID, fileID}
	st, ok := m.files[key]
	if !ok {
		return NewError(404, "File not found")
	}
	if st.Local.Completed {
		return nil
	}

	st.Local.DownloadingActive = false
	st.Local.Paused = false
	st.Local.DownloadedSize = 0
	m.pushLocked(key, TransferCancelled)
	return nil
}

// PauseTransfer implements Source.
func (m *MemorySource) PauseTransfer(ctx context.Context, accountID, fileID int64, paused bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enter("pause_transfer"); err != nil {
		return err
	}
	st, ok := m.files[fileKey{accountID, fileID}]
	if !ok {
		return NewError(404, "File not found")
	}
	if st.Local.Completed {
		return nil
	}

	st.Local.Paused = paused
	st.Local.DownloadingActive = !paused
	return nil
}

// Complete finishes a transfer as if the store reported it done.
func (m *MemorySource) Complete(accountID, fileID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := fileKey{accountID, fileID}
	st, ok := m.files[key]
	if !ok || st.Local.Completed || !st.Local.DownloadingActive {
		return
	}

	info := m.infos[key]
	name := info.Name
	if name == "" {
		name = info.UniqueID
	}
	st.Local.Completed = true
	st.Local.DownloadingActive = false
	st.Local.DownloadedSize = st.Size
	st.Local.Path = filepath.Join(m.downloadDir, name)
	m.pushLocked(key, TransferCompleted)
}

// Fail aborts a transfer as if the store reported an error.
func (m *MemorySource) Fail(accountID, fileID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := fileKey{accountID, fileID}
	st, ok := m.files[key]
	if !ok || st.Local.Completed {
		return
	}
	st.Local.DownloadingActive = false
	m.pushLocked(key, TransferFailed)
}

func (m *MemorySource) pushLocked(key fileKey, state TransferState) {
	st := m.files[key]
	update := FileUpdate{
		AccountID:  key.account,
		FileID:     key.file,
		UniqueID:   m.infos[key].UniqueID,
		State:      state,
		Downloaded: st.Local.DownloadedSize,
		LocalPath:  st.Local.Path,
	}

	// Dropped when nobody drains the channel.
	select {
	case m.updates <- update:
	default:
	}
}

type replayFile struct {
	Accounts []replayAccount `json:"accounts"`
}

type replayAccount struct {
	ID    int64        `json:"id"`
	Chats []replayChat `json:"chats"`
}

type replayChat struct {
	Chat
	Inaccessible bool       `json:"inaccessible"`
	Messages     []*Message `json:"messages"`
}

// LoadReplay builds a source from a JSON replay file.
func LoadReplay(path string) (*MemorySource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read replay file: %w", err)
	}
	return ParseReplay(data)
}

// ParseReplay builds a source from replay file contents.
func ParseReplay(data []byte) (*MemorySource, error) {
	var rf replayFile
	if err := json.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("failed to parse replay file: %w", err)
	}

	src := NewMemorySource()
	for _, acc := range rf.Accounts {
		if acc.ID == 0 {
			return nil, fmt.Errorf("replay account without id")
		}
		for _, rc := range acc.Chats {
			src.AddChat(acc.ID, rc.Chat)
			for _, msg := range rc.Messages {
				msg.ChatID = rc.ID
			}
			src.AddMessages(acc.ID, rc.Messages...)
			if rc.Inaccessible {
				src.SetInaccessible(acc.ID, rc.ID, true)
			}
		}
	}
	return src, nil
}

// Accounts returns the account ids known to the source.
func (m *MemorySource) Accounts() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]int64, 0, len(m.chats))
	for id := range m.chats {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
