package scheduler

import (
	"fmt"

	"github.com/fmaass/telegram-files/internal/state"
)

// threadScan is the discovery cursor of one comment thread.
type threadScan struct {
	owner    string // automation key
	chatID   int64
	threadID int64

	fileType string
	from     int64
	reset    bool
	complete bool
}

func (t *threadScan) key() string {
	return fmt.Sprintf("%s:%d", t.owner, t.threadID)
}

// registerThread adds a pending scan for the thread of rec. Files outside
// a comment thread and threads without a download-enabled automation are
// ignored.
func (s *Scheduler) registerThread(rec *state.FileRecord) {
	if !rec.InThread() {
		return
	}

	owner := ""
	for _, a := range s.registry.DownloadEnabled() {
		if a.AccountID != rec.TelegramID {
			continue
		}
		if a.ChatID == rec.ChatID || a.ChatID == rec.ThreadChatID {
			owner = a.Key()
			break
		}
	}
	if owner == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.threads[owner] {
		if t.chatID == rec.ThreadChatID && t.threadID == rec.MessageThreadID {
			return
		}
	}
	s.threads[owner] = append(s.threads[owner], &threadScan{
		owner:    owner,
		chatID:   rec.ThreadChatID,
		threadID: rec.MessageThreadID,
	})
	s.log.Debug("Comment thread registered for scanning",
		"key", owner,
		"chat", rec.ThreadChatID,
		"thread", rec.MessageThreadID,
	)
}

// pendingThreads returns the unfinished thread scans of an automation and
// drops finished ones.
func (s *Scheduler) pendingThreads(owner string) []*threadScan {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := s.threads[owner][:0]
	for _, t := range s.threads[owner] {
		if !t.complete {
			pending = append(pending, t)
		}
	}
	if len(pending) == 0 {
		delete(s.threads, owner)
		return nil
	}
	s.threads[owner] = pending
	return append([]*threadScan(nil), pending...)
}

// ThreadCount returns how many comment thread scans an automation has
// pending.
func (s *Scheduler) ThreadCount(owner string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, t := range s.threads[owner] {
		if !t.complete {
			n++
		}
	}
	return n
}

func (s *Scheduler) forgetThreads(owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, owner)
}
