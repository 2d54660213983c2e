/**
 * Rate Limited Source
 *
 * Wraps a Source so every call waits for its account's token bucket, runs
 * under a request timeout and is retried by the error handler when the
 * store replies with a flood wait or the transport fails.
 *
 * Author: tgfiles maintainers
 * Created: 2025-03-04
 */

package remote

import (
	"context"
	"time"

	"github.com/fmaass/telegram-files/internal/errors"
)

// Limited decorates a Source with rate limiting and classified retries.
type Limited struct {
	next     Source
	limiters *AccountLimiters
	handler  *errors.Handler
	timeout  time.Duration
}

// NewLimited wraps next. A zero timeout disables the per-request timeout.
func NewLimited(next Source, limiters *AccountLimiters, handler *errors.Handler, timeout time.Duration) *Limited {
	return &Limited{
		next:     next,
		limiters: limiters,
		handler:  handler,
		timeout:  timeout,
	}
}

// Limiters returns the per-account limiters.
func (l *Limited) Limiters() *AccountLimiters {
	return l.limiters
}

// Updates forwards transfer updates when the wrapped source pushes them.
func (l *Limited) Updates() <-chan FileUpdate {
	if us, ok := l.next.(UpdateSource); ok {
		return us.Updates()
	}
	return nil
}

// NewMessages forwards the new messages of the wrapped source, if it has
// any.
func (l *Limited) NewMessages() <-chan NewMessage {
	if ms, ok := l.next.(MessageSource); ok {
		return ms.NewMessages()
	}
	return nil
}

func (l *Limited) call(ctx context.Context, op string, accountID int64, transfer bool, fn func(ctx context.Context) error) error {
	limiter := l.limiters.Get(accountID)

	return l.handler.Do(ctx, func() error {
		wait := limiter.Wait
		if transfer {
			wait = limiter.WaitForTransfer
		}
		if err := wait(ctx); err != nil {
			return err
		}

		callCtx := ctx
		if l.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, l.timeout)
			defer cancel()
		}

		err := Classify(op, fn(callCtx))
		switch {
		case err == nil:
			limiter.RecordSuccess()
		case errors.IsType(err, errors.ErrorTypeAPIQuota):
			limiter.RecordFloodWait()
		}
		return err
	})
}

// SearchMessages implements Source.
func (l *Limited) SearchMessages(ctx context.Context, s Search) (*Page, error) {
	var page *Page
	err := l.call(ctx, "search_messages", s.AccountID, false, func(ctx context.Context) error {
		var err error
		page, err = l.next.SearchMessages(ctx, s)
		return err
	})
	return page, err
}

// MessageAtDate implements Source.
func (l *Limited) MessageAtDate(ctx context.Context, accountID, chatID, date int64) (*Message, error) {
	var msg *Message
	err := l.call(ctx, "message_at_date", accountID, false, func(ctx context.Context) error {
		var err error
		msg, err = l.next.MessageAtDate(ctx, accountID, chatID, date)
		return err
	})
	return msg, err
}

// GetMessage implements Source.
func (l *Limited) GetMessage(ctx context.Context, accountID, chatID, messageID int64) (*Message, error) {
	var msg *Message
	err := l.call(ctx, "get_message", accountID, false, func(ctx context.Context) error {
		var err error
		msg, err = l.next.GetMessage(ctx, accountID, chatID, messageID)
		return err
	})
	return msg, err
}

// GetChat implements Source.
func (l *Limited) GetChat(ctx context.Context, accountID, chatID int64) (*Chat, error) {
	var chat *Chat
	err := l.call(ctx, "get_chat", accountID, false, func(ctx context.Context) error {
		var err error
		chat, err = l.next.GetChat(ctx, accountID, chatID)
		return err
	})
	return chat, err
}

// GetFile implements Source.
func (l *Limited) GetFile(ctx context.Context, accountID, fileID int64) (*FileState, error) {
	var state *FileState
	err := l.call(ctx, "get_file", accountID, false, func(ctx context.Context) error {
		var err error
		state, err = l.next.GetFile(ctx, accountID, fileID)
		return err
	})
	return state, err
}

// StartTransfer implements Source.
func (l *Limited) StartTransfer(ctx context.Context, accountID, fileID, chatID, messageID int64) error {
	return l.call(ctx, "start_transfer", accountID, true, func(ctx context.Context) error {
		return l.next.StartTransfer(ctx, accountID, fileID, chatID, messageID)
	})
}

// CancelTransfer implements Source.
func (l *Limited) CancelTransfer(ctx context.Context, accountID, fileID int64) error {
	return l.call(ctx, "cancel_transfer", accountID, true, func(ctx context.Context) error {
		return l.next.CancelTransfer(ctx, accountID, fileID)
	})
}

// PauseTransfer implements Source.
func (l *Limited) PauseTransfer(ctx context.Context, accountID, fileID int64, paused bool) error {
	return l.call(ctx, "pause_transfer", accountID, true, func(ctx context.Context) error {
		return l.next.PauseTransfer(ctx, accountID, fileID, paused)
	})
}
