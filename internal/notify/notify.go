/**
 * Operator Notifications
 *
 * Features:
 * - Telegram bot notifier for automation milestones
 * - Event bus forwarder for phases, inaccessible chats and drained batches
 * - No-op notifier when no bot is configured
 *
 * Author: tgfiles maintainers
 * Update History:
 * - 2025-03-20: Initial implementation
 */

// Package notify tells an operator chat about automation milestones.
package notify

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/fmaass/telegram-files/internal/errors"
	"github.com/fmaass/telegram-files/internal/events"
	"github.com/fmaass/telegram-files/internal/logger"
)

const sendTimeout = 30 * time.Second

// deliveryPolicy retries transient send failures.
var deliveryPolicy = &errors.RetryPolicy{
	MaxAttempts:  3,
	InitialDelay: time.Second,
	MaxDelay:     8 * time.Second,
	Multiplier:   2.0,
	Jitter:       true,
}

// Notifier delivers an HTML formatted text.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Nop drops every notification.
type Nop struct{}

func (Nop) Notify(context.Context, string) error { return nil }

// Telegram sends notifications through a bot into one chat.
type Telegram struct {
	bot      *bot.Bot
	chatID   int64
	threadID int
}

// NewTelegram creates a bot notifier. Extra options are passed to the
// bot client.
func NewTelegram(token string, chatID int64, threadID int, opts ...bot.Option) (*Telegram, error) {
	if token == "" {
		return nil, errors.Validation("notify", "bot_token", "bot token is required")
	}
	if chatID == 0 {
		return nil, errors.Validation("notify", "chat_id", "chat id is required")
	}

	b, err := bot.New(token, opts...)
	if err != nil {
		return nil, errors.New(errors.ErrorTypeConfiguration, "notify", "bot_token", err)
	}

	return &Telegram{bot: b, chatID: chatID, threadID: threadID}, nil
}

// Notify sends text to the configured chat.
func (t *Telegram) Notify(ctx context.Context, text string) error {
	params := &bot.SendMessageParams{
		ChatID:    t.chatID,
		Text:      text,
		ParseMode: models.ParseModeHTML,
	}
	if t.threadID != 0 {
		params.MessageThreadID = t.threadID
	}

	if _, err := t.bot.SendMessage(ctx, params); err != nil {
		return t.classify(err)
	}
	return nil
}

// classify keeps rejected requests out of the retry path.
func (t *Telegram) classify(err error) error {
	errorType := errors.ErrorTypeNetwork
	switch {
	case errors.Is(err, bot.ErrorBadRequest), errors.Is(err, bot.ErrorForbidden):
		errorType = errors.ErrorTypeInaccessible
	case errors.Is(err, bot.ErrorUnauthorized):
		errorType = errors.ErrorTypeConfiguration
	}
	return errors.New(errorType, "notify", fmt.Sprint(t.chatID), err)
}

// Forward sends a notification for every phase completion, inaccessible
// chat and drained batch queue published on bus. Transient delivery
// failures are retried, the rest logged.
func Forward(bus *events.Bus, n Notifier, log *logger.Logger) {
	if bus == nil || n == nil {
		return
	}
	if log == nil {
		log = logger.Nop()
	}
	log = log.Component("notify")

	send := func(e events.Event) {
		text := Format(e)
		if text == "" {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()

		err := errors.Retry(ctx, deliveryPolicy, func() error {
			return n.Notify(ctx, text)
		}, errors.IsTemporary, func(attempt int, delay time.Duration, err error) {
			log.Debug("Retrying notification", "attempt", attempt, "delay", delay, "error", err.Error())
		})
		if err != nil {
			log.Error(err, "Failed to send notification", "event", e.Type.String())
		}
	}

	bus.SubscribeAll(send, func(e events.Event) bool {
		switch e.Type {
		case events.EventTypePhaseComplete, events.EventTypeChatInaccessible, events.EventTypeBatchDrained:
			return true
		}
		return false
	})
}

// Format renders an event as notification text, empty for events that are
// not worth a message.
func Format(e events.Event) string {
	switch data := e.Data.(type) {
	case events.AutomationEvent:
		switch e.Type {
		case events.EventTypePhaseComplete:
			return fmt.Sprintf("<b>%s</b>\naccount <code>%d</code> chat <code>%d</code>",
				html.EscapeString(phaseTitle(data.Phase)), data.AccountID, data.ChatID)
		case events.EventTypeChatInaccessible:
			return fmt.Sprintf("<b>Chat inaccessible</b>\naccount <code>%d</code> chat <code>%d</code>\nhistory scan stopped",
				data.AccountID, data.ChatID)
		}
	case events.BatchEvent:
		if e.Type == events.EventTypeBatchDrained {
			return fmt.Sprintf("<b>Batch queue drained</b>\naccount <code>%d</code>", data.AccountID)
		}
	}
	return ""
}

func phaseTitle(phase string) string {
	switch phase {
	case "HISTORY_PRELOAD_COMPLETE":
		return "History preload complete"
	case "HISTORY_DOWNLOAD_SCAN_COMPLETE":
		return "History scan complete"
	case "HISTORY_DOWNLOAD_COMPLETE":
		return "History download complete"
	case "HISTORY_TRANSFER_COMPLETE":
		return "History transfer complete"
	}
	return strings.ReplaceAll(strings.ToLower(phase), "_", " ")
}
