package remote

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/fmaass/telegram-files/internal/errors"
)

// Error is an error reply of the remote store.
type Error struct {
	Code       int
	Message    string
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

// NewError builds a remote error reply.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// ErrChatInaccessible is the reply for chats the account can no longer read.
var ErrChatInaccessible = &Error{Code: 400, Message: "Can't access the chat"}

// IsInaccessible reports whether err means the chat cannot be read anymore.
func IsInaccessible(err error) bool {
	if err == nil {
		return false
	}
	if errors.IsType(err, errors.ErrorTypeInaccessible) {
		return true
	}

	var re *Error
	if !stderrors.As(err, &re) {
		return false
	}
	return re.Code == 400 && (re.Message == ErrChatInaccessible.Message ||
		strings.Contains(re.Message, "CHANNEL_PRIVATE") ||
		strings.Contains(re.Message, "CHAT_ACCESS"))
}

// Classify wraps err into a typed error so the handler can pick a strategy.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.IsContextError(err) {
		return err
	}

	var re *Error
	if !stderrors.As(err, &re) {
		var typed *errors.Error
		if errors.AsError(err, &typed) {
			return err
		}
		return errors.New(errors.ErrorTypeNetwork, op, "", err)
	}

	switch {
	case IsInaccessible(re):
		return errors.New(errors.ErrorTypeInaccessible, op, "", err).WithCode(re.Code)
	case re.Code == 429:
		return errors.New(errors.ErrorTypeAPIQuota, op, "", err).
			WithCode(re.Code).
			WithContext("retry_after", re.RetryAfter)
	case re.Code == 404:
		return errors.New(errors.ErrorTypeNotFound, op, "", err).WithCode(re.Code)
	default:
		return errors.New(errors.ErrorTypeRemote, op, "", err).WithCode(re.Code)
	}
}
