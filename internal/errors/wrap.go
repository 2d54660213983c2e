/**
 * Error Wrapping and Classification
 *
 * Author: tgfiles maintainers
 * Created: 2025-03-02
 */

package errors

import (
	"context"
	"errors"
	"fmt"
)

// Wrap prefixes err with message; nil stays nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// WrapTyped gives err a type; nil stays nil.
func WrapTyped(errorType ErrorType, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return New(errorType, op, "", err)
}

func NewSimple(message string) error { return errors.New(message) }

func Errorf(format string, args ...interface{}) error { return fmt.Errorf(format, args...) }

func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target interface{}) bool { return errors.As(err, target) }

// AsError finds the first *Error in err's chain.
func AsError(err error, target **Error) bool {
	return err != nil && errors.As(err, target)
}

// IsContextError reports cancellation or a passed deadline anywhere in the chain.
func IsContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// GetErrorType classifies any error. Untyped context errors are
// ErrorTypeContext, everything else untyped is ErrorTypeUnknown.
func GetErrorType(err error) ErrorType {
	var e *Error
	switch {
	case err == nil:
		return ErrorTypeUnknown
	case AsError(err, &e):
		return e.Type
	case IsContextError(err):
		return ErrorTypeContext
	}
	return ErrorTypeUnknown
}

// IsType reports whether err, or any error it wraps, has the given type.
func IsType(err error, errorType ErrorType) bool {
	return err != nil && GetErrorType(err) == errorType
}

// IsTemporary reports whether err carries a retryable type.
func IsTemporary(err error) bool {
	var e *Error
	return AsError(err, &e) && e.IsRetryable()
}
