/**
 * Error Handler
 *
 * Classifies failures raised while scanning and downloading and decides
 * what the scheduler does next with the affected automation.
 *
 * Author: tgfiles maintainers
 * Created: 2025-03-02
 */

package errors

import (
	"context"
)

// RecoveryStrategy defines how to recover from specific error types.
type RecoveryStrategy int

const (
	// RecoveryStrategyNone surfaces the error to the caller
	RecoveryStrategyNone RecoveryStrategy = iota

	// RecoveryStrategyRetry retries immediately with backoff (inside one call)
	RecoveryStrategyRetry

	// RecoveryStrategyNextTick leaves state untouched and lets the next tick retry
	RecoveryStrategyNextTick

	// RecoveryStrategyAbandon stops work on the affected scope permanently
	RecoveryStrategyAbandon
)

// String returns the strategy name used in logs.
func (s RecoveryStrategy) String() string {
	switch s {
	case RecoveryStrategyRetry:
		return "retry"
	case RecoveryStrategyNextTick:
		return "next_tick"
	case RecoveryStrategyAbandon:
		return "abandon"
	default:
		return "none"
	}
}

// Logger interface for error logging.
type Logger interface {
	Error(err error, msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Debug(msg string, fields ...interface{})
}

// Handler manages error classification and in-call retries.
type Handler struct {
	policies map[ErrorType]*RetryPolicy
	logger   Logger
}

// NewHandler creates a new error handler.
func NewHandler(logger Logger) *Handler {
	return &Handler{
		policies: DefaultRetryPolicies(),
		logger:   logger,
	}
}

// SetRetryPolicy sets a custom retry policy for an error type.
func (h *Handler) SetRetryPolicy(errorType ErrorType, policy *RetryPolicy) {
	h.policies[errorType] = policy
}

// GetRetryPolicy returns the retry policy for an error type.
func (h *Handler) GetRetryPolicy(errorType ErrorType) *RetryPolicy {
	return h.policies[errorType]
}

// Strategy maps an error to a recovery strategy without logging it.
func (h *Handler) Strategy(err error) RecoveryStrategy {
	switch GetErrorType(err) {
	case ErrorTypeInaccessible:
		return RecoveryStrategyAbandon
	case ErrorTypeValidation, ErrorTypePrecondition, ErrorTypeNotFound,
		ErrorTypeConfiguration, ErrorTypeContext:
		return RecoveryStrategyNone
	case ErrorTypeNetwork, ErrorTypeAPIQuota:
		return RecoveryStrategyRetry
	default:
		return RecoveryStrategyNextTick
	}
}

// HandleError logs err with its structured context and returns the strategy.
func (h *Handler) HandleError(ctx context.Context, err error, fields ...interface{}) RecoveryStrategy {
	if err == nil {
		return RecoveryStrategyNone
	}
	strategy := h.Strategy(err)
	if ctx.Err() != nil {
		strategy = RecoveryStrategyNone
	}

	fields = append(fields, "strategy", strategy.String())
	var e *Error
	if AsError(err, &e) {
		fields = append(fields, "error_type", e.Type.String(), "operation", e.Op)
		if e.Path != "" {
			fields = append(fields, "path", e.Path)
		}
		if e.Code != 0 {
			fields = append(fields, "code", e.Code)
		}
		for k, v := range e.Context {
			fields = append(fields, k, v)
		}
	}

	switch strategy {
	case RecoveryStrategyNextTick, RecoveryStrategyRetry:
		h.logger.Warn("Transient failure, will retry", append(fields, "error", err.Error())...)
	default:
		h.logger.Error(err, "Operation failed", fields...)
	}

	return strategy
}

// Do runs operation and retries it according to the policy of the
// error type it fails with.
func (h *Handler) Do(ctx context.Context, operation func() error) error {
	attempt := 0
	for {
		err := operation()
		if err == nil {
			return nil
		}
		if IsContextError(err) {
			return err
		}

		policy := h.GetRetryPolicy(GetErrorType(err))
		attempt++
		if policy == nil || attempt >= policy.MaxAttempts {
			return err
		}

		delay := policy.Delay(attempt, err)
		h.logger.Debug("Retrying after failure",
			"attempt", attempt,
			"delay", delay,
			"error", err.Error(),
		)
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// WrapWithContext wraps an error with context information.
func WrapWithContext(ctx context.Context, err error, op, path string) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if AsError(err, &e) {
		return e
	}

	wrapped := New(GetErrorType(err), op, path, err)
	if deadline, ok := ctx.Deadline(); ok {
		wrapped.WithContext("deadline", deadline)
	}

	return wrapped
}
