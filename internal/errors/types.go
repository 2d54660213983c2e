/**
 * Error Types for the tgfiles engine
 *
 * Structured error types used across discovery, queueing and the control
 * surface. The type decides how a failure is treated: validation and
 * precondition failures are surfaced to the caller, remote and storage
 * failures are retried on the next scheduler tick, and an inaccessible chat
 * ends discovery for that automation.
 *
 * Author: tgfiles maintainers
 * Created: 2025-03-02
 * Update History:
 * - 2025-03-26: Type names table, Error formats op and path first
 */

package errors

import (
  "fmt"
  "strings"
)

// ErrorType represents the category of error
type ErrorType int

const (
  ErrorTypeUnknown ErrorType = iota

  // transport failures talking to the remote store
  ErrorTypeNetwork

  // flood-wait and rate limit replies
  ErrorTypeAPIQuota

  // record store failures
  ErrorTypeStorage

  ErrorTypeConfiguration

  // context cancellation or timeout
  ErrorTypeContext

  // any other error reply from the remote store
  ErrorTypeRemote

  // the remote store refuses access to a chat
  ErrorTypeInaccessible

  // rejected input values
  ErrorTypeValidation

  // operations refused in the current state
  ErrorTypePrecondition

  // missing automation, message or record
  ErrorTypeNotFound
)

var typeNames = [...]string{
  ErrorTypeUnknown:       "Unknown",
  ErrorTypeNetwork:       "Network",
  ErrorTypeAPIQuota:      "APIQuota",
  ErrorTypeStorage:       "Storage",
  ErrorTypeConfiguration: "Configuration",
  ErrorTypeContext:       "Context",
  ErrorTypeRemote:        "Remote",
  ErrorTypeInaccessible:  "Inaccessible",
  ErrorTypeValidation:    "Validation",
  ErrorTypePrecondition:  "Precondition",
  ErrorTypeNotFound:      "NotFound",
}

func (et ErrorType) String() string {
  if et < 0 || int(et) >= len(typeNames) {
    return typeNames[ErrorTypeUnknown]
  }
  return typeNames[et]
}

// IsRetryable reports whether a later attempt may succeed
func (et ErrorType) IsRetryable() bool {
  return et == ErrorTypeNetwork || et == ErrorTypeAPIQuota ||
    et == ErrorTypeStorage || et == ErrorTypeRemote
}

// Error is a typed failure of one operation on one resource
type Error struct {
  Type ErrorType

  // Op names the operation, e.g. "search" or "set state"
  Op string

  // Path identifies the resource, usually an automation key or unique id
  Path string

  Err error

  // Code is the remote error code when one was returned
  Code int

  // Context carries extra facts such as retry_after
  Context map[string]interface{}
}

// Error renders "op [path]: Type: cause"
func (e *Error) Error() string {
  var b strings.Builder
  b.WriteString(e.Op)
  if e.Path != "" {
    fmt.Fprintf(&b, " [%s]", e.Path)
  }
  fmt.Fprintf(&b, ": %s", e.Type)
  if e.Err != nil {
    fmt.Fprintf(&b, ": %v", e.Err)
  }
  return b.String()
}

func (e *Error) Unwrap() error {
  return e.Err
}

func (e *Error) IsRetryable() bool {
  return e.Type.IsRetryable()
}

// New creates a typed error
func New(errorType ErrorType, op, path string, err error) *Error {
  return &Error{Type: errorType, Op: op, Path: path, Err: err}
}

func (e *Error) WithCode(code int) *Error {
  e.Code = code
  return e
}

// WithContext attaches one fact to the error
func (e *Error) WithContext(key string, value interface{}) *Error {
  if e.Context == nil {
    e.Context = make(map[string]interface{}, 1)
  }
  e.Context[key] = value
  return e
}

func Validation(op, path, msg string) *Error {
  return New(ErrorTypeValidation, op, path, NewSimple(msg))
}

func Precondition(op, path, msg string) *Error {
  return New(ErrorTypePrecondition, op, path, NewSimple(msg))
}

func NotFound(op, path, msg string) *Error {
  return New(ErrorTypeNotFound, op, path, NewSimple(msg))
}
