/**
 * Error Handling Tests
 *
 * Author: tgfiles maintainers
 * Created: 2025-03-02
 */

package errors

import (
  "context"
  "fmt"
  "testing"
  "time"

  "github.com/stretchr/testify/assert"
  "github.com/stretchr/testify/require"
)

type mockLogger struct {
  logs []logEntry
}

type logEntry struct {
  level   string
  message string
  err     error
  fields  []interface{}
}

func (m *mockLogger) Error(err error, msg string, fields ...interface{}) {
  m.logs = append(m.logs, logEntry{level: "error", message: msg, err: err, fields: fields})
}

func (m *mockLogger) Warn(msg string, fields ...interface{}) {
  m.logs = append(m.logs, logEntry{level: "warn", message: msg, fields: fields})
}

func (m *mockLogger) Info(msg string, fields ...interface{}) {
  m.logs = append(m.logs, logEntry{level: "info", message: msg, fields: fields})
}

func (m *mockLogger) Debug(msg string, fields ...interface{}) {
  m.logs = append(m.logs, logEntry{level: "debug", message: msg, fields: fields})
}

func TestErrorTypes(t *testing.T) {
  tests := []struct {
    name      string
    errorType ErrorType
    retryable bool
    stringRep string
  }{
    {"Network", ErrorTypeNetwork, true, "Network"},
    {"APIQuota", ErrorTypeAPIQuota, true, "APIQuota"},
    {"Storage", ErrorTypeStorage, true, "Storage"},
    {"Remote", ErrorTypeRemote, true, "Remote"},
    {"Inaccessible", ErrorTypeInaccessible, false, "Inaccessible"},
    {"Validation", ErrorTypeValidation, false, "Validation"},
    {"Precondition", ErrorTypePrecondition, false, "Precondition"},
    {"NotFound", ErrorTypeNotFound, false, "NotFound"},
    {"Configuration", ErrorTypeConfiguration, false, "Configuration"},
    {"Context", ErrorTypeContext, false, "Context"},
    {"Unknown", ErrorTypeUnknown, false, "Unknown"},
  }

  for _, tt := range tests {
    t.Run(tt.name, func(t *testing.T) {
      assert.Equal(t, tt.retryable, tt.errorType.IsRetryable())
      assert.Equal(t, tt.stringRep, tt.errorType.String())
    })
  }
}

func TestError(t *testing.T) {
  base := fmt.Errorf("chat is private")

  err := New(ErrorTypeInaccessible, "search", "1:100", base).
    WithCode(400).
    WithContext("file_type", "photo")

  assert.Equal(t, "search [1:100]: Inaccessible: chat is private", err.Error())
  assert.Equal(t, 400, err.Code)
  assert.Equal(t, "photo", err.Context["file_type"])
  assert.ErrorIs(t, err, base)

  t.Run("TypeSurvivesWrapping", func(t *testing.T) {
    wrapped := Wrap(err, "discovery step")
    assert.True(t, IsType(wrapped, ErrorTypeInaccessible))
    assert.False(t, IsType(wrapped, ErrorTypeRemote))
    assert.False(t, IsTemporary(wrapped))

    var got *Error
    require.True(t, AsError(wrapped, &got))
    assert.Same(t, err, got)
  })

  t.Run("Constructors", func(t *testing.T) {
    assert.True(t, IsType(Validation("set state", "1:1", "bad"), ErrorTypeValidation))
    assert.True(t, IsType(Precondition("start", "1:1", "disabled"), ErrorTypePrecondition))
    assert.True(t, IsType(NotFound("get", "1:1", "missing"), ErrorTypeNotFound))
    assert.Nil(t, WrapTyped(ErrorTypeRemote, "op", nil))
    assert.Nil(t, Wrap(nil, "nothing"))
  })
}

func TestGetErrorType(t *testing.T) {
  assert.Equal(t, ErrorTypeUnknown, GetErrorType(nil))
  assert.Equal(t, ErrorTypeUnknown, GetErrorType(fmt.Errorf("plain")))
  assert.Equal(t, ErrorTypeContext, GetErrorType(context.Canceled))
  assert.Equal(t, ErrorTypeContext, GetErrorType(Wrap(context.DeadlineExceeded, "wait")))
  assert.True(t, IsContextError(fmt.Errorf("tick: %w", context.Canceled)))
}

func TestHandlerStrategy(t *testing.T) {
  h := NewHandler(&mockLogger{})

  tests := []struct {
    name     string
    err      error
    strategy RecoveryStrategy
  }{
    {"Inaccessible", New(ErrorTypeInaccessible, "search", "", fmt.Errorf("x")), RecoveryStrategyAbandon},
    {"Remote", New(ErrorTypeRemote, "search", "", fmt.Errorf("x")), RecoveryStrategyNextTick},
    {"Storage", New(ErrorTypeStorage, "persist", "", fmt.Errorf("x")), RecoveryStrategyNextTick},
    {"Quota", New(ErrorTypeAPIQuota, "search", "", fmt.Errorf("x")), RecoveryStrategyRetry},
    {"Validation", Validation("set", "", "bad"), RecoveryStrategyNone},
    {"Plain", fmt.Errorf("plain"), RecoveryStrategyNextTick},
  }

  for _, tt := range tests {
    t.Run(tt.name, func(t *testing.T) {
      assert.Equal(t, tt.strategy, h.Strategy(tt.err))
    })
  }
}

func TestHandleErrorLogs(t *testing.T) {
  logger := &mockLogger{}
  h := NewHandler(logger)

  err := New(ErrorTypeRemote, "search", "1:100", fmt.Errorf("timeout")).WithCode(500)
  strategy := h.HandleError(context.Background(), err, "account_id", int64(1))

  assert.Equal(t, RecoveryStrategyNextTick, strategy)
  require.Len(t, logger.logs, 1)
  assert.Equal(t, "warn", logger.logs[0].level)
  assert.Contains(t, logger.logs[0].fields, "code")

  ctx, cancel := context.WithCancel(context.Background())
  cancel()
  assert.Equal(t, RecoveryStrategyNone, h.HandleError(ctx, err))
  assert.Equal(t, RecoveryStrategyNone, h.HandleError(context.Background(), nil))
}

func TestHandlerDo(t *testing.T) {
  h := NewHandler(&mockLogger{})
  h.SetRetryPolicy(ErrorTypeNetwork, &RetryPolicy{
    MaxAttempts:  3,
    InitialDelay: time.Millisecond,
    MaxDelay:     2 * time.Millisecond,
    Multiplier:   2,
  })

  t.Run("RetriesUntilSuccess", func(t *testing.T) {
    calls := 0
    err := h.Do(context.Background(), func() error {
      calls++
      if calls < 3 {
        return New(ErrorTypeNetwork, "search", "", fmt.Errorf("reset"))
      }
      return nil
    })
    assert.NoError(t, err)
    assert.Equal(t, 3, calls)
  })

  t.Run("GivesUp", func(t *testing.T) {
    calls := 0
    err := h.Do(context.Background(), func() error {
      calls++
      return New(ErrorTypeNetwork, "search", "", fmt.Errorf("reset"))
    })
    assert.Error(t, err)
    assert.Equal(t, 3, calls)
  })

  t.Run("NoPolicyNoRetry", func(t *testing.T) {
    calls := 0
    err := h.Do(context.Background(), func() error {
      calls++
      return New(ErrorTypeInaccessible, "search", "", fmt.Errorf("private"))
    })
    assert.Error(t, err)
    assert.Equal(t, 1, calls)
  })
}

func TestRetryPolicyDelay(t *testing.T) {
  p := &RetryPolicy{
    InitialDelay: 100 * time.Millisecond,
    MaxDelay:     300 * time.Millisecond,
    Multiplier:   2,
  }

  assert.Equal(t, 100*time.Millisecond, p.Delay(1, nil))
  assert.Equal(t, 200*time.Millisecond, p.Delay(2, nil))
  assert.Equal(t, 300*time.Millisecond, p.Delay(3, nil))
  assert.Equal(t, 300*time.Millisecond, p.Delay(9, nil))

  hinted := New(ErrorTypeAPIQuota, "search", "", fmt.Errorf("flood")).
    WithContext("retry_after", time.Second)
  assert.Equal(t, time.Second, p.Delay(1, hinted))

  p.Jitter = true
  d := p.Delay(1, nil)
  assert.GreaterOrEqual(t, d, 75*time.Millisecond)
  assert.LessOrEqual(t, d, 125*time.Millisecond)
}

func TestRetry(t *testing.T) {
  policy := &RetryPolicy{
    MaxAttempts:  3,
    InitialDelay: time.Millisecond,
    MaxDelay:     time.Millisecond,
    Multiplier:   1,
  }

  t.Run("RetriesUntilSuccess", func(t *testing.T) {
    calls, retried := 0, 0
    err := Retry(context.Background(), policy, func() error {
      calls++
      if calls < 3 {
        return fmt.Errorf("again")
      }
      return nil
    }, nil, func(int, time.Duration, error) { retried++ })
    assert.NoError(t, err)
    assert.Equal(t, 3, calls)
    assert.Equal(t, 2, retried)
  })

  t.Run("StopsWhenNotRetryable", func(t *testing.T) {
    calls := 0
    err := Retry(context.Background(), policy, func() error {
      calls++
      return Validation("op", "", "bad input")
    }, IsTemporary, nil)
    assert.Error(t, err)
    assert.Equal(t, 1, calls)
  })

  t.Run("GivesUpAfterMaxAttempts", func(t *testing.T) {
    calls := 0
    err := Retry(context.Background(), policy, func() error {
      calls++
      return fmt.Errorf("again")
    }, nil, nil)
    assert.Error(t, err)
    assert.Equal(t, 3, calls)
  })

  t.Run("ContextCancelled", func(t *testing.T) {
    ctx, cancel := context.WithCancel(context.Background())
    cancel()
    slow := &RetryPolicy{MaxAttempts: 5, InitialDelay: time.Second, Multiplier: 1}
    err := Retry(ctx, slow, func() error {
      return fmt.Errorf("again")
    }, nil, nil)
    assert.ErrorIs(t, err, context.Canceled)
  })
}

func TestWrapWithContext(t *testing.T) {
  ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
  defer cancel()

  wrapped := WrapWithContext(ctx, fmt.Errorf("boom"), "queue", "1:2")
  require.NotNil(t, wrapped)
  assert.Equal(t, "queue", wrapped.Op)
  assert.Contains(t, wrapped.Context, "deadline")

  typed := New(ErrorTypeStorage, "persist", "", fmt.Errorf("locked"))
  assert.Same(t, typed, WrapWithContext(ctx, typed, "other", ""))
  assert.Nil(t, WrapWithContext(ctx, nil, "x", ""))
}
