package remote

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fmaass/telegram-files/internal/errors"
	"github.com/fmaass/telegram-files/internal/logger"
)

const (
	testAccount int64 = 1
	testChat    int64 = -100
)

func photo(id, date int64) *Message {
	return &Message{
		ID:     id,
		ChatID: testChat,
		Date:   date,
		File: &FileInfo{
			ID:       id * 10,
			UniqueID: fmt.Sprintf("p%d", id),
			Type:     FileTypePhoto,
			Size:     1024,
		},
	}
}

func seeded(ids ...int64) *MemorySource {
	src := NewMemorySource()
	src.AddChat(testAccount, Chat{ID: testChat, Title: "test"})
	for _, id := range ids {
		src.AddMessages(testAccount, photo(id, 1000+id))
	}
	return src
}

func ids(page *Page) []int64 {
	var out []int64
	for _, m := range page.Messages {
		out = append(out, m.ID)
	}
	return out
}

func TestMemorySearch(t *testing.T) {
	ctx := context.Background()

	t.Run("newest first pages backwards", func(t *testing.T) {
		src := seeded(1, 2, 3, 4, 5)

		page, err := src.SearchMessages(ctx, Search{AccountID: testAccount, ChatID: testChat, Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, []int64{5, 4}, ids(page))
		assert.Equal(t, int64(4), page.NextFromMessageID)

		page, err = src.SearchMessages(ctx, Search{AccountID: testAccount, ChatID: testChat, FromMessageID: 4, Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, []int64{3, 2}, ids(page))

		page, err = src.SearchMessages(ctx, Search{AccountID: testAccount, ChatID: testChat, FromMessageID: 2, Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, []int64{1}, ids(page))
		assert.Zero(t, page.NextFromMessageID)
	})

	t.Run("negative offset pages forwards", func(t *testing.T) {
		src := seeded(1, 2, 3, 4, 5)

		page, err := src.SearchMessages(ctx, Search{AccountID: testAccount, ChatID: testChat, FromMessageID: 2, Offset: -1, Limit: 3})
		require.NoError(t, err)
		assert.Equal(t, []int64{2, 3, 4}, ids(page))
		assert.Equal(t, int64(5), page.NextFromMessageID)

		_, err = src.SearchMessages(ctx, Search{AccountID: testAccount, ChatID: testChat, FromMessageID: 1, Offset: -10, Limit: 10})
		assert.Error(t, err)
	})

	t.Run("filters", func(t *testing.T) {
		src := seeded(1)
		src.AddMessages(testAccount,
			&Message{ID: 2, ChatID: testChat, Caption: "Holiday clip", File: &FileInfo{ID: 20, UniqueID: "v2", Type: FileTypeVideo}},
			&Message{ID: 3, ChatID: testChat, MessageThreadID: 7, File: &FileInfo{ID: 30, UniqueID: "v3", Type: FileTypeVideo, Name: "match.mp4"}},
			&Message{ID: 4, ChatID: testChat, Caption: "no media"},
		)

		page, err := src.SearchMessages(ctx, Search{AccountID: testAccount, ChatID: testChat, FileType: FileTypeVideo})
		require.NoError(t, err)
		assert.Equal(t, []int64{3, 2}, ids(page))

		page, err = src.SearchMessages(ctx, Search{AccountID: testAccount, ChatID: testChat, Query: "holiday"})
		require.NoError(t, err)
		assert.Equal(t, []int64{2}, ids(page))

		page, err = src.SearchMessages(ctx, Search{AccountID: testAccount, ChatID: testChat, ThreadID: 7})
		require.NoError(t, err)
		assert.Equal(t, []int64{3}, ids(page))
	})

	t.Run("inaccessible chat", func(t *testing.T) {
		src := seeded(1)
		src.SetInaccessible(testAccount, testChat, true)

		_, err := src.SearchMessages(ctx, Search{AccountID: testAccount, ChatID: testChat})
		assert.True(t, IsInaccessible(err))
	})
}

func TestMessageAtDate(t *testing.T) {
	ctx := context.Background()
	src := seeded(1, 2, 3)

	msg, err := src.MessageAtDate(ctx, testAccount, testChat, 1002)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, int64(2), msg.ID)

	msg, err = src.MessageAtDate(ctx, testAccount, testChat, 10)
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestTransfers(t *testing.T) {
	ctx := context.Background()
	src := seeded(1)

	require.NoError(t, src.StartTransfer(ctx, testAccount, 10, testChat, 1))
	st, err := src.GetFile(ctx, testAccount, 10)
	require.NoError(t, err)
	assert.True(t, st.Local.DownloadingActive)
	assert.Equal(t, []int64{10}, src.Started(testAccount))

	src.Complete(testAccount, 10)
	st, err = src.GetFile(ctx, testAccount, 10)
	require.NoError(t, err)
	assert.True(t, st.Local.Completed)
	assert.Equal(t, int64(1024), st.Local.DownloadedSize)

	first := <-src.Updates()
	assert.Equal(t, TransferDownloading, first.State)
	second := <-src.Updates()
	assert.Equal(t, TransferCompleted, second.State)
	assert.NotEmpty(t, second.LocalPath)

	err = src.StartTransfer(ctx, testAccount, 999, testChat, 1)
	assert.Error(t, err)
}

func TestParseReplay(t *testing.T) {
	data := []byte(`{
  "accounts": [{
    "id": 7,
    "chats": [{
      "id": -1001,
      "title": "archive",
      "messages": [
        {"id": 2, "date": 1700000100, "file": {"id": 21, "uniqueId": "b", "type": "video", "size": 10}},
        {"id": 1, "date": 1700000000, "file": {"id": 11, "uniqueId": "a", "type": "photo", "size": 5}}
      ]
    }]
  }]
}`)

	src, err := ParseReplay(data)
	require.NoError(t, err)
	assert.Equal(t, []int64{7}, src.Accounts())

	chat, err := src.GetChat(context.Background(), 7, -1001)
	require.NoError(t, err)
	assert.Equal(t, "archive", chat.Title)

	msg, err := src.GetMessage(context.Background(), 7, -1001, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(-1001), msg.ChatID)
	assert.Equal(t, "a", msg.File.UniqueID)

	_, err = ParseReplay([]byte(`{"accounts":[{"chats":[]}]}`))
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want errors.ErrorType
	}{
		{"inaccessible", ErrChatInaccessible, errors.ErrorTypeInaccessible},
		{"flood wait", &Error{Code: 429, Message: "Too Many Requests: retry after 3", RetryAfter: 3 * time.Second}, errors.ErrorTypeAPIQuota},
		{"not found", NewError(404, "Not Found"), errors.ErrorTypeNotFound},
		{"other reply", NewError(500, "Internal"), errors.ErrorTypeRemote},
		{"transport", errors.NewSimple("connection reset"), errors.ErrorTypeNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Classify("op", tt.err)
			assert.Equal(t, tt.want, errors.GetErrorType(err))
		})
	}

	assert.Nil(t, Classify("op", nil))
	assert.True(t, IsInaccessible(Classify("op", ErrChatInaccessible)))
	assert.ErrorIs(t, Classify("op", context.Canceled), context.Canceled)
}

func TestRateLimiter(t *testing.T) {
	t.Run("burst then throttle", func(t *testing.T) {
		rl := NewRateLimiter(&RateLimiterConfig{RateLimit: 5, BurstSize: 5})
		ctx := context.Background()

		start := time.Now()
		for i := 0; i < 5; i++ {
			require.NoError(t, rl.Wait(ctx))
		}
		assert.Less(t, time.Since(start), 100*time.Millisecond)

		require.NoError(t, rl.Wait(ctx))
		metrics := rl.GetMetrics()
		assert.Equal(t, int64(6), metrics.TotalRequests)
		assert.Equal(t, int64(1), metrics.BlockedRequests)
	})

	t.Run("canceled wait", func(t *testing.T) {
		rl := NewRateLimiter(&RateLimiterConfig{RateLimit: 0.1, BurstSize: 1})
		require.NoError(t, rl.Wait(context.Background()))

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err := rl.Wait(ctx)
		assert.True(t, errors.IsContextError(err))
	})

	t.Run("flood waits halve the rate", func(t *testing.T) {
		rl := NewRateLimiter(&RateLimiterConfig{RateLimit: 10, BurstSize: 1})
		rl.RecordFloodWait()
		assert.Equal(t, 10.0, rl.CurrentRate())
		rl.RecordFloodWait()
		assert.Equal(t, 5.0, rl.CurrentRate())

		rl.RecordSuccess()
		assert.Equal(t, 5.0, rl.CurrentRate())
	})

	t.Run("per account", func(t *testing.T) {
		limiters := NewAccountLimiters(nil)
		a := limiters.Get(1)
		assert.Same(t, a, limiters.Get(1))
		assert.NotSame(t, a, limiters.Get(2))
		assert.Len(t, limiters.Metrics(), 2)

		limiters.Remove(1)
		assert.NotSame(t, a, limiters.Get(1))
	})
}

func TestLimited(t *testing.T) {
	ctx := context.Background()
	handler := errors.NewHandler(logger.Nop())
	handler.SetRetryPolicy(errors.ErrorTypeAPIQuota, &errors.RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	})

	t.Run("passes results through", func(t *testing.T) {
		src := seeded(1, 2)
		limited := NewLimited(src, NewAccountLimiters(nil), handler, time.Second)

		page, err := limited.SearchMessages(ctx, Search{AccountID: testAccount, ChatID: testChat})
		require.NoError(t, err)
		assert.Equal(t, []int64{2, 1}, ids(page))
		assert.Equal(t, int64(1), limited.Limiters().Get(testAccount).GetMetrics().TotalRequests)
	})

	t.Run("retries flood waits", func(t *testing.T) {
		src := seeded(1)
		src.SetError("search_messages", &Error{Code: 429, Message: "Too Many Requests"})
		limited := NewLimited(src, NewAccountLimiters(nil), handler, time.Second)

		_, err := limited.SearchMessages(ctx, Search{AccountID: testAccount, ChatID: testChat})
		assert.True(t, errors.IsType(err, errors.ErrorTypeAPIQuota))
		assert.Equal(t, 3, src.Calls("search_messages"))
	})

	t.Run("does not retry inaccessible chats", func(t *testing.T) {
		src := seeded(1)
		src.SetInaccessible(testAccount, testChat, true)
		limited := NewLimited(src, NewAccountLimiters(nil), handler, time.Second)

		_, err := limited.SearchMessages(ctx, Search{AccountID: testAccount, ChatID: testChat})
		assert.True(t, IsInaccessible(err))
		assert.Equal(t, 1, src.Calls("search_messages"))
	})

	t.Run("forwards updates", func(t *testing.T) {
		src := seeded(1)
		limited := NewLimited(src, NewAccountLimiters(nil), handler, 0)
		require.NoError(t, limited.StartTransfer(ctx, testAccount, 10, testChat, 1))

		update := <-limited.Updates()
		assert.Equal(t, int64(10), update.FileID)
	})
}
