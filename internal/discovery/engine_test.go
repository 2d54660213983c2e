package discovery_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fmaass/telegram-files/internal/automation"
	"github.com/fmaass/telegram-files/internal/discovery"
	"github.com/fmaass/telegram-files/internal/logger"
	"github.com/fmaass/telegram-files/internal/queue"
	"github.com/fmaass/telegram-files/internal/remote"
	"github.com/fmaass/telegram-files/internal/state"
)

const (
	account int64 = 1
	chat    int64 = -100
)

// spySource records every search request.
type spySource struct {
	*remote.MemorySource

	mu       sync.Mutex
	searches []remote.Search
}

func (s *spySource) SearchMessages(ctx context.Context, q remote.Search) (*remote.Page, error) {
	s.mu.Lock()
	s.searches = append(s.searches, q)
	s.mu.Unlock()
	return s.MemorySource.SearchMessages(ctx, q)
}

func (s *spySource) fileTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, q := range s.searches {
		out = append(out, q.FileType)
	}
	return out
}

type fixture struct {
	manager *state.Manager
	source  *spySource
	engine  *discovery.Engine
}

func setup(t *testing.T, opts discovery.Options) *fixture {
	t.Helper()
	manager, err := state.NewManager(state.DBConfig{
		Path:         ":memory:",
		MaxOpenConns: 1,
		MaxIdleConns: 1,
		MaxIdleTime:  5 * time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })

	src := &spySource{MemorySource: remote.NewMemorySource()}
	src.AddChat(account, remote.Chat{ID: chat})

	q := queue.NewService(manager.Files(), logger.Nop())
	return &fixture{
		manager: manager,
		source:  src,
		engine:  discovery.NewEngine(src, manager.Files(), q, logger.Nop(), opts),
	}
}

func msg(id, date int64, fileType string) *remote.Message {
	return &remote.Message{
		ID:     id,
		ChatID: chat,
		Date:   date,
		File: &remote.FileInfo{
			ID:       id * 10,
			UniqueID: fmt.Sprintf("%s-%d", fileType, id),
			Type:     fileType,
			Size:     100,
		},
	}
}

func (f *fixture) add(msgs ...*remote.Message) {
	f.source.AddMessages(account, msgs...)
}

func (f *fixture) count(t *testing.T) int {
	t.Helper()
	records, err := f.manager.Files().List(context.Background(), state.FileFilter{AccountID: account})
	require.NoError(t, err)
	return len(records)
}

func params(rule automation.Rule) discovery.Params {
	return discovery.Params{Key: "1:-100", AccountID: account, ChatID: chat, Rule: rule}
}

func TestDiscoverEmptyChatNotStarted(t *testing.T) {
	f := setup(t, discovery.Options{})

	res := f.engine.Discover(context.Background(), params(automation.Rule{}))
	assert.False(t, res.Complete)
	assert.Equal(t, "photo", res.FileType)
	assert.Zero(t, res.FromMessageID)
	assert.NoError(t, res.Err)
	assert.Equal(t, []string{"photo", "video", "audio", "file"}, f.source.fileTypes())
}

func TestDiscoverRotatesFileTypesOnce(t *testing.T) {
	f := setup(t, discovery.Options{})
	f.add(msg(5, 500, "audio"))

	res := f.engine.Discover(context.Background(), params(automation.Rule{}))
	assert.True(t, res.Complete)
	assert.Equal(t, 1, res.Persisted)
	assert.Equal(t, []string{"photo", "video", "audio", "file"}, f.source.fileTypes())

	rule := automation.Rule{FileTypes: []string{"file", "audio"}}
	f.source.searches = nil
	res = f.engine.Discover(context.Background(), params(rule))
	assert.True(t, res.Complete)
	assert.Equal(t, []string{"file", "audio"}, f.source.fileTypes())
}

func TestDiscoverNewestFirstCursorDecreases(t *testing.T) {
	f := setup(t, discovery.Options{PageLimit: 2})
	for i := int64(1); i <= 5; i++ {
		f.add(msg(i, 1000+i, "photo"))
	}

	res := f.engine.Discover(context.Background(), params(automation.Rule{FileTypes: []string{"photo"}}))
	assert.True(t, res.Complete)
	assert.Equal(t, 5, res.Persisted)
	assert.Equal(t, 5, f.count(t))

	var froms []int64
	for _, q := range f.source.searches {
		froms = append(froms, q.FromMessageID)
		assert.Zero(t, q.Offset)
	}
	assert.Equal(t, []int64{0, 4, 2}, froms)
}

func TestDiscoverOldestFirstCursorIncreases(t *testing.T) {
	f := setup(t, discovery.Options{PageLimit: 2})
	for i := int64(1); i <= 15; i++ {
		f.add(msg(i, 1000+i, "photo"))
	}

	rule := automation.Rule{FileTypes: []string{"photo"}, DownloadOldestFirst: true}
	res := f.engine.Discover(context.Background(), params(rule))
	assert.True(t, res.Complete)
	assert.Equal(t, 15, f.count(t))

	var froms []int64
	for _, q := range f.source.searches {
		froms = append(froms, q.FromMessageID)
		assert.Equal(t, -10, q.Offset)
		assert.Greater(t, q.Limit, 10)
	}
	assert.Equal(t, []int64{1, 12}, froms)
}

func TestDiscoverCutoff(t *testing.T) {
	f := setup(t, discovery.Options{Sentinels: discovery.NewSentinelCache(16, time.Minute)})
	for i := int64(1); i <= 3; i++ {
		f.add(msg(i, 1000+i, "photo"))
	}
	for i := int64(4); i <= 8; i++ {
		f.add(msg(i, 2000+i, "photo"))
	}

	a := &automation.Automation{
		AccountID: account,
		ChatID:    chat,
		Download: automation.DownloadConfig{
			Enabled: true,
			Rule:    automation.Rule{HistorySince: 2000},
		},
	}

	res := f.engine.DiscoverAutomation(context.Background(), a)
	assert.True(t, res.Complete)
	assert.True(t, res.CutoffReached)
	assert.Equal(t, 5, res.Persisted)

	records, err := f.manager.Files().List(context.Background(), state.FileFilter{AccountID: account})
	require.NoError(t, err)
	require.Len(t, records, 5)
	for _, r := range records {
		assert.GreaterOrEqual(t, r.Date, int64(2000))
		assert.Equal(t, state.DownloadStatusIdle, r.DownloadStatus)
		assert.True(t, r.IsQueued())
	}

	// the sentinel is cached for the next call
	f.engine.DiscoverAutomation(context.Background(), a)
	assert.Equal(t, 1, f.source.Calls("message_at_date"))
}

func TestDiscoverOldestFirstStartsAtSentinel(t *testing.T) {
	f := setup(t, discovery.Options{})
	for i := int64(1); i <= 6; i++ {
		f.add(msg(i, 1000*i, "photo"))
	}

	p := params(automation.Rule{FileTypes: []string{"photo"}, DownloadOldestFirst: true, HistorySince: 3500})
	p.Sentinel = &discovery.Sentinel{MessageID: 3, Date: 3000}

	res := f.engine.Discover(context.Background(), p)
	assert.True(t, res.Complete)
	assert.Equal(t, int64(3), f.source.searches[0].FromMessageID)
	assert.Equal(t, 3, f.count(t), "messages 4 to 6 are on or after the cutoff")
}

func TestDiscoverBudget(t *testing.T) {
	now := time.Unix(0, 0)
	clock := func() time.Time {
		now = now.Add(6 * time.Second)
		return now
	}
	f := setup(t, discovery.Options{PageLimit: 2, Now: clock})
	for i := int64(1); i <= 5; i++ {
		f.add(msg(i, 1000+i, "photo"))
	}

	res := f.engine.Discover(context.Background(), params(automation.Rule{}))
	assert.False(t, res.Complete)
	assert.True(t, res.TimedOut)
	assert.Equal(t, 1, res.Pages)
	assert.Equal(t, "photo", res.FileType)
	assert.Equal(t, int64(4), res.FromMessageID)

	// the next call resumes at the returned cursor
	next := params(automation.Rule{})
	next.FileType = res.FileType
	next.FromMessageID = res.FromMessageID
	f.source.searches = nil
	f.engine.Discover(context.Background(), next)
	assert.Equal(t, int64(4), f.source.searches[0].FromMessageID)
}

func TestDiscoverInaccessible(t *testing.T) {
	f := setup(t, discovery.Options{})
	f.add(msg(1, 1, "photo"))
	f.source.SetInaccessible(account, chat, true)

	p := params(automation.Rule{})
	p.FromMessageID = 77
	res := f.engine.Discover(context.Background(), p)
	assert.True(t, res.Complete)
	assert.True(t, res.Inaccessible)
}

func TestDiscoverTransientError(t *testing.T) {
	f := setup(t, discovery.Options{})
	f.add(msg(1, 1, "photo"))
	f.source.SetError("search_messages", remote.NewError(500, "Internal Server Error"))

	p := params(automation.Rule{})
	p.FileType = "video"
	p.FromMessageID = 77
	res := f.engine.Discover(context.Background(), p)
	assert.False(t, res.Complete)
	assert.Error(t, res.Err)
	assert.Equal(t, "video", res.FileType)
	assert.Equal(t, int64(77), res.FromMessageID)
}

func TestDiscoverIsIdempotent(t *testing.T) {
	f := setup(t, discovery.Options{})
	ctx := context.Background()
	f.add(msg(1, 1, "photo"), msg(2, 2, "photo"), msg(3, 3, "photo"))
	rule := automation.Rule{FileTypes: []string{"photo"}}

	res := f.engine.Discover(ctx, params(rule))
	require.True(t, res.Complete)
	assert.Equal(t, 3, res.Persisted)

	files := f.manager.Files()
	_, err := files.UpdateDownloadStatus(ctx, "photo-1", state.DownloadStatusCompleted, "/tmp/1")
	require.NoError(t, err)
	_, err = files.UpdateDownloadStatus(ctx, "photo-2", state.DownloadStatusError, "")
	require.NoError(t, err)

	res = f.engine.Discover(ctx, params(rule))
	require.True(t, res.Complete)
	assert.Equal(t, 1, res.Persisted, "only the errored file is reset")
	assert.Equal(t, 3, f.count(t))

	r1, err := files.GetByUniqueID(ctx, "photo-1")
	require.NoError(t, err)
	assert.Equal(t, state.DownloadStatusCompleted, r1.DownloadStatus)

	r2, err := files.GetByUniqueID(ctx, "photo-2")
	require.NoError(t, err)
	assert.Equal(t, state.DownloadStatusIdle, r2.DownloadStatus)
}

func TestDiscoverResetsCursorOnce(t *testing.T) {
	f := setup(t, discovery.Options{})
	ctx := context.Background()

	// known from an earlier scan, no longer returned by the remote store
	_, err := f.manager.Files().CreateIfNotExist(ctx, &state.FileRecord{
		UniqueID:   "photo-100",
		TelegramID: account,
		ChatID:     chat,
		MessageID:  100,
		Type:       "photo",
	})
	require.NoError(t, err)
	f.add(msg(5000, 1, "photo"), msg(5001, 2, "photo"), msg(5002, 3, "photo"))

	p := params(automation.Rule{FileTypes: []string{"photo"}})
	p.FromMessageID = 5000
	res := f.engine.Discover(ctx, p)

	assert.True(t, res.Complete)
	assert.True(t, res.CursorReset)
	assert.Equal(t, 3, res.Persisted)
	require.Len(t, f.source.searches, 2)
	assert.Equal(t, int64(5000), f.source.searches[0].FromMessageID)
	assert.Equal(t, int64(0), f.source.searches[1].FromMessageID)
}

func TestDiscoverResetIsNotRepeated(t *testing.T) {
	f := setup(t, discovery.Options{})
	ctx := context.Background()

	_, err := f.manager.Files().CreateIfNotExist(ctx, &state.FileRecord{
		UniqueID:   "photo-100",
		TelegramID: account,
		ChatID:     chat,
		MessageID:  100,
		Type:       "photo",
	})
	require.NoError(t, err)

	p := params(automation.Rule{FileTypes: []string{"photo"}})
	p.FromMessageID = 5000
	p.CursorReset = true
	res := f.engine.Discover(ctx, p)

	assert.True(t, res.Complete)
	assert.True(t, res.CursorReset)
	assert.Len(t, f.source.searches, 1)
}

func TestDiscoverResumedScanCompletes(t *testing.T) {
	now := time.Unix(0, 0)
	clock := func() time.Time {
		now = now.Add(time.Second)
		return now
	}
	f := setup(t, discovery.Options{PageLimit: 1, Budget: 4 * time.Second, Now: clock})
	for id := int64(10); id <= 15; id++ {
		f.add(msg(id, id, "photo"))
	}
	for id := int64(500); id <= 505; id++ {
		f.add(msg(id, id, "video"))
	}

	p := params(automation.Rule{FileTypes: []string{"photo", "video"}})
	var res discovery.Result
	calls := 0
	for ; calls < 40; calls++ {
		res = f.engine.Discover(context.Background(), p)
		require.NoError(t, res.Err)
		if res.Complete {
			break
		}
		p.FileType = res.FileType
		p.FromMessageID = res.FromMessageID
		p.CursorReset = res.CursorReset
	}

	require.True(t, res.Complete, "scan did not finish after %d calls", calls)
	assert.False(t, res.CursorReset)
	assert.Equal(t, 12, f.count(t))

	restarts := 0
	for _, q := range f.source.searches {
		if q.FileType == "photo" && q.FromMessageID == 0 {
			restarts++
		}
	}
	assert.Equal(t, 1, restarts, "photo history walked once")
}

func TestDiscoverFilterAndThread(t *testing.T) {
	f := setup(t, discovery.Options{})
	small := msg(1, 1, "video")
	big := msg(2, 2, "video")
	big.File.Size = 5000
	big.MessageThreadID = 9
	small.MessageThreadID = 9
	f.add(small, big, msg(3, 3, "video"))

	p := params(automation.Rule{FileTypes: []string{"video"}, FilterExpr: "size > 1000"})
	p.ThreadID = 9
	res := f.engine.Discover(context.Background(), p)
	assert.True(t, res.Complete)
	assert.Equal(t, 1, res.Persisted)
	assert.Equal(t, int64(9), f.source.searches[0].ThreadID)

	p.Rule.FilterExpr = "size >"
	res = f.engine.Discover(context.Background(), p)
	assert.False(t, res.Complete)
	assert.Error(t, res.Err)
}
