package scheduler

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
	"github.com/fmaass/telegram-files/internal/download"
	"github.com/fmaass/telegram-files/internal/events"
	"github.com/fmaass/telegram-files/internal/logger"
	"github.com/fmaass/telegram-files/internal/queue"
	"github.com/fmaass/telegram-files/internal/remote"
	"github.com/fmaass/telegram-files/internal/state"
)

const (
	account int64 = 1
	channel int64 = -100
	group   int64 = -200
)

type harness struct {
	manager  *state.Manager
	source   *remote.MemorySource
	registry *automation.Registry
	bus      *events.Bus
	sched    *Scheduler

	mu     sync.Mutex
	phases []string
	kinds  []events.EventType
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	manager, err := state.NewManager(state.DBConfig{
		Path:         ":memory:",
		MaxOpenConns: 1,
		MaxIdleConns: 1,
		MaxIdleTime:  5 * time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })

	log := logger.Nop()
	src := remote.NewMemorySource()
	src.AddChat(account, remote.Chat{ID: channel, Title: "news", IsChannel: true, Supergroup: true})

	bus := events.NewBus(100, log)
	t.Cleanup(bus.Close)

	files := manager.Files()
	registry := automation.NewRegistry(manager.Settings(), log, nil)
	q := queue.NewService(files, log)
	engine := discovery.NewEngine(src, files, q, log, discovery.Options{
		Sentinels: discovery.NewSentinelCache(16, time.Minute),
	})
	starter := download.NewStarter(src, files, log, download.Options{})

	h := &harness{
		manager:  manager,
		source:   src,
		registry: registry,
		bus:      bus,
	}
	h.sched = New(Deps{
		Registry:  registry,
		Discovery: engine,
		Queue:     q,
		Starter:   starter,
		Source:    src,
		Files:     files,
		Settings:  manager.Settings(),
		Bus:       bus,
		Logger:    log,
	}, Options{
		Now: func() time.Time { return at(12, 0) },
	})

	bus.SubscribeAll(func(e events.Event) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.kinds = append(h.kinds, e.Type)
		if e.Type == events.EventTypePhaseComplete {
			h.phases = append(h.phases, e.Data.(events.AutomationEvent).Phase)
		}
	}, nil)

	return h
}

func (h *harness) automate(t *testing.T, chatID int64, rule automation.Rule) {
	t.Helper()
	_, err := h.registry.Put(context.Background(), &automation.Automation{
		AccountID: account,
		ChatID:    chatID,
		Download:  automation.DownloadConfig{Enabled: true, Rule: rule},
	})
	require.NoError(t, err)
}

func photo(chatID, id, date int64) *remote.Message {
	return &remote.Message{
		ID:     id,
		ChatID: chatID,
		Date:   date,
		File: &remote.FileInfo{
			ID:       chatID*-1000 + id,
			UniqueID: fmt.Sprintf("u%d-%d", -chatID, id),
			Type:     remote.FileTypePhoto,
			Size:     10,
		},
	}
}

func (h *harness) records(t *testing.T, chatID int64) []*state.FileRecord {
	t.Helper()
	recs, err := h.manager.Files().List(context.Background(), state.FileFilter{AccountID: account, ChatID: chatID})
	require.NoError(t, err)
	return recs
}

func (h *harness) observed() ([]string, []events.EventType) {
	h.bus.Wait()
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.phases...), append([]events.EventType(nil), h.kinds...)
}

func TestDiscoveryTickAdvancesPhases(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.source.AddMessages(account, photo(channel, 1, 100), photo(channel, 2, 200), photo(channel, 3, 300))
	h.automate(t, channel, automation.Rule{DownloadHistory: true})

	h.sched.DiscoveryTick(ctx)

	a, err := h.registry.Get(account, channel)
	require.NoError(t, err)
	assert.True(t, a.Phases.Has(automation.PhaseDownloadScanComplete))
	assert.Len(t, h.records(t, channel), 3)

	// idle files remain
	h.sched.DiscoveryTick(ctx)
	a, _ = h.registry.Get(account, channel)
	assert.False(t, a.Phases.Has(automation.PhaseDownloadComplete))

	for _, r := range h.records(t, channel) {
		_, err := h.manager.Files().UpdateDownloadStatus(ctx, r.UniqueID, state.DownloadStatusCompleted, "")
		require.NoError(t, err)
	}
	h.sched.DiscoveryTick(ctx)
	a, _ = h.registry.Get(account, channel)
	assert.True(t, a.Phases.Has(automation.PhaseDownloadComplete))

	// nothing left to do
	searches := h.source.Calls("search_messages")
	h.sched.DiscoveryTick(ctx)
	assert.Equal(t, searches, h.source.Calls("search_messages"))

	phases, _ := h.observed()
	assert.ElementsMatch(t, []string{"HISTORY_DOWNLOAD_SCAN_COMPLETE", "HISTORY_DOWNLOAD_COMPLETE"}, phases)
}

func TestDiscoveryTickClearsCursorResetOnCompletion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.source.AddMessages(account, photo(channel, 50, 500), photo(channel, 51, 510), photo(channel, 52, 520))
	h.automate(t, channel, automation.Rule{DownloadHistory: true, FileTypes: []string{remote.FileTypePhoto}})

	// recorded long ago, the stored cursor sits above it with nothing left below
	_, err := h.manager.Files().CreateIfNotExist(ctx, download.RecordOf(account, photo(channel, 5, 50)))
	require.NoError(t, err)
	require.NoError(t, h.registry.UpdateCursor(ctx, account, channel,
		automation.Cursor{FileType: remote.FileTypePhoto, FromMessageID: 40}))

	h.sched.DiscoveryTick(ctx)

	a, err := h.registry.Get(account, channel)
	require.NoError(t, err)
	assert.True(t, a.Phases.Has(automation.PhaseDownloadScanComplete))
	assert.False(t, a.Download.CursorReset)
	assert.Len(t, h.records(t, channel), 4)
}

func TestDiscoveryTickSkipsHistoryWhenDisabled(t *testing.T) {
	h := newHarness(t)
	h.source.AddMessages(account, photo(channel, 1, 100))
	h.automate(t, channel, automation.Rule{})

	h.sched.DiscoveryTick(context.Background())
	assert.Zero(t, h.source.Calls("search_messages"))
}

func TestTicksRespectTimeWindow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.source.AddMessages(account, photo(channel, 1, 100))
	h.automate(t, channel, automation.Rule{DownloadHistory: true})

	require.NoError(t, h.manager.Settings().Put(ctx, state.SettingTimeLimited, `{"startTime":"01:00","endTime":"02:00"}`))
	require.NoError(t, h.sched.LoadSettings(ctx))
	assert.False(t, h.sched.InWindow())

	h.sched.DiscoveryTick(ctx)
	h.sched.DownloadTick(ctx)
	assert.Zero(t, h.source.Calls("search_messages"))
	assert.Zero(t, h.source.Calls("start_transfer"))
}

func TestDiscoveryTickInFlightGuard(t *testing.T) {
	h := newHarness(t)
	h.source.AddMessages(account, photo(channel, 1, 100))
	h.automate(t, channel, automation.Rule{DownloadHistory: true})

	require.True(t, h.sched.acquire("discovery:"+automation.KeyOf(account, channel)))
	h.sched.DiscoveryTick(context.Background())
	assert.Zero(t, h.source.Calls("search_messages"))

	h.sched.release("discovery:" + automation.KeyOf(account, channel))
	h.sched.DiscoveryTick(context.Background())
	assert.NotZero(t, h.source.Calls("search_messages"))
}

func TestDiscoveryTickInaccessibleChat(t *testing.T) {
	h := newHarness(t)
	h.source.AddMessages(account, photo(channel, 1, 100))
	h.source.SetInaccessible(account, channel, true)
	h.automate(t, channel, automation.Rule{DownloadHistory: true})

	h.sched.DiscoveryTick(context.Background())

	a, err := h.registry.Get(account, channel)
	require.NoError(t, err)
	assert.True(t, a.Phases.Has(automation.PhaseDownloadScanComplete))

	_, kinds := h.observed()
	assert.Contains(t, kinds, events.EventTypeChatInaccessible)
}

func TestDownloadTickHonoursLimit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i := int64(1); i <= 8; i++ {
		h.source.AddMessages(account, photo(channel, i, 100*i))
	}
	h.automate(t, channel, automation.Rule{DownloadHistory: true})
	require.NoError(t, h.manager.Settings().Put(ctx, state.SettingAutoDownloadLimit, "3"))
	require.NoError(t, h.sched.LoadSettings(ctx))
	assert.Equal(t, 3, h.sched.Limit())

	h.sched.DiscoveryTick(ctx)
	h.sched.DownloadTick(ctx)
	assert.Len(t, h.source.Started(account), 3)

	h.sched.DownloadTick(ctx)
	assert.Len(t, h.source.Started(account), 3, "no surplus left")

	downloading, err := h.manager.Files().CountByStatus(ctx, account, channel, state.DownloadStatusDownloading)
	require.NoError(t, err)
	require.Equal(t, int64(3), downloading)

	recs, err := h.manager.Files().List(ctx, state.FileFilter{
		AccountID: account,
		Statuses:  []string{state.DownloadStatusDownloading},
		Limit:     1,
	})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	_, err = h.manager.Files().UpdateDownloadStatus(ctx, recs[0].UniqueID, state.DownloadStatusCompleted, "")
	require.NoError(t, err)

	h.sched.DownloadTick(ctx)
	assert.Len(t, h.source.Started(account), 4)
}

func TestDownloadTickSkipsDeadRecords(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	files := h.manager.Files()
	h.automate(t, channel, automation.Rule{})
	require.NoError(t, h.manager.Settings().Put(ctx, state.SettingAutoDownloadLimit, "3"))
	require.NoError(t, h.sched.LoadSettings(ctx))

	// messages deleted after they were recorded
	for i := int64(1); i <= 5; i++ {
		_, err := files.CreateIfNotExist(ctx, download.RecordOf(account, photo(channel, i, 100*i)))
		require.NoError(t, err)
	}
	var live []int64
	for i := int64(11); i <= 13; i++ {
		msg := photo(channel, i, 100*i)
		h.source.AddMessages(account, msg)
		_, err := files.CreateIfNotExist(ctx, download.RecordOf(account, msg))
		require.NoError(t, err)
		live = append(live, msg.File.ID)
	}

	for i := 0; i < 4; i++ {
		h.sched.DownloadTick(ctx)
	}

	assert.ElementsMatch(t, live, h.source.Started(account))
	failed, err := files.CountByStatus(ctx, account, channel, state.DownloadStatusError)
	require.NoError(t, err)
	assert.Equal(t, int64(5), failed)
}

func TestDownloadTickSkipsFilesBeforeCutoff(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.source.AddMessages(account, photo(channel, 1, 1000), photo(channel, 2, 5000))
	h.automate(t, channel, automation.Rule{HistorySince: 3000})

	// recorded before the cutoff was configured
	_, err := h.manager.Files().CreateIfNotExist(ctx, download.RecordOf(account, photo(channel, 1, 1000)))
	require.NoError(t, err)
	_, err = h.manager.Files().CreateIfNotExist(ctx, download.RecordOf(account, photo(channel, 2, 5000)))
	require.NoError(t, err)

	h.sched.DownloadTick(ctx)

	started := h.source.Started(account)
	require.Len(t, started, 1)
	assert.Equal(t, photo(channel, 2, 5000).File.ID, started[0])
}

func TestCommentThreadScan(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	post := photo(channel, 1, 100)
	post.ThreadChatID = group
	post.MessageThreadID = 7
	h.source.AddMessages(account, post)

	comment := photo(group, 50, 150)
	comment.MessageThreadID = 7
	other := photo(group, 51, 160)
	other.MessageThreadID = 8
	h.source.AddMessages(account, comment, other)

	h.automate(t, channel, automation.Rule{DownloadHistory: true, DownloadCommentFiles: true})
	key := automation.KeyOf(account, channel)

	h.sched.DiscoveryTick(ctx)
	h.sched.DownloadTick(ctx)
	assert.Equal(t, 1, h.sched.ThreadCount(key))

	h.sched.DiscoveryTick(ctx)
	assert.Equal(t, 0, h.sched.ThreadCount(key))

	recs := h.records(t, group)
	require.Len(t, recs, 1)
	assert.Equal(t, comment.File.UniqueID, recs[0].UniqueID)

	// removing the automation drops its thread scans
	h.sched.registerThread(&state.FileRecord{
		TelegramID:      account,
		ChatID:          channel,
		ThreadChatID:    group,
		MessageThreadID: 9,
	})
	assert.Equal(t, 1, h.sched.ThreadCount(key))
	require.NoError(t, h.registry.Remove(ctx, account, channel))
	assert.Equal(t, 0, h.sched.ThreadCount(key))
}

func TestOnNewMessage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.automate(t, channel, automation.Rule{FileTypes: []string{remote.FileTypePhoto}})

	msg := photo(channel, 10, 1000)
	h.source.Post(account, msg)
	require.NoError(t, h.sched.OnNewMessage(ctx, account, channel, msg.ID))

	recs := h.records(t, channel)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].IsQueued())

	video := photo(channel, 11, 1001)
	video.File.Type = remote.FileTypeVideo
	h.source.AddMessages(account, video)
	require.NoError(t, h.sched.OnNewMessage(ctx, account, channel, video.ID))
	assert.Len(t, h.records(t, channel), 1, "video is not part of the rule")

	// chats without automation are ignored
	assert.NoError(t, h.sched.OnNewMessage(ctx, account, -999, 1))
}

func TestWatchFeedsNewMessages(t *testing.T) {
	h := newHarness(t)
	h.automate(t, channel, automation.Rule{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.sched.Watch(ctx, h.source.NewMessages())
		close(done)
	}()

	h.source.Post(account, photo(channel, 5, 500))
	assert.Eventually(t, func() bool {
		recs, err := h.manager.Files().List(context.Background(), state.FileFilter{AccountID: account})
		return err == nil && len(recs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestStartFollowsSettings(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.sched.Start(ctx))
	assert.Error(t, h.sched.Start(ctx))

	require.NoError(t, h.manager.Settings().Put(ctx, state.SettingAutoDownloadLimit, "7"))
	assert.Equal(t, 7, h.sched.Limit())

	require.NoError(t, h.manager.Settings().Put(ctx, state.SettingAutoDownloadLimit, "bogus"))
	assert.Equal(t, DefaultLimit, h.sched.Limit())

	require.NoError(t, h.manager.Settings().Put(ctx, state.SettingTimeLimited, `{"startTime":"13:00","endTime":"14:00"}`))
	assert.False(t, h.sched.InWindow())

	h.sched.Stop()
	h.sched.Stop()

	// no longer subscribed
	require.NoError(t, h.manager.Settings().Put(ctx, state.SettingAutoDownloadLimit, "9"))
	assert.Equal(t, DefaultLimit, h.sched.Limit())
}
