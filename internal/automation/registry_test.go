package automation

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fmaass/telegram-files/internal/errors"
	"github.com/fmaass/telegram-files/internal/logger"
	"github.com/fmaass/telegram-files/internal/state"
)

func setupManager(t *testing.T) *state.Manager {
	t.Helper()
	manager, err := state.NewManager(state.DBConfig{
		Path:         ":memory:",
		MaxOpenConns: 1,
		MaxIdleConns: 1,
		MaxIdleTime:  5 * time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })
	return manager
}

// openShared opens two managers on one database file, one per process.
func openShared(t *testing.T) (*state.Manager, *state.Manager) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tgfiles.db")
	open := func() *state.Manager {
		manager, err := state.NewManager(state.DBConfig{
			Path:         path,
			MaxOpenConns: 1,
			MaxIdleConns: 1,
			MaxIdleTime:  5 * time.Minute,
		})
		require.NoError(t, err)
		t.Cleanup(func() { manager.Close() })
		return manager
	}
	return open(), open()
}

func storeRecords(t *testing.T, settings *state.SettingStore, automations ...*Automation) {
	t.Helper()
	data, err := json.Marshal(&Records{Automations: automations})
	require.NoError(t, err)
	require.NoError(t, settings.Store(context.Background(), state.SettingAutomation, string(data)))
}

func storedRecords(t *testing.T, settings *state.SettingStore) *Records {
	t.Helper()
	value, ok, err := settings.Get(context.Background(), state.SettingAutomation)
	require.NoError(t, err)
	require.True(t, ok)
	records, err := DecodeRecords(value)
	require.NoError(t, err)
	return records
}

func TestRegistryLoad(t *testing.T) {
	manager := setupManager(t)
	ctx := context.Background()

	storeRecords(t, manager.Settings(),
		&Automation{AccountID: 1, ChatID: 10, Download: DownloadConfig{Enabled: true}},
		&Automation{AccountID: 1, ChatID: 11, State: StateActive},
		&Automation{AccountID: 2, ChatID: 20, Download: DownloadConfig{Enabled: true}},
	)

	r := NewRegistry(manager.Settings(), logger.Nop(), []int64{1})
	require.NoError(t, r.Load(ctx))

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, StateIdle, list[0].State)
	assert.Equal(t, StateStopped, list[1].State)

	enabled := r.DownloadEnabled()
	require.Len(t, enabled, 1)
	assert.Equal(t, int64(10), enabled[0].ChatID)

	// corrected states are written back, other accounts are kept
	stored := storedRecords(t, manager.Settings())
	require.Len(t, stored.Automations, 3)
	for _, a := range stored.Automations {
		switch a.ChatID {
		case 10:
			assert.Equal(t, StateIdle, a.State)
		case 11:
			assert.Equal(t, StateStopped, a.State)
		}
	}
}

func TestRegistryControl(t *testing.T) {
	manager := setupManager(t)
	ctx := context.Background()

	storeRecords(t, manager.Settings(),
		&Automation{AccountID: 1, ChatID: 10, Download: DownloadConfig{Enabled: true}},
		&Automation{AccountID: 1, ChatID: 11},
	)
	r := NewRegistry(manager.Settings(), logger.Nop(), nil)
	require.NoError(t, r.Load(ctx))

	a, err := r.Start(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, StateActive, a.State)

	stored := storedRecords(t, manager.Settings())
	assert.Equal(t, StateActive, stored.Automations[0].State)

	a, err = r.Stop(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, a.State, "enabled automations read back as idle")

	_, err = r.Start(ctx, 1, 11)
	assert.True(t, errors.IsType(err, errors.ErrorTypePrecondition))

	_, err = r.SetState(ctx, 1, 11, int(StateActive))
	assert.True(t, errors.IsType(err, errors.ErrorTypePrecondition))
	got, err := r.Get(1, 11)
	require.NoError(t, err)
	assert.Equal(t, StateStopped, got.State)

	_, err = r.SetState(ctx, 1, 10, 5)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	_, err = r.Start(ctx, 1, 99)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestRegistryApply(t *testing.T) {
	manager := setupManager(t)
	ctx := context.Background()

	storeRecords(t, manager.Settings(),
		&Automation{AccountID: 1, ChatID: 10, Download: DownloadConfig{Enabled: true}},
		&Automation{AccountID: 1, ChatID: 11, Download: DownloadConfig{Enabled: true}},
	)
	r := NewRegistry(manager.Settings(), logger.Nop(), nil)
	require.NoError(t, r.Load(ctx))

	require.NoError(t, r.UpdateCursor(ctx, 1, 10, Cursor{FileType: "video", FromMessageID: 500}))
	added, err := r.Complete(ctx, 1, 10, PhaseDownloadScanComplete)
	require.NoError(t, err)
	assert.True(t, added)
	added, err = r.Complete(ctx, 1, 10, PhaseDownloadScanComplete)
	require.NoError(t, err)
	assert.False(t, added)

	var removed []string
	r.OnRemove(func(a *Automation) { removed = append(removed, a.Key()) })

	err = r.Apply(ctx, &Records{Automations: []*Automation{
		{AccountID: 1, ChatID: 10, Download: DownloadConfig{
			Enabled: true,
			Rule:    Rule{Query: "cats", FileTypes: []string{"photo", "video"}},
		}},
		{AccountID: 1, ChatID: 12},
	}})
	require.NoError(t, err)

	a, err := r.Get(1, 10)
	require.NoError(t, err)
	assert.Equal(t, "cats", a.Download.Rule.Query)
	assert.Equal(t, "video", a.Download.NextFileType)
	assert.Equal(t, int64(500), a.Download.NextFromMessageID)
	assert.True(t, a.Phases.Has(PhaseDownloadScanComplete))

	_, err = r.Get(1, 11)
	assert.Error(t, err)
	assert.Equal(t, []string{"1:11"}, removed)

	a, err = r.Get(1, 12)
	require.NoError(t, err)
	assert.Equal(t, StateStopped, a.State)

	stored := storedRecords(t, manager.Settings())
	assert.Len(t, stored.Automations, 2)
}

func TestRegistryWatch(t *testing.T) {
	manager := setupManager(t)
	ctx := context.Background()
	settings := manager.Settings()

	r := NewRegistry(settings, logger.Nop(), nil)
	require.NoError(t, r.Load(ctx))
	unsubscribe := r.Watch(ctx)
	defer unsubscribe()

	data, err := json.Marshal(&Records{Automations: []*Automation{
		{AccountID: 3, ChatID: 30, Download: DownloadConfig{Enabled: true}},
	}})
	require.NoError(t, err)
	require.NoError(t, settings.Put(ctx, state.SettingAutomation, string(data)))

	a, ok := r.Find(30)
	require.True(t, ok)
	assert.Equal(t, StateIdle, a.State)

	_, ok = r.Find(31)
	assert.False(t, ok)
}

func TestRegistrySaveKeepsEditsFromOtherWriter(t *testing.T) {
	serveDB, cliDB := openShared(t)
	ctx := context.Background()

	storeRecords(t, serveDB.Settings(),
		&Automation{AccountID: 1, ChatID: 10, Download: DownloadConfig{Enabled: true}, State: StateActive})

	serve := NewRegistry(serveDB.Settings(), logger.Nop(), nil)
	require.NoError(t, serve.Load(ctx))
	require.NoError(t, serve.UpdateCursor(ctx, 1, 10, Cursor{FileType: "photo", FromMessageID: 900}))

	cli := NewRegistry(cliDB.Settings(), logger.Nop(), nil)
	require.NoError(t, cli.Load(ctx))
	a, err := cli.Get(1, 10)
	require.NoError(t, err)
	a.Download.Enabled = false
	_, err = cli.Put(ctx, a)
	require.NoError(t, err)

	require.NoError(t, serve.UpdateCursor(ctx, 1, 10, Cursor{FileType: "photo", FromMessageID: 700, Reset: true}))

	got, err := serve.Get(1, 10)
	require.NoError(t, err)
	assert.False(t, got.Download.Enabled)
	assert.Equal(t, StateStopped, got.State)
	assert.Equal(t, int64(700), got.Download.NextFromMessageID)
	assert.True(t, got.Download.CursorReset)

	stored := storedRecords(t, cliDB.Settings())
	require.Len(t, stored.Automations, 1)
	assert.False(t, stored.Automations[0].Download.Enabled)
	assert.Equal(t, StateStopped, stored.Automations[0].State)
	assert.Equal(t, "photo", stored.Automations[0].Download.NextFileType)
	assert.Equal(t, int64(700), stored.Automations[0].Download.NextFromMessageID)
}

func TestRegistrySaveDoesNotRewindCursor(t *testing.T) {
	serveDB, cliDB := openShared(t)
	ctx := context.Background()

	storeRecords(t, serveDB.Settings(),
		&Automation{AccountID: 1, ChatID: 10, Download: DownloadConfig{Enabled: true}, State: StateActive})

	serve := NewRegistry(serveDB.Settings(), logger.Nop(), nil)
	require.NoError(t, serve.Load(ctx))
	require.NoError(t, serve.UpdateCursor(ctx, 1, 10, Cursor{FileType: "photo", FromMessageID: 900}))

	cli := NewRegistry(cliDB.Settings(), logger.Nop(), nil)
	require.NoError(t, cli.Load(ctx))

	require.NoError(t, serve.UpdateCursor(ctx, 1, 10, Cursor{FileType: "photo", FromMessageID: 700}))
	_, err := cli.SetState(ctx, 1, 10, int(StateIdle))
	require.NoError(t, err)

	stored := storedRecords(t, cliDB.Settings())
	require.Len(t, stored.Automations, 1)
	assert.Equal(t, StateIdle, stored.Automations[0].State)
	assert.Equal(t, int64(700), stored.Automations[0].Download.NextFromMessageID)

	require.NoError(t, serve.UpdateCursor(ctx, 1, 10, Cursor{FileType: "photo", FromMessageID: 600}))
	got, err := serve.Get(1, 10)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, got.State)
	assert.Equal(t, int64(600), got.Download.NextFromMessageID)
}

func TestRegistrySaveHonorsRemoteRemove(t *testing.T) {
	serveDB, cliDB := openShared(t)
	ctx := context.Background()

	storeRecords(t, serveDB.Settings(),
		&Automation{AccountID: 1, ChatID: 10, Download: DownloadConfig{Enabled: true}},
		&Automation{AccountID: 1, ChatID: 11, Download: DownloadConfig{Enabled: true}},
	)

	serve := NewRegistry(serveDB.Settings(), logger.Nop(), nil)
	require.NoError(t, serve.Load(ctx))
	var removed []string
	serve.OnRemove(func(a *Automation) { removed = append(removed, a.Key()) })

	cli := NewRegistry(cliDB.Settings(), logger.Nop(), nil)
	require.NoError(t, cli.Load(ctx))
	require.NoError(t, cli.Remove(ctx, 1, 10))
	_, err := cli.Put(ctx, &Automation{AccountID: 1, ChatID: 12, Download: DownloadConfig{Enabled: true}})
	require.NoError(t, err)

	require.NoError(t, serve.UpdateCursor(ctx, 1, 11, Cursor{FileType: "video", FromMessageID: 40}))

	_, err = serve.Get(1, 10)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
	assert.Equal(t, []string{"1:10"}, removed)
	_, err = serve.Get(1, 12)
	assert.NoError(t, err)

	stored := storedRecords(t, cliDB.Settings())
	keys := make([]string, 0, len(stored.Automations))
	for _, a := range stored.Automations {
		keys = append(keys, a.Key())
	}
	assert.ElementsMatch(t, []string{"1:11", "1:12"}, keys)
}

func TestRegistryPutRemove(t *testing.T) {
	manager := setupManager(t)
	ctx := context.Background()

	r := NewRegistry(manager.Settings(), logger.Nop(), []int64{1})
	require.NoError(t, r.Load(ctx))

	a, err := r.Put(ctx, &Automation{AccountID: 1, ChatID: 10, Download: DownloadConfig{Enabled: true}})
	require.NoError(t, err)
	assert.Equal(t, StateIdle, a.State)

	_, err = r.Put(ctx, &Automation{AccountID: 2, ChatID: 10})
	assert.True(t, errors.IsType(err, errors.ErrorTypePrecondition))

	require.NoError(t, r.Remove(ctx, 1, 10))
	assert.Empty(t, r.List())
	assert.Error(t, r.Remove(ctx, 1, 10))
}

func TestRegistryHealth(t *testing.T) {
	manager := setupManager(t)
	ctx := context.Background()

	r := NewRegistry(manager.Settings(), logger.Nop(), nil)
	_, err := r.Put(ctx, &Automation{AccountID: 1, ChatID: 10, Download: DownloadConfig{Enabled: true}})
	require.NoError(t, err)
	_, err = r.Start(ctx, 1, 10)
	require.NoError(t, err)

	files := manager.Files()
	for i, status := range []string{"idle", "idle", "downloading", "completed"} {
		_, err := files.CreateIfNotExist(ctx, &state.FileRecord{
			UniqueID:       string(rune('a' + i)),
			TelegramID:     1,
			ChatID:         10,
			MessageID:      int64(i + 1),
			DownloadStatus: status,
		})
		require.NoError(t, err)
	}

	h, err := r.Health(ctx, 1, 10, files)
	require.NoError(t, err)
	assert.Equal(t, StateActive, h.State)
	assert.Equal(t, "ACTIVE", h.StateText)
	assert.True(t, h.IsRunning)
	assert.Equal(t, int64(2), h.PendingFiles)
	assert.Equal(t, int64(1), h.DownloadingFiles)
}
