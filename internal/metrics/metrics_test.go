package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fmaass/telegram-files/internal/events"
	"github.com/fmaass/telegram-files/internal/remote"
	"github.com/fmaass/telegram-files/internal/state"
)

func TestObserveCountsEvents(t *testing.T) {
	m := New()
	bus := events.NewBus(16, nil)
	t.Cleanup(bus.Close)
	m.Observe(bus)

	bus.PublishPhase("1:-100", 1, -100, "HISTORY_DOWNLOAD_SCAN_COMPLETE")
	bus.PublishInaccessible("1:-100", 1, -100)
	bus.Publish(events.Event{Type: events.EventTypeDiscoveryStep, Data: events.AutomationEvent{Persisted: 4}})
	bus.Publish(events.Event{Type: events.EventTypeDiscoveryStep, Data: events.AutomationEvent{Complete: true, Persisted: 1}})
	bus.Publish(events.Event{Type: events.EventTypeDiscoveryStep, Data: events.AutomationEvent{Error: errors.New("boom")}})
	bus.Publish(events.Event{Type: events.EventTypeFilesQueued, Data: events.AutomationEvent{Queued: 10}})
	bus.PublishTransfer(events.EventTypeTransferStart, events.FileEvent{FileType: "photo"})
	bus.PublishTransfer(events.EventTypeTransferFinish, events.FileEvent{FileType: "photo", Status: state.DownloadStatusCompleted, Size: 2048})
	bus.PublishTransfer(events.EventTypeTransferFinish, events.FileEvent{FileType: "video", Status: state.DownloadStatusIdle, Size: 999})
	bus.PublishTransfer(events.EventTypeTransferError, events.FileEvent{FileType: "video"})
	bus.Publish(events.Event{Type: events.EventTypeBatchSubmitted, Data: events.BatchEvent{ID: "x"}})
	bus.Publish(events.Event{Type: events.EventTypeBatchDrained, Data: events.BatchEvent{}})
	bus.Wait()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.phases.WithLabelValues("HISTORY_DOWNLOAD_SCAN_COMPLETE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.inaccessible))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.discoverySteps.WithLabelValues("partial")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.discoverySteps.WithLabelValues("complete")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.discoverySteps.WithLabelValues("error")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.persisted))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.queued))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transfers.WithLabelValues("start", "photo")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transfers.WithLabelValues("finish", "video")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transfers.WithLabelValues("error", "video")))
	assert.Equal(t, 2048.0, testutil.ToFloat64(m.bytes))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.batches.WithLabelValues("submitted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.batches.WithLabelValues("drained")))
}

func TestLimiterCollector(t *testing.T) {
	limiters := remote.NewAccountLimiters(nil)
	require.NoError(t, limiters.Get(1).Wait(context.Background()))
	require.NoError(t, limiters.Get(2).Wait(context.Background()))

	c := &limiterCollector{limiters: limiters}
	assert.Equal(t, 6, testutil.CollectAndCount(c))
	assert.Equal(t, 2, testutil.CollectAndCount(c, "tgfiles_remote_requests_total"))
}

func TestFilesCollector(t *testing.T) {
	manager, err := state.NewManager(state.DBConfig{
		Path:         ":memory:",
		MaxOpenConns: 1,
		MaxIdleConns: 1,
		MaxIdleTime:  5 * time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })

	ctx := context.Background()
	for i, status := range []string{state.DownloadStatusIdle, state.DownloadStatusIdle, state.DownloadStatusCompleted} {
		rec := &state.FileRecord{
			UniqueID:       string(rune('a' + i)),
			TelegramID:     1,
			ChatID:         -100,
			MessageID:      int64(i + 1),
			Type:           "photo",
			DownloadStatus: status,
		}
		_, err := manager.Files().CreateIfNotExist(ctx, rec)
		require.NoError(t, err)
	}

	m := New()
	m.RegisterFiles(manager.Files())

	body := scrape(t, m)
	assert.Contains(t, body, `tgfiles_files{status="idle"} 2`)
	assert.Contains(t, body, `tgfiles_files{status="completed"} 1`)
}

func TestHandlerAndMiddleware(t *testing.T) {
	m := New()
	m.RegisterGauge("automations", "Configured automations.", func() float64 { return 3 })

	h := m.Middleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/healthz", "418")))

	body := scrape(t, m)
	assert.Contains(t, body, "tgfiles_automations 3")
	assert.Contains(t, body, "go_goroutines")
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	srv := httptest.NewServer(m.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(data)
}
