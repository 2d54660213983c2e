/**
 * Progress Tracker Tests
 *
 * Author: tgfiles maintainers
 * Update History:
 * - 2025-03-18: Initial implementation
 * - 2025-03-28: Per-file counting
 */

package progress

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fmaass/telegram-files/internal/events"
)

func TestTrackerIgnoresUpdatesOutsideRun(t *testing.T) {
	tracker := NewTracker(0)

	tracker.AddStarted("early")
	if got := tracker.GetSnapshot().StartedFiles; got != 0 {
		t.Errorf("expected updates before Start to be ignored, got %d", got)
	}

	tracker.Start()
	if s := tracker.GetSnapshot(); s.State != StateRunning || s.StartTime.IsZero() {
		t.Errorf("expected a running tracker with a start time, got %+v", s)
	}

	tracker.Stop()
	tracker.Stop()
	tracker.AddFinished("late", 10)

	s := tracker.GetSnapshot()
	if s.State != StateCompleted {
		t.Errorf("expected state completed, got %v", s.State)
	}
	if s.FinishedFiles != 0 {
		t.Errorf("expected updates after Stop to be ignored, got %d", s.FinishedFiles)
	}
}

func TestTrackerCountsEachFileOnce(t *testing.T) {
	tracker := NewTracker(0)
	tracker.Start()
	defer tracker.Stop()

	tracker.AddStarted("a")
	tracker.AddStarted("a")
	tracker.AddFinished("a", 100)
	tracker.AddFinished("a", 100)
	tracker.AddError("a", fmt.Errorf("late failure"))

	// finished without a start event still counts as started
	tracker.AddFinished("b", 50)

	s := tracker.GetSnapshot()
	if s.StartedFiles != 2 || s.FinishedFiles != 2 || s.FailedFiles != 0 {
		t.Errorf("unexpected counters %+v", s)
	}
	if s.Bytes != 150 {
		t.Errorf("expected 150 bytes, got %d", s.Bytes)
	}
}

func TestTrackerRetriedFile(t *testing.T) {
	tracker := NewTracker(0)
	tracker.Start()
	defer tracker.Stop()

	tracker.AddStarted("a")
	tracker.AddError("a", fmt.Errorf("network"))
	if got := tracker.GetSnapshot().FailedFiles; got != 1 {
		t.Fatalf("expected 1 failed file, got %d", got)
	}

	tracker.AddStarted("a")
	s := tracker.GetSnapshot()
	if s.FailedFiles != 0 || s.StartedFiles != 1 {
		t.Errorf("expected the restart to clear the failure, got %+v", s)
	}

	tracker.AddFinished("a", 10)
	if got := tracker.GetSnapshot().DoneFiles(); got != 1 {
		t.Errorf("expected 1 done file, got %d", got)
	}
}

func TestTrackerPauseResume(t *testing.T) {
	tracker := NewTracker(0)
	tracker.Start()
	defer tracker.Stop()

	tracker.Pause()
	paused := tracker.GetSnapshot()
	if paused.State != StatePaused {
		t.Errorf("expected state paused, got %v", paused.State)
	}

	time.Sleep(50 * time.Millisecond)
	if got := tracker.GetSnapshot().ElapsedTime; got != paused.ElapsedTime {
		t.Errorf("expected the clock to stand still while paused, %v != %v", got, paused.ElapsedTime)
	}

	tracker.Resume()
	s := tracker.GetSnapshot()
	if s.State != StateRunning {
		t.Errorf("expected state running, got %v", s.State)
	}
	if s.ElapsedTime >= time.Since(s.StartTime) {
		t.Error("expected the paused time to be excluded")
	}
}

func TestTrackerConcurrentUpdates(t *testing.T) {
	tracker := NewTracker(0)
	tracker.Start()
	defer tracker.Stop()

	var wg sync.WaitGroup
	workers, perWorker := 10, 100

	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				name := fmt.Sprintf("u-%d-%d", id, j)
				tracker.AddStarted(name)
				tracker.AddFinished(name, 1024)
			}
		}(i)
	}
	wg.Wait()

	s := tracker.GetSnapshot()
	expected := int64(workers * perWorker)
	if s.StartedFiles != expected || s.FinishedFiles != expected {
		t.Errorf("expected %d started and finished, got %d and %d",
			expected, s.StartedFiles, s.FinishedFiles)
	}
	if s.Bytes != expected*1024 {
		t.Errorf("expected %d bytes, got %d", expected*1024, s.Bytes)
	}
}

func TestTrackerSubscriptions(t *testing.T) {
	tracker := NewTracker(0)
	tracker.Start()

	ch := tracker.Subscribe()
	gone := tracker.Subscribe()
	tracker.Unsubscribe(gone)
	if _, ok := <-gone; ok {
		t.Error("expected an unsubscribed channel to be closed")
	}

	tracker.AddStarted("a")
	tracker.AddError("a", fmt.Errorf("flood wait"))
	tracker.Stop()

	var types []UpdateType
	for u := range ch {
		types = append(types, u.Type)
	}
	want := []UpdateType{UpdateTypeStarted, UpdateTypeError, UpdateTypeState}
	if fmt.Sprint(types) != fmt.Sprint(want) {
		t.Errorf("expected updates %v, got %v", want, types)
	}

	if _, ok := <-tracker.Subscribe(); ok {
		t.Error("expected a subscription after Stop to be closed")
	}
}

func TestProgressSnapshot(t *testing.T) {
	snapshot := ProgressSnapshot{
		TotalFiles:    10,
		StartedFiles:  6,
		FinishedFiles: 4,
		FailedFiles:   1,
		Bytes:         4096,
		ElapsedTime:   10 * time.Second,
	}

	if got := snapshot.PercentComplete(); got != 50 {
		t.Errorf("expected 50%% complete, got %.2f", got)
	}
	if got := snapshot.BytesPerSecond(); got != 409.6 {
		t.Errorf("expected 409.6 B/s, got %.2f", got)
	}
	if got := snapshot.ETA(); got != 10*time.Second {
		t.Errorf("expected ETA 10s, got %v", got)
	}

	snapshot.TotalFiles = 0
	if snapshot.PercentComplete() != 0 || snapshot.ETA() != 0 {
		t.Error("expected no estimate without a total")
	}
}

func TestTrackerFollow(t *testing.T) {
	bus := events.NewBus(16, nil)
	defer bus.Close()

	tracker := NewTracker(0)
	tracker.Start()
	defer tracker.Stop()

	tracker.Follow(bus, func(fe events.FileEvent) bool { return fe.AccountID == 1 })

	bus.PublishTransfer(events.EventTypeTransferStart, events.FileEvent{AccountID: 1, UniqueID: "a"})
	bus.PublishTransfer(events.EventTypeTransferStart, events.FileEvent{AccountID: 2, UniqueID: "other"})
	bus.PublishTransfer(events.EventTypeTransferFinish, events.FileEvent{AccountID: 1, UniqueID: "a", Size: 100})
	bus.PublishTransfer(events.EventTypeTransferError, events.FileEvent{AccountID: 1, UniqueID: "b"})
	bus.Wait()

	snapshot := tracker.GetSnapshot()
	if snapshot.StartedFiles != 2 || snapshot.FinishedFiles != 1 || snapshot.FailedFiles != 1 {
		t.Errorf("unexpected counters %+v", snapshot)
	}
	if snapshot.Bytes != 100 {
		t.Errorf("expected 100 bytes, got %d", snapshot.Bytes)
	}
}

func TestReporterJSON(t *testing.T) {
	tracker := NewTracker(0)
	tracker.SetTotal(2)
	tracker.Start()

	var buf bytes.Buffer
	reporter := NewReporter(tracker, ReporterConfig{Format: OutputFormatJSON, Output: &buf})
	reporter.Start()

	tracker.AddStarted("a")
	tracker.AddFinished("a", 2048)
	tracker.AddError("b", fmt.Errorf("flood wait"))

	tracker.Stop()
	reporter.Stop()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var last map[string]interface{}
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &last); err != nil {
		t.Fatalf("expected JSON output, got %q", buf.String())
	}
	if last["state"] != "completed" {
		t.Errorf("expected completed state, got %v", last["state"])
	}
	if last["finished_files"] != float64(1) || last["failed_files"] != float64(1) {
		t.Errorf("unexpected counters in %v", last)
	}
	if last["percent"] != float64(100) {
		t.Errorf("expected 100 percent, got %v", last["percent"])
	}
}

func TestReporterQuiet(t *testing.T) {
	tracker := NewTracker(0)
	tracker.Start()

	var buf bytes.Buffer
	reporter := NewReporter(tracker, ReporterConfig{Format: ParseOutputFormat("quiet"), Output: &buf})
	reporter.Start()

	tracker.AddFinished("a", 1536)
	tracker.Stop()
	reporter.Stop()

	if !strings.Contains(buf.String(), "Downloaded: 1 files, 1.5 KB") {
		t.Errorf("unexpected quiet output %q", buf.String())
	}
}

func BenchmarkTrackerAddFinished(b *testing.B) {
	tracker := NewTracker(0)
	tracker.Start()
	defer tracker.Stop()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			tracker.AddFinished(fmt.Sprintf("u-%d", i), 1024)
			i++
		}
	})
}
