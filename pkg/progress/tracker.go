/**
 * Download Progress Tracker
 * Counts the transfers of a download run from engine events
 *
 * Features:
 * - Per-file state keyed by unique id, so repeated events count once
 * - A failed file that starts again moves back to started
 * - Pause aware elapsed time
 * - Non-blocking fan-out to subscribers
 *
 * Author: tgfiles maintainers
 * Update History:
 * - 2025-03-18: Initial implementation
 * - 2025-03-22: Follow transfer events from the bus
 * - 2025-03-28: Per-file state, updates delivered inline
 */

package progress

import (
	"sync"
	"time"

	"github.com/fmaass/telegram-files/internal/events"
)

// State represents the current state of a download run.
type State int

const (
	StateIdle State = iota
	StateRunning
	StatePaused
	StateCompleted
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateCompleted:
		return "completed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// UpdateType defines the type of progress update.
type UpdateType int

const (
	UpdateTypeStarted UpdateType = iota
	UpdateTypeFinished
	UpdateTypeError
	UpdateTypeState
)

// Update is one change delivered to subscribers.
type Update struct {
	Timestamp time.Time
	Error     error
	FileName  string
	Type      UpdateType
	Bytes     int64
}

type fileState uint8

const (
	fileStarted fileState = iota + 1
	fileFinished
	fileFailed
)

// Tracker counts the files of one download run.
type Tracker struct {
	mu    sync.Mutex
	state State
	files map[string]fileState

	total    int64
	started  int64
	finished int64
	failed   int64
	bytes    int64
	current  string

	startTime time.Time
	pausedAt  time.Time
	paused    time.Duration

	subs    []chan Update
	bufSize int
}

// NewTracker creates a tracker whose subscriber channels buffer bufSize
// updates. Updates a full subscriber cannot take are dropped.
func NewTracker(bufSize int) *Tracker {
	if bufSize < 16 {
		bufSize = 16
	}
	return &Tracker{
		files:   make(map[string]fileState),
		bufSize: bufSize,
	}
}

// Start begins counting. Updates before Start are ignored.
func (t *Tracker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateIdle {
		return
	}
	t.state = StateRunning
	t.startTime = time.Now()
}

// Stop completes the run and closes every subscriber channel.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == StateCompleted {
		return
	}
	t.resumeClock(time.Now())
	t.state = StateCompleted
	t.emit(Update{Type: UpdateTypeState, Timestamp: time.Now()})

	for _, ch := range t.subs {
		close(ch)
	}
	t.subs = nil
}

// Pause stops the elapsed clock. Counting continues.
func (t *Tracker) Pause() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateRunning {
		return
	}
	t.state = StatePaused
	t.pausedAt = time.Now()
	t.emit(Update{Type: UpdateTypeState, Timestamp: t.pausedAt})
}

// Resume restarts the elapsed clock.
func (t *Tracker) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StatePaused {
		return
	}
	now := time.Now()
	t.resumeClock(now)
	t.state = StateRunning
	t.emit(Update{Type: UpdateTypeState, Timestamp: now})
}

func (t *Tracker) resumeClock(now time.Time) {
	if !t.pausedAt.IsZero() {
		t.paused += now.Sub(t.pausedAt)
		t.pausedAt = time.Time{}
	}
}

// SetTotal sets the number of files the run waits for.
func (t *Tracker) SetTotal(files int64) {
	t.mu.Lock()
	t.total = files
	t.mu.Unlock()
}

// AddStarted records that a transfer began.
func (t *Tracker) AddStarted(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.counting() {
		return
	}
	switch t.files[id] {
	case fileStarted, fileFinished:
		return
	case fileFailed:
		t.failed--
	default:
		t.started++
	}
	t.files[id] = fileStarted
	t.current = id
	t.emit(Update{Type: UpdateTypeStarted, FileName: id, Timestamp: time.Now()})
}

// AddFinished records a transfer that ended with the file on disk.
func (t *Tracker) AddFinished(id string, bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.counting() {
		return
	}
	switch t.files[id] {
	case fileFinished:
		return
	case fileFailed:
		t.failed--
	case 0:
		t.started++
	}
	t.files[id] = fileFinished
	t.finished++
	t.bytes += bytes
	t.emit(Update{Type: UpdateTypeFinished, FileName: id, Bytes: bytes, Timestamp: time.Now()})
}

// AddError records a failed transfer. A finished file stays finished.
func (t *Tracker) AddError(id string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.counting() {
		return
	}
	switch t.files[id] {
	case fileFinished, fileFailed:
		return
	case 0:
		t.started++
	}
	t.files[id] = fileFailed
	t.failed++
	t.emit(Update{Type: UpdateTypeError, FileName: id, Error: err, Timestamp: time.Now()})
}

func (t *Tracker) counting() bool {
	return t.state == StateRunning || t.state == StatePaused
}

// emit hands u to every subscriber without blocking. mu must be held.
func (t *Tracker) emit(u Update) {
	for _, ch := range t.subs {
		select {
		case ch <- u:
		default:
		}
	}
}

// Subscribe returns a channel of updates, closed by Stop.
func (t *Tracker) Subscribe() <-chan Update {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch := make(chan Update, t.bufSize)
	if t.state == StateCompleted {
		close(ch)
		return ch
	}
	t.subs = append(t.subs, ch)
	return ch
}

// Unsubscribe removes and closes a channel returned by Subscribe.
func (t *Tracker) Unsubscribe(sub <-chan Update) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, ch := range t.subs {
		if ch == sub {
			close(ch)
			t.subs = append(t.subs[:i], t.subs[i+1:]...)
			return
		}
	}
}

// Follow feeds the tracker from the transfer events of bus that match.
// A nil match accepts every file. The returned func stops following.
func (t *Tracker) Follow(bus *events.Bus, match func(events.FileEvent) bool) func() {
	if bus == nil {
		return func() {}
	}

	return bus.SubscribeAll(func(e events.Event) {
		fe := e.Data.(events.FileEvent)
		switch e.Type {
		case events.EventTypeTransferStart:
			t.AddStarted(fe.UniqueID)
		case events.EventTypeTransferFinish:
			t.AddFinished(fe.UniqueID, fe.Size)
		case events.EventTypeTransferError:
			err := fe.Error
			if err == nil {
				err = &TransferError{UniqueID: fe.UniqueID, ChatID: fe.ChatID, MessageID: fe.MessageID}
			}
			t.AddError(fe.UniqueID, err)
		}
	}, func(e events.Event) bool {
		switch e.Type {
		case events.EventTypeTransferStart, events.EventTypeTransferFinish, events.EventTypeTransferError:
		default:
			return false
		}
		fe, ok := e.Data.(events.FileEvent)
		return ok && (match == nil || match(fe))
	})
}

// TransferError stands in for a transfer that failed without a reason.
type TransferError struct {
	UniqueID  string
	ChatID    int64
	MessageID int64
}

func (e *TransferError) Error() string {
	if e.UniqueID == "" {
		return "transfer failed"
	}
	return "transfer of " + e.UniqueID + " failed"
}

// ProgressSnapshot is a point-in-time view of a run.
type ProgressSnapshot struct {
	StartTime     time.Time
	CurrentFile   string
	TotalFiles    int64
	StartedFiles  int64
	FinishedFiles int64
	FailedFiles   int64
	Bytes         int64
	State         State
	ElapsedTime   time.Duration
}

// GetSnapshot returns the current counters.
func (t *Tracker) GetSnapshot() ProgressSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := ProgressSnapshot{
		StartTime:     t.startTime,
		CurrentFile:   t.current,
		TotalFiles:    t.total,
		StartedFiles:  t.started,
		FinishedFiles: t.finished,
		FailedFiles:   t.failed,
		Bytes:         t.bytes,
		State:         t.state,
	}
	if !t.startTime.IsZero() {
		now := time.Now()
		if !t.pausedAt.IsZero() {
			now = t.pausedAt
		}
		s.ElapsedTime = now.Sub(t.startTime) - t.paused
	}
	return s
}

// DoneFiles returns the files that left the transfer layer either way.
func (ps ProgressSnapshot) DoneFiles() int64 {
	return ps.FinishedFiles + ps.FailedFiles
}

func (ps ProgressSnapshot) PercentComplete() float64 {
	if ps.TotalFiles == 0 {
		return 0
	}
	return float64(ps.DoneFiles()) / float64(ps.TotalFiles) * 100
}

// BytesPerSecond returns the average download speed.
func (ps ProgressSnapshot) BytesPerSecond() float64 {
	if ps.ElapsedTime <= 0 {
		return 0
	}
	return float64(ps.Bytes) / ps.ElapsedTime.Seconds()
}

// ETA estimates the time until every expected file is done.
func (ps ProgressSnapshot) ETA() time.Duration {
	done := ps.DoneFiles()
	if done == 0 || ps.ElapsedTime <= 0 || ps.TotalFiles <= done {
		return 0
	}
	return ps.ElapsedTime / time.Duration(done) * time.Duration(ps.TotalFiles-done)
}
