/**
 * Engine Events
 * Event system connecting the scheduler, transfers and batches to the
 * notifier, metrics and progress output
 *
 * Features:
 * - Typed event payloads
 * - One mailbox goroutine per subscriber, delivery in publish order
 * - Publishing never blocks; a full mailbox drops the event
 * - Named channels for streaming consumers
 *
 * Author: tgfiles maintainers
 * Update History:
 * - 2025-03-12: Initial implementation
 * - 2025-03-21: Batch events
 * - 2025-03-28: Per-subscriber mailboxes replace handler goroutines
 */

// Package events carries engine events to observers.
package events

import (
	"fmt"
	"sync"
	"time"

	"github.com/fmaass/telegram-files/internal/logger"
)

// EventType defines the type of engine event.
type EventType int

const (
	EventTypeDiscoveryStep EventType = iota
	EventTypePhaseComplete
	EventTypeChatInaccessible
	EventTypeFilesQueued
	EventTypeTransferStart
	EventTypeTransferFinish
	EventTypeTransferError
	EventTypeBatchSubmitted
	EventTypeBatchDrained
)

var eventNames = [...]string{
	EventTypeDiscoveryStep:    "discovery_step",
	EventTypePhaseComplete:    "phase_complete",
	EventTypeChatInaccessible: "chat_inaccessible",
	EventTypeFilesQueued:      "files_queued",
	EventTypeTransferStart:    "transfer_start",
	EventTypeTransferFinish:   "transfer_finish",
	EventTypeTransferError:    "transfer_error",
	EventTypeBatchSubmitted:   "batch_submitted",
	EventTypeBatchDrained:     "batch_drained",
}

func (et EventType) String() string {
	if et < 0 || int(et) >= len(eventNames) {
		return "unknown"
	}
	return eventNames[et]
}

// Event is one engine event. Data holds an AutomationEvent, FileEvent or
// BatchEvent depending on Type.
type Event struct {
	Timestamp time.Time
	Data      interface{}
	Type      EventType
}

// AutomationEvent contains data for automation events.
type AutomationEvent struct {
	Key       string
	AccountID int64
	ChatID    int64
	ThreadID  int64
	Phase     string
	Persisted int
	Queued    int
	Complete  bool
	TimedOut  bool
	Error     error
}

// FileEvent contains data for transfer events.
type FileEvent struct {
	Error     error
	UniqueID  string
	Status    string
	FileType  string
	AccountID int64
	ChatID    int64
	MessageID int64
	Size      int64
}

// BatchEvent contains data for manual batch events.
type BatchEvent struct {
	ID        string
	AccountID int64
	Started   int
	Queued    int
	Failed    int
}

// EventHandler processes events.
type EventHandler func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

type subscriber struct {
	all     bool
	typ     EventType
	filter  EventFilter
	handler EventHandler
	inbox   chan Event
}

func (s *subscriber) wants(e Event) bool {
	if !s.all && s.typ != e.Type {
		return false
	}
	return s.filter == nil || s.filter(e)
}

// Bus distributes events. A nil *Bus drops every event.
type Bus struct {
	mu       sync.RWMutex
	subs     []*subscriber
	channels map[string]chan Event
	closed   bool

	// pending counts events accepted by a mailbox and not yet handled
	pendingMu sync.Mutex
	pendingCv *sync.Cond
	pending   int

	bufferSize int
	logger     *logger.Logger
}

// NewBus creates a bus whose mailboxes and channels hold bufferSize events.
func NewBus(bufferSize int, log *logger.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	if log == nil {
		log = logger.Nop()
	}

	b := &Bus{
		channels:   make(map[string]chan Event),
		bufferSize: bufferSize,
		logger:     log.Component("events"),
	}
	b.pendingCv = sync.NewCond(&b.pendingMu)
	return b
}

// Subscribe runs handler for events of one type that pass filter. The
// returned func detaches the handler.
func (b *Bus) Subscribe(eventType EventType, handler EventHandler, filter EventFilter) func() {
	return b.add(&subscriber{typ: eventType, handler: handler, filter: filter})
}

// SubscribeAll runs handler for every event that passes filter.
func (b *Bus) SubscribeAll(handler EventHandler, filter EventFilter) func() {
	return b.add(&subscriber{all: true, handler: handler, filter: filter})
}

func (b *Bus) add(s *subscriber) func() {
	s.inbox = make(chan Event, b.bufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.inbox)
		return func() {}
	}
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	go b.run(s)

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(s) })
	}
}

func (b *Bus) remove(s *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subs {
		if sub == s {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(s.inbox)
			return
		}
	}
}

func (b *Bus) run(s *subscriber) {
	for e := range s.inbox {
		b.call(s.handler, e)
		b.done()
	}
}

// CreateChannel returns a named channel receiving every event. Events a
// full channel cannot take are dropped.
func (b *Bus) CreateChannel(name string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.channels[name]; ok {
		return ch
	}
	ch := make(chan Event, b.bufferSize)
	if b.closed {
		close(ch)
		return ch
	}
	b.channels[name] = ch
	return ch
}

// CloseChannel closes a named channel.
func (b *Bus) CloseChannel(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.channels[name]; ok {
		close(ch)
		delete(b.channels, name)
	}
}

// Publish stamps the event and hands it to every interested subscriber.
func (b *Bus) Publish(event Event) {
	if b == nil {
		return
	}
	event.Timestamp = time.Now()

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, s := range b.subs {
		if !s.wants(event) {
			continue
		}
		b.accept()
		select {
		case s.inbox <- event:
		default:
			b.done()
			b.logger.Warn("Subscriber mailbox full, event dropped", "event_type", event.Type.String())
		}
	}
	for _, ch := range b.channels {
		select {
		case ch <- event:
		default:
		}
	}
}

// PublishPhase publishes a phase completion.
func (b *Bus) PublishPhase(key string, accountID, chatID int64, phase string) {
	b.Publish(Event{
		Type: EventTypePhaseComplete,
		Data: AutomationEvent{
			Key:       key,
			AccountID: accountID,
			ChatID:    chatID,
			Phase:     phase,
			Complete:  true,
		},
	})
}

// PublishInaccessible publishes that a chat can no longer be read.
func (b *Bus) PublishInaccessible(key string, accountID, chatID int64) {
	b.Publish(Event{
		Type: EventTypeChatInaccessible,
		Data: AutomationEvent{Key: key, AccountID: accountID, ChatID: chatID},
	})
}

// PublishTransfer publishes a transfer event for a file.
func (b *Bus) PublishTransfer(eventType EventType, data FileEvent) {
	b.Publish(Event{Type: eventType, Data: data})
}

// Wait blocks until every event published so far has been handled.
func (b *Bus) Wait() {
	if b == nil {
		return
	}
	b.pendingMu.Lock()
	for b.pending > 0 {
		b.pendingCv.Wait()
	}
	b.pendingMu.Unlock()
}

// Close stops accepting events, lets the mailboxes drain and closes the
// named channels.
func (b *Bus) Close() {
	if b == nil {
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, s := range b.subs {
		close(s.inbox)
	}
	b.subs = nil
	for name, ch := range b.channels {
		close(ch)
		delete(b.channels, name)
	}
	b.mu.Unlock()

	b.Wait()
}

func (b *Bus) accept() {
	b.pendingMu.Lock()
	b.pending++
	b.pendingMu.Unlock()
}

func (b *Bus) done() {
	b.pendingMu.Lock()
	b.pending--
	if b.pending == 0 {
		b.pendingCv.Broadcast()
	}
	b.pendingMu.Unlock()
}

// call runs handler, turning a panic into an error log line.
func (b *Bus) call(handler EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error(fmt.Errorf("panic in event handler: %v", r),
				"Event handler panicked",
				"event_type", event.Type.String(),
			)
		}
	}()

	handler(event)
}
