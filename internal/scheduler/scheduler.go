/**
 * Auto-Download Scheduler
 *
 * Features:
 * - Discovery tick advancing history scans and comment thread scans
 * - Download tick topping up the queue and starting transfers
 * - Daily time window and per-account download limit from settings
 * - One goroutine per automation with an in-flight guard
 * - New-message hook for files posted while running
 *
 * Author: tgfiles maintainers
 * Update History:
 * - 2025-03-12: Initial implementation
 * - 2025-03-18: Database-driven download tick
 * - 2025-03-26: Comment thread scans
 */

// Package scheduler drives discovery and downloads for every enabled
// automation on a timer.
package scheduler

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fmaass/telegram-files/internal/automation"
	"github.com/fmaass/telegram-files/internal/discovery"
	"github.com/fmaass/telegram-files/internal/download"
	"github.com/fmaass/telegram-files/internal/errors"
	"github.com/fmaass/telegram-files/internal/events"
	"github.com/fmaass/telegram-files/internal/logger"
	"github.com/fmaass/telegram-files/internal/queue"
	"github.com/fmaass/telegram-files/internal/remote"
	"github.com/fmaass/telegram-files/internal/state"
)

const (
	DefaultDiscoveryInterval = 2 * time.Minute
	DefaultDownloadInterval  = 10 * time.Second
	DefaultLimit             = 5

	// Files queued for a chat when a new message arrives.
	newMessageQueueLimit = 5
)

// Settings is the part of the setting store the scheduler reads.
type Settings interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Subscribe(key string, fn func(value string)) func()
}

// Store is the part of the file store the scheduler uses directly.
type Store interface {
	CreateIfNotExist(ctx context.Context, f *state.FileRecord) (bool, error)
	CountByStatus(ctx context.Context, accountID, chatID int64, status string) (int64, error)
}

// Deps are the collaborators of a scheduler.
type Deps struct {
	Registry  *automation.Registry
	Discovery *discovery.Engine
	Queue     *queue.Service
	Starter   *download.Starter
	Source    remote.Source
	Files     Store
	Settings  Settings
	Bus       *events.Bus
	Logger    *logger.Logger
}

// Options tune the scheduler. Zero values pick the defaults.
type Options struct {
	DiscoveryInterval time.Duration
	DownloadInterval  time.Duration
	DefaultLimit      int
	Now               func() time.Time
}

// Scheduler runs the discovery and download ticks.
type Scheduler struct {
	registry  *automation.Registry
	discovery *discovery.Engine
	queue     *queue.Service
	starter   *download.Starter
	source    remote.Source
	files     Store
	settings  Settings
	bus       *events.Bus
	log       *logger.Logger
	opts      Options

	mu       sync.Mutex
	limit    int
	window   *TimeWindow
	threads  map[string][]*threadScan
	inflight map[string]struct{}

	unsubs  []func()
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New creates a scheduler. Started transfers inside comment threads
// register thread scans from the moment it is created.
func New(deps Deps, opts Options) *Scheduler {
	log := deps.Logger
	if log == nil {
		log = logger.Nop()
	}
	if opts.DiscoveryInterval <= 0 {
		opts.DiscoveryInterval = DefaultDiscoveryInterval
	}
	if opts.DownloadInterval <= 0 {
		opts.DownloadInterval = DefaultDownloadInterval
	}
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = DefaultLimit
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Scheduler{
		registry:  deps.Registry,
		discovery: deps.Discovery,
		queue:     deps.Queue,
		starter:   deps.Starter,
		source:    deps.Source,
		files:     deps.Files,
		settings:  deps.Settings,
		bus:       deps.Bus,
		log:       log.Component("scheduler"),
		opts:      opts,
		limit:     opts.DefaultLimit,
		threads:   make(map[string][]*threadScan),
		inflight:  make(map[string]struct{}),
	}

	s.starter.OnStarted(s.registerThread)
	s.registry.OnRemove(func(a *automation.Automation) {
		s.forgetThreads(a.Key())
	})
	return s
}

// LoadSettings reads the download limit and the time window.
func (s *Scheduler) LoadSettings(ctx context.Context) error {
	if s.settings == nil {
		return nil
	}

	if v, ok, err := s.settings.Get(ctx, state.SettingAutoDownloadLimit); err != nil {
		return err
	} else if ok {
		s.applyLimit(v)
	}

	if v, ok, err := s.settings.Get(ctx, state.SettingTimeLimited); err != nil {
		return err
	} else if ok {
		s.applyWindow(v)
	}
	return nil
}

func (s *Scheduler) applyLimit(value string) {
	limit, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || limit <= 0 {
		s.log.Warn("Invalid download limit, using default", "value", value, "default", s.opts.DefaultLimit)
		limit = s.opts.DefaultLimit
	}

	s.mu.Lock()
	s.limit = limit
	s.mu.Unlock()
	s.log.Debug("Download limit updated", "limit", limit)
}

func (s *Scheduler) applyWindow(value string) {
	w, err := ParseTimeWindow(value)
	if err != nil {
		s.log.Warn("Invalid download time window, ignoring", "value", value, "error", err.Error())
		w = nil
	}

	s.mu.Lock()
	s.window = w
	s.mu.Unlock()
	s.log.Debug("Download time window updated", "window", w.String())
}

// Limit returns the per-account concurrent download limit.
func (s *Scheduler) Limit() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limit
}

// InWindow reports whether downloads may run now.
func (s *Scheduler) InWindow() bool {
	s.mu.Lock()
	w := s.window
	s.mu.Unlock()
	return w.Contains(s.opts.Now())
}

// Start loads the settings, follows their changes and starts both ticks.
// Each tick runs once immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.Errorf("scheduler is already running")
	}
	s.running = true
	s.mu.Unlock()

	if err := s.LoadSettings(ctx); err != nil {
		s.log.Error(err, "Failed to load scheduler settings, using defaults")
	}
	if s.settings != nil {
		s.unsubs = append(s.unsubs,
			s.settings.Subscribe(state.SettingAutoDownloadLimit, s.applyLimit),
			s.settings.Subscribe(state.SettingTimeLimited, s.applyWindow),
		)
	}

	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(2)
	go s.loop(ctx, s.opts.DiscoveryInterval, s.DiscoveryTick)
	go s.loop(ctx, s.opts.DownloadInterval, s.DownloadTick)

	s.mu.Lock()
	window := s.window
	s.mu.Unlock()
	s.log.Info("Scheduler started",
		"discovery_interval", s.opts.DiscoveryInterval.String(),
		"download_interval", s.opts.DownloadInterval.String(),
		"limit", s.Limit(),
		"window", window.String(),
		"automations", len(s.registry.DownloadEnabled()),
	)
	return nil
}

// Stop stops both ticks and waits for running steps to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
	s.log.Info("Scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, tick func(context.Context)) {
	defer s.wg.Done()

	tick(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}

func (s *Scheduler) acquire(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[key]; busy {
		return false
	}
	s.inflight[key] = struct{}{}
	return true
}

func (s *Scheduler) release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, key)
}

// DiscoveryTick advances discovery for every download-enabled automation
// whose history is not fully downloaded yet, and waits for all of them.
func (s *Scheduler) DiscoveryTick(ctx context.Context) {
	if !s.InWindow() {
		s.log.Debug("Outside the download window, skipping discovery")
		return
	}

	var wg sync.WaitGroup
	for _, a := range s.registry.DownloadEnabled() {
		if !a.Download.Rule.DownloadHistory || a.Phases.Has(automation.PhaseDownloadComplete) {
			continue
		}

		guard := "discovery:" + a.Key()
		if !s.acquire(guard) {
			s.logFor(a).Debug("Discovery still running, skipping")
			continue
		}

		wg.Add(1)
		go func(a *automation.Automation) {
			defer wg.Done()
			defer s.release(guard)
			s.discoveryStep(ctx, a)
		}(a)
	}
	wg.Wait()
}

// logFor returns the scheduler logger scoped to one automation.
func (s *Scheduler) logFor(a *automation.Automation) *logger.Logger {
	return s.log.Automation(a.Key(), a.AccountID, a.ChatID)
}

func (s *Scheduler) discoveryStep(ctx context.Context, a *automation.Automation) {
	if s.ThreadCount(a.Key()) > 0 && s.commentsEnabled(ctx, a) {
		s.scanThreads(ctx, a)
		return
	}

	if !a.Phases.Has(automation.PhaseDownloadScanComplete) {
		s.scanHistory(ctx, a)
		return
	}

	idle, err := s.files.CountByStatus(ctx, a.AccountID, a.ChatID, state.DownloadStatusIdle)
	if err != nil {
		s.logFor(a).Error(err, "Failed to count idle files")
		return
	}
	if idle == 0 {
		s.complete(ctx, a, automation.PhaseDownloadComplete)
	}
}

func (s *Scheduler) scanHistory(ctx context.Context, a *automation.Automation) {
	res := s.discovery.DiscoverAutomation(ctx, a)
	s.publishStep(a.Key(), a.AccountID, a.ChatID, 0, res)

	// a finished scan ends the chain, the next one may reset again
	cursor := automation.Cursor{
		FileType:      res.FileType,
		FromMessageID: res.FromMessageID,
		Reset:         res.CursorReset && !res.Complete,
	}
	if err := s.registry.UpdateCursor(ctx, a.AccountID, a.ChatID, cursor); err != nil {
		s.logFor(a).Warn("Failed to save discovery cursor", "error", err.Error())
	}
	if res.Inaccessible {
		s.bus.PublishInaccessible(a.Key(), a.AccountID, a.ChatID)
	}
	if res.Complete {
		s.complete(ctx, a, automation.PhaseDownloadScanComplete)
	}
}

func (s *Scheduler) complete(ctx context.Context, a *automation.Automation, phase automation.Phases) {
	added, err := s.registry.Complete(ctx, a.AccountID, a.ChatID, phase)
	if err != nil {
		s.logFor(a).Error(err, "Failed to record phase", "phase", phase.String())
		return
	}
	if added {
		s.logFor(a).Info("Automation phase complete", "phase", phase.String())
		s.bus.PublishPhase(a.Key(), a.AccountID, a.ChatID, phase.String())
	}
}

// commentsEnabled reports whether comment files of a's chat are wanted:
// the rule asks for them and the chat is a channel.
func (s *Scheduler) commentsEnabled(ctx context.Context, a *automation.Automation) bool {
	if !a.Download.Enabled || !a.Download.Rule.DownloadCommentFiles {
		return false
	}
	chat, err := s.source.GetChat(ctx, a.AccountID, a.ChatID)
	if err != nil {
		s.logFor(a).Warn("Failed to read chat", "error", err.Error())
		return false
	}
	return chat.Supergroup && chat.IsChannel
}

func (s *Scheduler) scanThreads(ctx context.Context, a *automation.Automation) {
	rule := a.Download.Rule

	sentinel, err := s.discovery.ResolveSentinel(ctx, a.AccountID, a.ChatID, rule.HistorySince)
	if err != nil {
		s.logFor(a).Warn("Failed to resolve history cutoff, skipping comment threads", "error", err.Error())
		return
	}
	if sentinel != nil {
		// Only the date carries over to another chat.
		sentinel = &discovery.Sentinel{Date: sentinel.Date}
	}

	for _, t := range s.pendingThreads(a.Key()) {
		if ctx.Err() != nil {
			return
		}

		s.mu.Lock()
		p := discovery.Params{
			Key:           t.key(),
			AccountID:     a.AccountID,
			ChatID:        t.chatID,
			Rule:          rule,
			FileType:      t.fileType,
			FromMessageID: t.from,
			ThreadID:      t.threadID,
			Sentinel:      sentinel,
			CursorReset:   t.reset,
		}
		s.mu.Unlock()

		res := s.discovery.Discover(ctx, p)
		s.publishStep(t.key(), a.AccountID, t.chatID, t.threadID, res)

		s.mu.Lock()
		t.fileType = res.FileType
		t.from = res.FromMessageID
		t.reset = res.CursorReset
		t.complete = res.Complete
		s.mu.Unlock()

		if res.Complete {
			s.log.Info("Comment thread scan complete", "key", t.key(), "persisted", res.Persisted)
		}
	}
}

func (s *Scheduler) publishStep(key string, accountID, chatID, threadID int64, res discovery.Result) {
	s.bus.Publish(events.Event{
		Type: events.EventTypeDiscoveryStep,
		Data: events.AutomationEvent{
			Key:       key,
			AccountID: accountID,
			ChatID:    chatID,
			ThreadID:  threadID,
			Persisted: res.Persisted,
			Complete:  res.Complete,
			TimedOut:  res.TimedOut,
			Error:     res.Err,
		},
	})
}

// DownloadTick tops up the queue of every download-enabled automation and
// starts transfers up to each account's surplus. Accounts run in parallel
// and the tick waits for all of them.
func (s *Scheduler) DownloadTick(ctx context.Context) {
	if !s.InWindow() {
		s.log.Debug("Outside the download window, skipping downloads")
		return
	}

	byAccount := make(map[int64][]*automation.Automation)
	for _, a := range s.registry.DownloadEnabled() {
		byAccount[a.AccountID] = append(byAccount[a.AccountID], a)
	}

	limit := s.Limit()
	var wg sync.WaitGroup
	for accountID, autos := range byAccount {
		guard := "download:" + strconv.FormatInt(accountID, 10)
		if !s.acquire(guard) {
			continue
		}

		wg.Add(1)
		go func(accountID int64, autos []*automation.Automation) {
			defer wg.Done()
			defer s.release(guard)
			s.downloadAccount(ctx, accountID, autos, limit)
		}(accountID, autos)
	}
	wg.Wait()
}

func (s *Scheduler) downloadAccount(ctx context.Context, accountID int64, autos []*automation.Automation, limit int) {
	log := s.log.With("account", accountID)

	for _, a := range autos {
		rule := a.Download.Rule
		cutoff, err := s.discovery.Cutoff(ctx, accountID, a.ChatID, rule.HistorySince)
		if err != nil {
			s.logFor(a).Warn("Failed to resolve history cutoff, skipping chat", "error", err.Error())
			continue
		}

		oldest := rule.DownloadOldestFirst
		queued, err := s.queue.QueueFilesForDownload(ctx, accountID, a.ChatID, 2*limit, cutoff, &oldest)
		if err != nil {
			s.logFor(a).Error(err, "Failed to queue files")
			continue
		}
		if queued > 0 {
			s.bus.Publish(events.Event{
				Type: events.EventTypeFilesQueued,
				Data: events.AutomationEvent{Key: a.Key(), AccountID: accountID, ChatID: a.ChatID, Queued: queued},
			})
		}
	}

	records, err := s.queue.GetFilesForDownload(ctx, accountID, limit)
	if err != nil {
		log.Error(err, "Failed to read files for download")
		return
	}
	if len(records) == 0 {
		return
	}

	log.Debug("Starting downloads", "count", len(records))
	for _, rec := range records {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.starter.StartRecord(ctx, rec); err != nil {
			log.Warn("Failed to start download",
				"chat", rec.ChatID,
				"message", rec.MessageID,
				"unique_id", rec.UniqueID,
				"error", err.Error(),
			)
			s.bus.PublishTransfer(events.EventTypeTransferError, events.FileEvent{
				Error:     err,
				UniqueID:  rec.UniqueID,
				FileType:  rec.Type,
				AccountID: rec.TelegramID,
				ChatID:    rec.ChatID,
				MessageID: rec.MessageID,
			})
		}
	}
}

// OnNewMessage records the file of a message posted to a download-enabled
// chat and queues it. Messages without a file, of a file type the rule
// does not scan, or in chats without automation are ignored.
func (s *Scheduler) OnNewMessage(ctx context.Context, accountID, chatID, messageID int64) error {
	a, err := s.registry.Get(accountID, chatID)
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeNotFound) {
			return nil
		}
		return err
	}
	if !a.Download.Enabled {
		return nil
	}

	msg, err := s.source.GetMessage(ctx, accountID, chatID, messageID)
	if err != nil {
		return err
	}
	if msg == nil || msg.File == nil || !a.Download.Rule.HasFileType(msg.File.Type) {
		return nil
	}

	created, err := s.files.CreateIfNotExist(ctx, download.RecordOf(accountID, msg))
	if err != nil {
		return errors.New(errors.ErrorTypeStorage, "new_message", msg.File.UniqueID, err)
	}
	if created {
		s.logFor(a).Debug("New file recorded", "message", messageID)
	}

	queued, err := s.queue.QueueFilesForDownload(ctx, accountID, chatID, newMessageQueueLimit, 0, nil)
	if err != nil {
		return err
	}
	if queued > 0 {
		s.logFor(a).Debug("New files queued", "count", queued)
	}
	return nil
}

// Watch feeds new messages into OnNewMessage until ctx is done or the
// channel closes.
func (s *Scheduler) Watch(ctx context.Context, messages <-chan remote.NewMessage) {
	if messages == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case nm, ok := <-messages:
			if !ok {
				return
			}
			if nm.Message == nil {
				continue
			}
			msg := nm.Message
			if err := s.OnNewMessage(ctx, nm.AccountID, msg.ChatID, msg.ID); err != nil && ctx.Err() == nil {
				s.log.Error(err, "Failed to handle new message", "chat", msg.ChatID, "message", msg.ID)
			}
		}
	}
}
