/**
 * Automation Registry
 *
 * Features:
 * - Live set of automations keyed by account and chat
 * - Load and merge-save through the settings store
 * - Saves rebase onto edits another process stored in between
 * - Settings-update handler that keeps cursors and phases
 * - Control operations that persist before returning
 * - Health snapshot per chat
 *
 * Author: tgfiles maintainers
 * Update History:
 * - 2025-03-05: Initial implementation
 * - 2025-03-27: Apply external edits picked up by the settings watch
 * - 2025-04-02: Three-way merge on save against the last synced version
 */

package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/fmaass/telegram-files/internal/errors"
	"github.com/fmaass/telegram-files/internal/logger"
	"github.com/fmaass/telegram-files/internal/state"
)

// SettingsStore is the part of the settings store the registry uses.
type SettingsStore interface {
	Version(ctx context.Context, key string) (string, int64, error)
	CompareAndStore(ctx context.Context, key, value string, version int64) (int64, bool, error)
	Subscribe(key string, fn func(value string)) func()
}

// FileCounter counts file records by status.
type FileCounter interface {
	CountByStatus(ctx context.Context, accountID, chatID int64, status string) (int64, error)
}

// Records is the stored form of the automation setting.
type Records struct {
	Automations []*Automation `json:"automations" yaml:"automations"`
}

// Health is the health snapshot of one automation.
type Health struct {
	AccountID        int64        `json:"telegramId"`
	ChatID           int64        `json:"chatId"`
	State            ControlState `json:"state"`
	StateText        string       `json:"stateText"`
	IsRunning        bool         `json:"isRunning"`
	Phases           Phases       `json:"phases"`
	PendingFiles     int64        `json:"pendingFiles"`
	DownloadingFiles int64        `json:"downloadingFiles"`
}

// Registry owns the in-memory automations.
type Registry struct {
	settings SettingsStore
	accounts map[int64]bool
	log      *logger.Logger

	mu        sync.RWMutex
	items     map[string]*Automation
	listeners []func(*Automation)

	saveMu sync.Mutex
	// base is the stored content as of version, the last one this
	// registry loaded, merged or wrote.
	base    map[string]*Automation
	version int64
}

// saveAttempts bounds the retries of a save that loses a write race.
const saveAttempts = 5

// NewRegistry creates an empty registry. A non-empty accounts list limits
// the registry to those accounts.
func NewRegistry(settings SettingsStore, log *logger.Logger, accounts []int64) *Registry {
	if log == nil {
		log = logger.Nop()
	}
	r := &Registry{
		settings: settings,
		log:      log.Component("automation"),
		items:    make(map[string]*Automation),
		base:     make(map[string]*Automation),
	}
	if len(accounts) > 0 {
		r.accounts = make(map[int64]bool, len(accounts))
		for _, id := range accounts {
			r.accounts[id] = true
		}
	}
	return r
}

func (r *Registry) manages(accountID int64) bool {
	return r.accounts == nil || r.accounts[accountID]
}

// DecodeRecords parses the stored automation setting.
func DecodeRecords(value string) (*Records, error) {
	records := &Records{}
	if value == "" {
		return records, nil
	}
	if err := json.Unmarshal([]byte(value), records); err != nil {
		return nil, errors.New(errors.ErrorTypeValidation, "decode_automations", state.SettingAutomation, err)
	}
	return records, nil
}

func (r *Registry) read(ctx context.Context) (*Records, string, int64, error) {
	value, version, err := r.settings.Version(ctx, state.SettingAutomation)
	if err != nil {
		return nil, "", 0, errors.New(errors.ErrorTypeStorage, "load_automations", state.SettingAutomation, err)
	}
	records, err := DecodeRecords(value)
	if err != nil {
		return nil, "", 0, err
	}
	return records, value, version, nil
}

// Load replaces the registry content with the stored automations.
func (r *Registry) Load(ctx context.Context) error {
	r.saveMu.Lock()
	records, _, version, err := r.read(ctx)
	if err != nil {
		r.saveMu.Unlock()
		return err
	}

	corrected := false
	items := make(map[string]*Automation)
	r.base = make(map[string]*Automation)
	for _, a := range records.Automations {
		if a == nil || !r.manages(a.AccountID) {
			continue
		}
		r.base[a.Key()] = a.Clone()
		if a.Validate() {
			corrected = true
		}
		items[a.Key()] = a
	}
	r.version = version

	r.mu.Lock()
	r.items = items
	r.mu.Unlock()
	r.saveMu.Unlock()

	r.log.Info("Automations loaded", "count", len(items))

	if corrected {
		if err := r.Save(ctx); err != nil {
			r.log.Error(err, "Failed to save corrected automations")
		}
	}
	return nil
}

// Save merges the in-memory automations into the stored setting. When
// another writer stored a newer version since the last load or save, its
// edits are merged in first: the stored enabled flags, rules and control
// state win, cursors and phases stay unless only the other side moved them.
func (r *Registry) Save(ctx context.Context) error {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	for attempt := 0; attempt < saveAttempts; attempt++ {
		stored, value, version, err := r.read(ctx)
		if err != nil {
			return err
		}
		if version != r.version {
			r.rebase(stored)
			r.synced(stored.Automations, version)
		}

		merged := r.merge(stored)
		data, err := json.Marshal(&Records{Automations: merged})
		if err != nil {
			return errors.Wrap(err, "failed to encode automations")
		}
		if version != 0 && string(data) == value {
			r.synced(merged, version)
			return nil
		}

		next, ok, err := r.settings.CompareAndStore(ctx, state.SettingAutomation, string(data), version)
		if err != nil {
			return errors.New(errors.ErrorTypeStorage, "save_automations", state.SettingAutomation, err)
		}
		if ok {
			r.synced(merged, next)
			return nil
		}
		r.log.Debug("Automation save raced with another writer", "attempt", attempt+1)
	}
	return errors.New(errors.ErrorTypeStorage, "save_automations", state.SettingAutomation,
		fmt.Errorf("setting changed concurrently %d times", saveAttempts))
}

// merge builds the list to store: managed automations from memory in the
// stored order, then new ones, plus stored automations of other accounts.
func (r *Registry) merge(stored *Records) []*Automation {
	r.mu.RLock()
	defer r.mu.RUnlock()

	merged := make([]*Automation, 0, len(stored.Automations)+len(r.items))
	written := make(map[string]bool, len(r.items))
	for _, a := range stored.Automations {
		if a == nil {
			continue
		}
		key := a.Key()
		if current, ok := r.items[key]; ok {
			merged = append(merged, current.Clone())
			written[key] = true
			continue
		}
		if !r.manages(a.AccountID) {
			merged = append(merged, a)
		}
	}
	for _, key := range r.sortedKeysLocked() {
		if !written[key] {
			merged = append(merged, r.items[key].Clone())
		}
	}
	return merged
}

func (r *Registry) synced(merged []*Automation, version int64) {
	base := make(map[string]*Automation, len(merged))
	for _, a := range merged {
		if a != nil && r.manages(a.AccountID) {
			base[a.Key()] = a.Clone()
		}
	}
	r.base = base
	r.version = version
}

// rebase folds the changes between base and stored into memory. A key that
// is missing on one side was removed there if base knew it and added
// otherwise.
func (r *Registry) rebase(stored *Records) {
	incoming := make(map[string]*Automation)
	for _, a := range stored.Automations {
		if a != nil && r.manages(a.AccountID) {
			incoming[a.Key()] = a
		}
	}

	var removed []*Automation
	r.mu.Lock()
	for key, s := range incoming {
		current, inMemory := r.items[key]
		base, known := r.base[key]
		switch {
		case inMemory && known:
			takeEdits(current, base, s)
			current.Validate()
		case !inMemory && !known:
			c := s.Clone()
			c.Validate()
			r.items[key] = c
		}
	}
	for key, a := range r.items {
		if _, ok := incoming[key]; ok {
			continue
		}
		if _, known := r.base[key]; known {
			removed = append(removed, a)
			delete(r.items, key)
		}
	}
	listeners := append([]func(*Automation){}, r.listeners...)
	r.mu.Unlock()

	for _, a := range removed {
		r.log.Info("Automation removed elsewhere", "account", a.AccountID, "chat", a.ChatID)
		for _, fn := range listeners {
			fn(a)
		}
	}
}

// takeEdits copies onto a what changed from base to stored. Enabled flags,
// rules and control state follow stored; cursor and phases follow stored
// only when a still holds the base value.
func takeEdits(a, base, stored *Automation) {
	if stored.Preload.Enabled != base.Preload.Enabled {
		a.Preload.Enabled = stored.Preload.Enabled
	}
	if stored.Download.Enabled != base.Download.Enabled {
		a.Download.Enabled = stored.Download.Enabled
	}
	if !stored.Download.Rule.equal(base.Download.Rule) {
		a.Download.Rule = stored.Download.Rule.clone()
	}
	if stored.Transfer.Enabled != base.Transfer.Enabled {
		a.Transfer.Enabled = stored.Transfer.Enabled
	}
	if stored.Transfer.Rule != base.Transfer.Rule {
		a.Transfer.Rule = stored.Transfer.Rule
	}
	if stored.State != base.State {
		a.State = stored.State
	}

	if cursorOf(stored) != cursorOf(base) && cursorOf(a) == cursorOf(base) {
		a.Preload.NextFromMessageID = stored.Preload.NextFromMessageID
		a.Download.NextFileType = stored.Download.NextFileType
		a.Download.NextFromMessageID = stored.Download.NextFromMessageID
		a.Download.CursorReset = stored.Download.CursorReset
	}
	if stored.Phases != base.Phases && a.Phases == base.Phases {
		a.Phases = stored.Phases
	}
}

type cursorState struct {
	preloadFrom int64
	download    Cursor
}

func cursorOf(a *Automation) cursorState {
	return cursorState{
		preloadFrom: a.Preload.NextFromMessageID,
		download: Cursor{
			FileType:      a.Download.NextFileType,
			FromMessageID: a.Download.NextFromMessageID,
			Reset:         a.Download.CursorReset,
		},
	}
}

// Apply handles a settings update carrying the full automation list. New
// automations are added, existing ones take the enabled flags, rules and
// control state of the update while keeping cursor and phases, and missing
// ones are removed.
func (r *Registry) Apply(ctx context.Context, records *Records) error {
	incoming := make(map[string]*Automation)
	for _, a := range records.Automations {
		if a == nil || !r.manages(a.AccountID) {
			continue
		}
		incoming[a.Key()] = a
	}

	var removed []*Automation
	r.mu.Lock()
	for key, a := range incoming {
		current, ok := r.items[key]
		if !ok {
			c := a.Clone()
			c.Validate()
			r.items[key] = c
			continue
		}
		current.Preload.Enabled = a.Preload.Enabled
		current.Download.Enabled = a.Download.Enabled
		current.Download.Rule = a.Download.Rule.clone()
		current.Transfer.Enabled = a.Transfer.Enabled
		current.Transfer.Rule = a.Transfer.Rule
		current.State = a.State
		current.Validate()
	}
	for key, a := range r.items {
		if _, ok := incoming[key]; !ok {
			removed = append(removed, a)
			delete(r.items, key)
		}
	}
	listeners := append([]func(*Automation){}, r.listeners...)
	r.mu.Unlock()

	for _, a := range removed {
		r.log.Info("Automation removed", "account", a.AccountID, "chat", a.ChatID)
		for _, fn := range listeners {
			fn(a)
		}
	}

	if err := r.Save(ctx); err != nil {
		r.log.Error(err, "Failed to save applied automations")
	}
	return nil
}

// ApplyJSON decodes a stored setting value and applies it.
func (r *Registry) ApplyJSON(ctx context.Context, value string) error {
	records, err := DecodeRecords(value)
	if err != nil {
		return err
	}
	return r.Apply(ctx, records)
}

// Watch applies every change of the automation setting until the returned
// function is called.
func (r *Registry) Watch(ctx context.Context) func() {
	return r.settings.Subscribe(state.SettingAutomation, func(value string) {
		if err := r.ApplyJSON(ctx, value); err != nil {
			r.log.Error(err, "Failed to apply automation update")
		}
	})
}

// OnRemove registers fn to be called for every removed automation.
func (r *Registry) OnRemove(fn func(*Automation)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

func (r *Registry) sortedKeysLocked() []string {
	keys := make([]string, 0, len(r.items))
	for k := range r.items {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := r.items[keys[i]], r.items[keys[j]]
		if a.AccountID != b.AccountID {
			return a.AccountID < b.AccountID
		}
		return a.ChatID < b.ChatID
	})
	return keys
}

// List returns validated copies of all automations.
func (r *Registry) List() []*Automation {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Automation, 0, len(r.items))
	for _, key := range r.sortedKeysLocked() {
		a := r.items[key]
		a.Validate()
		out = append(out, a.Clone())
	}
	return out
}

// DownloadEnabled returns copies of the automations with download enabled.
func (r *Registry) DownloadEnabled() []*Automation {
	var out []*Automation
	for _, a := range r.List() {
		if a.Download.Enabled {
			out = append(out, a)
		}
	}
	return out
}

// Get returns a copy of the automation of a chat.
func (r *Registry) Get(accountID, chatID int64) (*Automation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.items[KeyOf(accountID, chatID)]
	if !ok {
		return nil, errors.NotFound("get_automation", KeyOf(accountID, chatID), "no automation for chat")
	}
	a.Validate()
	return a.Clone(), nil
}

// Find returns the automation of a chat when only the chat is known.
func (r *Registry) Find(chatID int64) (*Automation, bool) {
	for _, a := range r.List() {
		if a.ChatID == chatID {
			return a, true
		}
	}
	return nil, false
}

// mutate applies fn to the live automation, validates it and saves. The
// in-memory change stays when the save fails.
func (r *Registry) mutate(ctx context.Context, op string, accountID, chatID int64, fn func(a *Automation) error) (*Automation, error) {
	key := KeyOf(accountID, chatID)

	r.mu.Lock()
	a, ok := r.items[key]
	if !ok {
		r.mu.Unlock()
		return nil, errors.NotFound(op, key, "no automation for chat")
	}
	if err := fn(a); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	a.Validate()
	out := a.Clone()
	r.mu.Unlock()

	if err := r.Save(ctx); err != nil {
		return out, err
	}
	return out, nil
}

// Start activates the automation of a chat.
func (r *Registry) Start(ctx context.Context, accountID, chatID int64) (*Automation, error) {
	return r.mutate(ctx, "start", accountID, chatID, func(a *Automation) error {
		return a.Start()
	})
}

// Stop stops the automation of a chat.
func (r *Registry) Stop(ctx context.Context, accountID, chatID int64) (*Automation, error) {
	return r.mutate(ctx, "stop", accountID, chatID, func(a *Automation) error {
		a.Stop()
		return nil
	})
}

// SetState moves the automation of a chat to the state value v.
func (r *Registry) SetState(ctx context.Context, accountID, chatID int64, v int) (*Automation, error) {
	return r.mutate(ctx, "set_state", accountID, chatID, func(a *Automation) error {
		return a.SetState(v)
	})
}

// Cursor is where the history scan of an automation resumes.
type Cursor struct {
	FileType      string
	FromMessageID int64
	Reset         bool
}

// UpdateCursor stores the discovery cursor of an automation.
func (r *Registry) UpdateCursor(ctx context.Context, accountID, chatID int64, c Cursor) error {
	_, err := r.mutate(ctx, "update_cursor", accountID, chatID, func(a *Automation) error {
		a.Download.NextFileType = c.FileType
		a.Download.NextFromMessageID = c.FromMessageID
		a.Download.CursorReset = c.Reset
		return nil
	})
	return err
}

// Complete adds phase to an automation. It reports whether the phase is new.
func (r *Registry) Complete(ctx context.Context, accountID, chatID int64, phase Phases) (bool, error) {
	added := false
	_, err := r.mutate(ctx, "complete_phase", accountID, chatID, func(a *Automation) error {
		added = !a.Phases.Has(phase)
		a.Phases = a.Phases.With(phase)
		return nil
	})
	return added, err
}

// Put adds or fully replaces one automation and saves.
func (r *Registry) Put(ctx context.Context, a *Automation) (*Automation, error) {
	if !r.manages(a.AccountID) {
		return nil, errors.Precondition("put_automation", a.Key(), fmt.Sprintf("account %d is not managed", a.AccountID))
	}
	c := a.Clone()
	c.Validate()

	r.mu.Lock()
	r.items[c.Key()] = c
	out := c.Clone()
	r.mu.Unlock()

	return out, r.Save(ctx)
}

// Remove deletes the automation of a chat and saves.
func (r *Registry) Remove(ctx context.Context, accountID, chatID int64) error {
	key := KeyOf(accountID, chatID)

	r.mu.Lock()
	a, ok := r.items[key]
	if !ok {
		r.mu.Unlock()
		return errors.NotFound("remove_automation", key, "no automation for chat")
	}
	delete(r.items, key)
	listeners := append([]func(*Automation){}, r.listeners...)
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(a)
	}
	return r.Save(ctx)
}

// Health returns the health snapshot of the automation of a chat.
func (r *Registry) Health(ctx context.Context, accountID, chatID int64, counter FileCounter) (*Health, error) {
	a, err := r.Get(accountID, chatID)
	if err != nil {
		return nil, err
	}

	pending, err := counter.CountByStatus(ctx, accountID, chatID, state.DownloadStatusIdle)
	if err != nil {
		return nil, err
	}
	downloading, err := counter.CountByStatus(ctx, accountID, chatID, state.DownloadStatusDownloading)
	if err != nil {
		return nil, err
	}

	return &Health{
		AccountID:        a.AccountID,
		ChatID:           a.ChatID,
		State:            a.State,
		StateText:        a.State.String(),
		IsRunning:        a.IsRunning(),
		Phases:           a.Phases,
		PendingFiles:     pending,
		DownloadingFiles: downloading,
	}, nil
}
