/**
 * Automation Model
 *
 * Features:
 * - Per-chat automation with preload, download and transfer sub-configs
 * - Download rule and resumable discovery cursor
 * - Control-state machine with auto-correction
 *
 * Author: tgfiles maintainers
 * Update History:
 * - 2025-03-05: Initial implementation
 * - 2025-03-22: Cursor reset when the rule drops the current file type
 */

// Package automation holds the per-chat automations and their control
// state. Automations live in a Registry that is created once and passed to
// the scheduler and the control surface.
package automation

import (
	"fmt"
	"slices"

	"github.com/fmaass/telegram-files/internal/errors"
	"github.com/fmaass/telegram-files/internal/remote"
)

// Rule says which files of a chat to download.
type Rule struct {
	Query                string   `json:"query,omitempty" yaml:"query,omitempty"`
	FileTypes            []string `json:"fileTypes,omitempty" yaml:"fileTypes,omitempty"`
	FilterExpr           string   `json:"filterExpr,omitempty" yaml:"filterExpr,omitempty"`
	DownloadHistory      bool     `json:"downloadHistory" yaml:"downloadHistory"`
	DownloadCommentFiles bool     `json:"downloadCommentFiles" yaml:"downloadCommentFiles"`
	HistorySince         int64    `json:"historySince,omitempty" yaml:"historySince,omitempty"` // unix seconds, 0 = unset
	DownloadOldestFirst  bool     `json:"downloadOldestFirst" yaml:"downloadOldestFirst"`
}

// OrderedFileTypes returns the scan order of file types.
func (r Rule) OrderedFileTypes() []string {
	if len(r.FileTypes) == 0 {
		return remote.DefaultFileTypes
	}
	return r.FileTypes
}

// HasFileType reports whether t is part of the scan order.
func (r Rule) HasFileType(t string) bool {
	for _, ft := range r.OrderedFileTypes() {
		if ft == t {
			return true
		}
	}
	return false
}

func (r Rule) equal(o Rule) bool {
	return r.Query == o.Query && r.FilterExpr == o.FilterExpr &&
		r.DownloadHistory == o.DownloadHistory && r.DownloadCommentFiles == o.DownloadCommentFiles &&
		r.HistorySince == o.HistorySince && r.DownloadOldestFirst == o.DownloadOldestFirst &&
		slices.Equal(r.FileTypes, o.FileTypes)
}

func (r Rule) clone() Rule {
	r.FileTypes = append([]string(nil), r.FileTypes...)
	return r
}

// DownloadConfig is the download sub-config with its discovery cursor.
type DownloadConfig struct {
	Enabled           bool   `json:"enabled" yaml:"enabled"`
	Rule              Rule   `json:"rule" yaml:"rule"`
	NextFileType      string `json:"nextFileType,omitempty" yaml:"nextFileType,omitempty"`
	NextFromMessageID int64  `json:"nextFromMessageId,omitempty" yaml:"nextFromMessageId,omitempty"`

	// CursorReset is set once the scan has jumped back below the oldest
	// known file; a scan chain resets at most once.
	CursorReset bool `json:"cursorReset,omitempty" yaml:"cursorReset,omitempty"`
}

// PreloadConfig is the preload sub-config.
type PreloadConfig struct {
	Enabled           bool  `json:"enabled" yaml:"enabled"`
	NextFromMessageID int64 `json:"nextFromMessageId,omitempty" yaml:"nextFromMessageId,omitempty"`
}

// TransferRule says where finished files are moved.
type TransferRule struct {
	TransferHistory   bool   `json:"transferHistory" yaml:"transferHistory"`
	Destination       string `json:"destination,omitempty" yaml:"destination,omitempty"`
	TransferPolicy    string `json:"transferPolicy,omitempty" yaml:"transferPolicy,omitempty"`
	DuplicationPolicy string `json:"duplicationPolicy,omitempty" yaml:"duplicationPolicy,omitempty"`
}

// TransferConfig is the transfer sub-config.
type TransferConfig struct {
	Enabled bool         `json:"enabled" yaml:"enabled"`
	Rule    TransferRule `json:"rule" yaml:"rule"`
}

// Automation is the automation of one chat of one account.
type Automation struct {
	AccountID int64          `json:"telegramId" yaml:"telegramId"`
	ChatID    int64          `json:"chatId" yaml:"chatId"`
	Preload   PreloadConfig  `json:"preload" yaml:"preload"`
	Download  DownloadConfig `json:"download" yaml:"download"`
	Transfer  TransferConfig `json:"transfer" yaml:"transfer"`
	Phases    Phases         `json:"phases" yaml:"phases"`
	State     ControlState   `json:"state" yaml:"state"`
}

// KeyOf builds the registry key of an account and chat.
func KeyOf(accountID, chatID int64) string {
	return fmt.Sprintf("%d:%d", accountID, chatID)
}

// Key returns the registry key.
func (a *Automation) Key() string {
	return KeyOf(a.AccountID, a.ChatID)
}

// Clone returns a deep copy.
func (a *Automation) Clone() *Automation {
	c := *a
	c.Download.Rule = a.Download.Rule.clone()
	return &c
}

// Validate auto-corrects the control state and the cursor. It reports
// whether anything changed.
func (a *Automation) Validate() bool {
	changed := false

	if !a.State.Valid() {
		a.State = StateStopped
		changed = true
	}
	switch {
	case !a.Download.Enabled && a.State != StateStopped:
		a.State = StateStopped
		changed = true
	case a.Download.Enabled && a.State == StateStopped:
		a.State = StateIdle
		changed = true
	}

	if a.Download.NextFileType != "" && !a.Download.Rule.HasFileType(a.Download.NextFileType) {
		a.Download.NextFileType = ""
		a.Download.NextFromMessageID = 0
		a.Download.CursorReset = false
		changed = true
	}

	return changed
}

// Start activates the automation.
func (a *Automation) Start() error {
	if !a.Download.Enabled {
		return errors.Precondition("start", a.Key(), "cannot activate a disabled automation")
	}
	a.State = StateActive
	return nil
}

// Stop stops the automation.
func (a *Automation) Stop() {
	a.State = StateStopped
}

// SetState moves the automation to the requested state value.
func (a *Automation) SetState(v int) error {
	s, err := ParseControlState(v)
	if err != nil {
		return err
	}
	if s == StateActive && !a.Download.Enabled {
		return errors.Precondition("set_state", a.Key(), "cannot activate a disabled automation")
	}
	a.State = s
	return nil
}

// IsRunning reports whether the automation is actively running.
func (a *Automation) IsRunning() bool {
	return a.State == StateActive
}

// HistoryDone reports whether the history of the chat is fully handled.
func (a *Automation) HistoryDone() bool {
	return a.Phases.Has(PhaseDownloadComplete)
}
