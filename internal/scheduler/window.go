package scheduler

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/fmaass/telegram-files/internal/errors"
)

const clockLayout = "15:04"

// TimeWindow is the daily period automatic downloads may run in. Times are
// local "HH:mm" strings.
type TimeWindow struct {
	StartTime string `json:"startTime"`
	EndTime   string `json:"endTime"`

	start, end int // seconds after midnight
}

// ParseTimeWindow decodes the autoDownloadTimeLimited setting. An empty
// value means no window.
func ParseTimeWindow(value string) (*TimeWindow, error) {
	if strings.TrimSpace(value) == "" || value == "null" {
		return nil, nil
	}

	var w TimeWindow
	if err := json.Unmarshal([]byte(value), &w); err != nil {
		return nil, errors.New(errors.ErrorTypeValidation, "parse_time_window", "", err)
	}
	if err := w.init(); err != nil {
		return nil, err
	}
	return &w, nil
}

// NewTimeWindow builds a window from two "HH:mm" strings.
func NewTimeWindow(start, end string) (*TimeWindow, error) {
	w := &TimeWindow{StartTime: start, EndTime: end}
	if err := w.init(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *TimeWindow) init() error {
	var err error
	if w.start, err = clockSeconds(w.StartTime); err != nil {
		return err
	}
	w.end, err = clockSeconds(w.EndTime)
	return err
}

func clockSeconds(s string) (int, error) {
	t, err := time.Parse(clockLayout, strings.TrimSpace(s))
	if err != nil {
		return 0, errors.Validation("parse_time_window", s, "time must be HH:mm")
	}
	return t.Hour()*3600 + t.Minute()*60, nil
}

// Contains reports whether t falls inside the window. Both bounds are
// exclusive. A window whose start is after its end wraps past midnight; a
// nil window and the 00:00-00:00 window are always open.
func (w *TimeWindow) Contains(t time.Time) bool {
	if w == nil {
		return true
	}
	if w.start == 0 && w.end == 0 {
		return true
	}

	now := t.Hour()*3600 + t.Minute()*60 + t.Second()
	if w.start > w.end {
		return now > w.start || now < w.end
	}
	return now > w.start && now < w.end
}

// String returns "start-end" or "always".
func (w *TimeWindow) String() string {
	if w == nil || (w.start == 0 && w.end == 0) {
		return "always"
	}
	return w.StartTime + "-" + w.EndTime
}
