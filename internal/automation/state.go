/**
 * Control State and Discovery Phases
 *
 * Author: tgfiles maintainers
 * Created: 2025-03-05
 */

package automation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fmaass/telegram-files/internal/errors"
)

// ControlState says whether an automation may run right now.
type ControlState int

const (
	StateStopped ControlState = 0
	StateIdle    ControlState = 1
	StateActive  ControlState = 2
)

func (s ControlState) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateIdle:
		return "IDLE"
	case StateActive:
		return "ACTIVE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// Valid reports whether s is one of the three control states.
func (s ControlState) Valid() bool {
	return s >= StateStopped && s <= StateActive
}

// ParseControlState converts a requested value, rejecting unknown ones.
func ParseControlState(v int) (ControlState, error) {
	s := ControlState(v)
	if !s.Valid() {
		return StateStopped, errors.Validation("set_state", "", fmt.Sprintf("invalid control state %d, expected 0, 1 or 2", v))
	}
	return s, nil
}

// ControlStateFromValue decodes a stored value; unknown values read as
// stopped.
func ControlStateFromValue(v int) ControlState {
	s := ControlState(v)
	if !s.Valid() {
		return StateStopped
	}
	return s
}

// Phases is the set of completed discovery phases.
type Phases uint8

const (
	PhasePreloadComplete Phases = 1 << iota
	PhaseDownloadScanComplete
	PhaseDownloadComplete
	PhaseTransferComplete
)

var phaseNames = []struct {
	phase Phases
	name  string
}{
	{PhasePreloadComplete, "HISTORY_PRELOAD_COMPLETE"},
	{PhaseDownloadScanComplete, "HISTORY_DOWNLOAD_SCAN_COMPLETE"},
	{PhaseDownloadComplete, "HISTORY_DOWNLOAD_COMPLETE"},
	{PhaseTransferComplete, "HISTORY_TRANSFER_COMPLETE"},
}

// Has reports whether every phase in p is set.
func (ps Phases) Has(p Phases) bool {
	return ps&p == p
}

// With returns the set with p added.
func (ps Phases) With(p Phases) Phases {
	return ps | p
}

// Names returns the names of the set phases in lifecycle order.
func (ps Phases) Names() []string {
	names := []string{}
	for _, pn := range phaseNames {
		if ps.Has(pn.phase) {
			names = append(names, pn.name)
		}
	}
	return names
}

func (ps Phases) String() string {
	if ps == 0 {
		return "-"
	}
	return strings.Join(ps.Names(), ",")
}

// ParsePhase returns the phase with the given name.
func ParsePhase(name string) (Phases, error) {
	for _, pn := range phaseNames {
		if pn.name == name {
			return pn.phase, nil
		}
	}
	return 0, fmt.Errorf("unknown phase %q", name)
}

// MarshalJSON encodes the set as a list of names.
func (ps Phases) MarshalJSON() ([]byte, error) {
	return json.Marshal(ps.Names())
}

// UnmarshalJSON decodes a list of names; unknown names are ignored.
func (ps *Phases) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}

	var out Phases
	for _, n := range names {
		if p, err := ParsePhase(n); err == nil {
			out |= p
		}
	}
	*ps = out
	return nil
}

// MarshalYAML encodes the set as a list of names.
func (ps Phases) MarshalYAML() (interface{}, error) {
	return ps.Names(), nil
}

// UnmarshalYAML decodes a list of names.
func (ps *Phases) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var names []string
	if err := unmarshal(&names); err != nil {
		return err
	}

	var out Phases
	for _, n := range names {
		if p, err := ParsePhase(n); err == nil {
			out |= p
		}
	}
	*ps = out
	return nil
}
