// Package machine drives one workshop machine: the check-in/check-out state
// machine, the relay it controls, and the crash-safe usage history with its
// cloud upload.
package machine

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/offenewerkstatt/maco/internal/errorcodes"
)

// Reason states why a session was checked out.
type Reason int

// Checkout reasons.
const (
	ReasonUI Reason = iota
	ReasonTimeout
	ReasonCheckInOtherTag
	ReasonCheckInOtherMachine
	ReasonSelfCheckout
)

var reasonNames = map[Reason]string{
	ReasonUI:                  "ui",
	ReasonTimeout:             "timeout",
	ReasonCheckInOtherTag:     "checkin_other_tag",
	ReasonCheckInOtherMachine: "checkin_other_machine",
	ReasonSelfCheckout:        "self_checkout",
}

// String returns the wire name of the reason.
func (r Reason) String() string {
	if n, ok := reasonNames[r]; ok {
		return n
	}

	return fmt.Sprintf("reason(%d)", int(r))
}

// MarshalJSON encodes the reason by name.
func (r Reason) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// UnmarshalJSON decodes a reason name.
func (r *Reason) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for k, v := range reasonNames {
		if v == name {
			*r = k

			return nil
		}
	}

	return fmt.Errorf("unknown checkout reason %q", name)
}

// UsageRecord is one check-in/check-out cycle. CheckOut is nil while the
// session is still active.
type UsageRecord struct {
	SessionID string     `json:"sessionId"`
	CheckIn   time.Time  `json:"checkIn"`
	CheckOut  *time.Time `json:"checkOut,omitempty"`
	Reason    *Reason    `json:"reason,omitempty"`
}

// Open reports whether the record has no checkout yet.
func (u *UsageRecord) Open() bool { return u.CheckOut == nil }

type historyFile struct {
	MachineID string        `json:"machineId"`
	Records   []UsageRecord `json:"records"`
}

// History is the machine's local usage log. Mutated only by the owning
// machine state machine; other consumers read the persisted file.
type History struct {
	path      string
	machineID string
	records   []UsageRecord
}

// LoadHistory reads the usage history from disk. A missing file, corrupted
// content, or a machine-ID mismatch yields an empty history; only the load
// problem is logged.
func LoadHistory(path, machineID string) *History {
	h := &History{path: path, machineID: machineID}

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("path", path).Msg("usage history unreadable, starting empty")
		}

		return h
	}

	var file historyFile
	if err := json.Unmarshal(data, &file); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("usage history corrupted, starting empty")

		return h
	}
	if file.MachineID != machineID {
		log.Warn().Str("path", path).Str("file_machine", file.MachineID).
			Str("machine", machineID).Msg("usage history belongs to another machine, starting empty")

		return h
	}

	h.records = file.Records

	return h
}

// Append adds a new record.
func (h *History) Append(rec UsageRecord) {
	h.records = append(h.records, rec)
}

// Records returns a copy of all records.
func (h *History) Records() []UsageRecord {
	out := make([]UsageRecord, len(h.records))
	copy(out, h.records)

	return out
}

// Len returns the number of records.
func (h *History) Len() int { return len(h.records) }

// CloseLast closes the most recent record. The record must be open and
// belong to the given session; anything else is an internal inconsistency.
func (h *History) CloseLast(sessionID string, at time.Time, reason Reason) error {
	if len(h.records) == 0 {
		return errorcodes.ErrUnexpectedState
	}

	last := &h.records[len(h.records)-1]
	if !last.Open() || last.SessionID != sessionID {
		return errorcodes.ErrUnexpectedState
	}

	checkOut := at
	last.CheckOut = &checkOut
	last.Reason = &reason

	return nil
}

// Drop removes the first n records after a confirmed upload.
func (h *History) Drop(n int) {
	if n >= len(h.records) {
		h.records = nil

		return
	}
	h.records = h.records[n:]
}

// Persist writes the history to disk atomically (temp file plus rename).
func (h *History) Persist() error {
	file := historyFile{MachineID: h.machineID, Records: h.records}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("encode usage history: %w", err)
	}

	dir := filepath.Dir(h.path)
	tmp, err := os.CreateTemp(dir, ".history-*")
	if err != nil {
		return fmt.Errorf("create temp history file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)

		return fmt.Errorf("write usage history: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)

		return fmt.Errorf("close usage history: %w", err)
	}
	if err := os.Rename(tmpName, h.path); err != nil {
		_ = os.Remove(tmpName)

		return fmt.Errorf("replace usage history: %w", err)
	}

	return nil
}
