// Package calls holds the call-leg data model shared by the aggregator,
// the stores and the broadcasters.
package calls

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle status of a single call leg.
type Status string

const (
	StatusRinging  Status = "ringing"
	StatusActive   Status = "active"
	StatusAnswered Status = "answered"
	StatusMissed   Status = "missed"
	StatusBusy     Status = "busy"
	StatusRejected Status = "rejected"
)

// Terminal reports whether no further transitions are expected.
func (s Status) Terminal() bool {
	switch s {
	case StatusAnswered, StatusMissed, StatusBusy, StatusRejected:
		return true
	}
	return false
}

// Direction of a call as seen from the extension.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// End reasons set by this system rather than the PBX.
const (
	EndReasonCancel = "cancel"
	EndReasonStale  = "stale"
)

// CallEvent is one record decoded from the PBX call stream.
type CallEvent struct {
	ID        string    `json:"id"`
	Caller    string    `json:"caller"`
	Callee    string    `json:"callee"`
	State     string    `json:"state"`
	Direction Direction `json:"direction"`
	Extension string    `json:"extension"`
	Error     string    `json:"error,omitempty"`
}

// UnmarshalJSON accepts the call id under either "uuid" (PBX wire name) or "id".
func (e *CallEvent) UnmarshalJSON(data []byte) error {
	type plain CallEvent
	var w struct {
		plain
		UUID string `json:"uuid"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = CallEvent(w.plain)
	if e.ID == "" {
		e.ID = w.UUID
	}
	return nil
}

// CallRecord is the aggregated lifecycle of one call leg, identified by (ID, Extension).
//
// Duration is set iff both AnswerTime and EndTime are set.
type CallRecord struct {
	ID            string     `json:"id"`
	Extension     string     `json:"extension"`
	Caller        string     `json:"caller"`
	Callee        string     `json:"callee"`
	ExtensionName string     `json:"extensionName"`
	Direction     Direction  `json:"direction"`
	StartTime     time.Time  `json:"startTime"`
	AnswerTime    *time.Time `json:"answerTime,omitempty"`
	EndTime       *time.Time `json:"endTime,omitempty"`
	Duration      *int       `json:"duration,omitempty"`
	Status        Status     `json:"status"`
	EndReason     string     `json:"endReason,omitempty"`
}

// Key identifies a call leg.
type Key struct {
	ID        string
	Extension string
}

func (k Key) String() string { return k.ID + ":" + k.Extension }

// Key returns the record's identity.
func (r CallRecord) Key() Key { return Key{ID: r.ID, Extension: r.Extension} }

// Clone returns a deep copy so observers never share pointers with the active table.
func (r CallRecord) Clone() CallRecord {
	out := r
	if r.AnswerTime != nil {
		t := *r.AnswerTime
		out.AnswerTime = &t
	}
	if r.EndTime != nil {
		t := *r.EndTime
		out.EndTime = &t
	}
	if r.Duration != nil {
		d := *r.Duration
		out.Duration = &d
	}
	return out
}

// EventKind tells observers whether a record was seen for the first time.
type EventKind string

const (
	EventNew     EventKind = "new"
	EventUpdated EventKind = "updated"
)
