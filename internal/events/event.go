// Package events defines the signals the ingest core emits and the in-memory
// hub that buffers them for IPC clients.
//
// The volume monitor, transfer engine and verifier never call into the
// controller directly; they emit Events through an Emitter. The hub assigns
// sequence numbers, wakes waiting readers and mirrors every event to the
// optional on-disk archive.
package events

import "time"

// Type enumerates event kinds.
type Type string

const (
	TypeCardDetected   Type = "card_detected"
	TypeCardRemoved    Type = "card_removed"
	TypeLog            Type = "log"
	TypeProgress       Type = "progress"
	TypeSpeed          Type = "speed"
	TypeVerification   Type = "verification"
	TypeFinished       Type = "finished"
	TypePauseState     Type = "pause_state"
	TypeSessionStarted Type = "session_started"
)

// Event is one signal from the core. Only the fields relevant to Type are set.
type Event struct {
	Sequence  uint64    `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Type      Type      `json:"type"`
	CardID    string    `json:"card_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`

	// card_detected / card_removed
	Name              string `json:"name,omitempty"`
	Path              string `json:"path,omitempty"`
	IdentityAvailable bool   `json:"identity_available,omitempty"`
	LastDestination   string `json:"last_destination,omitempty"`

	// log / progress / verification
	Level   string  `json:"level,omitempty"`
	Message string  `json:"message,omitempty"`
	Percent float64 `json:"percent,omitempty"`

	// speed
	Speed string `json:"speed,omitempty"`

	// finished
	Status      string         `json:"status,omitempty"`
	Copied      int            `json:"copied,omitempty"`
	Failed      int            `json:"failed,omitempty"`
	Summary     map[string]int `json:"summary,omitempty"`
	Destination string         `json:"destination,omitempty"`

	// pause_state
	Paused bool `json:"paused,omitempty"`
}

// Emitter receives events from the core.
type Emitter interface {
	Emit(Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Event)

// Emit calls f(evt).
func (f EmitterFunc) Emit(evt Event) {
	if f != nil {
		f(evt)
	}
}

// Discard drops every event.
var Discard Emitter = EmitterFunc(func(Event) {})

// Log builds a log event.
func Log(level, message string) Event {
	return Event{Type: TypeLog, Level: level, Message: message}
}

// Progress builds a progress event.
func Progress(percent float64, message string) Event {
	return Event{Type: TypeProgress, Percent: percent, Message: message}
}

// Speed builds a throughput event. An empty value clears the display.
func Speed(value string) Event {
	return Event{Type: TypeSpeed, Speed: value}
}

// Verification builds a verifier status event.
func Verification(message string) Event {
	return Event{Type: TypeVerification, Message: message}
}
