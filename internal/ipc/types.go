package ipc

import "offload/internal/events"

// serviceName is the RPC receiver name registered by the server.
const serviceName = "Offload"

// StatusRequest fetches daemon status.
type StatusRequest struct{}

// CardStatus describes the detected card.
type CardStatus struct {
	ID                string   `json:"id"`
	Name              string   `json:"name"`
	Path              string   `json:"path"`
	IdentityAvailable bool     `json:"identity_available"`
	LastDestination   string   `json:"last_destination,omitempty"`
	Folders           []string `json:"folders"`
	Brands            []string `json:"brands"`
}

// SessionOutcome describes the most recent finished session.
type SessionOutcome struct {
	SessionID   string         `json:"session_id"`
	Status      string         `json:"status"`
	Copied      int            `json:"copied"`
	Failed      int            `json:"failed"`
	Destination string         `json:"destination"`
	Summary     map[string]int `json:"summary,omitempty"`
	FinishedAt  string         `json:"finished_at"`
}

// DependencyStatus describes availability of an external tool.
type DependencyStatus struct {
	Name        string `json:"name"`
	Command     string `json:"command"`
	Description string `json:"description"`
	Optional    bool   `json:"optional"`
	Available   bool   `json:"available"`
	Detail      string `json:"detail,omitempty"`
}

// StatusResponse represents combined daemon and session status.
type StatusResponse struct {
	Running      bool               `json:"running"`
	PID          int                `json:"pid"`
	LockPath     string             `json:"lock_path"`
	Card         *CardStatus        `json:"card,omitempty"`
	Busy         bool               `json:"busy"`
	Paused       bool               `json:"paused"`
	SessionID    string             `json:"session_id,omitempty"`
	Destination  string             `json:"destination,omitempty"`
	FreeSpace    string             `json:"free_space"`
	Last         *SessionOutcome    `json:"last,omitempty"`
	LastSequence uint64             `json:"last_sequence"`
	Dependencies []DependencyStatus `json:"dependencies"`
}

// StartOperationRequest starts a copy. Exactly one of Destination, Subfolder
// or Resume selects the target. Nil overrides fall back to the daemon config.
type StartOperationRequest struct {
	Destination string   `json:"destination,omitempty"`
	Subfolder   string   `json:"subfolder,omitempty"`
	Resume      bool     `json:"resume,omitempty"`
	Sources     []string `json:"sources,omitempty"`
	Mode        string   `json:"mode,omitempty"`
	Verify      *bool    `json:"verify,omitempty"`
	Continuous  *bool    `json:"continuous,omitempty"`
}

// StartOperationResponse reports the new session.
type StartOperationResponse struct {
	SessionID   string `json:"session_id"`
	Destination string `json:"destination"`
}

// CancelRequest stops the active session.
type CancelRequest struct{}

// CancelResponse acknowledges a cancel.
type CancelResponse struct {
	Canceled bool `json:"canceled"`
}

// TogglePauseRequest flips the pause gate.
type TogglePauseRequest struct{}

// TogglePauseResponse reports the new pause state.
type TogglePauseResponse struct {
	Paused bool `json:"paused"`
}

// EjectRequest ejects the active card.
type EjectRequest struct{}

// EjectResponse acknowledges an eject.
type EjectResponse struct {
	Ejected bool `json:"ejected"`
}

// RescanRequest re-reads the active card's media folders.
type RescanRequest struct{}

// RescanResponse carries the refreshed card.
type RescanResponse struct {
	Card CardStatus `json:"card"`
}

// EventsRequest reads events after Since. WaitMillis > 0 blocks until an
// event arrives or the wait elapses.
type EventsRequest struct {
	Since      uint64 `json:"since"`
	Limit      int    `json:"limit"`
	WaitMillis int    `json:"wait_millis"`
}

// EventsResponse carries events and the cursor for the next read.
type EventsResponse struct {
	Events []events.Event `json:"events"`
	Next   uint64         `json:"next"`
}

// HistoryRequest lists history, optionally for one card.
type HistoryRequest struct {
	CardID string `json:"card_id,omitempty"`
}

// HistoryRow is one history record.
type HistoryRow struct {
	CardID      string `json:"card_id"`
	Destination string `json:"destination"`
	Timestamp   string `json:"timestamp"`
	Status      string `json:"status"`
}

// HistoryResponse lists history rows sorted by card and timestamp.
type HistoryResponse struct {
	Rows []HistoryRow `json:"rows"`
}

// DeleteHistoryRequest removes one record by timestamp, or every record for
// the card when All is set.
type DeleteHistoryRequest struct {
	CardID    string `json:"card_id"`
	Timestamp string `json:"timestamp,omitempty"`
	All       bool   `json:"all,omitempty"`
}

// DeleteHistoryResponse acknowledges a deletion.
type DeleteHistoryResponse struct {
	Deleted bool `json:"deleted"`
}
