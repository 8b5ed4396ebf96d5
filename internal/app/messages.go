package app

import "github.com/loqalabs/voicesearch/internal/session"

// SessionEventMsg wraps an event from the session controller.
type SessionEventMsg struct {
	Event session.Event
}

// EventsClosedMsg is sent when the controller event feed ends.
type EventsClosedMsg struct{}

// SnapshotMsg carries the controller state fetched at startup.
type SnapshotMsg struct {
	Snapshot session.Snapshot
	Err      error
}

// ToggleResultMsg carries the outcome of a button press.
type ToggleResultMsg struct {
	Started   bool
	SessionID string
	Err       error
}

// ClearTransientErrorMsg clears a transient error after a timeout.
type ClearTransientErrorMsg struct{}
