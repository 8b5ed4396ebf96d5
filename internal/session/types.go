package session

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotAuthorized = errors.New("speech recognition not authorized")
	ErrUnavailable   = errors.New("speech recognizer not available")
	ErrActivation    = errors.New("audio session activation failed")
	ErrCapture       = errors.New("audio capture failed to start")
	ErrClosed        = errors.New("session controller closed")
	ErrCanceled      = errors.New("pending start canceled")
)

// State of the controller.
type State int

const (
	StateIdle State = iota
	StateRecording
	StateSettling
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateSettling:
		return "settling"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StopReason records which path ended a session.
type StopReason string

const (
	ReasonNone     StopReason = ""
	ReasonFinal    StopReason = "final"
	ReasonSilence  StopReason = "silence"
	ReasonUser     StopReason = "user"
	ReasonRestart  StopReason = "restart"
	ReasonError    StopReason = "error"
	ReasonShutdown StopReason = "shutdown"
)

// Snapshot is a point-in-time view of the controller.
type Snapshot struct {
	SessionID      string
	State          State
	Transcript     string
	WordCount      int
	Authorization  AuthorizationStatus
	LastStopReason StopReason
	UpdatedAt      time.Time
}

// Recording reports whether a session is active.
func (s Snapshot) Recording() bool { return s.State == StateRecording }

// EventKind classifies controller events.
type EventKind string

const (
	EventStarted    EventKind = "started"
	EventTranscript EventKind = "transcript"
	EventError      EventKind = "error"
	EventStopped    EventKind = "stopped"
	EventSettled    EventKind = "settled"
)

// Event is delivered to listeners after each state change.
type Event struct {
	Kind      EventKind
	SessionID string
	Snapshot  Snapshot
	Final     bool
	Reason    StopReason
	Err       error
	Duration  time.Duration
}

// Listener observes controller events. It runs on the controller goroutine and
// must neither block nor call back into the controller.
type Listener func(Event)
