package protocol

import "time"

// Transcript represents recognition output broadcast on the bus.
type Transcript struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Segments  int       `json:"segments"`
	Partial   bool      `json:"partial"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionStatus describes a lifecycle change of the voice session.
type SessionStatus struct {
	SessionID  string    `json:"session_id,omitempty"`
	Event      string    `json:"event"`
	State      string    `json:"state"`
	Reason     string    `json:"reason,omitempty"`
	Error      string    `json:"error,omitempty"`
	Transcript string    `json:"transcript"`
	WordCount  int       `json:"word_count"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Command is a control request sent over the bus or the live feed.
type Command struct {
	Action string `json:"action"`
}

// CommandReply answers a Command.
type CommandReply struct {
	OK         bool   `json:"ok"`
	Action     string `json:"action,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	Started    bool   `json:"started,omitempty"`
	State      string `json:"state"`
	Transcript string `json:"transcript"`
	WordCount  int    `json:"word_count"`
	Error      string `json:"error,omitempty"`
}

const (
	ActionStart  = "start"
	ActionStop   = "stop"
	ActionToggle = "toggle"
	ActionStatus = "status"
)

const (
	SubjectControlPrefix     = "ctrl.voice"
	SubjectControlStart      = SubjectControlPrefix + "." + ActionStart
	SubjectControlStop       = SubjectControlPrefix + "." + ActionStop
	SubjectControlToggle     = SubjectControlPrefix + "." + ActionToggle
	SubjectControlStatus     = SubjectControlPrefix + "." + ActionStatus
	SubjectTranscriptPartial = "voice.transcript.partial"
	SubjectTranscriptFinal   = "voice.transcript.final"
	SubjectSessionStatus     = "voice.session.status"
)
