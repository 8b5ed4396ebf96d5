package live

import (
	"github.com/loqalabs/voicesearch/internal/protocol"
	"github.com/loqalabs/voicesearch/internal/session"
)

const (
	TypeTranscript = "transcript"
	TypeStatus     = "status"
	TypeReply      = "reply"
)

// Message is the envelope written to live feed clients.
type Message struct {
	Type       string                  `json:"type"`
	Transcript *protocol.Transcript    `json:"transcript,omitempty"`
	Status     *protocol.SessionStatus `json:"status,omitempty"`
	Reply      *protocol.CommandReply  `json:"reply,omitempty"`
}

func messageFor(ev session.Event) Message {
	if ev.Kind == session.EventTranscript {
		t := session.TranscriptFor(ev)
		return Message{Type: TypeTranscript, Transcript: &t}
	}
	st := session.StatusFor(ev)
	return Message{Type: TypeStatus, Status: &st}
}
