package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/loqalabs/voicesearch/internal/protocol"
)

// ErrUnknownAction is returned for commands other than start, stop, toggle and status.
var ErrUnknownAction = errors.New("unknown action")

// Command runs a named action and reports the resulting controller state.
// The reply carries the error text as well.
func (c *Controller) Command(ctx context.Context, action string) (protocol.CommandReply, error) {
	reply := protocol.CommandReply{Action: action}
	var err error
	switch action {
	case protocol.ActionStart:
		reply.SessionID, err = c.Start(ctx)
		reply.Started = err == nil
	case protocol.ActionStop:
		err = c.Stop(ctx)
	case protocol.ActionToggle:
		reply.Started, reply.SessionID, err = c.Toggle(ctx)
	case protocol.ActionStatus:
	default:
		err = fmt.Errorf("%w %q", ErrUnknownAction, action)
	}

	snap, snapErr := c.Snapshot(ctx)
	if snapErr == nil {
		reply.State = snap.State.String()
		reply.Transcript = snap.Transcript
		reply.WordCount = snap.WordCount
		if reply.SessionID == "" {
			reply.SessionID = snap.SessionID
		}
	} else if err == nil {
		err = snapErr
	}

	reply.OK = err == nil
	if err != nil {
		reply.Error = err.Error()
	}
	return reply, err
}

// Execute is Command without the error value, for surfaces that only forward replies.
func (c *Controller) Execute(ctx context.Context, action string) protocol.CommandReply {
	reply, _ := c.Command(ctx, action)
	return reply
}
