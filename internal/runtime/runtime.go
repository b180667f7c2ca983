// Package runtime declares the contract to the external agent runtime
// that actually executes turns. The core never blocks on the runtime
// while holding store locks.
package runtime

import (
	"context"

	"github.com/nextlevelbuilder/switchboard/internal/bus"
)

// TurnRequest is everything the runtime needs to execute one turn.
type TurnRequest struct {
	SessionKey   string
	SessionID    string
	IsNewSession bool
	AgentID      string
	Text         string
	Event        bus.InboundEvent
}

// TurnResult is the runtime's reply for one executed turn.
type TurnResult struct {
	ReplyText string
	// Aborted marks a turn that was stopped before completion.
	Aborted bool
}

// Runtime is implemented by the external agent runtime adapter.
type Runtime interface {
	// StartOrResumeTurn runs one turn against the session's transcript.
	StartOrResumeTurn(ctx context.Context, req TurnRequest) (TurnResult, error)

	// Abort stops the active turn for the runtime session id. Idempotent:
	// aborting a finished or unknown session returns false, not an error.
	Abort(ctx context.Context, sessionID string) bool

	// ForkSession branches a new runtime session off the parent's
	// transcript, returning the child's session id.
	ForkSession(ctx context.Context, parentSessionID string) (string, error)
}
