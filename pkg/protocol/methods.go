package protocol

// RPC method names.
const (
	// MethodEventInbound submits one normalized inbound chat event.
	MethodEventInbound = "event.inbound"

	// MethodAbort stops a session's active turn and its subagents.
	MethodAbort = "abort"

	// MethodSessionsList lists session entries for an agent.
	MethodSessionsList = "sessions.list"

	// MethodAnnounceSchedule registers a scheduled announcement.
	MethodAnnounceSchedule = "announce.schedule"

	// MethodHealth reports liveness and protocol version.
	MethodHealth = "health"
)

// Event names pushed to clients.
const (
	// EventTurnReply carries the runtime's reply for a processed turn.
	EventTurnReply = "turn.reply"

	// EventTurnAborted signals a turn stopped by an abort.
	EventTurnAborted = "turn.aborted"
)
