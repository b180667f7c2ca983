package protocol

import "time"

// PeerKind identifies the conversational counterpart of an inbound event.
type PeerKind string

const (
	PeerDM      PeerKind = "dm"
	PeerGroup   PeerKind = "group"
	PeerChannel PeerKind = "channel"
)

// MediaItem is one attachment carried by an inbound event. Only the fields
// the core needs survive normalization; transport-specific metadata is
// dropped by the adapters.
type MediaItem struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
	Caption     string `json:"caption,omitempty"`
}

// InboundEvent is the normalized event contract transport adapters submit
// over the gateway. Adapter-specific fields are dropped before the event
// enters the core; transports that redeliver may publish the same event
// more than once.
type InboundEvent struct {
	Channel        string      `json:"channel"`
	AccountID      string      `json:"account_id,omitempty"`
	SenderID       string      `json:"sender_id"`
	SenderUsername string      `json:"sender_username,omitempty"`
	ConversationID string      `json:"conversation_id"`
	PeerKind       PeerKind    `json:"peer_kind"`
	ChatType       string      `json:"chat_type,omitempty"`
	Text           string      `json:"text,omitempty"`
	Media          []MediaItem `json:"media,omitempty"`

	// Platform-native identity, used for dedup and burst coordination.
	PlatformMessageID string `json:"platform_message_id"`
	PlatformSequence  int64  `json:"platform_sequence,omitempty"`
	UpdateID          string `json:"update_id,omitempty"`
	CallbackID        string `json:"callback_id,omitempty"`

	// Burst grouping hints.
	GroupID  string `json:"group_id,omitempty"`  // transport-native media group (album)
	ThreadID string `json:"thread_id,omitempty"` // thread/topic within the conversation

	// Routing hints.
	GuildID          string `json:"guild_id,omitempty"`
	TeamID           string `json:"team_id,omitempty"`
	ParentPeerID     string `json:"parent_peer_id,omitempty"`     // parent of a thread reply
	ParentSessionKey string `json:"parent_session_key,omitempty"` // fork source for new sessions
	TargetSessionKey string `json:"target_session_key,omitempty"` // explicit control-command target

	Timestamp time.Time `json:"timestamp"`
}

// HasMedia reports whether the event carries any attachments.
func (e *InboundEvent) HasMedia() bool { return len(e.Media) > 0 }
