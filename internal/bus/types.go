package bus

import (
	"context"

	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

// The normalized event contract lives in pkg/protocol so transport
// adapters outside this module can construct events; the core keeps
// using it under these names.
type (
	PeerKind     = protocol.PeerKind
	MediaItem    = protocol.MediaItem
	InboundEvent = protocol.InboundEvent
)

const (
	PeerDM      = protocol.PeerDM
	PeerGroup   = protocol.PeerGroup
	PeerChannel = protocol.PeerChannel
)

// EventHandler handles one normalized inbound event.
type EventHandler func(InboundEvent)

// EventSource abstracts the inbound side of the bus for the dispatcher.
type EventSource interface {
	ConsumeInbound(ctx context.Context) (InboundEvent, bool)
}

// EventSink abstracts the publishing side for adapters and the gateway.
type EventSink interface {
	PublishInbound(ev InboundEvent)
}
