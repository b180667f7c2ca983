package bus

import (
	"context"
	"log/slog"
	"sync"
)

const inboundBuffer = 256

// MessageBus is the in-process event bus between the gateway ingress and the
// dispatcher. One instance per process, owned by the composition root and
// passed by reference into each component constructor.
type MessageBus struct {
	inbound chan InboundEvent

	closeOnce sync.Once
	closed    chan struct{}
}

func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound: make(chan InboundEvent, inboundBuffer),
		closed:  make(chan struct{}),
	}
}

// PublishInbound enqueues an event for the dispatcher. Drops with a logged
// reason if the bus is shut down or the buffer is full; a malformed or lost
// event must never crash the caller.
func (b *MessageBus) PublishInbound(ev InboundEvent) {
	select {
	case <-b.closed:
		slog.Warn("bus: dropping inbound event, bus closed", "channel", ev.Channel, "message_id", ev.PlatformMessageID)
	case b.inbound <- ev:
	default:
		slog.Warn("bus: dropping inbound event, buffer full", "channel", ev.Channel, "message_id", ev.PlatformMessageID)
	}
}

// ConsumeInbound blocks until an event arrives, the context is cancelled, or
// the bus is closed. The second return value is false on shutdown.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundEvent, bool) {
	select {
	case ev := <-b.inbound:
		return ev, true
	case <-ctx.Done():
		return InboundEvent{}, false
	case <-b.closed:
		return InboundEvent{}, false
	}
}

// Close shuts the bus down. Safe to call more than once.
func (b *MessageBus) Close() {
	b.closeOnce.Do(func() { close(b.closed) })
}
