package inbound

import (
	"time"

	"github.com/nextlevelbuilder/switchboard/internal/bus"
)

// Coordinator routes each inbound event through the applicable buffering
// strategy (media-group assembly, fragment reassembly, or per-sender
// debounce) and hands merged units to Out.
type Coordinator struct {
	debouncer   *Debouncer
	mediaGroups *MediaGroupBuffer
	fragments   *FragmentBuffer
	isCommand   func(string) bool
	out         func(bus.InboundEvent)
}

// CoordinatorOpts configures a Coordinator.
type CoordinatorOpts struct {
	DebounceWindow    time.Duration // 0 disables debouncing
	MediaGroupTimeout time.Duration // 0 = MediaGroupTimeout default
	IsCommand         func(string) bool
	Out               func(bus.InboundEvent)
}

func NewCoordinator(opts CoordinatorOpts) *Coordinator {
	isCommand := opts.IsCommand
	if isCommand == nil {
		isCommand = func(string) bool { return false }
	}
	c := &Coordinator{
		isCommand: isCommand,
		out:       opts.Out,
	}
	c.debouncer = NewDebouncer(opts.DebounceWindow, opts.Out)
	c.mediaGroups = NewMediaGroupBuffer(opts.MediaGroupTimeout, opts.Out)
	c.fragments = NewFragmentBuffer(opts.Out)
	return c
}

// Submit feeds one normalized event into the coordinator. Events from the
// same sender/conversation pass through in wire arrival order; only
// control commands jump the queue (after forcing any pending debounce
// buffer out first, so text never reorders behind them).
func (c *Coordinator) Submit(ev bus.InboundEvent) {
	if ev.GroupID != "" {
		c.mediaGroups.Push(ev)
		return
	}

	if c.isCommand(ev.Text) {
		// Commands must never be delayed or merged.
		c.debouncer.FlushNow(ev)
		c.out(ev)
		return
	}

	if c.fragments.Push(ev) {
		return
	}

	if ev.Text != "" && !ev.HasMedia() {
		c.debouncer.Push(ev)
		return
	}

	c.out(ev)
}

// Stop cancels all timers across the three strategies. In-flight buffers
// are dropped.
func (c *Coordinator) Stop() {
	c.debouncer.Stop()
	c.mediaGroups.Stop()
	c.fragments.Stop()
}
