// Package inbound coordinates bursts of near-simultaneous wire events
// (rapid consecutive texts, multi-part media albums, client-side chunked
// long messages) into single logical units of work.
//
// All three buffering strategies are pure in-memory state machines; a
// process restart drops in-flight buffers by design. Losing part of an
// in-progress burst beats cross-restart buffer recovery.
package inbound

import (
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/switchboard/internal/bus"
)

// DefaultDebounceWindow merges rapid messages from one sender.
const DefaultDebounceWindow = 1000 * time.Millisecond

// Debouncer merges rapid plain-text messages from the same sender into one
// synthetic message before processing. Keyed per
// channel:account:conversation:sender. A zero window disables debouncing.
type Debouncer struct {
	mu      sync.Mutex
	window  time.Duration
	flush   func(bus.InboundEvent)
	buffers map[string]*debounceBuffer
	stopped bool
}

type debounceBuffer struct {
	items []bus.InboundEvent
	timer *time.Timer
}

func NewDebouncer(window time.Duration, flush func(bus.InboundEvent)) *Debouncer {
	return &Debouncer{
		window:  window,
		flush:   flush,
		buffers: make(map[string]*debounceBuffer),
	}
}

func debounceKey(ev bus.InboundEvent) string {
	return ev.Channel + ":" + ev.AccountID + ":" + ev.ConversationID + ":" + ev.SenderID
}

// Push buffers ev inside the debounce window for its sender. The window
// restarts on every arrival; flush joins the accumulated bodies with "\n"
// into one synthetic message carrying the last item's platform id and
// timestamp.
func (d *Debouncer) Push(ev bus.InboundEvent) {
	if d.window <= 0 {
		d.flush(ev)
		return
	}

	key := debounceKey(ev)

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		d.flush(ev)
		return
	}
	buf, ok := d.buffers[key]
	if !ok {
		buf = &debounceBuffer{}
		d.buffers[key] = buf
	}
	buf.items = append(buf.items, ev)
	// Cancel-then-restart; never rely on a stale timer firing for an
	// already-extended buffer.
	if buf.timer != nil {
		buf.timer.Stop()
	}
	buf.timer = time.AfterFunc(d.window, func() { d.fire(key) })
	d.mu.Unlock()
}

// FlushNow synchronously flushes any pending buffer for ev's sender.
// Used before a control command so queued text never reorders behind it.
func (d *Debouncer) FlushNow(ev bus.InboundEvent) {
	d.fire(debounceKey(ev))
}

func (d *Debouncer) fire(key string) {
	d.mu.Lock()
	buf, ok := d.buffers[key]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(d.buffers, key)
	if buf.timer != nil {
		buf.timer.Stop()
	}
	items := buf.items
	d.mu.Unlock()

	if len(items) == 0 {
		return
	}
	d.flush(mergeDebounced(items))
}

// mergeDebounced collapses a buffered burst into one message. A single
// item passes through untouched.
func mergeDebounced(items []bus.InboundEvent) bus.InboundEvent {
	if len(items) == 1 {
		return items[0]
	}
	bodies := make([]string, 0, len(items))
	for _, it := range items {
		bodies = append(bodies, it.Text)
	}
	merged := items[len(items)-1]
	merged.Text = strings.Join(bodies, "\n")
	return merged
}

// Stop cancels all pending timers without flushing. In-flight buffers are
// dropped, matching restart semantics.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for key, buf := range d.buffers {
		if buf.timer != nil {
			buf.timer.Stop()
		}
		delete(d.buffers, key)
	}
}

// PendingFor returns the buffered item count for ev's sender key.
func (d *Debouncer) PendingFor(ev bus.InboundEvent) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if buf, ok := d.buffers[debounceKey(ev)]; ok {
		return len(buf.items)
	}
	return 0
}
