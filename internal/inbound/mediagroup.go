package inbound

import (
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/switchboard/internal/bus"
)

// MediaGroupTimeout is the inactivity delay before a media group (album)
// flushes. Transports send album items as separate wire messages; each new
// arrival resets the timer.
const MediaGroupTimeout = 500 * time.Millisecond

// MediaGroupBuffer assembles multi-part media sends that share a
// transport-native group id into one logical unit.
type MediaGroupBuffer struct {
	mu      sync.Mutex
	timeout time.Duration
	flush   func(bus.InboundEvent)
	groups  map[string]*mediaGroup
	stopped bool
}

type mediaGroup struct {
	items []bus.InboundEvent
	timer *time.Timer
}

func NewMediaGroupBuffer(timeout time.Duration, flush func(bus.InboundEvent)) *MediaGroupBuffer {
	if timeout <= 0 {
		timeout = MediaGroupTimeout
	}
	return &MediaGroupBuffer{
		timeout: timeout,
		flush:   flush,
		groups:  make(map[string]*mediaGroup),
	}
}

// Push buffers one album item under its group id and re-arms the
// inactivity timer.
func (b *MediaGroupBuffer) Push(ev bus.InboundEvent) {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		b.flush(ev)
		return
	}
	g, ok := b.groups[ev.GroupID]
	if !ok {
		g = &mediaGroup{}
		b.groups[ev.GroupID] = g
	}
	g.items = append(g.items, ev)
	if g.timer != nil {
		g.timer.Stop()
	}
	groupID := ev.GroupID
	g.timer = time.AfterFunc(b.timeout, func() { b.fire(groupID) })
	b.mu.Unlock()
}

func (b *MediaGroupBuffer) fire(groupID string) {
	b.mu.Lock()
	g, ok := b.groups[groupID]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.groups, groupID)
	if g.timer != nil {
		g.timer.Stop()
	}
	items := g.items
	b.mu.Unlock()

	if len(items) == 0 {
		return
	}
	b.flush(mergeMediaGroup(items))
}

// mergeMediaGroup sorts album items by platform sequence (parts can arrive
// out of order), picks the first captioned item as primary, and carries
// the full ordered media list.
func mergeMediaGroup(items []bus.InboundEvent) bus.InboundEvent {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].PlatformSequence < items[j].PlatformSequence
	})

	primary := items[0]
	for _, it := range items {
		if it.Text != "" {
			primary = it
			break
		}
	}

	merged := primary
	merged.Media = nil
	for _, it := range items {
		merged.Media = append(merged.Media, it.Media...)
	}
	return merged
}

// Stop cancels all pending group timers without flushing.
func (b *MediaGroupBuffer) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	for id, g := range b.groups {
		if g.timer != nil {
			g.timer.Stop()
		}
		delete(b.groups, id)
	}
}
