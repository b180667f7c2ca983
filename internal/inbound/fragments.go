package inbound

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/nextlevelbuilder/switchboard/internal/bus"
)

const (
	// FragmentStartThreshold is the message length that signals the
	// sender transport is chunking a long message client-side.
	FragmentStartThreshold = 4000

	// FragmentArrivalGap is the max inter-arrival delay between chunks
	// of one logical message.
	FragmentArrivalGap = 1500 * time.Millisecond

	// FragmentMaxParts and FragmentMaxChars force-flush runaway buffers.
	FragmentMaxParts = 12
	FragmentMaxChars = 50_000
)

// FragmentBuffer reassembles long messages chunked client-side by the
// sender transport. Keyed per conversation:thread:sender; engaged only
// when a message crosses the start threshold.
type FragmentBuffer struct {
	mu      sync.Mutex
	flush   func(bus.InboundEvent)
	buffers map[string]*fragmentBuf
	gap     time.Duration
	now     func() time.Time
	stopped bool
}

type fragmentBuf struct {
	items       []bus.InboundEvent
	lastSeq     int64
	lastArrival time.Time
	totalChars  int
	timer       *time.Timer
}

func NewFragmentBuffer(flush func(bus.InboundEvent)) *FragmentBuffer {
	return &FragmentBuffer{
		flush:   flush,
		buffers: make(map[string]*fragmentBuf),
		gap:     FragmentArrivalGap,
		now:     time.Now,
	}
}

func fragmentKey(ev bus.InboundEvent) string {
	return ev.ConversationID + ":" + ev.ThreadID + ":" + ev.SenderID
}

// eventSeq returns the platform sequence for gap checks, falling back to a
// numeric platform message id.
func eventSeq(ev bus.InboundEvent) (int64, bool) {
	if ev.PlatformSequence != 0 {
		return ev.PlatformSequence, true
	}
	if n, err := strconv.ParseInt(ev.PlatformMessageID, 10, 64); err == nil {
		return n, true
	}
	return 0, false
}

// Push offers ev to the reassembler. Returns true when the event was
// consumed into a buffer; false means the caller processes it normally.
//
// A fragment joins an open buffer only when its platform-id gap is at most
// 1 and it arrived within the inter-arrival window; anything else flushes
// the open buffer first.
func (f *FragmentBuffer) Push(ev bus.InboundEvent) bool {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return false
	}

	key := fragmentKey(ev)
	now := f.now()
	seq, hasSeq := eventSeq(ev)

	if buf, ok := f.buffers[key]; ok {
		gap := seq - buf.lastSeq
		joins := hasSeq && gap >= 0 && gap <= 1 && now.Sub(buf.lastArrival) <= f.gap
		if joins {
			buf.items = append(buf.items, ev)
			buf.lastSeq = seq
			buf.lastArrival = now
			buf.totalChars += len(ev.Text)
			if len(buf.items) >= FragmentMaxParts || buf.totalChars >= FragmentMaxChars {
				f.removeLocked(key, buf)
				f.mu.Unlock()
				f.flush(mergeFragments(buf.items))
				return true
			}
			if buf.timer != nil {
				buf.timer.Stop()
			}
			buf.timer = time.AfterFunc(f.gap, func() { f.fire(key) })
			f.mu.Unlock()
			return true
		}
		// Not a continuation: close the old buffer, then decide about ev.
		f.removeLocked(key, buf)
		f.mu.Unlock()
		f.flush(mergeFragments(buf.items))
		f.mu.Lock()
	}

	if len(ev.Text) < FragmentStartThreshold || !hasSeq {
		f.mu.Unlock()
		return false
	}

	buf := &fragmentBuf{
		items:       []bus.InboundEvent{ev},
		lastSeq:     seq,
		lastArrival: now,
		totalChars:  len(ev.Text),
	}
	buf.timer = time.AfterFunc(f.gap, func() { f.fire(key) })
	f.buffers[key] = buf
	f.mu.Unlock()
	return true
}

func (f *FragmentBuffer) removeLocked(key string, buf *fragmentBuf) {
	if buf.timer != nil {
		buf.timer.Stop()
	}
	delete(f.buffers, key)
}

func (f *FragmentBuffer) fire(key string) {
	f.mu.Lock()
	buf, ok := f.buffers[key]
	if !ok {
		f.mu.Unlock()
		return
	}
	f.removeLocked(key, buf)
	f.mu.Unlock()

	if len(buf.items) == 0 {
		return
	}
	f.flush(mergeFragments(buf.items))
}

// mergeFragments concatenates fragment texts in sequence order with no
// separator (fragments are raw substrings of one logical message) and
// tags the result with the last fragment's platform id so downstream
// dedup keys stay aligned with the most recent wire event.
func mergeFragments(items []bus.InboundEvent) bus.InboundEvent {
	sort.SliceStable(items, func(i, j int) bool {
		si, _ := eventSeq(items[i])
		sj, _ := eventSeq(items[j])
		return si < sj
	})

	merged := items[len(items)-1]
	var text string
	for _, it := range items {
		text += it.Text
	}
	merged.Text = text
	return merged
}

// Stop cancels all pending timers without flushing.
func (f *FragmentBuffer) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	for key, buf := range f.buffers {
		f.removeLocked(key, buf)
	}
}
