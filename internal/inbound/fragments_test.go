package inbound

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/switchboard/internal/bus"
)

type fragmentHarness struct {
	buf *FragmentBuffer
	out chan bus.InboundEvent

	mu  sync.Mutex
	now time.Time
}

func newFragmentHarness() *fragmentHarness {
	h := &fragmentHarness{
		out: make(chan bus.InboundEvent, 4),
		now: time.Unix(1_700_000_000, 0),
	}
	h.buf = NewFragmentBuffer(func(ev bus.InboundEvent) { h.out <- ev })
	h.buf.now = h.clock
	h.buf.gap = 50 * time.Millisecond
	return h
}

func (h *fragmentHarness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *fragmentHarness) advance(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = h.now.Add(d)
}

func fragEvent(seq int64, text string) bus.InboundEvent {
	ev := textEvent("42", text, "")
	ev.PlatformSequence = seq
	return ev
}

func longText(marker string) string {
	return marker + strings.Repeat("x", FragmentStartThreshold)
}

func TestFragments_ShortMessageNotBuffered(t *testing.T) {
	h := newFragmentHarness()
	defer h.buf.Stop()

	if h.buf.Push(fragEvent(1, "short")) {
		t.Fatal("short message must not be consumed")
	}
}

func TestFragments_ReassemblesChunkedMessage(t *testing.T) {
	h := newFragmentHarness()
	defer h.buf.Stop()

	first := fragEvent(10, longText("part-one "))
	if !h.buf.Push(first) {
		t.Fatal("threshold-length message must open a buffer")
	}
	h.advance(10 * time.Millisecond)
	tail := fragEvent(11, "part-two")
	tail.PlatformMessageID = "11"
	if !h.buf.Push(tail) {
		t.Fatal("adjacent-seq chunk within the gap must join")
	}

	merged := receive(t, h.out, time.Second)
	// Chunks were split mid-text, so they concatenate without a separator.
	if !strings.HasSuffix(merged.Text, "xpart-two") {
		t.Errorf("merged text does not join without separator: ...%q", merged.Text[len(merged.Text)-20:])
	}
	if !strings.HasPrefix(merged.Text, "part-one ") {
		t.Errorf("merged text lost the first chunk")
	}
	// The synthetic message is tagged with the last fragment's identity.
	if merged.PlatformMessageID != "11" {
		t.Errorf("merged id = %q, want 11", merged.PlatformMessageID)
	}
}

func TestFragments_SeqGapFlushesOldBuffer(t *testing.T) {
	h := newFragmentHarness()
	defer h.buf.Stop()

	h.buf.Push(fragEvent(10, longText("a")))
	h.advance(10 * time.Millisecond)
	// Gap of 3: a different message, not a continuation.
	if h.buf.Push(fragEvent(13, "unrelated")) {
		t.Fatal("gapped short message must not be consumed")
	}

	flushed := receive(t, h.out, time.Second)
	if !strings.HasPrefix(flushed.Text, "a") || len(flushed.Text) <= FragmentStartThreshold-1 {
		t.Errorf("old buffer not flushed intact")
	}
}

func TestFragments_EarlierSeqDoesNotJoin(t *testing.T) {
	h := newFragmentHarness()
	defer h.buf.Stop()

	h.buf.Push(fragEvent(10, longText("a")))
	h.advance(10 * time.Millisecond)
	// An out-of-order message with a smaller sequence is not a
	// continuation even though it arrived within the window.
	if h.buf.Push(fragEvent(9, "late reply")) {
		t.Fatal("earlier-seq message must not be consumed")
	}

	flushed := receive(t, h.out, time.Second)
	if !strings.HasPrefix(flushed.Text, "a") || strings.Contains(flushed.Text, "late reply") {
		t.Errorf("old buffer absorbed the out-of-order message: %q", flushed.Text[:20])
	}
}

func TestFragments_SlowArrivalFlushesOldBuffer(t *testing.T) {
	h := newFragmentHarness()
	defer h.buf.Stop()

	h.buf.Push(fragEvent(10, longText("a")))
	h.advance(h.buf.gap + time.Millisecond)
	if h.buf.Push(fragEvent(11, "late")) {
		t.Fatal("late chunk must not join")
	}
	receive(t, h.out, time.Second)
}

func TestFragments_MaxPartsForceFlush(t *testing.T) {
	h := newFragmentHarness()
	defer h.buf.Stop()

	h.buf.Push(fragEvent(1, longText("p1 ")))
	for i := 2; i <= FragmentMaxParts; i++ {
		h.advance(10 * time.Millisecond)
		if !h.buf.Push(fragEvent(int64(i), "p")) {
			t.Fatalf("chunk %d not consumed", i)
		}
	}

	// The cap flushes synchronously; no timer wait needed.
	select {
	case merged := <-h.out:
		if !strings.HasPrefix(merged.Text, "p1 ") {
			t.Errorf("merged text lost the head")
		}
	default:
		t.Fatal("hitting the part cap must flush immediately")
	}
}

func TestFragments_NumericMessageIDAsSequence(t *testing.T) {
	h := newFragmentHarness()
	defer h.buf.Stop()

	first := textEvent("42", longText(""), "500")
	if !h.buf.Push(first) {
		t.Fatal("numeric platform id must serve as sequence")
	}
	h.advance(50 * time.Millisecond)
	if !h.buf.Push(textEvent("42", "tail", "501")) {
		t.Fatal("adjacent numeric id must join")
	}
}
