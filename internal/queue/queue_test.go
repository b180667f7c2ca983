package queue

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/switchboard/internal/bus"
)

func queuedRun(text, msgID string) Run {
	return Run{
		SessionID: "sess-1",
		Event: bus.InboundEvent{
			Channel:           "telegram",
			ConversationID:    "123",
			Text:              text,
			PlatformMessageID: msgID,
		},
	}
}

func TestManager_BusyGate(t *testing.T) {
	m := NewManager()
	if !m.TryAcquire("k") {
		t.Fatal("idle key must acquire")
	}
	if m.TryAcquire("k") {
		t.Fatal("busy key must not acquire twice")
	}
	if !m.Busy("k") {
		t.Fatal("Busy must report the held key")
	}
	m.Release("k")
	if !m.TryAcquire("k") {
		t.Fatal("released key must acquire again")
	}
}

func TestManager_DrainCollectCombines(t *testing.T) {
	m := NewManager()
	for _, txt := range []string{"first", "second", "third"} {
		if err := m.Enqueue("k", queuedRun(txt, txt), DefaultPolicy()); err != nil {
			t.Fatal(err)
		}
	}
	if d := m.Depth("k"); d != 3 {
		t.Fatalf("depth = %d, want 3", d)
	}

	run, ok := m.Drain("k")
	if !ok {
		t.Fatal("drain returned nothing")
	}
	if run.Event.Text != "first\nsecond\nthird" {
		t.Errorf("combined text = %q", run.Event.Text)
	}
	if run.Event.PlatformMessageID != "third" {
		t.Errorf("combined run must carry the last run's identity, got %q", run.Event.PlatformMessageID)
	}
	if d := m.Depth("k"); d != 0 {
		t.Errorf("depth after drain = %d", d)
	}
	if _, ok := m.Drain("k"); ok {
		t.Error("second drain must return nothing")
	}
}

func TestManager_DrainSingleFIFO(t *testing.T) {
	m := NewManager()
	p := Policy{Mode: ModeSingle}
	m.Enqueue("k", queuedRun("a", "1"), p)
	m.Enqueue("k", queuedRun("b", "2"), p)

	first, _ := m.Drain("k")
	second, _ := m.Drain("k")
	if first.Event.Text != "a" || second.Event.Text != "b" {
		t.Errorf("FIFO order broken: %q, %q", first.Event.Text, second.Event.Text)
	}
}

func TestManager_CapDropOldest(t *testing.T) {
	m := NewManager()
	p := Policy{Cap: 3, DropPolicy: DropOldest}
	for i := 0; i < 5; i++ {
		txt := fmt.Sprintf("m%d", i)
		if err := m.Enqueue("k", queuedRun(txt, txt), p); err != nil {
			t.Fatal(err)
		}
	}
	if d := m.Depth("k"); d != 3 {
		t.Fatalf("depth = %d, want cap 3", d)
	}

	run, _ := m.Drain("k")
	if !strings.HasPrefix(run.Event.Text, "[2 earlier messages omitted]") {
		t.Errorf("drained run missing omission note: %q", run.Event.Text)
	}
	if !strings.HasSuffix(run.Event.Text, "m4") {
		t.Errorf("newest run missing: %q", run.Event.Text)
	}
	if strings.Contains(run.Event.Text, "m0") || strings.Contains(run.Event.Text, "m1") {
		t.Errorf("dropped runs still present: %q", run.Event.Text)
	}
}

func TestManager_CapReject(t *testing.T) {
	m := NewManager()
	p := Policy{Cap: 2, DropPolicy: DropReject}
	m.Enqueue("k", queuedRun("a", "1"), p)
	m.Enqueue("k", queuedRun("b", "2"), p)

	err := m.Enqueue("k", queuedRun("c", "3"), p)
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	if d := m.Depth("k"); d != 2 {
		t.Errorf("depth = %d after reject", d)
	}
}

func TestManager_ClearReportsCounts(t *testing.T) {
	m := NewManager()
	m.Enqueue("a", queuedRun("x", "1"), DefaultPolicy())
	m.Enqueue("a", queuedRun("y", "2"), DefaultPolicy())
	m.EnqueueLane("a", queuedRun("/status", "3"))
	m.Enqueue("b", queuedRun("z", "4"), DefaultPolicy())

	res := m.Clear([]string{"a", "b", "empty"})
	if res.FollowupCleared != 3 {
		t.Errorf("followupCleared = %d, want 3", res.FollowupCleared)
	}
	if res.LaneCleared != 1 {
		t.Errorf("laneCleared = %d, want 1", res.LaneCleared)
	}
	if len(res.Keys) != 2 {
		t.Errorf("keys = %v, want the two non-empty keys", res.Keys)
	}
	if m.Depth("a") != 0 || m.LaneDepth("a") != 0 || m.Depth("b") != 0 {
		t.Error("clear left pending work behind")
	}
}

func TestManager_LaneFIFO(t *testing.T) {
	m := NewManager()
	m.EnqueueLane("k", queuedRun("/first", "1"))
	m.EnqueueLane("k", queuedRun("/second", "2"))
	if d := m.LaneDepth("k"); d != 2 {
		t.Fatalf("lane depth = %d", d)
	}

	first, ok := m.DrainLane("k")
	if !ok || first.Event.Text != "/first" {
		t.Errorf("lane order broken: %v %q", ok, first.Event.Text)
	}
	second, _ := m.DrainLane("k")
	if second.Event.Text != "/second" {
		t.Errorf("lane order broken: %q", second.Event.Text)
	}
	if _, ok := m.DrainLane("k"); ok {
		t.Error("empty lane must return nothing")
	}
}

func TestManager_EnqueueStampsTime(t *testing.T) {
	m := NewManager()
	fixed := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return fixed }

	m.Enqueue("k", queuedRun("a", "1"), DefaultPolicy())
	run, _ := m.Drain("k")
	if !run.EnqueuedAt.Equal(fixed) {
		t.Errorf("enqueuedAt = %v, want injected clock", run.EnqueuedAt)
	}
}
