package abort

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/switchboard/internal/bus"
	"github.com/nextlevelbuilder/switchboard/internal/queue"
	"github.com/nextlevelbuilder/switchboard/internal/sessions"
	"github.com/nextlevelbuilder/switchboard/internal/subagents"
)

type memStore struct {
	mu      sync.Mutex
	entries map[string]sessions.Entry
}

func newMemStore() *memStore {
	return &memStore{entries: make(map[string]sessions.Entry)}
}

func (s *memStore) Load(_ context.Context, key string) (*sessions.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (s *memStore) Update(_ context.Context, key string, mutate func(*sessions.Entry)) (*sessions.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[key]
	e.Key = key
	mutate(&e)
	s.entries[key] = e
	return &e, nil
}

func (s *memStore) List(_ context.Context, _ string) ([]sessions.Entry, error) {
	return nil, nil
}

type fakeRuntime struct {
	mu      sync.Mutex
	active  map[string]bool // session ids with a running turn
	aborted []string
}

func (r *fakeRuntime) Abort(_ context.Context, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aborted = append(r.aborted, sessionID)
	if r.active[sessionID] {
		delete(r.active, sessionID)
		return true
	}
	return false
}

type fakeRegistry struct {
	runs []subagents.Run
}

func (f *fakeRegistry) ListRunsForRequester(_ context.Context, key string) ([]subagents.Run, error) {
	var out []subagents.Run
	for _, r := range f.runs {
		if r.RequesterSessionKey == key {
			out = append(out, r)
		}
	}
	return out, nil
}

type fixture struct {
	store    *memStore
	queues   *queue.Manager
	rt       *fakeRuntime
	registry *fakeRegistry
	coord    *Coordinator
}

func newFixture(authorized map[string]bool) *fixture {
	f := &fixture{
		store:    newMemStore(),
		queues:   queue.NewManager(),
		rt:       &fakeRuntime{active: make(map[string]bool)},
		registry: &fakeRegistry{},
	}
	mgr := sessions.NewManager(sessions.ManagerOpts{Store: f.store})
	f.coord = NewCoordinator(Opts{
		Sessions: mgr,
		Queues:   f.queues,
		Registry: f.registry,
		Runtime:  f.rt,
		Authorize: func(ev bus.InboundEvent) bool {
			return authorized[ev.SenderID]
		},
	})
	return f
}

func stopEvent(sender, text string) bus.InboundEvent {
	return bus.InboundEvent{
		Channel:        "telegram",
		SenderID:       sender,
		ConversationID: "123",
		Text:           text,
	}
}

func TestIsTrigger(t *testing.T) {
	cases := []struct {
		text string
		want bool
	}{
		{"/stop", true},
		{"/stop.", true},
		{"stop", true},
		{"STOP", true},
		{"Stop!", true},
		{"@bot stop", true},
		{"esc", true},
		{"wait", true},
		{"interrupt", true},
		{"stop the presses", false},
		{"please stop", false},
		{"unstoppable", false},
		{"", false},
		{"ｓｔｏｐ", true}, // full-width, NFKC folds to ascii
	}
	for _, tc := range cases {
		if got := IsTrigger(tc.text); got != tc.want {
			t.Errorf("IsTrigger(%q) = %v, want %v", tc.text, got, tc.want)
		}
	}
}

func TestHandle_NonTriggerPassesThrough(t *testing.T) {
	f := newFixture(map[string]bool{"42": true})
	res := f.coord.Handle(context.Background(), stopEvent("42", "hello there"), "telegram:123")
	if res.Handled {
		t.Error("ordinary content must not be handled")
	}
}

func TestHandle_UnauthorizedSilentlyIgnored(t *testing.T) {
	f := newFixture(map[string]bool{"42": true})
	f.store.entries["telegram:123"] = sessions.Entry{Key: "telegram:123", SessionID: "s1"}
	f.rt.active["s1"] = true

	res := f.coord.Handle(context.Background(), stopEvent("99", "/stop"), "telegram:123")
	if res.Handled || res.Aborted {
		t.Error("unauthorized abort must be ignored")
	}
	if len(f.rt.aborted) != 0 {
		t.Error("unauthorized abort must not reach the runtime")
	}
}

func TestHandle_EndToEnd(t *testing.T) {
	// Session with a stored id, one queued followup, one active subagent.
	f := newFixture(map[string]bool{"42": true})
	ctx := context.Background()

	f.store.entries["telegram:123"] = sessions.Entry{Key: "telegram:123", SessionID: "s1"}
	f.store.entries["telegram:123:sub"] = sessions.Entry{Key: "telegram:123:sub", SessionID: "s1-child"}
	f.rt.active["s1"] = true
	f.rt.active["s1-child"] = true
	f.queues.Enqueue("telegram:123", queue.Run{Event: stopEvent("42", "later please")}, queue.DefaultPolicy())
	f.queues.Enqueue("telegram:123:sub", queue.Run{Event: stopEvent("42", "child work")}, queue.DefaultPolicy())
	f.registry.runs = []subagents.Run{{
		RunID:               "r1",
		ChildSessionKey:     "telegram:123:sub",
		RequesterSessionKey: "telegram:123",
	}}

	res := f.coord.Handle(ctx, stopEvent("42", "/stop"), "telegram:123")

	if !res.Handled || !res.Aborted {
		t.Fatalf("result = %+v, want handled and aborted", res)
	}
	if res.StoppedSubagents != 1 {
		t.Errorf("stoppedSubagents = %d, want 1", res.StoppedSubagents)
	}
	if d := f.queues.Depth("telegram:123"); d != 0 {
		t.Errorf("followup depth = %d after abort", d)
	}
	if d := f.queues.Depth("telegram:123:sub"); d != 0 {
		t.Errorf("subagent depth = %d after abort", d)
	}
	entry, _ := f.store.Load(ctx, "telegram:123")
	if entry == nil || !entry.AbortedLastRun {
		t.Error("abortedLastRun flag not persisted")
	}
}

func TestHandle_TargetSessionKeyPreferred(t *testing.T) {
	f := newFixture(map[string]bool{"42": true})
	f.store.entries["ambient"] = sessions.Entry{Key: "ambient", SessionID: "s-ambient"}
	f.store.entries["explicit"] = sessions.Entry{Key: "explicit", SessionID: "s-explicit"}
	f.rt.active["s-ambient"] = true
	f.rt.active["s-explicit"] = true

	ev := stopEvent("42", "/stop")
	ev.TargetSessionKey = "explicit"
	res := f.coord.Handle(context.Background(), ev, "ambient")

	if !res.Aborted {
		t.Fatal("explicit target not aborted")
	}
	if len(f.rt.aborted) != 1 || f.rt.aborted[0] != "s-explicit" {
		t.Errorf("aborted = %v, want only s-explicit", f.rt.aborted)
	}
}

func TestHandle_EndedAndDuplicateChildrenSkipped(t *testing.T) {
	f := newFixture(map[string]bool{"42": true})
	f.store.entries["parent"] = sessions.Entry{Key: "parent", SessionID: "sp"}
	f.store.entries["child"] = sessions.Entry{Key: "child", SessionID: "sc"}
	f.rt.active["sp"] = true
	f.rt.active["sc"] = true

	ended := time.Now()
	f.registry.runs = []subagents.Run{
		{RunID: "r1", ChildSessionKey: "child", RequesterSessionKey: "parent"},
		{RunID: "r2", ChildSessionKey: "child", RequesterSessionKey: "parent"}, // duplicate child
		{RunID: "r3", ChildSessionKey: "done", RequesterSessionKey: "parent", EndedAt: &ended},
	}

	res := f.coord.Handle(context.Background(), stopEvent("42", "stop"), "parent")
	if res.StoppedSubagents != 1 {
		t.Errorf("stoppedSubagents = %d, want 1 (dedupe + ended filter)", res.StoppedSubagents)
	}
}

func TestHandle_ChildStoppedByQueueClearAlone(t *testing.T) {
	// Runtime abort returns false (turn already finished) but the child
	// had queued work; flushing it still counts as a visible stop.
	f := newFixture(map[string]bool{"42": true})
	f.store.entries["parent"] = sessions.Entry{Key: "parent", SessionID: "sp"}
	f.rt.active["sp"] = true
	f.queues.Enqueue("child", queue.Run{Event: stopEvent("42", "pending")}, queue.DefaultPolicy())
	f.registry.runs = []subagents.Run{
		{RunID: "r1", ChildSessionKey: "child", RequesterSessionKey: "parent"},
	}

	res := f.coord.Handle(context.Background(), stopEvent("42", "stop"), "parent")
	if res.StoppedSubagents != 1 {
		t.Errorf("stoppedSubagents = %d, want 1", res.StoppedSubagents)
	}
}

func TestHandle_NoEntryRecordsIntent(t *testing.T) {
	f := newFixture(map[string]bool{"42": true})
	f.queues.Enqueue("telegram:123", queue.Run{Event: stopEvent("42", "queued")}, queue.DefaultPolicy())

	res := f.coord.Handle(context.Background(), stopEvent("42", "/stop"), "telegram:123")
	if !res.Handled || res.Aborted {
		t.Fatalf("result = %+v, want handled without abort", res)
	}
	if d := f.queues.Depth("telegram:123"); d != 0 {
		t.Error("queued work must still flush without an entry")
	}
	if !f.coord.ConsumeIntent("telegram:123") {
		t.Error("intent not remembered")
	}
	if f.coord.ConsumeIntent("telegram:123") {
		t.Error("intent must clear after consumption")
	}
}

func TestConsumeIntent_Expires(t *testing.T) {
	f := newFixture(map[string]bool{"42": true})
	fixed := time.Unix(1_700_000_000, 0)
	f.coord.now = func() time.Time { return fixed }
	f.coord.rememberIntent("k")

	f.coord.now = func() time.Time { return fixed.Add(abortMemoryTTL + time.Second) }
	if f.coord.ConsumeIntent("k") {
		t.Error("expired intent must not fire")
	}
}

func TestHandle_IdempotentOnFinishedTurn(t *testing.T) {
	f := newFixture(map[string]bool{"42": true})
	f.store.entries["telegram:123"] = sessions.Entry{Key: "telegram:123", SessionID: "s1"}
	// No active turn: runtime abort returns false.

	res := f.coord.Handle(context.Background(), stopEvent("42", "/stop"), "telegram:123")
	if !res.Handled {
		t.Fatal("stop of a finished turn is still a handled control action")
	}
	if res.Aborted {
		t.Error("aborted must be false when nothing was running")
	}
}
