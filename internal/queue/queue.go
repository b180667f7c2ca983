// Package queue holds per-session backlogs of turns waiting for the
// currently active turn to finish. One session runs at most one turn at a
// time; everything else queues here until the dispatcher releases the key.
package queue

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/switchboard/internal/bus"
)

// Mode controls how queued runs are handed back on drain.
type Mode string

const (
	// ModeCollect combines everything queued for the key into one run.
	ModeCollect Mode = "collect"
	// ModeSingle drains one run at a time in FIFO order.
	ModeSingle Mode = "single"
)

// DropPolicy decides what happens when a key's backlog exceeds the cap.
type DropPolicy string

const (
	// DropOldest discards the oldest queued run and notes the omission in
	// the next drained run.
	DropOldest DropPolicy = "drop-oldest"
	// DropReject refuses the new enqueue instead.
	DropReject DropPolicy = "reject"
)

// DefaultCap bounds a single session's backlog.
const DefaultCap = 20

// ErrQueueFull is returned by Enqueue under the reject drop policy.
var ErrQueueFull = errors.New("queue: session backlog full")

// Policy configures queueing behavior for one enqueue. The most recent
// policy seen for a key governs its drain behavior.
type Policy struct {
	Mode       Mode
	Debounce   time.Duration
	Cap        int
	DropPolicy DropPolicy
}

// DefaultPolicy is used when the caller passes a zero Policy.
func DefaultPolicy() Policy {
	return Policy{Mode: ModeCollect, Cap: DefaultCap, DropPolicy: DropOldest}
}

func (p Policy) withDefaults() Policy {
	if p.Mode == "" {
		p.Mode = ModeCollect
	}
	if p.Cap <= 0 {
		p.Cap = DefaultCap
	}
	if p.DropPolicy == "" {
		p.DropPolicy = DropOldest
	}
	return p
}

// Run is one pending turn for a session.
type Run struct {
	SessionKey string
	SessionID  string
	Event      bus.InboundEvent
	EnqueuedAt time.Time
}

type backlog struct {
	runs    []Run
	policy  Policy
	dropped int
}

// ClearResult reports what Clear actually removed, per caller-visible
// confirmation requirements.
type ClearResult struct {
	FollowupCleared int
	LaneCleared     int
	Keys            []string
}

// Manager is the in-memory followup queue plus the command-processing
// lane. Runs are not persisted; a restart drops the backlog.
type Manager struct {
	mu     sync.Mutex
	queues map[string]*backlog
	lanes  map[string][]Run
	busy   map[string]bool
	now    func() time.Time
	log    *slog.Logger
}

func NewManager() *Manager {
	return &Manager{
		queues: make(map[string]*backlog),
		lanes:  make(map[string][]Run),
		busy:   make(map[string]bool),
		now:    time.Now,
		log:    slog.Default(),
	}
}

// TryAcquire marks the key busy if it is idle. Returns false when a turn
// is already active, in which case the caller should Enqueue instead.
func (m *Manager) TryAcquire(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.busy[key] {
		return false
	}
	m.busy[key] = true
	return true
}

// Release marks the key idle again. The dispatcher drains after release.
func (m *Manager) Release(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.busy, key)
}

// Busy reports whether a turn is active for the key.
func (m *Manager) Busy(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.busy[key]
}

// Enqueue adds a run to the key's backlog. Over cap, the policy's drop
// behavior applies.
func (m *Manager) Enqueue(key string, run Run, p Policy) error {
	p = p.withDefaults()
	run.SessionKey = key
	if run.EnqueuedAt.IsZero() {
		run.EnqueuedAt = m.now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.queues[key]
	if !ok {
		b = &backlog{}
		m.queues[key] = b
	}
	b.policy = p

	if len(b.runs) >= p.Cap {
		if p.DropPolicy == DropReject {
			m.log.Warn("queue: rejecting enqueue, backlog full", "session_key", key, "depth", len(b.runs))
			return ErrQueueFull
		}
		b.runs = b.runs[1:]
		b.dropped++
		m.log.Warn("queue: dropped oldest followup", "session_key", key, "dropped_total", b.dropped)
	}
	b.runs = append(b.runs, run)
	return nil
}

// Drain pops the key's pending work, or returns false when nothing is
// queued. Under collect mode all queued texts join into one synthetic run
// carrying the last run's identity, same shape as the inbound debouncer's
// merge.
func (m *Manager) Drain(key string) (Run, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.queues[key]
	if !ok || len(b.runs) == 0 {
		return Run{}, false
	}

	if b.policy.Mode == ModeSingle {
		run := b.runs[0]
		b.runs = b.runs[1:]
		if len(b.runs) == 0 {
			delete(m.queues, key)
		}
		return run, true
	}

	runs := b.runs
	dropped := b.dropped
	delete(m.queues, key)

	merged := runs[len(runs)-1]
	var parts []string
	if dropped > 0 {
		parts = append(parts, fmt.Sprintf("[%d earlier messages omitted]", dropped))
	}
	for _, r := range runs {
		if r.Event.Text != "" {
			parts = append(parts, r.Event.Text)
		}
	}
	merged.Event.Text = strings.Join(parts, "\n")
	merged.EnqueuedAt = runs[0].EnqueuedAt
	return merged, true
}

// Depth returns the number of runs queued for the key.
func (m *Manager) Depth(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.queues[key]
	if !ok {
		return 0
	}
	return len(b.runs)
}

// EnqueueLane adds a control command to the key's command lane. Lane items
// bypass the followup backlog but are still cleared on abort.
func (m *Manager) EnqueueLane(key string, run Run) {
	run.SessionKey = key
	if run.EnqueuedAt.IsZero() {
		run.EnqueuedAt = m.now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lanes[key] = append(m.lanes[key], run)
}

// DrainLane pops one lane item in FIFO order.
func (m *Manager) DrainLane(key string) (Run, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.lanes[key]
	if len(items) == 0 {
		return Run{}, false
	}
	run := items[0]
	if len(items) == 1 {
		delete(m.lanes, key)
	} else {
		m.lanes[key] = items[1:]
	}
	return run, true
}

// LaneDepth returns the number of lane items pending for the key.
func (m *Manager) LaneDepth(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.lanes[key])
}

// Clear flushes the backlog and lane for each key and reports exactly what
// was removed. Keys lists only the keys that had anything to clear.
func (m *Manager) Clear(keys []string) ClearResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res ClearResult
	for _, key := range keys {
		followups := 0
		if b, ok := m.queues[key]; ok {
			followups = len(b.runs)
			delete(m.queues, key)
		}
		lane := len(m.lanes[key])
		delete(m.lanes, key)

		if followups > 0 || lane > 0 {
			res.Keys = append(res.Keys, key)
		}
		res.FollowupCleared += followups
		res.LaneCleared += lane
	}
	if res.FollowupCleared > 0 || res.LaneCleared > 0 {
		m.log.Info("queue: cleared pending work", "followups", res.FollowupCleared, "lane", res.LaneCleared, "keys", len(res.Keys))
	}
	return res
}
