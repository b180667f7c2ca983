package sessions

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/switchboard/internal/bus"
)

// Forker branches a new turn-continuity handle off an existing transcript.
// Implemented by the runtime collaborator; nil disables forking.
type Forker interface {
	ForkSession(ctx context.Context, parentSessionID string) (string, error)
}

// Manager evaluates freshness/reset rules and owns the read-modify-write
// path against the entry store. One logical writer per key at a time; the
// store's Update serializes the critical section per store path.
type Manager struct {
	store    EntryStore
	policy   FreshnessPolicy
	triggers []string
	forker   Forker
	now      func() time.Time
}

// ManagerOpts configures a Manager.
type ManagerOpts struct {
	Store         EntryStore
	Policy        FreshnessPolicy
	ResetTriggers []string // nil = DefaultResetTriggers
	Forker        Forker
	Now           func() time.Time // nil = time.Now
}

func NewManager(opts ManagerOpts) *Manager {
	triggers := opts.ResetTriggers
	if triggers == nil {
		triggers = DefaultResetTriggers
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		store:    opts.Store,
		policy:   opts.Policy,
		triggers: triggers,
		forker:   opts.Forker,
		now:      now,
	}
}

// TurnContext carries everything BeginTurn needs to decide whether the key
// continues its session or starts fresh.
type TurnContext struct {
	Key        string
	Event      bus.InboundEvent
	Authorized bool // sender may issue control commands (reset triggers)
}

// TurnStart is the outcome of BeginTurn.
type TurnStart struct {
	SessionID    string
	IsNewSession bool
	WasReset     bool   // an authorized reset trigger fired
	Text         string // event text, trigger prefix stripped on reset
	Entry        Entry
}

// LoadEntry returns the persisted entry for a key, nil if none. Store read
// failures are fail-open: logged, treated as absent.
func (m *Manager) LoadEntry(ctx context.Context, key string) *Entry {
	e, err := m.store.Load(ctx, key)
	if err != nil {
		slog.Warn("sessions: store read failed, treating as empty", "key", key, "error", err)
		return nil
	}
	return e
}

// BeginTurn loads the entry for the key, evaluates freshness and reset
// triggers, allocates or forks a turn-continuity handle for new sessions,
// and merge-writes the entry back.
//
// Sticky fields (thinking/verbose levels, overrides) carry forward only
// while the previous entry is still fresh; delivery context refreshes from
// the event unconditionally.
func (m *Manager) BeginTurn(ctx context.Context, tc TurnContext) (TurnStart, error) {
	if tc.Key == "" {
		return TurnStart{}, ErrMissingSessionKey
	}
	now := m.now()
	ev := tc.Event
	prev := m.LoadEntry(ctx, tc.Key)

	rt := ClassifyReset(ev.PeerKind != bus.PeerDM, ev.ThreadID)
	fresh := EvaluateFreshness(prev, now, m.policy.MaxAge(rt, ev.Channel))

	text := ev.Text
	wasReset := false
	// Reset triggers only count for senders authorized to issue control
	// commands; anyone else's "new please help" is ordinary content.
	if tc.Authorized {
		if matched, remainder := MatchResetTrigger(text, m.triggers); matched {
			fresh = false
			wasReset = true
			text = remainder
		}
	}

	isNew := !fresh
	sessionID := ""
	if fresh {
		sessionID = prev.SessionID
	} else {
		sessionID = m.newSessionID(ctx, ev, now)
	}

	written, err := m.store.Update(ctx, tc.Key, func(e *Entry) {
		if fresh && prev != nil {
			*e = *prev
		} else {
			// Stale or reset: sticky preferences do not survive.
			*e = Entry{CompactionCount: 0}
		}
		e.Key = tc.Key
		e.SessionID = sessionID
		e.UpdatedAt = now
		e.ChatType = ev.ChatType
		if isNew {
			e.SystemSent = false
			e.AbortedLastRun = false
		}
		// Always refresh delivery so later out-of-band sends target the
		// place the user last spoke from.
		e.Delivery = DeliveryContext{
			Channel:   ev.Channel,
			To:        ev.ConversationID,
			AccountID: ev.AccountID,
			ThreadID:  ev.ThreadID,
		}
	})
	if err != nil {
		// Failed write is logged, not retried inline; the next message
		// re-reads and re-writes.
		slog.Warn("sessions: store write failed", "key", tc.Key, "error", err)
		written = &Entry{Key: tc.Key, SessionID: sessionID, UpdatedAt: now}
	}

	return TurnStart{
		SessionID:    sessionID,
		IsNewSession: isNew,
		WasReset:     wasReset,
		Text:         text,
		Entry:        *written,
	}, nil
}

// newSessionID allocates the handle for a new session, branching from the
// parent session's transcript when the event declares a fresh parent key.
func (m *Manager) newSessionID(ctx context.Context, ev bus.InboundEvent, now time.Time) string {
	if ev.ParentSessionKey != "" && m.forker != nil {
		parent := m.LoadEntry(ctx, ev.ParentSessionKey)
		rt := ClassifyReset(ev.PeerKind != bus.PeerDM, "")
		if EvaluateFreshness(parent, now, m.policy.MaxAge(rt, ev.Channel)) {
			forked, err := m.forker.ForkSession(ctx, parent.SessionID)
			if err != nil {
				slog.Warn("sessions: fork failed, starting fresh", "parent", ev.ParentSessionKey, "error", err)
			} else if forked != "" {
				slog.Info("sessions: forked from parent", "parent", ev.ParentSessionKey)
				return forked
			}
		}
	}
	return uuid.NewString()
}

// SetAbortedLastRun persists the aborted flag for a key. Missing entries
// are created so the flag survives an abort that raced the first turn.
func (m *Manager) SetAbortedLastRun(ctx context.Context, key string, aborted bool) error {
	_, err := m.store.Update(ctx, key, func(e *Entry) {
		e.Key = key
		e.AbortedLastRun = aborted
		if e.UpdatedAt.IsZero() {
			e.UpdatedAt = m.now()
		}
	})
	return err
}

// MarkSystemSent records that the system preamble went out for this key.
func (m *Manager) MarkSystemSent(ctx context.Context, key string) error {
	_, err := m.store.Update(ctx, key, func(e *Entry) {
		e.Key = key
		e.SystemSent = true
	})
	return err
}

// List returns all entries, optionally filtered by agent id.
func (m *Manager) List(ctx context.Context, agentID string) ([]Entry, error) {
	return m.store.List(ctx, agentID)
}
