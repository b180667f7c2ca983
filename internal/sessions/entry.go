package sessions

import (
	"context"
	"time"
)

// DeliveryContext records where the last inbound message for a session came
// from, so out-of-band deliveries (scheduled announcements) know where to
// send.
type DeliveryContext struct {
	Channel   string `json:"channel,omitempty"`
	To        string `json:"to,omitempty"`
	AccountID string `json:"accountId,omitempty"`
	ThreadID  string `json:"threadId,omitempty"`
}

// Entry is the persisted per-key session metadata. Created on first message
// for a key, mutated on every message; never deleted by this core.
type Entry struct {
	Key       string    `json:"key"`
	SessionID string    `json:"sessionId"` // opaque turn-continuity handle
	UpdatedAt time.Time `json:"updatedAt"`

	SystemSent     bool `json:"systemSent,omitempty"`
	AbortedLastRun bool `json:"abortedLastRun,omitempty"`

	// Sticky preferences, carried forward across messages while fresh.
	ThinkingLevel    string `json:"thinkingLevel,omitempty"`
	VerboseLevel     string `json:"verboseLevel,omitempty"`
	ModelOverride    string `json:"modelOverride,omitempty"`
	ProviderOverride string `json:"providerOverride,omitempty"`

	ChatType        string          `json:"chatType,omitempty"`
	Delivery        DeliveryContext `json:"delivery,omitempty"`
	CompactionCount int             `json:"compactionCount,omitempty"`
}

// EntryStore persists session entries. Implementations serialize Update per
// store path (single-writer critical section); see store/file and store/pg.
type EntryStore interface {
	// Load returns the entry for key, or nil if none exists. An unreadable
	// store reads as empty (fail-open).
	Load(ctx context.Context, key string) (*Entry, error)

	// Update applies mutate to the current entry (a fresh zero entry when
	// absent) and writes the result back, all inside the store's per-path
	// critical section. Returns the written entry.
	Update(ctx context.Context, key string, mutate func(*Entry)) (*Entry, error)

	// List returns all entries, optionally filtered to one agent id.
	List(ctx context.Context, agentID string) ([]Entry, error)
}
