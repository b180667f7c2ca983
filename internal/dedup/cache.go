// Package dedup rejects replays of the same transport event. At-least-once
// transports (webhook retries, reconnect replays) may deliver one wire event
// several times; the cache remembers recently seen identities inside a
// TTL + capacity window.
package dedup

import (
	"fmt"
	"sync"
	"time"

	"github.com/nextlevelbuilder/switchboard/internal/bus"
)

const (
	// DefaultTTL covers realistic platform retry windows.
	DefaultTTL = 5 * time.Minute

	// DefaultMaxSize bounds memory; oldest entries evict first.
	DefaultMaxSize = 2000
)

type entry struct {
	insertedAt time.Time
}

type queued struct {
	key        string
	insertedAt time.Time
}

// Cache is a TTL + capacity bounded replay filter. Expiry is lazy: an
// entry older than TTL reads as absent even if still physically present.
// When insertion would exceed maxSize, the oldest entries are evicted
// first (insertion-order, not LRU-on-read).
// Safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	entries map[string]entry
	order   []queued
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

func NewCache(ttl time.Duration, maxSize int) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Cache{
		entries: make(map[string]entry),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Seen reports whether key was remembered within the TTL window.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return false
	}
	if c.now().Sub(e.insertedAt) > c.ttl {
		delete(c.entries, key)
		return false
	}
	return true
}

// Remember records key as seen now.
func (c *Cache) Remember(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()

	for len(c.entries) >= c.maxSize {
		c.evictOldestLocked()
	}

	c.entries[key] = entry{insertedAt: now}
	c.order = append(c.order, queued{key: key, insertedAt: now})
}

// evictOldestLocked pops the insertion queue until it removes one live
// entry. Queue items whose timestamp no longer matches the map (the key
// was re-remembered later) are skipped.
func (c *Cache) evictOldestLocked() {
	for len(c.order) > 0 {
		head := c.order[0]
		c.order = c.order[1:]
		if e, ok := c.entries[head.key]; ok && e.insertedAt.Equal(head.insertedAt) {
			delete(c.entries, head.key)
			return
		}
	}
	// Queue drained without finding a live entry; nothing left to evict.
	clear(c.entries)
}

// Len returns the number of physical entries (expired included).
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// EventKey derives the composite replay-identity key for an event. Prefers
// the transport update id, then the callback id, then chatId:messageId.
// Returns false when no identity can be determined; such events are
// processed, not dropped (fail-open).
func EventKey(ev bus.InboundEvent) (string, bool) {
	switch {
	case ev.UpdateID != "":
		return fmt.Sprintf("%s|update|%s", ev.Channel, ev.UpdateID), true
	case ev.CallbackID != "":
		return fmt.Sprintf("%s|callback|%s", ev.Channel, ev.CallbackID), true
	case ev.ConversationID != "" && ev.PlatformMessageID != "":
		return fmt.Sprintf("%s|%s|%s:%s", ev.Channel, ev.SenderID, ev.ConversationID, ev.PlatformMessageID), true
	default:
		return "", false
	}
}
