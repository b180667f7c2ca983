package sessions

import (
	"strings"
	"time"
)

// ResetType classifies a conversation for freshness policy purposes.
type ResetType string

const (
	ResetDM     ResetType = "dm"
	ResetGroup  ResetType = "group"
	ResetThread ResetType = "thread"
)

// FreshnessPolicy yields the max age for a session entry before it is
// considered stale. Zero duration means entries of that type never expire.
// Per-channel overrides win over the per-type defaults.
type FreshnessPolicy struct {
	DMMaxAge     time.Duration
	GroupMaxAge  time.Duration
	ThreadMaxAge time.Duration
	PerChannel   map[string]time.Duration
}

// MaxAge resolves the effective max age for a reset type and channel.
func (p FreshnessPolicy) MaxAge(rt ResetType, channel string) time.Duration {
	if d, ok := p.PerChannel[strings.ToLower(channel)]; ok {
		return d
	}
	switch rt {
	case ResetGroup:
		return p.GroupMaxAge
	case ResetThread:
		return p.ThreadMaxAge
	default:
		return p.DMMaxAge
	}
}

// ClassifyReset derives the reset type from the conversation shape.
func ClassifyReset(isGroup bool, threadID string) ResetType {
	if threadID != "" {
		return ResetThread
	}
	if isGroup {
		return ResetGroup
	}
	return ResetDM
}

// EvaluateFreshness reports whether an entry is still fresh at now. A nil
// entry is never fresh; maxAge zero means always fresh.
func EvaluateFreshness(e *Entry, now time.Time, maxAge time.Duration) bool {
	if e == nil || e.SessionID == "" {
		return false
	}
	if maxAge <= 0 {
		return true
	}
	return now.Sub(e.UpdatedAt) <= maxAge
}

// DefaultResetTriggers is the built-in reset phrase list.
var DefaultResetTriggers = []string{"new", "reset", "new chat", "new session"}

// MatchResetTrigger checks text against the trigger list two ways: exact
// match, or "{trigger} " prefix. On a prefix match the remainder (text
// after the trigger and one space) becomes the first message of the fresh
// session. Matching is case-insensitive; "newspaper" never matches "new".
func MatchResetTrigger(text string, triggers []string) (matched bool, remainder string) {
	trimmed := strings.TrimSpace(text)
	lower := strings.ToLower(trimmed)
	if lower == "" {
		return false, ""
	}
	for _, trig := range triggers {
		t := strings.ToLower(strings.TrimSpace(trig))
		if t == "" {
			continue
		}
		if lower == t {
			return true, ""
		}
		if strings.HasPrefix(lower, t+" ") {
			return true, strings.TrimSpace(trimmed[len(t)+1:])
		}
	}
	return false, ""
}
