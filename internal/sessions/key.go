// Package sessions holds the session key builder, freshness evaluation,
// and the persisted session entry model.
//
// Session keys follow the canonical format:
//
//	agent:{agentId}:{rest}
//
// Where {rest} depends on DM scope and peer kind:
//
//	DM, scope=main:                    {mainKey}
//	DM, scope=per-peer:                dm:{peerId}
//	DM, scope=per-channel-peer:        {channel}:dm:{peerId}
//	DM, scope=per-account-channel-peer:{channel}:{accountId}:dm:{peerId}
//	Group/channel peer (any scope):    {channel}:{kind}:{peerId}
//
// Examples:
//
//	agent:main:main
//	agent:main:dm:386246614
//	agent:main:telegram:dm:386246614
//	agent:main:telegram:bot1:dm:386246614
//	agent:main:telegram:group:-100123456
//
// Keys are lowercase, colon-delimited, and deterministic for identical
// inputs. They serve as both storage keys and concurrency-serialization
// keys, so building one never does I/O.
package sessions

import (
	"strings"

	"github.com/nextlevelbuilder/switchboard/internal/bus"
)

// DMScope controls how DM sessions collapse across peers/channels/accounts.
type DMScope string

const (
	DMScopeMain               DMScope = "main"
	DMScopePerPeer            DMScope = "per-peer"
	DMScopePerChannelPeer     DMScope = "per-channel-peer"
	DMScopePerAccountChanPeer DMScope = "per-account-channel-peer"
)

const (
	// DefaultMainKey is the shared main-session suffix when dm_scope="main".
	DefaultMainKey = "main"

	// DefaultAgentID is the fallback agent token for empty input.
	DefaultAgentID = "main"

	// DefaultAccountID is the fallback account token for empty input.
	DefaultAccountID = "default"

	// maxTokenLen bounds normalized agent/account tokens so keys stay
	// usable as filenames.
	maxTokenLen = 64
)

// Peer identifies the conversational counterpart of an event.
type Peer struct {
	Kind bus.PeerKind
	ID   string
}

// NormalizeAgentID converts an agent id to a path-safe lowercase token.
func NormalizeAgentID(id string) string {
	return normalizeToken(id, DefaultAgentID)
}

// NormalizeAccountID converts an account id to a path-safe lowercase token.
func NormalizeAccountID(id string) string {
	return normalizeToken(id, DefaultAccountID)
}

// normalizeToken lowercases, collapses invalid characters to '-', and
// truncates to maxTokenLen. Empty or fully-invalid input yields fallback.
func normalizeToken(s, fallback string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return fallback
	}
	var b strings.Builder
	b.Grow(len(s))
	lastDash := false
	for _, r := range s {
		valid := r == '.' || r == '_' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if valid {
			b.WriteRune(r)
			lastDash = false
			continue
		}
		if !lastDash {
			b.WriteByte('-')
			lastDash = true
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return fallback
	}
	if len(out) > maxTokenLen {
		out = out[:maxTokenLen]
	}
	return out
}

// BuildAgentMainSessionKey builds the shared "main" session key for an
// agent. Used when dm_scope="main", where all DMs share one session per agent.
func BuildAgentMainSessionKey(agentID, mainKey string) string {
	if mainKey == "" {
		mainKey = DefaultMainKey
	}
	return strings.ToLower("agent:" + NormalizeAgentID(agentID) + ":" + mainKey)
}

// BuildSessionKey builds the canonical session key for a routed event.
//
// The peer id may first be rewritten through identity links so the same
// human keys to one session across channel-specific ids. Group/channel
// peers always key on channel + kind + peer id; DM scope only applies to
// DMs.
func BuildSessionKey(agentID, channel, accountID string, peer Peer, scope DMScope, links IdentityLinks) string {
	agent := NormalizeAgentID(agentID)
	channel = strings.ToLower(strings.TrimSpace(channel))

	peerID := peer.ID
	if canonical, ok := links.Canonical(channel, peerID); ok {
		peerID = canonical
	}

	if peer.Kind != bus.PeerDM {
		kind := string(peer.Kind)
		if kind == "" {
			kind = string(bus.PeerGroup)
		}
		return strings.ToLower("agent:" + agent + ":" + channel + ":" + kind + ":" + peerID)
	}

	switch scope {
	case DMScopeMain:
		return BuildAgentMainSessionKey(agent, DefaultMainKey)
	case DMScopePerPeer:
		return strings.ToLower("agent:" + agent + ":dm:" + peerID)
	case DMScopePerAccountChanPeer:
		account := NormalizeAccountID(accountID)
		return strings.ToLower("agent:" + agent + ":" + channel + ":" + account + ":dm:" + peerID)
	default: // per-channel-peer or empty
		return strings.ToLower("agent:" + agent + ":" + channel + ":dm:" + peerID)
	}
}

// ParseSessionKey extracts the agentID and rest from a canonical session
// key. Returns ("", "") if the key is not in the expected format.
func ParseSessionKey(key string) (agentID, rest string) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 3 || parts[0] != "agent" {
		return "", ""
	}
	return parts[1], parts[2]
}
