package sessions

import (
	"testing"

	"github.com/nextlevelbuilder/switchboard/internal/bus"
)

func TestBuildSessionKey_Shapes(t *testing.T) {
	tests := []struct {
		name    string
		agent   string
		channel string
		account string
		peer    Peer
		scope   DMScope
		want    string
	}{
		{
			name:  "dm main scope collapses to agent main key",
			agent: "Main", channel: "telegram",
			peer:  Peer{Kind: bus.PeerDM, ID: "123"},
			scope: DMScopeMain,
			want:  "agent:main:main",
		},
		{
			name:  "dm per-peer",
			agent: "main", channel: "telegram",
			peer:  Peer{Kind: bus.PeerDM, ID: "123"},
			scope: DMScopePerPeer,
			want:  "agent:main:dm:123",
		},
		{
			name:  "dm per-channel-peer",
			agent: "main", channel: "Telegram",
			peer:  Peer{Kind: bus.PeerDM, ID: "123"},
			scope: DMScopePerChannelPeer,
			want:  "agent:main:telegram:dm:123",
		},
		{
			name:  "dm per-account-channel-peer",
			agent: "main", channel: "telegram", account: "Bot1",
			peer:  Peer{Kind: bus.PeerDM, ID: "123"},
			scope: DMScopePerAccountChanPeer,
			want:  "agent:main:telegram:bot1:dm:123",
		},
		{
			name:  "group ignores dm scope",
			agent: "main", channel: "telegram",
			peer:  Peer{Kind: bus.PeerGroup, ID: "-100"},
			scope: DMScopeMain,
			want:  "agent:main:telegram:group:-100",
		},
		{
			name:  "channel peer",
			agent: "ops", channel: "slack",
			peer:  Peer{Kind: bus.PeerChannel, ID: "C042"},
			scope: DMScopePerChannelPeer,
			want:  "agent:ops:slack:channel:c042",
		},
		{
			name:  "empty agent falls back to main",
			agent: "", channel: "telegram",
			peer:  Peer{Kind: bus.PeerDM, ID: "123"},
			scope: DMScopePerChannelPeer,
			want:  "agent:main:telegram:dm:123",
		},
		{
			name:  "empty account falls back to default",
			agent: "main", channel: "telegram", account: "",
			peer:  Peer{Kind: bus.PeerDM, ID: "123"},
			scope: DMScopePerAccountChanPeer,
			want:  "agent:main:telegram:default:dm:123",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BuildSessionKey(tt.agent, tt.channel, tt.account, tt.peer, tt.scope, nil)
			if got != tt.want {
				t.Errorf("BuildSessionKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBuildSessionKey_Deterministic(t *testing.T) {
	peer := Peer{Kind: bus.PeerDM, ID: "AbC"}
	a := BuildSessionKey("Agent-X", "Telegram", "Bot", peer, DMScopePerAccountChanPeer, nil)
	b := BuildSessionKey("agent-x", "telegram", "bot", Peer{Kind: bus.PeerDM, ID: "abc"}, DMScopePerAccountChanPeer, nil)
	if a != b {
		t.Errorf("casing changed output: %q vs %q", a, b)
	}
	if a != BuildSessionKey("Agent-X", "Telegram", "Bot", peer, DMScopePerAccountChanPeer, nil) {
		t.Error("repeated call produced a different key")
	}
}

func TestBuildSessionKey_IdentityLinks(t *testing.T) {
	links := IdentityLinks{
		"Alice": {"telegram:111", "222"},
	}

	tests := []struct {
		name    string
		channel string
		peerID  string
		want    string
	}{
		{"qualified alias", "telegram", "111", "agent:main:telegram:dm:alice"},
		{"bare alias on any channel", "discord", "222", "agent:main:discord:dm:alice"},
		{"case-insensitive alias", "telegram", "111", "agent:main:telegram:dm:alice"},
		{"no alias", "telegram", "999", "agent:main:telegram:dm:999"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BuildSessionKey("main", tt.channel, "", Peer{Kind: bus.PeerDM, ID: tt.peerID}, DMScopePerChannelPeer, links)
			if got != tt.want {
				t.Errorf("BuildSessionKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIdentityLinks_DuplicateAliasIsDeterministic(t *testing.T) {
	// The same alias listed under two canonical names must resolve to the
	// same name on every call, regardless of map iteration order.
	links := IdentityLinks{
		"zoe":   {"555"},
		"alice": {"555"},
	}

	for i := 0; i < 50; i++ {
		name, ok := links.Canonical("telegram", "555")
		if !ok {
			t.Fatal("alias did not resolve")
		}
		if name != "alice" {
			t.Fatalf("Canonical() = %q on attempt %d, want %q", name, i, "alice")
		}
	}
}

func TestNormalizeAgentID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Main", "main"},
		{"", "main"},
		{"  ", "main"},
		{"a b/c", "a-b-c"},
		{"weird***chars", "weird-chars"},
		{"--dashes--", "dashes"},
		{"ok_name.v2", "ok_name.v2"},
	}
	for _, tt := range tests {
		if got := NormalizeAgentID(tt.in); got != tt.want {
			t.Errorf("NormalizeAgentID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	long := make([]byte, 100)
	for i := range long {
		long[i] = 'x'
	}
	if got := NormalizeAgentID(string(long)); len(got) != 64 {
		t.Errorf("long token not truncated to 64, got len %d", len(got))
	}
}

func TestParseSessionKey(t *testing.T) {
	agent, rest := ParseSessionKey("agent:main:telegram:dm:123")
	if agent != "main" || rest != "telegram:dm:123" {
		t.Errorf("ParseSessionKey = (%q, %q)", agent, rest)
	}
	if a, r := ParseSessionKey("not-a-key"); a != "" || r != "" {
		t.Errorf("malformed key parsed as (%q, %q)", a, r)
	}
}
