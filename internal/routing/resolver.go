// Package routing picks the owning agent for an inbound event via
// priority-ordered binding rules.
package routing

import (
	"strings"

	"github.com/nextlevelbuilder/switchboard/internal/bus"
	"github.com/nextlevelbuilder/switchboard/internal/sessions"
)

// BindingPeer pins a binding to a specific conversational counterpart.
type BindingPeer struct {
	Kind string `json:"kind"` // "dm", "group", or "channel"
	ID   string `json:"id"`
}

// BindingMatch specifies which events a binding applies to.
type BindingMatch struct {
	Channel   string       `json:"channel"`
	AccountID string       `json:"accountId,omitempty"` // exact, "*", or absent (default account)
	Peer      *BindingPeer `json:"peer,omitempty"`
	GuildID   string       `json:"guildId,omitempty"`
	TeamID    string       `json:"teamId,omitempty"`
}

// Binding maps a channel/peer pattern to a specific agent. Declarative,
// loaded from config; immutable at request time.
type Binding struct {
	AgentID string       `json:"agentId"`
	Match   BindingMatch `json:"match"`
}

// MatchTier records which rule tier selected the route. Diagnostic only,
// never re-parsed.
type MatchTier string

const (
	MatchPeer            MatchTier = "peer"
	MatchParentPeer      MatchTier = "parentPeer"
	MatchGuild           MatchTier = "guild"
	MatchTeam            MatchTier = "team"
	MatchAccount         MatchTier = "account"
	MatchChannelWildcard MatchTier = "channel-wildcard"
	MatchDefault         MatchTier = "default"
)

// ResolvedRoute is the routing outcome for one inbound event.
type ResolvedRoute struct {
	AgentID        string
	Channel        string
	AccountID      string
	SessionKey     string
	MainSessionKey string
	MatchedBy      MatchTier
}

// Resolver resolves inbound events to agents. Immutable once built; config
// reload swaps in a new Resolver.
type Resolver struct {
	bindings     []Binding
	agents       map[string]bool // known agent ids, normalized
	defaultAgent string
	dmScope      sessions.DMScope
	links        sessions.IdentityLinks
}

// ResolverOpts configures a Resolver.
type ResolverOpts struct {
	Bindings      []Binding
	AgentIDs      []string
	DefaultAgent  string
	DMScope       sessions.DMScope
	IdentityLinks sessions.IdentityLinks
}

func NewResolver(opts ResolverOpts) *Resolver {
	agents := make(map[string]bool, len(opts.AgentIDs))
	for _, id := range opts.AgentIDs {
		agents[sessions.NormalizeAgentID(id)] = true
	}
	def := sessions.NormalizeAgentID(opts.DefaultAgent)
	agents[def] = true
	return &Resolver{
		bindings:     opts.Bindings,
		agents:       agents,
		defaultAgent: def,
		dmScope:      opts.DMScope,
		links:        opts.IdentityLinks,
	}
}

// Resolve picks the owning agent for an event. Tiers are tested in strict
// priority order (peer, parent peer, guild, team, concrete account,
// account wildcard, default) and each tier short-circuits on its first
// declared match. Unknown agent ids fall back to the default agent rather
// than failing the event.
func (r *Resolver) Resolve(ev bus.InboundEvent) ResolvedRoute {
	candidates := r.filter(ev)
	peer := eventPeer(ev)

	agentID, tier := r.pick(candidates, ev, peer)

	norm := sessions.NormalizeAgentID(agentID)
	if !r.agents[norm] {
		norm = r.defaultAgent
	}

	return ResolvedRoute{
		AgentID:        norm,
		Channel:        strings.ToLower(ev.Channel),
		AccountID:      sessions.NormalizeAccountID(ev.AccountID),
		SessionKey:     sessions.BuildSessionKey(norm, ev.Channel, ev.AccountID, peer, r.dmScope, r.links),
		MainSessionKey: sessions.BuildAgentMainSessionKey(norm, sessions.DefaultMainKey),
		MatchedBy:      tier,
	}
}

// filter keeps bindings whose channel and account apply to the event.
// Account match accepts exact, "*" wildcard, or absent-meaning-default.
func (r *Resolver) filter(ev bus.InboundEvent) []Binding {
	channel := strings.ToLower(ev.Channel)
	account := sessions.NormalizeAccountID(ev.AccountID)

	var out []Binding
	for _, b := range r.bindings {
		if strings.ToLower(b.Match.Channel) != channel {
			continue
		}
		switch acct := b.Match.AccountID; {
		case acct == "*":
		case acct == "" && account == sessions.DefaultAccountID:
		case sessions.NormalizeAccountID(acct) == account && acct != "":
		default:
			continue
		}
		out = append(out, b)
	}
	return out
}

func (r *Resolver) pick(candidates []Binding, ev bus.InboundEvent, peer sessions.Peer) (string, MatchTier) {
	// Tier 1: exact peer match.
	for _, b := range candidates {
		if p := b.Match.Peer; p != nil && p.Kind == string(peer.Kind) && p.ID == peer.ID {
			return b.AgentID, MatchPeer
		}
	}

	// Tier 2: parent-peer match. A thread reply inherits the binding of
	// the thread's parent peer even though the thread itself has none.
	if ev.ParentPeerID != "" {
		for _, b := range candidates {
			if p := b.Match.Peer; p != nil && p.Kind == string(peer.Kind) && p.ID == ev.ParentPeerID {
				return b.AgentID, MatchParentPeer
			}
		}
	}

	// Tier 3: guild.
	if ev.GuildID != "" {
		for _, b := range candidates {
			if b.Match.Peer == nil && b.Match.GuildID != "" && b.Match.GuildID == ev.GuildID {
				return b.AgentID, MatchGuild
			}
		}
	}

	// Tier 4: team.
	if ev.TeamID != "" {
		for _, b := range candidates {
			if b.Match.Peer == nil && b.Match.TeamID != "" && b.Match.TeamID == ev.TeamID {
				return b.AgentID, MatchTeam
			}
		}
	}

	// Tier 5: account-scoped binding with no peer/guild/team constraint.
	// An absent accountId is the concrete default account, not a wildcard;
	// the filter has already checked that the account applies.
	for _, b := range candidates {
		if isAccountOnly(b) && b.Match.AccountID != "*" {
			return b.AgentID, MatchAccount
		}
	}

	// Tier 6: channel-wide wildcard.
	for _, b := range candidates {
		if isAccountOnly(b) && b.Match.AccountID == "*" {
			return b.AgentID, MatchChannelWildcard
		}
	}

	return r.defaultAgent, MatchDefault
}

func isAccountOnly(b Binding) bool {
	return b.Match.Peer == nil && b.Match.GuildID == "" && b.Match.TeamID == ""
}

// eventPeer derives the route peer from the event.
func eventPeer(ev bus.InboundEvent) sessions.Peer {
	kind := ev.PeerKind
	if kind == "" {
		kind = bus.PeerDM
	}
	return sessions.Peer{Kind: kind, ID: ev.ConversationID}
}
