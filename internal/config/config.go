// Package config defines the switchboard configuration: agents and their
// bindings, session scoping and freshness, inbound buffering, dedup,
// queueing, and the gateway surface.
package config

import (
	"time"

	"github.com/nextlevelbuilder/switchboard/internal/routing"
	"github.com/nextlevelbuilder/switchboard/internal/sessions"
)

// Config is the root configuration, loaded from a JSON5 file.
type Config struct {
	Agents    AgentsConfig      `json:"agents"`
	Bindings  []routing.Binding `json:"bindings,omitempty"`
	Identity  IdentityConfig    `json:"identity,omitempty"`
	Session   SessionConfig     `json:"session"`
	Inbound   InboundConfig     `json:"inbound"`
	Dedup     DedupConfig       `json:"dedup"`
	Queue     QueueConfig       `json:"queue"`
	Control   ControlConfig     `json:"control"`
	Gateway   GatewayConfig     `json:"gateway"`
	Runtime   RuntimeConfig     `json:"runtime"`
	Store     StoreConfig       `json:"store"`
	Telemetry TelemetryConfig   `json:"telemetry,omitempty"`
	Announce  []AnnounceConfig  `json:"announce,omitempty"`
}

// AgentsConfig declares the known agents. The default agent receives
// everything no binding claims.
type AgentsConfig struct {
	Default string   `json:"default"`
	IDs     []string `json:"ids,omitempty"`
}

// IdentityConfig links peer aliases across channels to one canonical id,
// so the same person maps to one session key everywhere.
type IdentityConfig struct {
	Links sessions.IdentityLinks `json:"links,omitempty"`
}

// SessionConfig controls key shape and freshness.
type SessionConfig struct {
	DMScope            string            `json:"dmScope,omitempty"` // main|per-peer|per-channel-peer|per-account-channel-peer
	DMMaxAgeMinutes    int               `json:"dmMaxAgeMinutes,omitempty"`
	GroupMaxAgeMinutes int               `json:"groupMaxAgeMinutes,omitempty"`
	ThreadMaxAgeMinutes int              `json:"threadMaxAgeMinutes,omitempty"`
	PerChannelMaxAge   map[string]int    `json:"perChannelMaxAgeMinutes,omitempty"`
	ResetTriggers      []string          `json:"resetTriggers,omitempty"` // nil = defaults
}

// InboundConfig tunes the buffering strategies.
type InboundConfig struct {
	DebounceMs          int `json:"debounceMs,omitempty"` // 0 disables
	MediaGroupTimeoutMs int `json:"mediaGroupTimeoutMs,omitempty"`
}

// DedupConfig tunes the replay cache.
type DedupConfig struct {
	TTLMinutes int `json:"ttlMinutes,omitempty"`
	MaxSize    int `json:"maxSize,omitempty"`
}

// QueueConfig tunes the followup queue.
type QueueConfig struct {
	Mode       string `json:"mode,omitempty"` // collect|single
	Cap        int    `json:"cap,omitempty"`
	DropPolicy string `json:"dropPolicy,omitempty"` // drop-oldest|reject
}

// ControlConfig lists the senders allowed to issue control commands
// (reset triggers, /stop). Entries are senderId or channel:senderId.
type ControlConfig struct {
	AllowedSenders []string `json:"allowedSenders,omitempty"`
}

// GatewayConfig configures the websocket ingress.
type GatewayConfig struct {
	Host            string `json:"host,omitempty"`
	Port            int    `json:"port,omitempty"`
	Token           string `json:"-"` // from env SWITCHBOARD_GATEWAY_TOKEN only
	RateLimitRPM    int    `json:"rateLimitRpm,omitempty"`
	MaxMessageChars int    `json:"maxMessageChars,omitempty"`
}

// RuntimeConfig points at the agent runtime's WebSocket endpoint. An empty
// URL leaves the core without a runtime; serve refuses to start that way.
// Token comes from env SWITCHBOARD_RUNTIME_TOKEN only.
type RuntimeConfig struct {
	URL                   string `json:"url,omitempty"`
	Token                 string `json:"-"`
	RequestTimeoutSeconds int    `json:"requestTimeoutSeconds,omitempty"`
}

// StoreConfig selects the entry store backend.
// PostgresDSN is NEVER read from the config file (secret); it comes from
// env SWITCHBOARD_POSTGRES_DSN only.
type StoreConfig struct {
	Backend     string `json:"backend,omitempty"` // file|postgres
	Dir         string `json:"dir,omitempty"`
	PostgresDSN string `json:"-"`
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled  bool   `json:"enabled,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
	Protocol string `json:"protocol,omitempty"` // grpc|http
	Insecure bool   `json:"insecure,omitempty"`
}

// AnnounceConfig is one scheduled announcement, delivered through the
// session's stored delivery context.
type AnnounceConfig struct {
	Cron       string `json:"cron"`
	SessionKey string `json:"sessionKey"`
	Text       string `json:"text"`
}

// DMScope maps the config string onto the session key scope.
func (c *Config) DMScope() sessions.DMScope {
	switch c.Session.DMScope {
	case "per-peer":
		return sessions.DMScopePerPeer
	case "per-channel-peer":
		return sessions.DMScopePerChannelPeer
	case "per-account-channel-peer":
		return sessions.DMScopePerAccountChanPeer
	default:
		return sessions.DMScopeMain
	}
}

// FreshnessPolicy converts the minute-granularity config into the
// session manager's policy. Zero values mean "no age limit".
func (c *Config) FreshnessPolicy() sessions.FreshnessPolicy {
	p := sessions.FreshnessPolicy{
		DMMaxAge:     time.Duration(c.Session.DMMaxAgeMinutes) * time.Minute,
		GroupMaxAge:  time.Duration(c.Session.GroupMaxAgeMinutes) * time.Minute,
		ThreadMaxAge: time.Duration(c.Session.ThreadMaxAgeMinutes) * time.Minute,
	}
	if len(c.Session.PerChannelMaxAge) > 0 {
		p.PerChannel = make(map[string]time.Duration, len(c.Session.PerChannelMaxAge))
		for ch, mins := range c.Session.PerChannelMaxAge {
			p.PerChannel[ch] = time.Duration(mins) * time.Minute
		}
	}
	return p
}

// ResolverOpts assembles the routing table from the config.
func (c *Config) ResolverOpts() routing.ResolverOpts {
	return routing.ResolverOpts{
		Bindings:      c.Bindings,
		AgentIDs:      c.Agents.IDs,
		DefaultAgent:  c.Agents.Default,
		DMScope:       c.DMScope(),
		IdentityLinks: c.Identity.Links,
	}
}

// AuthorizedSender reports whether the sender may issue control commands.
func (c *Config) AuthorizedSender(channel, senderID string) bool {
	for _, allowed := range c.Control.AllowedSenders {
		if allowed == senderID || allowed == channel+":"+senderID {
			return true
		}
	}
	return false
}
