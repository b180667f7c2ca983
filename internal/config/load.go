package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agents: AgentsConfig{Default: "main"},
		Session: SessionConfig{
			DMScope: "main",
		},
		Inbound: InboundConfig{
			DebounceMs:          1000,
			MediaGroupTimeoutMs: 500,
		},
		Dedup: DedupConfig{
			TTLMinutes: 5,
			MaxSize:    2000,
		},
		Queue: QueueConfig{
			Mode:       "collect",
			Cap:        20,
			DropPolicy: "drop-oldest",
		},
		Gateway: GatewayConfig{
			Host:            "0.0.0.0",
			Port:            18890,
			MaxMessageChars: 32000,
			RateLimitRPM:    60,
		},
		Runtime: RuntimeConfig{
			RequestTimeoutSeconds: 600,
		},
		Store: StoreConfig{
			Backend: "file",
			Dir:     "~/.switchboard/sessions",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			cfg.expandPaths()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.expandPaths()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over file values. Secrets are env-only.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("SWITCHBOARD_POSTGRES_DSN", &c.Store.PostgresDSN)
	envStr("SWITCHBOARD_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("SWITCHBOARD_RUNTIME_URL", &c.Runtime.URL)
	envStr("SWITCHBOARD_RUNTIME_TOKEN", &c.Runtime.Token)
	envStr("SWITCHBOARD_STORE_BACKEND", &c.Store.Backend)
	envStr("SWITCHBOARD_STORE_DIR", &c.Store.Dir)
	envStr("SWITCHBOARD_DEFAULT_AGENT", &c.Agents.Default)

	if v := os.Getenv("SWITCHBOARD_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Gateway.Port = port
		}
	}
	if c.Store.PostgresDSN != "" && os.Getenv("SWITCHBOARD_STORE_BACKEND") == "" {
		c.Store.Backend = "postgres"
	}
}

// expandPaths resolves a leading ~ in path-valued fields.
func (c *Config) expandPaths() {
	c.Store.Dir = expandHome(c.Store.Dir)
}

func expandHome(path string) string {
	if len(path) < 2 || path[0] != '~' || path[1] != '/' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
