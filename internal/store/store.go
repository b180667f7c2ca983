// Package store selects the entry store backend: local JSON files for
// standalone mode, Postgres for managed mode.
package store

import (
	"fmt"

	"github.com/nextlevelbuilder/switchboard/internal/sessions"
	"github.com/nextlevelbuilder/switchboard/internal/store/file"
	"github.com/nextlevelbuilder/switchboard/internal/store/pg"
)

// Config selects and configures the backend.
type Config struct {
	Backend     string // "file" (default) or "postgres"
	Dir         string // file backend root
	PostgresDSN string // from SWITCHBOARD_POSTGRES_DSN only
}

func NewEntryStore(cfg Config) (sessions.EntryStore, error) {
	switch cfg.Backend {
	case "", "file":
		if cfg.Dir == "" {
			return nil, fmt.Errorf("file entry store requires a directory")
		}
		return file.New(cfg.Dir)
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres entry store requires SWITCHBOARD_POSTGRES_DSN")
		}
		return pg.Open(cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown entry store backend %q", cfg.Backend)
	}
}
