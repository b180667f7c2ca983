package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/switchboard/internal/abort"
	"github.com/nextlevelbuilder/switchboard/internal/announce"
	"github.com/nextlevelbuilder/switchboard/internal/bus"
	"github.com/nextlevelbuilder/switchboard/internal/config"
	"github.com/nextlevelbuilder/switchboard/internal/dedup"
	"github.com/nextlevelbuilder/switchboard/internal/dispatch"
	"github.com/nextlevelbuilder/switchboard/internal/gateway"
	"github.com/nextlevelbuilder/switchboard/internal/queue"
	"github.com/nextlevelbuilder/switchboard/internal/runtime"
	"github.com/nextlevelbuilder/switchboard/internal/sessions"
	"github.com/nextlevelbuilder/switchboard/internal/store"
	"github.com/nextlevelbuilder/switchboard/internal/subagents"
	"github.com/nextlevelbuilder/switchboard/internal/tracing"
	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the switchboard gateway",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.Runtime.URL == "" {
		slog.Error("no runtime endpoint configured (runtime.url or SWITCHBOARD_RUNTIME_URL)")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.Telemetry.Enabled {
		if err := tracing.Init(ctx, tracing.Options{
			Enabled:  true,
			Endpoint: cfg.Telemetry.Endpoint,
			Protocol: cfg.Telemetry.Protocol,
			Insecure: cfg.Telemetry.Insecure,
			Service:  "switchboard",
		}); err != nil {
			slog.Warn("tracing init failed", "error", err)
		} else {
			defer func() {
				shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelShutdown()
				tracing.Shutdown(shutdownCtx)
			}()
		}
	}

	entryStore, err := store.NewEntryStore(store.Config{
		Backend:     cfg.Store.Backend,
		Dir:         cfg.Store.Dir,
		PostgresDSN: cfg.Store.PostgresDSN,
	})
	if err != nil {
		slog.Error("failed to open session store", "backend", cfg.Store.Backend, "error", err)
		os.Exit(1)
	}
	slog.Info("session store ready", "backend", cfg.Store.Backend)

	rt, err := runtime.DialWS(ctx, cfg.Runtime.URL, runtime.WSOptions{
		Token:          cfg.Runtime.Token,
		RequestTimeout: time.Duration(cfg.Runtime.RequestTimeoutSeconds) * time.Second,
	})
	if err != nil {
		slog.Error("failed to connect to runtime", "url", cfg.Runtime.URL, "error", err)
		os.Exit(1)
	}
	defer rt.Close()
	slog.Info("runtime connected", "url", cfg.Runtime.URL)

	mgr := sessions.NewManager(sessions.ManagerOpts{
		Store:         entryStore,
		Policy:        cfg.FreshnessPolicy(),
		ResetTriggers: cfg.Session.ResetTriggers,
		Forker:        rt,
	})
	queues := queue.NewManager()

	// Subagent runs live in a sqlite file next to the session entries.
	dataDir := cfg.Store.Dir
	os.MkdirAll(dataDir, 0755)
	registry, err := subagents.Open(filepath.Join(dataDir, "subagents.db"))
	if err != nil {
		slog.Error("failed to open subagent registry", "error", err)
		os.Exit(1)
	}
	defer registry.Close()

	// Hot reload swaps the config snapshot; authorization always reads the
	// latest one.
	var current atomic.Pointer[config.Config]
	current.Store(cfg)
	aborts := abort.NewCoordinator(abort.Opts{
		Sessions: mgr,
		Queues:   queues,
		Registry: registry,
		Runtime:  rt,
		Authorize: func(ev bus.InboundEvent) bool {
			return current.Load().AuthorizedSender(ev.Channel, ev.SenderID)
		},
	})

	var srv *gateway.Server
	d := dispatch.New(dispatch.Opts{
		Config:   cfg,
		Dedup:    dedup.NewCache(time.Duration(cfg.Dedup.TTLMinutes)*time.Minute, cfg.Dedup.MaxSize),
		Sessions: mgr,
		Queues:   queues,
		Aborts:   aborts,
		Runtime:  rt,
		Notify: func(ev *protocol.EventFrame) {
			if srv != nil {
				srv.BroadcastEvent(ev)
			}
		},
	})
	defer d.Stop()

	sched := announce.NewScheduler(mgr, d.Announce)
	if err := sched.SetItems(announceItems(cfg)); err != nil {
		slog.Error("invalid announce schedule", "error", err)
		os.Exit(1)
	}
	go sched.Start(ctx)

	srv = gateway.NewServer(cfg.Gateway, d, sched)

	if err := config.Watch(ctx, cfgPath, func(next *config.Config) {
		current.Store(next)
		d.ApplyConfig(next)
		if err := sched.SetItems(announceItems(next)); err != nil {
			slog.Warn("announce schedule not updated", "error", err)
		}
		slog.Info("config reloaded", "path", cfgPath)
	}); err != nil {
		slog.Warn("config watcher unavailable", "error", err)
	}

	if err := srv.Start(ctx); err != nil {
		slog.Error("gateway failed", "error", err)
		os.Exit(1)
	}
}

func announceItems(cfg *config.Config) []announce.Item {
	items := make([]announce.Item, 0, len(cfg.Announce))
	for _, a := range cfg.Announce {
		items = append(items, announce.Item{Cron: a.Cron, SessionKey: a.SessionKey, Text: a.Text})
	}
	return items
}
