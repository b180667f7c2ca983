// Package dispatch runs the inbound pipeline: dedup, abort handling,
// route resolution, session turn bookkeeping, buffering, queueing, and
// finally the runtime call.
package dispatch

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/nextlevelbuilder/switchboard/internal/abort"
	"github.com/nextlevelbuilder/switchboard/internal/bus"
	"github.com/nextlevelbuilder/switchboard/internal/config"
	"github.com/nextlevelbuilder/switchboard/internal/dedup"
	"github.com/nextlevelbuilder/switchboard/internal/inbound"
	"github.com/nextlevelbuilder/switchboard/internal/queue"
	"github.com/nextlevelbuilder/switchboard/internal/routing"
	"github.com/nextlevelbuilder/switchboard/internal/runtime"
	"github.com/nextlevelbuilder/switchboard/internal/sessions"
	"github.com/nextlevelbuilder/switchboard/internal/tracing"
	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

// Notifier pushes outcome events back to connected gateway clients.
type Notifier func(ev *protocol.EventFrame)

// Dispatcher owns the event path from wire arrival to runtime turn.
type Dispatcher struct {
	bus      *bus.MessageBus
	dedup    *dedup.Cache
	sessions *sessions.Manager
	queues   *queue.Manager
	aborts   *abort.Coordinator
	rt       runtime.Runtime
	coord    *inbound.Coordinator
	notify   Notifier
	log      *slog.Logger

	mu        sync.RWMutex
	resolver  *routing.Resolver
	authorize func(channel, senderID string) bool
	policy    queue.Policy
}

// Opts wires a Dispatcher.
type Opts struct {
	Config   *config.Config
	Dedup    *dedup.Cache
	Sessions *sessions.Manager
	Queues   *queue.Manager
	Aborts   *abort.Coordinator
	Runtime  runtime.Runtime
	Notify   Notifier
}

func New(opts Opts) *Dispatcher {
	d := &Dispatcher{
		bus:      bus.NewMessageBus(),
		dedup:    opts.Dedup,
		sessions: opts.Sessions,
		queues:   opts.Queues,
		aborts:   opts.Aborts,
		rt:       opts.Runtime,
		notify:   opts.Notify,
		log:      slog.Default(),
	}
	if d.notify == nil {
		d.notify = func(*protocol.EventFrame) {}
	}
	d.ApplyConfig(opts.Config)

	cfg := opts.Config
	d.coord = inbound.NewCoordinator(inbound.CoordinatorOpts{
		DebounceWindow:    time.Duration(cfg.Inbound.DebounceMs) * time.Millisecond,
		MediaGroupTimeout: time.Duration(cfg.Inbound.MediaGroupTimeoutMs) * time.Millisecond,
		IsCommand:         func(text string) bool { return strings.HasPrefix(text, "/") },
		Out:               d.process,
	})
	go d.consume()
	return d
}

// ApplyConfig swaps the routing table, authorization, and queue policy.
// Called at startup and on config hot reload; in-flight events keep the
// snapshot they started with.
func (d *Dispatcher) ApplyConfig(cfg *config.Config) {
	resolver := routing.NewResolver(cfg.ResolverOpts())
	policy := queue.Policy{
		Mode:       queue.Mode(cfg.Queue.Mode),
		Cap:        cfg.Queue.Cap,
		DropPolicy: queue.DropPolicy(cfg.Queue.DropPolicy),
	}
	d.mu.Lock()
	d.resolver = resolver
	d.authorize = cfg.AuthorizedSender
	d.policy = policy
	d.mu.Unlock()
}

func (d *Dispatcher) snapshot() (*routing.Resolver, func(string, string) bool, queue.Policy) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.resolver, d.authorize, d.policy
}

// Stop shuts the bus down and cancels the buffering timers. In-flight
// buffers are dropped.
func (d *Dispatcher) Stop() {
	d.bus.Close()
	d.coord.Stop()
}

// HandleInbound accepts one wire event and hands it to the pipeline
// through the message bus. Returns as soon as the event is enqueued.
func (d *Dispatcher) HandleInbound(ctx context.Context, ev bus.InboundEvent) {
	d.bus.PublishInbound(ev)
}

// consume drains the bus until Stop. One consumer keeps arrival order.
func (d *Dispatcher) consume() {
	ctx := context.Background()
	for {
		ev, ok := d.bus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		d.handle(ctx, ev)
	}
}

// handle runs one event through dedup, abort handling, and buffering.
func (d *Dispatcher) handle(ctx context.Context, ev bus.InboundEvent) {
	ctx, span := tracing.StartSpan(ctx, "dispatch.inbound",
		attribute.String("channel", ev.Channel),
		attribute.String("conversation", ev.ConversationID))
	defer span.End()

	if key, ok := dedup.EventKey(ev); ok {
		if d.dedup.Seen(key) {
			d.log.Debug("dispatch: duplicate event dropped", "key", key, "channel", ev.Channel)
			return
		}
		d.dedup.Remember(key)
	}

	resolver, _, _ := d.snapshot()
	route := resolver.Resolve(ev)

	if res := d.aborts.Handle(ctx, ev, route.SessionKey); res.Handled {
		d.notify(protocol.NewEvent(protocol.EventTurnAborted, map[string]interface{}{
			"sessionKey":       route.SessionKey,
			"aborted":          res.Aborted,
			"stoppedSubagents": res.StoppedSubagents,
		}))
		return
	}

	d.coord.Submit(ev)
}

// Abort executes a stop request directly, for the gateway's abort method.
// The event's target session key wins over the resolved route.
func (d *Dispatcher) Abort(ctx context.Context, ev bus.InboundEvent) abort.Result {
	resolver, _, _ := d.snapshot()
	route := resolver.Resolve(ev)
	return d.aborts.Handle(ctx, ev, route.SessionKey)
}

// process receives merged units from the inbound coordinator and drives
// the session turn.
func (d *Dispatcher) process(ev bus.InboundEvent) {
	ctx, span := tracing.StartSpan(context.Background(), "dispatch.turn",
		attribute.String("channel", ev.Channel))
	defer span.End()

	resolver, authorize, policy := d.snapshot()
	route := resolver.Resolve(ev)

	turn, err := d.sessions.BeginTurn(ctx, sessions.TurnContext{
		Key:        route.SessionKey,
		Event:      ev,
		Authorized: authorize(ev.Channel, ev.SenderID),
	})
	if err != nil {
		d.log.Error("dispatch: begin turn failed", "session_key", route.SessionKey, "error", err)
		return
	}

	// An abort that raced ahead of this session's first turn consumes the
	// turn instead of starting it.
	if d.aborts.ConsumeIntent(route.SessionKey) {
		if err := d.sessions.SetAbortedLastRun(ctx, route.SessionKey, true); err != nil {
			d.log.Warn("dispatch: aborted flag write failed", "session_key", route.SessionKey, "error", err)
		}
		d.notify(protocol.NewEvent(protocol.EventTurnAborted, map[string]interface{}{
			"sessionKey": route.SessionKey,
			"aborted":    true,
		}))
		return
	}

	run := queue.Run{
		SessionKey: route.SessionKey,
		SessionID:  turn.SessionID,
		Event:      ev,
	}
	run.Event.Text = turn.Text

	if !d.queues.TryAcquire(route.SessionKey) {
		if err := d.queues.Enqueue(route.SessionKey, run, policy); err != nil {
			d.log.Warn("dispatch: followup rejected", "session_key", route.SessionKey, "error", err)
		}
		return
	}
	go d.runTurns(route, run)
}

// runTurns executes the acquired run and then drains any followups that
// queued while it was busy. The busy flag is held across the whole drain.
func (d *Dispatcher) runTurns(route routing.ResolvedRoute, run queue.Run) {
	for {
		d.executeTurn(route, run)

		next, ok := d.queues.Drain(route.SessionKey)
		if ok {
			run = next
			continue
		}
		d.queues.Release(route.SessionKey)
		// An enqueue may have slipped in between the failed drain and the
		// release; reclaim the key rather than strand it.
		if d.queues.Depth(route.SessionKey) > 0 && d.queues.TryAcquire(route.SessionKey) {
			if next, ok := d.queues.Drain(route.SessionKey); ok {
				run = next
				continue
			}
			d.queues.Release(route.SessionKey)
		}
		return
	}
}

func (d *Dispatcher) executeTurn(route routing.ResolvedRoute, run queue.Run) {
	ctx, span := tracing.StartSpan(context.Background(), "runtime.turn",
		attribute.String("session_key", run.SessionKey),
		attribute.String("agent", route.AgentID))
	defer span.End()

	res, err := d.rt.StartOrResumeTurn(ctx, runtime.TurnRequest{
		SessionKey: run.SessionKey,
		SessionID:  run.SessionID,
		AgentID:    route.AgentID,
		Text:       run.Event.Text,
		Event:      run.Event,
	})
	if err != nil {
		d.log.Error("dispatch: runtime turn failed", "session_key", run.SessionKey, "error", err)
		return
	}
	if res.Aborted {
		d.notify(protocol.NewEvent(protocol.EventTurnAborted, map[string]interface{}{
			"sessionKey": run.SessionKey,
			"aborted":    true,
		}))
		return
	}
	d.notify(protocol.NewEvent(protocol.EventTurnReply, map[string]interface{}{
		"sessionKey": run.SessionKey,
		"channel":    run.Event.Channel,
		"to":         run.Event.ConversationID,
		"text":       res.ReplyText,
	}))
}

// Announce enqueues a scheduled announcement as a followup for the
// session, addressed by its stored delivery context.
func (d *Dispatcher) Announce(ctx context.Context, sessionKey string, delivery sessions.DeliveryContext, text string) {
	entry := d.sessions.LoadEntry(ctx, sessionKey)
	if entry == nil {
		d.log.Warn("dispatch: announce for unknown session", "session_key", sessionKey)
		return
	}

	_, _, policy := d.snapshot()
	run := queue.Run{
		SessionKey: sessionKey,
		SessionID:  entry.SessionID,
		Event: bus.InboundEvent{
			Channel:        delivery.Channel,
			AccountID:      delivery.AccountID,
			ConversationID: delivery.To,
			ThreadID:       delivery.ThreadID,
			Text:           text,
			Timestamp:      time.Now(),
		},
	}
	if !d.queues.TryAcquire(sessionKey) {
		if err := d.queues.Enqueue(sessionKey, run, policy); err != nil {
			d.log.Warn("dispatch: announce rejected", "session_key", sessionKey, "error", err)
		}
		return
	}
	resolver, _, _ := d.snapshot()
	go d.runTurns(resolver.Resolve(run.Event), run)
}

// ListSessions exposes the store listing for the gateway surface.
func (d *Dispatcher) ListSessions(ctx context.Context, agentID string) ([]sessions.Entry, error) {
	return d.sessions.List(ctx, agentID)
}
