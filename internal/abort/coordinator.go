package abort

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/switchboard/internal/bus"
	"github.com/nextlevelbuilder/switchboard/internal/queue"
	"github.com/nextlevelbuilder/switchboard/internal/sessions"
	"github.com/nextlevelbuilder/switchboard/internal/subagents"
)

// Aborter is the runtime's stop hook.
type Aborter interface {
	Abort(ctx context.Context, sessionID string) bool
}

// RunLister looks up subagent runs spawned by a requester session.
type RunLister interface {
	ListRunsForRequester(ctx context.Context, requesterKey string) ([]subagents.Run, error)
}

// Result reports what an abort request did. Handled means the message was
// consumed as a control action and must not reach the runtime as content,
// whether or not anything was running.
type Result struct {
	Handled          bool
	Aborted          bool
	StoppedSubagents int
}

// abortMemoryTTL bounds how long a pre-turn abort intent stays pending.
const abortMemoryTTL = time.Minute

// Coordinator executes stop requests. Runtime aborts are fire-and-forget;
// queue clearing and the persisted abortedLastRun flag complete before the
// result is returned.
type Coordinator struct {
	sessions  *sessions.Manager
	queues    *queue.Manager
	registry  RunLister
	rt        Aborter
	authorize func(bus.InboundEvent) bool
	log       *slog.Logger
	now       func() time.Time

	mu     sync.Mutex
	memory map[string]time.Time // target key -> intent recorded at
}

// Opts configures a Coordinator. Authorize decides whether the sender may
// issue control commands; nil denies everyone.
type Opts struct {
	Sessions  *sessions.Manager
	Queues    *queue.Manager
	Registry  RunLister
	Runtime   Aborter
	Authorize func(bus.InboundEvent) bool
	Logger    *slog.Logger
}

func NewCoordinator(opts Opts) *Coordinator {
	authorize := opts.Authorize
	if authorize == nil {
		authorize = func(bus.InboundEvent) bool { return false }
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		sessions:  opts.Sessions,
		queues:    opts.Queues,
		registry:  opts.Registry,
		rt:        opts.Runtime,
		authorize: authorize,
		log:       log,
		now:       time.Now,
		memory:    make(map[string]time.Time),
	}
}

// Handle inspects one inbound event and, when it is an authorized stop
// request, executes the abort against the resolved target session. A
// non-trigger or unauthorized message returns Handled=false and flows on
// as ordinary content.
func (c *Coordinator) Handle(ctx context.Context, ev bus.InboundEvent, sessionKey string) Result {
	if !IsTrigger(ev.Text) {
		return Result{}
	}
	if !c.authorize(ev) {
		// Silently ignored: no error, no hint the session exists.
		return Result{}
	}

	// A native command target wins over the ambient session key.
	target := sessionKey
	if ev.TargetSessionKey != "" {
		target = ev.TargetSessionKey
	}

	entry := c.sessions.LoadEntry(ctx, target)
	if entry == nil || entry.SessionID == "" {
		// Abort raced ahead of the first recorded turn. Remember the
		// intent and still flush anything already queued.
		c.rememberIntent(target)
		res := c.queues.Clear([]string{target})
		c.log.Info("abort: no active session, intent recorded",
			"session_key", target, "followups_cleared", res.FollowupCleared, "lane_cleared", res.LaneCleared)
		return Result{Handled: true}
	}

	aborted := c.rt.Abort(ctx, entry.SessionID)
	res := c.queues.Clear([]string{target})
	c.log.Info("abort: stopped session",
		"session_key", target, "aborted", aborted,
		"followups_cleared", res.FollowupCleared, "lane_cleared", res.LaneCleared)

	stopped := c.stopChildren(ctx, target)

	if err := c.sessions.SetAbortedLastRun(ctx, target, true); err != nil {
		c.log.Warn("abort: failed to persist aborted flag", "session_key", target, "error", err)
	}

	return Result{Handled: true, Aborted: aborted, StoppedSubagents: stopped}
}

// stopChildren aborts every active subagent spawned by the target,
// de-duplicated by child session key so one child never stops twice.
func (c *Coordinator) stopChildren(ctx context.Context, target string) int {
	if c.registry == nil {
		return 0
	}
	runs, err := c.registry.ListRunsForRequester(ctx, target)
	if err != nil {
		c.log.Warn("abort: subagent lookup failed", "session_key", target, "error", err)
		return 0
	}

	seen := make(map[string]bool)
	stopped := 0
	for _, run := range runs {
		if !run.Active() || seen[run.ChildSessionKey] {
			continue
		}
		seen[run.ChildSessionKey] = true

		res := c.queues.Clear([]string{run.ChildSessionKey})
		childAborted := false
		if entry := c.sessions.LoadEntry(ctx, run.ChildSessionKey); entry != nil && entry.SessionID != "" {
			childAborted = c.rt.Abort(ctx, entry.SessionID)
		}
		// A child counts as stopped only when the abort visibly did
		// something: the runtime confirmed, or pending work was flushed.
		if childAborted || res.FollowupCleared > 0 || res.LaneCleared > 0 {
			stopped++
			c.log.Info("abort: stopped subagent",
				"child_key", run.ChildSessionKey, "runtime_aborted", childAborted,
				"followups_cleared", res.FollowupCleared, "lane_cleared", res.LaneCleared)
		}
	}
	return stopped
}

func (c *Coordinator) rememberIntent(target string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.memory[target] = c.now()
}

// ConsumeIntent reports and clears a pending pre-turn abort intent for the
// key. Dispatchers consult this when a session's first turn starts.
func (c *Coordinator) ConsumeIntent(target string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	at, ok := c.memory[target]
	if !ok {
		return false
	}
	delete(c.memory, target)
	return c.now().Sub(at) <= abortMemoryTTL
}
