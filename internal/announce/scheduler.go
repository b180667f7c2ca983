// Package announce delivers scheduled out-of-band messages to sessions.
// Delivery reuses the session's stored delivery context, so announcements
// reach wherever the session last talked.
package announce

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/switchboard/internal/sessions"
)

// Item is one scheduled announcement.
type Item struct {
	Cron       string
	SessionKey string
	Text       string
}

// DeliverFunc hands a due announcement to the dispatcher, which enqueues
// it as a followup for the session.
type DeliverFunc func(ctx context.Context, sessionKey string, delivery sessions.DeliveryContext, text string)

// Scheduler ticks once a minute and fires every item whose cron
// expression is due.
type Scheduler struct {
	gron     *gronx.Gronx
	sessions *sessions.Manager
	deliver  DeliverFunc
	log      *slog.Logger

	mu    sync.Mutex
	items []Item
}

func NewScheduler(mgr *sessions.Manager, deliver DeliverFunc) *Scheduler {
	return &Scheduler{
		gron:     gronx.New(),
		sessions: mgr,
		deliver:  deliver,
		log:      slog.Default(),
	}
}

// SetItems replaces the schedule, validating every expression. Called at
// startup and on config reload.
func (s *Scheduler) SetItems(items []Item) error {
	for _, it := range items {
		if !s.gron.IsValid(it.Cron) {
			return fmt.Errorf("invalid cron expression %q for %s", it.Cron, it.SessionKey)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append([]Item(nil), items...)
	return nil
}

// Add schedules one more item at runtime (gateway announce.schedule).
func (s *Scheduler) Add(item Item) error {
	if !s.gron.IsValid(item.Cron) {
		return fmt.Errorf("invalid cron expression %q", item.Cron)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, item)
	return nil
}

// Items returns a snapshot of the schedule.
func (s *Scheduler) Items() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Item(nil), s.items...)
}

// Start runs the minute loop until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

// tick fires everything due at now.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	for _, it := range s.Items() {
		due, err := s.gron.IsDue(it.Cron, now)
		if err != nil {
			s.log.Warn("announce: cron evaluation failed", "expr", it.Cron, "error", err)
			continue
		}
		if !due {
			continue
		}
		s.fire(ctx, it)
	}
}

func (s *Scheduler) fire(ctx context.Context, it Item) {
	entry := s.sessions.LoadEntry(ctx, it.SessionKey)
	if entry == nil || entry.Delivery.Channel == "" {
		// Nothing has talked on this session yet, nowhere to deliver.
		s.log.Warn("announce: no delivery context, skipping", "session_key", it.SessionKey)
		return
	}
	s.log.Info("announce: delivering", "session_key", it.SessionKey, "channel", entry.Delivery.Channel)
	s.deliver(ctx, it.SessionKey, entry.Delivery, it.Text)
}
