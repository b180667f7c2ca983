// Package gateway is the websocket ingress: channel adapters submit
// normalized inbound events, control clients issue aborts and queries,
// and turn outcomes are pushed back as events.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/switchboard/internal/announce"
	"github.com/nextlevelbuilder/switchboard/internal/bus"
	"github.com/nextlevelbuilder/switchboard/internal/config"
	"github.com/nextlevelbuilder/switchboard/internal/dispatch"
	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

// Server terminates websocket connections and routes method calls into
// the dispatcher.
type Server struct {
	cfg        config.GatewayConfig
	dispatcher *dispatch.Dispatcher
	scheduler  *announce.Scheduler

	upgrader    websocket.Upgrader
	rateLimiter *RateLimiter

	mu      sync.RWMutex
	clients map[string]*Client

	httpServer *http.Server
	maxChars   int
}

func NewServer(cfg config.GatewayConfig, d *dispatch.Dispatcher, sched *announce.Scheduler) *Server {
	s := &Server{
		cfg:         cfg,
		dispatcher:  d,
		scheduler:   sched,
		clients:     make(map[string]*Client),
		rateLimiter: NewRateLimiter(cfg.RateLimitRPM, 5),
		maxChars:    cfg.MaxMessageChars,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// Adapters are non-browser clients; origin enforcement adds
		// nothing over the token check.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return s
}

// BuildMux registers the HTTP routes.
func (s *Server) BuildMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start listens until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: s.BuildMux()}

	slog.Info("gateway starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	token := r.Header.Get("Authorization")
	if len(token) > 7 && token[:7] == "Bearer " {
		token = token[7:]
	}
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Token)) == 1
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("gateway: websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(conn, s)
	s.registerClient(client)
	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()
	client.Run(r.Context())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.ProtocolVersion)
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.id] = c
	slog.Info("gateway: client connected", "id", c.id)
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c.id)
	s.rateLimiter.Forget(c.id)
	slog.Info("gateway: client disconnected", "id", c.id)
}

// BroadcastEvent pushes an event frame to every connected client. Used as
// the dispatcher's notifier.
func (s *Server) BroadcastEvent(ev *protocol.EventFrame) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, client := range s.clients {
		client.SendEvent(ev)
	}
}

// abortParams is the payload of the abort method: enough sender context
// to authorize, plus an optional explicit target.
type abortParams struct {
	Channel          string `json:"channel"`
	AccountID        string `json:"account_id,omitempty"`
	SenderID         string `json:"sender_id"`
	ConversationID   string `json:"conversation_id"`
	TargetSessionKey string `json:"target_session_key,omitempty"`
}

type scheduleParams struct {
	Cron       string `json:"cron"`
	SessionKey string `json:"session_key"`
	Text       string `json:"text"`
}

type listParams struct {
	AgentID string `json:"agent_id"`
}

func (s *Server) dispatchRequest(ctx context.Context, c *Client, req *protocol.RequestFrame) {
	if !s.rateLimiter.Allow(c.id) {
		c.sendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrRateLimited, "rate limit exceeded"))
		return
	}

	switch req.Method {
	case protocol.MethodEventInbound:
		s.handleEventInbound(ctx, c, req)
	case protocol.MethodAbort:
		s.handleAbort(ctx, c, req)
	case protocol.MethodSessionsList:
		s.handleSessionsList(ctx, c, req)
	case protocol.MethodAnnounceSchedule:
		s.handleAnnounceSchedule(c, req)
	case protocol.MethodHealth:
		c.sendResponse(protocol.NewResponse(req.ID, map[string]interface{}{
			"status":   "ok",
			"protocol": protocol.ProtocolVersion,
		}))
	default:
		c.sendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrUnknownMethod, req.Method))
	}
}

func (s *Server) handleEventInbound(ctx context.Context, c *Client, req *protocol.RequestFrame) {
	var ev bus.InboundEvent
	if err := json.Unmarshal(req.Params, &ev); err != nil {
		c.sendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrBadRequest, "malformed event"))
		return
	}
	if ev.Channel == "" || ev.SenderID == "" || ev.ConversationID == "" {
		c.sendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrBadRequest, "channel, sender_id and conversation_id are required"))
		return
	}
	if s.maxChars > 0 && len(ev.Text) > s.maxChars {
		c.sendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrBadRequest, "message too large"))
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	s.dispatcher.HandleInbound(ctx, ev)
	c.sendResponse(protocol.NewResponse(req.ID, map[string]interface{}{"accepted": true}))
}

func (s *Server) handleAbort(ctx context.Context, c *Client, req *protocol.RequestFrame) {
	var p abortParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		c.sendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrBadRequest, "malformed params"))
		return
	}
	res := s.dispatcher.Abort(ctx, bus.InboundEvent{
		Channel:          p.Channel,
		AccountID:        p.AccountID,
		SenderID:         p.SenderID,
		ConversationID:   p.ConversationID,
		TargetSessionKey: p.TargetSessionKey,
		Text:             "/stop",
	})
	c.sendResponse(protocol.NewResponse(req.ID, map[string]interface{}{
		"handled":          res.Handled,
		"aborted":          res.Aborted,
		"stoppedSubagents": res.StoppedSubagents,
	}))
}

func (s *Server) handleSessionsList(ctx context.Context, c *Client, req *protocol.RequestFrame) {
	var p listParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			c.sendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrBadRequest, "malformed params"))
			return
		}
	}
	entries, err := s.dispatcher.ListSessions(ctx, p.AgentID)
	if err != nil {
		c.sendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInternal, err.Error()))
		return
	}
	c.sendResponse(protocol.NewResponse(req.ID, map[string]interface{}{"sessions": entries}))
}

func (s *Server) handleAnnounceSchedule(c *Client, req *protocol.RequestFrame) {
	if s.scheduler == nil {
		c.sendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrBadRequest, "announcements disabled"))
		return
	}
	var p scheduleParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		c.sendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrBadRequest, "malformed params"))
		return
	}
	if err := s.scheduler.Add(announce.Item{Cron: p.Cron, SessionKey: p.SessionKey, Text: p.Text}); err != nil {
		c.sendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrBadRequest, err.Error()))
		return
	}
	c.sendResponse(protocol.NewResponse(req.ID, map[string]interface{}{"scheduled": true}))
}
