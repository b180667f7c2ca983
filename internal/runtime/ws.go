package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// WSOptions configures DialWS.
type WSOptions struct {
	// Token is sent as a Bearer header when non-empty.
	Token string
	// RequestTimeout bounds a single turn when the caller's context has no
	// deadline. Zero means DefaultRequestTimeout.
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// DefaultRequestTimeout is generous: turns include model calls.
const DefaultRequestTimeout = 10 * time.Minute

// wsRequest is one frame to the runtime.
type wsRequest struct {
	ID     string      `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params,omitempty"`
}

// wsResponse is one frame back.
type wsResponse struct {
	ID     string          `json:"id"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// WSRuntime talks to the agent runtime over a single WebSocket connection
// with JSON request/response frames. Safe for concurrent use; the runtime
// may interleave responses across in-flight turns.
type WSRuntime struct {
	conn    *websocket.Conn
	timeout time.Duration
	log     *slog.Logger

	mu      sync.Mutex
	pending map[string]chan wsResponse

	closeOnce sync.Once
	done      chan struct{}
}

var _ Runtime = (*WSRuntime)(nil)

// DialWS connects to the runtime endpoint and starts the read loop.
func DialWS(ctx context.Context, url string, opts WSOptions) (*WSRuntime, error) {
	var header http.Header
	if opts.Token != "" {
		header = http.Header{"Authorization": []string{"Bearer " + opts.Token}}
	}
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("runtime: dial %s: %w", url, err)
	}
	conn.SetReadLimit(1 << 22) // turns can carry large transcripts

	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	r := &WSRuntime{
		conn:    conn,
		timeout: timeout,
		log:     log,
		pending: make(map[string]chan wsResponse),
		done:    make(chan struct{}),
	}
	go r.readLoop()
	return r, nil
}

// Close shuts down the connection. In-flight calls fail.
func (r *WSRuntime) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
		r.conn.Close(websocket.StatusNormalClosure, "closed")
	})
}

func (r *WSRuntime) readLoop() {
	ctx := context.Background()
	for {
		_, data, err := r.conn.Read(ctx)
		if err != nil {
			r.log.Warn("runtime: connection lost", "error", err)
			r.mu.Lock()
			for id, ch := range r.pending {
				delete(r.pending, id)
				close(ch)
			}
			r.mu.Unlock()
			return
		}
		var res wsResponse
		if err := json.Unmarshal(data, &res); err != nil {
			r.log.Warn("runtime: malformed frame", "error", err)
			continue
		}
		r.mu.Lock()
		ch, ok := r.pending[res.ID]
		if ok {
			delete(r.pending, res.ID)
		}
		r.mu.Unlock()
		if ok {
			ch <- res
		}
	}
}

func (r *WSRuntime) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	id := uuid.NewString()
	ch := make(chan wsResponse, 1)
	r.mu.Lock()
	r.pending[id] = ch
	r.mu.Unlock()

	data, err := json.Marshal(wsRequest{ID: id, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("runtime: marshal %s: %w", method, err)
	}
	if err := r.conn.Write(ctx, websocket.MessageText, data); err != nil {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
		return fmt.Errorf("runtime: write %s: %w", method, err)
	}

	select {
	case res, ok := <-ch:
		if !ok {
			return fmt.Errorf("runtime: connection closed during %s", method)
		}
		if !res.OK {
			return fmt.Errorf("runtime: %s: %s", method, res.Error)
		}
		if out != nil && len(res.Result) > 0 {
			if err := json.Unmarshal(res.Result, out); err != nil {
				return fmt.Errorf("runtime: unmarshal %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
		return ctx.Err()
	case <-r.done:
		return fmt.Errorf("runtime: closed during %s", method)
	}
}

type turnParams struct {
	SessionKey   string `json:"session_key"`
	SessionID    string `json:"session_id"`
	IsNewSession bool   `json:"is_new_session"`
	AgentID      string `json:"agent_id"`
	Text         string `json:"text"`
	Channel      string `json:"channel"`
	SenderID     string `json:"sender_id"`
}

type turnReply struct {
	ReplyText string `json:"reply_text"`
	Aborted   bool   `json:"aborted"`
}

// StartOrResumeTurn implements Runtime.
func (r *WSRuntime) StartOrResumeTurn(ctx context.Context, req TurnRequest) (TurnResult, error) {
	var reply turnReply
	err := r.call(ctx, "turn.start", turnParams{
		SessionKey:   req.SessionKey,
		SessionID:    req.SessionID,
		IsNewSession: req.IsNewSession,
		AgentID:      req.AgentID,
		Text:         req.Text,
		Channel:      req.Event.Channel,
		SenderID:     req.Event.SenderID,
	}, &reply)
	if err != nil {
		return TurnResult{}, err
	}
	return TurnResult{ReplyText: reply.ReplyText, Aborted: reply.Aborted}, nil
}

// Abort implements Runtime. Failures count as "nothing was running".
func (r *WSRuntime) Abort(ctx context.Context, sessionID string) bool {
	var res struct {
		Aborted bool `json:"aborted"`
	}
	if err := r.call(ctx, "turn.abort", map[string]string{"session_id": sessionID}, &res); err != nil {
		r.log.Warn("runtime: abort failed", "session_id", sessionID, "error", err)
		return false
	}
	return res.Aborted
}

// ForkSession implements Runtime.
func (r *WSRuntime) ForkSession(ctx context.Context, parentSessionID string) (string, error) {
	var res struct {
		SessionID string `json:"session_id"`
	}
	if err := r.call(ctx, "session.fork", map[string]string{"parent_session_id": parentSessionID}, &res); err != nil {
		return "", err
	}
	if res.SessionID == "" {
		return "", fmt.Errorf("runtime: fork returned empty session id")
	}
	return res.SessionID, nil
}
