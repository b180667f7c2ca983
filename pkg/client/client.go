// Package client is a small WebSocket client for the switchboard gateway.
// Chat transports use it to inject inbound events and to receive turn
// replies without depending on gateway internals.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

// EventHandler receives pushed event frames (turn.reply, turn.aborted).
type EventHandler func(name string, payload json.RawMessage)

// Client speaks the gateway's request/response protocol over a single
// WebSocket connection. Safe for concurrent use.
type Client struct {
	conn    *websocket.Conn
	onEvent EventHandler

	mu      sync.Mutex
	pending map[string]chan *rawResponse

	closeOnce sync.Once
	done      chan struct{}
}

type rawResponse struct {
	OK     bool                `json:"ok"`
	Result json.RawMessage     `json:"result"`
	Error  *protocol.ErrorInfo `json:"error"`
}

type rawFrame struct {
	Type    string              `json:"type"`
	ID      string              `json:"id"`
	Name    string              `json:"name"`
	OK      bool                `json:"ok"`
	Result  json.RawMessage     `json:"result"`
	Error   *protocol.ErrorInfo `json:"error"`
	Payload json.RawMessage     `json:"payload"`
}

// Options configures Dial.
type Options struct {
	// Token is sent as a Bearer header when non-empty.
	Token string
	// OnEvent receives pushed events. May be nil.
	OnEvent EventHandler
}

// Dial connects to a gateway at wsURL (ws://host:port/ws) and starts the
// read loop. The caller must Close the client when done.
func Dial(ctx context.Context, wsURL string, opts Options) (*Client, error) {
	var header http.Header
	if opts.Token != "" {
		header = http.Header{"Authorization": []string{"Bearer " + opts.Token}}
	}
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", wsURL, err)
	}
	conn.SetReadLimit(1 << 20)
	c := &Client{
		conn:    conn,
		onEvent: opts.OnEvent,
		pending: make(map[string]chan *rawResponse),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Close sends a close frame and stops the read loop. Pending calls fail.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close(websocket.StatusNormalClosure, "client closed")
	})
}

func (c *Client) readLoop() {
	ctx := context.Background()
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			c.failPending()
			return
		}
		var frame rawFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		switch frame.Type {
		case "res":
			c.mu.Lock()
			ch, ok := c.pending[frame.ID]
			if ok {
				delete(c.pending, frame.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- &rawResponse{OK: frame.OK, Result: frame.Result, Error: frame.Error}
			}
		case "event":
			if c.onEvent != nil {
				c.onEvent(frame.Name, frame.Payload)
			}
		}
	}
}

func (c *Client) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
}

// Call sends a request and waits for the matching response. The result, if
// any, is unmarshaled into out (pass nil to discard).
func (c *Client) Call(ctx context.Context, method string, params interface{}, out interface{}) error {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("client: marshal params: %w", err)
		}
		raw = b
	}
	id := uuid.NewString()
	ch := make(chan *rawResponse, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	frame := protocol.RequestFrame{Type: "req", ID: id, Method: method, Params: raw}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("client: marshal request: %w", err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("client: write: %w", err)
	}

	select {
	case res, ok := <-ch:
		if !ok {
			return fmt.Errorf("client: connection closed")
		}
		if !res.OK {
			if res.Error != nil {
				return fmt.Errorf("client: %s: %s", res.Error.Code, res.Error.Message)
			}
			return fmt.Errorf("client: request failed")
		}
		if out != nil && len(res.Result) > 0 {
			if err := json.Unmarshal(res.Result, out); err != nil {
				return fmt.Errorf("client: unmarshal result: %w", err)
			}
		}
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("client: closed")
	}
}

// InjectEvent submits an inbound chat event for dispatch.
func (c *Client) InjectEvent(ctx context.Context, ev protocol.InboundEvent) error {
	return c.Call(ctx, protocol.MethodEventInbound, ev, nil)
}

// AbortResult reports what an abort request did.
type AbortResult struct {
	Handled          bool `json:"handled"`
	Aborted          bool `json:"aborted"`
	StoppedSubagents int  `json:"stoppedSubagents"`
}

// Abort asks the gateway to stop the turn owning the conversation's session.
func (c *Client) Abort(ctx context.Context, channel, senderID, conversationID, targetKey string) (AbortResult, error) {
	params := map[string]string{
		"channel":         channel,
		"sender_id":       senderID,
		"conversation_id": conversationID,
	}
	if targetKey != "" {
		params["target_session_key"] = targetKey
	}
	var res AbortResult
	err := c.Call(ctx, protocol.MethodAbort, params, &res)
	return res, err
}

// Health checks the gateway is responsive.
func (c *Client) Health(ctx context.Context) error {
	return c.Call(ctx, protocol.MethodHealth, nil, nil)
}
