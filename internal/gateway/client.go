package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 50 * time.Second
	maxFrameBytes  = 512 * 1024
	sendBufferSize = 64
)

// Client is one connected websocket peer (a channel adapter or a control
// client).
type Client struct {
	id   string
	conn *websocket.Conn
	srv  *Server

	send chan interface{}
	once sync.Once
	done chan struct{}
}

func NewClient(conn *websocket.Conn, srv *Server) *Client {
	return &Client{
		id:   uuid.NewString(),
		conn: conn,
		srv:  srv,
		send: make(chan interface{}, sendBufferSize),
		done: make(chan struct{}),
	}
}

// SendEvent queues a push frame; a slow client drops rather than blocks
// the broadcaster.
func (c *Client) SendEvent(ev *protocol.EventFrame) {
	select {
	case c.send <- ev:
	case <-c.done:
	default:
		slog.Warn("gateway: dropping event for slow client", "client", c.id, "event", ev.Name)
	}
}

func (c *Client) sendResponse(res *protocol.ResponseFrame) {
	select {
	case c.send <- res:
	case <-c.done:
	}
}

func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// Run pumps the connection until it drops or ctx ends.
func (c *Client) Run(ctx context.Context) {
	go c.writePump()
	c.readPump(ctx)
}

func (c *Client) readPump(ctx context.Context) {
	defer c.Close()
	c.conn.SetReadLimit(maxFrameBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("gateway: read failed", "client", c.id, "error", err)
			}
			return
		}

		var req protocol.RequestFrame
		if err := json.Unmarshal(data, &req); err != nil {
			c.sendResponse(protocol.NewErrorResponse("", protocol.ErrBadRequest, "malformed frame"))
			continue
		}
		c.srv.dispatchRequest(ctx, c, &req)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
