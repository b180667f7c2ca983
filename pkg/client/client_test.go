package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

// fakeGateway answers every request with a canned handler and can push
// event frames to the connected client.
type fakeGateway struct {
	ts     *httptest.Server
	handle func(req protocol.RequestFrame) *protocol.ResponseFrame

	connCh chan *websocket.Conn
}

func newFakeGateway(t *testing.T, handle func(protocol.RequestFrame) *protocol.ResponseFrame) *fakeGateway {
	t.Helper()
	g := &fakeGateway{handle: handle, connCh: make(chan *websocket.Conn, 1)}
	upgrader := websocket.Upgrader{}
	g.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		g.connCh <- conn
		for {
			var req protocol.RequestFrame
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			if res := g.handle(req); res != nil {
				conn.WriteJSON(res)
			}
		}
	}))
	t.Cleanup(g.ts.Close)
	return g
}

func (g *fakeGateway) url() string {
	return "ws" + strings.TrimPrefix(g.ts.URL, "http")
}

func TestClient_CallRoundTrip(t *testing.T) {
	g := newFakeGateway(t, func(req protocol.RequestFrame) *protocol.ResponseFrame {
		if req.Method != protocol.MethodEventInbound {
			return protocol.NewErrorResponse(req.ID, protocol.ErrUnknownMethod, req.Method)
		}
		var ev protocol.InboundEvent
		if err := json.Unmarshal(req.Params, &ev); err != nil || ev.Text != "hello" {
			return protocol.NewErrorResponse(req.ID, protocol.ErrBadRequest, "bad event")
		}
		return protocol.NewResponse(req.ID, map[string]bool{"accepted": true})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, err := Dial(ctx, g.url(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.InjectEvent(ctx, protocol.InboundEvent{Channel: "telegram", SenderID: "1", ConversationID: "1", Text: "hello"}); err != nil {
		t.Fatalf("InjectEvent: %v", err)
	}
}

func TestClient_ErrorResponse(t *testing.T) {
	g := newFakeGateway(t, func(req protocol.RequestFrame) *protocol.ResponseFrame {
		return protocol.NewErrorResponse(req.ID, protocol.ErrUnauthorized, "no")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, err := Dial(ctx, g.url(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	err = c.Health(ctx)
	if err == nil || !strings.Contains(err.Error(), "unauthorized") {
		t.Fatalf("err = %v, want unauthorized", err)
	}
}

func TestClient_AbortResult(t *testing.T) {
	g := newFakeGateway(t, func(req protocol.RequestFrame) *protocol.ResponseFrame {
		var p map[string]string
		json.Unmarshal(req.Params, &p)
		if p["target_session_key"] != "agent:main:main" {
			return protocol.NewErrorResponse(req.ID, protocol.ErrBadRequest, "missing target")
		}
		return protocol.NewResponse(req.ID, map[string]interface{}{
			"handled": true, "aborted": true, "stoppedSubagents": 2,
		})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, err := Dial(ctx, g.url(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	res, err := c.Abort(ctx, "telegram", "1", "1", "agent:main:main")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Handled || !res.Aborted || res.StoppedSubagents != 2 {
		t.Errorf("res = %+v", res)
	}
}

func TestClient_ReceivesEvents(t *testing.T) {
	g := newFakeGateway(t, func(req protocol.RequestFrame) *protocol.ResponseFrame {
		return protocol.NewResponse(req.ID, nil)
	})

	got := make(chan string, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, err := Dial(ctx, g.url(), Options{OnEvent: func(name string, payload json.RawMessage) {
		var p map[string]string
		json.Unmarshal(payload, &p)
		got <- name + ":" + p["text"]
	}})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	conn := <-g.connCh
	conn.WriteJSON(protocol.NewEvent(protocol.EventTurnReply, map[string]string{"text": "done"}))

	select {
	case v := <-got:
		if v != protocol.EventTurnReply+":done" {
			t.Errorf("event = %q", v)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no event received")
	}
}
