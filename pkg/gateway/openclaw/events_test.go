package openclaw

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type gatewayConn struct {
	ws      *websocket.Conn
	connect map[string]any
	frames  chan map[string]any
}

type fakeGateway struct {
	srv    *httptest.Server
	conns  chan *gatewayConn
	reject string
}

func newFakeGateway(t *testing.T, reject string) *fakeGateway {
	t.Helper()
	g := &fakeGateway{conns: make(chan *gatewayConn, 4), reject: reject}
	up := websocket.Upgrader{}
	g.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_, data, err := ws.ReadMessage()
		if err != nil {
			_ = ws.Close()
			return
		}
		var req map[string]any
		_ = json.Unmarshal(data, &req)

		_ = ws.WriteJSON(map[string]any{"type": "event", "event": "connect.challenge", "payload": map[string]any{"nonce": "n"}})
		if g.reject != "" {
			_ = ws.WriteJSON(map[string]any{"type": "res", "id": req["id"], "ok": false, "error": map[string]any{"message": g.reject}})
			_ = ws.Close()
			return
		}
		_ = ws.WriteJSON(map[string]any{"type": "res", "id": req["id"], "ok": true})

		gc := &gatewayConn{ws: ws, connect: req, frames: make(chan map[string]any, 16)}
		g.conns <- gc
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				close(gc.frames)
				return
			}
			var m map[string]any
			if json.Unmarshal(data, &m) == nil {
				gc.frames <- m
			}
		}
	}))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *fakeGateway) wsURL() string {
	return "ws" + strings.TrimPrefix(g.srv.URL, "http")
}

func (g *fakeGateway) nextConn(t *testing.T) *gatewayConn {
	t.Helper()
	select {
	case gc := <-g.conns:
		return gc
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for gateway connection")
		return nil
	}
}

func (gc *gatewayConn) nextFrame(t *testing.T) map[string]any {
	t.Helper()
	select {
	case m, ok := <-gc.frames:
		if !ok {
			t.Fatalf("gateway connection closed")
		}
		return m
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for frame")
		return nil
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func nodeEvent(t *testing.T, frame map[string]any) (string, string) {
	t.Helper()
	if frame["method"] != "node.event" {
		t.Fatalf("method=%v, want node.event", frame["method"])
	}
	params, _ := frame["params"].(map[string]any)
	event, _ := params["event"].(string)
	var payload struct {
		SessionKey string `json:"sessionKey"`
	}
	raw, _ := params["payloadJSON"].(string)
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		t.Fatalf("payloadJSON=%q: %v", raw, err)
	}
	return event, payload.SessionKey
}

func waitConnected(t *testing.T, c *EventClient) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !c.Connected() {
		if time.Now().After(deadline) {
			t.Fatalf("client never connected")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEventClientHandshakeSubscribeAndRoute(t *testing.T) {
	g := newFakeGateway(t, "")
	c := NewEventClient(g.wsURL(), "tok", WithLogger(discardLogger()), WithBackoff(10*time.Millisecond, 20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	gc := g.nextConn(t)
	if gc.connect["type"] != "req" || gc.connect["method"] != "connect" {
		t.Fatalf("connect frame=%v", gc.connect)
	}
	params, _ := gc.connect["params"].(map[string]any)
	auth, _ := params["auth"].(map[string]any)
	client, _ := params["client"].(map[string]any)
	if auth["token"] != "tok" || client["id"] != "node-host" || params["role"] != "node" {
		t.Fatalf("connect params=%v", params)
	}
	if params["minProtocol"] != float64(1) || params["maxProtocol"] != float64(100) {
		t.Fatalf("protocol range=%v..%v", params["minProtocol"], params["maxProtocol"])
	}
	waitConnected(t, c)

	const key = "agent:main:abc123"
	stale := make(chan string, 4)
	if err := c.Subscribe(key, func(event string, p EventPayload) { stale <- event }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if ev, k := nodeEvent(t, gc.nextFrame(t)); ev != "chat.subscribe" || k != key {
		t.Fatalf("got %s %s, want chat.subscribe %s", ev, k, key)
	}

	type delivered struct {
		event   string
		payload EventPayload
	}
	got := make(chan delivered, 4)
	if err := c.Subscribe(key, func(event string, p EventPayload) { got <- delivered{event, p} }); err != nil {
		t.Fatalf("Subscribe again: %v", err)
	}

	_ = gc.ws.WriteJSON(map[string]any{"type": "event", "event": "agent", "payload": map[string]any{"sessionKey": "other", "stream": "tool"}})
	_ = gc.ws.WriteJSON(map[string]any{"type": "res", "id": "x", "ok": true})
	_ = gc.ws.WriteJSON(map[string]any{
		"type":  "event",
		"event": "agent",
		"payload": map[string]any{
			"sessionKey": key,
			"stream":     "tool",
			"data":       map[string]any{"phase": "start", "name": "web_search"},
		},
	})

	select {
	case d := <-got:
		if d.event != "agent" || d.payload.Stream != "tool" {
			t.Fatalf("delivered=%+v", d)
		}
		if tool := d.payload.Tool(); tool.Phase != "start" || tool.Name != "web_search" {
			t.Fatalf("tool=%+v", tool)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("event not delivered")
	}
	select {
	case ev := <-stale:
		t.Fatalf("replaced handler received %q", ev)
	default:
	}

	if err := c.Unsubscribe(key); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	// A duplicate chat.subscribe here would mean the second Subscribe resent it.
	if ev, k := nodeEvent(t, gc.nextFrame(t)); ev != "chat.unsubscribe" || k != key {
		t.Fatalf("got %s %s, want chat.unsubscribe %s", ev, k, key)
	}
}

func TestEventClientResubscribesAfterReconnect(t *testing.T) {
	g := newFakeGateway(t, "")
	c := NewEventClient(g.wsURL(), "", WithLogger(discardLogger()), WithBackoff(10*time.Millisecond, 20*time.Millisecond))

	const key = "agent:main:call1"
	if err := c.Subscribe(key, func(string, EventPayload) {}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	first := g.nextConn(t)
	params, _ := first.connect["params"].(map[string]any)
	if params["auth"] != nil {
		t.Fatalf("auth=%v, want null without token", params["auth"])
	}
	if ev, k := nodeEvent(t, first.nextFrame(t)); ev != "chat.subscribe" || k != key {
		t.Fatalf("got %s %s on first connection", ev, k)
	}

	_ = first.ws.Close()

	second := g.nextConn(t)
	if ev, k := nodeEvent(t, second.nextFrame(t)); ev != "chat.subscribe" || k != key {
		t.Fatalf("got %s %s after reconnect", ev, k)
	}
}

func TestEventClientRejectedHandshake(t *testing.T) {
	g := newFakeGateway(t, "invalid token")
	c := NewEventClient(g.wsURL(), "bad", WithLogger(discardLogger()), WithHandshakeTimeout(2*time.Second))

	conn, err := c.connect(context.Background())
	if err == nil {
		_ = conn.Close()
		t.Fatalf("expected handshake error")
	}
	if !strings.Contains(err.Error(), "invalid token") {
		t.Fatalf("err=%v, want gateway reason", err)
	}
	if c.Connected() {
		t.Fatalf("Connected()=true after rejected handshake")
	}
}

func TestEventPayloadToolNonObject(t *testing.T) {
	for _, raw := range []string{``, `"text"`, `[1,2]`, `null`} {
		p := EventPayload{Data: json.RawMessage(raw)}
		if tool := p.Tool(); tool != (ToolData{}) {
			t.Fatalf("Tool(%q)=%+v, want zero", raw, tool)
		}
	}
}

func TestSubscribeWhileDisconnectedDoesNotSend(t *testing.T) {
	c := NewEventClient("", "", WithLogger(discardLogger()))
	if c.url != DefaultWSURL {
		t.Fatalf("url=%q, want default", c.url)
	}
	if err := c.Subscribe("k", func(string, EventPayload) {}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := c.Unsubscribe("k"); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
}
