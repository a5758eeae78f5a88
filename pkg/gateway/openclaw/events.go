package openclaw

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	clientID      = "node-host"
	clientVersion = "1.0"
	clientMode    = "node"
	maxFrameBytes = 25 << 20
)

// EventPayload is the session-scoped body of a gateway `event` frame.
type EventPayload struct {
	SessionKey string          `json:"sessionKey"`
	State      string          `json:"state,omitempty"`
	Stream     string          `json:"stream,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// ToolData is the tool-lifecycle portion of an `agent` event.
type ToolData struct {
	Phase string `json:"phase"`
	Name  string `json:"name"`
}

// Tool decodes Data as tool lifecycle info. Non-object data yields zero.
func (p EventPayload) Tool() ToolData {
	var td ToolData
	if len(p.Data) == 0 || p.Data[0] != '{' {
		return td
	}
	_ = json.Unmarshal(p.Data, &td)
	return td
}

// EventHandler receives events for one subscribed session.
type EventHandler func(event string, payload EventPayload)

type outboundFrame struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params"`
}

type inboundFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type connectParams struct {
	MinProtocol int           `json:"minProtocol"`
	MaxProtocol int           `json:"maxProtocol"`
	Client      connectClient `json:"client"`
	Auth        *connectAuth  `json:"auth"`
	Role        string        `json:"role"`
	Scopes      []string      `json:"scopes"`
}

type connectClient struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Mode     string `json:"mode"`
}

type connectAuth struct {
	Token string `json:"token"`
}

type nodeEventParams struct {
	Event       string `json:"event"`
	PayloadJSON string `json:"payloadJSON"`
}

// EventClient keeps one WebSocket to the gateway and fans events out to
// per-session handlers. Subscriptions survive reconnects.
type EventClient struct {
	url    string
	token  string
	logger *slog.Logger
	dialer *websocket.Dialer

	backoffMin       time.Duration
	backoffMax       time.Duration
	handshakeTimeout time.Duration
	writeTimeout     time.Duration

	mu   sync.Mutex
	conn *websocket.Conn
	subs map[string]EventHandler

	writeMu sync.Mutex
}

type EventOption func(*EventClient)

func WithLogger(l *slog.Logger) EventOption {
	return func(c *EventClient) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithBackoff(min, max time.Duration) EventOption {
	return func(c *EventClient) {
		if min > 0 {
			c.backoffMin = min
		}
		if max >= c.backoffMin {
			c.backoffMax = max
		}
	}
}

func WithHandshakeTimeout(d time.Duration) EventOption {
	return func(c *EventClient) {
		if d > 0 {
			c.handshakeTimeout = d
		}
	}
}

func NewEventClient(url, token string, opts ...EventOption) *EventClient {
	url = strings.TrimSpace(url)
	if url == "" {
		url = DefaultWSURL
	}
	c := &EventClient{
		url:              url,
		token:            token,
		logger:           slog.Default(),
		dialer:           websocket.DefaultDialer,
		backoffMin:       2 * time.Second,
		backoffMax:       30 * time.Second,
		handshakeTimeout: 10 * time.Second,
		writeTimeout:     5 * time.Second,
		subs:             make(map[string]EventHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connected reports whether the handshake has completed on a live socket.
func (c *EventClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Run connects and reconnects with backoff until ctx is done.
func (c *EventClient) Run(ctx context.Context) {
	backoff := c.backoffMin
	attempts := 0
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := c.connect(ctx)
		if err == nil {
			backoff = c.backoffMin
			attempts = 0
			c.listen(ctx, conn)
			c.setConn(nil)
			if ctx.Err() != nil {
				return
			}
			err = errors.New("connection lost")
		}

		attempts++
		if attempts <= 3 {
			c.logger.Info("gateway event socket not ready, retrying", "backoff", backoff, "attempt", attempts, "error", err)
		} else {
			c.logger.Warn("gateway event socket down, reconnecting", "backoff", backoff, "error", err)
		}

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		backoff *= 2
		if backoff > c.backoffMax {
			backoff = c.backoffMax
		}
	}
}

func (c *EventClient) connect(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
	defer cancel()

	conn, _, err := c.dialer.DialContext(dialCtx, c.url, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(maxFrameBytes)

	id := uuid.NewString()
	params := connectParams{
		MinProtocol: 1,
		MaxProtocol: 100,
		Client:      connectClient{ID: clientID, Version: clientVersion, Platform: "go", Mode: clientMode},
		Role:        "node",
		Scopes:      []string{},
	}
	if c.token != "" {
		params.Auth = &connectAuth{Token: c.token}
	}
	if err := c.write(conn, outboundFrame{Type: "req", ID: id, Method: "connect", Params: params}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send connect: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(c.handshakeTimeout)); err != nil {
		_ = conn.Close()
		return nil, err
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("await connect response: %w", err)
		}
		var msg inboundFrame
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type != "res" || msg.ID != id {
			continue
		}
		if !msg.OK {
			_ = conn.Close()
			reason := "unknown"
			if msg.Error != nil && msg.Error.Message != "" {
				reason = msg.Error.Message
			}
			return nil, fmt.Errorf("gateway connect failed: %s", reason)
		}
		break
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		_ = conn.Close()
		return nil, err
	}

	c.mu.Lock()
	c.conn = conn
	keys := make([]string, 0, len(c.subs))
	for k := range c.subs {
		keys = append(keys, k)
	}
	c.mu.Unlock()
	sort.Strings(keys)

	c.logger.Info("connected to gateway event socket", "resubscribe", len(keys))
	for _, k := range keys {
		if err := c.sendNodeEvent(conn, "chat.subscribe", k); err != nil {
			c.logger.Warn("resubscribe failed", "session_key", k, "error", err)
		}
	}
	return conn, nil
}

func (c *EventClient) listen(ctx context.Context, conn *websocket.Conn) {
	stop := make(chan struct{})
	defer close(stop)
	defer conn.Close()
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.logger.Debug("gateway event socket read ended", "error", err)
			return
		}
		c.route(data)
	}
}

func (c *EventClient) route(data []byte) {
	var msg inboundFrame
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type != "event" {
		return
	}
	var payload EventPayload
	if len(msg.Payload) == 0 || json.Unmarshal(msg.Payload, &payload) != nil || payload.SessionKey == "" {
		return
	}

	c.mu.Lock()
	h := c.subs[payload.SessionKey]
	c.mu.Unlock()
	if h == nil {
		return
	}

	tool := payload.Tool()
	noisy := (msg.Event == "agent" && payload.Stream == "assistant" && tool.Phase == "") ||
		(msg.Event == "chat" && payload.State == "delta")
	level := slog.LevelInfo
	if noisy {
		level = slog.LevelDebug
	}
	c.logger.Log(context.Background(), level, "gateway event",
		"event", msg.Event,
		"state", payload.State,
		"stream", payload.Stream,
		"phase", tool.Phase,
		"name", tool.Name,
		"session_key", payload.SessionKey,
	)

	c.dispatch(h, msg.Event, payload)
}

func (c *EventClient) dispatch(h EventHandler, event string, payload EventPayload) {
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Warn("gateway event handler panic", "session_key", payload.SessionKey, "panic", rec)
		}
	}()
	h(event, payload)
}

// Subscribe routes events for sessionKey to h. Re-subscribing an existing key
// only swaps the handler so the gateway does not deliver events twice.
func (c *EventClient) Subscribe(sessionKey string, h EventHandler) error {
	c.mu.Lock()
	_, already := c.subs[sessionKey]
	c.subs[sessionKey] = h
	conn := c.conn
	c.mu.Unlock()

	if conn == nil || already {
		return nil
	}
	if err := c.sendNodeEvent(conn, "chat.subscribe", sessionKey); err != nil {
		return err
	}
	c.logger.Info("subscribed to gateway session events", "session_key", sessionKey)
	return nil
}

func (c *EventClient) Unsubscribe(sessionKey string) error {
	c.mu.Lock()
	delete(c.subs, sessionKey)
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	if err := c.sendNodeEvent(conn, "chat.unsubscribe", sessionKey); err != nil {
		c.logger.Debug("unsubscribe send failed", "session_key", sessionKey, "error", err)
		return err
	}
	c.logger.Info("unsubscribed from gateway session events", "session_key", sessionKey)
	return nil
}

func (c *EventClient) sendNodeEvent(conn *websocket.Conn, event, sessionKey string) error {
	payload, err := json.Marshal(map[string]string{"sessionKey": sessionKey})
	if err != nil {
		return err
	}
	return c.write(conn, outboundFrame{
		Type:   "req",
		ID:     uuid.NewString(),
		Method: "node.event",
		Params: nodeEventParams{Event: event, PayloadJSON: string(payload)},
	})
}

func (c *EventClient) write(conn *websocket.Conn, frame outboundFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(frame)
}

func (c *EventClient) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}
