package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/deepgram/dglabs-deepclaw/pkg/gateway/live/agentproto"
)

const (
	defaultWriteTimeout = 5 * time.Second
	maxAgentFrameBytes  = 8 << 20
)

// AgentConn is the WebSocket to the voice agent service. Writes are
// serialized; reads belong to the bridge's agent relay.
type AgentConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// DialAgent opens the agent connection authenticated with apiKey.
func DialAgent(ctx context.Context, dialer *websocket.Dialer, url, apiKey string) (*AgentConn, error) {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	header.Set("Authorization", "Token "+apiKey)
	ws, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial agent: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial agent: %w", err)
	}
	ws.SetReadLimit(maxAgentFrameBytes)
	return &AgentConn{ws: ws, writeTimeout: defaultWriteTimeout}, nil
}

func (c *AgentConn) write(ctx context.Context, messageType int, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, data)
}

func (c *AgentConn) sendJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal agent message: %w", err)
	}
	return c.write(ctx, websocket.TextMessage, data)
}

// SendSettings performs the one-time configuration handshake.
func (c *AgentConn) SendSettings(ctx context.Context, s agentproto.Settings) error {
	return c.sendJSON(ctx, s)
}

// SendAudio forwards caller audio as a binary frame.
func (c *AgentConn) SendAudio(ctx context.Context, audio []byte) error {
	return c.write(ctx, websocket.BinaryMessage, audio)
}

// InjectAgentMessage makes the agent speak message.
func (c *AgentConn) InjectAgentMessage(ctx context.Context, message string) error {
	return c.sendJSON(ctx, agentproto.NewInjectAgentMessage(message))
}

// RespondFunctionCall acknowledges a function call with a JSON output.
func (c *AgentConn) RespondFunctionCall(ctx context.Context, id string, output any) error {
	resp, err := agentproto.NewFunctionCallResponse(id, output)
	if err != nil {
		return err
	}
	return c.sendJSON(ctx, resp)
}

func (c *AgentConn) ReadMessage() (int, []byte, error) {
	return c.ws.ReadMessage()
}

// Close sends a close frame and tears the connection down. It is idempotent
// and unblocks a pending ReadMessage.
func (c *AgentConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}
