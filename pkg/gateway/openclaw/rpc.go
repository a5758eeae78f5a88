// Package openclaw talks to the local OpenClaw gateway: JSON-RPC over HTTP for
// one-shot calls and a long-lived event WebSocket for session progress.
package openclaw

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "http://localhost:18789"
	DefaultWSURL   = "ws://localhost:18789"
)

// RPCError is returned for non-200 RPC responses.
type RPCError struct {
	Method     string
	StatusCode int
	Body       string
}

func (e *RPCError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("openclaw rpc %s: status %d: %s", e.Method, e.StatusCode, e.Body)
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		if c != nil {
			cl.httpClient = c
		}
	}
}

func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type rpcRequest struct {
	Method string `json:"method"`
	Params any    `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
}

// Call invokes method and returns the raw `result` field.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rpc", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		snippet := string(respBody)
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return nil, &RPCError{Method: method, StatusCode: resp.StatusCode, Body: snippet}
	}

	var out rpcResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out.Result, nil
}

// SessionInfo is one entry of sessions.list.
type SessionInfo struct {
	Key string `json:"key"`
}

// ListChildSessions returns sessions spawned by parentKey.
func (c *Client) ListChildSessions(ctx context.Context, parentKey string) ([]SessionInfo, error) {
	result, err := c.Call(ctx, "sessions.list", map[string]any{
		"spawnedBy":      parentKey,
		"limit":          50,
		"includeGlobal":  false,
		"includeUnknown": false,
	})
	if err != nil {
		return nil, err
	}
	if len(result) == 0 || string(result) == "null" {
		return nil, nil
	}
	var list struct {
		Sessions []SessionInfo `json:"sessions"`
	}
	if err := json.Unmarshal(result, &list); err != nil {
		return nil, fmt.Errorf("decode sessions.list: %w", err)
	}
	return list.Sessions, nil
}

// SendAgentMessage delivers message to the agent running sessionKey.
func (c *Client) SendAgentMessage(ctx context.Context, sessionKey, message string) error {
	_, err := c.Call(ctx, "agent", map[string]any{
		"message":    message,
		"sessionKey": sessionKey,
	})
	return err
}
