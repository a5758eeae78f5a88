// Package outbound places calls through the control plane and keeps the
// purpose of each call until the callee answers.
package outbound

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Prompt is the base instruction for the agent on an outbound call.
const Prompt = "You are an AI assistant making an outbound phone call on behalf of your user. " +
	"Keep responses brief and conversational (1-2 sentences max). " +
	"Speak naturally as if in a real phone conversation. " +
	"IMPORTANT: Your responses will be spoken aloud via text-to-speech. Do NOT use any text formatting: " +
	"no markdown, no bullet points, no asterisks, no numbered lists, no headers. " +
	"Write plain conversational sentences only. " +
	`Do NOT start your response with filler phrases like "Let me check" or "One moment". ` +
	"Jump straight into the answer."

// Greeting is spoken when the callee picks up.
const Greeting = "Hello!"

// DefaultContextTTL bounds how long an unanswered call keeps its context.
const DefaultContextTTL = time.Hour

var ErrNotConfigured = errors.New("TWILIO_PROXY_URL is not configured")

// UpstreamError is a non-2xx answer from the control plane.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("control plane returned %d", e.StatusCode)
}

// CallContext is what the outbound stream needs once the callee answers.
type CallContext struct {
	To      string
	Purpose string
	created time.Time
}

// PromptFor builds the agent prompt for an outbound call.
func PromptFor(purpose string) string {
	if purpose = strings.TrimSpace(purpose); purpose != "" {
		return "Your task for this call: " + purpose + "\n\n" + Prompt
	}
	return Prompt
}

// Store holds pending outbound call contexts keyed by session id.
type Store struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	calls map[string]CallContext
}

func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultContextTTL
	}
	return &Store{ttl: ttl, now: time.Now, calls: make(map[string]CallContext)}
}

// Put stores ctx under a fresh "outbound-<12 hex>" id.
func (s *Store) Put(c CallContext) string {
	id := "outbound-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, v := range s.calls {
		if now.Sub(v.created) > s.ttl {
			delete(s.calls, k)
		}
	}
	c.created = now
	s.calls[id] = c
	return id
}

// Pop removes and returns the context for id.
func (s *Store) Pop(id string) (CallContext, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[id]
	if ok {
		delete(s.calls, id)
	}
	if ok && s.now().Sub(c.created) > s.ttl {
		return CallContext{}, false
	}
	return c, ok
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type Config struct {
	// ProxyURL is the control plane base URL. Empty disables calling.
	ProxyURL string
	// PublicURL is this service's externally reachable base URL.
	PublicURL string
}

// Dialer initiates outbound calls.
type Dialer struct {
	cfg   Config
	store *Store
	http  *http.Client
}

func NewDialer(cfg Config, store *Store, httpClient *http.Client) *Dialer {
	if store == nil {
		store = NewStore(0)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	cfg.ProxyURL = strings.TrimRight(cfg.ProxyURL, "/")
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")
	return &Dialer{cfg: cfg, store: store, http: httpClient}
}

func (d *Dialer) Configured() bool { return d != nil && d.cfg.ProxyURL != "" }

func (d *Dialer) Store() *Store { return d.store }

// Call asks the control plane to dial to. The returned map is the control
// plane's JSON answer with "session_id" added. The stored context is removed
// when the request fails.
func (d *Dialer) Call(ctx context.Context, to, purpose string) (map[string]any, error) {
	if !d.Configured() {
		return nil, ErrNotConfigured
	}
	sid := d.store.Put(CallContext{To: to, Purpose: purpose})
	result, err := d.post(ctx, to, sid)
	if err != nil {
		d.store.Pop(sid)
		return nil, err
	}
	result["session_id"] = sid
	return result, nil
}

func (d *Dialer) post(ctx context.Context, to, sid string) (map[string]any, error) {
	body, err := json.Marshal(map[string]string{
		"to":  to,
		"url": d.cfg.PublicURL + "/twilio/outbound?sid=" + url.QueryEscape(sid),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal call request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.ProxyURL+"/api/voice/call", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create call request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call control plane: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b := string(raw)
		if len(b) > 300 {
			b = b[:300]
		}
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: b}
	}
	out := map[string]any{}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("decode control plane response: %w", err)
		}
	}
	return out, nil
}
