package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/deepgram/dglabs-deepclaw/pkg/gateway/filler"
	"github.com/deepgram/dglabs-deepclaw/pkg/gateway/live/bridge"
	"github.com/deepgram/dglabs-deepclaw/pkg/gateway/live/sessions"
	"github.com/deepgram/dglabs-deepclaw/pkg/gateway/metrics"
	"github.com/deepgram/dglabs-deepclaw/pkg/gateway/sse"
)

const (
	OutcomeOK            = "ok"
	OutcomeMuted         = "muted"
	OutcomeSuperseded    = "superseded"
	OutcomeUpstreamError = "upstream_error"

	SourceFiller = "filler"
)

// CompletionsHandler proxies the agent's think requests to the OpenClaw
// gateway. For calls that are live it also answers muted turns locally,
// supersedes stale requests and speaks a filler phrase while the gateway is
// slow to answer.
type CompletionsHandler struct {
	// UpstreamURL is the gateway's chat-completions endpoint.
	UpstreamURL  string
	HTTPClient   *http.Client
	Registry     *sessions.Registry
	Inflight     *sessions.Inflight
	Filler       *filler.Filler
	Metrics      *metrics.Metrics
	MaxBodyBytes int64
	Logger       *slog.Logger
}

// NewUpstreamClient returns the client used to reach the gateway: 10s to
// connect and 120s for the response to start.
func NewUpstreamClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			ResponseHeaderTimeout: 120 * time.Second,
			MaxIdleConnsPerHost:   16,
			IdleConnTimeout:       90 * time.Second,
		},
	}
}

func (h CompletionsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	log := logger(h.Logger)

	maxBytes := h.MaxBodyBytes
	if maxBytes <= 0 {
		maxBytes = 8 << 20
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	key := strings.TrimSpace(r.Header.Get(bridge.SessionKeyHeader))
	var conn sessions.Conn
	if key != "" {
		conn = h.Registry.GetConnection(key)
		log = log.With("session_key", key)
	}
	userMessage := lastUserMessage(body)

	if key != "" && h.Registry.IsMuted(key) {
		if userMessage == "" || !h.Registry.ShouldUnmute(key, userMessage) {
			log.Info("session muted, answering with empty completion")
			h.Metrics.RecordProxyRequest(OutcomeMuted)
			writeMutedStream(w)
			return
		}
		h.Registry.SetMuted(key, false)
		if sess, ok := h.Registry.GetSession(key); ok && sess.Timers != nil {
			sess.Timers.Resume()
		}
		log.Info("session unmuted by caller", "message", truncate(userMessage, 60))
	}

	if sess, ok := h.Registry.GetSession(key); ok && sess.Injector != nil {
		sess.Injector.Reset()
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var contentStarted, superseded atomic.Bool
	if conn != nil && h.Inflight != nil {
		entry := h.Inflight.Begin(key)
		if entry.Seq > 1 {
			log.Info("superseding previous request", "seq", entry.Seq)
		}
		defer h.Inflight.Release(key, entry)
		go func() {
			select {
			case <-entry.Done():
				if !contentStarted.Load() {
					superseded.Store(true)
					log.Info("request superseded, aborting", "seq", entry.Seq)
					cancel()
				}
			case <-ctx.Done():
			}
		}()
	}

	stopFiller := func() {}
	if conn != nil && h.Filler.Enabled(userMessage) {
		fillerCtx, fillerCancel := context.WithCancel(ctx)
		stopFiller = fillerCancel
		defer fillerCancel()
		go h.Filler.Run(fillerCtx, userMessage, func(ctx context.Context, phrase string) error {
			if err := conn.InjectAgentMessage(ctx, phrase); err != nil {
				return err
			}
			h.Metrics.RecordInjected(SourceFiller)
			return nil
		})
	}

	resp, err := h.forward(ctx, r, body)
	if err != nil {
		if superseded.Load() {
			h.Metrics.RecordProxyRequest(OutcomeSuperseded)
			sse.SetHeaders(w.Header())
			w.WriteHeader(http.StatusOK)
			return
		}
		log.Error("gateway request failed", "error", err)
		h.Metrics.RecordProxyRequest(OutcomeUpstreamError)
		writeError(w, http.StatusBadGateway, "gateway unavailable")
		return
	}
	defer resp.Body.Close()

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	// nil when the writer cannot flush; chunks are then written unflushed.
	stream, _ := sse.New(w)

	filter := newMarkerFilter(stripMarkers)
	detector := &contentDetector{}
	tools := &toolCallLogger{logger: log}
	emit := func(p []byte) bool {
		if len(p) == 0 {
			return true
		}
		if !contentStarted.Load() && detector.Scan(p) {
			contentStarted.Store(true)
			stopFiller()
		}
		tools.Scan(p)
		if stream != nil {
			return stream.Raw(p) == nil
		}
		_, err := w.Write(p)
		return err == nil
	}

	buf := make([]byte, 4096)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 && !emit(filter.Write(buf[:n])) {
			break
		}
		if rerr != nil {
			if rerr == io.EOF {
				emit(filter.Flush())
			}
			break
		}
	}

	switch {
	case superseded.Load():
		h.Metrics.RecordProxyRequest(OutcomeSuperseded)
	case resp.StatusCode >= 400:
		h.Metrics.RecordProxyRequest(OutcomeUpstreamError)
	default:
		h.Metrics.RecordProxyRequest(OutcomeOK)
	}
}

func (h CompletionsHandler) forward(ctx context.Context, r *http.Request, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.UpstreamURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for k, vv := range r.Header {
		if skipRequestHeader(k) {
			continue
		}
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}
	client := h.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return client.Do(req)
}

var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

func skipRequestHeader(k string) bool {
	k = http.CanonicalHeaderKey(k)
	switch k {
	case "Host", "Content-Length", "Accept-Encoding":
		return true
	}
	return hopByHopHeaders[k]
}

func copyResponseHeaders(dst, src http.Header) {
	for k, vv := range src {
		k = http.CanonicalHeaderKey(k)
		if hopByHopHeaders[k] || k == "Content-Length" || k == "Content-Encoding" {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// lastUserMessage returns the text of the last user message of a chat
// completions request: its string content or its first text part.
func lastUserMessage(body []byte) string {
	var req struct {
		Messages []struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return ""
	}
	for i := len(req.Messages) - 1; i >= 0; i-- {
		msg := req.Messages[i]
		if msg.Role != "user" {
			continue
		}
		var s string
		if err := json.Unmarshal(msg.Content, &s); err == nil {
			return s
		}
		var parts []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal(msg.Content, &parts); err == nil {
			for _, p := range parts {
				if p.Type == "text" {
					return p.Text
				}
			}
		}
		return ""
	}
	return ""
}

type mutedDelta struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type mutedChoice struct {
	Index        int        `json:"index"`
	Delta        mutedDelta `json:"delta"`
	FinishReason string     `json:"finish_reason"`
}

type mutedChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Choices []mutedChoice `json:"choices"`
}

// writeMutedStream answers with one empty assistant chunk so the agent stays
// silent while it keeps listening.
func writeMutedStream(w http.ResponseWriter) {
	sse.SetHeaders(w.Header())
	w.WriteHeader(http.StatusOK)
	chunk := mutedChunk{
		ID:     "chatcmpl-muted-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8],
		Object: "chat.completion.chunk",
		Choices: []mutedChoice{{
			Delta:        mutedDelta{Role: "assistant"},
			FinishReason: "stop",
		}},
	}
	sw, err := sse.New(w)
	if err != nil {
		b, _ := json.Marshal(chunk)
		_, _ = w.Write([]byte("data: " + string(b) + "\n\ndata: [DONE]\n\n"))
		return
	}
	_ = sw.Data(chunk)
	_ = sw.Done()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
