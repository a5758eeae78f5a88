package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/deepgram/dglabs-deepclaw/pkg/gateway/live/bridge"
	"github.com/deepgram/dglabs-deepclaw/pkg/gateway/live/sessions"
	"github.com/deepgram/dglabs-deepclaw/pkg/gateway/metrics"
	"github.com/deepgram/dglabs-deepclaw/pkg/gateway/outbound"
)

const SourceAction = "action"

const (
	reasonNoSessionKey = "no_session_key"
	reasonNoChannel    = "no_channel"
)

func sessionKey(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(bridge.SessionKeyHeader))
}

// StatusUpdateHandler speaks a progress message from the agent into the live
// call of the requesting session.
type StatusUpdateHandler struct {
	Registry     *sessions.Registry
	Metrics      *metrics.Metrics
	MaxBodyBytes int64
	Logger       *slog.Logger
}

func (h StatusUpdateHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req struct {
		Message string `json:"message"`
	}
	if !decodeJSON(w, r, h.MaxBodyBytes, &req) {
		return
	}
	message := strings.TrimSpace(req.Message)
	if message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	key := sessionKey(r)
	if key == "" {
		skipped(w, reasonNoSessionKey)
		return
	}
	conn := h.Registry.GetConnection(key)
	if conn == nil {
		skipped(w, reasonNoChannel)
		return
	}
	if err := conn.InjectAgentMessage(r.Context(), message); err != nil {
		logger(h.Logger).Warn("status update injection failed", "session_key", key, "error", err)
		writeError(w, http.StatusBadGateway, "Failed to inject voice status update")
		return
	}
	h.Metrics.RecordInjected(SourceAction)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "channel": "voice"})
}

// MuteHandler mutes or unmutes the agent of a live call. A muted agent gets
// empty completions and its engagement timers are paused.
type MuteHandler struct {
	Registry     *sessions.Registry
	MaxBodyBytes int64
	Logger       *slog.Logger
}

func (h MuteHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req struct {
		Muted *bool `json:"muted"`
	}
	if !decodeJSON(w, r, h.MaxBodyBytes, &req) {
		return
	}
	if req.Muted == nil {
		writeError(w, http.StatusBadRequest, "muted is required")
		return
	}
	muted := *req.Muted

	key := sessionKey(r)
	if key == "" {
		skipped(w, reasonNoSessionKey)
		return
	}
	if !h.Registry.SetMuted(key, muted) {
		skipped(w, reasonNoChannel)
		return
	}
	if sess, ok := h.Registry.GetSession(key); ok && sess.Timers != nil {
		if muted {
			sess.Timers.Pause()
		} else {
			sess.Timers.Resume()
		}
	}
	logger(h.Logger).Info("session mute changed", "session_key", key, "muted", muted)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "muted": muted})
}

// CallPlacer starts outbound calls. *outbound.Dialer satisfies it.
type CallPlacer interface {
	Call(ctx context.Context, to, purpose string) (map[string]any, error)
}

// MakeCallHandler places an outbound call on behalf of the agent.
type MakeCallHandler struct {
	Dialer       CallPlacer
	MaxBodyBytes int64
	Logger       *slog.Logger
}

func (h MakeCallHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req struct {
		To      string `json:"to"`
		Purpose string `json:"purpose"`
	}
	if !decodeJSON(w, r, h.MaxBodyBytes, &req) {
		return
	}
	to := strings.TrimSpace(req.To)
	if to == "" {
		writeError(w, http.StatusBadRequest, "to is required")
		return
	}
	if h.Dialer == nil {
		writeError(w, http.StatusServiceUnavailable, outbound.ErrNotConfigured.Error())
		return
	}

	log := logger(h.Logger).With("to", to)
	result, err := h.Dialer.Call(r.Context(), to, strings.TrimSpace(req.Purpose))
	if err != nil {
		var upErr *outbound.UpstreamError
		switch {
		case errors.Is(err, outbound.ErrNotConfigured):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		case errors.As(err, &upErr):
			log.Warn("control plane rejected call", "status", upErr.StatusCode, "body", upErr.Body)
			writeError(w, http.StatusBadGateway, fmt.Sprintf("Upstream returned %d", upErr.StatusCode))
		default:
			log.Error("make call failed", "error", err)
			writeError(w, http.StatusInternalServerError, "Internal error making call")
		}
		return
	}

	out := make(map[string]any, len(result)+1)
	for k, v := range result {
		out[k] = v
	}
	out["ok"] = true
	log.Info("outbound call placed", "session_id", result["session_id"])
	writeJSON(w, http.StatusOK, out)
}
