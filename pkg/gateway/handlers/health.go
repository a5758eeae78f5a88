package handlers

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/deepgram/dglabs-deepclaw/pkg/gateway/lifecycle"
	"github.com/deepgram/dglabs-deepclaw/pkg/gateway/live/sessions"
)

// HealthHandler is the liveness probe.
type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type ReadyHandler struct {
	Lifecycle *lifecycle.Lifecycle
	Registry  *sessions.Registry
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK        bool `json:"ok"`
		Draining  bool `json:"draining"`
		LiveCalls int  `json:"live_calls"`
	}
	draining := h.Lifecycle.IsDraining()
	status := http.StatusOK
	if draining {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, readyResp{OK: !draining, Draining: draining, LiveCalls: h.Registry.Count()})
}

// GatewayHealthHandler reports whether the OpenClaw gateway accepts TCP
// connections.
type GatewayHealthHandler struct {
	// GatewayURL is the gateway's HTTP base URL.
	GatewayURL string
	Timeout    time.Duration
	// Dial is used instead of net.Dialer when set.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

func (h GatewayHealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.alive(r.Context()) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "gateway": "connected"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "gateway": "unreachable"})
}

func (h GatewayHealthHandler) alive(ctx context.Context) bool {
	addr := gatewayAddr(h.GatewayURL)
	if addr == "" {
		return false
	}
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dial := h.Dial
	if dial == nil {
		dial = (&net.Dialer{}).DialContext
	}
	conn, err := dial(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// gatewayAddr turns a base URL into host:port, defaulting the port from the
// scheme.
func gatewayAddr(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "https", "wss":
			port = "443"
		default:
			port = "80"
		}
	}
	return net.JoinHostPort(u.Hostname(), port)
}
