package handlers

import (
	"context"
	"encoding/xml"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/deepgram/dglabs-deepclaw/pkg/gateway/lifecycle"
	"github.com/deepgram/dglabs-deepclaw/pkg/gateway/live/bridge"
	"github.com/deepgram/dglabs-deepclaw/pkg/gateway/live/media"
	"github.com/deepgram/dglabs-deepclaw/pkg/gateway/metrics"
	"github.com/deepgram/dglabs-deepclaw/pkg/gateway/mw"
	"github.com/deepgram/dglabs-deepclaw/pkg/gateway/outbound"
	"github.com/deepgram/dglabs-deepclaw/pkg/gateway/ratelimit"
	"github.com/deepgram/dglabs-deepclaw/pkg/postcall"
)

const (
	StreamPath         = "/twilio/stream"
	OutboundStreamPath = "/twilio/outbound-stream"

	DefaultStreamStartTimeout = 10 * time.Second

	xmlHeader = `<?xml version="1.0" encoding="UTF-8"?>`
)

// InboundTwiMLHandler answers Twilio's incoming-call webhook by connecting the
// call to the inbound media stream.
type InboundTwiMLHandler struct {
	Logger *slog.Logger
}

func (h InboundTwiMLHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form body")
		return
	}
	from := r.PostFormValue("From")
	logger(h.Logger).Info("incoming call",
		"call_sid", r.PostFormValue("CallSid"),
		"from", from,
		"to", r.PostFormValue("To"),
	)

	var b strings.Builder
	b.WriteString(xmlHeader)
	b.WriteString(`<Response><Connect><Stream url="`)
	b.WriteString(escapeXML(streamURL(r, StreamPath)))
	if from == "" {
		b.WriteString(`" /></Connect></Response>`)
	} else {
		b.WriteString(`"><Parameter name="caller" value="`)
		b.WriteString(escapeXML(from))
		b.WriteString(`" /></Stream></Connect></Response>`)
	}
	writeTwiML(w, b.String())
}

// OutboundTwiMLHandler is the TwiML URL handed to the control plane when an
// outbound call is placed. The session id travels to the media stream as a
// custom parameter.
type OutboundTwiMLHandler struct{}

func (h OutboundTwiMLHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	sid := r.URL.Query().Get("sid")

	var b strings.Builder
	b.WriteString(xmlHeader)
	b.WriteString(`<Response><Connect><Stream url="`)
	b.WriteString(escapeXML(streamURL(r, OutboundStreamPath)))
	b.WriteString(`"><Parameter name="session_id" value="`)
	b.WriteString(escapeXML(sid))
	b.WriteString(`" /></Stream></Connect></Response>`)
	writeTwiML(w, b.String())
}

func streamURL(r *http.Request, path string) string {
	return "wss://" + r.Host + path
}

func escapeXML(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}

func writeTwiML(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

// CallRunner runs one bridged call. *bridge.Bridge satisfies it.
type CallRunner interface {
	Run(ctx context.Context, tel bridge.Telephony, c bridge.Call) error
}

// StreamHandler upgrades a Twilio media stream and hands it to the bridge once
// the start frame has arrived.
type StreamHandler struct {
	Runner    CallRunner
	Lifecycle *lifecycle.Lifecycle
	// Outbound selects the outbound flavor: the call purpose is taken from
	// Store and the agent greets with the outbound greeting.
	Outbound     bool
	Store        *outbound.Store
	StartTimeout time.Duration
	// Limiter caps concurrent calls; nil means unlimited.
	Limiter *ratelimit.Limiter
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func (h StreamHandler) direction() string {
	if h.Outbound {
		return postcall.DirectionOutbound
	}
	return postcall.DirectionInbound
}

func (h StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Lifecycle.IsDraining() {
		h.Metrics.RecordCallRejected(h.direction(), "draining")
		writeError(w, http.StatusServiceUnavailable, "server is draining")
		return
	}
	dec := h.Limiter.AcquireCall()
	if !dec.Allowed {
		h.Metrics.RecordCallRejected(h.direction(), "capacity")
		w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfter))
		writeError(w, http.StatusServiceUnavailable, "too many live calls")
		return
	}
	defer dec.Permit.Release()

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	reqID, _ := mw.RequestIDFrom(r.Context())
	log := logger(h.Logger).With("request_id", reqID, "direction", h.direction())

	start, ok := h.awaitStart(conn, log)
	if !ok {
		h.Metrics.RecordCallRejected(h.direction(), "no_start")
		return
	}

	c := bridge.Call{
		StreamSID: start.StartStreamSID(),
		Direction: h.direction(),
	}
	if h.Outbound {
		sid := start.CustomParameter("session_id")
		var pending outbound.CallContext
		if h.Store != nil && sid != "" {
			pending, _ = h.Store.Pop(sid)
		}
		c.CallID = sid
		c.CallerPhone = pending.To
		c.PromptOverride = outbound.PromptFor(pending.Purpose)
		c.GreetingOverride = outbound.Greeting
	} else {
		c.CallerPhone = start.CustomParameter("caller")
	}
	log.Info("media stream started", "stream_sid", c.StreamSID, "call_id", c.CallID)

	if err := h.Runner.Run(r.Context(), conn, c); err != nil {
		log.Error("call failed", "stream_sid", c.StreamSID, "error", err)
	}
}

// awaitStart reads frames until the start event, ignoring everything else.
func (h StreamHandler) awaitStart(conn *websocket.Conn, log *slog.Logger) (media.Event, bool) {
	timeout := h.StartTimeout
	if timeout <= 0 {
		timeout = DefaultStreamStartTimeout
	}
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})

	for {
		mt, raw, err := conn.ReadMessage()
		if err != nil {
			log.Warn("media stream ended before start", "error", err)
			return media.Event{}, false
		}
		if mt != websocket.TextMessage {
			continue
		}
		ev := media.Parse(raw)
		if ev.Event != media.EventStart {
			continue
		}
		if ev.StartStreamSID() == "" {
			log.Warn("start event without stream sid")
			return media.Event{}, false
		}
		return ev, true
	}
}

func logger(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
