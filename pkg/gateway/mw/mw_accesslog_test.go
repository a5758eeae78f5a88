package mw

import (
	"bufio"
	"bytes"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/deepgram/dglabs-deepclaw/pkg/gateway/sse"
)

// recordingWriter is a bare ResponseWriter; the wrappers below add the
// optional interfaces one at a time.
type recordingWriter struct {
	header   http.Header
	status   int
	body     bytes.Buffer
	flushed  bool
	hijacked bool
}

func (w *recordingWriter) Header() http.Header {
	if w.header == nil {
		w.header = make(http.Header)
	}
	return w.header
}

func (w *recordingWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
}

func (w *recordingWriter) Write(p []byte) (int, error) {
	w.WriteHeader(http.StatusOK)
	return w.body.Write(p)
}

type flushingWriter struct{ *recordingWriter }

func (w flushingWriter) Flush() { w.flushed = true }

type hijackingWriter struct{ *recordingWriter }

func (w hijackingWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	w.hijacked = true
	return nil, nil, nil
}

type streamingWriter struct{ *recordingWriter }

func (w streamingWriter) Flush() { w.flushed = true }

func (w streamingWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	w.hijacked = true
	return nil, nil, nil
}

func serveLogged(t *testing.T, w http.ResponseWriter, req *http.Request, h http.HandlerFunc) map[string]any {
	t.Helper()
	var out bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&out, &slog.HandlerOptions{Level: slog.LevelDebug}))
	RequestID(AccessLog(logger, h)).ServeHTTP(w, req)

	line := strings.TrimSpace(out.String())
	if line == "" {
		t.Fatalf("no access log record")
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		t.Fatalf("unmarshal log %q: %v", line, err)
	}
	return rec
}

func TestAccessLog_AdvertisesOnlySupportedInterfaces(t *testing.T) {
	cases := []struct {
		name      string
		wrap      func(*recordingWriter) http.ResponseWriter
		canFlush  bool
		canHijack bool
	}{
		{"plain", func(w *recordingWriter) http.ResponseWriter { return w }, false, false},
		{"flusher", func(w *recordingWriter) http.ResponseWriter { return flushingWriter{w} }, true, false},
		{"hijacker", func(w *recordingWriter) http.ResponseWriter { return hijackingWriter{w} }, false, true},
		{"both", func(w *recordingWriter) http.ResponseWriter { return streamingWriter{w} }, true, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			base := &recordingWriter{}
			req := httptest.NewRequest(http.MethodGet, "/twilio/stream", nil)
			serveLogged(t, tc.wrap(base), req, func(w http.ResponseWriter, r *http.Request) {
				f, okF := w.(http.Flusher)
				hj, okH := w.(http.Hijacker)
				if okF != tc.canFlush || okH != tc.canHijack {
					t.Fatalf("flusher=%v hijacker=%v, want %v %v", okF, okH, tc.canFlush, tc.canHijack)
				}
				if okF {
					f.Flush()
				}
				if okH {
					if _, _, err := hj.Hijack(); err != nil {
						t.Fatalf("hijack: %v", err)
					}
				}
			})
			if base.flushed != tc.canFlush || base.hijacked != tc.canHijack {
				t.Fatalf("flushed=%v hijacked=%v, want delegation", base.flushed, base.hijacked)
			}
		})
	}
}

func TestAccessLog_HijackedStreamLogsSwitchingProtocols(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/twilio/stream", nil)
	rec := serveLogged(t, hijackingWriter{&recordingWriter{}}, req, func(w http.ResponseWriter, r *http.Request) {
		_, _, _ = w.(http.Hijacker).Hijack()
	})
	if got, _ := rec["status"].(float64); int(got) != http.StatusSwitchingProtocols {
		t.Fatalf("status=%v, want 101", rec["status"])
	}
}

func TestAccessLog_RecordFields(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/actions/mute", nil)
	req.Header.Set(SessionKeyHeader, "agent:main:abc")
	req.Header.Set("X-Request-ID", "req_fixed")
	rec := serveLogged(t, &recordingWriter{}, req, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	if rec["level"] != "INFO" || rec["msg"] != "request" {
		t.Fatalf("level=%v msg=%v", rec["level"], rec["msg"])
	}
	if got, _ := rec["status"].(float64); int(got) != http.StatusAccepted {
		t.Fatalf("status=%v", rec["status"])
	}
	if got, _ := rec["bytes"].(float64); int(got) != len(`{"ok":true}`) {
		t.Fatalf("bytes=%v", rec["bytes"])
	}
	if rec["request_id"] != "req_fixed" || rec["session_key"] != "agent:main:abc" || rec["path"] != "/actions/mute" {
		t.Fatalf("record=%v", rec)
	}
}

func TestAccessLog_ImplicitWriteIs200(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/twilio/inbound", nil)
	rec := serveLogged(t, &recordingWriter{}, req, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<Response/>"))
	})
	if got, _ := rec["status"].(float64); int(got) != http.StatusOK {
		t.Fatalf("status=%v, want 200", rec["status"])
	}
	if _, ok := rec["session_key"]; ok {
		t.Fatalf("session_key logged without header: %v", rec)
	}
}

func TestAccessLog_ProbesLogAtDebug(t *testing.T) {
	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		rec := serveLogged(t, &recordingWriter{}, httptest.NewRequest(http.MethodGet, path, nil), func(w http.ResponseWriter, r *http.Request) {})
		if rec["level"] != "DEBUG" {
			t.Fatalf("%s level=%v, want DEBUG", path, rec["level"])
		}
	}
}

func TestAccessLog_CompletionStreamFlushesThroughMiddleware(t *testing.T) {
	base := &recordingWriter{}
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	serveLogged(t, flushingWriter{base}, req, func(w http.ResponseWriter, r *http.Request) {
		sw, err := sse.New(w)
		if err != nil {
			t.Fatalf("sse.New behind AccessLog: %v", err)
		}
		if err := sw.Data(map[string]string{"object": "chat.completion.chunk"}); err != nil {
			t.Fatalf("send: %v", err)
		}
	})

	body := base.body.String()
	if !strings.HasPrefix(body, "data: ") || !strings.Contains(body, `"object":"chat.completion.chunk"`) {
		t.Fatalf("body=%q", body)
	}
	if !base.flushed {
		t.Fatalf("expected sse write to flush")
	}
}
