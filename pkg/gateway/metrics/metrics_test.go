package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	return rr.Body.String()
}

func TestRecordersUpdateCollectors(t *testing.T) {
	m := New("")
	m.RecordCallStart()
	m.RecordCallStart()
	m.RecordCallEnd("inbound", "completed", 30*time.Second)
	m.RecordAudio("in", 160)
	m.RecordAudio("in", 0)
	m.RecordInjected("filler")
	m.RecordTimerFire("idle_prompt")
	m.RecordPostCallFailure("call_summary")

	body := scrape(t, m)
	for _, want := range []string{
		"deepclaw_calls_active 1",
		`deepclaw_calls_total{direction="inbound",outcome="completed"} 1`,
		`deepclaw_call_duration_seconds_count{direction="inbound"} 1`,
		`deepclaw_audio_bytes_total{direction="in"} 160`,
		`deepclaw_injected_messages_total{source="filler"} 1`,
		`deepclaw_timer_fires_total{kind="idle_prompt"} 1`,
		`deepclaw_post_call_failures_total{task="call_summary"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New("test")
	m.RecordProxyRequest("ok")

	if body := scrape(t, m); !strings.Contains(body, `test_completion_requests_total{outcome="ok"} 1`) {
		t.Fatalf("body missing counter:\n%s", body)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordCallStart()
	m.RecordCallEnd("inbound", "completed", time.Second)
	m.RecordCallRejected("inbound", "agent_unavailable")
	m.RecordAudio("out", 10)
	m.RecordInjected("timer")
	m.RecordTimerFire("idle_exit")
	m.RecordProxyRequest("ok")
	m.RecordPostCallFailure("user_profile")
	if m.Registry() != nil {
		t.Fatalf("nil metrics returned a registry")
	}
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", rr.Code)
	}
}
