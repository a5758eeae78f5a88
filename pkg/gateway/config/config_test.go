package config

import (
	"strings"
	"testing"
	"time"

	"github.com/deepgram/dglabs-deepclaw/pkg/gateway/filler"
)

var gatewayEnvKeys = []string{
	"DEEPCLAW_ADDR",
	"DEEPGRAM_API_KEY",
	"DEEPGRAM_AGENT_URL",
	"AGENT_LISTEN_MODEL",
	"AGENT_THINK_MODEL",
	"AGENT_VOICE",
	"AGENT_NAME",
	"AGENT_GREETING",
	"OPENCLAW_GATEWAY_TOKEN",
	"OPENCLAW_AGENT_ID",
	"OPENCLAW_BASE_URL",
	"OPENCLAW_WS_URL",
	"PUBLIC_URL",
	"FLY_MACHINE_ID",
	"ENABLE_ACTION_NUDGES",
	"FIRST_CALLER_NUDGE_WINDOW_SEC",
	"RETURNING_CALLER_NUDGE_WINDOW_SEC",
	"WORKSPACE_DIR",
	"STATUS_PHRASES_FILE",
	"FILLER_THRESHOLD_MS",
	"FILLER_PHRASES",
	"FILLER_DYNAMIC",
	"ANTHROPIC_API_KEY",
	"ANTHROPIC_BASE_URL",
	"TIMEZONE",
	"CALLS_MAX_ENTRIES",
	"POST_CALL_EXTRACTION",
	"SESSION_TIMER_ENABLED",
	"RESPONSE_REENGAGE_MS",
	"RESPONSE_EXIT_MS",
	"IDLE_PROMPT_MS",
	"IDLE_EXIT_MS",
	"RESPONSE_REENGAGE_MESSAGE",
	"RESPONSE_EXIT_MESSAGE",
	"IDLE_PROMPT_MESSAGE",
	"IDLE_EXIT_MESSAGE",
	"SESSION_POST_EXIT_DELAY",
	"END_CALL_GRACE",
	"STREAM_START_TIMEOUT",
	"TWILIO_PROXY_URL",
	"READ_HEADER_TIMEOUT",
	"SHUTDOWN_GRACE_PERIOD",
	"MAX_BODY_BYTES",
	"MAX_LIVE_CALLS",
	"ACTION_RPS",
	"ACTION_BURST",
	"WS_WRITE_TIMEOUT",
	"WS_PING_INTERVAL",
}

func clearGatewayEnv(t *testing.T) {
	t.Helper()
	for _, key := range gatewayEnvKeys {
		t.Setenv(key, "")
	}
	t.Setenv("DEEPGRAM_API_KEY", "dg_test")
	t.Setenv("OPENCLAW_GATEWAY_TOKEN", "gw_test")
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	clearGatewayEnv(t)

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.Addr != ":8000" {
		t.Fatalf("Addr = %q, want :8000", cfg.Addr)
	}
	if cfg.DeepgramAgentURL != "wss://agent.deepgram.com/v1/agent/converse" {
		t.Fatalf("DeepgramAgentURL = %q", cfg.DeepgramAgentURL)
	}
	if cfg.ListenModel != "flux-general-en" || cfg.ThinkModel != "anthropic/claude-haiku-4-5" || cfg.Voice != "aura-2-thalia-en" {
		t.Fatalf("models = %q %q %q", cfg.ListenModel, cfg.ThinkModel, cfg.Voice)
	}
	if cfg.AgentID != "main" {
		t.Fatalf("AgentID = %q, want main", cfg.AgentID)
	}
	if cfg.Greeting != "Hello! How can I help you today?" {
		t.Fatalf("Greeting = %q", cfg.Greeting)
	}
	if cfg.FillerThreshold != 1500*time.Millisecond {
		t.Fatalf("FillerThreshold = %v, want 1.5s", cfg.FillerThreshold)
	}
	if len(cfg.FillerPhrases) != len(filler.DefaultPhrases) || !cfg.FillerDynamic {
		t.Fatalf("FillerPhrases = %v dynamic = %v", cfg.FillerPhrases, cfg.FillerDynamic)
	}
	if cfg.Timezone.String() != "UTC" || cfg.CallsMaxEntries != 50 || !cfg.PostCallExtraction {
		t.Fatalf("post-call = %v %d %v", cfg.Timezone, cfg.CallsMaxEntries, cfg.PostCallExtraction)
	}
	tc := cfg.Timers()
	if !tc.Enabled || tc.ResponseReengage != 15*time.Second || tc.ResponseExit != 45*time.Second ||
		tc.IdlePrompt != 30*time.Second || tc.IdleExit != 15*time.Second || tc.PostExitDelay != 3*time.Second {
		t.Fatalf("Timers() = %+v", tc)
	}
	if tc.IdlePromptMessage != DefaultIdlePromptMessage || tc.ResponseExitMessage != DefaultResponseExitMessage {
		t.Fatalf("timer messages = %+v", tc)
	}
	if cfg.EndCallGrace != time.Second || cfg.StreamStartTimeout != 10*time.Second {
		t.Fatalf("EndCallGrace = %v StreamStartTimeout = %v", cfg.EndCallGrace, cfg.StreamStartTimeout)
	}
	if cfg.MaxBodyBytes != 8<<20 {
		t.Fatalf("MaxBodyBytes = %d, want %d", cfg.MaxBodyBytes, int64(8<<20))
	}
	if cfg.MaxLiveCalls != 0 || cfg.ActionRPS != 2 || cfg.ActionBurst != 10 {
		t.Fatalf("MaxLiveCalls = %d ActionRPS = %v ActionBurst = %d", cfg.MaxLiveCalls, cfg.ActionRPS, cfg.ActionBurst)
	}
	if cfg.GatewayCompletionsURL() != "http://localhost:18789/v1/chat/completions" {
		t.Fatalf("GatewayCompletionsURL() = %q", cfg.GatewayCompletionsURL())
	}
	if cfg.ShutdownGracePeriod != 30*time.Second || cfg.WSPingInterval != 20*time.Second {
		t.Fatalf("ShutdownGracePeriod = %v WSPingInterval = %v", cfg.ShutdownGracePeriod, cfg.WSPingInterval)
	}
	if cfg.ThinkURL() != "https://deepclaw-instance.fly.dev/v1/chat/completions" {
		t.Fatalf("ThinkURL() = %q", cfg.ThinkURL())
	}
	if cfg.ThinkHeaders() != nil {
		t.Fatalf("ThinkHeaders() = %v, want nil", cfg.ThinkHeaders())
	}
	p := cfg.Prompt()
	if !p.ActionNudges || p.FirstCallerWindow != 15 || p.ReturningWindow != 45 {
		t.Fatalf("Prompt() = %+v", p)
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	clearGatewayEnv(t)
	t.Setenv("PUBLIC_URL", "https://voice.example.com/")
	t.Setenv("FLY_MACHINE_ID", "m-123")
	t.Setenv("FILLER_PHRASES", " One sec. ,, Hang on. ")
	t.Setenv("FILLER_THRESHOLD_MS", "0")
	t.Setenv("IDLE_PROMPT_MS", "250")
	t.Setenv("SESSION_TIMER_ENABLED", "off")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.ThinkURL() != "https://voice.example.com/v1/chat/completions" {
		t.Fatalf("ThinkURL() = %q", cfg.ThinkURL())
	}
	if got := cfg.ThinkHeaders()["fly-force-instance-id"]; got != "m-123" {
		t.Fatalf("fly header = %q", got)
	}
	if len(cfg.FillerPhrases) != 2 || cfg.FillerPhrases[1] != "Hang on." {
		t.Fatalf("FillerPhrases = %q", cfg.FillerPhrases)
	}
	if cfg.Filler().Threshold != 0 {
		t.Fatalf("FillerThreshold = %v, want disabled", cfg.FillerThreshold)
	}
	if cfg.IdlePrompt != 250*time.Millisecond || cfg.SessionTimers {
		t.Fatalf("IdlePrompt = %v SessionTimers = %v", cfg.IdlePrompt, cfg.SessionTimers)
	}
}

func TestLoadFromEnv_Validation(t *testing.T) {
	cases := []struct {
		key, value, want string
	}{
		{"DEEPGRAM_API_KEY", " ", "DEEPGRAM_API_KEY"},
		{"OPENCLAW_GATEWAY_TOKEN", " ", "OPENCLAW_GATEWAY_TOKEN"},
		{"FILLER_THRESHOLD_MS", "-1", "FILLER_THRESHOLD_MS"},
		{"CALLS_MAX_ENTRIES", "0", "CALLS_MAX_ENTRIES"},
		{"IDLE_EXIT_MS", "-5", "session timer"},
		{"END_CALL_GRACE", "0s", "END_CALL_GRACE"},
		{"MAX_BODY_BYTES", "0", "MAX_BODY_BYTES"},
		{"MAX_LIVE_CALLS", "-1", "MAX_LIVE_CALLS"},
		{"ACTION_RPS", "-0.5", "ACTION_RPS"},
		{"TIMEZONE", "Not/AZone", "TIMEZONE"},
	}
	for _, tc := range cases {
		t.Run(tc.key, func(t *testing.T) {
			clearGatewayEnv(t)
			t.Setenv(tc.key, tc.value)
			_, err := LoadFromEnv()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %s", err, tc.want)
			}
		})
	}
}
