package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/deepgram/dglabs-deepclaw/pkg/gateway/filler"
	"github.com/deepgram/dglabs-deepclaw/pkg/gateway/live/timers"
	"github.com/deepgram/dglabs-deepclaw/pkg/workspace"
)

const (
	DefaultResponseReengageMessage = "I'm having trouble with that one. Could you try asking differently?"
	DefaultResponseExitMessage     = "I'm sorry, I can't respond right now. Talk to you later. Goodbye."
	DefaultIdlePromptMessage       = "Are you still there?"
	DefaultIdleExitMessage         = "Alright, I'll let you go. Call back anytime. Goodbye."
)

type Config struct {
	Addr string

	// Voice agent service.
	DeepgramAPIKey   string
	DeepgramAgentURL string
	ListenModel      string
	ThinkModel       string
	Voice            string
	AgentName        string
	Greeting         string

	// OpenClaw gateway.
	GatewayToken   string
	AgentID        string
	GatewayBaseURL string
	GatewayWSURL   string
	PublicURL      string
	// FlyMachineID pins think requests to this machine when set.
	FlyMachineID string

	ActionNudges      bool
	FirstCallerNudge  int
	ReturningNudge    int
	WorkspaceDir      string
	StatusPhrasesFile string

	FillerThreshold time.Duration
	FillerPhrases   []string
	FillerDynamic   bool

	AnthropicAPIKey  string
	AnthropicBaseURL string

	Timezone           *time.Location
	CallsMaxEntries    int
	PostCallExtraction bool

	SessionTimers           bool
	ResponseReengage        time.Duration
	ResponseExit            time.Duration
	IdlePrompt              time.Duration
	IdleExit                time.Duration
	ResponseReengageMessage string
	ResponseExitMessage     string
	IdlePromptMessage       string
	IdleExitMessage         string
	PostExitDelay           time.Duration

	EndCallGrace       time.Duration
	StreamStartTimeout time.Duration

	TwilioProxyURL string

	// Limits
	MaxLiveCalls int
	ActionRPS    float64
	ActionBurst  int

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
	MaxBodyBytes        int64
	WSWriteTimeout      time.Duration
	WSPingInterval      time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                    envOr("DEEPCLAW_ADDR", ":8000"),
		DeepgramAPIKey:          envOr("DEEPGRAM_API_KEY", ""),
		DeepgramAgentURL:        envOr("DEEPGRAM_AGENT_URL", "wss://agent.deepgram.com/v1/agent/converse"),
		ListenModel:             envOr("AGENT_LISTEN_MODEL", "flux-general-en"),
		ThinkModel:              envOr("AGENT_THINK_MODEL", "anthropic/claude-haiku-4-5"),
		Voice:                   envOr("AGENT_VOICE", "aura-2-thalia-en"),
		AgentName:               envOr("AGENT_NAME", ""),
		Greeting:                envOr("AGENT_GREETING", "Hello! How can I help you today?"),
		GatewayToken:            envOr("OPENCLAW_GATEWAY_TOKEN", ""),
		AgentID:                 envOr("OPENCLAW_AGENT_ID", "main"),
		GatewayBaseURL:          strings.TrimRight(envOr("OPENCLAW_BASE_URL", "http://localhost:18789"), "/"),
		GatewayWSURL:            envOr("OPENCLAW_WS_URL", "ws://localhost:18789"),
		PublicURL:               strings.TrimRight(envOr("PUBLIC_URL", "https://deepclaw-instance.fly.dev"), "/"),
		FlyMachineID:            envOr("FLY_MACHINE_ID", ""),
		ActionNudges:            envBoolOr("ENABLE_ACTION_NUDGES", true),
		FirstCallerNudge:        envIntOr("FIRST_CALLER_NUDGE_WINDOW_SEC", 15),
		ReturningNudge:          envIntOr("RETURNING_CALLER_NUDGE_WINDOW_SEC", 45),
		WorkspaceDir:            envOr("WORKSPACE_DIR", workspace.DefaultDir()),
		StatusPhrasesFile:       envOr("STATUS_PHRASES_FILE", ""),
		FillerThreshold:         envMillisOr("FILLER_THRESHOLD_MS", filler.DefaultThreshold),
		FillerPhrases:           splitCSV(os.Getenv("FILLER_PHRASES")),
		FillerDynamic:           envBoolOr("FILLER_DYNAMIC", true),
		AnthropicAPIKey:         envOr("ANTHROPIC_API_KEY", ""),
		AnthropicBaseURL:        envOr("ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
		CallsMaxEntries:         envIntOr("CALLS_MAX_ENTRIES", 50),
		PostCallExtraction:      envBoolOr("POST_CALL_EXTRACTION", true),
		SessionTimers:           envBoolOr("SESSION_TIMER_ENABLED", true),
		ResponseReengage:        envMillisOr("RESPONSE_REENGAGE_MS", 15*time.Second),
		ResponseExit:            envMillisOr("RESPONSE_EXIT_MS", 45*time.Second),
		IdlePrompt:              envMillisOr("IDLE_PROMPT_MS", 30*time.Second),
		IdleExit:                envMillisOr("IDLE_EXIT_MS", 15*time.Second),
		ResponseReengageMessage: envOr("RESPONSE_REENGAGE_MESSAGE", DefaultResponseReengageMessage),
		ResponseExitMessage:     envOr("RESPONSE_EXIT_MESSAGE", DefaultResponseExitMessage),
		IdlePromptMessage:       envOr("IDLE_PROMPT_MESSAGE", DefaultIdlePromptMessage),
		IdleExitMessage:         envOr("IDLE_EXIT_MESSAGE", DefaultIdleExitMessage),
		PostExitDelay:           envDurationOr("SESSION_POST_EXIT_DELAY", timers.DefaultPostExitDelay),
		EndCallGrace:            envDurationOr("END_CALL_GRACE", time.Second),
		StreamStartTimeout:      envDurationOr("STREAM_START_TIMEOUT", 10*time.Second),
		TwilioProxyURL:          strings.TrimRight(envOr("TWILIO_PROXY_URL", ""), "/"),
		ReadHeaderTimeout:       envDurationOr("READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:     envDurationOr("SHUTDOWN_GRACE_PERIOD", 30*time.Second),
		MaxBodyBytes:            envInt64Or("MAX_BODY_BYTES", 8<<20), // 8 MiB
		MaxLiveCalls:            envIntOr("MAX_LIVE_CALLS", 0),
		ActionRPS:               envFloatOr("ACTION_RPS", 2),
		ActionBurst:             envIntOr("ACTION_BURST", 10),
		WSWriteTimeout:          envDurationOr("WS_WRITE_TIMEOUT", 5*time.Second),
		WSPingInterval:          envDurationOr("WS_PING_INTERVAL", 20*time.Second),
	}
	if len(cfg.FillerPhrases) == 0 {
		cfg.FillerPhrases = append([]string(nil), filler.DefaultPhrases...)
	}

	tz := envOr("TIMEZONE", "UTC")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return Config{}, fmt.Errorf("TIMEZONE %q: %w", tz, err)
	}
	cfg.Timezone = loc

	if cfg.DeepgramAPIKey == "" {
		return Config{}, fmt.Errorf("DEEPGRAM_API_KEY must be set")
	}
	if cfg.GatewayToken == "" {
		return Config{}, fmt.Errorf("OPENCLAW_GATEWAY_TOKEN must be set")
	}
	if cfg.FillerThreshold < 0 {
		return Config{}, fmt.Errorf("FILLER_THRESHOLD_MS must be >= 0")
	}
	if cfg.FirstCallerNudge <= 0 {
		return Config{}, fmt.Errorf("FIRST_CALLER_NUDGE_WINDOW_SEC must be > 0")
	}
	if cfg.ReturningNudge <= 0 {
		return Config{}, fmt.Errorf("RETURNING_CALLER_NUDGE_WINDOW_SEC must be > 0")
	}
	if cfg.CallsMaxEntries <= 0 {
		return Config{}, fmt.Errorf("CALLS_MAX_ENTRIES must be > 0")
	}
	if cfg.ResponseReengage < 0 || cfg.ResponseExit < 0 || cfg.IdlePrompt < 0 || cfg.IdleExit < 0 {
		return Config{}, fmt.Errorf("session timer durations must be >= 0")
	}
	if cfg.PostExitDelay < 0 {
		return Config{}, fmt.Errorf("SESSION_POST_EXIT_DELAY must be >= 0")
	}
	if cfg.EndCallGrace <= 0 {
		return Config{}, fmt.Errorf("END_CALL_GRACE must be > 0")
	}
	if cfg.StreamStartTimeout <= 0 {
		return Config{}, fmt.Errorf("STREAM_START_TIMEOUT must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if cfg.MaxBodyBytes <= 0 {
		return Config{}, fmt.Errorf("MAX_BODY_BYTES must be > 0")
	}
	if cfg.MaxLiveCalls < 0 {
		return Config{}, fmt.Errorf("MAX_LIVE_CALLS must be >= 0")
	}
	if cfg.ActionRPS < 0 || cfg.ActionBurst < 0 {
		return Config{}, fmt.Errorf("ACTION_RPS and ACTION_BURST must be >= 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("WS_PING_INTERVAL must be > 0")
	}

	return cfg, nil
}

// ThinkURL is the completion endpoint the voice agent calls back into.
func (c Config) ThinkURL() string {
	return c.PublicURL + "/v1/chat/completions"
}

// GatewayCompletionsURL is where think requests are proxied to.
func (c Config) GatewayCompletionsURL() string {
	return c.GatewayBaseURL + "/v1/chat/completions"
}

// ThinkHeaders are the extra headers added to every think request.
func (c Config) ThinkHeaders() map[string]string {
	if c.FlyMachineID == "" {
		return nil
	}
	return map[string]string{"fly-force-instance-id": c.FlyMachineID}
}

func (c Config) Timers() timers.Config {
	return timers.Config{
		Enabled:                 c.SessionTimers,
		ResponseReengage:        c.ResponseReengage,
		ResponseExit:            c.ResponseExit,
		IdlePrompt:              c.IdlePrompt,
		IdleExit:                c.IdleExit,
		ResponseReengageMessage: c.ResponseReengageMessage,
		ResponseExitMessage:     c.ResponseExitMessage,
		IdlePromptMessage:       c.IdlePromptMessage,
		IdleExitMessage:         c.IdleExitMessage,
		PostExitDelay:           c.PostExitDelay,
	}
}

func (c Config) Filler() filler.Config {
	return filler.Config{
		Threshold: c.FillerThreshold,
		Dynamic:   c.FillerDynamic,
		Phrases:   c.FillerPhrases,
	}
}

func (c Config) Prompt() workspace.PromptOptions {
	return workspace.PromptOptions{
		ActionNudges:      c.ActionNudges,
		FirstCallerWindow: c.FirstCallerNudge,
		ReturningWindow:   c.ReturningNudge,
	}
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envFloatOr(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

// envMillisOr reads an integer millisecond count.
func envMillisOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return time.Duration(n) * time.Millisecond
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
