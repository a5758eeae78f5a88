// Package bridge runs one phone call: it relays audio between the telephony
// media stream and the voice agent service, dispatches agent events to the
// engagement timers and handles the end_call function.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/deepgram/dglabs-deepclaw/pkg/gateway/live/agentproto"
	"github.com/deepgram/dglabs-deepclaw/pkg/gateway/live/media"
	"github.com/deepgram/dglabs-deepclaw/pkg/gateway/live/sessions"
	"github.com/deepgram/dglabs-deepclaw/pkg/gateway/live/status"
	"github.com/deepgram/dglabs-deepclaw/pkg/gateway/live/timers"
	"github.com/deepgram/dglabs-deepclaw/pkg/gateway/metrics"
	"github.com/deepgram/dglabs-deepclaw/pkg/postcall"
	"github.com/deepgram/dglabs-deepclaw/pkg/workspace"
)

const (
	DefaultEndCallGrace     = time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultOverrideGreeting = "Hello!"

	// SessionKeyHeader carries the session key on think requests.
	SessionKeyHeader = "x-openclaw-session-key"
)

const (
	OutcomeCompleted        = "completed"
	OutcomeAgentUnavailable = "agent_unavailable"
	OutcomeHandshakeFailed  = "handshake_failed"
)

const (
	SourceTimer   = "timer"
	SourceStatus  = "status"
	SourceEndCall = "end_call"
)

// SessionKey names the OpenClaw session a call runs in.
func SessionKey(agentID, callID string) string {
	if strings.TrimSpace(agentID) == "" {
		agentID = "main"
	}
	return "agent:" + agentID + ":" + callID
}

// NewCallID returns a short random call id.
func NewCallID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

type Config struct {
	AgentURL string
	APIKey   string
	AgentID  string

	ListenModel string
	ThinkModel  string
	Voice       string
	// ThinkURL is the chat-completions endpoint the agent calls to think.
	ThinkURL     string
	GatewayToken string
	// ThinkHeaders are added to every think request.
	ThinkHeaders map[string]string

	// Greeting is the fallback greeting for inbound calls.
	Greeting string
	// AgentName binds unmute matching; empty falls back to IDENTITY.md.
	AgentName string
	Prompt    workspace.PromptOptions

	Timers  timers.Config
	Phrases *status.Phrases

	EndCallGrace     time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
}

// PostCall runs the follow-up work of an inbound call.
type PostCall interface {
	Run(ctx context.Context, call postcall.CallInfo)
}

type Dependencies struct {
	Registry  *sessions.Registry
	Workspace *workspace.Workspace
	// Events feeds the tool-status injector; nil disables it.
	Events    status.Subscriber
	PostCall  PostCall
	Metrics   *metrics.Metrics
	Dialer    *websocket.Dialer
	Scheduler timers.Scheduler
	Logger    *slog.Logger
}

// Call describes one media stream handed to the bridge.
type Call struct {
	StreamSID   string
	CallID      string
	CallerPhone string
	Direction   string
	// PromptOverride replaces the workspace prompt and disables post-call
	// work.
	PromptOverride   string
	GreetingOverride string
}

type Bridge struct {
	cfg  Config
	deps Dependencies
}

func New(cfg Config, deps Dependencies) *Bridge {
	if cfg.EndCallGrace <= 0 {
		cfg.EndCallGrace = DefaultEndCallGrace
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if deps.Registry == nil {
		deps.Registry = sessions.NewRegistry()
	}
	if deps.Workspace == nil {
		deps.Workspace = workspace.New("", cfg.AgentID)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Bridge{cfg: cfg, deps: deps}
}

// call is the per-call state shared by the relay tasks.
type call struct {
	Call
	key    string
	logger *slog.Logger

	agent  *AgentConn
	writer *telephonyWriter
	timers *timers.Machine
	cancel context.CancelFunc

	transcript []postcall.TranscriptEntry
}

// Run bridges tel to the agent service until either side hangs up, the
// timers end the call or the agent calls end_call. It returns an error only
// when the agent connection could not be established.
func (b *Bridge) Run(ctx context.Context, tel Telephony, c Call) error {
	if c.CallID == "" {
		c.CallID = NewCallID()
	}
	if c.Direction == "" {
		c.Direction = postcall.DirectionInbound
	}
	key := SessionKey(b.cfg.AgentID, c.CallID)
	logger := b.deps.Logger.With("session_key", key, "stream_sid", c.StreamSID)

	dialCtx, cancelDial := context.WithTimeout(ctx, b.cfg.HandshakeTimeout)
	agent, err := DialAgent(dialCtx, b.deps.Dialer, b.cfg.AgentURL, b.cfg.APIKey)
	cancelDial()
	if err != nil {
		logger.Error("failed to connect to voice agent", "error", err)
		b.deps.Metrics.RecordCallRejected(c.Direction, OutcomeAgentUnavailable)
		_ = tel.Close()
		return err
	}
	agent.writeTimeout = b.cfg.WriteTimeout

	settings := agentproto.NewSettings(b.settingsParams(c, key, logger))
	if err := agent.SendSettings(ctx, settings); err != nil {
		logger.Error("failed to send agent settings", "error", err)
		b.deps.Metrics.RecordCallRejected(c.Direction, OutcomeHandshakeFailed)
		_ = agent.Close()
		_ = tel.Close()
		return fmt.Errorf("send settings: %w", err)
	}
	logger.Info("agent settings sent", "direction", c.Direction)

	started := time.Now()
	b.deps.Metrics.RecordCallStart()

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	st := &call{Call: c, key: key, logger: logger, agent: agent, cancel: cancel}
	st.writer = newTelephonyWriter(callCtx, tel, c.StreamSID, b.cfg.WriteTimeout, b.cfg.PingInterval)
	st.writer.onAudio = func(n int) { b.deps.Metrics.RecordAudio("out", n) }

	unregister := b.deps.Registry.Register(key, sessions.Registration{
		Conn:      agent,
		AgentName: b.agentName(),
		Cancel:    cancel,
	})

	if b.cfg.Timers.Enabled {
		st.timers = timers.New(callCtx, b.cfg.Timers, timers.Callbacks{
			Inject:  b.injector(agent, SourceTimer),
			EndCall: cancel,
		},
			timers.WithScheduler(b.deps.Scheduler),
			timers.WithLogger(logger),
			timers.WithFireHook(b.deps.Metrics.RecordTimerFire),
		)
		b.deps.Registry.SetTimers(key, st.timers)
		logger.Info("session timers enabled",
			"reengage", b.cfg.Timers.ResponseReengage,
			"exit", b.cfg.Timers.ResponseExit,
			"idle_prompt", b.cfg.Timers.IdlePrompt,
			"idle_exit", b.cfg.Timers.IdleExit,
		)
	}

	injector := status.New(callCtx, key, status.Config{Phrases: b.cfg.Phrases}, status.Dependencies{
		Subscriber: b.deps.Events,
		Inject:     agent.InjectAgentMessage,
		Muted:      func() bool { return b.deps.Registry.IsMuted(key) },
		Logger:     logger,
		OnInject:   func(string, string) { b.deps.Metrics.RecordInjected(SourceStatus) },
	})
	if err := injector.Start(); err != nil {
		logger.Warn("status injector unavailable", "error", err)
	}
	b.deps.Registry.SetInjector(key, injector)

	// Blocking reads are released by closing the sockets.
	go func() {
		<-callCtx.Done()
		_ = agent.Close()
	}()

	var g errgroup.Group
	g.Go(func() error {
		defer cancel()
		defer tel.Close()
		return st.writer.Run()
	})
	g.Go(func() error {
		defer cancel()
		return b.telephonyToAgent(callCtx, tel, st)
	})
	g.Go(func() error {
		defer cancel()
		return b.agentToTelephony(callCtx, st)
	})
	if err := g.Wait(); err != nil {
		logger.Info("call relay ended with error", "error", err)
	}

	if st.timers != nil {
		st.timers.ClearAll()
	}
	injector.Stop()
	unregister()
	_ = agent.Close()
	b.deps.Metrics.RecordCallEnd(c.Direction, OutcomeCompleted, time.Since(started))
	logger.Info("agent bridge finished", "duration", time.Since(started), "turns", len(st.transcript))

	if c.PromptOverride == "" && b.deps.PostCall != nil {
		b.deps.PostCall.Run(context.WithoutCancel(ctx), postcall.CallInfo{
			CallID:      c.CallID,
			SessionKey:  key,
			PhoneNumber: c.CallerPhone,
			Direction:   c.Direction,
			EndedAt:     time.Now(),
			Transcript:  st.transcript,
		})
	}
	return nil
}

func (b *Bridge) agentName() string {
	if name := strings.TrimSpace(b.cfg.AgentName); name != "" {
		return name
	}
	return b.deps.Workspace.AgentName()
}

func (b *Bridge) injector(agent *AgentConn, source string) func(context.Context, string) error {
	return func(ctx context.Context, message string) error {
		if err := agent.InjectAgentMessage(ctx, message); err != nil {
			return err
		}
		b.deps.Metrics.RecordInjected(source)
		return nil
	}
}

func (b *Bridge) settingsParams(c Call, key string, logger *slog.Logger) agentproto.SettingsParams {
	headers := map[string]string{
		"Authorization":  "Bearer " + b.cfg.GatewayToken,
		SessionKeyHeader: key,
	}
	for k, v := range b.cfg.ThinkHeaders {
		headers[k] = v
	}

	p := agentproto.SettingsParams{
		ListenModel:  b.cfg.ListenModel,
		ThinkModel:   b.cfg.ThinkModel,
		Voice:        b.cfg.Voice,
		ThinkURL:     b.cfg.ThinkURL,
		ThinkHeaders: headers,
	}
	if c.PromptOverride != "" {
		p.Prompt = c.PromptOverride
		p.Greeting = c.GreetingOverride
		if p.Greeting == "" {
			p.Greeting = DefaultOverrideGreeting
		}
		logger.Info("using prompt override")
		return p
	}

	prompt := b.deps.Workspace.BuildPrompt(b.cfg.Prompt)
	p.Prompt = prompt.Text
	p.Greeting = b.deps.Workspace.Greeting(prompt, b.cfg.Greeting)
	logger.Info("voice prompt built", "first_caller", prompt.FirstCaller, "sections", strings.Join(prompt.Sections, ", "))
	return p
}

func (b *Bridge) telephonyToAgent(ctx context.Context, tel Telephony, st *call) error {
	for {
		_, data, err := tel.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				st.logger.Info("telephony stream disconnected", "error", err)
			}
			return nil
		}
		ev := media.Parse(data)
		switch ev.Event {
		case media.EventMedia:
			audio := media.ExtractAudio(ev)
			if audio == nil {
				continue
			}
			if err := st.agent.SendAudio(ctx, audio); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("forward caller audio: %w", err)
			}
			b.deps.Metrics.RecordAudio("in", len(audio))
		case media.EventStop:
			st.logger.Info("telephony sent stop")
			return nil
		}
	}
}

func (b *Bridge) agentToTelephony(ctx context.Context, st *call) error {
	var farewellPending bool
	for {
		typ, data, err := st.agent.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				st.logger.Info("agent connection closed", "error", err)
			}
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		if typ == websocket.BinaryMessage {
			if !st.writer.Media(data) {
				return nil
			}
			continue
		}

		ev, err := agentproto.Decode(data)
		if err != nil {
			st.logger.Debug("dropping malformed agent frame", "error", err)
			continue
		}
		switch e := ev.(type) {
		case agentproto.ConversationText:
			st.logger.Info("conversation", "role", e.Role, "content", e.Content)
			if e.Content != "" {
				speaker := postcall.SpeakerAgent
				if e.Role == agentproto.RoleUser {
					speaker = postcall.SpeakerCaller
				}
				st.transcript = append(st.transcript, postcall.TranscriptEntry{At: time.Now(), Speaker: speaker, Text: e.Content})
			}
			if st.timers != nil {
				switch e.Role {
				case agentproto.RoleUser:
					st.timers.UserSpoke()
				case agentproto.RoleAssistant:
					st.timers.AgentStartedSpeaking()
				}
			}
		case agentproto.UserStartedSpeaking:
			st.writer.Clear()
			if st.timers != nil {
				st.timers.UserStartedSpeaking()
			}
		case agentproto.AgentStartedSpeaking:
			if st.timers != nil {
				st.timers.AgentStartedSpeaking()
			}
		case agentproto.AgentAudioDone:
			if st.timers != nil {
				st.timers.AgentAudioDone()
			}
			if farewellPending {
				st.logger.Info("farewell spoken, hanging up", "grace", b.cfg.EndCallGrace)
				select {
				case <-ctx.Done():
				case <-time.After(b.cfg.EndCallGrace):
				}
				st.cancel()
				return nil
			}
		case agentproto.FunctionCallRequest:
			if e.Name != agentproto.EndCallFunction {
				st.logger.Info("unhandled function call", "function", e.Name)
				continue
			}
			if err := b.endCall(ctx, st, e); err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}
			farewellPending = true
		case agentproto.Warning:
			st.logger.Warn("agent warning", "code", e.Code, "description", e.Description)
		case agentproto.Error:
			st.logger.Error("agent error", "code", e.Code, "description", e.Description)
		default:
			st.logger.Debug("agent event", "type", ev.EventType())
		}
	}
}

// endCall acknowledges end_call and speaks the farewell. The hangup waits for
// the next AgentAudioDone.
func (b *Bridge) endCall(ctx context.Context, st *call, req agentproto.FunctionCallRequest) error {
	st.logger.Info("end_call invoked by agent")
	if st.timers != nil {
		st.timers.ClearAll()
	}
	if err := st.agent.RespondFunctionCall(ctx, req.ID, map[string]bool{"ok": true}); err != nil {
		return fmt.Errorf("acknowledge end_call: %w", err)
	}
	farewell := strings.TrimSpace(req.StringInput(agentproto.EndCallFarewell))
	if farewell == "" {
		farewell = agentproto.DefaultFarewell
	}
	if err := b.injector(st.agent, SourceEndCall)(ctx, farewell); err != nil {
		return fmt.Errorf("inject farewell: %w", err)
	}
	return nil
}

var _ sessions.Conn = (*AgentConn)(nil)
