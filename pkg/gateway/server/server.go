package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/deepgram/dglabs-deepclaw/pkg/anthropic"
	"github.com/deepgram/dglabs-deepclaw/pkg/gateway/config"
	"github.com/deepgram/dglabs-deepclaw/pkg/gateway/filler"
	"github.com/deepgram/dglabs-deepclaw/pkg/gateway/handlers"
	"github.com/deepgram/dglabs-deepclaw/pkg/gateway/lifecycle"
	"github.com/deepgram/dglabs-deepclaw/pkg/gateway/live/bridge"
	"github.com/deepgram/dglabs-deepclaw/pkg/gateway/live/sessions"
	"github.com/deepgram/dglabs-deepclaw/pkg/gateway/live/status"
	"github.com/deepgram/dglabs-deepclaw/pkg/gateway/metrics"
	"github.com/deepgram/dglabs-deepclaw/pkg/gateway/mw"
	"github.com/deepgram/dglabs-deepclaw/pkg/gateway/openclaw"
	"github.com/deepgram/dglabs-deepclaw/pkg/gateway/outbound"
	"github.com/deepgram/dglabs-deepclaw/pkg/gateway/ratelimit"
	"github.com/deepgram/dglabs-deepclaw/pkg/postcall"
	"github.com/deepgram/dglabs-deepclaw/pkg/workspace"
)

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	lifecycle *lifecycle.Lifecycle
	registry  *sessions.Registry
	inflight  *sessions.Inflight
	metrics   *metrics.Metrics
	limiter   *ratelimit.Limiter
	events    *openclaw.EventClient

	httpClient *http.Client
	bridge     *bridge.Bridge
	dialer     *outbound.Dialer
	filler     *filler.Filler
}

func New(cfg config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	phrases, err := status.LoadPhrases(cfg.StatusPhrasesFile)
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout: 10 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
		Timeout: 30 * time.Second,
	}

	events := openclaw.NewEventClient(cfg.GatewayWSURL, cfg.GatewayToken,
		openclaw.WithLogger(logger.With("component", "openclaw_events")),
	)

	limiter := ratelimit.New(ratelimit.Config{
		MaxLiveCalls: cfg.MaxLiveCalls,
		ActionRPS:    cfg.ActionRPS,
		ActionBurst:  cfg.ActionBurst,
	})

	s := &Server{
		cfg:        cfg,
		logger:     logger,
		mux:        http.NewServeMux(),
		lifecycle:  &lifecycle.Lifecycle{},
		registry:   sessions.NewRegistry(),
		inflight:   sessions.NewInflight(),
		metrics:    metrics.New("deepclaw"),
		limiter:    limiter,
		httpClient: httpClient,
		events:     events,
	}

	llm := anthropic.New(cfg.AnthropicAPIKey,
		anthropic.WithBaseURL(cfg.AnthropicBaseURL),
		anthropic.WithHTTPClient(httpClient),
	)
	gateway := openclaw.NewClient(cfg.GatewayBaseURL, cfg.GatewayToken, openclaw.WithHTTPClient(httpClient))
	ws := workspace.New(cfg.WorkspaceDir, cfg.AgentID)

	s.filler = filler.New(cfg.Filler(), llm, logger.With("component", "filler"))
	s.dialer = outbound.NewDialer(outbound.Config{
		ProxyURL:  cfg.TwilioProxyURL,
		PublicURL: cfg.PublicURL,
	}, outbound.NewStore(outbound.DefaultContextTTL), httpClient)

	post := postcall.New(postcall.Config{
		Extraction:      cfg.PostCallExtraction,
		CallsMaxEntries: cfg.CallsMaxEntries,
		Location:        cfg.Timezone,
	}, postcall.Dependencies{
		Workspace: ws,
		LLM:       llm,
		Gateway:   gateway,
		Logger:    logger.With("component", "postcall"),
		OnFailure: s.metrics.RecordPostCallFailure,
	})

	s.bridge = bridge.New(bridge.Config{
		AgentURL:     cfg.DeepgramAgentURL,
		APIKey:       cfg.DeepgramAPIKey,
		AgentID:      cfg.AgentID,
		ListenModel:  cfg.ListenModel,
		ThinkModel:   cfg.ThinkModel,
		Voice:        cfg.Voice,
		ThinkURL:     cfg.ThinkURL(),
		GatewayToken: cfg.GatewayToken,
		ThinkHeaders: cfg.ThinkHeaders(),
		Greeting:     cfg.Greeting,
		AgentName:    cfg.AgentName,
		Prompt:       cfg.Prompt(),
		Timers:       cfg.Timers(),
		Phrases:      phrases,
		EndCallGrace: cfg.EndCallGrace,
		WriteTimeout: cfg.WSWriteTimeout,
		PingInterval: cfg.WSPingInterval,
	}, bridge.Dependencies{
		Registry:  s.registry,
		Workspace: ws,
		Events:    s.events,
		PostCall:  post,
		Metrics:   s.metrics,
		Dialer:    &websocket.Dialer{HandshakeTimeout: bridge.DefaultHandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		Logger:    logger.With("component", "bridge"),
	})

	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.Handle("/", handlers.NotFoundHandler{})
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{Lifecycle: s.lifecycle, Registry: s.registry})
	s.mux.Handle("/health", handlers.GatewayHealthHandler{GatewayURL: s.cfg.GatewayBaseURL})
	s.mux.Handle("/metrics", s.metrics.Handler())

	s.mux.Handle("/twilio/inbound", handlers.InboundTwiMLHandler{Logger: s.logger})
	s.mux.Handle("/twilio/outbound", handlers.OutboundTwiMLHandler{})
	s.mux.Handle(handlers.StreamPath, handlers.StreamHandler{
		Runner:       s.bridge,
		Lifecycle:    s.lifecycle,
		StartTimeout: s.cfg.StreamStartTimeout,
		Limiter:      s.limiter,
		Metrics:      s.metrics,
		Logger:       s.logger,
	})
	s.mux.Handle(handlers.OutboundStreamPath, handlers.StreamHandler{
		Runner:       s.bridge,
		Lifecycle:    s.lifecycle,
		Outbound:     true,
		Store:        s.dialer.Store(),
		StartTimeout: s.cfg.StreamStartTimeout,
		Limiter:      s.limiter,
		Metrics:      s.metrics,
		Logger:       s.logger,
	})

	s.mux.Handle("/v1/chat/completions", handlers.CompletionsHandler{
		UpstreamURL:  s.cfg.GatewayCompletionsURL(),
		HTTPClient:   handlers.NewUpstreamClient(),
		Registry:     s.registry,
		Inflight:     s.inflight,
		Filler:       s.filler,
		Metrics:      s.metrics,
		MaxBodyBytes: s.cfg.MaxBodyBytes,
		Logger:       s.logger,
	})

	s.mux.Handle("/actions/status-update", mw.ActionRateLimit(s.limiter, handlers.StatusUpdateHandler{
		Registry:     s.registry,
		Metrics:      s.metrics,
		MaxBodyBytes: s.cfg.MaxBodyBytes,
		Logger:       s.logger,
	}))
	s.mux.Handle("/actions/mute", mw.ActionRateLimit(s.limiter, handlers.MuteHandler{
		Registry:     s.registry,
		MaxBodyBytes: s.cfg.MaxBodyBytes,
		Logger:       s.logger,
	}))
	s.mux.Handle("/actions/make-call", mw.ActionRateLimit(s.limiter, handlers.MakeCallHandler{
		Dialer:       s.dialer,
		MaxBodyBytes: s.cfg.MaxBodyBytes,
		Logger:       s.logger,
	}))
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// RunEventClient keeps the gateway event connection up until ctx ends.
func (s *Server) RunEventClient(ctx context.Context) {
	s.events.Run(ctx)
}

// SetDraining fails readiness and refuses new media streams.
func (s *Server) SetDraining() {
	s.lifecycle.SetDraining()
}

func (s *Server) LiveCalls() int {
	return s.registry.Count()
}

// WaitLiveCalls blocks until every live call has ended or ctx is done. It
// reports whether all calls ended.
func (s *Server) WaitLiveCalls(ctx context.Context) bool {
	return s.registry.Wait(ctx)
}

// CancelLiveCalls hangs up every call still live.
func (s *Server) CancelLiveCalls() {
	if n := s.registry.CancelAll(); n > 0 {
		s.logger.Warn("cancelled live calls", "count", n)
	}
}
