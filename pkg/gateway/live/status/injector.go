// Package status speaks short tool-progress phrases into a live call while the
// agent works on a slow turn.
package status

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/deepgram/dglabs-deepclaw/pkg/gateway/live/timers"
	"github.com/deepgram/dglabs-deepclaw/pkg/gateway/openclaw"
)

const (
	DefaultHoldoff  = 3500 * time.Millisecond
	DefaultCooldown = 7 * time.Second
)

// Subscriber delivers gateway events for one session key.
type Subscriber interface {
	Subscribe(sessionKey string, h openclaw.EventHandler) error
	Unsubscribe(sessionKey string) error
}

type Config struct {
	// Holdoff is the quiet window at the start of each turn.
	Holdoff time.Duration
	// Cooldown is the minimum spacing between two injections.
	Cooldown time.Duration
	Phrases  *Phrases
}

type Dependencies struct {
	Subscriber Subscriber
	Inject     func(ctx context.Context, message string) error
	Muted      func() bool
	Scheduler  timers.Scheduler
	Now        func() time.Time
	Logger     *slog.Logger
	// OnInject observes every phrase actually sent.
	OnInject func(tool, phrase string)
}

type pending struct {
	h      timers.Handle
	tool   string
	phrase string
}

type Injector struct {
	ctx  context.Context
	key  string
	cfg  Config
	deps Dependencies

	mu               sync.Mutex
	turnStart        time.Time
	lastInject       time.Time
	contentStreaming bool
	stopped          bool
	pending          *pending
}

func New(ctx context.Context, sessionKey string, cfg Config, deps Dependencies) *Injector {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.Holdoff <= 0 {
		cfg.Holdoff = DefaultHoldoff
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.Phrases == nil {
		cfg.Phrases = DefaultPhrases()
	}
	if deps.Scheduler == nil {
		deps.Scheduler = timers.RealScheduler{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Injector{ctx: ctx, key: sessionKey, cfg: cfg, deps: deps}
}

// Start subscribes to the session's gateway events. Without a subscriber the
// injector stays inert.
func (i *Injector) Start() error {
	if i.deps.Subscriber == nil {
		i.deps.Logger.Warn("no gateway event client, status injector disabled", "session_key", i.key)
		return nil
	}
	if err := i.deps.Subscriber.Subscribe(i.key, i.HandleEvent); err != nil {
		return err
	}
	i.deps.Logger.Info("status injector started", "session_key", i.key)
	return nil
}

// Stop cancels any pending phrase and unsubscribes. It is terminal.
func (i *Injector) Stop() {
	i.mu.Lock()
	i.stopped = true
	i.cancelPendingLocked()
	i.mu.Unlock()

	if i.deps.Subscriber != nil {
		if err := i.deps.Subscriber.Unsubscribe(i.key); err != nil {
			i.deps.Logger.Debug("status injector unsubscribe failed", "session_key", i.key, "error", err)
		}
	}
	i.deps.Logger.Info("status injector stopped", "session_key", i.key)
}

// Reset starts a new caller turn: content streaming is cleared, holdoff is
// re-armed and any pending phrase is dropped.
func (i *Injector) Reset() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.contentStreaming = false
	i.turnStart = i.deps.Now()
	i.cancelPendingLocked()
}

// HandleEvent routes tool-start and response-delta events.
func (i *Injector) HandleEvent(event string, payload openclaw.EventPayload) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.stopped {
		return
	}

	if event == "agent" && payload.Stream == "tool" {
		tool := payload.Tool()
		if tool.Phase == "start" && tool.Name != "" {
			i.deps.Logger.Info("tool started", "session_key", i.key, "tool", tool.Name)
			i.scheduleLocked(tool.Name)
		}
		return
	}

	if event == "chat" && payload.State == "delta" && !i.contentStreaming {
		i.deps.Logger.Info("response streaming, suppressing status phrases", "session_key", i.key)
		i.contentStreaming = true
		i.cancelPendingLocked()
	}
}

func (i *Injector) scheduleLocked(tool string) {
	if i.contentStreaming || i.stopped {
		return
	}
	now := i.deps.Now()
	holdoff := remaining(i.turnStart, i.cfg.Holdoff, now)
	cooldown := remaining(i.lastInject, i.cfg.Cooldown, now)
	delay := max(holdoff, cooldown)
	phrase := i.cfg.Phrases.Lookup(tool)

	i.deps.Logger.Info("scheduling status phrase",
		"session_key", i.key,
		"phrase", phrase,
		"delay", delay,
		"holdoff", holdoff,
		"cooldown", cooldown,
	)

	i.cancelPendingLocked()
	p := &pending{tool: tool, phrase: phrase}
	i.pending = p
	p.h = i.deps.Scheduler.AfterFunc(delay, func() { i.fire(p) })
}

func (i *Injector) fire(p *pending) {
	i.mu.Lock()
	if i.pending != p {
		i.mu.Unlock()
		return
	}
	i.pending = nil
	if i.stopped || i.contentStreaming {
		i.mu.Unlock()
		return
	}
	if i.deps.Muted != nil && i.deps.Muted() {
		i.mu.Unlock()
		i.deps.Logger.Info("session muted, skipping status phrase", "session_key", i.key)
		return
	}
	i.lastInject = i.deps.Now()
	i.mu.Unlock()

	i.deps.Logger.Info("injecting status phrase", "session_key", i.key, "phrase", p.phrase)
	if i.deps.Inject == nil {
		return
	}
	if err := i.deps.Inject(i.ctx, p.phrase); err != nil {
		i.deps.Logger.Warn("status phrase injection failed", "session_key", i.key, "error", err)
		return
	}
	if i.deps.OnInject != nil {
		i.deps.OnInject(p.tool, p.phrase)
	}
}

func (i *Injector) cancelPendingLocked() {
	if i.pending == nil {
		return
	}
	if i.pending.h != nil {
		i.pending.h.Stop()
	}
	i.pending = nil
}

func remaining(since time.Time, window time.Duration, now time.Time) time.Duration {
	if since.IsZero() {
		return 0
	}
	left := since.Add(window).Sub(now)
	if left < 0 {
		return 0
	}
	return left
}
