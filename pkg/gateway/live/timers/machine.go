// Package timers implements the per-call dead-air and idle-caller state machine.
//
// Two independent chains are tracked. The response chain starts when the
// caller finishes a turn and fires a re-engage message, then an exit and
// hangup, unless the agent starts speaking first. The idle chain starts when
// the agent finishes speaking and fires an "are you there" prompt, then an
// exit and hangup, unless the caller speaks first.
package timers

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	KindResponseReengage = "response_reengage"
	KindResponseExit     = "response_exit"
	KindIdlePrompt       = "idle_prompt"
	KindIdleExit         = "idle_exit"
)

const DefaultPostExitDelay = 3 * time.Second

// Config is fixed for the lifetime of a call. A zero duration disables that
// step of its chain.
type Config struct {
	Enabled bool

	ResponseReengage time.Duration
	ResponseExit     time.Duration
	IdlePrompt       time.Duration
	IdleExit         time.Duration

	ResponseReengageMessage string
	ResponseExitMessage     string
	IdlePromptMessage       string
	IdleExitMessage         string

	// PostExitDelay separates the exit message from the hangup.
	PostExitDelay time.Duration
}

type Callbacks struct {
	Inject  func(ctx context.Context, message string) error
	EndCall func()
}

type Option func(*Machine)

func WithScheduler(s Scheduler) Option {
	return func(m *Machine) {
		if s != nil {
			m.sched = s
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithFireHook observes every timer that actually fires.
func WithFireHook(fn func(kind string)) Option {
	return func(m *Machine) { m.onFire = fn }
}

type timer struct {
	h Handle
}

type Machine struct {
	ctx    context.Context
	cfg    Config
	cb     Callbacks
	sched  Scheduler
	logger *slog.Logger
	onFire func(kind string)

	mu           sync.Mutex
	reengage     *timer
	responseExit *timer
	idlePrompt   *timer
	idleExit     *timer

	idlePrompted bool
	// promptPlaying is set while the agent plays its own idle prompt, so the
	// resulting speech events do not cancel the pending idle exit.
	promptPlaying bool
	exiting       bool
	paused        bool
}

// New returns a machine whose callbacks run under ctx.
func New(ctx context.Context, cfg Config, cb Callbacks, opts ...Option) *Machine {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.PostExitDelay <= 0 {
		cfg.PostExitDelay = DefaultPostExitDelay
	}
	m := &Machine{
		ctx:    ctx,
		cfg:    cfg,
		cb:     cb,
		sched:  RealScheduler{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// active reports whether events should be handled. Pause is checked first.
func (m *Machine) active() bool {
	return m.cfg.Enabled && !m.paused && !m.exiting
}

// UserSpoke starts the response chain and clears the idle chain.
func (m *Machine) UserSpoke() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active() {
		return
	}
	m.stopResponseLocked()
	m.stopIdleLocked()
	m.idlePrompted = false
	m.promptPlaying = false

	m.schedule(&m.reengage, m.cfg.ResponseReengage, m.fireReengage)
	m.schedule(&m.responseExit, m.cfg.ResponseExit, m.fireResponseExit)
}

// AgentStartedSpeaking clears both chains. Speech belonging to the idle
// prompt itself keeps the idle exit armed.
func (m *Machine) AgentStartedSpeaking() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active() {
		return
	}
	m.stopResponseLocked()
	stop(&m.idlePrompt)
	if m.promptPlaying {
		return
	}
	stop(&m.idleExit)
	m.idlePrompted = false
}

// UserStartedSpeaking clears the idle chain (barge-in).
func (m *Machine) UserStartedSpeaking() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active() {
		return
	}
	m.stopIdleLocked()
	m.idlePrompted = false
	m.promptPlaying = false
}

// AgentAudioDone starts the idle chain unless the caller was already prompted.
func (m *Machine) AgentAudioDone() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active() {
		return
	}
	if m.promptPlaying {
		m.promptPlaying = false
		return
	}
	if m.idlePrompted {
		return
	}
	m.stopIdleLocked()
	m.schedule(&m.idlePrompt, m.cfg.IdlePrompt, m.fireIdlePrompt)
}

// Pause cancels pending timers and ignores events until Resume.
func (m *Machine) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = true
	m.stopResponseLocked()
	m.stopIdleLocked()
	m.idlePrompted = false
	m.promptPlaying = false
}

func (m *Machine) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = false
}

// ClearAll cancels everything and makes the machine terminal.
func (m *Machine) ClearAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exiting = true
	m.stopResponseLocked()
	m.stopIdleLocked()
}

// Pending reports which timers are currently armed.
type Pending struct {
	ResponseReengage bool
	ResponseExit     bool
	IdlePrompt       bool
	IdleExit         bool
}

func (m *Machine) Pending() Pending {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Pending{
		ResponseReengage: m.reengage != nil,
		ResponseExit:     m.responseExit != nil,
		IdlePrompt:       m.idlePrompt != nil,
		IdleExit:         m.idleExit != nil,
	}
}

func (m *Machine) Exiting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exiting
}

func (m *Machine) schedule(slot **timer, d time.Duration, fire func(*timer)) {
	if d <= 0 {
		return
	}
	t := &timer{}
	*slot = t
	t.h = m.sched.AfterFunc(d, func() { fire(t) })
}

func stop(slot **timer) {
	if *slot == nil {
		return
	}
	if (*slot).h != nil {
		(*slot).h.Stop()
	}
	*slot = nil
}

func (m *Machine) stopResponseLocked() {
	stop(&m.reengage)
	stop(&m.responseExit)
}

func (m *Machine) stopIdleLocked() {
	stop(&m.idlePrompt)
	stop(&m.idleExit)
}

// claim clears slot if t is still the timer armed there. A false result means
// t was cancelled or replaced after it was already due.
func (m *Machine) claim(slot **timer, t *timer) bool {
	if *slot != t {
		return false
	}
	*slot = nil
	return m.active()
}

func (m *Machine) fireReengage(t *timer) {
	m.mu.Lock()
	ok := m.claim(&m.reengage, t)
	m.mu.Unlock()
	if !ok {
		return
	}
	m.fired(KindResponseReengage)
	m.logger.Info("response re-engage timeout, injecting message")
	if err := m.inject(m.cfg.ResponseReengageMessage); err != nil {
		m.logger.Warn("re-engage injection failed", "error", err)
	}
}

func (m *Machine) fireIdlePrompt(t *timer) {
	m.mu.Lock()
	if !m.claim(&m.idlePrompt, t) {
		m.mu.Unlock()
		return
	}
	m.idlePrompted = true
	m.promptPlaying = m.cfg.IdlePromptMessage != ""
	m.schedule(&m.idleExit, m.cfg.IdleExit, m.fireIdleExit)
	m.mu.Unlock()

	m.fired(KindIdlePrompt)
	m.logger.Info("idle caller, injecting prompt")
	if err := m.inject(m.cfg.IdlePromptMessage); err != nil {
		m.logger.Warn("idle prompt injection failed", "error", err)
		// No prompt audio will play; the next agent turn is a real one.
		m.mu.Lock()
		m.promptPlaying = false
		m.mu.Unlock()
	}
}

func (m *Machine) fireResponseExit(t *timer) {
	m.exit(KindResponseExit, &m.responseExit, t, m.cfg.ResponseExitMessage)
}

func (m *Machine) fireIdleExit(t *timer) {
	m.exit(KindIdleExit, &m.idleExit, t, m.cfg.IdleExitMessage)
}

func (m *Machine) exit(kind string, slot **timer, t *timer, message string) {
	m.mu.Lock()
	if !m.claim(slot, t) {
		m.mu.Unlock()
		return
	}
	m.exiting = true
	m.stopResponseLocked()
	m.stopIdleLocked()
	m.mu.Unlock()

	m.fired(kind)
	m.logger.Info("session timer exit, injecting exit message", "kind", kind)
	if err := m.inject(message); err != nil {
		m.logger.Warn("failed to inject exit message, proceeding with hangup", "kind", kind, "error", err)
	}

	delay := time.NewTimer(m.cfg.PostExitDelay)
	defer delay.Stop()
	select {
	case <-m.ctx.Done():
		return
	case <-delay.C:
	}
	if m.cb.EndCall != nil {
		m.cb.EndCall()
	}
}

func (m *Machine) inject(message string) error {
	if message == "" || m.cb.Inject == nil {
		return nil
	}
	return m.cb.Inject(m.ctx, message)
}

func (m *Machine) fired(kind string) {
	if m.onFire != nil {
		m.onFire(kind)
	}
}
