// Package sessions holds process-wide state for live calls: the Registry of
// active calls and the Inflight tracker used to supersede stale completion
// requests.
package sessions

import (
	"context"
	"regexp"
	"strings"
	"sync"
)

// Conn is the live agent-service connection of a call.
type Conn interface {
	InjectAgentMessage(ctx context.Context, message string) error
}

// Timers is the engagement timer machine bound to a call.
type Timers interface {
	Pause()
	Resume()
}

// Injector is the tool-status injector bound to a call.
type Injector interface {
	Reset()
}

// Registration describes a call at the time it is registered.
type Registration struct {
	Conn      Conn
	AgentName string
	Cancel    func()
}

// Session is a snapshot of a registered call.
type Session struct {
	Key       string
	Conn      Conn
	AgentName string
	Muted     bool
	Timers    Timers
	Injector  Injector
}

var unmuteKeywords = []string{"unmute", "you can talk", "start talking", "i need you"}

type Registry struct {
	mu       sync.Mutex
	sessions map[string]*entry
	wg       sync.WaitGroup
}

type entry struct {
	session Session
	cancel  func()
	namePat *regexp.Regexp
	once    sync.Once
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*entry),
	}
}

// Register binds a call to key, replacing any previous binding. The returned
// func removes this registration only if it is still the current one.
func (r *Registry) Register(key string, reg Registration) (unregister func()) {
	if r == nil {
		return func() {}
	}

	e := &entry{
		session: Session{Key: key, Conn: reg.Conn, AgentName: strings.TrimSpace(reg.AgentName)},
		cancel:  reg.Cancel,
	}
	if e.session.AgentName != "" {
		e.namePat = regexp.MustCompile(`(?i)(?:^|[^\p{L}\p{N}_])` + regexp.QuoteMeta(e.session.AgentName) + `(?:$|[^\p{L}\p{N}_])`)
	}

	r.mu.Lock()
	if r.sessions == nil {
		r.sessions = make(map[string]*entry)
	}
	old := r.sessions[key]
	r.sessions[key] = e
	r.wg.Add(1)
	r.mu.Unlock()

	if old != nil {
		r.release(key, old)
	}

	return func() { r.release(key, e) }
}

// Unregister removes whatever call is bound to key. Unknown keys are a no-op.
func (r *Registry) Unregister(key string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	e := r.sessions[key]
	r.mu.Unlock()
	r.release(key, e)
}

func (r *Registry) release(key string, e *entry) {
	if r == nil || e == nil {
		return
	}
	e.once.Do(func() {
		r.mu.Lock()
		if r.sessions != nil && r.sessions[key] == e {
			delete(r.sessions, key)
		}
		r.mu.Unlock()
		r.wg.Done()
	})
}

func (r *Registry) lookup(key string) *entry {
	if r == nil {
		return nil
	}
	return r.sessions[key]
}

// GetConnection returns the live connection for key, or nil.
func (r *Registry) GetConnection(key string) Conn {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.lookup(key); e != nil {
		return e.session.Conn
	}
	return nil
}

// GetSession returns a copy of the session bound to key.
func (r *Registry) GetSession(key string) (Session, bool) {
	if r == nil {
		return Session{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.lookup(key)
	if e == nil {
		return Session{}, false
	}
	return e.session, true
}

// SetMuted updates the mute flag. It reports false for unknown keys.
func (r *Registry) SetMuted(key string, muted bool) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.lookup(key)
	if e == nil {
		return false
	}
	e.session.Muted = muted
	return true
}

func (r *Registry) IsMuted(key string) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.lookup(key)
	return e != nil && e.session.Muted
}

func (r *Registry) SetTimers(key string, t Timers) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.lookup(key)
	if e == nil {
		return false
	}
	e.session.Timers = t
	return true
}

func (r *Registry) SetInjector(key string, inj Injector) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.lookup(key)
	if e == nil {
		return false
	}
	e.session.Injector = inj
	return true
}

// ShouldUnmute reports whether text addresses the muted agent: its bound name
// as a whole word, or one of the unmute phrases. Case-insensitive.
func (r *Registry) ShouldUnmute(key, text string) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	e := r.lookup(key)
	var namePat *regexp.Regexp
	if e != nil {
		namePat = e.namePat
	}
	r.mu.Unlock()
	if e == nil {
		return false
	}

	if namePat != nil && namePat.MatchString(text) {
		return true
	}
	lower := strings.ToLower(text)
	for _, kw := range unmuteKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func (r *Registry) Count() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CancelAll asks every live call to hang up.
func (r *Registry) CancelAll() (canceled int) {
	if r == nil {
		return 0
	}

	var cancels []func()
	r.mu.Lock()
	for _, e := range r.sessions {
		if e == nil || e.cancel == nil {
			continue
		}
		cancels = append(cancels, e.cancel)
	}
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every registered call has unregistered or ctx is done.
func (r *Registry) Wait(ctx context.Context) bool {
	if r == nil {
		return true
	}
	if ctx == nil {
		r.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
