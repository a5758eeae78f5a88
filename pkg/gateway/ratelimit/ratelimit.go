// Package ratelimit bounds how many calls run at once and how fast a single
// session may drive the action endpoints. A nil *Limiter allows everything.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

type Config struct {
	// MaxLiveCalls caps concurrent media streams. Zero means unlimited.
	MaxLiveCalls int

	// ActionRPS and ActionBurst form a token bucket per session key.
	ActionRPS   float64
	ActionBurst int

	// Operational bounds for the in-memory map (single-process only).
	MaxEntries int
	EntryTTL   time.Duration
}

type Limiter struct {
	cfg   Config
	calls chan struct{}

	mu sync.Mutex
	m  map[string]*sessionLimiter
}

type sessionLimiter struct {
	mu       sync.Mutex
	tb       tokenBucket
	lastSeen time.Time
}

type tokenBucket struct {
	tokens float64
	last   time.Time
}

func New(cfg Config) *Limiter {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * time.Minute
	}
	l := &Limiter{
		cfg: cfg,
		m:   make(map[string]*sessionLimiter),
	}
	if cfg.MaxLiveCalls > 0 {
		l.calls = make(chan struct{}, cfg.MaxLiveCalls)
	}
	return l
}

type Permit struct {
	release func()
}

func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	p.release()
	p.release = nil
}

type Decision struct {
	Allowed    bool
	RetryAfter int
	Permit     *Permit
}

func allowed() Decision {
	return Decision{Allowed: true, Permit: &Permit{release: func() {}}}
}

// AcquireCall reserves a live-call slot. The permit must be released when the
// call ends.
func (l *Limiter) AcquireCall() Decision {
	if l == nil || l.calls == nil {
		return allowed()
	}
	select {
	case l.calls <- struct{}{}:
		return Decision{
			Allowed: true,
			Permit:  &Permit{release: func() { <-l.calls }},
		}
	default:
		return Decision{Allowed: false, RetryAfter: 1}
	}
}

// AllowAction spends one token from the bucket of key.
func (l *Limiter) AllowAction(key string, now time.Time) Decision {
	if l == nil || l.cfg.ActionRPS <= 0 || l.cfg.ActionBurst <= 0 {
		return allowed()
	}
	if key == "" {
		key = "anonymous"
	}
	sl := l.getOrCreate(key, now)
	ok, retryAfter := sl.allowToken(now, l.cfg.ActionRPS, l.cfg.ActionBurst)
	if !ok {
		return Decision{Allowed: false, RetryAfter: retryAfter}
	}
	return allowed()
}

func (l *Limiter) getOrCreate(key string, now time.Time) *sessionLimiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.m) >= l.cfg.MaxEntries {
		l.gcLocked(now)
		// Still full: drop an arbitrary entry to keep memory bounded.
		if len(l.m) >= l.cfg.MaxEntries {
			for k := range l.m {
				delete(l.m, k)
				break
			}
		}
	}

	sl, ok := l.m[key]
	if !ok {
		sl = &sessionLimiter{}
		l.m[key] = sl
	}
	sl.lastSeen = now
	return sl
}

func (l *Limiter) gcLocked(now time.Time) {
	for k, v := range l.m {
		if now.Sub(v.lastSeen) > l.cfg.EntryTTL {
			delete(l.m, k)
		}
	}
}

func (sl *sessionLimiter) allowToken(now time.Time, rps float64, burst int) (bool, int) {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	capacity := float64(burst)
	if sl.tb.last.IsZero() {
		sl.tb = tokenBucket{tokens: capacity, last: now}
	}

	elapsed := now.Sub(sl.tb.last).Seconds()
	if elapsed > 0 {
		sl.tb.tokens = math.Min(capacity, sl.tb.tokens+elapsed*rps)
		sl.tb.last = now
	}

	if sl.tb.tokens >= 1.0 {
		sl.tb.tokens -= 1.0
		return true, 0
	}

	retryAfter := int(math.Ceil((1.0 - sl.tb.tokens) / rps))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return false, retryAfter
}
