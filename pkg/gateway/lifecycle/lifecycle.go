package lifecycle

import (
	"sync"
	"sync/atomic"
)

// Lifecycle holds the process drain state shared across handlers. Once
// draining, readiness fails and new media streams are refused.
type Lifecycle struct {
	draining atomic.Bool

	once sync.Once
	ch   chan struct{}
}

func (l *Lifecycle) init() {
	l.once.Do(func() { l.ch = make(chan struct{}) })
}

// SetDraining marks the process as draining. It cannot be undone.
func (l *Lifecycle) SetDraining() {
	if l == nil {
		return
	}
	l.init()
	if l.draining.CompareAndSwap(false, true) {
		close(l.ch)
	}
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}

// Draining is closed when draining starts.
func (l *Lifecycle) Draining() <-chan struct{} {
	if l == nil {
		return nil
	}
	l.init()
	return l.ch
}
