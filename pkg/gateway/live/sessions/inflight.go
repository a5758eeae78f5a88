package sessions

import "sync"

// InflightEntry is one generation of completion request for a session key.
type InflightEntry struct {
	Seq uint64

	done chan struct{}
	once sync.Once
}

func newInflightEntry(seq uint64) *InflightEntry {
	return &InflightEntry{Seq: seq, done: make(chan struct{})}
}

func (e *InflightEntry) cancel() {
	e.once.Do(func() { close(e.done) })
}

// Done is closed once a newer request supersedes this one.
func (e *InflightEntry) Done() <-chan struct{} {
	return e.done
}

func (e *InflightEntry) Cancelled() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// Inflight tracks the current completion request per session key.
type Inflight struct {
	mu      sync.Mutex
	entries map[string]*InflightEntry
}

func NewInflight() *Inflight {
	return &Inflight{entries: make(map[string]*InflightEntry)}
}

// Begin records a new request for key. A previous entry is cancelled and the
// new sequence continues from it; otherwise the sequence starts at 1.
func (t *Inflight) Begin(key string) *InflightEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.entries == nil {
		t.entries = make(map[string]*InflightEntry)
	}

	seq := uint64(1)
	if old := t.entries[key]; old != nil {
		old.cancel()
		seq = old.Seq + 1
	}
	e := newInflightEntry(seq)
	t.entries[key] = e
	return e
}

// Release drops e only if it is still the current entry for key.
func (t *Inflight) Release(key string, e *InflightEntry) bool {
	if e == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	cur := t.entries[key]
	if cur != e {
		return false
	}
	delete(t.entries, key)
	return true
}

// Current returns the current entry for key, or nil.
func (t *Inflight) Current(key string) *InflightEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[key]
}
