package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeConn struct {
	mu       sync.Mutex
	injected []string
	fail     bool
	notify   chan string
}

func (c *fakeConn) InjectAgentMessage(ctx context.Context, message string) error {
	if c.fail {
		return errors.New("connection closed")
	}
	c.mu.Lock()
	c.injected = append(c.injected, message)
	c.mu.Unlock()
	if c.notify != nil {
		select {
		case c.notify <- message:
		default:
		}
	}
	return nil
}

func (c *fakeConn) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.injected...)
}

type fakeTimers struct {
	mu      sync.Mutex
	paused  int
	resumed int
}

func (t *fakeTimers) Pause() {
	t.mu.Lock()
	t.paused++
	t.mu.Unlock()
}

func (t *fakeTimers) Resume() {
	t.mu.Lock()
	t.resumed++
	t.mu.Unlock()
}

func (t *fakeTimers) counts() (paused, resumed int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.paused, t.resumed
}

type fakeInjector struct {
	mu     sync.Mutex
	resets int
}

func (i *fakeInjector) Reset() {
	i.mu.Lock()
	i.resets++
	i.mu.Unlock()
}

func (i *fakeInjector) count() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.resets
}
