package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type recordedWrite struct {
	messageType int
	data        string
}

type fakeWSWriter struct {
	mu       sync.Mutex
	writes   []recordedWrite
	controls []int
	closed   bool
}

func (f *fakeWSWriter) ReadMessage() (int, []byte, error) { select {} }

func (f *fakeWSWriter) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeWSWriter) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, recordedWrite{messageType: messageType, data: string(data)})
	return nil
}

func (f *fakeWSWriter) WriteControl(messageType int, _ []byte, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.controls = append(f.controls, messageType)
	return nil
}

func (f *fakeWSWriter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeWSWriter) snapshot() []recordedWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedWrite(nil), f.writes...)
}

func waitWrites(t *testing.T, f *fakeWSWriter, n int) []recordedWrite {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if w := f.snapshot(); len(w) >= n {
			return w
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d writes, got %d", n, len(f.snapshot()))
	return nil
}

func eventOf(t *testing.T, w recordedWrite) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(w.data), &m); err != nil {
		t.Fatalf("write is not json: %q", w.data)
	}
	return m
}

func TestTelephonyWriterClearRetiresQueuedAudio(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ws := &fakeWSWriter{}
	w := newTelephonyWriter(ctx, ws, "MZ1", time.Second, time.Hour)

	w.Media([]byte{1, 1})
	w.Media([]byte{2, 2})
	w.Clear()
	w.Media([]byte{3, 3})

	done := make(chan error, 1)
	go func() { done <- w.Run() }()

	writes := waitWrites(t, ws, 2)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := eventOf(t, writes[0]); got["event"] != "clear" || got["streamSid"] != "MZ1" {
		t.Fatalf("first write=%v, want clear", got)
	}
	second := eventOf(t, writes[1])
	payload := second["media"].(map[string]any)["payload"]
	if second["event"] != "media" || payload != "AwM=" {
		t.Fatalf("second write=%v, want only post-clear audio", second)
	}
	if n := len(ws.snapshot()); n != 2 {
		t.Fatalf("writes=%d, want stale audio dropped", n)
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()
	if !ws.closed || len(ws.controls) == 0 || ws.controls[len(ws.controls)-1] != websocket.CloseMessage {
		t.Fatalf("closed=%v controls=%v, want close frame on shutdown", ws.closed, ws.controls)
	}
}

func TestTelephonyWriterMediaAfterShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	w := newTelephonyWriter(ctx, &fakeWSWriter{}, "MZ1", time.Second, time.Hour)
	w.normal = make(chan outboundFrame)
	cancel()
	if w.Media([]byte{1}) {
		t.Fatalf("Media accepted audio after shutdown")
	}
	if !w.Media(nil) {
		t.Fatalf("empty audio should be a no-op")
	}
}
