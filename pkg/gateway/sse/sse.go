// Package sse writes OpenAI-style server-sent event streams: each event is a
// single "data:" line and the stream ends with "data: [DONE]".
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

const doneSentinel = "[DONE]"

type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

func New(w http.ResponseWriter) (*Writer, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	return &Writer{w: w, flusher: f}, nil
}

// SetHeaders marks the response as an uncached event stream.
func SetHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
}

// Data writes one JSON-encoded event.
func (sw *Writer) Data(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if _, err := fmt.Fprintf(sw.w, "data: %s\n\n", b); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

// Done terminates the stream.
func (sw *Writer) Done() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if _, err := fmt.Fprintf(sw.w, "data: %s\n\n", doneSentinel); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

// Raw passes already-framed stream bytes through and flushes them.
func (sw *Writer) Raw(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if _, err := sw.w.Write(p); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}
