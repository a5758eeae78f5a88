package handlers

import (
	"bytes"
	"encoding/json"
	"log/slog"
)

// stripMarkers are conversation markers the gateway adds to the prompt that
// models sometimes echo back. They must never be spoken.
var stripMarkers = [][]byte{
	[]byte("[Current message - respond to this]"),
	[]byte("[Chat messages since your last reply - for context]"),
}

// markerFilter removes markers from a byte stream, holding back a trailing
// partial marker until the next chunk decides it.
type markerFilter struct {
	markers [][]byte
	maxLen  int
	carry   []byte
}

func newMarkerFilter(markers [][]byte) *markerFilter {
	f := &markerFilter{markers: markers}
	for _, m := range markers {
		if len(m) > f.maxLen {
			f.maxLen = len(m)
		}
	}
	return f
}

func (f *markerFilter) Write(p []byte) []byte {
	buf := make([]byte, 0, len(f.carry)+len(p))
	buf = append(buf, f.carry...)
	buf = append(buf, p...)
	buf = f.strip(buf)

	hold := f.partialSuffix(buf)
	f.carry = append(f.carry[:0:0], buf[len(buf)-hold:]...)
	return buf[:len(buf)-hold]
}

// Flush returns whatever is still held back.
func (f *markerFilter) Flush() []byte {
	out := f.strip(f.carry)
	f.carry = nil
	return out
}

func (f *markerFilter) strip(buf []byte) []byte {
	for _, m := range f.markers {
		if bytes.Contains(buf, m) {
			buf = bytes.ReplaceAll(buf, m, nil)
		}
	}
	return buf
}

// partialSuffix is the length of the longest tail of buf that starts some
// marker.
func (f *markerFilter) partialSuffix(buf []byte) int {
	n := min(len(buf), f.maxLen-1)
	for k := n; k > 0; k-- {
		tail := buf[len(buf)-k:]
		for _, m := range f.markers {
			if bytes.HasPrefix(m, tail) {
				return k
			}
		}
	}
	return 0
}

var contentPattern = []byte(`"content":"`)

// contentDetector spots the first non-empty assistant content in a streamed
// response. Role-only and empty deltas do not count.
type contentDetector struct {
	tail []byte
}

func (d *contentDetector) Scan(p []byte) bool {
	data := append(d.tail, p...)
	for off := 0; ; {
		idx := bytes.Index(data[off:], contentPattern)
		if idx < 0 {
			break
		}
		after := off + idx + len(contentPattern)
		if after < len(data) && data[after] != '"' {
			return true
		}
		off = off + idx + 1
	}
	keep := min(len(data), len(contentPattern))
	d.tail = append(d.tail[:0:0], data[len(data)-keep:]...)
	return false
}

// toolCallLogger logs each tool the model calls, once, from the streamed
// data lines.
type toolCallLogger struct {
	logger  *slog.Logger
	partial []byte
	seen    map[string]bool
}

const maxPartialLine = 1 << 20

func (t *toolCallLogger) Scan(p []byte) {
	t.partial = append(t.partial, p...)
	for {
		i := bytes.IndexByte(t.partial, '\n')
		if i < 0 {
			break
		}
		t.line(bytes.TrimRight(t.partial[:i], "\r"))
		t.partial = t.partial[i+1:]
	}
	if len(t.partial) > maxPartialLine {
		t.partial = nil
	}
}

func (t *toolCallLogger) line(line []byte) {
	payload, ok := bytes.CutPrefix(line, []byte("data: "))
	if !ok || !bytes.Contains(payload, []byte(`"tool_calls"`)) {
		return
	}
	var chunk struct {
		Choices []struct {
			Delta struct {
				ToolCalls []struct {
					Function struct {
						Name string `json:"name"`
					} `json:"function"`
				} `json:"tool_calls"`
			} `json:"delta"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return
	}
	for _, c := range chunk.Choices {
		for _, tc := range c.Delta.ToolCalls {
			name := tc.Function.Name
			if name == "" || t.seen[name] {
				continue
			}
			if t.seen == nil {
				t.seen = make(map[string]bool)
			}
			t.seen[name] = true
			t.logger.Info("tool call detected", "tool", name)
		}
	}
}
