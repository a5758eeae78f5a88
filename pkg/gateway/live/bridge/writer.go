package bridge

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/deepgram/dglabs-deepclaw/pkg/gateway/live/media"
)

// Telephony is the media-stream WebSocket of a call. *websocket.Conn
// satisfies it.
type Telephony interface {
	ReadMessage() (messageType int, p []byte, err error)
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

type outboundFrame struct {
	payload []byte
	// gen is the barge-in generation the audio belongs to; zero for control
	// frames.
	gen   uint64
	audio bool
}

// telephonyWriter owns all writes to the telephony socket. Clear frames go
// through the priority lane and retire every audio frame queued before them.
type telephonyWriter struct {
	ws           Telephony
	ctx          context.Context
	streamSID    string
	writeTimeout time.Duration
	pingInterval time.Duration

	priority chan outboundFrame
	normal   chan outboundFrame
	gen      atomic.Uint64

	onAudio func(bytes int)
}

func newTelephonyWriter(ctx context.Context, ws Telephony, streamSID string, writeTimeout, pingInterval time.Duration) *telephonyWriter {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	w := &telephonyWriter{
		ws:           ws,
		ctx:          ctx,
		streamSID:    streamSID,
		writeTimeout: writeTimeout,
		pingInterval: pingInterval,
		priority:     make(chan outboundFrame, 8),
		normal:       make(chan outboundFrame, 256),
	}
	w.gen.Store(1)
	return w
}

// Media queues agent audio for playback. It blocks while the queue is full
// and reports false once the call is over.
func (w *telephonyWriter) Media(audio []byte) bool {
	if len(audio) == 0 {
		return true
	}
	frame := outboundFrame{
		payload: media.BuildMediaEvent(w.streamSID, audio),
		gen:     w.gen.Load(),
		audio:   true,
	}
	select {
	case w.normal <- frame:
		if w.onAudio != nil {
			w.onAudio(len(audio))
		}
		return true
	case <-w.ctx.Done():
		return false
	}
}

// Clear drops queued agent audio locally and asks the provider to flush its
// playback buffer.
func (w *telephonyWriter) Clear() {
	w.gen.Add(1)
	select {
	case w.priority <- outboundFrame{payload: media.BuildClearEvent(w.streamSID)}:
	case <-w.ctx.Done():
	}
}

func (w *telephonyWriter) stale(frame outboundFrame) bool {
	return frame.audio && frame.gen < w.gen.Load()
}

func (w *telephonyWriter) Run() error {
	pingTicker := time.NewTicker(w.pingInterval)
	defer pingTicker.Stop()

	var pendingNormal *outboundFrame

	for {
		select {
		case <-w.ctx.Done():
			w.flushPriorityOnShutdown()
			_ = w.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(w.writeTimeout))
			_ = w.ws.Close()
			return nil
		default:
		}

		// Hard priority: a queued clear is written before any audio.
		select {
		case frame := <-w.priority:
			if err := w.writeFrame(frame); err != nil {
				return err
			}
			continue
		default:
		}

		if pendingNormal != nil {
			frame := *pendingNormal
			pendingNormal = nil
			if err := w.writeFrame(frame); err != nil {
				return err
			}
			continue
		}

		select {
		case <-w.ctx.Done():
		case <-pingTicker.C:
			if err := w.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(w.writeTimeout)); err != nil {
				return err
			}
		case frame := <-w.priority:
			if err := w.writeFrame(frame); err != nil {
				return err
			}
		case frame := <-w.normal:
			pendingNormal = &frame
		}
	}
}

func (w *telephonyWriter) flushPriorityOnShutdown() {
	flushTimeout := 100 * time.Millisecond
	if w.writeTimeout < flushTimeout {
		flushTimeout = w.writeTimeout
	}
	deadline := time.Now().Add(flushTimeout)
	for i := 0; i < 8 && time.Now().Before(deadline); i++ {
		select {
		case frame := <-w.priority:
			_ = w.writeFrame(frame)
		default:
			return
		}
	}
}

func (w *telephonyWriter) writeFrame(frame outboundFrame) error {
	if w.stale(frame) || len(frame.payload) == 0 {
		return nil
	}
	if err := w.ws.SetWriteDeadline(time.Now().Add(w.writeTimeout)); err != nil {
		return err
	}
	return w.ws.WriteMessage(websocket.TextMessage, frame.payload)
}
