// Package media encodes and decodes Twilio media-stream WebSocket frames.
//
// Twilio sends JSON text frames (`connected`, `start`, `media`, `mark`, `stop`)
// and accepts `media` and `clear` frames back. Audio is 8kHz mono mu-law and
// is passed through unchanged in both directions.
package media

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventMark      = "mark"
	EventStop      = "stop"
	EventClear     = "clear"
)

const (
	Encoding   = "mulaw"
	SampleRate = 8000
)

// Event is a decoded inbound frame. The zero value is the invalid event.
type Event struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid,omitempty"`
	Start     *Start `json:"start,omitempty"`
	Media     *Media `json:"media,omitempty"`
}

type Start struct {
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid,omitempty"`
	AccountSID       string            `json:"accountSid,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

type Media struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// Valid reports whether the frame parsed and carried an event name.
func (e Event) Valid() bool {
	return e.Event != ""
}

// StartStreamSID returns the stream sid from a start frame, falling back to
// the top-level sid Twilio also stamps on most frames.
func (e Event) StartStreamSID() string {
	if e.Start != nil && strings.TrimSpace(e.Start.StreamSID) != "" {
		return strings.TrimSpace(e.Start.StreamSID)
	}
	return strings.TrimSpace(e.StreamSID)
}

// CustomParameter returns a `<Parameter>` value sent with the start frame.
func (e Event) CustomParameter(name string) string {
	if e.Start == nil || e.Start.CustomParameters == nil {
		return ""
	}
	return strings.TrimSpace(e.Start.CustomParameters[name])
}

// Parse decodes a raw text frame. Malformed input yields the zero Event.
func Parse(raw []byte) Event {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Event{}
	}
	ev.Event = strings.TrimSpace(ev.Event)
	return ev
}

// ExtractAudio returns the decoded media payload, or nil when the event
// carries no (or undecodable) audio.
func ExtractAudio(ev Event) []byte {
	if ev.Media == nil || ev.Media.Payload == "" {
		return nil
	}
	audio, err := base64.StdEncoding.DecodeString(ev.Media.Payload)
	if err != nil || len(audio) == 0 {
		return nil
	}
	return audio
}

type outboundMedia struct {
	Event     string       `json:"event"`
	StreamSID string       `json:"streamSid"`
	Media     mediaPayload `json:"media"`
}

type mediaPayload struct {
	Payload string `json:"payload"`
}

type outboundClear struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
}

// BuildMediaEvent wraps raw audio for playback on the given stream.
func BuildMediaEvent(streamSID string, audio []byte) []byte {
	data, _ := json.Marshal(outboundMedia{
		Event:     EventMedia,
		StreamSID: streamSID,
		Media:     mediaPayload{Payload: base64.StdEncoding.EncodeToString(audio)},
	})
	return data
}

// BuildClearEvent asks Twilio to drop any audio still queued for playback.
func BuildClearEvent(streamSID string) []byte {
	data, _ := json.Marshal(outboundClear{Event: EventClear, StreamSID: streamSID})
	return data
}
