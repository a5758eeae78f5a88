// Package agentproto defines the Deepgram Voice Agent wire protocol used by the
// call bridge: the one-time Settings handshake, the typed server events and the
// client control messages.
package agentproto

import (
	"encoding/json"
	"fmt"
	"strings"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

const (
	TypeSettings             = "Settings"
	TypeConversationText     = "ConversationText"
	TypeUserStartedSpeaking  = "UserStartedSpeaking"
	TypeAgentStartedSpeaking = "AgentStartedSpeaking"
	TypeAgentAudioDone       = "AgentAudioDone"
	TypeFunctionCallRequest  = "FunctionCallRequest"
	TypeFunctionCallResponse = "FunctionCallResponse"
	TypeInjectAgentMessage   = "InjectAgentMessage"
	TypeWarning              = "Warning"
	TypeError                = "Error"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Event is a decoded server message. The set of implementations is closed;
// anything the bridge does not handle decodes to Unknown.
type Event interface {
	EventType() string
}

type ConversationText struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type UserStartedSpeaking struct{}

type AgentStartedSpeaking struct {
	TotalLatency float64 `json:"total_latency,omitempty"`
	TTSLatency   float64 `json:"tts_latency,omitempty"`
	TTTLatency   float64 `json:"ttt_latency,omitempty"`
}

type AgentAudioDone struct{}

// FunctionCallRequest carries one requested function invocation. Both the
// flat (function_name/function_call_id/input) and the batched (functions[])
// encodings decode into the same shape; only the first batched call is kept.
type FunctionCallRequest struct {
	ID    string
	Name  string
	Input map[string]any
}

type Warning struct {
	Description string `json:"description"`
	Code        string `json:"code,omitempty"`
}

type Error struct {
	Description string `json:"description"`
	Code        string `json:"code,omitempty"`
}

// Unknown preserves unhandled event types for logging.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (ConversationText) EventType() string     { return TypeConversationText }
func (UserStartedSpeaking) EventType() string  { return TypeUserStartedSpeaking }
func (AgentStartedSpeaking) EventType() string { return TypeAgentStartedSpeaking }
func (AgentAudioDone) EventType() string       { return TypeAgentAudioDone }
func (FunctionCallRequest) EventType() string  { return TypeFunctionCallRequest }
func (Warning) EventType() string              { return TypeWarning }
func (Error) EventType() string                { return TypeError }
func (u Unknown) EventType() string            { return u.Type }

// StringInput returns a string argument of the function call, or "".
func (r FunctionCallRequest) StringInput(name string) string {
	if r.Input == nil {
		return ""
	}
	s, _ := r.Input[name].(string)
	return s
}

type functionCallWire struct {
	FunctionName   string         `json:"function_name"`
	FunctionCallID string         `json:"function_call_id"`
	Input          map[string]any `json:"input"`
	Functions      []struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"functions"`
}

// Decode parses one JSON text frame from the agent service.
func Decode(data []byte) (Event, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case TypeConversationText:
		var ev ConversationText
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, badRequest("invalid ConversationText", "")
		}
		return ev, nil
	case TypeUserStartedSpeaking:
		return UserStartedSpeaking{}, nil
	case TypeAgentStartedSpeaking:
		var ev AgentStartedSpeaking
		_ = json.Unmarshal(data, &ev)
		return ev, nil
	case TypeAgentAudioDone:
		return AgentAudioDone{}, nil
	case TypeFunctionCallRequest:
		var wire functionCallWire
		if err := json.Unmarshal(data, &wire); err != nil {
			return nil, badRequest("invalid FunctionCallRequest", "")
		}
		ev := FunctionCallRequest{ID: wire.FunctionCallID, Name: wire.FunctionName, Input: wire.Input}
		if ev.Name == "" && len(wire.Functions) > 0 {
			fn := wire.Functions[0]
			ev.ID, ev.Name = fn.ID, fn.Name
			if strings.TrimSpace(fn.Arguments) != "" {
				if err := json.Unmarshal([]byte(fn.Arguments), &ev.Input); err != nil {
					return nil, badRequest("invalid function arguments", "functions[0].arguments")
				}
			}
		}
		if strings.TrimSpace(ev.Name) == "" {
			return nil, badRequest("function name is required", "function_name")
		}
		return ev, nil
	case TypeWarning:
		var ev Warning
		_ = json.Unmarshal(data, &ev)
		return ev, nil
	case TypeError:
		var ev Error
		_ = json.Unmarshal(data, &ev)
		return ev, nil
	default:
		raw := make(json.RawMessage, len(data))
		copy(raw, data)
		return Unknown{Type: typ, Raw: raw}, nil
	}
}

type InjectAgentMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewInjectAgentMessage(message string) InjectAgentMessage {
	return InjectAgentMessage{Type: TypeInjectAgentMessage, Message: message}
}

type FunctionCallResponse struct {
	Type           string `json:"type"`
	FunctionCallID string `json:"function_call_id"`
	Output         string `json:"output"`
}

// NewFunctionCallResponse JSON-encodes output into the response's string field.
func NewFunctionCallResponse(functionCallID string, output any) (FunctionCallResponse, error) {
	encoded, err := json.Marshal(output)
	if err != nil {
		return FunctionCallResponse{}, fmt.Errorf("marshal function output: %w", err)
	}
	return FunctionCallResponse{
		Type:           TypeFunctionCallResponse,
		FunctionCallID: functionCallID,
		Output:         string(encoded),
	}, nil
}
