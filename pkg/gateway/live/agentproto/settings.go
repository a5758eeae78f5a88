package agentproto

import "strings"

const (
	EndCallFunction  = "end_call"
	EndCallFarewell  = "farewell"
	DefaultFarewell  = "Goodbye!"
	telephonyFormat  = "mulaw"
	telephonyRateHz  = 8000
	containerNone    = "none"
	providerDeepgram = "deepgram"
	providerOpenAI   = "open_ai"
)

type Settings struct {
	Type  string      `json:"type"`
	Audio AudioConfig `json:"audio"`
	Agent AgentConfig `json:"agent"`
}

type AudioConfig struct {
	Input  AudioFormat `json:"input"`
	Output AudioFormat `json:"output"`
}

type AudioFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
	Container  string `json:"container,omitempty"`
}

type AgentConfig struct {
	Listen   Listen `json:"listen"`
	Think    Think  `json:"think"`
	Speak    Speak  `json:"speak"`
	Greeting string `json:"greeting,omitempty"`
}

type Provider struct {
	Type  string `json:"type"`
	Model string `json:"model"`
}

type Listen struct {
	Provider Provider `json:"provider"`
}

type Think struct {
	Provider  Provider   `json:"provider"`
	Endpoint  *Endpoint  `json:"endpoint,omitempty"`
	Prompt    string     `json:"prompt"`
	Functions []Function `json:"functions,omitempty"`
}

type Endpoint struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

type Speak struct {
	Provider Provider `json:"provider"`
}

type Function struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// SettingsParams are the per-call inputs to the Settings handshake.
type SettingsParams struct {
	ListenModel  string
	ThinkModel   string
	Voice        string
	ThinkURL     string
	ThinkHeaders map[string]string
	Prompt       string
	Greeting     string
}

// NewSettings builds the handshake for a telephony call: mu-law 8kHz in and
// out with no container, Deepgram listen/speak, an OpenAI-compatible think
// endpoint and the end_call function.
func NewSettings(p SettingsParams) Settings {
	var endpoint *Endpoint
	if strings.TrimSpace(p.ThinkURL) != "" {
		endpoint = &Endpoint{URL: p.ThinkURL, Headers: p.ThinkHeaders}
	}
	return Settings{
		Type: TypeSettings,
		Audio: AudioConfig{
			Input:  AudioFormat{Encoding: telephonyFormat, SampleRate: telephonyRateHz},
			Output: AudioFormat{Encoding: telephonyFormat, SampleRate: telephonyRateHz, Container: containerNone},
		},
		Agent: AgentConfig{
			Listen: Listen{Provider: Provider{Type: providerDeepgram, Model: p.ListenModel}},
			Think: Think{
				Provider:  Provider{Type: providerOpenAI, Model: p.ThinkModel},
				Endpoint:  endpoint,
				Prompt:    p.Prompt,
				Functions: []Function{EndCallDeclaration()},
			},
			Speak:    Speak{Provider: Provider{Type: providerDeepgram, Model: p.Voice}},
			Greeting: p.Greeting,
		},
	}
}

func EndCallDeclaration() Function {
	return Function{
		Name:        EndCallFunction,
		Description: "End the phone call gracefully. Use when the conversation has concluded or the caller says goodbye.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				EndCallFarewell: map[string]any{
					"type":        "string",
					"description": "Goodbye message to speak before hanging up",
				},
			},
			"required": []string{EndCallFarewell},
		},
	}
}
