package postcall

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/deepgram/dglabs-deepclaw/pkg/anthropic"
	"github.com/deepgram/dglabs-deepclaw/pkg/workspace"
)

const (
	summaryMaxTokens    = 500
	extractionMaxTokens = 1024
)

const summarySystem = "Summarize this phone call concisely. Include: who called, what was discussed, " +
	"any specific requests or topics, any action items or outcomes, and anything the caller " +
	"might appreciate being remembered next time. Write plain text only."

const summaryTemplate = `Summarize this phone call concisely.
Include: who called, what was discussed, any specific requests or topics (name them),
any action items or outcomes, and anything the caller might appreciate being remembered next time.
Write plain text only, no markdown formatting, no bullet points.

Call direction: %s
Phone number: %s

Transcript:
%s`

const profileSystem = "Extract user profile information from this phone call transcript. " +
	"Return ONLY a JSON object with the fields you can confidently extract. " +
	"Do NOT guess or infer values not in the conversation. Return valid JSON only."

const profileTemplate = `Extract user profile information from this phone call transcript.
Return ONLY a JSON object with fields you can confidently extract from the conversation.

Fields:
- "name": Their full name if stated
- "callName": What they prefer to be called (first name, nickname, whatever they used)
- "pronouns": If mentioned or clearly implied
- "timezone": Only if explicitly stated or strongly implied by context
- "notes": Quick facts worth remembering (job, family members mentioned, preferences)
- "context": What they care about: projects, interests, what they called about (1-2 sentences)

Only include fields supported by clear evidence in the transcript.
Do NOT guess or infer values not in the conversation.
Return valid JSON only, no markdown.

Transcript:
%s`

const identitySystem = "Extract the AI agent's self-chosen identity from this phone call transcript. " +
	"Focus on how the AGENT introduced or described itself. " +
	"Return ONLY a JSON object with fields you can confidently extract. Return valid JSON only."

const identityTemplate = `Extract the AI agent's self-chosen identity from this phone call transcript.
Focus on how the AGENT introduced or described itself, not the caller.

Return ONLY a JSON object with fields you can confidently extract from the conversation.

Fields:
- "name": The name the agent used to introduce itself (e.g. "I'm Ripley")
- "creature": How the agent described what it is (e.g. "AI assistant", "voice companion")
- "vibe": The agent's personality/tone (e.g. "casual and warm", "direct and helpful")
- "emoji": Any emoji the agent associated with itself

The "name" field is the most important:
- If the agent introduced itself by name or the caller gave it a name, use that.
- If no name was established, PICK a distinctive, personal name like "Wren", "Ember", "Moss", "Sable". Not generic like "Assistant" or "AI".
For other fields, only include them if supported by clear evidence in the transcript.
Return valid JSON only, no markdown.

Transcript:
%s`

var codeFence = regexp.MustCompile("```(?:json)?\\s*([\\s\\S]*?)```")

// parseObject decodes a JSON object answer, tolerating a markdown code fence.
// Only string values are kept.
func parseObject(text string) (map[string]string, error) {
	text = strings.TrimSpace(text)
	if m := codeFence.FindStringSubmatch(text); m != nil {
		text = strings.TrimSpace(m[1])
	}
	var raw map[string]any
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, fmt.Errorf("parse extraction: %w", err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				out[k] = s
			}
		}
	}
	return out, nil
}

func (r *Runner) complete(ctx context.Context, req anthropic.Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.ExtractionTimeout)
	defer cancel()
	text, err := r.deps.LLM.Complete(ctx, req)
	if err != nil {
		return "", err
	}
	if text == "" {
		return "", errEmptyResponse
	}
	return text, nil
}

// ExtractCallSummary appends a summary entry to CALLS.md.
func (r *Runner) ExtractCallSummary(ctx context.Context, call CallInfo) error {
	if !r.llmReady() {
		return nil
	}
	direction := call.Direction
	if direction == "" {
		direction = DirectionInbound
	}
	phone := call.PhoneNumber
	if phone == "" {
		phone = "unknown"
	}
	summary, err := r.complete(ctx, anthropic.Request{
		Model:     anthropic.ModelSonnet,
		MaxTokens: summaryMaxTokens,
		System:    summarySystem,
		Prompt:    fmt.Sprintf(summaryTemplate, direction, phone, FormatTranscript(call.Transcript)),
	})
	if err != nil {
		return fmt.Errorf("summarize call: %w", err)
	}
	entry := workspace.CallEntry(call.EndedAt, r.cfg.Location, phone, direction, summary)
	if err := r.deps.Workspace.AppendCall(entry, r.cfg.CallsMaxEntries); err != nil {
		return err
	}
	r.deps.Logger.Info("call summary saved", "call_id", call.CallID)
	return nil
}

// ExtractUserProfile fills empty USER.md fields from the conversation.
func (r *Runner) ExtractUserProfile(ctx context.Context, call CallInfo) error {
	if !r.llmReady() {
		return nil
	}
	path := r.deps.Workspace.AgentPath(workspace.UserFile)
	existing := workspace.ParseUser(workspace.Read(path))
	if existing.Populated() {
		r.deps.Logger.Debug("user profile already populated, skipping extraction")
		return nil
	}
	text, err := r.complete(ctx, anthropic.Request{
		Model:     anthropic.ModelSonnet,
		MaxTokens: extractionMaxTokens,
		System:    profileSystem,
		Prompt:    fmt.Sprintf(profileTemplate, FormatTranscript(call.Transcript)),
	})
	if err != nil {
		return fmt.Errorf("extract profile: %w", err)
	}
	fields, err := parseObject(text)
	if err != nil {
		return err
	}
	extracted := workspace.UserProfile{
		Name:     fields["name"],
		CallName: fields["callName"],
		Pronouns: fields["pronouns"],
		Timezone: fields["timezone"],
		Notes:    fields["notes"],
		Context:  fields["context"],
	}
	if !extracted.HasValues() {
		return nil
	}
	merged := existing.Merge(extracted)
	if merged == existing {
		return nil
	}
	if err := workspace.Write(path, merged.Serialize()); err != nil {
		return err
	}
	r.deps.Logger.Info("user profile updated", "call_id", call.CallID)
	return nil
}

// ExtractAgentIdentity names the agent when IDENTITY.md is still blank.
func (r *Runner) ExtractAgentIdentity(ctx context.Context, call CallInfo) error {
	if !r.llmReady() {
		return nil
	}
	path := r.deps.Workspace.AgentPath(workspace.IdentityFile)
	existing := workspace.ParseIdentity(workspace.Read(path))
	if existing.HasValues() {
		r.deps.Logger.Debug("agent identity already set, skipping extraction")
		return nil
	}
	text, err := r.complete(ctx, anthropic.Request{
		Model:     anthropic.ModelSonnet,
		MaxTokens: extractionMaxTokens,
		System:    identitySystem,
		Prompt:    fmt.Sprintf(identityTemplate, FormatTranscript(call.Transcript)),
	})
	if err != nil {
		return fmt.Errorf("extract identity: %w", err)
	}
	fields, err := parseObject(text)
	if err != nil {
		return err
	}
	extracted := workspace.Identity{
		Name:     fields["name"],
		Creature: fields["creature"],
		Vibe:     fields["vibe"],
		Emoji:    fields["emoji"],
	}
	if workspace.IsGenericName(extracted.Name) {
		r.deps.Logger.Info("discarding generic agent name", "name", extracted.Name)
		extracted.Name = ""
	}
	if !extracted.HasValues() {
		return nil
	}
	if err := workspace.Write(path, existing.Merge(extracted).Serialize()); err != nil {
		return err
	}
	r.deps.Logger.Info("agent identity updated", "name", extracted.Name)
	return nil
}
