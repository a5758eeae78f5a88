// Package postcall runs the best-effort work that follows an inbound call:
// the next greeting, child-session notification and workspace extraction.
package postcall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/deepgram/dglabs-deepclaw/pkg/anthropic"
	"github.com/deepgram/dglabs-deepclaw/pkg/gateway/openclaw"
	"github.com/deepgram/dglabs-deepclaw/pkg/workspace"
)

const (
	SpeakerAgent  = "bot"
	SpeakerCaller = "user"

	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"

	TaskGreeting = "next_greeting"
	TaskChildren = "notify_children"
	TaskSummary  = "call_summary"
	TaskProfile  = "user_profile"
	TaskIdentity = "agent_identity"
)

const (
	DefaultGreetingTimeout   = 5 * time.Second
	DefaultExtractionTimeout = 30 * time.Second
	DefaultCallsMaxEntries   = 50
)

var errEmptyResponse = errors.New("empty response")

type TranscriptEntry struct {
	At      time.Time
	Speaker string
	Text    string
}

type CallInfo struct {
	CallID      string
	SessionKey  string
	PhoneNumber string
	Direction   string
	EndedAt     time.Time
	Transcript  []TranscriptEntry
}

// FormatTranscript renders "Agent: ..." / "Caller: ..." dialogue.
func FormatTranscript(entries []TranscriptEntry) string {
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		label := "Caller"
		if e.Speaker == SpeakerAgent {
			label = "Agent"
		}
		lines = append(lines, label+": "+e.Text)
	}
	return strings.Join(lines, "\n")
}

// Completer generates text for a single prompt.
type Completer interface {
	Complete(ctx context.Context, req anthropic.Request) (string, error)
}

// Gateway reaches the child sessions a call spawned.
type Gateway interface {
	ListChildSessions(ctx context.Context, parentKey string) ([]openclaw.SessionInfo, error)
	SendAgentMessage(ctx context.Context, sessionKey, message string) error
}

type Config struct {
	Extraction        bool
	CallsMaxEntries   int
	Location          *time.Location
	GreetingTimeout   time.Duration
	ExtractionTimeout time.Duration
}

type Dependencies struct {
	Workspace *workspace.Workspace
	LLM       Completer
	Gateway   Gateway
	Logger    *slog.Logger
	// OnFailure observes each task that failed.
	OnFailure func(task string)
}

type Runner struct {
	cfg  Config
	deps Dependencies
}

func New(cfg Config, deps Dependencies) *Runner {
	if cfg.CallsMaxEntries <= 0 {
		cfg.CallsMaxEntries = DefaultCallsMaxEntries
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.GreetingTimeout <= 0 {
		cfg.GreetingTimeout = DefaultGreetingTimeout
	}
	if cfg.ExtractionTimeout <= 0 {
		cfg.ExtractionTimeout = DefaultExtractionTimeout
	}
	if deps.Workspace == nil {
		deps.Workspace = workspace.New("", "")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Runner{cfg: cfg, deps: deps}
}

// Run executes every post-call task. The greeting and child notification run
// in order; extraction tasks then run concurrently. Failures are logged per
// task and never returned.
func (r *Runner) Run(ctx context.Context, call CallInfo) {
	r.run(ctx, TaskGreeting, call, r.GenerateNextGreeting)
	r.run(ctx, TaskChildren, call, r.NotifyChildSessions)

	if !r.cfg.Extraction || len(call.Transcript) == 0 {
		return
	}
	var g errgroup.Group
	for task, fn := range map[string]func(context.Context, CallInfo) error{
		TaskSummary:  r.ExtractCallSummary,
		TaskProfile:  r.ExtractUserProfile,
		TaskIdentity: r.ExtractAgentIdentity,
	} {
		g.Go(func() error {
			r.run(ctx, task, call, fn)
			return nil
		})
	}
	_ = g.Wait()
	r.deps.Logger.Info("post-call extraction complete", "call_id", call.CallID)
}

func (r *Runner) run(ctx context.Context, task string, call CallInfo, fn func(context.Context, CallInfo) error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.failed(task, call, fmt.Errorf("panic: %v", rec))
		}
	}()
	if err := fn(ctx, call); err != nil {
		r.failed(task, call, err)
	}
}

func (r *Runner) failed(task string, call CallInfo, err error) {
	r.deps.Logger.Warn("post-call task failed", "task", task, "call_id", call.CallID, "error", err)
	if r.deps.OnFailure != nil {
		r.deps.OnFailure(task)
	}
}

func (r *Runner) llmReady() bool {
	if r.deps.LLM == nil {
		return false
	}
	if c, ok := r.deps.LLM.(interface{ Configured() bool }); ok {
		return c.Configured()
	}
	return true
}

// GreetingPrompt asks for a one-line greeting for the caller's next call.
func GreetingPrompt(transcript []TranscriptEntry, callerName string) string {
	var parts []string
	if callerName != "" {
		parts = append(parts, "The caller's name is "+callerName+".")
	}
	if len(transcript) > 0 {
		recent := transcript
		if len(recent) > 6 {
			recent = recent[len(recent)-6:]
		}
		lines := make([]string, 0, len(recent))
		for _, e := range recent {
			speaker := "You"
			if e.Speaker == SpeakerCaller {
				speaker = "Caller"
			}
			lines = append(lines, "  "+speaker+": "+e.Text)
		}
		parts = append(parts, "Recent conversation:\n"+strings.Join(lines, "\n"))
	}
	intro := "You don't know much about this caller yet."
	if len(parts) > 0 {
		intro = strings.Join(parts, " ")
	}
	return intro + "\n\n" +
		"Generate a short, punchy greeting for the next time this person calls. " +
		"Reference something specific from the conversation if possible. " +
		"One sentence max. No quotes. No emojis. Just the raw greeting text."
}

// GenerateNextGreeting writes NEXT_GREETING.txt for the caller's next call.
func (r *Runner) GenerateNextGreeting(ctx context.Context, call CallInfo) error {
	if !r.llmReady() {
		r.deps.Logger.Warn("no text generation key, skipping next greeting")
		return nil
	}
	name := r.deps.Workspace.Profile().DisplayName()
	prompt := GreetingPrompt(call.Transcript, name)

	ctx, cancel := context.WithTimeout(ctx, r.cfg.GreetingTimeout)
	defer cancel()
	greeting, err := r.deps.LLM.Complete(ctx, anthropic.Request{
		Model:     anthropic.ModelHaiku,
		MaxTokens: 100,
		Prompt:    prompt,
	})
	if err != nil {
		return fmt.Errorf("generate greeting: %w", err)
	}
	if greeting == "" {
		return fmt.Errorf("generate greeting: %w", errEmptyResponse)
	}
	if err := r.deps.Workspace.SaveNextGreeting(greeting); err != nil {
		return err
	}
	r.deps.Logger.Info("next greeting saved", "greeting", truncate(greeting, 80))
	return nil
}

// ChildMessage tells a spawned session the caller is gone.
func ChildMessage(callerNumber string) string {
	if callerNumber != "" {
		return "The voice call has ended. The caller is no longer on the phone. " +
			"Send your results via SMS instead: use the twilio action with target \"" + callerNumber + "\"."
	}
	return "The voice call has ended. The caller is no longer on the phone. " +
		"If you have results to deliver, send them via SMS using the twilio action."
}

// NotifyChildSessions messages every session spawned during the call.
func (r *Runner) NotifyChildSessions(ctx context.Context, call CallInfo) error {
	if r.deps.Gateway == nil || call.SessionKey == "" {
		return nil
	}
	children, err := r.deps.Gateway.ListChildSessions(ctx, call.SessionKey)
	if err != nil {
		return fmt.Errorf("list child sessions: %w", err)
	}
	if len(children) == 0 {
		r.deps.Logger.Info("no child sessions", "session_key", call.SessionKey)
		return nil
	}
	r.deps.Logger.Info("notifying child sessions that call ended", "count", len(children))

	msg := ChildMessage(call.PhoneNumber)
	var errs []error
	for _, child := range children {
		if child.Key == "" {
			continue
		}
		if err := r.deps.Gateway.SendAgentMessage(ctx, child.Key, msg); err != nil {
			errs = append(errs, fmt.Errorf("notify %s: %w", child.Key, err))
		}
	}
	return errors.Join(errs...)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
