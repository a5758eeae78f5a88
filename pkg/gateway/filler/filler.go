// Package filler masks slow agent turns with a short spoken "thinking" phrase.
package filler

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/deepgram/dglabs-deepclaw/pkg/anthropic"
)

// Skip is the generator's answer when no filler should be spoken.
const Skip = "SKIP"

const (
	DefaultThreshold   = 1500 * time.Millisecond
	DefaultGracePeriod = 500 * time.Millisecond
	DynamicTimeout     = 2 * time.Second
	dynamicMaxTokens   = 50
)

var DefaultPhrases = []string{
	"Hmm, let me think about that.",
	"Good question, one sec.",
	"Oh interesting, give me a moment.",
	"Let me look into that.",
	"Hmm, let me see.",
	"One moment while I think on that.",
}

// Completer generates text for a single prompt.
type Completer interface {
	Complete(ctx context.Context, req anthropic.Request) (string, error)
}

type Config struct {
	// Threshold is how long a turn may stay silent before a filler is spoken.
	Threshold time.Duration
	// Dynamic enables phrase generation tailored to the caller's message.
	Dynamic bool
	Phrases []string
	// GracePeriod is the extra wait for a dynamic phrase still in flight.
	GracePeriod time.Duration
}

type Filler struct {
	cfg       Config
	completer Completer
	logger    *slog.Logger
	pick      func(n int) int
}

func New(cfg Config, completer Completer, logger *slog.Logger) *Filler {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Filler{cfg: cfg, completer: completer, logger: logger, pick: rand.IntN}
}

// Enabled reports whether a filler can ever be spoken for message.
func (f *Filler) Enabled(message string) bool {
	if f == nil || f.cfg.Threshold <= 0 {
		return false
	}
	if IsShortConfirmation(message) {
		f.logger.Info("short confirmation, skipping filler", "message", truncate(message, 60))
		return false
	}
	return true
}

// Run waits for the threshold and speaks one phrase through inject unless ctx
// ends first. It returns the phrase spoken, or "" when none was.
func (f *Filler) Run(ctx context.Context, message string, inject func(ctx context.Context, phrase string) error) string {
	dynamic := make(chan string, 1)
	dynamicStarted := false
	if f.cfg.Dynamic && message != "" && f.completerReady() {
		dynamicStarted = true
		go func() {
			dynamic <- f.generate(ctx, message)
		}()
	}

	threshold := time.NewTimer(f.cfg.Threshold)
	defer threshold.Stop()
	select {
	case <-ctx.Done():
		return ""
	case <-threshold.C:
	}

	phrase := ""
	if dynamicStarted {
		select {
		case phrase = <-dynamic:
		default:
			f.logger.Info("dynamic filler not ready at threshold, waiting", "grace", f.cfg.GracePeriod)
			grace := time.NewTimer(f.cfg.GracePeriod)
			select {
			case <-ctx.Done():
				grace.Stop()
				return ""
			case phrase = <-dynamic:
				grace.Stop()
			case <-grace.C:
			}
		}
	}
	if isSkip(phrase) {
		f.logger.Info("filler generator answered skip, suppressing filler")
		return ""
	}
	if phrase == "" {
		phrase = f.static()
		if phrase == "" {
			f.logger.Warn("no filler phrase available, skipping injection")
			return ""
		}
		f.logger.Info("falling back to static filler", "phrase", phrase)
	}

	if ctx.Err() != nil {
		return ""
	}
	if err := inject(ctx, phrase); err != nil {
		f.logger.Warn("failed to inject filler phrase", "error", err)
		return ""
	}
	f.logger.Info("filler phrase injected", "phrase", phrase)
	return phrase
}

func (f *Filler) completerReady() bool {
	if f.completer == nil {
		return false
	}
	if c, ok := f.completer.(interface{ Configured() bool }); ok {
		return c.Configured()
	}
	return true
}

func (f *Filler) generate(ctx context.Context, message string) string {
	ctx, cancel := context.WithTimeout(ctx, DynamicTimeout)
	defer cancel()

	start := time.Now()
	text, err := f.completer.Complete(ctx, anthropic.Request{
		Model:     anthropic.ModelHaiku,
		MaxTokens: dynamicMaxTokens,
		Prompt:    Prompt(message),
	})
	elapsed := time.Since(start)
	if err != nil {
		f.logger.Warn("dynamic filler failed", "elapsed", elapsed, "error", err)
		return ""
	}
	f.logger.Info("dynamic filler ready", "elapsed", elapsed, "phrase", text)
	return strings.TrimSpace(text)
}

func (f *Filler) static() string {
	if len(f.cfg.Phrases) == 0 {
		return ""
	}
	return f.cfg.Phrases[f.pick(len(f.cfg.Phrases))]
}

// Prompt asks for a short thinking phrase specific to message.
func Prompt(message string) string {
	return "You're a voice assistant on a phone call. The user just said: \"" + message + "\". " +
		`You need a moment to think. Generate a single short "thinking" phrase (under 10 words) ` +
		"that shows you're considering their specific question -- not a generic acknowledgment.\n" +
		`BAD: "Got it." "Sure thing." "Absolutely." (these sound like the real answer starting)` + "\n" +
		`GOOD: "Hmm, good question." "Let me think about that." "Oh interesting, one sec."` + "\n" +
		"If the message is a simple acknowledgment or small talk that needs no thought, output only SKIP.\n" +
		"Output ONLY the phrase. End with a period."
}

func isSkip(phrase string) bool {
	p := strings.TrimRight(strings.TrimSpace(phrase), ".!")
	return strings.EqualFold(p, Skip)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
