package workspace

import (
	"fmt"
	"strings"
	"time"
)

const recentCallCount = 3

type PromptOptions struct {
	ActionNudges bool
	// FirstCallerWindow and ReturningWindow are nudge deadlines in seconds.
	FirstCallerWindow int
	ReturningWindow   int
	Now               time.Time
}

// Prompt is the constructed system prompt for an inbound call.
type Prompt struct {
	Text        string
	FirstCaller bool
	Profile     UserProfile
	Sections    []string
}

// BuildPrompt assembles the voice prompt from USER.md, IDENTITY.md and the
// call history. A caller with no profile and an agent with no name gets the
// first-caller bootstrap.
func (w *Workspace) BuildPrompt(opts PromptOptions) Prompt {
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	userMD := Read(w.UserPath())
	identityMD := Read(w.IdentityPath())
	callsMD := Read(w.PromptCallsPath())

	var profile UserProfile
	if userMD != "" {
		profile = ParseUser(userMD)
	}
	filled := profile.HasValues()
	first := !filled && IsBlankIdentity(identityMD)

	now := opts.Now.UTC().Format("2006-01-02 15:04 UTC")
	var b strings.Builder
	line := func(format string, args ...any) {
		fmt.Fprintf(&b, format, args...)
		b.WriteByte('\n')
	}
	sections := []string{"voice_constraints"}

	line("You are on a phone call. Voice constraints:")
	line("- Keep responses brief (1-2 sentences max). No markdown, plain conversational sentences only.")
	line(`- Do not start with filler phrases like "Let me check" or "One moment". Jump straight into the answer.`)
	line("- If a request is ambiguous, ask a quick clarifying question before acting.")
	if profile.Timezone != "" {
		line("- The caller's timezone is %s. Current UTC time: %s.", profile.Timezone, now)
	} else {
		line("- Current UTC time: %s.", now)
	}
	line("- If you are asked to text or call someone, use the twilio action.")
	line("")
	line("Background tasks:")
	line("- For anything that takes more than a few seconds (research, writing, analysis, lookups, multi-step tasks), use sessions_spawn to run it in the background.")
	line(`- Tell the caller you'll text them the results. Example: "I'll research that and text you what I find."`)
	line("- Do NOT make the caller wait on the phone while you do long tool calls or web searches.")
	line("- Quick factual answers (weather, time, simple math) can be answered directly.")

	if filled {
		line("")
		line("Caller context:")
		name := profile.DisplayName()
		if name != "" {
			line("- Caller's name: %s. Greet them by name.", name)
		}
		if profile.Pronouns != "" {
			line("- Pronouns: %s", profile.Pronouns)
		}
		if profile.Notes != "" {
			line("- About them: %s", profile.Notes)
		}
		if profile.Context != "" {
			line("- Context: %s", profile.Context)
		}
		if name == "" {
			name = "unnamed"
		}
		sections = append(sections, "caller_context ("+name+")")

		if recent := RecentCalls(callsMD, recentCallCount); len(recent) > 0 {
			line("")
			line("Recent calls:")
			for _, entry := range recent {
				for _, sub := range strings.Split(entry, "\n") {
					line("  %s", sub)
				}
			}
			sections = append(sections, fmt.Sprintf("recent_calls (%d)", len(recent)))
		}
	}

	if opts.ActionNudges {
		switch {
		case filled && !first:
			line("")
			line("Nudge: This is a returning caller. Reference a recent interaction if possible. Steer the conversation toward a concrete action within %d seconds.", opts.ReturningWindow)
			sections = append(sections, "returning_nudge")
		case first:
			line("")
			line("Nudge: This is a first-time caller. Offer to DO something useful for them within %d seconds. Show value quickly.", opts.FirstCallerWindow)
			sections = append(sections, "first_caller_nudge")
		}
	}

	if first {
		line("")
		line("First-caller bootstrap:")
		line("- You don't have a name yet. If the caller asks, say you haven't picked one yet.")
		line("- Within the first exchange, naturally ask their name.")
		line("- IMPORTANT: When someone says 'call me [name]', they are telling you their NAME, not asking you to make a phone call.")
		line("- Goal: names exchanged, something useful done, give them a reason to call back.")
		sections = append(sections, "bootstrap")
	}

	return Prompt{
		Text:        strings.TrimRight(b.String(), "\n"),
		FirstCaller: first,
		Profile:     profile,
		Sections:    sections,
	}
}

// Greeting picks the opening line: a pre-generated greeting if one exists,
// else "Hey {name}!" for a returning caller with a name, else fallback.
func (w *Workspace) Greeting(p Prompt, fallback string) string {
	if next := w.NextGreeting(); next != "" {
		return next
	}
	if !p.FirstCaller {
		if name := p.Profile.DisplayName(); name != "" {
			return "Hey " + name + "!"
		}
	}
	return fallback
}
