package workspace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const filledUser = `---
summary: user profile
---
# USER.md - About Your Human

- **Name:** Alexandra Chen
- **What to call them:** Alex
- **Pronouns:** _(optional)_
- **Timezone:** America/Los_Angeles
- **Notes:** Runs a bakery, two kids

## Context

Working on opening a second location.

---

The more you know, the better you can help.
`

const templateUser = `# USER.md - About Your Human

- **Name:**
- **What to call them:**
- **Pronouns:** _(optional)_
- **Timezone:**
- **Notes:**

## Context

_(What do they care about? What projects are they working on? What annoys them? What makes them laugh? Build this over time.)_

---
`

const templateIdentity = `# IDENTITY.md - Who Am I?

- **Name:**
  _(pick something you like)_
- **Creature:**
  _(AI? robot? familiar? ghost in the machine? something weirder?)_
- **Vibe:**
  _(how do you come across? sharp? warm? chaotic? calm?)_
- **Emoji:**
  _(your signature — pick one that feels right)_
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestParseUserFilled(t *testing.T) {
	p := ParseUser(filledUser)
	want := UserProfile{
		Name:     "Alexandra Chen",
		CallName: "Alex",
		Timezone: "America/Los_Angeles",
		Notes:    "Runs a bakery, two kids",
		Context:  "Working on opening a second location.",
	}
	if p != want {
		t.Fatalf("profile=%+v, want %+v", p, want)
	}
	if p.DisplayName() != "Alex" || !p.HasValues() || !p.Populated() {
		t.Fatalf("display=%q has=%v populated=%v", p.DisplayName(), p.HasValues(), p.Populated())
	}
}

func TestParseUserTemplateIsEmpty(t *testing.T) {
	if p := ParseUser(templateUser); p.HasValues() {
		t.Fatalf("template parsed as %+v", p)
	}
}

func TestIsBlankIdentity(t *testing.T) {
	cases := []struct {
		content string
		want    bool
	}{
		{"", true},
		{templateIdentity, true},
		{"- **Name:** Wren\n- **Vibe:** calm", false},
		{"- **Name:**\n  Ember\n", false},
		{"- **Name:** _(pick something you like)_", true},
		{"# Nothing here", true},
	}
	for _, tc := range cases {
		if got := IsBlankIdentity(tc.content); got != tc.want {
			t.Fatalf("IsBlankIdentity(%q)=%v, want %v", tc.content, got, tc.want)
		}
	}
}

func TestParseIdentityNextLineValues(t *testing.T) {
	id := ParseIdentity("- **Name:**\n  Wren\n- **Creature:** voice companion\n- **Vibe:**\n  _(how do you come across? sharp? warm? chaotic? calm?)_\n- **Avatar:** avatars/wren.png\n")
	want := Identity{Name: "Wren", Creature: "voice companion", Avatar: "avatars/wren.png"}
	if id != want {
		t.Fatalf("identity=%+v, want %+v", id, want)
	}
	if blank := ParseIdentity(templateIdentity); blank.HasValues() {
		t.Fatalf("template parsed as %+v", blank)
	}
}

func TestIdentityMergeKeepsAvatarAndExisting(t *testing.T) {
	existing := Identity{Vibe: "warm", Avatar: "a.png"}
	merged := existing.Merge(Identity{Name: "Moss", Vibe: "cold", Emoji: "🌿", Avatar: "b.png"})
	want := Identity{Name: "Moss", Vibe: "warm", Emoji: "🌿", Avatar: "a.png"}
	if merged != want {
		t.Fatalf("merged=%+v, want %+v", merged, want)
	}
	if round := ParseIdentity(merged.Serialize()); round != want {
		t.Fatalf("serialize round trip=%+v", round)
	}
	if !IsGenericName(" AI Assistant ") || IsGenericName("Sable") {
		t.Fatalf("generic name detection wrong")
	}
}

func TestUserMergeFillOnlyAndContextAppend(t *testing.T) {
	existing := UserProfile{Name: "Sam", Context: "Planning a trip."}
	merged := existing.Merge(UserProfile{Name: "Samuel", CallName: "Sam", Timezone: "UTC", Context: "Likes jazz."})
	if merged.Name != "Sam" || merged.CallName != "Sam" || merged.Timezone != "UTC" {
		t.Fatalf("merged=%+v", merged)
	}
	if merged.Context != "Planning a trip.\nLikes jazz." {
		t.Fatalf("context=%q", merged.Context)
	}
	again := merged.Merge(UserProfile{Context: "Likes jazz."})
	if again.Context != merged.Context {
		t.Fatalf("context duplicated: %q", again.Context)
	}

	round := ParseUser(merged.Serialize())
	if round != merged {
		t.Fatalf("serialize round trip=%+v, want %+v", round, merged)
	}
}

func TestRecentCallsTruncatesAndKeepsLast(t *testing.T) {
	long := strings.Repeat("a", 200)
	content := CallsHeader + "\n### 01/01/2026, 9:00 AM -- +15550001 (inbound)\nfirst\n\n" +
		"### 01/02/2026, 9:00 AM -- +15550001 (inbound)\n" + long + "\n\n" +
		"### 01/03/2026, 9:00 AM -- +15550001 (inbound)\n"
	got := RecentCalls(content, 2)
	if len(got) != 2 {
		t.Fatalf("len=%d, want 2", len(got))
	}
	heading, body, _ := strings.Cut(got[0], "\n")
	if heading != "### 01/02/2026, 9:00 AM -- +15550001 (inbound)" {
		t.Fatalf("heading=%q", heading)
	}
	if len(body) != 150 || !strings.HasSuffix(body, "...") {
		t.Fatalf("body len=%d", len(body))
	}
	if got[1] != "### 01/03/2026, 9:00 AM -- +15550001 (inbound)" {
		t.Fatalf("last=%q", got[1])
	}
	if RecentCalls("  ", 3) != nil {
		t.Fatalf("expected nil for empty content")
	}
}

func TestTrimCalls(t *testing.T) {
	content := "# Call History\n\n### a\none\n\n### b\ntwo\n\n### c\nthree\n"
	got := TrimCalls(content, 2)
	want := "# Call History\n\n### b\ntwo\n\n### c\nthree\n"
	if got != want {
		t.Fatalf("TrimCalls=%q, want %q", got, want)
	}
	if TrimCalls(content, 5) != content {
		t.Fatalf("content under limit changed")
	}
}

func TestCallEntryFormat(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	ended := time.Date(2026, 3, 4, 19, 5, 0, 0, time.UTC)
	got := CallEntry(ended, loc, "+15551234", "inbound", "Talked about pizza.")
	want := "### 03/04/2026, 2:05 PM -- +15551234 (inbound)\nTalked about pizza.\n"
	if got != want {
		t.Fatalf("CallEntry=%q, want %q", got, want)
	}
}

func TestAppendCallCreatesAndTrims(t *testing.T) {
	w := New(t.TempDir(), "main")
	for i, s := range []string{"one", "two", "three"} {
		entry := CallEntry(time.Date(2026, 1, i+1, 9, 0, 0, 0, time.UTC), time.UTC, "+1", "inbound", s)
		if err := w.AppendCall(entry, 2); err != nil {
			t.Fatalf("AppendCall: %v", err)
		}
	}
	got := Read(w.AgentPath(CallsFile))
	if !strings.HasPrefix(got, "# Call History") {
		t.Fatalf("missing header: %q", got)
	}
	if strings.Contains(got, "one") || !strings.Contains(got, "two") || !strings.Contains(got, "three") {
		t.Fatalf("entries=%q", got)
	}
}

func TestAgentPath(t *testing.T) {
	main := New("/ws", "main")
	if got := main.AgentPath(CallsFile); got != filepath.Join("/ws", "CALLS.md") {
		t.Fatalf("main path=%q", got)
	}
	other := New("/ws", "sales")
	if got := other.AgentPath(UserFile); got != filepath.Join("/ws", "sales", "USER.md") {
		t.Fatalf("agent path=%q", got)
	}
	if New("/ws", "").AgentID != "main" {
		t.Fatalf("empty agent id not defaulted")
	}
}

func TestBuildPromptFirstCaller(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, UserFile), templateUser)
	writeFile(t, filepath.Join(dir, IdentityFile), templateIdentity)
	w := New(dir, "main")

	p := w.BuildPrompt(PromptOptions{ActionNudges: true, FirstCallerWindow: 15, ReturningWindow: 45, Now: time.Date(2026, 5, 6, 7, 8, 0, 0, time.UTC)})
	if !p.FirstCaller {
		t.Fatalf("FirstCaller=false")
	}
	for _, want := range []string{
		"You are on a phone call. Voice constraints:",
		"- Current UTC time: 2026-05-06 07:08 UTC.",
		"use sessions_spawn",
		"Offer to DO something useful for them within 15 seconds.",
		"First-caller bootstrap:",
	} {
		if !strings.Contains(p.Text, want) {
			t.Fatalf("prompt missing %q:\n%s", want, p.Text)
		}
	}
	if strings.Contains(p.Text, "Caller context:") {
		t.Fatalf("first caller prompt has caller context")
	}
	if got := w.Greeting(p, "Hello! How can I help you today?"); got != "Hello! How can I help you today?" {
		t.Fatalf("greeting=%q", got)
	}
}

func TestBuildPromptReturningCaller(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, UserFile), filledUser)
	writeFile(t, filepath.Join(dir, "test-voice-agent", CallsFile), CallsHeader+"\n### 01/01/2026, 9:00 AM -- +1 (inbound)\nAsked about flour prices.\n")
	w := New(dir, "main")

	p := w.BuildPrompt(PromptOptions{ActionNudges: true, FirstCallerWindow: 15, ReturningWindow: 45})
	if p.FirstCaller {
		t.Fatalf("FirstCaller=true for filled profile")
	}
	for _, want := range []string{
		"- The caller's timezone is America/Los_Angeles.",
		"- Caller's name: Alex. Greet them by name.",
		"- About them: Runs a bakery, two kids",
		"- Context: Working on opening a second location.",
		"Recent calls:\n  ### 01/01/2026, 9:00 AM -- +1 (inbound)\n  Asked about flour prices.",
		"within 45 seconds.",
	} {
		if !strings.Contains(p.Text, want) {
			t.Fatalf("prompt missing %q:\n%s", want, p.Text)
		}
	}
	if strings.Contains(p.Text, "bootstrap") {
		t.Fatalf("returning prompt has bootstrap")
	}
	if got := w.Greeting(p, "fallback"); got != "Hey Alex!" {
		t.Fatalf("greeting=%q", got)
	}

	if err := w.SaveNextGreeting("Hey Alex, how did the second shop go?"); err != nil {
		t.Fatalf("SaveNextGreeting: %v", err)
	}
	if got := w.Greeting(p, "fallback"); got != "Hey Alex, how did the second shop go?" {
		t.Fatalf("greeting=%q", got)
	}
}

func TestBuildPromptWithoutNudges(t *testing.T) {
	p := New(t.TempDir(), "main").BuildPrompt(PromptOptions{})
	if !p.FirstCaller || strings.Contains(p.Text, "Nudge:") {
		t.Fatalf("first=%v prompt=%s", p.FirstCaller, p.Text)
	}
}

func TestAgentNameFromIdentity(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, IdentityFile), "- **Name:** Wren\n")
	if got := New(dir, "main").AgentName(); got != "Wren" {
		t.Fatalf("AgentName=%q", got)
	}
}
