package workspace

import (
	"regexp"
	"strings"
)

var userPlaceholders = map[string]bool{
	"optional": true,
	"what do they care about? what projects are they working on? what annoys them? what makes them laugh? build this over time.": true,
}

var (
	contextHeading = regexp.MustCompile(`(?i)^##\s+context`)
	sectionRule    = regexp.MustCompile(`^---\s*$`)
	topHeading     = regexp.MustCompile(`^#\s`)
)

// UserProfile is what the agent knows about its caller.
type UserProfile struct {
	Name     string `json:"name,omitempty"`
	CallName string `json:"callName,omitempty"`
	Pronouns string `json:"pronouns,omitempty"`
	Timezone string `json:"timezone,omitempty"`
	Notes    string `json:"notes,omitempty"`
	Context  string `json:"context,omitempty"`
}

func isUserPlaceholder(value string) bool {
	return isPlaceholderIn(value, userPlaceholders)
}

// ParseUser reads "- **Label:** value" fields before the "## Context"
// heading and the free-text context section after it.
func ParseUser(content string) UserProfile {
	var p UserProfile
	lines := strings.Split(stripFrontmatter(content), "\n")

	contextStart := -1
	for i, line := range lines {
		if contextHeading.MatchString(strings.TrimSpace(line)) {
			contextStart = i + 1
			break
		}
	}

	kvEnd := len(lines)
	if contextStart != -1 {
		kvEnd = contextStart - 1
	}
	for _, line := range lines[:kvEnd] {
		label, value, ok := field(line)
		if !ok || isUserPlaceholder(value) {
			continue
		}
		switch label {
		case "name":
			p.Name = value
		case "what to call them":
			p.CallName = value
		case "pronouns":
			p.Pronouns = value
		case "timezone":
			p.Timezone = value
		case "notes":
			p.Notes = value
		}
	}

	if contextStart != -1 {
		var ctx []string
		for _, line := range lines[contextStart:] {
			if sectionRule.MatchString(line) || topHeading.MatchString(line) {
				break
			}
			ctx = append(ctx, line)
		}
		if text := strings.TrimSpace(strings.Join(ctx, "\n")); !isUserPlaceholder(text) {
			p.Context = text
		}
	}
	return p
}

func (p UserProfile) HasValues() bool {
	return p.Name != "" || p.CallName != "" || p.Pronouns != "" || p.Timezone != "" || p.Notes != "" || p.Context != ""
}

// Populated reports whether every field extraction can fill is already set.
// Pronouns are optional and not considered.
func (p UserProfile) Populated() bool {
	return p.Name != "" && p.CallName != "" && p.Timezone != "" && p.Notes != "" && p.Context != ""
}

// DisplayName prefers what the caller likes to be called.
func (p UserProfile) DisplayName() string {
	if p.CallName != "" {
		return p.CallName
	}
	return p.Name
}

// Merge fills empty fields from extracted. Context is appended when new.
func (p UserProfile) Merge(extracted UserProfile) UserProfile {
	fill := func(dst *string, v string) {
		if *dst == "" && v != "" {
			*dst = v
		}
	}
	m := p
	fill(&m.Name, extracted.Name)
	fill(&m.CallName, extracted.CallName)
	fill(&m.Pronouns, extracted.Pronouns)
	fill(&m.Timezone, extracted.Timezone)
	fill(&m.Notes, extracted.Notes)
	if extracted.Context != "" {
		switch {
		case m.Context == "":
			m.Context = extracted.Context
		case !strings.Contains(m.Context, extracted.Context):
			m.Context = strings.TrimRight(m.Context, " \t\n") + "\n" + extracted.Context
		}
	}
	return m
}

// Serialize renders the USER.md template.
func (p UserProfile) Serialize() string {
	pronouns := p.Pronouns
	if pronouns == "" {
		pronouns = "_(optional)_"
	}
	lines := []string{
		"# USER.md - About Your Human",
		"",
		"_Learn about the person you're helping. Update this as you go._",
		"",
		"- **Name:** " + p.Name,
		"- **What to call them:** " + p.CallName,
		"- **Pronouns:** " + pronouns,
		"- **Timezone:** " + p.Timezone,
		"- **Notes:** " + p.Notes,
		"",
		"## Context",
		"",
		p.Context,
		"",
		"---",
		"",
		"The more you know, the better you can help. But remember: you're learning about a person, not building a dossier. Respect the difference.",
		"",
	}
	return strings.Join(lines, "\n")
}
