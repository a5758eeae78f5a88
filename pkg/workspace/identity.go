package workspace

import "strings"

var identityPlaceholders = map[string]bool{
	"pick something you like": true,
	"ai? robot? familiar? ghost in the machine? something weirder?": true,
	"how do you come across? sharp? warm? chaotic? calm?":           true,
	"your signature - pick one that feels right":                    true,
	"workspace-relative path, http(s) url, or data uri":             true,
}

var genericNames = map[string]bool{
	"voice agent":  true,
	"assistant":    true,
	"ai":           true,
	"ai assistant": true,
	"bot":          true,
	"agent":        true,
	"helper":       true,
}

// Identity is the agent's self-chosen persona.
type Identity struct {
	Name     string `json:"name,omitempty"`
	Creature string `json:"creature,omitempty"`
	Vibe     string `json:"vibe,omitempty"`
	Emoji    string `json:"emoji,omitempty"`
	// Avatar is user-managed and never filled by extraction.
	Avatar string `json:"-"`
}

func isIdentityPlaceholder(value string) bool {
	return isPlaceholderIn(value, identityPlaceholders)
}

// IsGenericName reports names too bland to keep, like "Assistant".
func IsGenericName(name string) bool {
	return genericNames[strings.ToLower(strings.TrimSpace(name))]
}

// ParseIdentity reads IDENTITY.md. A label with no inline value takes the
// following line unless that line starts another field.
func ParseIdentity(content string) Identity {
	var id Identity
	lines := strings.Split(stripFrontmatter(content), "\n")
	for i, line := range lines {
		label, value, ok := field(line)
		if !ok {
			continue
		}
		if value == "" && i+1 < len(lines) {
			next := strings.TrimSpace(lines[i+1])
			if next != "" && !strings.HasPrefix(next, "- **") {
				if isIdentityPlaceholder(next) {
					continue
				}
				value = next
			}
		}
		if isIdentityPlaceholder(value) {
			continue
		}
		switch label {
		case "name":
			id.Name = value
		case "creature":
			id.Creature = value
		case "vibe":
			id.Vibe = value
		case "emoji":
			id.Emoji = value
		case "avatar":
			id.Avatar = value
		}
	}
	return id
}

func (id Identity) HasValues() bool {
	return id.Name != "" || id.Creature != "" || id.Vibe != "" || id.Emoji != "" || id.Avatar != ""
}

// Merge fills empty fields from extracted, leaving Avatar untouched.
func (id Identity) Merge(extracted Identity) Identity {
	fill := func(dst *string, v string) {
		if *dst == "" && v != "" {
			*dst = v
		}
	}
	m := id
	fill(&m.Name, extracted.Name)
	fill(&m.Creature, extracted.Creature)
	fill(&m.Vibe, extracted.Vibe)
	fill(&m.Emoji, extracted.Emoji)
	return m
}

// Serialize renders the IDENTITY.md template.
func (id Identity) Serialize() string {
	lines := []string{
		"# IDENTITY.md - Who Am I?",
		"",
		"_Fill this in during your first conversation. Make it yours._",
		"",
		"- **Name:** " + id.Name,
		"- **Creature:** " + id.Creature,
		"- **Vibe:** " + id.Vibe,
		"- **Emoji:** " + id.Emoji,
		"- **Avatar:** " + id.Avatar,
		"",
		"---",
		"",
		"This isn't just metadata. It's the start of figuring out who you are.",
		"",
	}
	return strings.Join(lines, "\n")
}

// IsBlankIdentity reports whether IDENTITY.md lacks a real name, either
// inline or on the line after the Name label.
func IsBlankIdentity(content string) bool {
	if strings.TrimSpace(content) == "" {
		return true
	}
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		label, value, ok := field(line)
		if !ok || label != "name" {
			continue
		}
		if value != "" && !isUserPlaceholder(value) && !isIdentityPlaceholder(value) {
			return false
		}
		if value == "" && i+1 < len(lines) {
			next := strings.TrimSpace(lines[i+1])
			if next != "" && !isUserPlaceholder(next) && !isIdentityPlaceholder(next) {
				return false
			}
		}
		return true
	}
	return true
}
