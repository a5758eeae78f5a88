package status

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const DefaultPhrase = "Still working on that."

type phraseEntry struct {
	tool   string
	phrase string
}

// Phrases maps tool names to spoken progress phrases. Lookup order is fixed so
// namespaced tool names resolve the same way every time.
type Phrases struct {
	entries  []phraseEntry
	fallback string
}

func DefaultPhrases() *Phrases {
	return &Phrases{
		entries: []phraseEntry{
			{"web_search", "Let me search for that."},
			{"read_file", "Checking some results."},
			{"memory_search", "Let me check my notes."},
			{"calendar_events", "Checking your calendar."},
			{"sessions_spawn", "Kicking off a background task."},
			{"send_sms", "Sending a text message."},
			{"make_call", "Making a call."},
		},
		fallback: DefaultPhrase,
	}
}

// Lookup tries an exact match, then a substring match such as
// "mcp__brave__web_search", then the default phrase.
func (p *Phrases) Lookup(tool string) string {
	if p == nil {
		p = DefaultPhrases()
	}
	for _, e := range p.entries {
		if e.tool == tool {
			return e.phrase
		}
	}
	if tool != "" {
		for _, e := range p.entries {
			if strings.Contains(tool, e.tool) {
				return e.phrase
			}
		}
	}
	return p.fallback
}

// Set replaces the phrase for tool, or appends a new entry.
func (p *Phrases) Set(tool, phrase string) {
	tool = strings.TrimSpace(tool)
	phrase = strings.TrimSpace(phrase)
	if tool == "" || phrase == "" {
		return
	}
	for i := range p.entries {
		if p.entries[i].tool == tool {
			p.entries[i].phrase = phrase
			return
		}
	}
	p.entries = append(p.entries, phraseEntry{tool: tool, phrase: phrase})
}

type phraseFile struct {
	Phrases map[string]string `yaml:"phrases"`
	Default string            `yaml:"default"`
}

// ParsePhrases layers a YAML document over the built-in table:
//
//	phrases:
//	  github_search: Searching GitHub.
//	default: One moment.
func ParsePhrases(data []byte) (*Phrases, error) {
	var f phraseFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse status phrases: %w", err)
	}
	p := DefaultPhrases()
	tools := make([]string, 0, len(f.Phrases))
	for tool := range f.Phrases {
		tools = append(tools, tool)
	}
	sort.Strings(tools)
	for _, tool := range tools {
		p.Set(tool, f.Phrases[tool])
	}
	if d := strings.TrimSpace(f.Default); d != "" {
		p.fallback = d
	}
	return p, nil
}

// LoadPhrases reads path, or returns the built-in table when path is empty.
func LoadPhrases(path string) (*Phrases, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultPhrases(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read status phrases: %w", err)
	}
	return ParsePhrases(data)
}
