package workspace

import (
	"fmt"
	"strings"
	"time"
)

const (
	CallsHeader      = "# Call History\n"
	callSummaryLimit = 150
)

// splitCalls returns the text before the first "### " entry and each entry
// verbatim.
func splitCalls(content string) (header string, entries []string) {
	var starts []int
	offset := 0
	for _, line := range strings.SplitAfter(content, "\n") {
		if strings.HasPrefix(line, "### ") {
			starts = append(starts, offset)
		}
		offset += len(line)
	}
	if len(starts) == 0 {
		return content, nil
	}
	header = content[:starts[0]]
	for i, start := range starts {
		end := len(content)
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		entries = append(entries, content[start:end])
	}
	return header, entries
}

// RecentCalls returns the last n entries as heading plus a body truncated to
// 150 characters.
func RecentCalls(content string, n int) []string {
	if strings.TrimSpace(content) == "" || n <= 0 {
		return nil
	}
	_, blocks := splitCalls(content)
	var out []string
	for _, block := range blocks {
		block = strings.TrimSpace(block)
		heading, body, _ := strings.Cut(block, "\n")
		heading = strings.TrimSpace(heading)
		body = strings.TrimSpace(body)
		if r := []rune(body); len(r) > callSummaryLimit {
			body = string(r[:callSummaryLimit-3]) + "..."
		}
		if body != "" {
			out = append(out, heading+"\n"+body)
		} else {
			out = append(out, heading)
		}
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

// TrimCalls keeps the header and the last max entries.
func TrimCalls(content string, max int) string {
	header, entries := splitCalls(content)
	if len(entries) <= max {
		return content
	}
	if header == "" {
		header = CallsHeader
	}
	kept := entries[len(entries)-max:]
	return strings.TrimRight(header, " \t\n") + "\n\n" + strings.TrimRight(strings.Join(kept, ""), " \t\n") + "\n"
}

// CallEntry renders one CALLS.md entry.
func CallEntry(endedAt time.Time, loc *time.Location, phone, direction, summary string) string {
	if loc == nil {
		loc = time.UTC
	}
	ts := endedAt.In(loc).Format("01/02/2006, 3:04 PM")
	return fmt.Sprintf("### %s -- %s (%s)\n%s\n", ts, phone, direction, summary)
}

// AppendCall adds entry to the agent's CALLS.md and trims it to max entries.
func (w *Workspace) AppendCall(entry string, max int) error {
	path := w.AgentPath(CallsFile)
	existing := Read(path)
	if existing == "" {
		existing = CallsHeader
	}
	updated := strings.TrimRight(existing, " \t\n") + "\n\n" + entry
	if max > 0 {
		updated = TrimCalls(updated, max)
	}
	return Write(path, updated)
}
