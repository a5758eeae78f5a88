package workspace

import (
	"regexp"
	"strings"
)

var wrappedPlaceholder = regexp.MustCompile(`^_\(.*\)_$`)

// stripFrontmatter removes a leading "---" delimited block.
func stripFrontmatter(content string) string {
	if !strings.HasPrefix(content, "---") {
		return content
	}
	end := strings.Index(content[3:], "---")
	if end == -1 {
		return content
	}
	return strings.TrimLeft(content[3+end+3:], "\n")
}

// normalizeValue reduces a field value to the form placeholder sets use.
func normalizeValue(value string) string {
	n := strings.TrimSpace(strings.Trim(strings.TrimSpace(value), "*_"))
	if strings.HasPrefix(n, "(") && strings.HasSuffix(n, ")") {
		n = strings.TrimSpace(n[1 : len(n)-1])
	}
	n = strings.NewReplacer("–", "-", "—", "-").Replace(n)
	return strings.ToLower(strings.Join(strings.Fields(n), " "))
}

func isPlaceholderIn(value string, known map[string]bool) bool {
	value = strings.TrimSpace(value)
	if value == "" {
		return true
	}
	if wrappedPlaceholder.MatchString(value) {
		return true
	}
	return known[normalizeValue(value)]
}

// field splits a "- **Label:** value" line. ok is false when the line has
// no colon.
func field(line string) (label, value string, ok bool) {
	cleaned := strings.TrimLeft(strings.TrimSpace(line), "- ")
	idx := strings.Index(cleaned, ":")
	if idx == -1 {
		return "", "", false
	}
	label = strings.ToLower(strings.TrimSpace(strings.NewReplacer("*", "", "_", "").Replace(cleaned[:idx])))
	value = strings.TrimSpace(strings.Trim(cleaned[idx+1:], "*_"))
	return label, value, true
}
