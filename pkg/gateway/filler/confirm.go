package filler

import "strings"

var confirmations = map[string]bool{
	"yes": true, "yeah": true, "yep": true, "yup": true, "ya": true,
	"no": true, "nope": true, "nah": true,
	"ok": true, "okay": true, "k": true, "sure": true,
	"exactly": true, "right": true, "correct": true, "perfect": true,
	"great": true, "cool": true, "nice": true, "awesome": true,
	"alright": true, "all right": true, "got it": true, "sounds good": true,
	"thanks": true, "thank you": true, "thank you so much": true,
	"that's right": true, "that's it": true, "that works": true,
	"uh huh": true, "uh-huh": true, "mhm": true, "mm hmm": true,
	"yes please": true, "no thanks": true, "no thank you": true,
	"go ahead": true, "do it": true, "please do": true, "of course": true,
	"hello": true, "hi": true, "hey": true,
}

// acknowledgers may prefix a confirmation ("oh yeah", "ok sounds good").
var acknowledgers = map[string]bool{
	"oh": true, "ok": true, "okay": true, "yeah": true, "yes": true,
	"great": true, "perfect": true, "cool": true, "alright": true,
}

// IsShortConfirmation reports whether text is a brief acknowledgment that the
// agent answers instantly, so a thinking phrase would sound wrong.
func IsShortConfirmation(text string) bool {
	norm := normalize(text)
	if norm == "" {
		return false
	}
	if confirmations[norm] {
		return true
	}
	words := strings.Fields(norm)
	if len(words) < 2 || len(words) > 4 {
		return false
	}
	if acknowledgers[words[0]] && confirmations[strings.Join(words[1:], " ")] {
		return true
	}
	for _, w := range words {
		if !confirmations[w] {
			return false
		}
	}
	return true
}

func normalize(text string) string {
	text = strings.ToLower(strings.TrimSpace(text))
	text = strings.Map(func(r rune) rune {
		switch r {
		case '.', ',', '!', '?', ';', ':', '"':
			return ' '
		case '’':
			return '\''
		}
		return r
	}, text)
	return strings.Join(strings.Fields(text), " ")
}
