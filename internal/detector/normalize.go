package detector

import (
	"strings"
	"unicode"
)

// Normalize lower-cases text, collapses whitespace and strips trailing
// punctuation. Normalize(Normalize(s)) == Normalize(s).
func Normalize(text string) string {
	collapsed := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	return strings.TrimRightFunc(collapsed, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	})
}

// cueText lower-cases text and trims punctuation around every word so cue
// prefixes and phrases match on word boundaries.
func cueText(text string) string {
	fields := strings.Fields(strings.ToLower(text))
	words := fields[:0]
	for _, f := range fields {
		w := strings.TrimFunc(f, unicode.IsPunct)
		if w != "" {
			words = append(words, w)
		}
	}
	return strings.Join(words, " ")
}

func normalizeCues(cues []string) []string {
	out := make([]string, 0, len(cues))
	for _, c := range cues {
		if n := cueText(c); n != "" {
			out = append(out, n)
		}
	}
	return out
}
