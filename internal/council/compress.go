package council

import (
	"strings"
)

const compressedMarker = "\n[...]"

// Compress shrinks an artifact for review. Short text is returned unchanged;
// longer text keeps headings and the first sentence of each paragraph, then
// is cut at limit runes.
func Compress(text string, limit int) string {
	text = strings.TrimSpace(text)
	if limit <= 0 || len([]rune(text)) <= limit {
		return text
	}
	var b strings.Builder
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		lines := strings.Split(para, "\n")
		var kept string
		if isHeading(lines[0]) {
			kept = lines[0]
			if len(lines) > 1 {
				kept += "\n" + firstSentence(strings.Join(lines[1:], " "))
			}
		} else {
			kept = firstSentence(strings.Join(lines, " "))
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(kept)
	}
	out := []rune(b.String())
	budget := limit - len([]rune(compressedMarker))
	if budget < 0 {
		budget = 0
	}
	if len(out) > budget {
		out = out[:budget]
	}
	return strings.TrimSpace(string(out)) + compressedMarker
}

func isHeading(line string) bool {
	l := strings.TrimSpace(line)
	return strings.HasPrefix(l, "#") || (strings.HasSuffix(l, ":") && len(l) < 80)
}

func firstSentence(s string) string {
	s = strings.TrimSpace(s)
	for i, r := range s {
		if r == '.' || r == '!' || r == '?' {
			if i+1 == len(s) || s[i+1] == ' ' {
				return s[:i+1]
			}
		}
	}
	return s
}
