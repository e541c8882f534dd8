package council

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

const (
	minReviewWords      = 150
	minTechnicalDensity = 0.08
)

var (
	headingRe = regexp.MustCompile(`(?m)^\s{0,3}(#{1,6}\s+\S|\d+[.)]\s+[A-Z]|[A-Z][A-Za-z ]{2,60}:\s*$)`)
	exampleRe = regexp.MustCompile("(?i)(for example|for instance|e\\.g\\.|such as|```|\\bexample\\b)")
)

// Heuristics is the deterministic assessment behind a fallback review.
type Heuristics struct {
	Words            int
	LengthOK         bool
	HasHeadings      bool
	HasExamples      bool
	TechnicalDensity float64
	TechnicalOK      bool
}

// Passes counts the checks that succeeded.
func (h Heuristics) Passes() int {
	n := 0
	for _, ok := range []bool{h.LengthOK, h.HasHeadings, h.HasExamples, h.TechnicalOK} {
		if ok {
			n++
		}
	}
	return n
}

// Stance maps passed checks onto a stance: all four agree, two or three mixed.
func (h Heuristics) Stance() Stance {
	switch p := h.Passes(); {
	case p == 4:
		return StanceAgree
	case p >= 2:
		return StanceMixed
	default:
		return StanceDisagree
	}
}

// Assess runs the heuristic checks over an artifact. It makes no network calls.
func Assess(artifact string) Heuristics {
	words := strings.Fields(artifact)
	h := Heuristics{
		Words:       len(words),
		LengthOK:    len(words) >= minReviewWords,
		HasHeadings: headingRe.MatchString(artifact),
		HasExamples: exampleRe.MatchString(artifact),
	}
	if len(words) > 0 {
		technical := 0
		for _, w := range words {
			if isTechnical(w) {
				technical++
			}
		}
		h.TechnicalDensity = float64(technical) / float64(len(words))
	}
	h.TechnicalOK = h.TechnicalDensity >= minTechnicalDensity
	return h
}

// isTechnical flags identifiers, acronyms, numbers with units and long compound words.
func isTechnical(word string) bool {
	w := strings.Trim(word, ".,;:!?()[]{}\"'`")
	if len(w) < 2 {
		return false
	}
	if strings.ContainsAny(w, "_/") || strings.Contains(w, "()") {
		return true
	}
	var upper, lower, digit int
	for i, r := range w {
		switch {
		case unicode.IsUpper(r):
			upper++
			if i > 0 && lower > 0 {
				return true // camelCase
			}
		case unicode.IsLower(r):
			lower++
		case unicode.IsDigit(r):
			digit++
		}
	}
	if upper >= 2 && lower == 0 {
		return true
	}
	if digit > 0 && (upper+lower) > 0 {
		return true
	}
	return len(w) >= 12
}

// FallbackReview builds the local substitute for a reviewer that could not
// be reached. reason is recorded verbatim.
func FallbackReview(r Reviewer, artifact, reason string) ReviewRecord {
	h := Assess(artifact)
	var b strings.Builder
	fmt.Fprintf(&b, "Heuristic review substituted for %s (%s).\n", r.Name, reason)
	fmt.Fprintf(&b, "STANCE: %s\n", h.Stance())
	fmt.Fprintf(&b, "- Length: %s (%d words)\n", verdict(h.LengthOK), h.Words)
	fmt.Fprintf(&b, "- Structure: %s\n", verdict(h.HasHeadings))
	fmt.Fprintf(&b, "- Examples: %s\n", verdict(h.HasExamples))
	fmt.Fprintf(&b, "- Technical density: %s (%.2f)\n", verdict(h.TechnicalOK), h.TechnicalDensity)
	return ReviewRecord{
		Source:     r.Name,
		Backend:    r.Backend,
		Model:      r.Model,
		Stance:     h.Stance(),
		Content:    b.String(),
		IsFallback: true,
		Error:      reason,
	}
}

func verdict(ok bool) string {
	if ok {
		return "ok"
	}
	return "weak"
}
