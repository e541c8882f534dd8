package arbiter

import (
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Claim is an atomic assertion taken from a stage or review output.
type Claim struct {
	ID         string   `json:"id"`
	Source     string   `json:"source"`
	Text       string   `json:"text"`
	Confidence float64  `json:"confidence"`
	Citations  []string `json:"citations,omitempty"`
	Sentence   int      `json:"sentence"`
}

var claimNamespace = uuid.MustParse("6f1c3a52-4f0e-4b7a-9d57-2e8c1b0f7a11")

var (
	sentenceSplit = regexp.MustCompile(`([.!?])\s+`)
	citationRe    = regexp.MustCompile(`https?://[^\s)\]]+|\[\d+\]|\([A-Z][A-Za-z]+(?: et al\.)?,? \d{4}\)`)
	listMarker    = regexp.MustCompile(`^\s*(?:[-*+]|\d+[.)])\s+`)
)

var hedgeWords = []string{"may", "might", "possibly", "perhaps", "likely", "could", "suggests", "unclear", "probably", "seems", "appears", "arguably"}

var assertiveWords = []string{"clearly", "definitely", "proven", "always", "must", "certainly", "demonstrates", "confirmed", "undoubtedly"}

const minClaimWords = 5

// ExtractClaims splits text into sentence claims. Headings, fragments and
// list markers are dropped; the same text always yields the same claims.
func ExtractClaims(source, text string) []Claim {
	var out []Claim
	idx := 0
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "|") {
			continue
		}
		line = listMarker.ReplaceAllString(line, "")
		for _, sentence := range splitSentences(line) {
			if len(strings.Fields(sentence)) < minClaimWords {
				continue
			}
			out = append(out, NewClaim(source, sentence, idx))
			idx++
		}
	}
	return out
}

// NewClaim builds a claim with heuristic confidence and extracted citations.
func NewClaim(source, text string, sentence int) Claim {
	text = strings.TrimSpace(text)
	return Claim{
		ID:         uuid.NewSHA1(claimNamespace, []byte(source+"\x00"+text)).String(),
		Source:     source,
		Text:       text,
		Confidence: estimateConfidence(text),
		Citations:  citationRe.FindAllString(text, -1),
		Sentence:   sentence,
	}
}

func splitSentences(line string) []string {
	marked := sentenceSplit.ReplaceAllString(line, "$1\x00")
	parts := strings.Split(marked, "\x00")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func estimateConfidence(text string) float64 {
	tokens := tokenize(text)
	conf := 0.6
	hedges := countAny(tokens, hedgeWords)
	asserts := countAny(tokens, assertiveWords)
	conf -= 0.1 * float64(hedges)
	bonus := 0.1 * float64(asserts)
	if bonus > 0.3 {
		bonus = 0.3
	}
	conf += bonus
	if citationRe.MatchString(text) {
		conf += 0.1
	}
	return clamp(conf, 0.05, 0.99)
}

func countAny(tokens []string, words []string) int {
	n := 0
	for _, t := range tokens {
		for _, w := range words {
			if t == w {
				n++
				break
			}
		}
	}
	return n
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '\'' || r == '.' || r == '%')
	})
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, ".'")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// SortClaims orders claims by source, then text, then id.
func SortClaims(claims []Claim) {
	sort.SliceStable(claims, func(i, j int) bool {
		if claims[i].Source != claims[j].Source {
			return claims[i].Source < claims[j].Source
		}
		if claims[i].Text != claims[j].Text {
			return claims[i].Text < claims[j].Text
		}
		return claims[i].ID < claims[j].ID
	})
}
