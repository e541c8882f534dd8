package quality

import (
	"math"
	"regexp"
	"strings"
)

// Sub-score weights of the overall score.
const (
	WeightSubstance    = 0.30
	WeightCompleteness = 0.30
	WeightDepth        = 0.25
	WeightAccuracy     = 0.15
)

// Scoring methods.
const (
	MethodPlaceholder = "placeholder"
	MethodJudge       = "judge"
	MethodHeuristic   = "heuristic"
)

// QualityScore is computed once per run against the pre-gate artifact.
type QualityScore struct {
	Substance     float64 `json:"substance"`
	Completeness  float64 `json:"completeness"`
	Depth         float64 `json:"depth"`
	Accuracy      float64 `json:"accuracy"`
	Overall       float64 `json:"overall"`
	Passed        bool    `json:"quality_gate_passed"`
	NeedsRevision bool    `json:"needs_revision"`
	Method        string  `json:"method"`
	Complexity    string  `json:"complexity"`
	Notes         string  `json:"notes,omitempty"`
}

// finalize clamps sub-scores, computes the overall score and the pass flag.
func (s *QualityScore) finalize(threshold float64) {
	s.Substance = clampScore(s.Substance)
	s.Completeness = clampScore(s.Completeness)
	s.Depth = clampScore(s.Depth)
	s.Accuracy = clampScore(s.Accuracy)
	s.Overall = round2(WeightSubstance*s.Substance + WeightCompleteness*s.Completeness +
		WeightDepth*s.Depth + WeightAccuracy*s.Accuracy)
	s.Passed = s.Substance >= threshold && s.Completeness >= threshold &&
		s.Depth >= threshold && s.Accuracy >= threshold
	if !s.Passed {
		s.NeedsRevision = true
	}
}

func clampScore(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 10 {
		return 10
	}
	return v
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

// Placeholder markers are matched by shape. The bare words "todo" or "tbd"
// in prose are not stubs.
var placeholderRes = []*regexp.Regexp{
	regexp.MustCompile(`(?m)(^|//|#|<!--|/\*|\*|-)\s*(TODO|FIXME|XXX)\s*[:(]`),
	regexp.MustCompile(`\[(TODO|TBD|FIXME)\]`),
	regexp.MustCompile(`(?m)(^|[|:])\s*TBD\.?\s*(\||$)`),
	regexp.MustCompile(`(?i)\[placeholder\]|\[insert[^\]]*\]|<insert[^>]*>|lorem ipsum`),
}

// HasPlaceholder reports unresolved placeholder markers.
func HasPlaceholder(text string) bool {
	for _, re := range placeholderRes {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

var (
	checklistRe = regexp.MustCompile(`^\s*[-*]\s*\[[ xX]\]`)
	metaFieldRe = regexp.MustCompile(`(?i)^\s*[-*]?\s*\**(owner|status|assignee|due date|deadline|priority|reviewer|eta)\**\s*:`)
	metaTableRe = regexp.MustCompile(`(?i)^\s*\|.*\b(owner|status|assignee|due|priority)\b.*\|`)
	tableRuleRe = regexp.MustCompile(`^\s*\|[\s:|-]+\|\s*$`)
)

// MetadataRatio is the share of characters sitting on checklist, ownership
// or status lines.
func MetadataRatio(text string) float64 {
	total, meta := 0, 0
	inMetaTable := false
	for _, line := range strings.Split(text, "\n") {
		n := len(strings.TrimSpace(line))
		if n == 0 {
			inMetaTable = false
			continue
		}
		total += n
		switch {
		case metaTableRe.MatchString(line):
			inMetaTable = true
			meta += n
		case inMetaTable && (tableRuleRe.MatchString(line) || strings.HasPrefix(strings.TrimSpace(line), "|")):
			meta += n
		case checklistRe.MatchString(line), metaFieldRe.MatchString(line):
			meta += n
		default:
			inMetaTable = false
		}
	}
	if total == 0 {
		return 0
	}
	return float64(meta) / float64(total)
}

// substanceCap limits the substance score of metadata heavy artifacts.
func substanceCap(ratio float64) float64 {
	switch {
	case ratio > 0.5:
		return 3
	case ratio > 0.3:
		return 5
	case ratio > 0.15:
		return 7
	}
	return 10
}

// Complexity levels of the original query.
const (
	ComplexityLow    = "low"
	ComplexityMedium = "medium"
	ComplexityHigh   = "high"
)

var complexityMarkers = []string{"compare", "tradeoff", "trade-off", "architecture", "design", "analyze", "analyse",
	"evaluate", "strategy", "migrate", "optimize", "scalab", "security", "implement", "versus", " vs "}

// EstimateComplexity grades a query by length, sub-questions and analytical markers.
func EstimateComplexity(query string) string {
	q := strings.ToLower(query)
	points := 0
	words := len(strings.Fields(q))
	switch {
	case words > 60:
		points += 2
	case words > 20:
		points++
	}
	if strings.Count(q, "?") > 1 {
		points++
	}
	if strings.Count(q, " and ")+strings.Count(q, ",") >= 3 {
		points++
	}
	for _, m := range complexityMarkers {
		if strings.Contains(q, m) {
			points++
		}
	}
	switch {
	case points >= 4:
		return ComplexityHigh
	case points >= 2:
		return ComplexityMedium
	}
	return ComplexityLow
}
