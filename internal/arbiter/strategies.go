package arbiter

import (
	"math"
	"strings"
)

// Nomination is one strategy's pick within a conflict group.
type Nomination struct {
	Strategy   string  `json:"strategy"`
	Index      int     `json:"-"`
	ClaimID    string  `json:"claim_id"`
	Confidence float64 `json:"confidence"`
}

// Strategy scores every claim of a group and nominates a winner.
type Strategy interface {
	Name() string
	Nominate(claims []Claim) Nomination
}

// nominate picks the highest score and derives the confidence from the
// winner's share of the total score. A strategy abstains (Index -1) when
// every score is zero or the top score is shared.
func nominate(name string, claims []Claim, score func(Claim) float64) Nomination {
	best, total := -1, 0.0
	tied := false
	scores := make([]float64, len(claims))
	for i, c := range claims {
		s := score(c)
		if s < 0 {
			s = 0
		}
		scores[i] = s
		total += s
		switch {
		case best < 0 || s > scores[best]+scoreEpsilon:
			best, tied = i, false
		case math.Abs(s-scores[best]) <= scoreEpsilon:
			tied = true
		}
	}
	if best < 0 || total <= 0 || tied {
		return Nomination{Strategy: name, Index: -1}
	}
	conf := scores[best] / total
	return Nomination{Strategy: name, Index: best, ClaimID: claims[best].ID, Confidence: clamp(conf, 0, 1)}
}

const scoreEpsilon = 1e-9

// CitationStrategy prefers claims backed by more and better citations.
type CitationStrategy struct{}

func (CitationStrategy) Name() string { return "citation_quality" }

func (CitationStrategy) Nominate(claims []Claim) Nomination {
	return nominate("citation_quality", claims, func(c Claim) float64 {
		s := 0.0
		for _, cit := range c.Citations {
			switch {
			case strings.HasPrefix(cit, "http"):
				s += 1.0
			case strings.HasPrefix(cit, "("):
				s += 0.8
			default:
				s += 0.7
			}
		}
		return s
	})
}

// ConfidenceStrategy weighs stated confidence by a per-source adjustment.
type ConfidenceStrategy struct {
	Adjustments map[string]float64
}

func (ConfidenceStrategy) Name() string { return "weighted_confidence" }

func (s ConfidenceStrategy) Nominate(claims []Claim) Nomination {
	return nominate(s.Name(), claims, func(c Claim) float64 {
		return c.Confidence * (1 + s.Adjustments[c.Source])
	})
}

// DefaultSourceAdjustments nudge confidence by pipeline role.
func DefaultSourceAdjustments() map[string]float64 {
	return map[string]float64{
		"researcher":  0.10,
		"critic":      0.05,
		"analyst":     0.05,
		"creator":     0.0,
		"synthesizer": 0.0,
	}
}

// AuthorityStrategy looks claims up in a static {source, domain} table.
type AuthorityStrategy struct {
	Table map[string]map[string]float64
}

func (AuthorityStrategy) Name() string { return "domain_authority" }

func (s AuthorityStrategy) Nominate(claims []Claim) Nomination {
	var all strings.Builder
	for _, c := range claims {
		all.WriteString(c.Text)
		all.WriteByte(' ')
	}
	domain := DetectDomain(all.String())
	return nominate(s.Name(), claims, func(c Claim) float64 {
		return s.weight(c.Source, domain)
	})
}

const defaultAuthority = 0.5

func (s AuthorityStrategy) weight(source, domain string) float64 {
	row, ok := s.Table[source]
	if !ok {
		row = s.Table["*"]
	}
	if w, ok := row[domain]; ok {
		return w
	}
	if w, ok := row["*"]; ok {
		return w
	}
	return defaultAuthority
}

// DefaultAuthority is the built-in authority table. "*" rows and columns act
// as defaults.
func DefaultAuthority() map[string]map[string]float64 {
	return map[string]map[string]float64{
		"researcher":  {"science": 0.9, "medical": 0.85, "finance": 0.75, "technical": 0.75, "*": 0.7},
		"analyst":     {"finance": 0.8, "legal": 0.7, "*": 0.65},
		"critic":      {"technical": 0.8, "legal": 0.75, "*": 0.6},
		"creator":     {"*": 0.55},
		"synthesizer": {"*": 0.6},
		"*":           {"*": defaultAuthority},
	}
}

var domainKeywords = []struct {
	domain string
	words  []string
}{
	{"medical", []string{"health", "patient", "clinical", "disease", "drug", "treatment", "medical", "symptom"}},
	{"legal", []string{"law", "legal", "court", "contract", "regulation", "compliance", "liability", "statute"}},
	{"finance", []string{"price", "market", "revenue", "cost", "investment", "stock", "profit", "budget"}},
	{"technical", []string{"code", "api", "server", "database", "software", "latency", "performance", "deploy", "service"}},
	{"science", []string{"study", "research", "experiment", "evidence", "hypothesis", "sample", "measured"}},
}

// DetectDomain picks the domain with the most keyword hits, "general" on none.
func DetectDomain(text string) string {
	tokens := tokenize(text)
	best, bestHits := "general", 0
	for _, d := range domainKeywords {
		hits := countAny(tokens, d.words)
		if hits > bestHits {
			best, bestHits = d.domain, hits
		}
	}
	return best
}

// EvidenceStrategy rewards length, causal language and specificity and
// penalises hedging.
type EvidenceStrategy struct{}

func (EvidenceStrategy) Name() string { return "evidence_quality" }

var causalWords = []string{"because", "therefore", "thus", "hence", "causes", "caused", "due", "consequently", "leads", "results"}

func (EvidenceStrategy) Nominate(claims []Claim) Nomination {
	return nominate("evidence_quality", claims, EvidenceScore)
}

// EvidenceScore is the evidence-quality heuristic for one claim.
func EvidenceScore(c Claim) float64 {
	tokens := tokenize(c.Text)
	if len(tokens) == 0 {
		return 0
	}
	length := float64(len(tokens)) / 40
	if length > 1 {
		length = 1
	}
	causal := float64(countAny(tokens, causalWords))
	specific := 0.0
	for _, t := range tokens {
		if isNumber(t) || strings.HasSuffix(t, "%") {
			specific++
		}
	}
	for _, w := range strings.Fields(c.Text)[1:] {
		if r := []rune(w); len(r) > 1 && r[0] >= 'A' && r[0] <= 'Z' {
			specific += 0.5
		}
	}
	hedges := float64(countAny(tokens, hedgeWords))
	score := 0.3*length + 0.25*minf(causal, 2) + 0.15*minf(specific, 4) - 0.2*hedges
	if score < 0 {
		return 0
	}
	return score
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
