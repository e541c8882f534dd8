package arbiter

import (
	"sort"
)

// Methods recorded on a resolution besides strategy names.
const MethodFallbackConfidence = "fallback_confidence"

// ConflictResolution is the verdict for one conflict group.
type ConflictResolution struct {
	Type          ConflictType `json:"type"`
	Claims        []Claim      `json:"claims"`
	Winner        Claim        `json:"winner"`
	Confidence    float64      `json:"confidence"`
	Method        string       `json:"method"`
	LowConfidence bool         `json:"low_confidence,omitempty"`
	Nominations   []Nomination `json:"nominations"`
}

// Arbiter detects conflicts and resolves each group by a confidence weighted
// vote across its strategies.
type Arbiter struct {
	strategies []Strategy
}

// Option customises an Arbiter.
type Option func(*Arbiter)

// WithStrategies replaces the strategy set.
func WithStrategies(s ...Strategy) Option {
	return func(a *Arbiter) { a.strategies = s }
}

// New builds an arbiter with the four standard strategies. Nil tables fall
// back to the built-in defaults.
func New(adjustments map[string]float64, authority map[string]map[string]float64, opts ...Option) *Arbiter {
	if adjustments == nil {
		adjustments = DefaultSourceAdjustments()
	}
	if authority == nil {
		authority = DefaultAuthority()
	}
	a := &Arbiter{strategies: []Strategy{
		CitationStrategy{},
		ConfidenceStrategy{Adjustments: adjustments},
		AuthorityStrategy{Table: authority},
		EvidenceStrategy{},
	}}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ResolveConflicts groups conflicting claims and resolves every group. The
// input is copied and sorted so the result does not depend on input order.
func (a *Arbiter) ResolveConflicts(claims []Claim) []ConflictResolution {
	sorted := make([]Claim, len(claims))
	copy(sorted, claims)
	SortClaims(sorted)

	groups := Group(sorted)
	out := make([]ConflictResolution, 0, len(groups))
	for _, g := range groups {
		out = append(out, a.Resolve(g))
	}
	return out
}

// Resolve runs every strategy over one group and combines the nominations.
func (a *Arbiter) Resolve(g ConflictGroup) ConflictResolution {
	res := ConflictResolution{Type: g.Type, Claims: g.Claims}
	if len(g.Claims) == 0 {
		return res
	}

	votes := make(map[int]int)
	weight := make(map[int]float64)
	peak := make(map[int]float64)
	method := make(map[int]string)
	totalWeight := 0.0
	for _, s := range a.strategies {
		n := s.Nominate(g.Claims)
		if n.Index < 0 {
			continue
		}
		res.Nominations = append(res.Nominations, n)
		votes[n.Index]++
		weight[n.Index] += n.Confidence
		totalWeight += n.Confidence
		if _, seen := method[n.Index]; !seen || n.Confidence > peak[n.Index] {
			peak[n.Index] = n.Confidence
			method[n.Index] = n.Strategy
		}
	}

	maxVotes := 0
	for _, v := range votes {
		if v > maxVotes {
			maxVotes = v
		}
	}
	if maxVotes <= 1 {
		idx := highestConfidence(g.Claims)
		res.Winner = g.Claims[idx]
		res.Confidence = g.Claims[idx].Confidence
		res.Method = MethodFallbackConfidence
		res.LowConfidence = true
		return res
	}

	candidates := make([]int, 0, len(weight))
	for idx := range weight {
		candidates = append(candidates, idx)
	}
	sort.Slice(candidates, func(i, j int) bool {
		ci, cj := candidates[i], candidates[j]
		if weight[ci] != weight[cj] {
			return weight[ci] > weight[cj]
		}
		if peak[ci] != peak[cj] {
			return peak[ci] > peak[cj]
		}
		return ci < cj
	})
	win := candidates[0]
	res.Winner = g.Claims[win]
	res.Method = method[win]
	if totalWeight > 0 {
		res.Confidence = weight[win] / totalWeight
	}
	return res
}

func highestConfidence(claims []Claim) int {
	best := 0
	for i := 1; i < len(claims); i++ {
		if claims[i].Confidence > claims[best].Confidence {
			best = i
		}
	}
	return best
}
