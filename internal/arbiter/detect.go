package arbiter

import (
	"math"
	"strconv"
	"strings"
)

// ConflictType names the detector that flagged a pair.
type ConflictType string

const (
	ConflictNegation ConflictType = "negation"
	ConflictNumeric  ConflictType = "numeric"
	ConflictAntonym  ConflictType = "antonym"
)

const (
	minSharedWords   = 2
	numericThreshold = 0.5
)

var stopwords = toSet(strings.Fields(`a an the and or but if then than that this these those is are was were be been being
	to of in on at by for with from as into over under about it its it's they them their there here we our you your
	he she his her not no never none cannot can't don't doesn't isn't aren't won't wasn't weren't without nor neither
	will would should could may might must do does did has have had more less most least very also just only such
	which who whom what when where why how all any each some so too`))

var negations = toSet(strings.Fields(`not no never cannot can't don't doesn't isn't aren't won't wasn't weren't
	without nor neither none shouldn't couldn't wouldn't hasn't haven't hadn't didn't`))

var antonymPairs = [][2]string{
	{"increase", "decrease"},
	{"increases", "decreases"},
	{"rise", "fall"},
	{"higher", "lower"},
	{"more", "less"},
	{"faster", "slower"},
	{"better", "worse"},
	{"safe", "unsafe"},
	{"secure", "insecure"},
	{"efficient", "inefficient"},
	{"gain", "loss"},
	{"success", "failure"},
	{"true", "false"},
	{"support", "oppose"},
	{"improve", "degrade"},
	{"improves", "degrades"},
	{"recommended", "discouraged"},
	{"always", "never"},
	{"cheap", "expensive"},
	{"simple", "complex"},
}

func toSet(words []string) map[string]struct{} {
	out := make(map[string]struct{}, len(words))
	for _, w := range words {
		out[w] = struct{}{}
	}
	return out
}

func contentWords(tokens []string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, t := range tokens {
		if len(t) < 3 || isNumber(t) {
			continue
		}
		if _, stop := stopwords[t]; stop {
			continue
		}
		if isAntonymWord(t) {
			continue
		}
		out[t] = struct{}{}
	}
	return out
}

func isAntonymWord(t string) bool {
	for _, p := range antonymPairs {
		if t == p[0] || t == p[1] {
			return true
		}
	}
	return false
}

func sharedCount(a, b map[string]struct{}) int {
	n := 0
	for w := range a {
		if _, ok := b[w]; ok {
			n++
		}
	}
	return n
}

func hasNegation(tokens []string) bool {
	for _, t := range tokens {
		if _, ok := negations[t]; ok {
			return true
		}
	}
	return false
}

func isNumber(t string) bool {
	_, ok := parseNumber(t)
	return ok
}

func parseNumber(t string) (float64, bool) {
	t = strings.TrimSuffix(strings.ReplaceAll(t, ",", ""), "%")
	v, err := strconv.ParseFloat(t, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

func numbers(tokens []string) []float64 {
	var out []float64
	for _, t := range tokens {
		if v, ok := parseNumber(t); ok {
			out = append(out, v)
		}
	}
	return out
}

// numericConflict is true when no number in a is within the threshold of any
// number in b.
func numericConflict(a, b []float64) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	for _, x := range a {
		for _, y := range b {
			denom := math.Max(math.Abs(x), math.Abs(y))
			if denom == 0 || math.Abs(x-y)/denom <= numericThreshold {
				return false
			}
		}
	}
	return true
}

func antonymConflict(a, b []string) bool {
	as, bs := toSet(a), toSet(b)
	for _, p := range antonymPairs {
		_, a0 := as[p[0]]
		_, a1 := as[p[1]]
		_, b0 := bs[p[0]]
		_, b1 := bs[p[1]]
		if (a0 && b1 && !a1 && !b0) || (a1 && b0 && !a0 && !b1) {
			return true
		}
	}
	return false
}

type analysed struct {
	tokens  []string
	words   map[string]struct{}
	negated bool
	numbers []float64
}

func analyse(c Claim) analysed {
	tokens := tokenize(c.Text)
	return analysed{
		tokens:  tokens,
		words:   contentWords(tokens),
		negated: hasNegation(tokens),
		numbers: numbers(tokens),
	}
}

// Detect reports whether two claims conflict. Claims from the same source
// never conflict.
func Detect(a, b Claim) (ConflictType, bool) {
	if a.Source == b.Source {
		return "", false
	}
	return detect(analyse(a), analyse(b))
}

func detect(x, y analysed) (ConflictType, bool) {
	if sharedCount(x.words, y.words) < minSharedWords {
		return "", false
	}
	if x.negated != y.negated {
		return ConflictNegation, true
	}
	if numericConflict(x.numbers, y.numbers) {
		return ConflictNumeric, true
	}
	if antonymConflict(x.tokens, y.tokens) {
		return ConflictAntonym, true
	}
	return "", false
}

// ConflictGroup is a connected set of mutually conflicting claims.
type ConflictGroup struct {
	Type   ConflictType
	Claims []Claim
}

// Group finds conflicting pairs and merges them into connected groups.
// Input claims must already be sorted; group order follows claim order.
func Group(claims []Claim) []ConflictGroup {
	n := len(claims)
	info := make([]analysed, n)
	for i := range claims {
		info[i] = analyse(claims[i])
	}
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra == rb {
			return
		}
		if ra < rb {
			parent[rb] = ra
		} else {
			parent[ra] = rb
		}
	}

	firstType := map[int]ConflictType{}
	pairs := make([][2]int, 0)
	types := make([]ConflictType, 0)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if claims[i].Source == claims[j].Source {
				continue
			}
			if t, ok := detect(info[i], info[j]); ok {
				union(i, j)
				pairs = append(pairs, [2]int{i, j})
				types = append(types, t)
			}
		}
	}
	for k, p := range pairs {
		root := find(p[0])
		if _, ok := firstType[root]; !ok {
			firstType[root] = types[k]
		}
	}

	members := map[int][]int{}
	var roots []int
	for i := 0; i < n; i++ {
		r := find(i)
		if _, ok := firstType[r]; !ok {
			continue
		}
		if _, seen := members[r]; !seen {
			roots = append(roots, r)
		}
		members[r] = append(members[r], i)
	}
	out := make([]ConflictGroup, 0, len(roots))
	for _, r := range roots {
		g := ConflictGroup{Type: firstType[r]}
		for _, i := range members[r] {
			g.Claims = append(g.Claims, claims[i])
		}
		out = append(out, g)
	}
	return out
}
