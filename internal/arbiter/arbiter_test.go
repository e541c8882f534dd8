package arbiter

import (
	"reflect"
	"testing"
)

func TestDetect(t *testing.T) {
	cases := []struct {
		name string
		a, b Claim
		want ConflictType
		ok   bool
	}{
		{
			name: "negation",
			a:    NewClaim("researcher", "The cache layer reduces database load significantly.", 0),
			b:    NewClaim("critic", "The cache layer does not reduce database load at all.", 0),
			want: ConflictNegation, ok: true,
		},
		{
			name: "numeric",
			a:    NewClaim("researcher", "Average request latency measured 120 ms in production.", 0),
			b:    NewClaim("critic", "Average request latency measured 400 ms in production.", 0),
			want: ConflictNumeric, ok: true,
		},
		{
			name: "numeric within threshold",
			a:    NewClaim("researcher", "Average request latency measured 120 ms in production.", 0),
			b:    NewClaim("critic", "Average request latency measured 150 ms in production.", 0),
			ok:   false,
		},
		{
			name: "antonym",
			a:    NewClaim("analyst", "Adding replicas will increase write throughput for the cluster.", 0),
			b:    NewClaim("critic", "Adding replicas will decrease write throughput for the cluster.", 0),
			want: ConflictAntonym, ok: true,
		},
		{
			name: "same source never conflicts",
			a:    NewClaim("critic", "The cache layer reduces database load significantly.", 0),
			b:    NewClaim("critic", "The cache layer does not reduce database load at all.", 0),
			ok:   false,
		},
		{
			name: "insufficient shared context",
			a:    NewClaim("researcher", "Kubernetes schedules pods across nodes.", 0),
			b:    NewClaim("critic", "Bananas are not a vegetable in any sense.", 0),
			ok:   false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := Detect(tc.a, tc.b)
			if ok != tc.ok || got != tc.want {
				t.Fatalf("Detect = (%q, %v), want (%q, %v)", got, ok, tc.want, tc.ok)
			}
		})
	}
}

func fixtureClaims() []Claim {
	return []Claim{
		NewClaim("critic", "The migration does not improve query latency for reporting workloads.", 0),
		NewClaim("researcher", "The migration improves query latency for reporting workloads because indexes are rebuilt [1].", 0),
		NewClaim("creator", "The migration might improve query latency for reporting workloads.", 0),
		NewClaim("analyst", "Quarterly budget planning is owned by finance.", 0),
	}
}

func TestResolveConflictsDeterministic(t *testing.T) {
	arb := New(nil, nil)
	first := arb.ResolveConflicts(fixtureClaims())
	if len(first) != 1 {
		t.Fatalf("expected one conflict group, got %d", len(first))
	}
	for i := 0; i < 10; i++ {
		claims := fixtureClaims()
		// reversed input order must not change the verdict
		for l, r := 0, len(claims)-1; l < r; l, r = l+1, r-1 {
			claims[l], claims[r] = claims[r], claims[l]
		}
		again := arb.ResolveConflicts(claims)
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("resolution changed between runs:\n%+v\n%+v", first, again)
		}
	}
	if first[0].Winner.Source != "researcher" {
		t.Fatalf("expected cited researcher claim to win, got %+v", first[0].Winner)
	}
	if first[0].LowConfidence {
		t.Fatalf("majority vote should not be low confidence")
	}
	if first[0].Confidence <= 0 || first[0].Confidence > 1 {
		t.Fatalf("confidence out of range: %f", first[0].Confidence)
	}
}

type fixedStrategy struct {
	name string
	idx  int
	conf float64
}

func (f fixedStrategy) Name() string { return f.name }
func (f fixedStrategy) Nominate(claims []Claim) Nomination {
	return Nomination{Strategy: f.name, Index: f.idx, ClaimID: claims[f.idx].ID, Confidence: f.conf}
}

func TestResolveFallsBackWhenNoMajority(t *testing.T) {
	claims := []Claim{
		{ID: "a", Source: "s1", Text: "x", Confidence: 0.4},
		{ID: "b", Source: "s2", Text: "y", Confidence: 0.9},
		{ID: "c", Source: "s3", Text: "z", Confidence: 0.2},
	}
	arb := New(nil, nil, WithStrategies(
		fixedStrategy{"s1", 0, 0.9},
		fixedStrategy{"s2", 1, 0.1},
		fixedStrategy{"s3", 2, 0.5},
	))
	res := arb.Resolve(ConflictGroup{Type: ConflictNegation, Claims: claims})
	if res.Method != MethodFallbackConfidence || !res.LowConfidence {
		t.Fatalf("expected low-confidence fallback, got %+v", res)
	}
	if res.Winner.ID != "b" {
		t.Fatalf("expected highest raw confidence claim, got %s", res.Winner.ID)
	}
}

func TestResolveTieBrokenByPeakConfidence(t *testing.T) {
	claims := []Claim{
		{ID: "a", Source: "s1", Confidence: 0.5},
		{ID: "b", Source: "s2", Confidence: 0.5},
	}
	arb := New(nil, nil, WithStrategies(
		fixedStrategy{"one", 0, 0.5},
		fixedStrategy{"two", 0, 0.5},
		fixedStrategy{"three", 1, 0.2},
		fixedStrategy{"four", 1, 0.8},
	))
	res := arb.Resolve(ConflictGroup{Claims: claims})
	if res.Winner.ID != "b" || res.Method != "four" {
		t.Fatalf("expected tie broken by highest single confidence, got %+v", res)
	}
}

func TestExtractClaims(t *testing.T) {
	text := "# Heading\n- Redis streams deliver events to every consumer group.\nShort one.\nPostgres stores checkpoints durably (Smith, 2021). It may lose writes without fsync."
	claims := ExtractClaims("researcher", text)
	if len(claims) != 3 {
		t.Fatalf("expected 3 claims, got %d: %+v", len(claims), claims)
	}
	if len(claims[1].Citations) != 1 {
		t.Fatalf("expected author-year citation, got %v", claims[1].Citations)
	}
	if claims[2].Confidence >= claims[0].Confidence {
		t.Fatalf("hedged claim should carry lower confidence: %f vs %f", claims[2].Confidence, claims[0].Confidence)
	}
	again := ExtractClaims("researcher", text)
	if !reflect.DeepEqual(claims, again) {
		t.Fatalf("extraction must be deterministic")
	}
}

func TestDetectDomain(t *testing.T) {
	if d := DetectDomain("the api server latency and database performance"); d != "technical" {
		t.Fatalf("expected technical, got %s", d)
	}
	if d := DetectDomain("nothing relevant"); d != "general" {
		t.Fatalf("expected general, got %s", d)
	}
}

func TestUninformativeStrategiesAbstain(t *testing.T) {
	claims := []Claim{
		{ID: "a", Source: "claude-reviewer", Text: "The rollout plan does not reduce deployment risk.", Confidence: 0.6},
		{ID: "b", Source: "gpt-reviewer", Text: "The rollout plan reduces deployment risk because canaries catch regressions early.", Confidence: 0.6},
	}
	res := New(nil, nil).Resolve(ConflictGroup{Type: ConflictNegation, Claims: claims})
	if len(res.Nominations) != 1 || res.Nominations[0].Strategy != "evidence_quality" {
		t.Fatalf("expected only evidence_quality to vote, got %+v", res.Nominations)
	}
	if res.Method != MethodFallbackConfidence || !res.LowConfidence {
		t.Fatalf("single vote must fall back to raw confidence, got %+v", res)
	}
}

func TestNominateAbstainsOnTiesAndZeroScores(t *testing.T) {
	claims := []Claim{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	if n := nominate("zero", claims, func(Claim) float64 { return 0 }); n.Index != -1 {
		t.Fatalf("all-zero scores should abstain, got %+v", n)
	}
	tie := map[string]float64{"a": 0.2, "b": 0.7, "c": 0.7}
	if n := nominate("tie", claims, func(c Claim) float64 { return tie[c.ID] }); n.Index != -1 {
		t.Fatalf("shared top score should abstain, got %+v", n)
	}
	distinct := map[string]float64{"a": 0.7, "b": 0.2, "c": 0.1}
	n := nominate("distinct", claims, func(c Claim) float64 { return distinct[c.ID] })
	if n.Index != 0 || n.ClaimID != "a" {
		t.Fatalf("expected claim a, got %+v", n)
	}
}
