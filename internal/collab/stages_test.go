package collab

import (
	"errors"
	"strings"
	"testing"

	"github.com/mohammad-safakhou/council/internal/arbiter"
	"github.com/mohammad-safakhou/council/internal/council"
	"github.com/mohammad-safakhou/council/internal/llm"
)

func sealed(role Role, out string) StageRecord {
	return StageRecord{Role: role, Status: StageSuccess, Output: out}
}

func TestBuildStageInputRequiresPrerequisites(t *testing.T) {
	_, err := BuildStageInput(RoleCreator, StageContext{Query: "q", Stages: []StageRecord{sealed(RoleAnalyst, "a")}})
	var pre *PrerequisiteError
	if !errors.As(err, &pre) || pre.Missing != RoleResearcher {
		t.Fatalf("expected missing researcher, got %v", err)
	}
}

func TestBuildStageInputUsesFailureMarker(t *testing.T) {
	failed := StageRecord{Role: RoleCreator, Status: StageError, Error: "timeout"}
	msgs, err := BuildStageInput(RoleCritic, StageContext{Query: "q", Stages: []StageRecord{failed}})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	body := msgs[len(msgs)-1].Content
	if !strings.Contains(body, "[creator stage failed: timeout]") {
		t.Fatalf("missing failure marker: %q", body)
	}
}

func TestBuildStageInputSynthesizerSections(t *testing.T) {
	sc := StageContext{
		Query:  "q",
		Stages: []StageRecord{sealed(RoleCreator, "draft"), sealed(RoleCritic, "critique")},
		Reviews: []ReviewRecord{
			{Source: "r1", Stance: council.StanceAgree, Content: "fine"},
		},
		Conflicts: []ConflictResolution{
			{Type: arbiter.ConflictNumeric, Winner: arbiter.Claim{Text: "latency is 5 ms", Source: "researcher"}, Method: "weighted_confidence", Confidence: 0.8},
		},
	}
	msgs, err := BuildStageInput(RoleSynthesizer, sc)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if msgs[0].Role != llm.RoleSystem {
		t.Fatalf("first message must carry instructions")
	}
	body := msgs[len(msgs)-1].Content
	for _, want := range []string{"Creator output:\ndraft", "Critic output:\ncritique", "Reviews:", "- r1 (agree): fine", "Resolved conflicts", "latency is 5 ms"} {
		if !strings.Contains(body, want) {
			t.Fatalf("synthesizer input missing %q:\n%s", want, body)
		}
	}
}

func TestBuildStageInputHistoryOnlyForAnalyst(t *testing.T) {
	history := []llm.Message{{Role: llm.RoleUser, Content: "before"}}
	msgs, _ := BuildStageInput(RoleAnalyst, StageContext{Query: "q", History: history})
	if len(msgs) != 3 || msgs[1].Content != "before" {
		t.Fatalf("analyst should see history, got %+v", msgs)
	}
	msgs, _ = BuildStageInput(RoleResearcher, StageContext{Query: "q", History: history, Stages: []StageRecord{sealed(RoleAnalyst, "a")}})
	if len(msgs) != 2 {
		t.Fatalf("researcher must not see history, got %+v", msgs)
	}
}

func TestBestPriorPrefersCreator(t *testing.T) {
	stages := []StageRecord{
		sealed(RoleAnalyst, "a"),
		sealed(RoleResearcher, "r"),
		{Role: RoleCreator, Status: StageError},
	}
	got, ok := bestPrior(stages)
	if !ok || got.Role != RoleResearcher {
		t.Fatalf("expected researcher, got %+v", got)
	}
	if _, ok := bestPrior(nil); ok {
		t.Fatalf("empty stages must have no prior")
	}
}

func TestChunkRunes(t *testing.T) {
	got := chunkRunes("héllo wörld", 4)
	if strings.Join(got, "") != "héllo wörld" || len(got) != 3 || got[0] != "héll" {
		t.Fatalf("unexpected chunks %q", got)
	}
	if got := chunkRunes("", 4); len(got) != 1 || got[0] != "" {
		t.Fatalf("empty text should yield one empty chunk, got %q", got)
	}
}
