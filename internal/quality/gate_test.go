package quality

import (
	"context"
	"strings"
	"testing"

	"github.com/mohammad-safakhou/council/internal/llm"
)

func judgeCaller(t *testing.T, reply string) (*llm.Caller, *llm.ScriptedBackend) {
	t.Helper()
	backend := llm.StaticBackend("judge", reply)
	reg := llm.NewRegistry()
	reg.Register(backend, llm.BackendInfo{DefaultModel: "judge-m", APIKey: "k"})
	return llm.NewCaller(reg), backend
}

func TestPlaceholderSkipsJudge(t *testing.T) {
	caller, backend := judgeCaller(t, `{"substance":9,"completeness":9,"depth":9,"accuracy":9}`)
	gate := NewGate(caller, 7, nil)
	res := gate.Evaluate(context.Background(), Input{
		Query:        "Explain the rollout",
		Artifact:     "## Rollout\nTODO: fill in the rollout steps.",
		JudgeBackend: "judge",
	})
	if res.Score.Passed {
		t.Fatalf("placeholder artifact must fail the gate")
	}
	if res.Score.Substance > 3 {
		t.Fatalf("expected substance <= 3, got %v", res.Score.Substance)
	}
	if !res.Score.NeedsRevision || res.Score.Method != MethodPlaceholder {
		t.Fatalf("unexpected score %+v", res.Score)
	}
	if len(backend.Calls()) != 0 {
		t.Fatalf("judge must not be called for placeholder artifacts")
	}
	if res.JudgeUsed || res.Label != LabelOriginal {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestPassingJudgement(t *testing.T) {
	caller, _ := judgeCaller(t, `{"substance":8,"completeness":9,"depth":7,"accuracy":10,"missing_content":""}`)
	res := NewGate(caller, 7, nil).Evaluate(context.Background(), Input{Query: "q", Artifact: "A complete answer.", JudgeBackend: "judge"})
	if !res.Score.Passed || !res.JudgeUsed {
		t.Fatalf("expected pass, got %+v", res)
	}
	want := 0.30*8 + 0.30*9 + 0.25*7 + 0.15*10
	if diff := res.Score.Overall - want; diff > 0.01 || diff < -0.01 {
		t.Fatalf("overall %v, want %v", res.Score.Overall, want)
	}
	if res.Artifact != "A complete answer." {
		t.Fatalf("passing artifact must not change")
	}
}

func TestFailingJudgementAugments(t *testing.T) {
	caller, _ := judgeCaller(t, `{"substance":8,"completeness":6,"depth":8,"accuracy":8,"missing_content":"Rollback takes five minutes."}`)
	res := NewGate(caller, 7, nil).Evaluate(context.Background(), Input{Query: "q", Artifact: "Deploy plan.", JudgeBackend: "judge"})
	if res.Score.Passed {
		t.Fatalf("one sub-score below threshold must fail")
	}
	if res.Label != LabelAugmented {
		t.Fatalf("expected augmented label, got %s", res.Label)
	}
	if !strings.HasSuffix(res.Artifact, SupplementHeading+"\n\nRollback takes five minutes.") {
		t.Fatalf("supplement not appended: %q", res.Artifact)
	}
	if res.Score.Completeness != 6 {
		t.Fatalf("score must describe the pre-gate artifact, got %+v", res.Score)
	}
}

func TestJudgeFailureFallsBackToHeuristics(t *testing.T) {
	caller, _ := judgeCaller(t, "not json at all")
	res := NewGate(caller, 7, nil).Evaluate(context.Background(), Input{Query: "q", Artifact: "Short answer.", JudgeBackend: "judge"})
	if res.JudgeUsed || res.Score.Method != MethodHeuristic {
		t.Fatalf("expected heuristic fallback, got %+v", res)
	}
	if res.Label != LabelOriginal {
		t.Fatalf("heuristic path has no supplement to append")
	}
}

func TestNoJudgeConfigured(t *testing.T) {
	res := NewGate(nil, 7, nil).Evaluate(context.Background(), Input{Query: "q", Artifact: "text"})
	if res.Score.Method != MethodHeuristic {
		t.Fatalf("expected heuristic scoring, got %s", res.Score.Method)
	}
}

func TestMetadataCapsSubstance(t *testing.T) {
	artifact := strings.Join([]string{
		"| Task | Owner | Status |",
		"|------|-------|--------|",
		"| Build | alice | open |",
		"| Ship | bob | done |",
		"- [ ] write docs",
		"- [x] create repo",
		"Owner: platform team",
		"Short note.",
	}, "\n")
	if r := MetadataRatio(artifact); r <= 0.5 {
		t.Fatalf("expected metadata heavy ratio, got %v", r)
	}
	caller, _ := judgeCaller(t, `{"substance":9,"completeness":9,"depth":9,"accuracy":9}`)
	res := NewGate(caller, 7, nil).Evaluate(context.Background(), Input{Query: "q", Artifact: artifact, JudgeBackend: "judge"})
	if res.Score.Substance > 3 || res.Score.Passed {
		t.Fatalf("expected capped substance, got %+v", res.Score)
	}
}

func TestHasPlaceholder(t *testing.T) {
	stubs := []string{
		"TODO: add benchmarks",
		"## Rollout\n- FIXME(ops): list the steps",
		"```go\n// TODO: wire retries\n```",
		"See [TODO] for the numbers.",
		"| Owner | TBD |",
		"Deadline: TBD",
		"[placeholder]",
		"<insert chart>",
		"Lorem ipsum dolor",
		"[Insert name]",
	}
	for _, s := range stubs {
		if !HasPlaceholder(s) {
			t.Errorf("expected placeholder in %q", s)
		}
	}
	prose := []string{
		"## Building a todo app\n\nA todo list application stores tasks in a database and syncs them across devices.",
		"TODO list managers such as Todoist sort tasks by due date.",
		"TBD stands for to be determined.",
		"Todos are tracked elsewhere",
		"A finished paragraph.",
	}
	for _, s := range prose {
		if HasPlaceholder(s) {
			t.Errorf("unexpected placeholder in %q", s)
		}
	}
}

func TestEstimateComplexity(t *testing.T) {
	if c := EstimateComplexity("What is Go?"); c != ComplexityLow {
		t.Fatalf("expected low, got %s", c)
	}
	q := "Compare the architecture of our billing service versus the ledger, evaluate the security tradeoff, and design a migration strategy."
	if c := EstimateComplexity(q); c != ComplexityHigh {
		t.Fatalf("expected high, got %s", c)
	}
}
