package quality

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/mohammad-safakhou/council/internal/council"
	"github.com/mohammad-safakhou/council/internal/llm"
)

//go:embed judge_schema.json
var judgeSchemaJSON string

var judgeSchema = llm.NewReplySchema("judge_schema.json", judgeSchemaJSON)

// Labels attached to the released artifact.
const (
	LabelOriginal  = "original"
	LabelAugmented = "augmented"
)

// SupplementHeading introduces content appended by a failed gate.
const SupplementHeading = "## Additional Details"

// Caller is the slice of the model caller the gate needs.
type Caller interface {
	Call(ctx context.Context, req llm.Request) (llm.Completion, error)
}

// Input is one artifact to score.
type Input struct {
	Query        string
	Artifact     string
	JudgeBackend string
	JudgeModel   string
	APIKey       string
}

// Result is the gate verdict plus the artifact to release.
type Result struct {
	Score      QualityScore `json:"score"`
	Artifact   string       `json:"artifact"`
	Label      string       `json:"label"`
	JudgeUsed  bool         `json:"judge_used"`
	Supplement string       `json:"supplement,omitempty"`
}

// Gate scores finished artifacts. It is advisory: the artifact is always
// released, augmented when the score fails and the judge supplied content.
type Gate struct {
	caller    Caller
	threshold float64
	logger    *log.Logger
}

func NewGate(caller Caller, threshold float64, logger *log.Logger) *Gate {
	if threshold <= 0 {
		threshold = 7
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[GATE] ", log.LstdFlags)
	}
	return &Gate{caller: caller, threshold: threshold, logger: logger}
}

// Threshold is the minimum every sub-score must reach.
func (g *Gate) Threshold() float64 { return g.threshold }

// Evaluate scores the artifact. Placeholder markers short-circuit with preset
// low scores; otherwise the judge is consulted, falling back to heuristics
// when it cannot be reached or replies out of schema.
func (g *Gate) Evaluate(ctx context.Context, in Input) Result {
	complexity := EstimateComplexity(in.Query)
	res := Result{Artifact: in.Artifact, Label: LabelOriginal}

	if HasPlaceholder(in.Artifact) {
		res.Score = QualityScore{Substance: 2, Completeness: 3, Depth: 3, Accuracy: 4, Method: MethodPlaceholder,
			Complexity: complexity, NeedsRevision: true, Notes: "unresolved placeholder markers present"}
		res.Score.finalize(g.threshold)
		return res
	}

	ratio := MetadataRatio(in.Artifact)
	var supplement string
	score, err := g.judge(ctx, in, complexity)
	if err != nil {
		if in.JudgeBackend != "" {
			g.logger.Printf("warn: judge %s unavailable, using heuristics: %v", in.JudgeBackend, err)
		}
		score = heuristicScore(in.Artifact, complexity)
	} else {
		res.JudgeUsed = true
		supplement = strings.TrimSpace(score.Notes)
		score.Notes = ""
	}
	if limit := substanceCap(ratio); score.Substance > limit {
		score.Substance = limit
	}
	score.Complexity = complexity
	score.finalize(g.threshold)
	res.Score = score

	if !score.Passed && supplement != "" {
		res.Artifact = strings.TrimRight(in.Artifact, "\n") + "\n\n" + SupplementHeading + "\n\n" + supplement
		res.Label = LabelAugmented
		res.Supplement = supplement
	}
	return res
}

type judgement struct {
	Substance      float64 `json:"substance"`
	Completeness   float64 `json:"completeness"`
	Depth          float64 `json:"depth"`
	Accuracy       float64 `json:"accuracy"`
	MissingContent string  `json:"missing_content"`
}

// judge returns the judge's scores; the missing content travels in Notes.
func (g *Gate) judge(ctx context.Context, in Input, complexity string) (QualityScore, error) {
	if g.caller == nil || strings.TrimSpace(in.JudgeBackend) == "" {
		return QualityScore{}, fmt.Errorf("no judge configured")
	}
	out, err := g.caller.Call(ctx, llm.Request{
		Backend: in.JudgeBackend,
		Model:   in.JudgeModel,
		APIKey:  in.APIKey,
		Schema:  judgeSchema,
		Params:  llm.Params{Temperature: llm.Temperature(0)},
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: judgeInstructions},
			{Role: llm.RoleUser, Content: fmt.Sprintf("Query complexity: %s\n\nQuery:\n%s\n\nArtifact:\n%s", complexity, in.Query, in.Artifact)},
		},
	})
	if err != nil {
		return QualityScore{}, err
	}
	var j judgement
	if err := json.Unmarshal([]byte(out.Content), &j); err != nil {
		return QualityScore{}, fmt.Errorf("decode judgement: %w", err)
	}
	return QualityScore{
		Substance:    j.Substance,
		Completeness: j.Completeness,
		Depth:        j.Depth,
		Accuracy:     j.Accuracy,
		Method:       MethodJudge,
		Notes:        j.MissingContent,
	}, nil
}

const judgeInstructions = `Score the artifact against the query on four axes from 0 to 10: substance, completeness, depth, accuracy.
Expect more depth for higher query complexity. If anything is missing, write the missing material itself in
"missing_content" as finished prose ready to append. Do not write instructions or suggestions there.
Reply with one JSON object: {"substance":n,"completeness":n,"depth":n,"accuracy":n,"missing_content":"..."}`

// heuristicScore derives sub-scores from the same structural checks the
// fallback reviewer uses.
func heuristicScore(artifact, complexity string) QualityScore {
	h := council.Assess(artifact)
	want := map[string]int{ComplexityLow: 80, ComplexityMedium: 200, ComplexityHigh: 400}[complexity]
	lengthScore := 10 * float64(h.Words) / float64(want)
	s := QualityScore{Method: MethodHeuristic}
	s.Substance = 4 + minf(lengthScore, 4)
	s.Completeness = 3 + minf(lengthScore, 5)
	s.Depth = 4
	s.Accuracy = 7
	if h.HasHeadings {
		s.Completeness += 2
		s.Substance++
	}
	if h.HasExamples {
		s.Depth += 2
		s.Substance++
	}
	if h.TechnicalOK {
		s.Depth += 2
	}
	return s
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
