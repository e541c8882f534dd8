package collab

import (
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/council/internal/llm"
)

var roleInstructions = map[Role]string{
	RoleAnalyst:     "You are the analyst. Break the request into its distinct questions, constraints and success criteria. Be brief and concrete.",
	RoleResearcher:  "You are the researcher. For each question in the analysis gather the relevant facts, figures and sources. Cite sources where you can.",
	RoleCreator:     "You are the creator. Write a complete, well structured draft answering the request, using the analysis and research.",
	RoleCritic:      "You are the critic. Identify factual errors, gaps, weak reasoning and unclear passages in the draft. Be specific.",
	RoleSynthesizer: "You are the synthesizer. Produce the final answer: revise the draft using the critique, the reviews and the conflict resolutions. Output only the final answer.",
}

// prerequisites lists the stages whose sealed output a role reads.
var prerequisites = map[Role][]Role{
	RoleAnalyst:     nil,
	RoleResearcher:  {RoleAnalyst},
	RoleCreator:     {RoleAnalyst, RoleResearcher},
	RoleCritic:      {RoleCreator},
	RoleSynthesizer: {RoleCreator, RoleCritic},
}

// StageContext is everything a stage prompt may be built from.
type StageContext struct {
	Query     string
	History   []llm.Message
	Stages    []StageRecord
	Reviews   []ReviewRecord
	Conflicts []ConflictResolution
}

func (sc StageContext) sealed(role Role) (StageRecord, bool) {
	for i := len(sc.Stages) - 1; i >= 0; i-- {
		if sc.Stages[i].Role == role && sc.Stages[i].Status.Sealed() {
			return sc.Stages[i], true
		}
	}
	return StageRecord{}, false
}

// stageText is the record's output, or a marker describing its failure.
func stageText(rec StageRecord) string {
	if rec.Usable() {
		return rec.Output
	}
	cause := rec.Error
	if cause == "" {
		cause = "empty output"
	}
	return fmt.Sprintf("[%s stage failed: %s]", rec.Role, cause)
}

// BuildStageInput materialises the prompt for a role. Every prerequisite
// must already be sealed.
func BuildStageInput(role Role, sc StageContext) ([]llm.Message, error) {
	instructions, ok := roleInstructions[role]
	if !ok {
		return nil, fmt.Errorf("unknown stage role %q", role)
	}
	var body strings.Builder
	fmt.Fprintf(&body, "Request:\n%s\n", sc.Query)
	for _, dep := range prerequisites[role] {
		rec, ok := sc.sealed(dep)
		if !ok {
			return nil, &PrerequisiteError{Role: role, Missing: dep}
		}
		fmt.Fprintf(&body, "\n%s output:\n%s\n", titleRole(dep), stageText(rec))
	}
	if role == RoleSynthesizer {
		writeReviews(&body, sc.Reviews)
		writeResolutions(&body, sc.Conflicts)
	}

	msgs := []llm.Message{{Role: llm.RoleSystem, Content: instructions}}
	if role == RoleAnalyst {
		msgs = append(msgs, sc.History...)
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: body.String()})
	return msgs, nil
}

func writeReviews(b *strings.Builder, reviews []ReviewRecord) {
	if len(reviews) == 0 {
		return
	}
	b.WriteString("\nReviews:\n")
	for _, r := range reviews {
		tag := ""
		if r.IsFallback {
			tag = ", heuristic"
		}
		fmt.Fprintf(b, "- %s (%s%s): %s\n", r.Source, r.Stance, tag, strings.TrimSpace(r.Content))
	}
}

func writeResolutions(b *strings.Builder, conflicts []ConflictResolution) {
	if len(conflicts) == 0 {
		return
	}
	b.WriteString("\nResolved conflicts (prefer these verdicts):\n")
	for _, c := range conflicts {
		note := ""
		if c.LowConfidence {
			note = ", low confidence"
		}
		fmt.Fprintf(b, "- %s conflict: %q from %s (%s %.2f%s)\n", c.Type, c.Winner.Text, c.Winner.Source, c.Method, c.Confidence, note)
	}
}

func titleRole(r Role) string {
	s := string(r)
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// bestPrior picks the output released when synthesis fails.
func bestPrior(stages []StageRecord) (StageRecord, bool) {
	for _, role := range []Role{RoleCreator, RoleResearcher, RoleAnalyst} {
		for i := len(stages) - 1; i >= 0; i-- {
			if stages[i].Role == role && stages[i].Usable() {
				return stages[i], true
			}
		}
	}
	return StageRecord{}, false
}

// chunkRunes splits text into pieces of at most size runes.
func chunkRunes(text string, size int) []string {
	if size <= 0 {
		return []string{text}
	}
	runes := []rune(text)
	var out []string
	for len(runes) > size {
		out = append(out, string(runes[:size]))
		runes = runes[size:]
	}
	if len(runes) > 0 || len(out) == 0 {
		out = append(out, string(runes))
	}
	return out
}
