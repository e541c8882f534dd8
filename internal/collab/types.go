package collab

import (
	"fmt"
	"strings"
	"time"

	"github.com/mohammad-safakhou/council/internal/arbiter"
	"github.com/mohammad-safakhou/council/internal/council"
	"github.com/mohammad-safakhou/council/internal/quality"
)

// Role names one generation stage of the pipeline.
type Role string

const (
	RoleAnalyst     Role = "analyst"
	RoleResearcher  Role = "researcher"
	RoleCreator     Role = "creator"
	RoleCritic      Role = "critic"
	RoleSynthesizer Role = "synthesizer"
)

// StageOrder is the fixed order generation stages run in.
var StageOrder = []Role{RoleAnalyst, RoleResearcher, RoleCreator, RoleCritic, RoleSynthesizer}

// Non-generation phases interleaved with the stages.
const (
	PhaseCouncil     = "council"
	PhaseArbitration = "arbitration"
	PhaseQuality     = "quality"
)

// steps is the full sequence the controller walks.
var steps = []string{
	string(RoleAnalyst),
	string(RoleResearcher),
	string(RoleCreator),
	string(RoleCritic),
	PhaseCouncil,
	PhaseArbitration,
	string(RoleSynthesizer),
	PhaseQuality,
}

// ParseRole validates a stage role name.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range StageOrder {
		if r == known {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown stage role %q", s)
}

func isStage(step string) bool {
	_, err := ParseRole(step)
	return err == nil
}

// Mode selects whether a run pauses for a human at the checkpoint stage.
type Mode string

const (
	ModeAuto   Mode = "auto"
	ModeManual Mode = "manual"
)

// ParseMode defaults an empty mode to auto.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeAuto:
		return ModeAuto, nil
	case ModeManual:
		return ModeManual, nil
	}
	return "", fmt.Errorf("unknown mode %q (want auto or manual)", s)
}

// RunState is the lifecycle state of a run.
type RunState string

const (
	StateCreated   RunState = "created"
	StateRunning   RunState = "running"
	StatePaused    RunState = "paused"
	StateSuccess   RunState = "success"
	StateError     RunState = "error"
	StateCancelled RunState = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s RunState) Terminal() bool {
	return s == StateSuccess || s == StateError || s == StateCancelled
}

var transitions = map[RunState][]RunState{
	StateCreated: {StateRunning, StateError, StateCancelled},
	StateRunning: {StateRunning, StatePaused, StateSuccess, StateError, StateCancelled},
	StatePaused:  {StateRunning, StateCancelled, StateError},
}

func canTransition(from, to RunState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StageStatus tracks one stage record from start to seal.
type StageStatus string

const (
	StagePending StageStatus = "pending"
	StageRunning StageStatus = "running"
	StageSuccess StageStatus = "success"
	StageError   StageStatus = "error"
)

// Sealed reports whether the record reached its final status.
func (s StageStatus) Sealed() bool { return s == StageSuccess || s == StageError }

// StageRecord is one executed stage. It is appended as running and replaced
// once, when it seals.
type StageRecord struct {
	Role         Role          `json:"role"`
	Backend      string        `json:"backend"`
	Model        string        `json:"model,omitempty"`
	Status       StageStatus   `json:"status"`
	Output       string        `json:"output,omitempty"`
	Latency      time.Duration `json:"latency"`
	InputTokens  int64         `json:"input_tokens,omitempty"`
	OutputTokens int64         `json:"output_tokens,omitempty"`
	Error        string        `json:"error,omitempty"`
	Attempts     int           `json:"attempts,omitempty"`
	Edited       bool          `json:"edited,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	EndedAt      time.Time     `json:"ended_at,omitempty"`
}

// Usable reports whether later stages can build on the output.
func (r StageRecord) Usable() bool {
	return r.Status == StageSuccess && strings.TrimSpace(r.Output) != ""
}

type (
	ReviewRecord       = council.ReviewRecord
	QualityScore       = quality.QualityScore
	ConflictResolution = arbiter.ConflictResolution
)

// FinalArtifact is the released answer of a successful run.
type FinalArtifact struct {
	Text  string `json:"text"`
	Label string `json:"label"`
	// Degraded is set when synthesis failed and an earlier stage's output was released.
	Degraded bool `json:"degraded,omitempty"`
	Source   Role `json:"source"`
}

// Run is one collaboration execution.
type Run struct {
	ID           string               `json:"id"`
	Org          string               `json:"org,omitempty"`
	ThreadID     string               `json:"thread_id,omitempty"`
	Query        string               `json:"query"`
	Mode         Mode                 `json:"mode"`
	State        RunState             `json:"state"`
	CurrentStage string               `json:"current_stage,omitempty"`
	PausedAt     Role                 `json:"paused_at,omitempty"`
	Backends     []string             `json:"backends"`
	Reviewers    []council.Reviewer   `json:"reviewers,omitempty"`
	Stages       []StageRecord        `json:"stages"`
	Reviews      []ReviewRecord       `json:"reviews,omitempty"`
	Conflicts    []ConflictResolution `json:"conflicts,omitempty"`
	Quality      *QualityScore        `json:"quality,omitempty"`
	Final        *FinalArtifact       `json:"final,omitempty"`
	Error        string               `json:"error,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
	CompletedAt  *time.Time           `json:"completed_at,omitempty"`
}

// Stage returns the latest record for a role.
func (r *Run) Stage(role Role) (StageRecord, bool) {
	i := r.stageIndex(role)
	if i < 0 {
		return StageRecord{}, false
	}
	return r.Stages[i], true
}

func (r *Run) stageIndex(role Role) int {
	for i := len(r.Stages) - 1; i >= 0; i-- {
		if r.Stages[i].Role == role {
			return i
		}
	}
	return -1
}

// SealedStages returns a copy of the sealed records.
func (r *Run) SealedStages() []StageRecord {
	out := make([]StageRecord, 0, len(r.Stages))
	for _, s := range r.Stages {
		if s.Status.Sealed() {
			out = append(out, s)
		}
	}
	return out
}

func (r *Run) transition(to RunState) error {
	if r.State.Terminal() {
		return &ErrAlreadyTerminal{RunID: r.ID, State: r.State}
	}
	if !canTransition(r.State, to) {
		return fmt.Errorf("run %s: illegal transition %s -> %s", r.ID, r.State, to)
	}
	r.State = to
	if to.Terminal() {
		now := time.Now().UTC()
		r.CompletedAt = &now
		r.CurrentStage = ""
	}
	return nil
}

func (r *Run) clone() Run {
	c := *r
	c.Backends = append([]string(nil), r.Backends...)
	c.Reviewers = append([]council.Reviewer(nil), r.Reviewers...)
	c.Stages = append([]StageRecord(nil), r.Stages...)
	c.Reviews = append([]ReviewRecord(nil), r.Reviews...)
	c.Conflicts = append([]ConflictResolution(nil), r.Conflicts...)
	if r.Quality != nil {
		q := *r.Quality
		c.Quality = &q
	}
	if r.Final != nil {
		f := *r.Final
		c.Final = &f
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return c
}

// Checkpoint is what a paused run needs to resume: every stage the remaining
// steps read is among the sealed records.
type Checkpoint struct {
	RunID      string             `json:"run_id"`
	Org        string             `json:"org,omitempty"`
	ThreadID   string             `json:"thread_id,omitempty"`
	Query      string             `json:"query"`
	Mode       Mode               `json:"mode"`
	Backends   []string           `json:"backends"`
	Reviewers  []council.Reviewer `json:"reviewers,omitempty"`
	Stages     []StageRecord      `json:"stages"`
	PauseStage Role               `json:"pause_stage"`
	CreatedAt  time.Time          `json:"created_at"`
}

// Validate checks the checkpoint is complete enough to resume from.
func (c *Checkpoint) Validate() error {
	if c.RunID == "" {
		return fmt.Errorf("checkpoint: run_id is required")
	}
	if _, err := ParseRole(string(c.PauseStage)); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	seen := false
	for _, s := range c.Stages {
		if !s.Status.Sealed() {
			return fmt.Errorf("checkpoint: stage %s is not sealed", s.Role)
		}
		if s.Role == c.PauseStage {
			seen = true
		}
	}
	if !seen {
		return fmt.Errorf("checkpoint: no record for pause stage %s", c.PauseStage)
	}
	return nil
}

// DecisionKind is the human verdict on a paused run.
type DecisionKind string

const (
	DecisionAccept DecisionKind = "accept"
	DecisionEdit   DecisionKind = "edit"
	DecisionCancel DecisionKind = "cancel"
)

// Decision resumes a paused run.
type Decision struct {
	Kind       DecisionKind `json:"decision"`
	EditedText string       `json:"edited_text,omitempty"`
}

func (d Decision) Validate() error {
	switch d.Kind {
	case DecisionAccept, DecisionCancel:
		return nil
	case DecisionEdit:
		if strings.TrimSpace(d.EditedText) == "" {
			return fmt.Errorf("%w: edit requires edited_text", ErrInvalidDecision)
		}
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidDecision, d.Kind)
}
