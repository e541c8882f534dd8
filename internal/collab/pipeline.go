package collab

import (
	"context"
	"fmt"
	"time"

	"github.com/mohammad-safakhou/council/internal/arbiter"
	"github.com/mohammad-safakhou/council/internal/council"
	"github.com/mohammad-safakhou/council/internal/executor"
	"github.com/mohammad-safakhou/council/internal/llm"
	"github.com/mohammad-safakhou/council/internal/quality"
)

var stageTemperature = map[Role]float64{
	RoleAnalyst:     0.2,
	RoleResearcher:  0.3,
	RoleCreator:     0.7,
	RoleCritic:      0.2,
	RoleSynthesizer: 0.4,
}

// runStage executes one attempt of a role. Attempt 0 opens the stage record;
// retries reuse it. A retryable failure is returned to the executor while
// attempts remain, anything else seals the record as an error and the
// pipeline moves on.
func (c *Controller) runStage(ctx context.Context, x *execution, role Role, attempt, maxRetries int) error {
	if attempt == 0 {
		backend, model := c.assign(role, x.keys)
		x.openStart = time.Now()
		rec := StageRecord{Role: role, Backend: backend, Model: model, Status: StageRunning, StartedAt: x.openStart.UTC()}
		if err := c.registry.Update(x.runID, func(r *Run) error {
			r.Stages = append(r.Stages, rec)
			r.CurrentStage = string(role)
			x.openIdx = len(r.Stages) - 1
			return nil
		}); err != nil {
			return err
		}
		x.em.Emit(Event{Type: EventStageStart, Role: role, Backend: backend, Model: model})
	}

	snap, _ := c.registry.Snapshot(x.runID)
	open := snap.Stages[x.openIdx]
	sc := StageContext{Query: snap.Query, Stages: snap.SealedStages(), Reviews: snap.Reviews, Conflicts: snap.Conflicts}
	if role == RoleAnalyst {
		sc.History = x.history
	}
	msgs, err := BuildStageInput(role, sc)
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.StageTimeout)
	out, callErr := c.caller.Call(callCtx, llm.Request{
		Backend:  open.Backend,
		Model:    open.Model,
		APIKey:   x.keys[open.Backend],
		Messages: msgs,
		Params:   llm.Params{Temperature: llm.Temperature(stageTemperature[role])},
	})
	cancel()
	if callErr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if llm.IsRetryable(callErr) && attempt < maxRetries {
			c.logger.Printf("warn: run %s: %s attempt %d failed: %v", x.runID, role, attempt+1, callErr)
			return callErr
		}
		open.Status = StageError
		open.Error = callErr.Error()
	} else {
		open.Status = StageSuccess
		open.Output = out.Content
		open.InputTokens = out.InputTokens
		open.OutputTokens = out.OutputTokens
		if out.Model != "" {
			open.Model = out.Model
		}
	}
	open.Attempts = attempt + 1
	if err := c.seal(x, open); err != nil {
		return err
	}
	if x.mode == ModeManual && role == c.checkpointStage() {
		return executor.ErrSuspend
	}
	return nil
}

// seal replaces the open record and reports it.
func (c *Controller) seal(x *execution, rec StageRecord) error {
	if x.openIdx < 0 {
		return nil
	}
	idx := x.openIdx
	rec.Latency = time.Since(x.openStart)
	rec.EndedAt = time.Now().UTC()
	if err := c.registry.Update(x.runID, func(r *Run) error {
		r.Stages[idx] = rec
		r.CurrentStage = ""
		return nil
	}); err != nil {
		return err
	}
	x.openIdx = -1
	x.em.Emit(Event{Type: EventStageEnd, Role: rec.Role, Backend: rec.Backend, Model: rec.Model, Stage: &rec})
	c.metrics.ObserveStage(string(rec.Role), string(rec.Status), rec.Latency)
	return nil
}

// sealOpen closes a stage interrupted by a fatal error or cancellation.
func (c *Controller) sealOpen(x *execution, cause error) {
	if x.openIdx < 0 {
		return
	}
	snap, ok := c.registry.Snapshot(x.runID)
	if !ok || x.openIdx >= len(snap.Stages) {
		return
	}
	rec := snap.Stages[x.openIdx]
	rec.Status = StageError
	rec.Error = cause.Error()
	if err := c.seal(x, rec); err != nil {
		c.logger.Printf("warn: run %s: seal %s: %v", x.runID, rec.Role, err)
	}
}

// assign picks the backend for a role: the configured one when available,
// otherwise the first available backend by name.
func (c *Controller) assign(role Role, keys map[string]string) (string, string) {
	if a, ok := c.cfg.Stages[string(role)]; ok {
		if _, avail := keys[a.Backend]; avail {
			model := a.Model
			if model == "" {
				model = c.catalog.DefaultModel(a.Backend)
			}
			return a.Backend, model
		}
	}
	names := sortedNames(keys)
	return names[0], c.catalog.DefaultModel(names[0])
}

func (c *Controller) runCouncil(ctx context.Context, x *execution) error {
	x.em.Emit(Event{Type: EventPhaseStart, Phase: PhaseCouncil})
	snap, _ := c.registry.Snapshot(x.runID)

	var draft string
	if rec, ok := snap.Stage(RoleCreator); ok && rec.Status.Sealed() {
		draft = stageText(rec)
	} else if prior, ok := bestPrior(snap.SealedStages()); ok {
		draft = prior.Output
	}
	artifact := council.Compress(draft, c.cfg.CompressLimit)

	reviewers := make([]council.Reviewer, len(snap.Reviewers))
	for i, r := range snap.Reviewers {
		key, ok := x.keys[r.Backend]
		r.APIKey = key
		r.Unavailable = !ok
		reviewers[i] = r
	}
	records := c.council.Review(ctx, snap.Query, artifact, reviewers, func(rec ReviewRecord, completed, total int) {
		r := rec
		x.em.Emit(Event{Type: EventCouncilProgress, Backend: rec.Backend, Review: &r, Completed: completed, Total: total})
		c.metrics.CountReview(reviewOutcome(rec))
	})
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.registry.Update(x.runID, func(r *Run) error {
		r.Reviews = records
		return nil
	})
}

func reviewOutcome(rec ReviewRecord) string {
	switch {
	case rec.Skipped:
		return "skipped"
	case rec.IsFallback:
		return "fallback"
	}
	return "success"
}

func (c *Controller) runArbitration(ctx context.Context, x *execution) error {
	x.em.Emit(Event{Type: EventPhaseStart, Phase: PhaseArbitration})
	snap, _ := c.registry.Snapshot(x.runID)

	var claims []arbiter.Claim
	for _, s := range snap.SealedStages() {
		if s.Usable() {
			claims = append(claims, arbiter.ExtractClaims(string(s.Role), s.Output)...)
		}
	}
	for _, r := range snap.Reviews {
		if !r.IsFallback && r.Content != "" {
			claims = append(claims, arbiter.ExtractClaims(r.Source, r.Content)...)
		}
	}
	resolutions := c.arbiter.ResolveConflicts(claims)
	for _, res := range resolutions {
		c.metrics.CountConflict(string(res.Type))
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.registry.Update(x.runID, func(r *Run) error {
		r.Conflicts = resolutions
		return nil
	})
}

// runQuality picks the artifact to release and scores it. A failed
// synthesizer falls back to the best earlier output, marked degraded; with
// nothing usable the run fails.
func (c *Controller) runQuality(ctx context.Context, x *execution) error {
	x.em.Emit(Event{Type: EventPhaseStart, Phase: PhaseQuality})
	snap, _ := c.registry.Snapshot(x.runID)

	synth, hasSynth := snap.Stage(RoleSynthesizer)
	var final FinalArtifact
	switch prior, ok := bestPrior(snap.SealedStages()); {
	case hasSynth && synth.Usable():
		final = FinalArtifact{Text: synth.Output, Source: RoleSynthesizer}
	case ok:
		c.logger.Printf("warn: run %s: synthesizer unusable, releasing %s output", x.runID, prior.Role)
		final = FinalArtifact{Text: prior.Output, Source: prior.Role, Degraded: true}
	default:
		cause := "did not run"
		if hasSynth {
			cause = stageText(synth)
		}
		return fmt.Errorf("%w: synthesizer %s and no earlier stage produced output", ErrNoUsableOutput, cause)
	}
	final.Label = quality.LabelOriginal

	var score *QualityScore
	if !c.cfg.Quality.Disabled {
		judge, model := c.judge(x, synth.Backend)
		res := c.gate.Evaluate(ctx, quality.Input{
			Query:        snap.Query,
			Artifact:     final.Text,
			JudgeBackend: judge,
			JudgeModel:   model,
			APIKey:       x.keys[judge],
		})
		s := res.Score
		score = &s
		final.Text = res.Artifact
		final.Label = res.Label
		if s.Passed {
			c.metrics.CountGate("passed")
		} else {
			c.metrics.CountGate("failed")
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	x.final = &final
	return c.registry.Update(x.runID, func(r *Run) error {
		r.Quality = score
		return nil
	})
}

// judge returns the judging backend: the configured one, else the
// synthesizer's. An empty name selects heuristic scoring.
func (c *Controller) judge(x *execution, synthBackend string) (string, string) {
	if b := c.cfg.Quality.JudgeBackend; b != "" {
		if _, ok := x.keys[b]; ok {
			return b, c.cfg.Quality.JudgeModel
		}
	}
	if _, ok := x.keys[synthBackend]; ok && synthBackend != "" {
		return synthBackend, ""
	}
	return "", ""
}
