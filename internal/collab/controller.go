package collab

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mohammad-safakhou/council/config"
	"github.com/mohammad-safakhou/council/internal/arbiter"
	"github.com/mohammad-safakhou/council/internal/council"
	"github.com/mohammad-safakhou/council/internal/executor"
	"github.com/mohammad-safakhou/council/internal/llm"
	"github.com/mohammad-safakhou/council/internal/quality"
	"github.com/mohammad-safakhou/council/internal/telemetry"
)

var tracer = otel.Tracer("council/internal/collab")

// ModelCaller sends one request to a named backend.
type ModelCaller interface {
	Call(ctx context.Context, req llm.Request) (llm.Completion, error)
}

// Catalog lists the configured backends.
type Catalog interface {
	Names() []string
	DefaultModel(name string) string
}

// Dependencies wires a Controller. Only Caller and Catalog are required.
type Dependencies struct {
	Caller      ModelCaller
	Catalog     Catalog
	Council     *council.Council
	Arbiter     *arbiter.Arbiter
	Gate        *quality.Gate
	Registry    *Registry
	Persistence Persistence
	Archiver    Archiver
	Lookup      RunLookup
	Credentials CredentialResolver
	History     HistoryStore
	// Broadcast receives every event of every run next to the per-call sink.
	Broadcast Sink
	Attempts  executor.CheckpointManager
	Metrics   *telemetry.Metrics
	Logger    *log.Logger
}

// Controller drives runs through the stage pipeline. Begin and Resume are
// the only ways a run is mutated.
type Controller struct {
	cfg         config.CollaborationConfig
	caller      ModelCaller
	catalog     Catalog
	council     *council.Council
	arbiter     *arbiter.Arbiter
	gate        *quality.Gate
	registry    *Registry
	persistence Persistence
	archiver    Archiver
	lookup      RunLookup
	credentials CredentialResolver
	history     HistoryStore
	broadcast   Sink
	attempts    executor.CheckpointManager
	metrics     *telemetry.Metrics
	logger      *log.Logger
}

// New builds a controller, filling unset dependencies with in-memory defaults.
func New(cfg config.CollaborationConfig, deps Dependencies) (*Controller, error) {
	if deps.Caller == nil || deps.Catalog == nil {
		return nil, fmt.Errorf("collab: caller and catalog are required")
	}
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Controller{
		cfg:         cfg,
		caller:      deps.Caller,
		catalog:     deps.Catalog,
		council:     deps.Council,
		arbiter:     deps.Arbiter,
		gate:        deps.Gate,
		registry:    deps.Registry,
		persistence: deps.Persistence,
		archiver:    deps.Archiver,
		lookup:      deps.Lookup,
		credentials: deps.Credentials,
		history:     deps.History,
		broadcast:   deps.Broadcast,
		attempts:    deps.Attempts,
		metrics:     deps.Metrics,
		logger:      deps.Logger,
	}
	if c.logger == nil {
		c.logger = log.New(log.Writer(), "[COLLAB] ", log.LstdFlags)
	}
	if c.council == nil {
		c.council = council.New(deps.Caller, council.WithTimeout(cfg.ReviewerTimeout), council.WithMaxParallel(cfg.MaxParallel))
	}
	if c.arbiter == nil {
		c.arbiter = arbiter.New(nil, nil)
	}
	if c.gate == nil {
		c.gate = quality.NewGate(deps.Caller, cfg.Quality.Threshold, nil)
	}
	if c.registry == nil {
		c.registry = NewRegistry(cfg.RunRetention)
	}
	if c.persistence == nil {
		c.persistence = NewMemoryPersistence()
	}
	if c.credentials == nil {
		c.credentials = operatorCredentials{}
	}
	if c.attempts == nil {
		c.attempts = executor.NewNoopCheckpointManager()
	}
	return c, nil
}

// operatorCredentials treats every configured backend as available with the
// operator key from configuration.
type operatorCredentials struct{}

func (operatorCredentials) GetKey(context.Context, string, string) (string, bool, error) {
	return "", true, nil
}

// Registry exposes the live run store.
func (c *Controller) Registry() *Registry { return c.registry }

// BeginRequest starts a run. Empty Backends means every configured backend.
type BeginRequest struct {
	RunID    string
	Org      string
	ThreadID string
	Query    string
	Mode     Mode
	Backends []string
}

// execution is the working state of one Begin or Resume call.
type execution struct {
	runID     string
	mode      Mode
	keys      map[string]string
	history   []llm.Message
	em        *Emitter
	openIdx   int
	openStart time.Time
	final     *FinalArtifact
}

// Begin runs a new collaboration until it finishes, fails or pauses. Events
// go to sink in transition order. The returned error is non-nil only for
// run-fatal failures, which are also reported as an error event.
func (c *Controller) Begin(ctx context.Context, req BeginRequest, sink Sink) (*Run, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}
	mode, err := ParseMode(string(req.Mode))
	if err != nil {
		return nil, err
	}
	id := req.RunID
	if id == "" {
		id = uuid.NewString()
	}
	run := &Run{ID: id, Org: req.Org, ThreadID: req.ThreadID, Query: query, Mode: mode, State: StateCreated, CreatedAt: time.Now().UTC()}
	lease, err := c.registry.Create(run)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	ctx, span := tracer.Start(ctx, "collab.Begin", trace.WithAttributes(
		attribute.String("run.id", id),
		attribute.String("run.mode", string(mode)),
	))
	defer span.End()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.registry.setCancel(id, cancel)

	x := &execution{runID: id, mode: mode, openIdx: -1}
	x.em = newEmitter(ctx, id, c.registry.sequence(id), c.sinkFor(sink), c.logger)

	keys, names := c.availableBackends(runCtx, req.Org, req.Backends)
	if len(names) == 0 {
		return c.fail(runCtx, x, ErrNoBackends)
	}
	x.keys = keys
	reviewers := c.reviewers(keys)
	if err := c.registry.Transition(id, StateRunning, func(r *Run) {
		r.Backends = names
		r.Reviewers = reviewers
	}); err != nil {
		return c.fail(runCtx, x, err)
	}
	x.history = c.loadHistory(runCtx, req.ThreadID)
	res, err := c.execute(runCtx, x, nil)
	recordSpan(span, res, err)
	return res, err
}

// Resume continues a paused run with a human decision.
func (c *Controller) Resume(ctx context.Context, runID string, d Decision, sink Sink) (*Run, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	snap, live := c.registry.Snapshot(runID)
	if live && snap.State.Terminal() {
		return nil, &ErrAlreadyTerminal{RunID: runID, State: snap.State}
	}
	if !live {
		if archived := c.lookupArchived(ctx, runID); archived != nil && archived.State.Terminal() {
			return nil, &ErrAlreadyTerminal{RunID: runID, State: archived.State}
		}
	}

	ctx, span := tracer.Start(ctx, "collab.Resume", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.String("run.decision", string(d.Kind)),
	))
	defer span.End()

	var lease *Lease
	if live {
		l, err := c.registry.Acquire(runID)
		if err != nil {
			return nil, err
		}
		lease = l
		snap, _ = c.registry.Snapshot(runID)
		switch {
		case snap.State.Terminal():
			lease.Release()
			return nil, &ErrAlreadyTerminal{RunID: runID, State: snap.State}
		case snap.State == StateRunning:
			lease.Release()
			return nil, fmt.Errorf("%w: %s", ErrRunBusy, runID)
		case snap.State != StatePaused:
			lease.Release()
			return nil, fmt.Errorf("%w: %s is %s", ErrNotPaused, runID, snap.State)
		}
	}

	cp := c.loadCheckpoint(ctx, runID)
	if lease == nil {
		if cp == nil {
			em := newEmitter(ctx, runID, nil, c.sinkFor(sink), c.logger)
			err := fmt.Errorf("%w: run %s", ErrCheckpointMissing, runID)
			em.Emit(Event{Type: EventError, Message: err.Error()})
			return nil, err
		}
		l, err := c.registry.Create(&Run{
			ID: cp.RunID, Org: cp.Org, ThreadID: cp.ThreadID, Query: cp.Query, Mode: cp.Mode,
			State: StatePaused, PausedAt: cp.PauseStage, Backends: cp.Backends, Reviewers: cp.Reviewers,
			Stages: append([]StageRecord(nil), cp.Stages...), CreatedAt: cp.CreatedAt,
		})
		if err != nil {
			return nil, err
		}
		lease = l
		c.registry.setCheckpoint(runID, cp)
	}
	defer lease.Release()

	snap, _ = c.registry.Snapshot(runID)
	x := &execution{runID: runID, mode: snap.Mode, openIdx: -1}
	x.em = newEmitter(ctx, runID, c.registry.sequence(runID), c.sinkFor(sink), c.logger)
	if cp == nil {
		return c.fail(ctx, x, fmt.Errorf("%w: run %s", ErrCheckpointMissing, runID))
	}
	if err := cp.Validate(); err != nil {
		return c.fail(ctx, x, fmt.Errorf("%w: %v", ErrCheckpointMissing, err))
	}
	if d.Kind == DecisionCancel {
		return c.cancelPaused(ctx, x)
	}

	keys, names := c.availableBackends(ctx, cp.Org, cp.Backends)
	if len(names) == 0 {
		return c.fail(ctx, x, ErrNoBackends)
	}
	x.keys = keys

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.registry.setCancel(runID, cancel)

	completed := make([]Role, 0, len(cp.Stages))
	for _, s := range cp.Stages {
		completed = append(completed, s.Role)
	}
	err := c.registry.Transition(runID, StateRunning, func(r *Run) {
		r.Stages = append([]StageRecord(nil), cp.Stages...)
		r.Backends = names
		r.PausedAt = ""
		if d.Kind == DecisionEdit {
			idx := r.stageIndex(cp.PauseStage)
			old := r.Stages[idx]
			now := time.Now().UTC()
			r.Stages[idx] = StageRecord{
				Role: old.Role, Backend: old.Backend, Model: old.Model, Status: StageSuccess,
				Output: d.EditedText, Attempts: old.Attempts, Edited: true, StartedAt: now, EndedAt: now,
			}
		}
	})
	if err != nil {
		return c.fail(runCtx, x, err)
	}
	res, err := c.execute(runCtx, x, completed)
	recordSpan(span, res, err)
	return res, err
}

// Cancel stops a run. A running run is interrupted at its current call; a
// paused run is cancelled as if resumed with a cancel decision.
func (c *Controller) Cancel(ctx context.Context, runID string) error {
	snap, live := c.registry.Snapshot(runID)
	if !live {
		if archived := c.lookupArchived(ctx, runID); archived != nil && archived.State.Terminal() {
			return &ErrAlreadyTerminal{RunID: runID, State: archived.State}
		}
		if cp, _ := c.persistence.LoadCheckpoint(ctx, runID); cp != nil {
			_, err := c.Resume(ctx, runID, Decision{Kind: DecisionCancel}, nil)
			return err
		}
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	switch {
	case snap.State.Terminal():
		return &ErrAlreadyTerminal{RunID: runID, State: snap.State}
	case snap.State == StatePaused:
		_, err := c.Resume(ctx, runID, Decision{Kind: DecisionCancel}, nil)
		return err
	}
	if c.registry.cancel(runID) {
		return nil
	}
	return fmt.Errorf("%w: %s has no cancellable work", ErrRunBusy, runID)
}

// Get returns a live run or, failing that, an archived one.
func (c *Controller) Get(ctx context.Context, runID string) (*Run, error) {
	if snap, ok := c.registry.Snapshot(runID); ok {
		return &snap, nil
	}
	if archived := c.lookupArchived(ctx, runID); archived != nil {
		return archived, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
}

func (c *Controller) execute(ctx context.Context, x *execution, completed []Role) (*Run, error) {
	g := executor.Linear(steps, 0, func(t *executor.Task) {
		if isStage(t.ID) {
			t.MaxRetries = c.cfg.StageRetries
			t.RetryDelay = c.cfg.RetryDelay
		}
	})
	for _, r := range completed {
		g.Completed[string(r)] = true
	}
	ex := executor.New(
		executor.WithCheckpointManager(attemptLog{mgr: c.attempts, logger: c.logger}),
		executor.WithRetryPolicy(llm.IsRetryable),
		executor.WithMetrics(executor.Metrics{
			RetryCounter: func(_ context.Context, t executor.Task, attempt int) {
				c.logger.Printf("run %s: retrying %s (attempt %d)", x.runID, t.ID, attempt)
			},
		}),
	)
	_, err := ex.Execute(ctx, x.runID, g, executor.TaskRunnerFunc(func(ctx context.Context, _ string, task executor.Task, attempt int) error {
		return c.runStep(ctx, x, task, attempt)
	}))
	switch {
	case errors.Is(err, executor.ErrSuspend):
		return c.pause(ctx, x)
	case ctx.Err() != nil:
		return c.cancelled(ctx, x)
	case err != nil:
		return c.fail(ctx, x, err)
	}
	return c.finish(ctx, x)
}

func (c *Controller) runStep(ctx context.Context, x *execution, task executor.Task, attempt int) (err error) {
	ctx, span := tracer.Start(ctx, "collab.step", trace.WithAttributes(
		attribute.String("run.id", x.runID),
		attribute.String("step", task.ID),
		attribute.Int("attempt", attempt),
	))
	defer func() {
		if err != nil && !errors.Is(err, executor.ErrSuspend) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	switch task.ID {
	case PhaseCouncil:
		return c.runCouncil(ctx, x)
	case PhaseArbitration:
		return c.runArbitration(ctx, x)
	case PhaseQuality:
		return c.runQuality(ctx, x)
	}
	return c.runStage(ctx, x, Role(task.ID), attempt, task.MaxRetries)
}

func (c *Controller) checkpointStage() Role { return Role(c.cfg.CheckpointStage) }

func (c *Controller) sinkFor(sink Sink) Sink {
	switch {
	case c.broadcast == nil:
		return sink
	case sink == nil:
		return c.broadcast
	}
	return NewMultiSink(sink, c.broadcast)
}

// availableBackends intersects the requested backends with the catalog and
// keeps those the organisation has a key for.
func (c *Controller) availableBackends(ctx context.Context, org string, requested []string) (map[string]string, []string) {
	names := c.catalog.Names()
	if len(requested) > 0 {
		want := make(map[string]bool, len(requested))
		for _, r := range requested {
			want[strings.TrimSpace(r)] = true
		}
		filtered := names[:0:0]
		for _, n := range names {
			if want[n] {
				filtered = append(filtered, n)
			}
		}
		names = filtered
	}
	keys := make(map[string]string, len(names))
	for _, name := range names {
		key, ok, err := c.credentials.GetKey(ctx, org, name)
		if err != nil {
			c.logger.Printf("warn: credentials for %s/%s: %v", org, name, err)
			continue
		}
		if ok {
			keys[name] = key
		}
	}
	return keys, sortedNames(keys)
}

func sortedNames(keys map[string]string) []string {
	out := make([]string, 0, len(keys))
	for k := range keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (c *Controller) reviewers(keys map[string]string) []council.Reviewer {
	out := make([]council.Reviewer, 0, len(c.cfg.Reviewers))
	for _, r := range c.cfg.Reviewers {
		_, ok := keys[r.Backend]
		out = append(out, council.Reviewer{Name: r.Name, Backend: r.Backend, Model: r.Model, Unavailable: !ok})
	}
	return out
}

func (c *Controller) loadHistory(ctx context.Context, threadID string) []llm.Message {
	if c.history == nil || threadID == "" {
		return nil
	}
	msgs, err := c.history.GetRecent(ctx, threadID, c.cfg.HistoryLimit)
	if err != nil {
		c.logger.Printf("warn: history for thread %s: %v", threadID, err)
		return nil
	}
	return msgs
}

func (c *Controller) loadCheckpoint(ctx context.Context, runID string) *Checkpoint {
	cp, err := c.persistence.LoadCheckpoint(ctx, runID)
	if err != nil {
		c.logger.Printf("warn: load checkpoint %s: %v", runID, err)
	}
	if cp != nil {
		return cp
	}
	return c.registry.checkpoint(runID)
}

func (c *Controller) lookupArchived(ctx context.Context, runID string) *Run {
	if c.lookup == nil {
		return nil
	}
	run, err := c.lookup.LookupRun(ctx, runID)
	if err != nil {
		c.logger.Printf("warn: archive lookup %s: %v", runID, err)
		return nil
	}
	return run
}

func (c *Controller) pause(ctx context.Context, x *execution) (*Run, error) {
	bg := context.WithoutCancel(ctx)
	snap, _ := c.registry.Snapshot(x.runID)
	role := c.checkpointStage()
	cp := Checkpoint{
		RunID: snap.ID, Org: snap.Org, ThreadID: snap.ThreadID, Query: snap.Query, Mode: snap.Mode,
		Backends: snap.Backends, Reviewers: snap.Reviewers, Stages: snap.SealedStages(),
		PauseStage: role, CreatedAt: time.Now().UTC(),
	}
	c.registry.setCheckpoint(x.runID, &cp)
	if err := c.persistence.SaveCheckpoint(bg, cp); err != nil {
		c.logger.Printf("warn: save checkpoint %s: %v (keeping in-memory copy)", x.runID, err)
	}
	if err := c.registry.Transition(x.runID, StatePaused, func(r *Run) { r.PausedAt = role; r.CurrentStage = "" }); err != nil {
		return c.fail(bg, x, err)
	}
	paused, _ := c.registry.Snapshot(x.runID)
	rec, _ := paused.Stage(role)
	x.em.Emit(Event{Type: EventCheckpoint, Role: role, Stage: &rec, Output: rec.Output,
		Message: "awaiting decision: accept, edit or cancel", Run: &paused})
	return &paused, nil
}

func (c *Controller) finish(ctx context.Context, x *execution) (*Run, error) {
	bg := context.WithoutCancel(ctx)
	if x.final == nil {
		return c.fail(bg, x, ErrNoUsableOutput)
	}
	final := *x.final
	chunks := chunkRunes(final.Text, c.cfg.ChunkSize)
	for i, ch := range chunks {
		x.em.Emit(Event{Type: EventFinalChunk, Chunk: ch, Index: i + 1, Count: len(chunks)})
	}
	snap, _ := c.registry.Snapshot(x.runID)
	if err := c.persistence.SaveFinal(bg, snap.Org, x.runID, final, snap.Quality); err != nil {
		c.logger.Printf("warn: save final %s: %v", x.runID, err)
	}
	if err := c.registry.Transition(x.runID, StateSuccess, func(r *Run) { r.Final = &final }); err != nil {
		return nil, err
	}
	done := c.terminal(bg, x)
	x.em.Emit(Event{Type: EventDone, Run: &done})
	c.metrics.CountRun(string(StateSuccess))
	return &done, nil
}

func (c *Controller) fail(ctx context.Context, x *execution, cause error) (*Run, error) {
	bg := context.WithoutCancel(ctx)
	c.sealOpen(x, cause)
	msg := cause.Error()
	if err := c.registry.Transition(x.runID, StateError, func(r *Run) { r.Error = msg }); err != nil {
		return nil, err
	}
	snap := c.terminal(bg, x)
	c.logger.Printf("run %s failed: %v", x.runID, cause)
	x.em.Emit(Event{Type: EventError, Message: msg})
	c.metrics.CountRun(string(StateError))
	return &snap, cause
}

var errCancelled = errors.New("run cancelled")

func (c *Controller) cancelled(ctx context.Context, x *execution) (*Run, error) {
	bg := context.WithoutCancel(ctx)
	c.sealOpen(x, errCancelled)
	if err := c.registry.Transition(x.runID, StateCancelled, nil); err != nil {
		return nil, err
	}
	snap := c.terminal(bg, x)
	x.em.Emit(Event{Type: EventCancelled, Message: errCancelled.Error(), Run: &snap})
	c.metrics.CountRun(string(StateCancelled))
	return &snap, nil
}

func (c *Controller) cancelPaused(ctx context.Context, x *execution) (*Run, error) {
	if err := c.registry.Transition(x.runID, StateCancelled, func(r *Run) { r.PausedAt = "" }); err != nil {
		return nil, err
	}
	snap := c.terminal(context.WithoutCancel(ctx), x)
	x.em.Emit(Event{Type: EventCancelled, Message: "cancelled at checkpoint", Run: &snap})
	c.metrics.CountRun(string(StateCancelled))
	return &snap, nil
}

// terminal archives the run and drops its checkpoint.
func (c *Controller) terminal(ctx context.Context, x *execution) Run {
	snap, _ := c.registry.Snapshot(x.runID)
	if c.archiver != nil {
		if err := c.archiver.ArchiveRun(ctx, snap); err != nil {
			c.logger.Printf("warn: archive run %s: %v", x.runID, err)
		}
	}
	if err := c.persistence.DeleteCheckpoint(ctx, x.runID); err != nil {
		c.logger.Printf("warn: delete checkpoint %s: %v", x.runID, err)
	}
	c.registry.setCheckpoint(x.runID, nil)
	return snap
}

func recordSpan(span trace.Span, run *Run, err error) {
	if run != nil {
		span.SetAttributes(attribute.String("run.state", string(run.State)))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// attemptLog records stage attempts without letting a bookkeeping failure
// stop the run.
type attemptLog struct {
	mgr    executor.CheckpointManager
	logger *log.Logger
}

func (a attemptLog) warn(op string, err error) error {
	if err != nil {
		a.logger.Printf("warn: attempt log %s: %v", op, err)
	}
	return nil
}

func (a attemptLog) StartRun(ctx context.Context, runID string) error {
	return a.warn("start", a.mgr.StartRun(ctx, runID))
}

func (a attemptLog) SaveTaskStart(ctx context.Context, runID string, task executor.Task, attempt int) error {
	return a.warn("task start", a.mgr.SaveTaskStart(ctx, runID, task, attempt))
}

func (a attemptLog) SaveTaskSuccess(ctx context.Context, runID string, task executor.Task, attempt int) error {
	return a.warn("task success", a.mgr.SaveTaskSuccess(ctx, runID, task, attempt))
}

func (a attemptLog) SaveTaskFailure(ctx context.Context, runID string, task executor.Task, attempt int, err error) error {
	return a.warn("task failure", a.mgr.SaveTaskFailure(ctx, runID, task, attempt, err))
}
