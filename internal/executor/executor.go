package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Task represents one pipeline step in the execution DAG.
type Task struct {
	ID         string
	Stage      string
	DependsOn  []string
	Payload    map[string]interface{}
	MaxRetries int
	RetryDelay time.Duration
}

// Graph encapsulates a set of tasks keyed by ID. Tasks listed in Completed
// are treated as already done: they unlock their dependants but never run.
type Graph struct {
	Tasks     map[string]Task
	Completed map[string]bool
}

// Executor runs tasks in dependency order, retrying failures the retry policy accepts.
type Executor struct {
	checkpoints CheckpointManager
	metrics     Metrics
	retryable   func(error) bool
}

// Metrics aggregates optional telemetry callbacks.
type Metrics struct {
	RetryCounter func(context.Context, Task, int)
	Duration     func(context.Context, Task, time.Duration, error)
}

// Option configures executor behaviour.
type Option func(*Executor)

// WithCheckpointManager sets the checkpoint manager implementation.
func WithCheckpointManager(mgr CheckpointManager) Option {
	return func(ex *Executor) {
		ex.checkpoints = mgr
	}
}

// WithMetrics sets executor metrics callbacks.
func WithMetrics(m Metrics) Option {
	return func(ex *Executor) {
		ex.metrics = m
	}
}

// WithRetryPolicy limits retries to errors for which fn returns true.
func WithRetryPolicy(fn func(error) bool) Option {
	return func(ex *Executor) {
		ex.retryable = fn
	}
}

// New creates a new Executor instance.
func New(opts ...Option) *Executor {
	ex := &Executor{}
	for _, opt := range opts {
		opt(ex)
	}
	if ex.checkpoints == nil {
		ex.checkpoints = NewNoopCheckpointManager()
	}
	if ex.retryable == nil {
		ex.retryable = func(error) bool { return true }
	}
	return ex
}

// ErrUnknownDependency indicates a dependency reference that is missing from the graph.
var ErrUnknownDependency = fmt.Errorf("unknown dependency")

// ErrCycleDetected indicates the graph contains a cycle.
var ErrCycleDetected = fmt.Errorf("cycle detected")

// ErrSuspend is returned by a runner to stop the walk cleanly after a task.
// Execute reports it with the order completed so far.
var ErrSuspend = errors.New("execution suspended")

// TaskRunner executes the concrete work for a task.
type TaskRunner interface {
	RunTask(ctx context.Context, runID string, task Task, attempt int) error
}

// TaskRunnerFunc adapts a function to TaskRunner.
type TaskRunnerFunc func(ctx context.Context, runID string, task Task, attempt int) error

func (f TaskRunnerFunc) RunTask(ctx context.Context, runID string, task Task, attempt int) error {
	return f(ctx, runID, task, attempt)
}

// Execute walks the supplied graph and returns the ordered list of task IDs it
// ran. Ready tasks are taken in ID order so identical graphs always run in the
// same sequence.
func (e *Executor) Execute(ctx context.Context, runID string, g Graph, runner TaskRunner) ([]string, error) {
	order := make([]string, 0, len(g.Tasks))
	indegree := make(map[string]int, len(g.Tasks))
	adjacency := make(map[string][]string, len(g.Tasks))

	for id, task := range g.Tasks {
		if _, ok := indegree[id]; !ok {
			indegree[id] = 0
		}
		for _, dep := range task.DependsOn {
			if _, ok := g.Tasks[dep]; !ok {
				return nil, fmt.Errorf("%w: %s -> %s", ErrUnknownDependency, id, dep)
			}
			adjacency[dep] = append(adjacency[dep], id)
			indegree[id] = indegree[id] + 1
		}
	}

	if err := e.checkpoints.StartRun(ctx, runID); err != nil {
		return nil, err
	}
	queue := make([]string, 0, len(g.Tasks))
	for id := range g.Tasks {
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		visited++
		task := g.Tasks[current]
		if task.Stage == "" {
			task.Stage = task.ID
		}

		if !g.Completed[current] {
			if err := ctx.Err(); err != nil {
				return order, err
			}
			err := e.runWithRetry(ctx, runID, task, runner)
			if errors.Is(err, ErrSuspend) {
				order = append(order, current)
				return order, ErrSuspend
			}
			if err != nil {
				return order, err
			}
			order = append(order, current)
		}

		var ready []string
		for _, next := range adjacency[current] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
		sort.Strings(ready)
		queue = append(queue, ready...)
	}

	if visited != len(g.Tasks) {
		return order, ErrCycleDetected
	}

	return order, nil
}

func (e *Executor) runWithRetry(ctx context.Context, runID string, task Task, runner TaskRunner) error {
	maxRetries := task.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	attempt := 0
	for {
		attemptStart := time.Now()
		if err := e.checkpoints.SaveTaskStart(ctx, runID, task, attempt); err != nil {
			return err
		}
		var runErr error
		if runner != nil {
			runErr = runner.RunTask(ctx, runID, task, attempt)
		}
		if e.metrics.Duration != nil {
			e.metrics.Duration(ctx, task, time.Since(attemptStart), runErr)
		}
		if runErr == nil || errors.Is(runErr, ErrSuspend) {
			if err := e.checkpoints.SaveTaskSuccess(ctx, runID, task, attempt); err != nil {
				return err
			}
			return runErr
		}
		nextAttempt := attempt + 1
		if err := e.checkpoints.SaveTaskFailure(ctx, runID, task, nextAttempt, runErr); err != nil {
			return err
		}
		if nextAttempt > maxRetries || !e.retryable(runErr) || ctx.Err() != nil {
			return runErr
		}
		if e.metrics.RetryCounter != nil {
			e.metrics.RetryCounter(ctx, task, nextAttempt)
		}
		attempt = nextAttempt
		if task.RetryDelay > 0 {
			select {
			case <-ctx.Done():
				return runErr
			case <-time.After(task.RetryDelay):
			}
		}
	}
}
