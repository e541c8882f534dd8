package executor

import "context"

// CheckpointManager observes executor progress, one call per attempt.
type CheckpointManager interface {
	StartRun(ctx context.Context, runID string) error
	SaveTaskStart(ctx context.Context, runID string, task Task, attempt int) error
	SaveTaskSuccess(ctx context.Context, runID string, task Task, attempt int) error
	SaveTaskFailure(ctx context.Context, runID string, task Task, attempt int, err error) error
}

// NoopCheckpointManager is a default implementation that records nothing.
type NoopCheckpointManager struct{}

// NewNoopCheckpointManager returns a checkpoint manager that does nothing.
func NewNoopCheckpointManager() *NoopCheckpointManager { return &NoopCheckpointManager{} }

func (NoopCheckpointManager) StartRun(ctx context.Context, runID string) error { return nil }
func (NoopCheckpointManager) SaveTaskStart(ctx context.Context, runID string, task Task, attempt int) error {
	return nil
}
func (NoopCheckpointManager) SaveTaskSuccess(ctx context.Context, runID string, task Task, attempt int) error {
	return nil
}
func (NoopCheckpointManager) SaveTaskFailure(ctx context.Context, runID string, task Task, attempt int, err error) error {
	return nil
}

// Linear builds a graph in which each id depends on the one before it.
func Linear(ids []string, maxRetries int, tune func(*Task)) Graph {
	g := Graph{Tasks: make(map[string]Task, len(ids)), Completed: map[string]bool{}}
	for i, id := range ids {
		t := Task{ID: id, Stage: id, MaxRetries: maxRetries}
		if i > 0 {
			t.DependsOn = []string{ids[i-1]}
		}
		if tune != nil {
			tune(&t)
		}
		g.Tasks[id] = t
	}
	return g
}
