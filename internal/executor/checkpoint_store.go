package executor

import (
	"context"

	"github.com/mohammad-safakhou/council/internal/store"
)

// attemptStore is the slice of store.Store the recorder needs.
type attemptStore interface {
	RecordStageAttempt(ctx context.Context, a store.StageAttempt) error
}

// StoreCheckpointManager records every stage attempt in Postgres so an
// operator can see retries of a run after the fact.
type StoreCheckpointManager struct {
	store attemptStore
}

// NewStoreCheckpointManager constructs a CheckpointManager backed by store.Store.
func NewStoreCheckpointManager(st attemptStore) *StoreCheckpointManager {
	return &StoreCheckpointManager{store: st}
}

func (m *StoreCheckpointManager) StartRun(ctx context.Context, runID string) error {
	// no-op: attempts are tracked at task granularity
	return nil
}

func (m *StoreCheckpointManager) SaveTaskStart(ctx context.Context, runID string, task Task, attempt int) error {
	return m.record(ctx, runID, task, attempt, store.AttemptStatusStarted, nil)
}

func (m *StoreCheckpointManager) SaveTaskSuccess(ctx context.Context, runID string, task Task, attempt int) error {
	return m.record(ctx, runID, task, attempt, store.AttemptStatusSucceeded, nil)
}

func (m *StoreCheckpointManager) SaveTaskFailure(ctx context.Context, runID string, task Task, attempt int, err error) error {
	return m.record(ctx, runID, task, attempt, store.AttemptStatusFailed, err)
}

func (m *StoreCheckpointManager) record(ctx context.Context, runID string, task Task, attempt int, status string, err error) error {
	if m.store == nil {
		return nil
	}
	a := store.StageAttempt{
		RunID:   runID,
		Stage:   task.Stage,
		Attempt: attempt,
		Status:  status,
	}
	if err != nil {
		a.Error = err.Error()
	}
	return m.store.RecordStageAttempt(ctx, a)
}

var _ CheckpointManager = (*StoreCheckpointManager)(nil)
