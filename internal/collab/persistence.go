package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/mohammad-safakhou/council/internal/archive"
	"github.com/mohammad-safakhou/council/internal/store"
)

// Persistence keeps what must survive a process restart. Save failures are
// logged by the controller and never abort a run.
type Persistence interface {
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
	// LoadCheckpoint returns nil, nil when no checkpoint exists.
	LoadCheckpoint(ctx context.Context, runID string) (*Checkpoint, error)
	DeleteCheckpoint(ctx context.Context, runID string) error
	SaveFinal(ctx context.Context, org, runID string, final FinalArtifact, score *QualityScore) error
}

// MemoryPersistence keeps checkpoints as JSON so a round trip proves they
// are serializable.
type MemoryPersistence struct {
	mu          sync.Mutex
	checkpoints map[string][]byte
	finals      map[string]FinalArtifact
}

func NewMemoryPersistence() *MemoryPersistence {
	return &MemoryPersistence{checkpoints: make(map[string][]byte), finals: make(map[string]FinalArtifact)}
}

func (m *MemoryPersistence) SaveCheckpoint(_ context.Context, cp Checkpoint) error {
	raw, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[cp.RunID] = raw
	return nil
}

func (m *MemoryPersistence) LoadCheckpoint(_ context.Context, runID string) (*Checkpoint, error) {
	m.mu.Lock()
	raw, ok := m.checkpoints[runID]
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return decodeCheckpoint(raw)
}

func (m *MemoryPersistence) DeleteCheckpoint(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checkpoints, runID)
	return nil
}

func (m *MemoryPersistence) SaveFinal(_ context.Context, _ string, runID string, final FinalArtifact, _ *QualityScore) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finals[runID] = final
	return nil
}

// Final returns the saved artifact of a run.
func (m *MemoryPersistence) Final(runID string) (FinalArtifact, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.finals[runID]
	return f, ok
}

func decodeCheckpoint(raw []byte) (*Checkpoint, error) {
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &cp, nil
}

// CheckpointBlobs stores encoded checkpoints. Both the Postgres store and the
// Redis cache implement it.
type CheckpointBlobs interface {
	PutCheckpoint(ctx context.Context, runID string, payload []byte) error
	GetCheckpoint(ctx context.Context, runID string) ([]byte, bool, error)
	DeleteCheckpoint(ctx context.Context, runID string) error
}

// FinalWriter persists released artifacts.
type FinalWriter interface {
	SaveFinal(ctx context.Context, rec store.FinalRecord) error
}

// Durable is Persistence over external storage.
type Durable struct {
	blobs  CheckpointBlobs
	finals FinalWriter
}

// NewDurable builds persistence; a nil finals writer drops artifacts.
func NewDurable(blobs CheckpointBlobs, finals FinalWriter) *Durable {
	return &Durable{blobs: blobs, finals: finals}
}

func (d *Durable) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	raw, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	return d.blobs.PutCheckpoint(ctx, cp.RunID, raw)
}

func (d *Durable) LoadCheckpoint(ctx context.Context, runID string) (*Checkpoint, error) {
	raw, ok, err := d.blobs.GetCheckpoint(ctx, runID)
	if err != nil || !ok {
		return nil, err
	}
	return decodeCheckpoint(raw)
}

func (d *Durable) DeleteCheckpoint(ctx context.Context, runID string) error {
	return d.blobs.DeleteCheckpoint(ctx, runID)
}

func (d *Durable) SaveFinal(ctx context.Context, org, runID string, final FinalArtifact, score *QualityScore) error {
	if d.finals == nil {
		return nil
	}
	rec := store.FinalRecord{RunID: runID, Org: org, Text: final.Text, Label: final.Label, Degraded: final.Degraded}
	if score != nil {
		raw, err := json.Marshal(score)
		if err != nil {
			return err
		}
		rec.Quality = raw
	}
	return d.finals.SaveFinal(ctx, rec)
}

// Archiver records runs that reached a terminal state.
type Archiver interface {
	ArchiveRun(ctx context.Context, run Run) error
}

// RunLookup finds archived runs that are no longer in the live registry.
type RunLookup interface {
	LookupRun(ctx context.Context, runID string) (*Run, error)
}

// Archivers calls every archiver and joins their errors.
type Archivers []Archiver

func (a Archivers) ArchiveRun(ctx context.Context, run Run) error {
	var errs []error
	for _, arc := range a {
		if arc == nil {
			continue
		}
		if err := arc.ArchiveRun(ctx, run); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type runStore interface {
	ArchiveRun(ctx context.Context, rec store.RunRecord) error
	GetRun(ctx context.Context, id string) (store.RunRecord, bool, error)
}

// SQLArchive keeps full run snapshots in Postgres.
type SQLArchive struct {
	store runStore
}

func NewSQLArchive(st runStore) *SQLArchive { return &SQLArchive{store: st} }

func (a *SQLArchive) ArchiveRun(ctx context.Context, run Run) error {
	snapshot, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode run snapshot: %w", err)
	}
	return a.store.ArchiveRun(ctx, store.RunRecord{
		ID:          run.ID,
		Org:         run.Org,
		ThreadID:    run.ThreadID,
		Query:       run.Query,
		Mode:        string(run.Mode),
		State:       string(run.State),
		Snapshot:    snapshot,
		CreatedAt:   run.CreatedAt,
		CompletedAt: run.CompletedAt,
	})
}

func (a *SQLArchive) LookupRun(ctx context.Context, runID string) (*Run, error) {
	rec, ok, err := a.store.GetRun(ctx, runID)
	if err != nil || !ok {
		return nil, err
	}
	var run Run
	if err := json.Unmarshal(rec.Snapshot, &run); err != nil {
		return nil, fmt.Errorf("decode run snapshot: %w", err)
	}
	return &run, nil
}

// IndexArchive adds successful runs to the full-text index.
type IndexArchive struct {
	index *archive.Index
}

func NewIndexArchive(idx *archive.Index) *IndexArchive { return &IndexArchive{index: idx} }

func (a *IndexArchive) ArchiveRun(_ context.Context, run Run) error {
	if run.State != StateSuccess || run.Final == nil {
		return nil
	}
	var stages strings.Builder
	for _, s := range run.Stages {
		if s.Usable() {
			stages.WriteString(s.Output)
			stages.WriteString("\n\n")
		}
	}
	return a.index.Add(archive.Document{
		RunID:     run.ID,
		Org:       run.Org,
		Query:     run.Query,
		Final:     run.Final.Text,
		Stages:    stages.String(),
		State:     string(run.State),
		CreatedAt: run.CreatedAt,
	})
}
