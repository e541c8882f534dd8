package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

type Store struct {
	DB *sql.DB

	vault *Vault
}

// Stage attempt statuses recorded by the step sequencer.
const (
	AttemptStatusStarted   = "started"
	AttemptStatusSucceeded = "succeeded"
	AttemptStatusFailed    = "failed"
)

// ErrVaultNotConfigured is returned by key operations when no secret key is set.
var ErrVaultNotConfigured = errors.New("provider key vault not configured")

// StageAttempt is one try of a pipeline stage.
type StageAttempt struct {
	RunID     string
	Stage     string
	Attempt   int
	Status    string
	Error     string
	CreatedAt time.Time
}

// FinalRecord is the released artifact of a run.
type FinalRecord struct {
	RunID     string
	Org       string
	Text      string
	Label     string
	Degraded  bool
	Quality   json.RawMessage
	CreatedAt time.Time
}

// RunRecord is an archived run snapshot.
type RunRecord struct {
	ID          string
	Org         string
	ThreadID    string
	Query       string
	Mode        string
	State       string
	Snapshot    json.RawMessage
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// NewWithDSN constructs the Store using an explicit Postgres DSN
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

// SetVault enables encrypted provider keys.
func (s *Store) SetVault(v *Vault) { s.vault = v }

// Close releases the connection pool.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// PutCheckpoint stores the serialized checkpoint of a paused run.
func (s *Store) PutCheckpoint(ctx context.Context, runID string, payload []byte) error {
	if runID == "" {
		return fmt.Errorf("run_id is required")
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO collab_checkpoints (run_id, payload, updated_at)
VALUES ($1,$2,NOW())
ON CONFLICT (run_id) DO UPDATE SET
  payload    = EXCLUDED.payload,
  updated_at = NOW();
`, runID, payload)
	return err
}

// GetCheckpoint loads a checkpoint. The bool indicates whether a record was found.
func (s *Store) GetCheckpoint(ctx context.Context, runID string) ([]byte, bool, error) {
	var payload []byte
	err := s.DB.QueryRowContext(ctx, `SELECT payload FROM collab_checkpoints WHERE run_id = $1`, runID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return payload, true, nil
}

// DeleteCheckpoint removes a checkpoint once its run is terminal.
func (s *Store) DeleteCheckpoint(ctx context.Context, runID string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM collab_checkpoints WHERE run_id = $1`, runID)
	return err
}

// RecordStageAttempt appends one attempt row.
func (s *Store) RecordStageAttempt(ctx context.Context, a StageAttempt) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO stage_attempts (run_id, stage, attempt, status, error)
VALUES ($1,$2,$3,$4,$5)`, a.RunID, a.Stage, a.Attempt, a.Status, a.Error)
	return err
}

// ListStageAttempts returns attempts of a run in insertion order.
func (s *Store) ListStageAttempts(ctx context.Context, runID string) ([]StageAttempt, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT run_id, stage, attempt, status, error, created_at
FROM stage_attempts WHERE run_id = $1 ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StageAttempt
	for rows.Next() {
		var a StageAttempt
		if err := rows.Scan(&a.RunID, &a.Stage, &a.Attempt, &a.Status, &a.Error, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SaveFinal persists the released artifact of a run.
func (s *Store) SaveFinal(ctx context.Context, rec FinalRecord) error {
	if rec.RunID == "" {
		return fmt.Errorf("run_id is required")
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO collab_finals (run_id, org_id, text, label, degraded, quality)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (run_id) DO NOTHING`, rec.RunID, rec.Org, rec.Text, rec.Label, rec.Degraded, defaultJSON(rec.Quality))
	return err
}

// GetFinal loads the released artifact of a run.
func (s *Store) GetFinal(ctx context.Context, runID string) (FinalRecord, bool, error) {
	var (
		rec     FinalRecord
		quality []byte
	)
	err := s.DB.QueryRowContext(ctx, `
SELECT run_id, org_id, text, label, degraded, quality, created_at
FROM collab_finals WHERE run_id = $1`, runID).
		Scan(&rec.RunID, &rec.Org, &rec.Text, &rec.Label, &rec.Degraded, &quality, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return FinalRecord{}, false, nil
		}
		return FinalRecord{}, false, err
	}
	rec.Quality = json.RawMessage(quality)
	return rec, true, nil
}

// ArchiveRun upserts the snapshot of a run that reached a terminal state.
func (s *Store) ArchiveRun(ctx context.Context, rec RunRecord) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO collab_runs (id, org_id, thread_id, query, mode, state, snapshot, created_at, completed_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (id) DO UPDATE SET
  state        = EXCLUDED.state,
  snapshot     = EXCLUDED.snapshot,
  completed_at = EXCLUDED.completed_at`,
		rec.ID, rec.Org, nullableString(rec.ThreadID), rec.Query, rec.Mode, rec.State, defaultJSON(rec.Snapshot), rec.CreatedAt, rec.CompletedAt)
	return err
}

// GetRun loads an archived run. The bool indicates whether a record was found.
func (s *Store) GetRun(ctx context.Context, id string) (RunRecord, bool, error) {
	var (
		rec      RunRecord
		thread   sql.NullString
		snapshot []byte
	)
	err := s.DB.QueryRowContext(ctx, `
SELECT id, org_id, thread_id, query, mode, state, snapshot, created_at, completed_at
FROM collab_runs WHERE id = $1`, id).
		Scan(&rec.ID, &rec.Org, &thread, &rec.Query, &rec.Mode, &rec.State, &snapshot, &rec.CreatedAt, &rec.CompletedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RunRecord{}, false, nil
		}
		return RunRecord{}, false, err
	}
	rec.ThreadID = thread.String
	rec.Snapshot = json.RawMessage(snapshot)
	return rec, true, nil
}

// ListRuns returns the most recent archived runs of an organisation.
func (s *Store) ListRuns(ctx context.Context, org string, limit int) ([]RunRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, org_id, thread_id, query, mode, state, created_at, completed_at
FROM collab_runs WHERE org_id = $1 ORDER BY created_at DESC LIMIT $2`, org, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RunRecord
	for rows.Next() {
		var (
			rec    RunRecord
			thread sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.Org, &thread, &rec.Query, &rec.Mode, &rec.State, &rec.CreatedAt, &rec.CompletedAt); err != nil {
			return nil, err
		}
		rec.ThreadID = thread.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func defaultJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("{}")
	}
	return raw
}
