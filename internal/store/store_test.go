package store

import (
	"context"
	"encoding/hex"
	"regexp"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func TestPutCheckpoint(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	payload := []byte(`{"run_id":"run-1","pause_stage":"creator"}`)

	query := regexp.QuoteMeta(`
INSERT INTO collab_checkpoints (run_id, payload, updated_at)
VALUES ($1,$2,NOW())
ON CONFLICT (run_id) DO UPDATE SET
  payload    = EXCLUDED.payload,
  updated_at = NOW();
`)
	mock.ExpectExec(query).WithArgs("run-1", payload).WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.PutCheckpoint(context.Background(), "run-1", payload); err != nil {
		t.Fatalf("PutCheckpoint: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPutCheckpointRequiresRunID(t *testing.T) {
	st := &Store{}
	if err := st.PutCheckpoint(context.Background(), "", nil); err == nil {
		t.Fatalf("expected error for empty run id")
	}
}

func TestGetCheckpoint(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	query := regexp.QuoteMeta(`SELECT payload FROM collab_checkpoints WHERE run_id = $1`)
	mock.ExpectQuery(query).WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow([]byte(`{"run_id":"run-1"}`)))
	mock.ExpectQuery(query).WithArgs("run-2").
		WillReturnRows(sqlmock.NewRows([]string{"payload"}))

	got, ok, err := st.GetCheckpoint(context.Background(), "run-1")
	if err != nil || !ok {
		t.Fatalf("GetCheckpoint: ok=%v err=%v", ok, err)
	}
	if string(got) != `{"run_id":"run-1"}` {
		t.Fatalf("unexpected payload %s", got)
	}
	_, ok, err = st.GetCheckpoint(context.Background(), "run-2")
	if err != nil || ok {
		t.Fatalf("missing checkpoint: ok=%v err=%v", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDeleteCheckpoint(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM collab_checkpoints WHERE run_id = $1`)).
		WithArgs("run-1").WillReturnResult(sqlmock.NewResult(0, 1))
	if err := st.DeleteCheckpoint(context.Background(), "run-1"); err != nil {
		t.Fatalf("DeleteCheckpoint: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSaveFinal(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	rec := FinalRecord{RunID: "run-1", Org: "acme", Text: "final", Label: "original"}
	query := regexp.QuoteMeta(`
INSERT INTO collab_finals (run_id, org_id, text, label, degraded, quality)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (run_id) DO NOTHING`)
	mock.ExpectExec(query).
		WithArgs("run-1", "acme", "final", "original", false, []byte("{}")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.SaveFinal(context.Background(), rec); err != nil {
		t.Fatalf("SaveFinal: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestArchiveAndGetRun(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	done := created.Add(time.Minute)
	rec := RunRecord{ID: "run-1", Org: "acme", Query: "q", Mode: "auto", State: "success",
		Snapshot: []byte(`{"id":"run-1"}`), CreatedAt: created, CompletedAt: &done}

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO collab_runs (id, org_id, thread_id, query, mode, state, snapshot, created_at, completed_at)`)).
		WithArgs("run-1", "acme", nil, "q", "auto", "success", []byte(`{"id":"run-1"}`), created, &done).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rows := sqlmock.NewRows([]string{"id", "org_id", "thread_id", "query", "mode", "state", "snapshot", "created_at", "completed_at"}).
		AddRow("run-1", "acme", nil, "q", "auto", "success", []byte(`{"id":"run-1"}`), created, done)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM collab_runs WHERE id = $1`)).WithArgs("run-1").WillReturnRows(rows)

	if err := st.ArchiveRun(context.Background(), rec); err != nil {
		t.Fatalf("ArchiveRun: %v", err)
	}
	got, ok, err := st.GetRun(context.Background(), "run-1")
	if err != nil || !ok {
		t.Fatalf("GetRun: ok=%v err=%v", ok, err)
	}
	if got.State != "success" || got.ThreadID != "" || got.CompletedAt == nil {
		t.Fatalf("unexpected record %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRecordStageAttempt(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO stage_attempts (run_id, stage, attempt, status, error)`)).
		WithArgs("run-1", "critic", 1, AttemptStatusFailed, "rate_limited").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = st.RecordStageAttempt(context.Background(), StageAttempt{RunID: "run-1", Stage: "critic", Attempt: 1, Status: AttemptStatusFailed, Error: "rate_limited"})
	if err != nil {
		t.Fatalf("RecordStageAttempt: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetRecentOrdersOldestFirst(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	rows := sqlmock.NewRows([]string{"role", "content"}).
		AddRow("user", "first").
		AddRow("assistant", "second")
	mock.ExpectQuery(regexp.QuoteMeta(`FROM thread_messages`)).WithArgs("thread-1", 5).WillReturnRows(rows)

	msgs, err := st.GetRecent(context.Background(), "thread-1", 5)
	if err != nil {
		t.Fatalf("GetRecent: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Content != "first" || msgs[1].Role != "assistant" {
		t.Fatalf("unexpected history %+v", msgs)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}

	none, err := st.GetRecent(context.Background(), "", 5)
	if err != nil || none != nil {
		t.Fatalf("empty thread must return nothing")
	}
}

func TestVaultRoundTrip(t *testing.T) {
	v, err := NewVault(hex.EncodeToString([]byte(strings.Repeat("k", 32))))
	if err != nil {
		t.Fatalf("NewVault: %v", err)
	}
	sealed, err := v.Seal([]byte("sk-secret"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if strings.Contains(string(sealed), "sk-secret") {
		t.Fatalf("sealed value leaks plaintext")
	}
	plain, err := v.Open(sealed)
	if err != nil || string(plain) != "sk-secret" {
		t.Fatalf("Open: %q %v", plain, err)
	}
	sealed[len(sealed)-1] ^= 0xff
	if _, err := v.Open(sealed); err == nil {
		t.Fatalf("tampered value must fail")
	}
	if _, err := NewVault("abcd"); err == nil {
		t.Fatalf("short key must be rejected")
	}
}

func TestProviderKeys(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	v, err := NewVault(hex.EncodeToString([]byte(strings.Repeat("v", 32))))
	if err != nil {
		t.Fatalf("NewVault: %v", err)
	}
	st := &Store{DB: db}
	if err := st.PutProviderKey(context.Background(), "acme", "openai", "x"); err != ErrVaultNotConfigured {
		t.Fatalf("expected ErrVaultNotConfigured, got %v", err)
	}
	st.SetVault(v)

	sealed, _ := v.Seal([]byte("sk-live"))
	query := regexp.QuoteMeta(`SELECT sealed_key FROM provider_keys WHERE org_id=$1 AND provider=$2`)
	mock.ExpectQuery(query).WithArgs("acme", "openai").
		WillReturnRows(sqlmock.NewRows([]string{"sealed_key"}).AddRow(sealed))
	mock.ExpectQuery(query).WithArgs("acme", "anthropic").
		WillReturnRows(sqlmock.NewRows([]string{"sealed_key"}))

	key, ok, err := st.GetKey(context.Background(), "acme", "openai")
	if err != nil || !ok || key != "sk-live" {
		t.Fatalf("GetKey: %q ok=%v err=%v", key, ok, err)
	}
	_, ok, err = st.GetKey(context.Background(), "acme", "anthropic")
	if err != nil || ok {
		t.Fatalf("missing key: ok=%v err=%v", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
