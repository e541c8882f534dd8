package server

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/council/config"
	"github.com/mohammad-safakhou/council/internal/archive"
	"github.com/mohammad-safakhou/council/internal/collab"
	"github.com/mohammad-safakhou/council/internal/llm"
	"github.com/mohammad-safakhou/council/internal/telemetry"
)

var quiet = log.New(io.Discard, "", 0)

func agreeingBackend(name string) *llm.ScriptedBackend {
	return llm.NewScriptedBackend(name, func(ctx context.Context, req llm.Request) (string, error) {
		if req.Schema != nil {
			return `{"substance":9,"completeness":9,"depth":9,"accuracy":9,"missing_content":""}`, nil
		}
		return "STANCE: agree\nA short answer about the request.", nil
	})
}

func newController(t *testing.T, archiver collab.Archiver) *collab.Controller {
	t.Helper()
	reg := llm.NewRegistry()
	b := agreeingBackend("alpha")
	reg.Register(b, llm.BackendInfo{DefaultModel: "alpha-m", APIKey: "k"})
	caller := llm.NewCaller(reg, llm.WithLogger(quiet))
	ctrl, err := collab.New(config.CollaborationConfig{
		RetryDelay:      time.Millisecond,
		StageTimeout:    5 * time.Second,
		ReviewerTimeout: 5 * time.Second,
		Reviewers:       []config.ReviewerConfig{{Name: "r1", Backend: "alpha"}},
	}, collab.Dependencies{
		Caller:      caller,
		Catalog:     reg,
		Credentials: collab.StaticCredentialsFromRegistry(reg),
		Archiver:    archiver,
		Logger:      quiet,
	})
	if err != nil {
		t.Fatalf("controller: %v", err)
	}
	return ctrl
}

func newTestServer(t *testing.T, ctrl *collab.Controller, idx *archive.Index) *echo.Echo {
	t.Helper()
	e, err := New(Options{
		Config:     config.ServerConfig{StreamEnabled: true, MaxQueryLength: 200},
		Controller: ctrl,
		Index:      idx,
		Metrics:    telemetry.NewMetrics(),
		Logger:     quiet,
	})
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	return e
}

func do(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeRun(t *testing.T, rec *httptest.ResponseRecorder) collab.Run {
	t.Helper()
	var run collab.Run
	if err := json.Unmarshal(rec.Body.Bytes(), &run); err != nil {
		t.Fatalf("decode run: %v (%s)", err, rec.Body.String())
	}
	return run
}

func TestHealthAndMetrics(t *testing.T) {
	e := newTestServer(t, newController(t, nil), nil)
	if rec := do(e, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz: %d %q", rec.Code, rec.Body.String())
	}
	if rec := do(e, http.MethodGet, "/metrics", ""); rec.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rec.Code)
	}
	if rec := do(e, http.MethodGet, "/api/openapi.yaml", ""); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "/api/collab/runs") {
		t.Fatalf("openapi: %d", rec.Code)
	}
}

func TestBeginStreamsEvents(t *testing.T) {
	e := newTestServer(t, newController(t, nil), nil)
	rec := do(e, http.MethodPost, "/api/collab/runs", `{"query":"Explain raft"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	body := rec.Body.String()
	for _, want := range []string{"event: stage_start", "event: council_progress", "event: final_chunk", "event: done"} {
		if !strings.Contains(body, want) {
			t.Fatalf("stream missing %q:\n%s", want, body)
		}
	}
	if strings.Index(body, "event: done") < strings.Index(body, "event: final_chunk") {
		t.Fatalf("done must follow the final chunks")
	}
}

func TestBeginValidation(t *testing.T) {
	e := newTestServer(t, newController(t, nil), nil)
	cases := map[string]string{
		"empty":    `{"query":"   "}`,
		"too long": `{"query":"` + strings.Repeat("x", 201) + `"}`,
		"mode":     `{"query":"q","mode":"sometimes"}`,
	}
	for name, body := range cases {
		rec := do(e, http.MethodPost, "/api/collab/runs", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400 got %d", name, rec.Code)
		}
		var he HTTPError
		if err := json.Unmarshal(rec.Body.Bytes(), &he); err != nil || he.Error == "" {
			t.Fatalf("%s: expected error envelope, got %s", name, rec.Body.String())
		}
	}
}

func TestManualRunOverHTTP(t *testing.T) {
	e := newTestServer(t, newController(t, nil), nil)
	rec := do(e, http.MethodPost, "/api/collab/runs?stream=false", `{"query":"Explain raft","mode":"manual"}`)
	run := decodeRun(t, rec)
	if run.State != collab.StatePaused {
		t.Fatalf("expected paused, got %s", run.State)
	}

	if rec := do(e, http.MethodPost, "/api/collab/runs/"+run.ID+"/resume", `{"decision":"edit"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("edit without text: expected 400 got %d", rec.Code)
	}
	rec = do(e, http.MethodPost, "/api/collab/runs/"+run.ID+"/resume?stream=false", `{"decision":"accept"}`)
	done := decodeRun(t, rec)
	if done.State != collab.StateSuccess || done.Final == nil {
		t.Fatalf("expected success with final, got %+v", done)
	}
	if rec := do(e, http.MethodPost, "/api/collab/runs/"+run.ID+"/resume", `{"decision":"accept"}`); rec.Code != http.StatusConflict {
		t.Fatalf("second resume: expected 409 got %d", rec.Code)
	}
	if rec := do(e, http.MethodPost, "/api/collab/runs/"+run.ID+"/cancel", ""); rec.Code != http.StatusConflict {
		t.Fatalf("cancel after success: expected 409 got %d", rec.Code)
	}

	rec = do(e, http.MethodGet, "/api/collab/runs/"+run.ID, "")
	if got := decodeRun(t, rec); got.State != collab.StateSuccess {
		t.Fatalf("get: %+v", got)
	}
}

func TestCancelPausedRun(t *testing.T) {
	e := newTestServer(t, newController(t, nil), nil)
	run := decodeRun(t, do(e, http.MethodPost, "/api/collab/runs?stream=false", `{"query":"q","mode":"manual"}`))
	rec := do(e, http.MethodPost, "/api/collab/runs/"+run.ID+"/cancel", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 got %d: %s", rec.Code, rec.Body.String())
	}
	got := decodeRun(t, do(e, http.MethodGet, "/api/collab/runs/"+run.ID, ""))
	if got.State != collab.StateCancelled {
		t.Fatalf("expected cancelled, got %s", got.State)
	}
	if rec := do(e, http.MethodPost, "/api/collab/runs/missing/cancel", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown run: expected 404 got %d", rec.Code)
	}
}

func TestGetHidesOtherOrganisations(t *testing.T) {
	ctrl := newController(t, nil)
	run, err := ctrl.Begin(context.Background(), collab.BeginRequest{Org: "acme", Query: "q"}, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	e := newTestServer(t, ctrl, nil)
	if rec := do(e, http.MethodGet, "/api/collab/runs/"+run.ID, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign run, got %d", rec.Code)
	}
}

func TestSearchArchive(t *testing.T) {
	idx, err := archive.NewMemOnly()
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	defer idx.Close()

	e := newTestServer(t, newController(t, collab.NewIndexArchive(idx)), idx)
	run := decodeRun(t, do(e, http.MethodPost, "/api/collab/runs?stream=false", `{"query":"raft leader election"}`))
	if run.State != collab.StateSuccess {
		t.Fatalf("run: %s %s", run.State, run.Error)
	}

	rec := do(e, http.MethodGet, "/api/collab/search?q=raft", "")
	var hits []archive.Hit
	if err := json.Unmarshal(rec.Body.Bytes(), &hits); err != nil {
		t.Fatalf("decode hits: %v", err)
	}
	if len(hits) != 1 || hits[0].RunID != run.ID {
		t.Fatalf("unexpected hits %+v", hits)
	}
	if rec := do(e, http.MethodGet, "/api/collab/search", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("empty q: expected 400 got %d", rec.Code)
	}

	noIndex := newTestServer(t, newController(t, nil), nil)
	if rec := do(noIndex, http.MethodGet, "/api/collab/search?q=raft", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without index, got %d", rec.Code)
	}
}
