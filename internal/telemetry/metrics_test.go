package telemetry

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestMetricsExposed(t *testing.T) {
	m := NewMetrics()
	m.ObserveStage("creator", "success", 2*time.Second)
	m.CountReview("fallback")
	m.CountGate("failed")
	m.CountRun("success")
	m.CountConflict("numeric")
	m.ObserveCall("openai", "", 300*time.Millisecond)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{
		`council_stage_duration_seconds_count{role="creator",status="success"} 1`,
		`council_reviews_total{outcome="fallback"} 1`,
		`council_quality_gate_total{result="failed"} 1`,
		`council_runs_total{outcome="success"} 1`,
		`council_conflicts_total{type="numeric"} 1`,
		`council_llm_calls_total{backend="openai",kind="ok"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("missing %q in scrape output", want)
		}
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveStage("a", "b", time.Second)
	m.CountReview("x")
	m.CountGate("x")
	m.CountRun("x")
	m.CountConflict("x")
	m.ObserveCall("b", "timeout", time.Second)
	if m.Registry() != nil {
		t.Fatalf("nil metrics has no registry")
	}
}
