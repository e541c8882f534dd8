package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCollaborationNormalize(t *testing.T) {
	norm := CollaborationConfig{StageRetries: -3}.Normalize()
	if norm.CheckpointStage != "creator" {
		t.Fatalf("expected default checkpoint stage creator, got %q", norm.CheckpointStage)
	}
	if norm.StageRetries != 0 {
		t.Fatalf("expected negative retries to clamp to 0, got %d", norm.StageRetries)
	}
	if norm.ReviewerTimeout != 45*time.Second || norm.ChunkSize != 400 || norm.Quality.Threshold != 7 {
		t.Fatalf("unexpected defaults %+v", norm)
	}
}

func TestCollaborationValidate(t *testing.T) {
	base := CollaborationConfig{}.Normalize()
	if err := base.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	bad := base
	bad.CheckpointStage = "synthesizer"
	if err := bad.Validate(); err == nil {
		t.Fatalf("synthesizer cannot be a checkpoint stage")
	}
	dup := base
	dup.Reviewers = []ReviewerConfig{{Name: "a", Backend: "x"}, {Name: "a", Backend: "y"}}
	if err := dup.Validate(); err == nil {
		t.Fatalf("duplicate reviewer names must be rejected")
	}
	noBackend := base
	noBackend.Reviewers = []ReviewerConfig{{Name: "a"}}
	if err := noBackend.Validate(); err == nil {
		t.Fatalf("reviewer without backend must be rejected")
	}
}

func TestLLMValidate(t *testing.T) {
	ok := LLMConfig{Providers: map[string]LLMProvider{
		"a": {Type: "openai"},
		"b": {Type: "openai_compatible", BaseURL: "http://localhost:11434/v1"},
	}}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid providers rejected: %v", err)
	}
	if names := ok.ProviderNames(); len(names) != 2 || names[0] != "a" {
		t.Fatalf("unexpected names %v", names)
	}
	if err := (LLMConfig{Providers: map[string]LLMProvider{"c": {Type: "openai_compatible"}}}).Validate(); err == nil {
		t.Fatalf("openai_compatible without base_url must be rejected")
	}
	if err := (LLMConfig{Providers: map[string]LLMProvider{"d": {Type: "cohere"}}}).Validate(); err == nil {
		t.Fatalf("unknown type must be rejected")
	}
}

func TestPostgresDSN(t *testing.T) {
	p := PostgresConfig{Host: "db", User: "u", Password: "p", DBName: "council"}
	if got := p.DSN(); got != "postgres://u:p@db:5432/council?sslmode=disable" {
		t.Fatalf("unexpected dsn %q", got)
	}
	if got := (PostgresConfig{URL: "postgres://x"}).DSN(); got != "postgres://x" {
		t.Fatalf("explicit url must win, got %q", got)
	}
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
  "llm": {"providers": {"alpha": {"type": "openai", "default_model": "m"}}},
  "collaboration": {"checkpoint_stage": "critic", "stage_timeout": "30s"},
  "storage": {"checkpoints": "memory"}
}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("COUNCIL_SERVER_ADDRESS", ":9999")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Collaboration.CheckpointStage != "critic" || cfg.Collaboration.StageTimeout != 30*time.Second {
		t.Fatalf("file values not applied: %+v", cfg.Collaboration)
	}
	if cfg.Server.Address != ":9999" {
		t.Fatalf("env override not applied: %q", cfg.Server.Address)
	}
	if cfg.Server.MaxQueryLength != 20000 || cfg.Storage.Redis.EventsStream != "council:events" {
		t.Fatalf("defaults not applied: %+v", cfg.Server)
	}
}

func TestLoadConfigRejectsUnknownCheckpointBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"storage": {"checkpoints": "etcd"}}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected error for unknown checkpoint backend")
	}
}
