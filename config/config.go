package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the council service
type Config struct {
	General       GeneralConfig       `mapstructure:"general"`
	Server        ServerConfig        `mapstructure:"server"`
	LLM           LLMConfig           `mapstructure:"llm"`
	Collaboration CollaborationConfig `mapstructure:"collaboration"`
	Arbitration   ArbitrationConfig   `mapstructure:"arbitration"`
	Telemetry     TelemetryConfig     `mapstructure:"telemetry"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Vault         VaultConfig         `mapstructure:"vault"`
	Archive       ArchiveConfig       `mapstructure:"archive"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug     bool   `mapstructure:"debug"`
	LogLevel  string `mapstructure:"log_level"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Address        string `mapstructure:"address"`
	JWTSecret      string `mapstructure:"jwt_secret"`
	StreamEnabled  bool   `mapstructure:"stream_enabled"`
	MaxQueryLength int    `mapstructure:"max_query_length"`
	AutoMigrate    bool   `mapstructure:"auto_migrate"`
	MigrationsDir  string `mapstructure:"migrations_dir"`
}

// LLMConfig lists every backend the model caller can reach.
type LLMConfig struct {
	Providers map[string]LLMProvider `mapstructure:"providers"`
}

// LLMProvider represents a single backend configuration
type LLMProvider struct {
	Type         string              `mapstructure:"type"` // openai, anthropic, openai_compatible
	APIKey       string              `mapstructure:"api_key"`
	BaseURL      string              `mapstructure:"base_url"`
	DefaultModel string              `mapstructure:"default_model"`
	Models       map[string]LLMModel `mapstructure:"models"`
	MaxRetries   int                 `mapstructure:"max_retries"`
	Timeout      time.Duration       `mapstructure:"timeout"`
}

// LLMModel represents a specific model configuration
type LLMModel struct {
	Name            string  `mapstructure:"name"`
	APIName         string  `mapstructure:"api_name"`
	MaxTokens       int     `mapstructure:"max_tokens"`
	Temperature     float64 `mapstructure:"temperature"`
	CostPer1K       float64 `mapstructure:"cost_per_1k_input"`
	CostPer1KOutput float64 `mapstructure:"cost_per_1k_output"`
}

// Validate checks that every provider names a supported type.
func (c LLMConfig) Validate() error {
	for name, p := range c.Providers {
		switch strings.ToLower(strings.TrimSpace(p.Type)) {
		case "openai", "openai_compatible", "anthropic":
		default:
			return fmt.Errorf("llm.providers.%s.type %q unsupported", name, p.Type)
		}
		if strings.ToLower(p.Type) == "openai_compatible" && strings.TrimSpace(p.BaseURL) == "" {
			return fmt.Errorf("llm.providers.%s.base_url required for openai_compatible", name)
		}
	}
	return nil
}

// ProviderNames returns configured backend names in a stable order.
func (c LLMConfig) ProviderNames() []string {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StageAssignment pins a pipeline role to a backend/model pair.
type StageAssignment struct {
	Backend string `mapstructure:"backend"`
	Model   string `mapstructure:"model"`
}

// ReviewerConfig describes one external reviewer in the council fan-out.
type ReviewerConfig struct {
	Name    string `mapstructure:"name"`
	Backend string `mapstructure:"backend"`
	Model   string `mapstructure:"model"`
}

// QualityConfig controls the final quality gate.
type QualityConfig struct {
	Threshold    float64 `mapstructure:"threshold"`
	JudgeBackend string  `mapstructure:"judge_backend"`
	JudgeModel   string  `mapstructure:"judge_model"`
	Disabled     bool    `mapstructure:"disabled"`
}

// CollaborationConfig drives the staged pipeline.
type CollaborationConfig struct {
	Stages          map[string]StageAssignment `mapstructure:"stages"`
	CheckpointStage string                     `mapstructure:"checkpoint_stage"`
	Reviewers       []ReviewerConfig           `mapstructure:"reviewers"`
	ReviewerTimeout time.Duration              `mapstructure:"reviewer_timeout"`
	MaxParallel     int                        `mapstructure:"max_parallel_reviewers"`
	StageTimeout    time.Duration              `mapstructure:"stage_timeout"`
	StageRetries    int                        `mapstructure:"stage_retries"`
	RetryDelay      time.Duration              `mapstructure:"retry_delay"`
	CompressLimit   int                        `mapstructure:"compress_limit"`
	ChunkSize       int                        `mapstructure:"chunk_size"`
	HistoryLimit    int                        `mapstructure:"history_limit"`
	RunRetention    time.Duration              `mapstructure:"run_retention"`
	Quality         QualityConfig              `mapstructure:"quality"`
}

// Normalize applies defaults for unset collaboration values.
func (c CollaborationConfig) Normalize() CollaborationConfig {
	if strings.TrimSpace(c.CheckpointStage) == "" {
		c.CheckpointStage = "creator"
	}
	if c.ReviewerTimeout <= 0 {
		c.ReviewerTimeout = 45 * time.Second
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = 8
	}
	if c.StageTimeout <= 0 {
		c.StageTimeout = 2 * time.Minute
	}
	if c.StageRetries < 0 {
		c.StageRetries = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 500 * time.Millisecond
	}
	if c.CompressLimit <= 0 {
		c.CompressLimit = 6000
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 400
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 10
	}
	if c.RunRetention <= 0 {
		c.RunRetention = time.Hour
	}
	if c.Quality.Threshold <= 0 {
		c.Quality.Threshold = 7
	}
	return c
}

// Validate checks the collaboration configuration.
func (c CollaborationConfig) Validate() error {
	switch c.CheckpointStage {
	case "analyst", "researcher", "creator", "critic":
	default:
		return fmt.Errorf("collaboration.checkpoint_stage %q must be one of analyst, researcher, creator, critic", c.CheckpointStage)
	}
	seen := make(map[string]struct{}, len(c.Reviewers))
	for i, r := range c.Reviewers {
		if strings.TrimSpace(r.Name) == "" {
			return fmt.Errorf("collaboration.reviewers[%d].name required", i)
		}
		if _, ok := seen[r.Name]; ok {
			return fmt.Errorf("collaboration.reviewers[%d].name %q duplicated", i, r.Name)
		}
		seen[r.Name] = struct{}{}
		if strings.TrimSpace(r.Backend) == "" {
			return fmt.Errorf("collaboration.reviewers[%d].backend required", i)
		}
	}
	if c.Quality.Threshold > 10 {
		return fmt.Errorf("collaboration.quality.threshold must be <= 10")
	}
	return nil
}

// ArbitrationConfig overrides the static arbitration tables.
type ArbitrationConfig struct {
	SourceAdjustments map[string]float64            `mapstructure:"source_adjustments"`
	Authority         map[string]map[string]float64 `mapstructure:"authority"`
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	// Checkpoints selects the checkpoint backend: postgres, redis or memory.
	Checkpoints string `mapstructure:"checkpoints"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host          string        `mapstructure:"host"`
	Port          string        `mapstructure:"port"`
	Password      string        `mapstructure:"password"`
	DB            int           `mapstructure:"db"`
	Timeout       time.Duration `mapstructure:"timeout"`
	CheckpointTTL time.Duration `mapstructure:"checkpoint_ttl"`
	EventsStream  string        `mapstructure:"events_stream"`
}

// Enabled reports whether a Redis endpoint is configured.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.Host) != ""
}

func (r RedisConfig) Validate() error {
	if !r.Enabled() {
		return nil
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// Addr returns host:port for the Redis client.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Enabled reports whether Postgres is configured either by URL or host/dbname.
func (p PostgresConfig) Enabled() bool {
	return strings.TrimSpace(p.URL) != "" || strings.TrimSpace(p.Host) != ""
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" || !p.Enabled() {
		return nil
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN builds the connection string, preferring an explicit URL.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

// VaultConfig holds the key used to open stored provider secrets.
type VaultConfig struct {
	// SecretKey is a 32 byte key, hex encoded.
	SecretKey string `mapstructure:"secret_key"`
}

// ArchiveConfig controls the full-text archive of finished runs.
type ArchiveConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	IndexPath string `mapstructure:"index_path"` // empty means in-memory
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":10001")
	v.SetDefault("server.stream_enabled", true)
	v.SetDefault("server.max_query_length", 20000)
	v.SetDefault("server.migrations_dir", "file://migrations")
	v.SetDefault("collaboration.checkpoint_stage", "creator")
	v.SetDefault("collaboration.reviewer_timeout", "45s")
	v.SetDefault("collaboration.stage_timeout", "2m")
	v.SetDefault("collaboration.stage_retries", 1)
	v.SetDefault("collaboration.retry_delay", "500ms")
	v.SetDefault("collaboration.compress_limit", 6000)
	v.SetDefault("collaboration.chunk_size", 400)
	v.SetDefault("collaboration.history_limit", 10)
	v.SetDefault("collaboration.run_retention", "1h")
	v.SetDefault("collaboration.quality.threshold", 7)
	v.SetDefault("storage.checkpoints", "memory")
	v.SetDefault("storage.redis.port", "6379")
	v.SetDefault("storage.redis.checkpoint_ttl", "72h")
	v.SetDefault("storage.redis.events_stream", "council:events")
	v.SetDefault("telemetry.service_name", "council")
	v.SetDefault("archive.enabled", true)
}

// LoadConfig loads config from file, falling back to defaults and COUNCIL_* env vars.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("json")
	setDefaults(v)

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		v.AddConfigPath(exeDir)
		v.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("COUNCIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Collaboration = cfg.Collaboration.Normalize()

	for _, validate := range []func() error{
		cfg.LLM.Validate,
		cfg.Collaboration.Validate,
		cfg.Storage.Redis.Validate,
		cfg.Storage.Postgres.Validate,
	} {
		if err := validate(); err != nil {
			return nil, err
		}
	}
	switch cfg.Storage.Checkpoints {
	case "memory", "postgres", "redis":
	default:
		return nil, fmt.Errorf("storage.checkpoints %q must be memory, postgres or redis", cfg.Storage.Checkpoints)
	}
	return &cfg, nil
}

// MustLoadConfig is LoadConfig for binaries that cannot start without configuration.
func MustLoadConfig(path string) *Config {
	cfg, err := LoadConfig(path)
	if err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	return cfg
}
