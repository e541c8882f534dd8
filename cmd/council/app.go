package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/council/config"
	"github.com/mohammad-safakhou/council/internal/arbiter"
	"github.com/mohammad-safakhou/council/internal/archive"
	"github.com/mohammad-safakhou/council/internal/cache"
	"github.com/mohammad-safakhou/council/internal/collab"
	"github.com/mohammad-safakhou/council/internal/executor"
	"github.com/mohammad-safakhou/council/internal/llm"
	"github.com/mohammad-safakhou/council/internal/queue/streams"
	"github.com/mohammad-safakhou/council/internal/server"
	"github.com/mohammad-safakhou/council/internal/store"
	"github.com/mohammad-safakhou/council/internal/telemetry"
)

const eventsMaxLen = 100000

// app is the wired process: every optional store is nil when unconfigured.
type app struct {
	cfg        *config.Config
	logger     *log.Logger
	metrics    *telemetry.Metrics
	tele       *telemetry.Telemetry
	store      *store.Store
	redis      *redis.Client
	index      *archive.Index
	schemas    *streams.SchemaRegistry
	checkpoint *cache.Checkpoints
	controller *collab.Controller
}

// buildApp connects storage and builds the controller. dryRun swaps the
// configured backends for a scripted one and keeps everything in memory.
func buildApp(ctx context.Context, cfg *config.Config, dryRun bool) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  log.New(os.Stdout, "[COUNCIL] ", log.LstdFlags),
		metrics: telemetry.Default(),
	}
	tele, _, err := telemetry.Setup(ctx, cfg.Telemetry, telemetry.Options{ServiceVersion: version})
	if err != nil {
		return nil, err
	}
	a.tele = tele

	reg, err := backends(cfg, dryRun)
	if err != nil {
		a.Close()
		return nil, err
	}
	caller := llm.NewCaller(reg, llm.WithObserver(func(o llm.Observation) {
		a.metrics.ObserveCall(o.Backend, string(o.Kind), o.Latency)
	}))
	deps := collab.Dependencies{
		Caller:  caller,
		Catalog: reg,
		Arbiter: arbiter.New(cfg.Arbitration.SourceAdjustments, cfg.Arbitration.Authority),
		Metrics: a.metrics,
	}

	if !dryRun {
		if err := a.connect(ctx, &deps); err != nil {
			a.Close()
			return nil, err
		}
	}
	if cfg.Archive.Enabled {
		if cfg.Archive.IndexPath == "" || dryRun {
			a.index, err = archive.NewMemOnly()
		} else {
			a.index, err = archive.Open(cfg.Archive.IndexPath)
		}
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("archive index: %w", err)
		}
	}

	var archivers collab.Archivers
	if a.store != nil {
		sqlArchive := collab.NewSQLArchive(a.store)
		archivers = append(archivers, sqlArchive)
		deps.Lookup = sqlArchive
	}
	if a.index != nil {
		archivers = append(archivers, collab.NewIndexArchive(a.index))
	}
	if len(archivers) > 0 {
		deps.Archiver = archivers
	}

	creds := collab.ChainCredentials{}
	if a.store != nil {
		creds = append(creds, a.store)
	}
	deps.Credentials = append(creds, collab.StaticCredentialsFromRegistry(reg))

	a.controller, err = collab.New(cfg.Collaboration, deps)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) connect(ctx context.Context, deps *collab.Dependencies) error {
	cfg := a.cfg
	var finals collab.FinalWriter
	if cfg.Storage.Postgres.Enabled() {
		dsn := cfg.Storage.Postgres.DSN()
		if cfg.Server.AutoMigrate {
			if err := server.Migrate(cfg.Server.MigrationsDir, dsn, "up", 0); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
		st, err := store.NewWithDSN(ctx, dsn)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		a.store = st
		if cfg.Vault.SecretKey != "" {
			v, err := store.NewVault(cfg.Vault.SecretKey)
			if err != nil {
				return fmt.Errorf("vault: %w", err)
			}
			st.SetVault(v)
		}
		deps.History = st
		deps.Attempts = executor.NewStoreCheckpointManager(st)
		finals = st
	}
	if cfg.Storage.Redis.Enabled() {
		rdb, err := cache.Conn(ctx, cfg.Storage.Redis)
		if err != nil {
			return err
		}
		a.redis = rdb
		a.checkpoint = cache.NewCheckpoints(rdb, cfg.Storage.Redis.CheckpointTTL)
		a.schemas = streams.NewSchemaRegistry()
		if err := streams.RegisterBaseSchemas(a.schemas); err != nil {
			return err
		}
		if cfg.Storage.Redis.EventsStream != "" {
			deps.Broadcast = streams.NewSink(streams.NewPublisher(rdb, a.schemas), cfg.Storage.Redis.EventsStream, eventsMaxLen)
		}
	}

	switch cfg.Storage.Checkpoints {
	case "postgres":
		if a.store == nil {
			return errors.New("storage.checkpoints is postgres but storage.postgres is not configured")
		}
		deps.Persistence = collab.NewDurable(a.store, finals)
	case "redis":
		if a.checkpoint == nil {
			return errors.New("storage.checkpoints is redis but storage.redis is not configured")
		}
		deps.Persistence = collab.NewDurable(a.checkpoint, finals)
	}
	return nil
}

// backends builds the backend registry from configuration, or a single
// scripted backend for dry runs.
func backends(cfg *config.Config, dryRun bool) (*llm.Registry, error) {
	if !dryRun {
		return llm.NewRegistryFromConfig(cfg.LLM)
	}
	reg := llm.NewRegistry()
	reg.Register(dryRunBackend(), llm.BackendInfo{Type: "scripted", DefaultModel: "dry-run", APIKey: "dry-run"})
	return reg, nil
}

func (a *app) Close() {
	if a.index != nil {
		_ = a.index.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.tele != nil {
		_ = a.tele.Shutdown(context.Background())
	}
}
