// Package app builds the dependency graph shared by the server, the worker and
// the CLI.
package app

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/dharsanguruparan/ScribeDrop/internal/api"
	"github.com/dharsanguruparan/ScribeDrop/internal/config"
	"github.com/dharsanguruparan/ScribeDrop/internal/corrections"
	"github.com/dharsanguruparan/ScribeDrop/internal/database"
	"github.com/dharsanguruparan/ScribeDrop/internal/engine"
	"github.com/dharsanguruparan/ScribeDrop/internal/events"
	"github.com/dharsanguruparan/ScribeDrop/internal/jobs"
	"github.com/dharsanguruparan/ScribeDrop/internal/lock"
	"github.com/dharsanguruparan/ScribeDrop/internal/logging"
	"github.com/dharsanguruparan/ScribeDrop/internal/metrics"
	"github.com/dharsanguruparan/ScribeDrop/internal/pipeline"
	"github.com/dharsanguruparan/ScribeDrop/internal/processing"
	"github.com/dharsanguruparan/ScribeDrop/internal/queue"
	"github.com/dharsanguruparan/ScribeDrop/internal/repository"
	"github.com/dharsanguruparan/ScribeDrop/internal/s3storage"
	"github.com/dharsanguruparan/ScribeDrop/internal/signing"
	"github.com/dharsanguruparan/ScribeDrop/internal/storage"
	"github.com/dharsanguruparan/ScribeDrop/internal/watchdog"
)

// Engine is a transcriber that can report its health.
type Engine interface {
	pipeline.Transcriber
	Ping(ctx context.Context) (int, []byte, error)
}

// RuleStore reads and writes correction rules.
type RuleStore interface {
	ListRules(ctx context.Context, doctorID string) ([]corrections.Rule, error)
	AddRule(ctx context.Context, doctorID string, rule corrections.Rule) error
}

// store is the union of the job-row operations every consumer needs.
type store interface {
	jobs.JobStore
	pipeline.JobStore
	watchdog.JobStore
}

// blobStore is the union of the blob operations every consumer needs.
type blobStore interface {
	jobs.BlobStore
	pipeline.BlobStore
}

// App holds the wired components for one process.
type App struct {
	Config   *config.Config
	Jobs     *jobs.Service
	Pipeline *pipeline.Orchestrator
	Watchdog *watchdog.Watchdog
	Engine   Engine
	Rules    RuleStore

	// Queue is the asynq-backed queue for the postgres backend and the
	// in-process pool for the memory backend.
	Queue api.Enqueuer
	// Blobs is set only for the memory backend, whose signed links the API
	// serves itself.
	Blobs api.SignedBlobs

	local   *processing.Processor
	closers []func()
	log     zerolog.Logger
}

// New connects every backend named by cfg.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg, log: logging.WithComponent("app")}

	eng, err := newEngine(cfg)
	if err != nil {
		return nil, err
	}
	a.Engine = eng

	var (
		jobStore  store
		blobs     blobStore
		audit     jobs.ExportAudit
		locker    pipeline.Locker
		publisher = events.New(events.Config{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic})
	)
	a.closers = append(a.closers, func() { _ = publisher.Close() })

	switch cfg.Backend {
	case config.BackendMemory:
		memBlobs := storage.NewMemoryBlobStore(signing.NewSigner(cfg.SigningSecret), cfg.PublicBaseURL)
		rules := storage.NewMemoryRules()
		jobStore = storage.NewMemoryJobStore()
		blobs = memBlobs
		audit = storage.NewMemoryExports()
		locker = lock.NewMemoryLocker()
		a.Rules = rules
		a.Blobs = memBlobs
	case config.BackendPostgres:
		pool, err := a.connectPostgres(ctx, cfg)
		if err != nil {
			a.Close()
			return nil, err
		}
		caps, err := database.DetectCapabilities(ctx, pool, cfg.SchemaExtended)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("detect schema: %w", err)
		}
		jobStore = repository.NewJobRepository(pool, caps)
		audit = repository.NewExportRepository(pool)
		a.Rules = repository.NewCorrectionRepository(pool)

		objects, err := s3storage.New(cfg)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init storage: %w", err)
		}
		if err := objects.EnsureBuckets(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("ensure buckets: %w", err)
		}
		blobs = objects

		client, err := lock.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		locker = lock.NewRedisLocker(client)

		asynqClient := asynq.NewClient(RedisOpt(cfg))
		a.closers = append(a.closers, func() { _ = asynqClient.Close() })
		inspector := asynq.NewInspector(RedisOpt(cfg))
		a.closers = append(a.closers, func() { _ = inspector.Close() })
		a.Queue = queue.NewProcessQueue(asynqClient, inspector)
	default:
		a.Close()
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}

	a.Jobs = jobs.NewService(jobStore, blobs, audit, publisher)
	a.Pipeline = pipeline.New(pipeline.Config{
		Language:  cfg.Language,
		SignedTTL: cfg.SignedURLTTL,
		LockTTL:   cfg.LockTTL,
	}, pipeline.Deps{
		Jobs:      jobStore,
		Blobs:     blobs,
		Engine:    eng,
		Rules:     a.Rules,
		Locker:    locker,
		Publisher: publisher,
		Metrics:   metrics.DefaultMetrics,
	})
	a.Watchdog = watchdog.New(jobStore)
	if a.Queue == nil {
		a.local = processing.New(a.Pipeline, cfg.Workers)
		a.Queue = a.local
	}
	a.log.Info().
		Str("backend", string(cfg.Backend)).
		Str("engine", cfg.Engine).
		Bool("kafka", len(cfg.KafkaBrokers) > 0).
		Msg("dependencies ready")
	return a, nil
}

func (a *App) connectPostgres(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	a.closers = append(a.closers, pool.Close)
	if err := database.EnsureSchema(ctx, pool); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return pool, nil
}

func newEngine(cfg *config.Config) (Engine, error) {
	if cfg.Engine == config.EngineMock {
		return engine.NewMock(cfg.Environment)
	}
	return engine.New(engine.Config{
		BaseURL:       cfg.EngineBaseURL,
		Timeout:       cfg.EngineTimeout,
		MaxAudioBytes: cfg.MaxFileSize,
		Metrics:       metrics.DefaultMetrics,
	}), nil
}

// RedisOpt is the asynq connection for cfg.
func RedisOpt(cfg *config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
}

// StartLocal starts the in-process pool when one is in use.
func (a *App) StartLocal(ctx context.Context) {
	if a.local != nil {
		a.local.Start(ctx)
	}
}

// APIDeps returns the collaborators for api.New.
func (a *App) APIDeps() api.Deps {
	return api.Deps{
		Jobs:     a.Jobs,
		Pipeline: a.Pipeline,
		Watchdog: a.Watchdog,
		Engine:   a.Engine,
		Queue:    a.Queue,
		Blobs:    a.Blobs,
	}
}

// Close drains background work and releases connections in reverse order.
func (a *App) Close() {
	if a.local != nil {
		a.local.Wait()
	}
	if a.Jobs != nil {
		a.Jobs.Wait()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
