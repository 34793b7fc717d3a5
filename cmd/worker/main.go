// Command worker consumes processing tasks and runs the scheduled watchdog.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"

	"github.com/dharsanguruparan/ScribeDrop/internal/app"
	"github.com/dharsanguruparan/ScribeDrop/internal/config"
	"github.com/dharsanguruparan/ScribeDrop/internal/logging"
	"github.com/dharsanguruparan/ScribeDrop/internal/queue"
	"github.com/dharsanguruparan/ScribeDrop/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if cfg.Backend != config.BackendPostgres {
		log.Fatal().Str("backend", string(cfg.Backend)).Msg("worker requires the postgres backend")
	}

	deps, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init dependencies")
	}
	defer deps.Close()

	redisOpt := app.RedisOpt(cfg)
	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.Workers,
	})
	processor := worker.NewProcessor(deps.Pipeline, deps.Watchdog, cfg.WatchdogMinutes)
	mux := processor.Handler()

	scheduler := asynq.NewScheduler(redisOpt, nil)
	sweep, err := queue.NewSweepTask(0)
	if err != nil {
		log.Fatal().Err(err).Msg("build sweep task")
	}
	if _, err := scheduler.Register(cfg.WatchdogCron, sweep); err != nil {
		log.Fatal().Err(err).Str("cron", cfg.WatchdogCron).Msg("register watchdog schedule")
	}
	if err := scheduler.Start(); err != nil {
		log.Fatal().Err(err).Msg("start scheduler")
	}

	go func() {
		<-ctx.Done()
		scheduler.Shutdown()
		server.Shutdown()
	}()

	log.Info().Int("concurrency", cfg.Workers).Str("watchdogCron", cfg.WatchdogCron).Msg("worker started")
	if err := server.Run(mux); err != nil {
		log.Error().Err(err).Msg("worker stopped")
		deps.Close()
		os.Exit(1)
	}
}
