// Command server runs the ScribeDrop HTTP API.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/dharsanguruparan/ScribeDrop/internal/api"
	"github.com/dharsanguruparan/ScribeDrop/internal/app"
	"github.com/dharsanguruparan/ScribeDrop/internal/config"
	"github.com/dharsanguruparan/ScribeDrop/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init dependencies")
	}
	defer deps.Close()
	deps.StartLocal(ctx)

	srv := api.New(cfg, deps.APIDeps())
	if err := srv.Run(ctx); err != nil {
		log.Error().Err(err).Msg("server stopped")
		stop()
		deps.Close()
		os.Exit(1)
	}
}
