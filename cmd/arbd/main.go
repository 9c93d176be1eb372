package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"fundingarb/internal/app"
	"fundingarb/internal/config"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Configuration invalid")
	}

	log.Info().
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Str("redis", cfg.RedisAddr).
		Int("symbols", len(cfg.Symbols)).
		Msg("Starting funding arbitrage service")

	rt := app.New(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Init(ctx); err != nil {
		log.Fatal().Err(err).Msg("Initialization failed")
	}

	if err := rt.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Runtime error")
	}
	rt.Shutdown()
}
