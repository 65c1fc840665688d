package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/tokenflow/tokenbridge/internal/config"
	"github.com/tokenflow/tokenbridge/internal/observability"
	"github.com/tokenflow/tokenbridge/internal/server"
)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	nrApp, err := observability.NewApplication(cfg.Observability, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("observability init")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := server.New(cfg, logger, nrApp)
	if err := srv.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("server exited")
		os.Exit(1)
	}
}
