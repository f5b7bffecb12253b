// Command event-recorder persists the events published by node
// controllers on NATS into PostgreSQL, where the node API can query them.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/lorawan-server/lorawan-node/internal/config"
	"github.com/lorawan-server/lorawan-node/internal/report"
	"github.com/lorawan-server/lorawan-node/internal/server"
	"github.com/lorawan-server/lorawan-node/internal/storage"
)

func main() {
	configFile := pflag.StringP("config", "c", "config/node.yml", "Configuration file path")
	pflag.Parse()

	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Str("component", "event-recorder").Logger()

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatal().Err(err).Str("file", *configFile).Msg("Failed to load configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.Log.Level); err == nil && level != zerolog.NoLevel {
		zerolog.SetGlobalLevel(level)
	}

	if err := record(cfg); err != nil {
		log.Error().Err(err).Msg("Event recorder failed")
		os.Exit(1)
	}
}

func record(cfg *config.Config) error {
	if cfg.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewPostgresStore(cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer store.Close()
	store.SetPoolLimits(cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime)
	if err := store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	natsCfg := cfg.NATSSettings()
	nc, err := report.Connect(natsCfg, "lorawan-event-recorder")
	if err != nil {
		return err
	}
	defer nc.Close()
	log.Info().Str("url", natsCfg.URL).Msg("Connected to NATS")

	recorder := server.NewEventRecorder(nc, store, natsCfg.SubjectPrefix, cfg.Recorder.QueueGroup)
	if err := recorder.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
