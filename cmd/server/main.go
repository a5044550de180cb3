// Command server runs the price feed service: it streams ticker updates from
// the upstream exchange, persists them as a time series, and serves the
// query API over HTTP.
//
// Usage:
//
//	go run ./cmd/server -config config/config.json
//
// The process exits 0 on graceful shutdown and 1 when the stream client
// exhausts its reconnect budget.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"pricefeed/internal/api"
	"pricefeed/internal/config"
	"pricefeed/internal/ingest"
	"pricefeed/internal/storage"
	"pricefeed/internal/stream"
)

func main() {
	configPath := flag.String("config", "", "path to the JSON config file")
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg := config.Load(*configPath)
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newStore(ctx, cfg)
	mirror := newMirror(ctx, cfg)
	pipeline := ingest.New(ctx, store, ingest.NewLatestCache(), mirror, cfg.BatchSize, cfg.BatchWindow())

	client, err := stream.NewClient(stream.Config{
		Endpoints:     cfg.StreamURLs,
		Symbols:       cfg.Symbols,
		ReconnectBase: cfg.ReconnectBase(),
		MaxAttempts:   cfg.MaxReconnectAttempts,
	}, pipeline)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid stream configuration")
	}
	client.Start(ctx)

	server := api.NewServer(cfg, store, pipeline)
	serverCtx, stopServer := context.WithCancel(ctx)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(serverCtx)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	exitCode := 0
	serverDone := false
	select {
	case <-sig:
		log.Info().Msg("shutdown signal received")
	case err := <-client.Fatal():
		log.Error().Err(err).Msg("stream client gave up")
		exitCode = 1
	case err := <-serverErr:
		serverDone = true
		if err != nil {
			log.Error().Err(err).Msg("http server failed")
			exitCode = 1
		}
	}

	// Ordered teardown: stop the stream first so no new ticks arrive, drain
	// the pipeline's final batch, then stop accepting HTTP requests and
	// release storage.
	client.Close()
	pipeline.Close()
	stopServer()
	if !serverDone {
		if err := <-serverErr; err != nil {
			log.Warn().Err(err).Msg("http shutdown reported an error")
		}
	}
	mirror.Close()
	store.Close()

	log.Info().Int("code", exitCode).Msg("shutdown complete")
	os.Exit(exitCode)
}

// newStore selects the storage variant: TimescaleDB when a database URL is
// configured and reachable, the bounded in-memory ring otherwise.
func newStore(ctx context.Context, cfg *config.Config) storage.Store {
	if cfg.DatabaseURL == "" {
		log.Info().Msg("no database configured, using in-memory storage")
		return storage.NewMemoryStore(cfg.MaxHistoryLength)
	}

	store, err := storage.NewPostgresStore(ctx, storage.PostgresConfig{
		URL:            cfg.DatabaseURL,
		MinConns:       cfg.PoolMinConns,
		MaxConns:       cfg.PoolMaxConns,
		IdleTimeout:    time.Duration(cfg.PoolIdleTimeout) * time.Second,
		ConnectTimeout: time.Duration(cfg.PoolConnectTimeout) * time.Second,
	})
	if err != nil {
		log.Warn().Err(err).Msg("database unavailable, falling back to in-memory storage")
		return storage.NewMemoryStore(cfg.MaxHistoryLength)
	}
	log.Info().Msg("connected to time-series database")
	return store
}

// newMirror connects the optional redis latest-price mirror, returning nil
// when unconfigured or unreachable.
func newMirror(ctx context.Context, cfg *config.Config) *ingest.Mirror {
	if cfg.CacheURL == "" {
		return nil
	}
	mirror, err := ingest.NewMirror(ctx, cfg.CacheURL, cfg.CacheExpiry())
	if err != nil {
		log.Warn().Err(err).Msg("redis mirror unavailable, continuing without it")
		return nil
	}
	log.Info().Msg("redis latest-price mirror enabled")
	return mirror
}
