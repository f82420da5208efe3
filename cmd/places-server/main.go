package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/whereitwent/places-backend/internal/cache/placestore"
	"github.com/whereitwent/places-backend/internal/core/config"
	"github.com/whereitwent/places-backend/internal/core/httpclient"
	"github.com/whereitwent/places-backend/internal/core/observability"
	"github.com/whereitwent/places-backend/internal/core/server"
	"github.com/whereitwent/places-backend/internal/engine"
	"github.com/whereitwent/places-backend/internal/invalidation/kafkaconsumer"
	"github.com/whereitwent/places-backend/internal/logger"
	"github.com/whereitwent/places-backend/internal/upstream"
	"github.com/whereitwent/places-backend/internal/ws"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.FromEnv()

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.Console,
		Component: "places-server",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	observability.ExposeBuildInfo(Version)
	appLog.Info("starting places server",
		"addr", cfg.Addr,
		"version", Version,
		"redis", cfg.RedisURL,
		"invalidation", cfg.Invalidation.Enabled)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := placestore.New(ctx, cfg.RedisURL)
	if err != nil {
		appLog.Error("redis setup failed", "err", err)
		return 1
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			appLog.Warn("redis close failed", "err", cerr)
		}
	}()

	if cfg.PlacesAPIKey == "" {
		appLog.Warn("PLACES_API_KEY is empty, cache misses will return no places")
	}
	fetcher := upstream.NewClient(httpclient.NewOutbound(), appLog, cfg.PlacesAPIKey)

	eng := engine.New(appLog, store, fetcher, engine.Config{
		CacheTTL:          cfg.CacheTTL,
		LockTTL:           cfg.LockTTL,
		LockWaitTimeout:   cfg.LockWaitTimeout,
		LockPollInterval:  cfg.LockPollInterval,
		MaxRecursionLevel: cfg.MaxRecursionLevel,
	})

	wsHandler := ws.NewHandler(appLog, eng, ws.Options{
		EmitPause: cfg.SearchEmitPause,
		Dedupe:    cfg.WSDedupe,
	})

	if cfg.Invalidation.Enabled {
		consumer := kafkaconsumer.New(kafkaconsumer.FromEnv(), appLog, store, cfg.MaxRecursionLevel)
		go func() {
			if err := consumer.Start(ctx); err != nil {
				appLog.Error("invalidation consumer failed", "err", err)
			}
		}()
	}

	if err := server.Run(ctx, cfg, appLog, wsHandler, store.Ping); err != nil {
		appLog.Error("server failed", "err", err)
		return 1
	}

	appLog.Info("places server stopped")
	return 0
}
