package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mohammed-shakir/district-metrics-cache/internal/cache/metricstore"
	"github.com/mohammed-shakir/district-metrics-cache/internal/cache/redisstore"
	"github.com/mohammed-shakir/district-metrics-cache/internal/core/config"
	"github.com/mohammed-shakir/district-metrics-cache/internal/core/httpclient"
	"github.com/mohammed-shakir/district-metrics-cache/internal/core/observability"
	"github.com/mohammed-shakir/district-metrics-cache/internal/core/server"
	"github.com/mohammed-shakir/district-metrics-cache/internal/fetcher"
	"github.com/mohammed-shakir/district-metrics-cache/internal/invalidation/kafkaconsumer"
	"github.com/mohammed-shakir/district-metrics-cache/internal/logger"
	"github.com/mohammed-shakir/district-metrics-cache/internal/metrics"
	"github.com/mohammed-shakir/district-metrics-cache/internal/offline"
	"github.com/mohammed-shakir/district-metrics-cache/internal/provider"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.FromEnv()

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   strings.ToLower(os.Getenv("LOG_CONSOLE")) == "true",
		Component: "server",
	}, os.Stdout)

	appLog := logger.NewSlog(&zl)

	prom := metrics.Init(metrics.BuildInfo{
		Version:   Version,
		Revision:  os.Getenv("BUILD_REVISION"),
		BuildDate: os.Getenv("BUILD_DATE"),
	})
	observability.Init(prom.Registerer())

	appLog.Info("starting district metrics cache",
		"addr", cfg.Addr,
		"version", Version,
		"redis", cfg.RedisAddr,
		"freshness_window", cfg.FreshnessWindow.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// the snapshot is the last line of defense; refuse to start without it
	dataset, err := offline.Load(cfg.OfflineDataFile)
	if err != nil {
		appLog.Error("offline snapshot load failed", "path", cfg.OfflineDataFile, "err", err)
		return 1
	}
	appLog.Info("offline snapshot loaded", "path", cfg.OfflineDataFile, "records", dataset.Len())

	redisCli, err := redisstore.New(ctx, cfg.RedisAddr,
		redisstore.WithReadTimeout(cfg.CacheOpTimeout),
		redisstore.WithWriteTimeout(cfg.CacheOpTimeout))
	if err != nil {
		appLog.Error("redis client init failed", "err", err)
		return 1
	}
	defer func() { _ = redisCli.Close() }()

	store := metricstore.New(redisCli)

	remote := fetcher.New(fetcher.Config{
		BaseURL:     cfg.APIBaseURL,
		ResourceID:  cfg.APIResourceID,
		APIKey:      cfg.APIKey,
		Timeout:     cfg.FetchTimeout,
		MaxAttempts: cfg.FetchMaxAttempts,
		BackoffMin:  cfg.FetchBackoffMin,
		BackoffMax:  cfg.FetchBackoffMax,
	}, httpclient.NewOutbound(), appLog)

	prov := provider.New(store, remote, dataset, cfg.FreshnessWindow, appLog)

	if cfg.Invalidation.Enabled {
		consumer := kafkaconsumer.New(
			kafkaconsumer.NewConfig(cfg.Invalidation.Brokers, cfg.Invalidation.Topic, cfg.Invalidation.GroupID),
			appLog, prov)
		go func() {
			if err := consumer.Start(ctx); err != nil {
				appLog.Error("publication event consumer exited", "err", err)
			}
		}()
	}

	deps := server.Deps{
		Provider:       prov,
		Store:          store,
		SnapshotLen:    dataset.Len(),
		MetricsHandler: prom.Handler(),
	}
	if err := server.Run(ctx, cfg, appLog, deps); err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("server stopped")
	return 0
}
