// Package main provides the Wareflow movement consumer service.
//
// The consumer pulls warehouse movement events from Kafka and applies them to
// PostgreSQL with exactly-once effect: stock levels, movement pairing, and
// the processed-event journal move in a single transaction, and Redis cache
// entries are invalidated after each commit.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/wareflow-io/wareflow/internal/cache"
	"github.com/wareflow-io/wareflow/internal/config"
	"github.com/wareflow-io/wareflow/internal/consumer"
	"github.com/wareflow-io/wareflow/internal/storage"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "wareflow-consumer"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))

	logger.Info("Starting Wareflow consumer",
		slog.String("service", name),
		slog.String("version", version),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	storageConfig := storage.LoadConfig()

	dbConn, err := storage.NewConnection(ctx, storageConfig)
	if err != nil {
		logger.Error("Failed to connect to database",
			slog.String("database_url", storageConfig.MaskDatabaseURL()),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	defer func() {
		_ = dbConn.Close()
	}()

	logger.Info("Database connection established",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
		slog.Int("database_max_open_conns", storageConfig.MaxOpenConns),
		slog.Int("database_max_idle_conns", storageConfig.MaxIdleConns),
	)

	// The cache is best-effort: a missing Redis degrades invalidation, not
	// event processing. Reads then serve stale data for at most CACHE_TTL.
	var storeOpts []storage.WarehouseStoreOption

	cacheConfig := cache.LoadConfig()

	cacheManager, err := cache.NewManager(ctx, cacheConfig)
	if err != nil {
		logger.Warn("Cache unavailable, continuing without invalidation",
			slog.String("redis_addr", cacheConfig.Addr()),
			slog.String("error", err.Error()),
		)
	} else {
		defer func() {
			_ = cacheManager.Close()
		}()

		storeOpts = append(storeOpts, storage.WithCacheInvalidator(cacheManager))

		logger.Info("Cache invalidation enabled",
			slog.String("redis_addr", cacheConfig.Addr()),
			slog.Duration("cache_ttl", cacheConfig.TTL),
		)
	}

	store, err := storage.NewWarehouseStore(dbConn, storeOpts...)
	if err != nil {
		logger.Error("Failed to create warehouse store", slog.String("error", err.Error()))

		_ = dbConn.Close()
		//nolint:gocritic // Explicit cleanup before os.Exit is intentional (defer won't run)
		os.Exit(1)
	}

	consumerConfig := consumer.LoadConfig()

	kafkaConsumer, err := consumer.NewConsumer(consumerConfig, store)
	if err != nil {
		logger.Error("Failed to create kafka consumer", slog.String("error", err.Error()))

		_ = dbConn.Close()
		os.Exit(1)
	}

	defer func() {
		_ = kafkaConsumer.Close()
	}()

	logger.Info("Consumer initialized",
		slog.Any("brokers", consumerConfig.Brokers),
		slog.String("topic", consumerConfig.Topic),
		slog.String("group_id", consumerConfig.GroupID),
	)

	if err := kafkaConsumer.Run(ctx); err != nil {
		logger.Error("Consumer stopped with error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Wareflow consumer stopped")
}
