// Package main provides the Wareflow HTTP read API service.
//
// The server exposes stock levels and movement details assembled by the
// consumer, with a Redis read-through cache in front of PostgreSQL.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"

	"github.com/wareflow-io/wareflow/internal/api"
	"github.com/wareflow-io/wareflow/internal/api/middleware"
	"github.com/wareflow-io/wareflow/internal/cache"
	"github.com/wareflow-io/wareflow/internal/storage"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "wareflow-server"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	serverConfig := api.LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))

	logger.Info("Starting Wareflow API server",
		slog.String("service", name),
		slog.String("version", version),
		slog.String("host", serverConfig.Host),
		slog.Int("port", serverConfig.Port),
	)

	ctx := context.Background()

	rateLimitConfig := middleware.LoadRateLimitConfig()
	rateLimiter := middleware.NewInMemoryRateLimiter(rateLimitConfig)

	logger.Info("Rate limiter initialized",
		slog.Int("rps", rateLimitConfig.RPS),
		slog.Int("burst", rateLimitConfig.Burst),
	)

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

	store, err := storage.NewWarehouseStore(dbConn)
	if err != nil {
		logger.Error("Failed to create warehouse store", slog.String("error", err.Error()))

		_ = dbConn.Close()
		//nolint:gocritic // Explicit cleanup before os.Exit is intentional (defer won't run)
		os.Exit(1)
	}

	// The cache is optional on the read path as well: without Redis every
	// request falls through to PostgreSQL.
	var viewCache api.ViewCache

	cacheConfig := cache.LoadConfig()

	cacheManager, err := cache.NewManager(ctx, cacheConfig)
	if err != nil {
		logger.Warn("Cache unavailable, serving reads from the database only",
			slog.String("redis_addr", cacheConfig.Addr()),
			slog.String("error", err.Error()),
		)
	} else {
		// Closed by server.shutdown()
		viewCache = cacheManager

		logger.Info("View cache enabled",
			slog.String("redis_addr", cacheConfig.Addr()),
			slog.Duration("cache_ttl", cacheConfig.TTL),
		)
	}

	server := api.NewServer(serverConfig, store, viewCache, rateLimiter)

	if err := server.Start(); err != nil {
		logger.Error("Server failed to start",
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	logger.Info("Wareflow API server stopped")
}
