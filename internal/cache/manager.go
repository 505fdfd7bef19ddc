package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wareflow-io/wareflow/internal/config"
	"github.com/wareflow-io/wareflow/internal/storage"
)

var (
	// ErrCacheUnavailable is returned when Redis cannot be reached during
	// construction. At runtime the cache is best-effort and never fails a
	// request; only startup connectivity is enforced.
	ErrCacheUnavailable = errors.New("cache unavailable")

	// Manager satisfies the invalidation hook of the write path.
	_ storage.CacheInvalidator = (*Manager)(nil)
)

// Manager is a Redis-backed cache for serialized read views.
//
// All runtime operations degrade gracefully: a failed Get is a miss, a
// failed Set or Delete is a warning. Entries always carry a TTL, so a
// missed invalidation heals itself within Config.TTL.
type Manager struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewManager connects to Redis and verifies connectivity.
func NewManager(ctx context.Context, cfg *Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr(),
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("%w: failed to ping redis at %s: %w", ErrCacheUnavailable, cfg.Addr(), err)
	}

	return &Manager{
		client: client,
		ttl:    cfg.TTL,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// WrapClient wraps an existing Redis client in a Manager.
// Used by tests that manage the client themselves (miniredis).
func WrapClient(client *redis.Client, cfg *Config) *Manager {
	return &Manager{
		client: client,
		ttl:    cfg.TTL,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// StockKey returns the cache key for a (warehouse, product) stock view.
func StockKey(warehouseID, productID string) string {
	return fmt.Sprintf("stock:%s:%s", warehouseID, productID)
}

// MovementKey returns the cache key for a movement view.
func MovementKey(movementID string) string {
	return fmt.Sprintf("movement:%s", movementID)
}

// Get loads the entry at key into dest. Returns false on a miss; any Redis
// or decoding failure is also reported as a miss so the caller falls back
// to the database.
func (m *Manager) Get(ctx context.Context, key string, dest any) bool {
	raw, err := m.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false
	}

	if err != nil {
		m.logger.Warn("cache read failed, treating as miss",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)

		return false
	}

	if err := json.Unmarshal(raw, dest); err != nil {
		m.logger.Warn("cache entry corrupt, treating as miss",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)

		return false
	}

	return true
}

// Set stores value at key with the configured TTL. Failures are warnings.
func (m *Manager) Set(ctx context.Context, key string, value any) {
	raw, err := json.Marshal(value)
	if err != nil {
		m.logger.Warn("cache encode failed",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)

		return
	}

	if err := m.client.Set(ctx, key, raw, m.ttl).Err(); err != nil {
		m.logger.Warn("cache write failed",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}

// Delete removes a single key. Deleting an absent key is not an error.
func (m *Manager) Delete(ctx context.Context, key string) {
	if err := m.client.Del(ctx, key).Err(); err != nil {
		m.logger.Warn("cache delete failed",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}

// Invalidate implements storage.CacheInvalidator. It deletes the stock view
// for (warehouseID, productID) and the movement view for movementID. The two
// deletions are independent: a failure of one does not skip the other, and
// neither failure propagates to the caller.
func (m *Manager) Invalidate(ctx context.Context, warehouseID, productID, movementID string) {
	m.Delete(ctx, StockKey(warehouseID, productID))
	m.Delete(ctx, MovementKey(movementID))
}

// HealthCheck verifies Redis is reachable.
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrCacheUnavailable, err)
	}

	return nil
}

// Close closes the underlying Redis client.
func (m *Manager) Close() error {
	return m.client.Close()
}
