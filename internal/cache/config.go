// Package cache provides a Redis-backed read cache for stock and movement
// views, with key-level invalidation driven by committed movement events.
package cache

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wareflow-io/wareflow/internal/config"
)

const (
	defaultRedisHost   = "localhost"
	defaultRedisPort   = 6379
	defaultRedisDB     = 0
	defaultTTL         = 3600 * time.Second
	defaultDialTimeout = 5 * time.Second
)

var (
	// ErrRedisHostEmpty is returned when the Redis host is an empty string.
	ErrRedisHostEmpty = errors.New("redis host cannot be empty")

	// ErrInvalidRedisPort is returned when the Redis port is out of range.
	ErrInvalidRedisPort = errors.New("redis port must be between 1 and 65535")
)

// Config holds Redis connection and caching configuration.
type Config struct {
	Host        string        // Redis server host
	Port        int           // Redis server port
	DB          int           // Redis logical database number
	TTL         time.Duration // Expiration applied to every cached entry
	DialTimeout time.Duration // Connection establishment timeout
}

// LoadConfig loads Redis configuration from environment variables with
// fallback to defaults. CACHE_TTL is expressed in seconds for parity with
// the rest of the deployment configuration.
func LoadConfig() *Config {
	return &Config{
		Host:        config.GetEnvStr("REDIS_HOST", defaultRedisHost),
		Port:        config.GetEnvInt("REDIS_PORT", defaultRedisPort),
		DB:          config.GetEnvInt("REDIS_DB", defaultRedisDB),
		TTL:         time.Duration(config.GetEnvInt("CACHE_TTL", int(defaultTTL.Seconds()))) * time.Second,
		DialTimeout: config.GetEnvDuration("REDIS_DIAL_TIMEOUT", defaultDialTimeout),
	}
}

// Validate checks if the Redis configuration is valid.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Host) == "" {
		return ErrRedisHostEmpty
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: got %d", ErrInvalidRedisPort, c.Port)
	}

	return nil
}

// Addr returns the host:port address for the Redis client.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
