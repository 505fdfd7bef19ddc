// Package consumer implements the durable Kafka consumption loop that feeds
// movement events into the warehouse store.
package consumer

import (
	"errors"
	"time"

	"github.com/wareflow-io/wareflow/internal/config"
)

const (
	defaultBrokers           = "localhost:9092"
	defaultTopic             = "warehouse_movements"
	defaultGroupID           = "warehouse_service_group"
	defaultMinBytes          = 1
	defaultMaxBytes          = 10 * 1024 * 1024 // 10MB
	defaultMaxWait           = 500 * time.Millisecond
	defaultSessionTimeout    = 30 * time.Second
	defaultHeartbeatInterval = 10 * time.Second
	defaultQueueCapacity     = 50
	defaultRetryBackoff      = 5 * time.Second
)

var (
	// ErrNoBrokers is returned when the broker list is empty.
	ErrNoBrokers = errors.New("kafka brokers cannot be empty")

	// ErrTopicEmpty is returned when the topic is an empty string.
	ErrTopicEmpty = errors.New("kafka topic cannot be empty")

	// ErrGroupIDEmpty is returned when the consumer group id is an empty string.
	ErrGroupIDEmpty = errors.New("kafka group id cannot be empty")
)

// Config holds Kafka consumer configuration.
//
// The consumer always joins a consumer group with manual offset commits:
// offsets only advance once an event's effects are committed to the
// database (or the message is a terminal reject or duplicate).
type Config struct {
	Brokers           []string      // Bootstrap broker addresses
	Topic             string        // Topic carrying movement events
	GroupID           string        // Consumer group for offset tracking
	MinBytes          int           // Fetch lower bound
	MaxBytes          int           // Fetch upper bound
	MaxWait           time.Duration // Max broker-side fetch wait
	SessionTimeout    time.Duration // Group session timeout
	HeartbeatInterval time.Duration // Group heartbeat interval
	QueueCapacity     int           // Internal message buffer size
	RetryBackoff      time.Duration // Delay between retries of a failed message or fetch
}

// LoadConfig loads Kafka consumer configuration from environment variables
// with fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		Brokers:           config.ParseCommaSeparatedList(config.GetEnvStr("KAFKA_BOOTSTRAP_SERVERS", defaultBrokers)),
		Topic:             config.GetEnvStr("KAFKA_TOPIC", defaultTopic),
		GroupID:           config.GetEnvStr("KAFKA_GROUP_ID", defaultGroupID),
		MinBytes:          config.GetEnvInt("KAFKA_MIN_BYTES", defaultMinBytes),
		MaxBytes:          config.GetEnvInt("KAFKA_MAX_BYTES", defaultMaxBytes),
		MaxWait:           config.GetEnvDuration("KAFKA_MAX_WAIT", defaultMaxWait),
		SessionTimeout:    config.GetEnvDuration("KAFKA_SESSION_TIMEOUT", defaultSessionTimeout),
		HeartbeatInterval: config.GetEnvDuration("KAFKA_HEARTBEAT_INTERVAL", defaultHeartbeatInterval),
		QueueCapacity:     config.GetEnvInt("KAFKA_QUEUE_CAPACITY", defaultQueueCapacity),
		RetryBackoff:      config.GetEnvDuration("KAFKA_RETRY_BACKOFF", defaultRetryBackoff),
	}
}

// Validate checks if the Kafka consumer configuration is valid.
func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return ErrNoBrokers
	}

	if c.Topic == "" {
		return ErrTopicEmpty
	}

	if c.GroupID == "" {
		return ErrGroupIDEmpty
	}

	return nil
}
