package consumer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/wareflow-io/wareflow/internal/config"
	"github.com/wareflow-io/wareflow/internal/event"
	"github.com/wareflow-io/wareflow/internal/storage"
)

var (
	// ErrNilProcessor is returned when a consumer is constructed without an
	// event processor.
	ErrNilProcessor = errors.New("event processor cannot be nil")
)

type (
	// fetcher is the slice of kafka.Reader the consumer depends on.
	// Tests substitute an in-memory implementation.
	fetcher interface {
		FetchMessage(ctx context.Context) (kafka.Message, error)
		CommitMessages(ctx context.Context, msgs ...kafka.Message) error
		Close() error
	}

	// Consumer pulls movement messages from Kafka, normalizes them, and
	// drives them through an event.Processor with at-least-once delivery.
	//
	// Offset policy per message outcome:
	//   - applied        → commit (advance)
	//   - duplicate      → commit (advance; effects already persisted)
	//   - malformed      → commit (advance; retrying can never succeed)
	//   - negative stock → no commit; retry in place, partition stalls
	//   - transient I/O  → no commit; retry in place with backoff
	//
	// A crash between the database commit and the offset commit redelivers
	// the message; the journal resolves it as a duplicate.
	//
	// Every assigned partition is drained by its own worker goroutine, so a
	// message stuck in retry stalls only its partition. That independence is
	// load-bearing for negative stock: an out-of-order departure heals once
	// the seeding arrival, possibly on another partition, is processed — the
	// arrival must stay reachable while the departure retries. If the
	// condition persists, the stalled message waits for operator
	// intervention while the other partitions keep flowing.
	Consumer struct {
		reader        fetcher
		processor     event.Processor
		normalizer    *event.Normalizer
		logger        *slog.Logger
		retryBackoff  time.Duration
		queueCapacity int
		workers       map[int]chan kafka.Message
		wg            sync.WaitGroup
	}

	// Option configures optional Consumer behavior.
	Option func(*Consumer)
)

// WithReader replaces the Kafka reader, primarily for tests.
func WithReader(r fetcher) Option {
	return func(c *Consumer) {
		if c.reader != nil {
			_ = c.reader.Close()
		}

		c.reader = r
	}
}

// WithRetryBackoff overrides the delay between retries of a failed fetch or
// message. Tests shrink it to keep retry scenarios fast.
func WithRetryBackoff(d time.Duration) Option {
	return func(c *Consumer) {
		c.retryBackoff = d
	}
}

// NewConsumer creates a Kafka consumer bound to a processor.
func NewConsumer(cfg *Config, processor event.Processor, opts ...Option) (*Consumer, error) {
	if processor == nil {
		return nil, ErrNilProcessor
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	consumer := &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:           cfg.Brokers,
			Topic:             cfg.Topic,
			GroupID:           cfg.GroupID,
			MinBytes:          cfg.MinBytes,
			MaxBytes:          cfg.MaxBytes,
			MaxWait:           cfg.MaxWait,
			SessionTimeout:    cfg.SessionTimeout,
			HeartbeatInterval: cfg.HeartbeatInterval,
			QueueCapacity:     cfg.QueueCapacity,
			StartOffset:       kafka.FirstOffset,
		}),
		processor:     processor,
		normalizer:    event.NewNormalizer(),
		retryBackoff:  cfg.RetryBackoff,
		queueCapacity: max(cfg.QueueCapacity, 1),
		workers:       make(map[int]chan kafka.Message),
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}

	for _, opt := range opts {
		opt(consumer)
	}

	return consumer, nil
}

// Run consumes messages until ctx is canceled. It returns nil on clean
// shutdown and only propagates context errors; broker failures are logged
// and retried with backoff.
//
// Fetched messages are dispatched to per-partition workers. Dispatch blocks
// only when a partition's queue is full (its worker is stalled in retry and
// queueCapacity messages are already buffered behind it), which bounds
// memory without skipping anything.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("consumer started")

	defer c.wg.Wait()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				c.logger.Info("consumer stopping")

				return nil
			}

			c.logger.Error("fetch failed, backing off",
				slog.String("error", err.Error()),
				slog.Duration("backoff", c.retryBackoff),
			)

			if err := c.wait(ctx); err != nil {
				return nil
			}

			continue
		}

		select {
		case c.partition(ctx, msg.Partition) <- msg:
		case <-ctx.Done():
			return nil
		}
	}
}

// partition returns the work queue for a partition, starting its worker
// goroutine on first use. The workers map is only touched from the Run
// goroutine.
func (c *Consumer) partition(ctx context.Context, partition int) chan kafka.Message {
	if queue, ok := c.workers[partition]; ok {
		return queue
	}

	queue := make(chan kafka.Message, c.queueCapacity)
	c.workers[partition] = queue

	c.wg.Add(1)

	go func() {
		defer c.wg.Done()

		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-queue:
				if err := c.handleMessage(ctx, msg); err != nil {
					// Only context cancellation escapes handleMessage.
					return
				}
			}
		}
	}()

	return queue
}

// handleMessage normalizes one message and drives it to a terminal outcome.
// The offset commits exactly when the outcome is terminal; everything else
// retries in place.
func (c *Consumer) handleMessage(ctx context.Context, msg kafka.Message) error {
	e, err := c.normalizer.Normalize(msg.Value)
	if err != nil {
		// Malformed messages can never succeed on retry. Log and advance.
		c.logger.Error("rejecting malformed message",
			slog.String("topic", msg.Topic),
			slog.Int("partition", msg.Partition),
			slog.Int64("offset", msg.Offset),
			slog.String("error", err.Error()),
		)

		return c.commit(ctx, msg)
	}

	for {
		processed, duplicate, err := c.processor.ProcessEvent(ctx, e)

		switch {
		case err == nil && duplicate:
			c.logger.Info("skipping duplicate message",
				slog.String("message_id", e.MessageID),
				slog.Int64("offset", msg.Offset),
			)

			return c.commit(ctx, msg)

		case err == nil && processed:
			return c.commit(ctx, msg)

		case errors.Is(err, storage.ErrNegativeStock):
			c.logger.Error("stock invariant violation, partition stalled pending intervention",
				slog.String("message_id", e.MessageID),
				slog.String("movement_id", e.MovementID),
				slog.Int("partition", msg.Partition),
				slog.Int64("offset", msg.Offset),
				slog.String("error", err.Error()),
			)

		default:
			c.logger.Warn("transient processing failure, retrying",
				slog.String("message_id", e.MessageID),
				slog.Int64("offset", msg.Offset),
				slog.String("error", err.Error()),
			)
		}

		if err := c.wait(ctx); err != nil {
			return err
		}
	}
}

// commit advances the consumer group offset past msg.
func (c *Consumer) commit(ctx context.Context, msg kafka.Message) error {
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}

		// A failed commit is safe: the message is redelivered and resolved
		// as a duplicate by the journal.
		c.logger.Warn("offset commit failed",
			slog.Int64("offset", msg.Offset),
			slog.String("error", err.Error()),
		)
	}

	return nil
}

// wait sleeps for the retry backoff, honoring context cancellation.
func (c *Consumer) wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.retryBackoff):
		return nil
	}
}

// Close releases the underlying Kafka reader.
func (c *Consumer) Close() error {
	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("failed to close kafka reader: %w", err)
	}

	return nil
}
