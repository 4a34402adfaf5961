package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"grainwatch/internal/config"
	"grainwatch/internal/retry"

	"github.com/segmentio/kafka-go"
)

// kafkaPushPolicy bounds sink retries for one message before it is skipped.
var kafkaPushPolicy = retry.Policy{
	MaxAttempts: 5,
	BaseDelay:   200 * time.Millisecond,
	Multiplier:  2,
	MaxDelay:    5 * time.Second,
}

// messageReader is the subset of kafka.Reader used by the consumer.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer reads gateway payloads from a consumer group and commits after processing.
type KafkaConsumer struct {
	reader  messageReader
	decoder *Decoder
	sink    ReadingSink
	logger  *slog.Logger
	policy  retry.Policy
}

// NewKafkaConsumer creates consumer-group reader for the readings topic.
// Params: Kafka ingest config, decoder, sink, and optional logger.
// Returns: consumer ready for Run or config error.
func NewKafkaConsumer(cfg config.KafkaIngestConfig, decoder *Decoder, sink ReadingSink, logger *slog.Logger) (*KafkaConsumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka ingest requires at least one broker")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.GroupID,
		Topic:          cfg.Topic,
		MinBytes:       cfg.MinBytes,
		MaxBytes:       cfg.MaxBytes,
		CommitInterval: time.Duration(cfg.CommitIntervalMS) * time.Millisecond,
	})
	return newKafkaConsumer(reader, decoder, sink, logger), nil
}

func newKafkaConsumer(reader messageReader, decoder *Decoder, sink ReadingSink, logger *slog.Logger) *KafkaConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaConsumer{reader: reader, decoder: decoder, sink: sink, logger: logger, policy: kafkaPushPolicy}
}

// Run fetches, processes and commits messages until ctx is done.
// Params: ctx controls consumer lifetime.
// Returns: nil on cancellation or fetch/commit error.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	for {
		message, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka fetch: %w", err)
		}
		c.handle(ctx, message)
		if err := c.reader.CommitMessages(ctx, message); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka commit offset %d: %w", message.Offset, err)
		}
	}
}

// handle processes one message; poison or undeliverable messages are logged and skipped.
func (c *KafkaConsumer) handle(ctx context.Context, message kafka.Message) {
	attempts, err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		decoded, err := decodeAndPush(ctx, c.decoder, c.sink, SourceKafka, message.Value)
		if err == nil && len(decoded.Rejected) > 0 {
			c.logger.Warn("kafka ingest dropped unresolved items", "partition", message.Partition, "offset", message.Offset, "rejected", len(decoded.Rejected))
		}
		return err
	}, nil, nil)
	if err == nil {
		return
	}
	if retry.IsPermanent(err) {
		c.logger.Warn("kafka ingest decode failed", "partition", message.Partition, "offset", message.Offset, "error", err.Error())
		return
	}
	c.logger.Error("kafka ingest push failed, skipping message",
		"partition", message.Partition,
		"offset", message.Offset,
		"attempts", attempts,
		"error", err.Error(),
	)
}

// Close closes the underlying reader.
func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}
