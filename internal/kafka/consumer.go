// Package kafka wraps segmentio/kafka-go with the tail-K seeding and
// error classification the pipeline's consumers need: PARTITION_EOF is
// an empty poll, not an error; UNKNOWN_PARTITION/UNKNOWN_TOPIC are
// fatal.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"
)

// ErrFatal wraps a consumer error classified as fatal (unknown topic or
// partition) per the error handling design in §7.
type ErrFatal struct {
	Err error
}

func (e *ErrFatal) Error() string { return fmt.Sprintf("kafka: fatal: %v", e.Err) }
func (e *ErrFatal) Unwrap() error { return e.Err }

// Consumer reads fixed-size or JSON records from a single partition of a
// topic, seeded at tail-K on construction.
type Consumer struct {
	brokers  []string
	topic    string
	partition int
	fetchWaitMax time.Duration

	reader *kafkago.Reader
}

// NewConsumer dials brokers, resolves the partition's current end
// offset, and positions the reader at end-K (clamped to the first
// available offset), matching "the consumer begins at tail-K of the
// topic."
func NewConsumer(ctx context.Context, brokers []string, topic string, partition int, tailK int64, fetchWaitMax time.Duration) (*Consumer, error) {
	conn, err := kafkago.DialLeader(ctx, "tcp", brokers[0], topic, partition)
	if err != nil {
		return nil, classifyDialError(err)
	}
	defer conn.Close()

	first, last, err := conn.ReadOffsets()
	if err != nil {
		return nil, fmt.Errorf("kafka: read offsets for %s[%d]: %w", topic, partition, err)
	}

	start := last - tailK
	if start < first {
		start = first
	}

	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:   brokers,
		Topic:     topic,
		Partition: partition,
		MaxWait:   fetchWaitMax,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	if err := reader.SetOffset(start); err != nil {
		reader.Close()
		return nil, fmt.Errorf("kafka: set offset %d on %s[%d]: %w", start, topic, partition, err)
	}

	return &Consumer{
		brokers: brokers, topic: topic, partition: partition,
		fetchWaitMax: fetchWaitMax, reader: reader,
	}, nil
}

// NewGroupConsumer reads with a consumer group, resuming from committed
// offsets, used by the sharelog writer so its progress is independent of
// the live-stats server's own consumption of the same topic.
func NewGroupConsumer(brokers []string, topic, groupID string, fetchWaitMax time.Duration) *Consumer {
	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: groupID,
		MaxWait: fetchWaitMax,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return &Consumer{brokers: brokers, topic: topic, fetchWaitMax: fetchWaitMax, reader: reader}
}

// Fetch reads one message, waiting at most the caller-supplied timeout
// (it is used as given, not clamped). A timeout
// with no message is reported as (nil, nil) — the PARTITION_EOF /
// "empty poll" case, not an error.
func (c *Consumer) Fetch(ctx context.Context, timeout time.Duration) (*kafkago.Message, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg, err := c.reader.FetchMessage(fetchCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, nil // PARTITION_EOF equivalent: empty poll
		}
		if isUnknownTopicOrPartition(err) {
			return nil, &ErrFatal{Err: err}
		}
		return nil, fmt.Errorf("kafka: fetch: %w", err)
	}
	return &msg, nil
}

// CommitMessages acknowledges processed messages for a group consumer.
func (c *Consumer) CommitMessages(ctx context.Context, msgs ...kafkago.Message) error {
	return c.reader.CommitMessages(ctx, msgs...)
}

// Close releases the underlying reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

func classifyDialError(err error) error {
	if isUnknownTopicOrPartition(err) {
		return &ErrFatal{Err: err}
	}
	return fmt.Errorf("kafka: dial: %w", err)
}

func isUnknownTopicOrPartition(err error) bool {
	return errors.Is(err, kafkago.UnknownTopicOrPartition)
}
