package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig configures the Kafka reader and writer.
type KafkaConfig struct {
	Brokers     []string
	Topic       string
	GroupID     string
	StartOffset string
	MaxWait     time.Duration
}

// KafkaSource reads one consumer-group member's share of the topic's
// partitions. Offsets are committed only through Ack.
type KafkaSource struct {
	reader *kafka.Reader
}

func NewKafkaSource(cfg KafkaConfig) *KafkaSource {
	startOffset := kafka.FirstOffset
	if strings.EqualFold(cfg.StartOffset, "latest") {
		startOffset = kafka.LastOffset
	}

	maxWait := cfg.MaxWait
	if maxWait <= 0 {
		maxWait = time.Second
	}

	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        maxWait,
		Dialer:         dialer,
		StartOffset:    startOffset,
		CommitInterval: 0, // synchronous commits
	})
	return &KafkaSource{reader: r}
}

func (s *KafkaSource) Fetch(ctx context.Context) (Message, error) {
	m, err := s.reader.FetchMessage(ctx)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Message{}, ErrClosed
		}
		return Message{}, err
	}
	return fromKafka(m), nil
}

func (s *KafkaSource) Ack(ctx context.Context, msg Message) error {
	m, ok := msg.raw.(kafka.Message)
	if !ok {
		return fmt.Errorf("acking kafka message: foreign message")
	}
	if err := s.reader.CommitMessages(ctx, m); err != nil {
		return fmt.Errorf("committing offset %d/%d: %w", m.Partition, m.Offset, err)
	}
	return nil
}

func (s *KafkaSource) Close() error {
	return s.reader.Close()
}

func fromKafka(m kafka.Message) Message {
	return Message{
		Key:       m.Key,
		Value:     m.Value,
		Partition: m.Partition,
		Offset:    m.Offset,
		Subject:   m.Topic,
		raw:       m,
	}
}

// KafkaPublisher writes envelopes hashed by key so one subject always lands
// on the same partition.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(cfg KafkaConfig) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		MaxAttempts:            5,
		ReadTimeout:            10 * time.Second,
		WriteTimeout:           10 * time.Second,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return &KafkaPublisher{writer: w}
}

func (p *KafkaPublisher) Publish(ctx context.Context, key, value []byte) error {
	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: key, Value: value}); err != nil {
		return fmt.Errorf("writing kafka message: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
