package transport

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// JetStreamConfig configures the JetStream stream and durable consumer.
type JetStreamConfig struct {
	URL        string
	Stream     string
	Subject    string // prefix, messages are published on Subject.<partition>
	Durable    string
	Partitions int
	Workers    int // consumers sharing the partitions
	MaxAge     time.Duration
	AckWait    time.Duration
	FetchWait  time.Duration
}

func (c JetStreamConfig) withDefaults() JetStreamConfig {
	if c.Partitions <= 0 {
		c.Partitions = 1
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 7 * 24 * time.Hour
	}
	if c.AckWait <= 0 {
		c.AckWait = 30 * time.Second
	}
	if c.FetchWait <= 0 {
		c.FetchWait = time.Second
	}
	return c
}

// PartitionSubject returns the subject carrying the given partition.
func (c JetStreamConfig) PartitionSubject(partition int) string {
	return c.Subject + "." + strconv.Itoa(partition)
}

// EnsureStream creates or updates the stream backing cfg.
func EnsureStream(ctx context.Context, js jetstream.JetStream, cfg JetStreamConfig) (jetstream.Stream, error) {
	cfg = cfg.withDefaults()
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.Subject + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    cfg.MaxAge,
		Discard:   jetstream.DiscardOld,
	})
	if err != nil {
		return nil, fmt.Errorf("ensuring stream %s: %w", cfg.Stream, err)
	}
	return stream, nil
}

// JetStreamSource pulls the partition subjects assigned to one worker
// through a durable consumer with explicit acks and a single message in
// flight, so ordering holds within each partition.
type JetStreamSource struct {
	nc        *nats.Conn
	consumer  jetstream.Consumer
	fetchWait time.Duration
	ownsConn  bool
}

// NewJetStreamSource connects to cfg.URL and binds worker's durable consumer.
func NewJetStreamSource(ctx context.Context, cfg JetStreamConfig, worker int) (*JetStreamSource, error) {
	nc, err := nats.Connect(cfg.URL, nats.Name(fmt.Sprintf("%s-%d", cfg.Durable, worker)))
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	src, err := NewJetStreamSourceConn(ctx, nc, cfg, worker)
	if err != nil {
		nc.Close()
		return nil, err
	}
	src.ownsConn = true
	return src, nil
}

// NewJetStreamSourceConn binds a source on an existing connection. The
// worker reads every partition p with p % cfg.Workers == worker.
func NewJetStreamSourceConn(ctx context.Context, nc *nats.Conn, cfg JetStreamConfig, worker int) (*JetStreamSource, error) {
	cfg = cfg.withDefaults()

	partitions := AssignedPartitions(worker, cfg.Workers, cfg.Partitions)
	if len(partitions) == 0 {
		return nil, fmt.Errorf("worker %d of %d has no partition out of %d", worker, cfg.Workers, cfg.Partitions)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("creating jetstream context: %w", err)
	}
	stream, err := EnsureStream(ctx, js, cfg)
	if err != nil {
		return nil, err
	}

	cc := jetstream.ConsumerConfig{
		Durable:       fmt.Sprintf("%s-%d", cfg.Durable, worker),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		MaxAckPending: 1,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	}
	if len(partitions) == 1 {
		cc.FilterSubject = cfg.PartitionSubject(partitions[0])
	} else {
		for _, p := range partitions {
			cc.FilterSubjects = append(cc.FilterSubjects, cfg.PartitionSubject(p))
		}
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("creating consumer for worker %d: %w", worker, err)
	}

	return &JetStreamSource{
		nc:        nc,
		consumer:  consumer,
		fetchWait: cfg.FetchWait,
	}, nil
}

func (s *JetStreamSource) Fetch(ctx context.Context) (Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Message{}, err
		}
		if s.nc.IsClosed() {
			return Message{}, ErrClosed
		}

		msg, err := s.consumer.Next(jetstream.FetchMaxWait(s.fetchWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if errors.Is(err, nats.ErrConnectionClosed) {
				return Message{}, ErrClosed
			}
			return Message{}, fmt.Errorf("fetching from jetstream: %w", err)
		}

		var seq int64
		if meta, err := msg.Metadata(); err == nil {
			seq = int64(meta.Sequence.Stream)
		}

		return Message{
			Key:       []byte(msg.Headers().Get("Affinity-Key")),
			Value:     msg.Data(),
			Partition: subjectPartition(msg.Subject()),
			Offset:    seq,
			Subject:   msg.Subject(),
			raw:       msg,
		}, nil
	}
}

// subjectPartition reads the partition number off the end of a subject.
func subjectPartition(subject string) int {
	p, err := strconv.Atoi(subject[strings.LastIndexByte(subject, '.')+1:])
	if err != nil {
		return -1
	}
	return p
}

func (s *JetStreamSource) Ack(ctx context.Context, msg Message) error {
	m, ok := msg.raw.(jetstream.Msg)
	if !ok {
		return fmt.Errorf("acking jetstream message: foreign message")
	}
	if err := m.DoubleAck(ctx); err != nil {
		return fmt.Errorf("acking jetstream message %d: %w", msg.Offset, err)
	}
	return nil
}

func (s *JetStreamSource) Close() error {
	if s.ownsConn {
		s.nc.Close()
	}
	return nil
}

// JetStreamPublisher publishes envelopes on the partition subject chosen by
// hashing the affinity key.
type JetStreamPublisher struct {
	nc       *nats.Conn
	js       jetstream.JetStream
	cfg      JetStreamConfig
	ownsConn bool
}

func NewJetStreamPublisher(ctx context.Context, cfg JetStreamConfig) (*JetStreamPublisher, error) {
	nc, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	p, err := NewJetStreamPublisherConn(ctx, nc, cfg)
	if err != nil {
		nc.Close()
		return nil, err
	}
	p.ownsConn = true
	return p, nil
}

func NewJetStreamPublisherConn(ctx context.Context, nc *nats.Conn, cfg JetStreamConfig) (*JetStreamPublisher, error) {
	cfg = cfg.withDefaults()
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("creating jetstream context: %w", err)
	}
	if _, err := EnsureStream(ctx, js, cfg); err != nil {
		return nil, err
	}
	return &JetStreamPublisher{nc: nc, js: js, cfg: cfg}, nil
}

func (p *JetStreamPublisher) Publish(ctx context.Context, key, value []byte) error {
	msg := nats.NewMsg(p.cfg.PartitionSubject(PartitionFor(key, p.cfg.Partitions)))
	msg.Data = value
	msg.Header.Set("Affinity-Key", string(key))
	if _, err := p.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("publishing to jetstream: %w", err)
	}
	return nil
}

func (p *JetStreamPublisher) Close() error {
	if p.ownsConn {
		p.nc.Close()
	}
	return nil
}
