// Package transport adapts message brokers to the consumer loop.
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by Fetch once the source has been closed.
var ErrClosed = errors.New("transport closed")

// Message is one envelope as delivered by a transport. Ack must be called
// through the Source that produced it.
type Message struct {
	Key       []byte
	Value     []byte
	Partition int
	Offset    int64
	Subject   string

	raw any
}

// Source is a partition-affine stream of messages. Messages from one
// Source are delivered and acknowledged in order.
type Source interface {
	Fetch(ctx context.Context) (Message, error)
	Ack(ctx context.Context, msg Message) error
	Close() error
}

// Publisher writes encoded envelopes keyed by their affinity key.
type Publisher interface {
	Publish(ctx context.Context, key, value []byte) error
	Close() error
}
