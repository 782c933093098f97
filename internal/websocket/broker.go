package websocket

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/Priya8975/event-pipeline/internal/domain"
	"github.com/Priya8975/event-pipeline/internal/metrics"
	"github.com/google/uuid"
)

// DefaultQueueSize is the per-channel buffer when none is configured.
const DefaultQueueSize = 64

// Channel is one live outbound session of a receiver. Messages queue in a
// bounded buffer; when it is full the oldest message is evicted.
type Channel struct {
	id         string
	receiverID string
	queue      chan domain.NotificationMessage
	mu         sync.Mutex
	closed     bool
	dropped    atomic.Int64
}

// ID returns the unique handle of the channel.
func (c *Channel) ID() string { return c.id }

// ReceiverID returns the receiver the channel belongs to.
func (c *Channel) ReceiverID() string { return c.receiverID }

// Messages is closed when the channel is unregistered.
func (c *Channel) Messages() <-chan domain.NotificationMessage { return c.queue }

// Dropped reports how many messages were evicted from this channel.
func (c *Channel) Dropped() int64 { return c.dropped.Load() }

// offer enqueues msg without blocking. It returns false if the channel is closed.
func (c *Channel) offer(msg domain.NotificationMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	for {
		select {
		case c.queue <- msg:
			return true
		default:
		}
		select {
		case <-c.queue:
			c.dropped.Add(1)
			metrics.BrokerDropped.Inc()
		default:
		}
	}
}

func (c *Channel) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.queue)
	}
}

// Broker maps receivers to their live channels and fans notifications out
// to them. Push never blocks and never fails.
type Broker struct {
	mu        sync.RWMutex
	receivers map[string]map[*Channel]struct{}
	queueSize int
	logger    *slog.Logger
	closed    bool
}

// NewBroker creates a broker whose channels buffer queueSize messages.
func NewBroker(queueSize int, logger *slog.Logger) *Broker {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Broker{
		receivers: make(map[string]map[*Channel]struct{}),
		queueSize: queueSize,
		logger:    logger,
	}
}

// Register opens a new channel for receiverID. It returns nil once the
// broker has been shut down.
func (b *Broker) Register(receiverID string) *Channel {
	ch := &Channel{
		id:         uuid.NewString(),
		receiverID: receiverID,
		queue:      make(chan domain.NotificationMessage, b.queueSize),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}

	set, ok := b.receivers[receiverID]
	if !ok {
		set = make(map[*Channel]struct{})
		b.receivers[receiverID] = set
	}
	set[ch] = struct{}{}
	metrics.BrokerChannels.Inc()

	b.logger.Debug("push channel registered",
		"receiver_id", receiverID,
		"channel_id", ch.id,
		"receiver_channels", len(set),
	)
	return ch
}

// Unregister removes ch and closes its message stream. Unknown or already
// removed channels are ignored.
func (b *Broker) Unregister(ch *Channel) {
	if ch == nil {
		return
	}

	b.mu.Lock()
	set, ok := b.receivers[ch.receiverID]
	if ok {
		if _, present := set[ch]; present {
			delete(set, ch)
			metrics.BrokerChannels.Dec()
			if len(set) == 0 {
				delete(b.receivers, ch.receiverID)
			}
		}
	}
	b.mu.Unlock()

	ch.close()
	b.logger.Debug("push channel unregistered", "receiver_id", ch.receiverID, "channel_id", ch.id)
}

// Push queues msg on every channel of its receiver. A receiver without
// channels is a no-op.
func (b *Broker) Push(msg domain.NotificationMessage) {
	b.mu.RLock()
	set := b.receivers[msg.ReceiverID]
	targets := make([]*Channel, 0, len(set))
	for ch := range set {
		targets = append(targets, ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		if ch.offer(msg) {
			metrics.BrokerPushed.Inc()
			continue
		}
		b.Unregister(ch)
	}
}

// ChannelCount returns the number of live channels.
func (b *Broker) ChannelCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, set := range b.receivers {
		n += len(set)
	}
	return n
}

// ReceiverCount returns the number of receivers with at least one channel.
func (b *Broker) ReceiverCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.receivers)
}

// Serve blocks until ctx is done, then closes every channel.
func (b *Broker) Serve(ctx context.Context) error {
	b.logger.Info("delivery broker started", "queue_size", b.queueSize)
	<-ctx.Done()
	b.Close()
	return ctx.Err()
}

func (b *Broker) String() string {
	return "delivery-broker"
}

// Close unregisters every channel and rejects new registrations.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*Channel
	for _, set := range b.receivers {
		for ch := range set {
			all = append(all, ch)
		}
	}
	b.receivers = make(map[string]map[*Channel]struct{})
	b.mu.Unlock()

	for _, ch := range all {
		ch.close()
		metrics.BrokerChannels.Dec()
	}
	b.logger.Info("delivery broker stopped", "closed_channels", len(all))
}
