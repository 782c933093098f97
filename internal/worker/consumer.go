package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Priya8975/event-pipeline/internal/domain"
	"github.com/Priya8975/event-pipeline/internal/engine"
	"github.com/Priya8975/event-pipeline/internal/metrics"
	"github.com/Priya8975/event-pipeline/internal/transport"
)

// Disposition says what the consumer decided for one message. Every
// disposition except DispositionUnsettled is safe to acknowledge.
type Disposition int

const (
	DispositionApplied Disposition = iota
	DispositionDuplicate
	DispositionPoison
	DispositionPermanent
	DispositionParked
	DispositionUnsettled
)

func (d Disposition) String() string {
	switch d {
	case DispositionApplied:
		return "applied"
	case DispositionDuplicate:
		return "duplicate"
	case DispositionPoison:
		return "poison"
	case DispositionPermanent:
		return "permanent"
	case DispositionParked:
		return "parked"
	default:
		return "unsettled"
	}
}

const (
	parkBackoffMin = 100 * time.Millisecond
	parkBackoffMax = 5 * time.Second
	ackTimeout     = 10 * time.Second
)

// Consumer turns transport messages into effect applications. One Consumer
// is shared by every worker of a Pool.
type Consumer struct {
	registry  *engine.Registry
	processor *engine.Processor
	pending   domain.PendingStore
	alerter   *engine.Alerter
	logger    *slog.Logger
}

func NewConsumer(registry *engine.Registry, processor *engine.Processor, pending domain.PendingStore, alerter *engine.Alerter, logger *slog.Logger) *Consumer {
	return &Consumer{
		registry:  registry,
		processor: processor,
		pending:   pending,
		alerter:   alerter,
		logger:    logger,
	}
}

// Handle settles one raw envelope. Work already started runs to completion
// even if ctx is cancelled; ctx only bounds how long a failed effect keeps
// trying to reach the pending store.
func (c *Consumer) Handle(ctx context.Context, raw []byte) Disposition {
	d := c.handle(ctx, raw)
	metrics.RecordConsumed(d.String())
	return d
}

func (c *Consumer) handle(ctx context.Context, raw []byte) Disposition {
	work := context.WithoutCancel(ctx)

	env, err := engine.Decode(raw)
	if err != nil {
		c.reject(work, domain.Envelope{}, err)
		return DispositionPoison
	}

	effect, err := c.registry.Bind(env)
	if err != nil {
		c.reject(work, env, err)
		return DispositionPoison
	}

	res := c.processor.Process(work, env, effect)
	switch res.Outcome {
	case engine.OutcomeApplied:
		return DispositionApplied
	case engine.OutcomeDuplicate:
		return DispositionDuplicate
	case engine.OutcomePermanent:
		return DispositionPermanent
	}

	deferred := errors.Is(res.Err, engine.ErrCircuitOpen)
	c.logger.Warn("effect failed, parking for retry",
		"event_id", env.EventID,
		"event_type", env.EventType,
		"error", res.Err,
		"deferred", deferred,
	)
	return c.park(ctx, env, res.Err, deferred)
}

// park writes the failed effect to the pending store, retrying until it
// succeeds or ctx ends. The message must not be acknowledged unless parking
// succeeded. A deferred effect was never attempted and does not count
// against the attempt ceiling.
func (c *Consumer) park(ctx context.Context, env domain.Envelope, cause error, deferred bool) Disposition {
	save := c.pending.SavePending
	if deferred {
		save = c.pending.DeferPending
	}

	backoff := parkBackoffMin
	for {
		saved, err := save(context.WithoutCancel(ctx), env, cause.Error())
		if err == nil {
			if !saved {
				// already in the ledger or waiting in a dead letter
				c.logger.Info("effect already settled, not parking",
					"event_id", env.EventID,
					"event_type", env.EventType,
				)
				return DispositionDuplicate
			}
			return DispositionParked
		}

		c.logger.Error("failed to park effect",
			"event_id", env.EventID,
			"event_type", env.EventType,
			"error", err,
			"retry_in", backoff.String(),
		)

		select {
		case <-ctx.Done():
			return DispositionUnsettled
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, parkBackoffMax)
	}
}

// reject handles poison input: logged, alerted, acknowledged, never retried.
func (c *Consumer) reject(ctx context.Context, env domain.Envelope, err error) {
	c.logger.Warn("skipping poison message",
		"event_id", env.EventID,
		"event_type", env.EventType,
		"error", err,
	)
	c.alerter.Raise(ctx, engine.Alert{
		Kind:      engine.AlertPoisonMessage,
		EventID:   env.EventID,
		EventType: env.EventType,
		Reason:    err.Error(),
	})
}

// Run pulls messages from src until ctx ends or src closes. Messages are
// acknowledged in order, after they are settled.
func (c *Consumer) Run(ctx context.Context, worker int, src transport.Source) error {
	logger := c.logger.With("worker", worker)
	logger.Info("consumer started")
	defer logger.Info("consumer stopped")

	backoff := parkBackoffMin
	for {
		msg, err := src.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return nil
			}
			logger.Error("failed to fetch message", "error", err, "retry_in", backoff.String())
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, parkBackoffMax)
			continue
		}
		backoff = parkBackoffMin

		d := c.Handle(ctx, msg.Value)
		if d == DispositionUnsettled {
			logger.Warn("shutting down with unsettled message",
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
			return nil
		}

		ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ackTimeout)
		err = src.Ack(ackCtx, msg)
		cancel()
		if err != nil {
			// redelivery is absorbed by the ledger
			logger.Error("failed to acknowledge message",
				"error", err,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
		}
	}
}
