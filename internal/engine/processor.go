package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Priya8975/event-pipeline/internal/domain"
	"github.com/Priya8975/event-pipeline/internal/metrics"
)

// Outcome is the terminal result of one effect application.
type Outcome int

const (
	OutcomeApplied Outcome = iota
	OutcomeDuplicate
	OutcomePermanent
	OutcomeTransient
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomePermanent:
		return "permanent"
	case OutcomeTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// Result describes what Process did with an envelope.
type Result struct {
	Outcome       Outcome
	Notifications int
	Err           error
}

// Breaker guards effect execution per event type.
type Breaker interface {
	AllowRequest(ctx context.Context, eventType domain.EventType) (string, bool)
	RecordSuccess(ctx context.Context, eventType domain.EventType)
	RecordFailure(ctx context.Context, eventType domain.EventType)
}

// Processor applies effects exactly once: the ledger write, the domain
// mutation and the removal of any pending row commit together. It is shared
// by the consumer loop and the retry scheduler.
type Processor struct {
	ledger  domain.Ledger
	pusher  Pusher
	breaker Breaker
	alerter *Alerter
	logger  *slog.Logger
}

type ProcessorOption func(*Processor)

// WithBreaker defers effects of an event type while its circuit is open.
func WithBreaker(b Breaker) ProcessorOption {
	return func(p *Processor) { p.breaker = b }
}

// WithAlerter raises alerts for permanent failures.
func WithAlerter(a *Alerter) ProcessorOption {
	return func(p *Processor) { p.alerter = a }
}

func NewProcessor(ledger domain.Ledger, pusher Pusher, logger *slog.Logger, opts ...ProcessorOption) *Processor {
	p := &Processor{
		ledger: ledger,
		pusher: pusher,
		logger: logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process runs effect for env unless the ledger already holds it.
func (p *Processor) Process(ctx context.Context, env domain.Envelope, effect Effect) Result {
	start := time.Now()
	res := p.process(ctx, env, effect)
	metrics.RecordEffect(string(env.EventType), res.Outcome.String(), time.Since(start))
	return res
}

func (p *Processor) process(ctx context.Context, env domain.Envelope, effect Effect) Result {
	done, err := p.ledger.HasProcessed(ctx, env.EventID)
	if err != nil {
		return Result{Outcome: OutcomeTransient, Err: Transient(fmt.Errorf("checking ledger: %w", err))}
	}
	if done {
		p.logger.Debug("event already processed", "event_id", env.EventID, "event_type", env.EventType)
		return Result{Outcome: OutcomeDuplicate}
	}

	if p.breaker != nil {
		if state, ok := p.breaker.AllowRequest(ctx, env.EventType); !ok {
			return Result{
				Outcome: OutcomeTransient,
				Err:     Transient(fmt.Errorf("%w for %s (%s)", ErrCircuitOpen, env.EventType, state)),
			}
		}
	}

	var msgs []domain.NotificationMessage
	err = p.ledger.WithinTx(ctx, func(tx domain.Tx) error {
		if err := tx.MarkProcessed(ctx, env.EventID, env.EventType); err != nil {
			return err
		}
		out, err := effect(ctx, tx)
		if err != nil {
			return err
		}
		if err := tx.DeletePending(ctx, env.EventID); err != nil {
			return fmt.Errorf("clearing pending row: %w", err)
		}
		msgs = out
		return nil
	})

	switch {
	case err == nil:
		if p.breaker != nil {
			p.breaker.RecordSuccess(ctx, env.EventType)
		}
		if p.pusher != nil {
			for _, msg := range msgs {
				p.pusher.Push(msg)
			}
		}
		p.logger.Info("effect applied",
			"event_id", env.EventID,
			"event_type", env.EventType,
			"notifications", len(msgs),
		)
		return Result{Outcome: OutcomeApplied, Notifications: len(msgs)}

	case errors.Is(err, domain.ErrDuplicateKey):
		// the store answered, which also ends a half-open trial
		if p.breaker != nil {
			p.breaker.RecordSuccess(ctx, env.EventType)
		}
		p.logger.Debug("ledger race lost", "event_id", env.EventID, "event_type", env.EventType)
		return Result{Outcome: OutcomeDuplicate}

	case IsPermanent(err):
		if p.breaker != nil {
			p.breaker.RecordSuccess(ctx, env.EventType)
		}
		return p.settlePermanent(ctx, env, err)

	default:
		if p.breaker != nil {
			p.breaker.RecordFailure(ctx, env.EventType)
		}
		var te *TransientError
		if !errors.As(err, &te) {
			err = Transient(err)
		}
		return Result{Outcome: OutcomeTransient, Err: err}
	}
}

// settlePermanent records the event in the ledger without its mutation so it
// is never retried, then alerts.
func (p *Processor) settlePermanent(ctx context.Context, env domain.Envelope, cause error) Result {
	err := p.ledger.WithinTx(ctx, func(tx domain.Tx) error {
		if err := tx.MarkProcessed(ctx, env.EventID, env.EventType); err != nil {
			return err
		}
		return tx.DeletePending(ctx, env.EventID)
	})
	if errors.Is(err, domain.ErrDuplicateKey) {
		return Result{Outcome: OutcomeDuplicate}
	}
	if err != nil {
		return Result{Outcome: OutcomeTransient, Err: Transient(fmt.Errorf("settling permanent failure: %w", err))}
	}

	p.logger.Warn("effect failed permanently, marked processed",
		"event_id", env.EventID,
		"event_type", env.EventType,
		"error", cause,
	)
	p.alerter.Raise(ctx, Alert{
		Kind:      AlertPermanentFailure,
		EventID:   env.EventID,
		EventType: env.EventType,
		Reason:    cause.Error(),
	})
	return Result{Outcome: OutcomePermanent, Err: cause}
}
