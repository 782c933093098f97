package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Priya8975/event-pipeline/internal/domain"
	"github.com/Priya8975/event-pipeline/internal/engine"
	"github.com/Priya8975/event-pipeline/internal/metrics"
)

// SchedulerConfig bounds the retry scheduler.
type SchedulerConfig struct {
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
	Lease       time.Duration
}

// BatchResult summarises one retry batch.
type BatchResult struct {
	Claimed      int `json:"claimed"`
	Applied      int `json:"applied"`
	Superseded   int `json:"superseded"`
	Permanent    int `json:"permanent"`
	Deferred     int `json:"deferred"`
	Failed       int `json:"failed"`
	DeadLettered int `json:"dead_lettered"`
	Released     int `json:"released"`
}

// Scheduler re-attempts pending effects on a fixed interval, oldest first.
// It shares the Processor with the consumer loop, so a retried effect goes
// through the same ledger check and atomic unit.
type Scheduler struct {
	pending   domain.PendingStore
	ledger    domain.Ledger
	registry  *engine.Registry
	processor *engine.Processor
	alerter   *engine.Alerter
	logger    *slog.Logger
	cfg       SchedulerConfig

	mu sync.Mutex
}

func NewScheduler(pending domain.PendingStore, ledger domain.Ledger, registry *engine.Registry, processor *engine.Processor, alerter *engine.Alerter, logger *slog.Logger, cfg SchedulerConfig) *Scheduler {
	return &Scheduler{
		pending:   pending,
		ledger:    ledger,
		registry:  registry,
		processor: processor,
		alerter:   alerter,
		logger:    logger,
		cfg:       cfg,
	}
}

// Serve runs a batch every interval until ctx is cancelled.
func (s *Scheduler) Serve(ctx context.Context) error {
	s.logger.Info("retry scheduler started",
		"interval", s.cfg.Interval.String(),
		"batch_size", s.cfg.BatchSize,
		"max_attempts", s.cfg.MaxAttempts,
	)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("retry scheduler stopping")
			return nil
		case <-ticker.C:
			res, err := s.RunOnce(ctx)
			if err != nil && ctx.Err() == nil {
				s.logger.Error("retry batch failed", "error", err)
				continue
			}
			if res.Claimed > 0 {
				s.logger.Info("retry batch finished",
					"claimed", res.Claimed,
					"applied", res.Applied,
					"superseded", res.Superseded,
					"failed", res.Failed,
					"dead_lettered", res.DeadLettered,
				)
			}
		}
	}
}

func (s *Scheduler) String() string {
	return "retry-scheduler"
}

// RunOnce claims one batch and retries every row in it. Batches never
// overlap within a process; leases keep concurrent processes apart. If ctx
// is cancelled mid-batch the remaining rows are released untouched.
func (s *Scheduler) RunOnce(ctx context.Context) (BatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	defer func() { metrics.RetryBatchDuration.Observe(time.Since(start).Seconds()) }()

	var res BatchResult
	rows, err := s.pending.ClaimPending(ctx, s.cfg.BatchSize, s.cfg.Lease)
	if err != nil {
		return res, fmt.Errorf("claiming pending effects: %w", err)
	}
	res.Claimed = len(rows)

	for i, row := range rows {
		if ctx.Err() != nil {
			if s.release(ctx, rows[i:]) {
				res.Released += len(rows) - i
			}
			return res, ctx.Err()
		}
		s.retry(ctx, row, &res)
	}
	return res, nil
}

func (s *Scheduler) retry(ctx context.Context, row domain.PendingEffect, res *BatchResult) {
	logger := s.logger.With("event_id", row.EventID, "event_type", row.EventType, "attempt", row.AttemptCount)

	done, err := s.ledger.HasProcessed(ctx, row.EventID)
	if err != nil {
		s.fail(ctx, row, fmt.Errorf("checking ledger: %w", err), res)
		return
	}
	if done {
		if err := s.pending.DeletePending(ctx, row.EventID); err != nil {
			logger.Error("failed to remove superseded pending effect", "error", err)
			return
		}
		logger.Debug("pending effect superseded by ledger")
		res.Superseded++
		metrics.RecordRetry("superseded")
		return
	}

	env := row.Envelope()
	effect, err := s.registry.Bind(env)
	if err != nil {
		s.deadLetter(ctx, row, err, res)
		return
	}

	out := s.processor.Process(ctx, env, effect)
	switch out.Outcome {
	case engine.OutcomeApplied:
		res.Applied++
		metrics.RecordRetry("applied")
		logger.Info("pending effect applied on retry")
	case engine.OutcomeDuplicate:
		if err := s.pending.DeletePending(ctx, row.EventID); err != nil {
			logger.Error("failed to remove superseded pending effect", "error", err)
			return
		}
		res.Superseded++
		metrics.RecordRetry("superseded")
	case engine.OutcomePermanent:
		res.Permanent++
		metrics.RecordRetry("permanent")
	default:
		if ctx.Err() != nil {
			if s.release(ctx, []domain.PendingEffect{row}) {
				res.Released++
			}
			return
		}
		if errors.Is(out.Err, engine.ErrCircuitOpen) {
			if s.release(ctx, []domain.PendingEffect{row}) {
				res.Deferred++
				metrics.RecordRetry("deferred")
			}
			return
		}
		s.fail(ctx, row, out.Err, res)
	}
}

// fail counts one failed attempt and dead-letters the row at the ceiling.
func (s *Scheduler) fail(ctx context.Context, row domain.PendingEffect, cause error, res *BatchResult) {
	attempts, dead, err := s.pending.RecordRetryFailure(context.WithoutCancel(ctx), row.EventID, cause.Error(), s.cfg.MaxAttempts)
	if err != nil {
		s.logger.Error("failed to record retry failure",
			"event_id", row.EventID,
			"error", err,
		)
		return
	}

	if !dead {
		res.Failed++
		metrics.RecordRetry("failed")
		s.logger.Warn("pending effect retry failed",
			"event_id", row.EventID,
			"event_type", row.EventType,
			"attempt", attempts,
			"error", cause,
		)
		return
	}

	res.DeadLettered++
	metrics.RecordRetry("dead_lettered")
	s.alerter.Raise(ctx, engine.Alert{
		Kind:      engine.AlertDeadLetter,
		EventID:   row.EventID,
		EventType: row.EventType,
		Attempts:  attempts,
		Reason:    cause.Error(),
	})
}

func (s *Scheduler) deadLetter(ctx context.Context, row domain.PendingEffect, cause error, res *BatchResult) {
	if err := s.pending.DeadLetterPending(context.WithoutCancel(ctx), row.EventID, cause.Error()); err != nil {
		s.logger.Error("failed to dead-letter pending effect",
			"event_id", row.EventID,
			"error", err,
		)
		return
	}
	res.DeadLettered++
	metrics.RecordRetry("dead_lettered")
	s.alerter.Raise(ctx, engine.Alert{
		Kind:      engine.AlertDeadLetter,
		EventID:   row.EventID,
		EventType: row.EventType,
		Attempts:  row.AttemptCount,
		Reason:    cause.Error(),
	})
}

// release hands leases back without touching attempt counts.
func (s *Scheduler) release(ctx context.Context, rows []domain.PendingEffect) bool {
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.EventID
	}
	if err := s.pending.ReleasePending(context.WithoutCancel(ctx), ids); err != nil {
		s.logger.Error("failed to release pending leases", "error", err, "count", len(ids))
		return false
	}
	return true
}
