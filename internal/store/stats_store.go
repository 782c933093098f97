package store

import (
	"context"
	"fmt"

	"github.com/Priya8975/event-pipeline/internal/domain"
)

// GetPipelineStats returns aggregated ledger, pending and dead-letter counts.
func (s *PostgresStore) GetPipelineStats(ctx context.Context) (*domain.PipelineStats, error) {
	var m domain.PipelineStats

	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM processed_events`).Scan(&m.ProcessedEvents)
	if err != nil {
		return nil, fmt.Errorf("querying processed count: %w", err)
	}

	err = s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE lease_until > NOW()),
			MIN(first_failed_at)
		FROM pending_effects
	`).Scan(&m.PendingEffects, &m.LeasedEffects, &m.OldestPendingAt)
	if err != nil {
		return nil, fmt.Errorf("querying pending metrics: %w", err)
	}

	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM dead_letters WHERE resolved_at IS NULL
	`).Scan(&m.UnresolvedDeadLetters)
	if err != nil {
		return nil, fmt.Errorf("querying dead letter count: %w", err)
	}

	return &m, nil
}
