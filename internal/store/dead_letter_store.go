package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Priya8975/event-pipeline/internal/domain"
	"github.com/jackc/pgx/v5"
)

const deadLetterColumns = `id::text, event_id, event_type, payload, occurred_at, total_attempts, last_error, first_failed_at, created_at, resolved_at, resolved_by`

// ListDeadLetters returns dead letters with optional filtering, newest first.
func (s *PostgresStore) ListDeadLetters(ctx context.Context, filter domain.DeadLetterFilter) ([]domain.DeadLetter, error) {
	query := `SELECT ` + deadLetterColumns + ` FROM dead_letters`
	args := []any{}
	argIdx := 1
	conditions := []string{}

	if filter.EventType != "" {
		conditions = append(conditions, fmt.Sprintf("event_type = $%d", argIdx))
		args = append(args, string(filter.EventType))
		argIdx++
	}

	if filter.Resolved {
		conditions = append(conditions, "resolved_at IS NOT NULL")
	} else {
		conditions = append(conditions, "resolved_at IS NULL")
	}

	query += " WHERE " + strings.Join(conditions, " AND ")
	query += " ORDER BY created_at DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying dead letters: %w", err)
	}
	defer rows.Close()

	letters := []domain.DeadLetter{}
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		letters = append(letters, *dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating dead letters: %w", err)
	}

	return letters, nil
}

// GetDeadLetter returns a single dead letter by ID, or nil.
func (s *PostgresStore) GetDeadLetter(ctx context.Context, id string) (*domain.DeadLetter, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+deadLetterColumns+` FROM dead_letters WHERE id::text = $1`, id)
	dl, err := scanDeadLetter(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return dl, nil
}

func (s *PostgresStore) getDeadLetterByEvent(ctx context.Context, eventID string) (*domain.DeadLetter, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+deadLetterColumns+` FROM dead_letters WHERE event_id = $1`, eventID)
	dl, err := scanDeadLetter(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return dl, nil
}

// ResolveDeadLetter marks a dead letter as handled by an operator.
func (s *PostgresStore) ResolveDeadLetter(ctx context.Context, id string, resolvedBy string) error {
	result, err := s.pool.Exec(ctx, `
		UPDATE dead_letters SET resolved_at = NOW(), resolved_by = $2
		WHERE id::text = $1 AND resolved_at IS NULL
	`, id, resolvedBy)
	if err != nil {
		return fmt.Errorf("resolving dead letter: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("resolving dead letter %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// RequeueDeadLetter moves an unresolved dead letter back to the pending
// table with a fresh attempt budget.
func (s *PostgresStore) RequeueDeadLetter(ctx context.Context, id string) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO pending_effects (event_id, event_type, payload, occurred_at, attempt_count, first_failed_at, last_error)
			SELECT event_id, event_type, payload, occurred_at, 0, NOW(), last_error
			FROM dead_letters
			WHERE id::text = $1 AND resolved_at IS NULL
			  AND NOT EXISTS (SELECT 1 FROM processed_events pe WHERE pe.event_id = dead_letters.event_id)
			ON CONFLICT (event_id) DO NOTHING
		`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrNotFound
		}
		_, err = tx.Exec(ctx, `
			UPDATE dead_letters SET resolved_at = NOW(), resolved_by = 'requeue'
			WHERE id::text = $1
		`, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("requeueing dead letter %s: %w", id, err)
	}
	return nil
}

func scanDeadLetter(row pgx.Row) (*domain.DeadLetter, error) {
	var dl domain.DeadLetter
	var payload []byte
	err := row.Scan(
		&dl.ID, &dl.EventID, &dl.EventType, &payload, &dl.OccurredAt,
		&dl.TotalAttempts, &dl.LastError, &dl.FirstFailedAt, &dl.CreatedAt,
		&dl.ResolvedAt, &dl.ResolvedBy,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning dead letter: %w", err)
	}
	dl.Payload = payload
	return &dl, nil
}
