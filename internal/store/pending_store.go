package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Priya8975/event-pipeline/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const pendingColumns = `event_id, event_type, payload, occurred_at, attempt_count, first_failed_at, last_failed_at, last_error, lease_until`

// SavePending records a transient failure. A new row starts at one attempt,
// an existing row gets its attempt count bumped. Nothing is written when the
// event is already in the ledger or waits in an unresolved dead letter.
func (s *PostgresStore) SavePending(ctx context.Context, env domain.Envelope, lastError string) (bool, error) {
	saved, err := s.parkPending(ctx, env, lastError, `
		INSERT INTO pending_effects (event_id, event_type, payload, occurred_at, last_error)
		SELECT $1, $2, $3, $4, $5
		WHERE NOT EXISTS (SELECT 1 FROM processed_events WHERE event_id = $1)
		AND NOT EXISTS (SELECT 1 FROM dead_letters WHERE event_id = $1 AND resolved_at IS NULL)
		ON CONFLICT (event_id) DO UPDATE SET
			attempt_count = pending_effects.attempt_count + 1,
			last_failed_at = NOW(),
			last_error = EXCLUDED.last_error
	`)
	if err != nil {
		return false, fmt.Errorf("saving pending effect: %w", err)
	}
	return saved, nil
}

// DeferPending parks an effect that was never attempted, leaving the attempt
// count where it was.
func (s *PostgresStore) DeferPending(ctx context.Context, env domain.Envelope, reason string) (bool, error) {
	saved, err := s.parkPending(ctx, env, reason, `
		INSERT INTO pending_effects (event_id, event_type, payload, occurred_at, last_error, attempt_count)
		SELECT $1, $2, $3, $4, $5, 0
		WHERE NOT EXISTS (SELECT 1 FROM processed_events WHERE event_id = $1)
		AND NOT EXISTS (SELECT 1 FROM dead_letters WHERE event_id = $1 AND resolved_at IS NULL)
		ON CONFLICT (event_id) DO UPDATE SET
			last_error = EXCLUDED.last_error
	`)
	if err != nil {
		return false, fmt.Errorf("deferring pending effect: %w", err)
	}
	return saved, nil
}

// parkPending runs an upsert into pending_effects under the event's advisory
// lock. The ledger write takes the same lock, so the ledger check in query
// sees any ledger entry committed before it.
func (s *PostgresStore) parkPending(ctx context.Context, env domain.Envelope, reason, query string) (bool, error) {
	var saved bool
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := lockEvent(ctx, tx, env.EventID); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, query, env.EventID, string(env.EventType), []byte(env.Payload), env.OccurredAt, reason)
		if err != nil {
			return err
		}
		saved = tag.RowsAffected() > 0
		return nil
	})
	return saved, err
}

// ClaimPending leases up to limit rows, oldest first failure first. Rows
// leased by another scheduler are skipped until their lease expires.
func (s *PostgresStore) ClaimPending(ctx context.Context, limit int, lease time.Duration) ([]domain.PendingEffect, error) {
	rows, err := s.pool.Query(ctx, `
		WITH claimable AS (
			SELECT event_id FROM pending_effects
			WHERE lease_until IS NULL OR lease_until < NOW()
			ORDER BY first_failed_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		), claimed AS (
			UPDATE pending_effects p
			SET lease_until = NOW() + make_interval(secs => $2)
			FROM claimable c
			WHERE p.event_id = c.event_id
			RETURNING p.event_id, p.event_type, p.payload, p.occurred_at, p.attempt_count,
				p.first_failed_at, p.last_failed_at, p.last_error, p.lease_until
		)
		SELECT `+pendingColumns+` FROM claimed ORDER BY first_failed_at ASC
	`, limit, lease.Seconds())
	if err != nil {
		return nil, fmt.Errorf("claiming pending effects: %w", err)
	}
	return scanPending(rows)
}

// RecordRetryFailure bumps the attempt count of a claimed row and releases
// its lease. Once the count reaches maxAttempts the row moves to dead_letters.
func (s *PostgresStore) RecordRetryFailure(ctx context.Context, eventID, lastError string, maxAttempts int) (int, bool, error) {
	var attempts int
	var dead bool

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			UPDATE pending_effects
			SET attempt_count = attempt_count + 1,
				last_failed_at = NOW(),
				last_error = $2,
				lease_until = NULL
			WHERE event_id = $1
			RETURNING attempt_count
		`, eventID, lastError).Scan(&attempts)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.ErrNotFound
			}
			return err
		}

		if maxAttempts > 0 && attempts >= maxAttempts {
			dead = true
			return moveToDeadLetters(ctx, tx, eventID)
		}
		return nil
	})
	if err != nil {
		return 0, false, fmt.Errorf("recording retry failure: %w", err)
	}
	return attempts, dead, nil
}

// DeadLetterPending moves a pending row to dead_letters immediately.
func (s *PostgresStore) DeadLetterPending(ctx context.Context, eventID, reason string) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE pending_effects SET last_error = $2 WHERE event_id = $1`, eventID, reason)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrNotFound
		}
		return moveToDeadLetters(ctx, tx, eventID)
	})
	if err != nil {
		return fmt.Errorf("dead-lettering pending effect: %w", err)
	}
	return nil
}

func moveToDeadLetters(ctx context.Context, tx pgx.Tx, eventID string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO dead_letters (id, event_id, event_type, payload, occurred_at, total_attempts, last_error, first_failed_at)
		SELECT $2::uuid, event_id, event_type, payload, occurred_at, attempt_count, last_error, first_failed_at
		FROM pending_effects WHERE event_id = $1
		ON CONFLICT (event_id) DO UPDATE SET
			total_attempts = EXCLUDED.total_attempts,
			last_error = EXCLUDED.last_error,
			created_at = NOW(),
			resolved_at = NULL,
			resolved_by = NULL
	`, eventID, uuid.NewString())
	if err != nil {
		return fmt.Errorf("inserting dead letter: %w", err)
	}
	if _, err := tx.Exec(ctx, "DELETE FROM pending_effects WHERE event_id = $1", eventID); err != nil {
		return fmt.Errorf("deleting pending effect: %w", err)
	}
	return nil
}

// ReleasePending clears the lease on rows a scheduler did not finish.
func (s *PostgresStore) ReleasePending(ctx context.Context, eventIDs []string) error {
	if len(eventIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, "UPDATE pending_effects SET lease_until = NULL WHERE event_id = ANY($1)", eventIDs)
	if err != nil {
		return fmt.Errorf("releasing pending effects: %w", err)
	}
	return nil
}

// DeletePending removes a pending row superseded by a ledger entry.
func (s *PostgresStore) DeletePending(ctx context.Context, eventID string) error {
	if _, err := s.pool.Exec(ctx, "DELETE FROM pending_effects WHERE event_id = $1", eventID); err != nil {
		return fmt.Errorf("deleting pending effect: %w", err)
	}
	return nil
}

// ListPending returns pending rows, oldest first.
func (s *PostgresStore) ListPending(ctx context.Context, limit int) ([]domain.PendingEffect, error) {
	query := `SELECT ` + pendingColumns + ` FROM pending_effects ORDER BY first_failed_at ASC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying pending effects: %w", err)
	}
	return scanPending(rows)
}

// GetPending returns the pending row for eventID, or nil.
func (s *PostgresStore) GetPending(ctx context.Context, eventID string) (*domain.PendingEffect, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pendingColumns+` FROM pending_effects WHERE event_id = $1`, eventID)
	if err != nil {
		return nil, fmt.Errorf("querying pending effect: %w", err)
	}
	pending, err := scanPending(rows)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}
	return &pending[0], nil
}

func scanPending(rows pgx.Rows) ([]domain.PendingEffect, error) {
	defer rows.Close()

	pending := []domain.PendingEffect{}
	for rows.Next() {
		var p domain.PendingEffect
		var payload []byte
		err := rows.Scan(
			&p.EventID, &p.EventType, &payload, &p.OccurredAt, &p.AttemptCount,
			&p.FirstFailedAt, &p.LastFailedAt, &p.LastError, &p.LeaseUntil,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning pending effect: %w", err)
		}
		p.Payload = payload
		pending = append(pending, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating pending effects: %w", err)
	}
	return pending, nil
}
