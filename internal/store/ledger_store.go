package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/Priya8975/event-pipeline/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// HasProcessed reports whether the ledger holds eventID.
func (s *PostgresStore) HasProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)",
		eventID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking ledger: %w", err)
	}
	return exists, nil
}

// MarkProcessed writes a ledger entry outside any effect transaction.
func (s *PostgresStore) MarkProcessed(ctx context.Context, eventID string, eventType domain.EventType) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return markProcessed(ctx, tx, eventID, eventType)
	})
}

// GetProcessed returns the ledger entry for eventID, or nil.
func (s *PostgresStore) GetProcessed(ctx context.Context, eventID string) (*domain.ProcessedEvent, error) {
	var pe domain.ProcessedEvent
	err := s.pool.QueryRow(ctx, `
		SELECT event_id, event_type, processed_at FROM processed_events WHERE event_id = $1
	`, eventID).Scan(&pe.EventID, &pe.EventType, &pe.ProcessedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying ledger: %w", err)
	}
	return &pe, nil
}

// EventStatus reports whether an event is processed, pending or dead-lettered.
func (s *PostgresStore) EventStatus(ctx context.Context, eventID string) (*domain.EventStatus, error) {
	status := &domain.EventStatus{EventID: eventID, State: domain.StateUnknown}

	processed, err := s.GetProcessed(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if processed != nil {
		status.State = domain.StateProcessed
		status.Processed = processed
		return status, nil
	}

	pending, err := s.GetPending(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if pending != nil {
		status.State = domain.StatePending
		status.Pending = pending
		return status, nil
	}

	dl, err := s.getDeadLetterByEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if dl != nil {
		status.State = domain.StateDeadLetter
		status.DeadLetter = dl
	}
	return status, nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// lockEvent takes a transaction-scoped advisory lock on eventID. Ledger
// writes and pending writes for one event serialize on it.
func lockEvent(ctx context.Context, db execer, eventID string) error {
	if _, err := db.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", eventID); err != nil {
		return fmt.Errorf("locking event %s: %w", eventID, err)
	}
	return nil
}

// markProcessed must run inside a transaction for the event lock to hold
// until commit.
func markProcessed(ctx context.Context, db execer, eventID string, eventType domain.EventType) error {
	if err := lockEvent(ctx, db, eventID); err != nil {
		return err
	}
	tag, err := db.Exec(ctx, `
		INSERT INTO processed_events (event_id, event_type)
		VALUES ($1, $2)
		ON CONFLICT (event_id) DO NOTHING
	`, eventID, string(eventType))
	if err != nil {
		return fmt.Errorf("writing ledger entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrDuplicateKey
	}
	return nil
}

func (t *pgTx) MarkProcessed(ctx context.Context, eventID string, eventType domain.EventType) error {
	return markProcessed(ctx, t.tx, eventID, eventType)
}

func (t *pgTx) DeletePending(ctx context.Context, eventID string) error {
	if _, err := t.tx.Exec(ctx, "DELETE FROM pending_effects WHERE event_id = $1", eventID); err != nil {
		return fmt.Errorf("deleting pending effect: %w", err)
	}
	return nil
}
