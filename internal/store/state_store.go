package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Priya8975/event-pipeline/internal/domain"
	"github.com/jackc/pgx/v5"
)

// The methods below implement domain.StateMutator on a transaction so that
// domain mutations commit together with the ledger entry.

func (t *pgTx) AdjustFollowerCount(ctx context.Context, userID string, delta int) (int64, error) {
	return t.adjustUserCounter(ctx, "follower_count", userID, delta)
}

func (t *pgTx) AdjustFollowingCount(ctx context.Context, userID string, delta int) (int64, error) {
	return t.adjustUserCounter(ctx, "following_count", userID, delta)
}

func (t *pgTx) adjustUserCounter(ctx context.Context, column, userID string, delta int) (int64, error) {
	var count int64
	err := t.tx.QueryRow(ctx, fmt.Sprintf(`
		UPDATE user_stats
		SET %[1]s = GREATEST(%[1]s + $2, 0), updated_at = NOW()
		WHERE user_id = $1
		RETURNING %[1]s
	`, column), userID, delta).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("user %s: %w", userID, domain.ErrNotFound)
		}
		return 0, fmt.Errorf("updating %s: %w", column, err)
	}
	return count, nil
}

func (t *pgTx) SetRole(ctx context.Context, userID, role string) (bool, error) {
	var previous string
	err := t.tx.QueryRow(ctx, `
		SELECT role FROM user_stats WHERE user_id = $1 FOR UPDATE
	`, userID).Scan(&previous)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, fmt.Errorf("user %s: %w", userID, domain.ErrNotFound)
		}
		return false, fmt.Errorf("reading role: %w", err)
	}
	if previous == role {
		return false, nil
	}

	if _, err := t.tx.Exec(ctx, `
		UPDATE user_stats SET role = $2, updated_at = NOW() WHERE user_id = $1
	`, userID, role); err != nil {
		return false, fmt.Errorf("setting role: %w", err)
	}
	return true, nil
}

func (t *pgTx) RecordReview(ctx context.Context, contentID string, rating int) (int64, error) {
	var count int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO content_stats (content_id, review_count, rating_sum)
		VALUES ($1, 1, $2)
		ON CONFLICT (content_id) DO UPDATE SET
			review_count = content_stats.review_count + 1,
			rating_sum = content_stats.rating_sum + EXCLUDED.rating_sum,
			updated_at = NOW()
		RETURNING review_count
	`, contentID, rating).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("recording review: %w", err)
	}
	return count, nil
}

func (t *pgTx) TouchConversation(ctx context.Context, conversationID string, at time.Time) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO conversation_activity (conversation_id, last_message_at)
		VALUES ($1, $2)
		ON CONFLICT (conversation_id) DO UPDATE SET
			last_message_at = GREATEST(conversation_activity.last_message_at, EXCLUDED.last_message_at)
	`, conversationID, at)
	if err != nil {
		return fmt.Errorf("touching conversation: %w", err)
	}
	return nil
}

func (t *pgTx) TouchPlaylist(ctx context.Context, playlistID string, at time.Time) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO playlist_activity (playlist_id, last_updated_at)
		VALUES ($1, $2)
		ON CONFLICT (playlist_id) DO UPDATE SET
			last_updated_at = GREATEST(playlist_activity.last_updated_at, EXCLUDED.last_updated_at)
	`, playlistID, at)
	if err != nil {
		return fmt.Errorf("touching playlist: %w", err)
	}
	return nil
}

// UserStats is the counter row for one user.
type UserStats struct {
	UserID         string `json:"user_id"`
	FollowerCount  int64  `json:"follower_count"`
	FollowingCount int64  `json:"following_count"`
	Role           string `json:"role"`
}

// EnsureUser provisions a user_stats row. It backs POST /api/v1/users and
// the SEED_USERS list applied at startup.
func (s *PostgresStore) EnsureUser(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_stats (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING
	`, userID)
	if err != nil {
		return fmt.Errorf("provisioning user: %w", err)
	}
	return nil
}

// GetUserStats returns the counters for userID, or nil.
func (s *PostgresStore) GetUserStats(ctx context.Context, userID string) (*UserStats, error) {
	var u UserStats
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, follower_count, following_count, role FROM user_stats WHERE user_id = $1
	`, userID).Scan(&u.UserID, &u.FollowerCount, &u.FollowingCount, &u.Role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying user stats: %w", err)
	}
	return &u, nil
}
