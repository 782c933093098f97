package domain

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDuplicateKey is returned by MarkProcessed when the event is already in the ledger.
	ErrDuplicateKey = errors.New("event already processed")
	// ErrNotFound is returned by StateMutator when the referenced aggregate does not exist.
	ErrNotFound = errors.New("not found")
)

// StateMutator is the domain-state mutation surface owned by the CRUD layer.
// Calls made through a Tx commit or roll back together with the ledger write.
type StateMutator interface {
	AdjustFollowerCount(ctx context.Context, userID string, delta int) (int64, error)
	AdjustFollowingCount(ctx context.Context, userID string, delta int) (int64, error)
	SetRole(ctx context.Context, userID, role string) (bool, error)
	RecordReview(ctx context.Context, contentID string, rating int) (int64, error)
	TouchConversation(ctx context.Context, conversationID string, at time.Time) error
	TouchPlaylist(ctx context.Context, playlistID string, at time.Time) error
}

// Tx is one atomic unit spanning the ledger, the pending table and domain state.
type Tx interface {
	StateMutator
	MarkProcessed(ctx context.Context, eventID string, eventType EventType) error
	DeletePending(ctx context.Context, eventID string) error
}

// Ledger answers whether an event has been applied and runs atomic units.
type Ledger interface {
	HasProcessed(ctx context.Context, eventID string) (bool, error)
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
}

// PendingStore persists effects waiting for retry.
type PendingStore interface {
	// SavePending inserts a pending row or bumps its attempt count. It reports
	// false when nothing was written because the event is already in the ledger
	// or sits in an unresolved dead letter.
	SavePending(ctx context.Context, env Envelope, lastError string) (bool, error)
	// DeferPending parks an effect that was never attempted. A new row starts
	// at zero attempts and an existing row keeps its count.
	DeferPending(ctx context.Context, env Envelope, reason string) (bool, error)
	ClaimPending(ctx context.Context, limit int, lease time.Duration) ([]PendingEffect, error)
	// RecordRetryFailure bumps the attempt count of a claimed row and moves it to
	// the dead letters once maxAttempts is reached.
	RecordRetryFailure(ctx context.Context, eventID, lastError string, maxAttempts int) (int, bool, error)
	ReleasePending(ctx context.Context, eventIDs []string) error
	DeletePending(ctx context.Context, eventID string) error
	DeadLetterPending(ctx context.Context, eventID, reason string) error
	ListPending(ctx context.Context, limit int) ([]PendingEffect, error)
}

// DeadLetterStore exposes dead letters to operators.
type DeadLetterStore interface {
	ListDeadLetters(ctx context.Context, filter DeadLetterFilter) ([]DeadLetter, error)
	GetDeadLetter(ctx context.Context, id string) (*DeadLetter, error)
	ResolveDeadLetter(ctx context.Context, id, resolvedBy string) error
	RequeueDeadLetter(ctx context.Context, id string) error
}
