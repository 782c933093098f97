package store

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/Priya8975/event-pipeline/internal/domain"
	"github.com/google/uuid"
)

// MemoryStore keeps the ledger, pending effects, dead letters and domain state
// in process memory. Transactions are serialized and applied copy-on-write, so
// the uniqueness of the ledger holds across goroutines of one process. It
// backs local runs without Postgres and the pipeline's unit tests.
type MemoryStore struct {
	mu    sync.Mutex
	state memState
	now   func() time.Time
}

type contentStats struct {
	reviews   int64
	ratingSum int64
}

type memState struct {
	processed     map[string]domain.ProcessedEvent
	pending       map[string]domain.PendingEffect
	deadLetters   map[string]domain.DeadLetter
	users         map[string]UserStats
	content       map[string]contentStats
	conversations map[string]time.Time
	playlists     map[string]time.Time
}

func (s memState) clone() memState {
	return memState{
		processed:     maps.Clone(s.processed),
		pending:       maps.Clone(s.pending),
		deadLetters:   maps.Clone(s.deadLetters),
		users:         maps.Clone(s.users),
		content:       maps.Clone(s.content),
		conversations: maps.Clone(s.conversations),
		playlists:     maps.Clone(s.playlists),
	}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: memState{
			processed:     make(map[string]domain.ProcessedEvent),
			pending:       make(map[string]domain.PendingEffect),
			deadLetters:   make(map[string]domain.DeadLetter),
			users:         make(map[string]UserStats),
			content:       make(map[string]contentStats),
			conversations: make(map[string]time.Time),
			playlists:     make(map[string]time.Time),
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source used for leases and timestamps.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) HasProcessed(ctx context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.state.processed[eventID]
	return ok, nil
}

func (s *MemoryStore) MarkProcessed(ctx context.Context, eventID string, eventType domain.EventType) error {
	return s.WithinTx(ctx, func(tx domain.Tx) error {
		return tx.MarkProcessed(ctx, eventID, eventType)
	})
}

// WithinTx runs fn against a private copy of the state and publishes the
// copy only when fn succeeds.
func (s *MemoryStore) WithinTx(ctx context.Context, fn func(tx domain.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{state: s.state.clone(), now: s.now}
	if err := fn(tx); err != nil {
		return err
	}
	s.state = tx.state
	return nil
}

func (s *MemoryStore) SavePending(ctx context.Context, env domain.Envelope, lastError string) (bool, error) {
	return s.parkPending(env, lastError, 1), nil
}

func (s *MemoryStore) DeferPending(ctx context.Context, env domain.Envelope, reason string) (bool, error) {
	return s.parkPending(env, reason, 0), nil
}

func (s *MemoryStore) parkPending(env domain.Envelope, lastError string, attempts int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, done := s.state.processed[env.EventID]; done {
		return false
	}
	if s.unresolvedDeadLetter(env.EventID) {
		return false
	}

	now := s.now()
	p, ok := s.state.pending[env.EventID]
	if ok {
		p.AttemptCount += attempts
		p.LastError = lastError
		if attempts > 0 {
			p.LastFailedAt = now
		}
	} else {
		p = domain.PendingEffect{
			EventID:       env.EventID,
			EventType:     env.EventType,
			Payload:       env.Payload,
			OccurredAt:    env.OccurredAt,
			AttemptCount:  attempts,
			FirstFailedAt: now,
			LastFailedAt:  now,
			LastError:     lastError,
		}
	}
	s.state.pending[env.EventID] = p
	return true
}

func (s *MemoryStore) unresolvedDeadLetter(eventID string) bool {
	for _, dl := range s.state.deadLetters {
		if dl.EventID == eventID && dl.ResolvedAt == nil {
			return true
		}
	}
	return false
}

func (s *MemoryStore) ClaimPending(ctx context.Context, limit int, lease time.Duration) ([]domain.PendingEffect, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	candidates := make([]domain.PendingEffect, 0, len(s.state.pending))
	for _, p := range s.state.pending {
		if p.LeaseUntil != nil && p.LeaseUntil.After(now) {
			continue
		}
		candidates = append(candidates, p)
	}
	sortPending(candidates)

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	until := now.Add(lease)
	for i := range candidates {
		candidates[i].LeaseUntil = &until
		s.state.pending[candidates[i].EventID] = candidates[i]
	}
	return candidates, nil
}

func (s *MemoryStore) RecordRetryFailure(ctx context.Context, eventID, lastError string, maxAttempts int) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.state.pending[eventID]
	if !ok {
		return 0, false, fmt.Errorf("recording retry failure: %w", domain.ErrNotFound)
	}
	p.AttemptCount++
	p.LastFailedAt = s.now()
	p.LastError = lastError
	p.LeaseUntil = nil
	s.state.pending[eventID] = p

	if maxAttempts > 0 && p.AttemptCount >= maxAttempts {
		s.moveToDeadLetters(p)
		return p.AttemptCount, true, nil
	}
	return p.AttemptCount, false, nil
}

func (s *MemoryStore) DeadLetterPending(ctx context.Context, eventID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.state.pending[eventID]
	if !ok {
		return fmt.Errorf("dead-lettering pending effect: %w", domain.ErrNotFound)
	}
	p.LastError = reason
	s.moveToDeadLetters(p)
	return nil
}

func (s *MemoryStore) moveToDeadLetters(p domain.PendingEffect) {
	for id, dl := range s.state.deadLetters {
		if dl.EventID == p.EventID {
			delete(s.state.deadLetters, id)
		}
	}
	id := uuid.NewString()
	s.state.deadLetters[id] = domain.DeadLetter{
		ID:            id,
		EventID:       p.EventID,
		EventType:     p.EventType,
		Payload:       p.Payload,
		OccurredAt:    p.OccurredAt,
		TotalAttempts: p.AttemptCount,
		LastError:     p.LastError,
		FirstFailedAt: p.FirstFailedAt,
		CreatedAt:     s.now(),
	}
	delete(s.state.pending, p.EventID)
}

func (s *MemoryStore) ReleasePending(ctx context.Context, eventIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range eventIDs {
		if p, ok := s.state.pending[id]; ok {
			p.LeaseUntil = nil
			s.state.pending[id] = p
		}
	}
	return nil
}

func (s *MemoryStore) DeletePending(ctx context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state.pending, eventID)
	return nil
}

func (s *MemoryStore) ListPending(ctx context.Context, limit int) ([]domain.PendingEffect, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.PendingEffect, 0, len(s.state.pending))
	for _, p := range s.state.pending {
		out = append(out, p)
	}
	sortPending(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) GetPending(ctx context.Context, eventID string) (*domain.PendingEffect, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.state.pending[eventID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *MemoryStore) ListDeadLetters(ctx context.Context, filter domain.DeadLetterFilter) ([]domain.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []domain.DeadLetter{}
	for _, dl := range s.state.deadLetters {
		if filter.EventType != "" && dl.EventType != filter.EventType {
			continue
		}
		if (dl.ResolvedAt != nil) != filter.Resolved {
			continue
		}
		out = append(out, dl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) GetDeadLetter(ctx context.Context, id string) (*domain.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dl, ok := s.state.deadLetters[id]
	if !ok {
		return nil, nil
	}
	return &dl, nil
}

func (s *MemoryStore) ResolveDeadLetter(ctx context.Context, id, resolvedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dl, ok := s.state.deadLetters[id]
	if !ok || dl.ResolvedAt != nil {
		return fmt.Errorf("resolving dead letter %s: %w", id, domain.ErrNotFound)
	}
	now := s.now()
	dl.ResolvedAt = &now
	dl.ResolvedBy = &resolvedBy
	s.state.deadLetters[id] = dl
	return nil
}

func (s *MemoryStore) RequeueDeadLetter(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dl, ok := s.state.deadLetters[id]
	if !ok || dl.ResolvedAt != nil {
		return fmt.Errorf("requeueing dead letter %s: %w", id, domain.ErrNotFound)
	}
	if _, done := s.state.processed[dl.EventID]; done {
		return fmt.Errorf("requeueing dead letter %s: %w", id, domain.ErrNotFound)
	}
	if _, exists := s.state.pending[dl.EventID]; exists {
		return fmt.Errorf("requeueing dead letter %s: %w", id, domain.ErrNotFound)
	}

	now := s.now()
	s.state.pending[dl.EventID] = domain.PendingEffect{
		EventID:       dl.EventID,
		EventType:     dl.EventType,
		Payload:       dl.Payload,
		OccurredAt:    dl.OccurredAt,
		FirstFailedAt: now,
		LastFailedAt:  now,
		LastError:     dl.LastError,
	}
	by := "requeue"
	dl.ResolvedAt = &now
	dl.ResolvedBy = &by
	s.state.deadLetters[id] = dl
	return nil
}

func (s *MemoryStore) EventStatus(ctx context.Context, eventID string) (*domain.EventStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := &domain.EventStatus{EventID: eventID, State: domain.StateUnknown}
	if pe, ok := s.state.processed[eventID]; ok {
		status.State = domain.StateProcessed
		status.Processed = &pe
		return status, nil
	}
	if p, ok := s.state.pending[eventID]; ok {
		status.State = domain.StatePending
		status.Pending = &p
		return status, nil
	}
	for _, dl := range s.state.deadLetters {
		if dl.EventID == eventID {
			status.State = domain.StateDeadLetter
			status.DeadLetter = &dl
			break
		}
	}
	return status, nil
}

func (s *MemoryStore) GetPipelineStats(ctx context.Context) (*domain.PipelineStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	m := &domain.PipelineStats{
		ProcessedEvents: len(s.state.processed),
		PendingEffects:  len(s.state.pending),
	}
	for _, p := range s.state.pending {
		if p.LeaseUntil != nil && p.LeaseUntil.After(now) {
			m.LeasedEffects++
		}
		if m.OldestPendingAt == nil || p.FirstFailedAt.Before(*m.OldestPendingAt) {
			first := p.FirstFailedAt
			m.OldestPendingAt = &first
		}
	}
	for _, dl := range s.state.deadLetters {
		if dl.ResolvedAt == nil {
			m.UnresolvedDeadLetters++
		}
	}
	return m, nil
}

// EnsureUser provisions a user so mutations referencing it succeed.
func (s *MemoryStore) EnsureUser(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.users[userID]; !ok {
		s.state.users[userID] = UserStats{UserID: userID, Role: "listener"}
	}
	return nil
}

func (s *MemoryStore) GetUserStats(ctx context.Context, userID string) (*UserStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.state.users[userID]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

// ReviewCount returns the number of reviews recorded for contentID.
func (s *MemoryStore) ReviewCount(contentID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.content[contentID].reviews
}

func sortPending(p []domain.PendingEffect) {
	sort.Slice(p, func(i, j int) bool {
		if p[i].FirstFailedAt.Equal(p[j].FirstFailedAt) {
			return p[i].EventID < p[j].EventID
		}
		return p[i].FirstFailedAt.Before(p[j].FirstFailedAt)
	})
}

// memTx mutates a private copy of the store state.
type memTx struct {
	state memState
	now   func() time.Time
}

func (t *memTx) MarkProcessed(ctx context.Context, eventID string, eventType domain.EventType) error {
	if _, ok := t.state.processed[eventID]; ok {
		return domain.ErrDuplicateKey
	}
	t.state.processed[eventID] = domain.ProcessedEvent{
		EventID:     eventID,
		EventType:   eventType,
		ProcessedAt: t.now(),
	}
	return nil
}

func (t *memTx) DeletePending(ctx context.Context, eventID string) error {
	delete(t.state.pending, eventID)
	return nil
}

func (t *memTx) AdjustFollowerCount(ctx context.Context, userID string, delta int) (int64, error) {
	u, ok := t.state.users[userID]
	if !ok {
		return 0, fmt.Errorf("user %s: %w", userID, domain.ErrNotFound)
	}
	u.FollowerCount = max(u.FollowerCount+int64(delta), 0)
	t.state.users[userID] = u
	return u.FollowerCount, nil
}

func (t *memTx) AdjustFollowingCount(ctx context.Context, userID string, delta int) (int64, error) {
	u, ok := t.state.users[userID]
	if !ok {
		return 0, fmt.Errorf("user %s: %w", userID, domain.ErrNotFound)
	}
	u.FollowingCount = max(u.FollowingCount+int64(delta), 0)
	t.state.users[userID] = u
	return u.FollowingCount, nil
}

func (t *memTx) SetRole(ctx context.Context, userID, role string) (bool, error) {
	u, ok := t.state.users[userID]
	if !ok {
		return false, fmt.Errorf("user %s: %w", userID, domain.ErrNotFound)
	}
	if u.Role == role {
		return false, nil
	}
	u.Role = role
	t.state.users[userID] = u
	return true, nil
}

func (t *memTx) RecordReview(ctx context.Context, contentID string, rating int) (int64, error) {
	c := t.state.content[contentID]
	c.reviews++
	c.ratingSum += int64(rating)
	t.state.content[contentID] = c
	return c.reviews, nil
}

func (t *memTx) TouchConversation(ctx context.Context, conversationID string, at time.Time) error {
	if prev, ok := t.state.conversations[conversationID]; !ok || at.After(prev) {
		t.state.conversations[conversationID] = at
	}
	return nil
}

func (t *memTx) TouchPlaylist(ctx context.Context, playlistID string, at time.Time) error {
	if prev, ok := t.state.playlists[playlistID]; !ok || at.After(prev) {
		t.state.playlists[playlistID] = at
	}
	return nil
}
