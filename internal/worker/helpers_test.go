package worker

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Priya8975/event-pipeline/internal/domain"
	"github.com/Priya8975/event-pipeline/internal/engine"
	"github.com/Priya8975/event-pipeline/internal/store"
	"github.com/Priya8975/event-pipeline/internal/transport"
	"github.com/goccy/go-json"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func followEnvelope(id string) domain.Envelope {
	return domain.Envelope{
		EventID:    id,
		EventType:  domain.EventUserFollowed,
		Payload:    json.RawMessage(`{"follower_id":"alice","followee_id":"bob"}`),
		OccurredAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func encode(t *testing.T, env domain.Envelope) []byte {
	t.Helper()
	raw, err := engine.Encode(env)
	if err != nil {
		t.Fatalf("encoding envelope: %v", err)
	}
	return raw
}

func seededStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	s := store.NewMemoryStore()
	ctx := context.Background()
	for _, u := range []string{"alice", "bob"} {
		if err := s.EnsureUser(ctx, u); err != nil {
			t.Fatal(err)
		}
	}
	return s
}

func followerCount(t *testing.T, s *store.MemoryStore, user string) int64 {
	t.Helper()
	st, err := s.GetUserStats(context.Background(), user)
	if err != nil || st == nil {
		t.Fatalf("user stats for %s: %v", user, err)
	}
	return st.FollowerCount
}

// flakyRegistry registers a follow applier that fails transiently the given
// number of times before succeeding.
func flakyRegistry(t *testing.T, failures int) (*engine.Registry, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	remaining := int32(failures)

	applier := engine.Handle(func(ctx context.Context, m domain.StateMutator, env domain.Envelope, p engine.FollowPayload) ([]domain.NotificationMessage, error) {
		n := calls.Add(1)
		if n <= remaining {
			return nil, engine.Transient(errors.New("domain store unavailable"))
		}
		if _, err := m.AdjustFollowerCount(ctx, p.FolloweeID, 1); err != nil {
			return nil, err
		}
		return []domain.NotificationMessage{{
			EventID:    env.EventID,
			ReceiverID: p.FolloweeID,
			EventName:  engine.NotifyNewFollower,
			CreatedAt:  time.Now().UTC(),
		}}, nil
	})

	r, err := engine.NewRegistry(map[domain.EventType]engine.Applier{domain.EventUserFollowed: applier})
	if err != nil {
		t.Fatal(err)
	}
	return r, &calls
}

func defaultRegistry(t *testing.T) *engine.Registry {
	t.Helper()
	r, err := engine.DefaultRegistry()
	if err != nil {
		t.Fatal(err)
	}
	return r
}

// recordingPusher collects pushed notifications.
type recordingPusher struct {
	mu   sync.Mutex
	msgs []domain.NotificationMessage
}

func (p *recordingPusher) Push(msg domain.NotificationMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
}

func (p *recordingPusher) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.msgs))
	for i, m := range p.msgs {
		out[i] = m.EventName
	}
	return out
}

func (p *recordingPusher) count(name string) int {
	n := 0
	for _, got := range p.names() {
		if got == name {
			n++
		}
	}
	return n
}

// fakeSource is an in-memory transport.Source.
type fakeSource struct {
	msgs   chan transport.Message
	mu     sync.Mutex
	acked  []int64
	closed atomic.Bool
}

func newFakeSource(values ...[]byte) *fakeSource {
	src := &fakeSource{msgs: make(chan transport.Message, len(values)+1)}
	for i, v := range values {
		src.msgs <- transport.Message{Value: v, Offset: int64(i)}
	}
	return src
}

func (s *fakeSource) Fetch(ctx context.Context) (transport.Message, error) {
	select {
	case <-ctx.Done():
		return transport.Message{}, ctx.Err()
	case m, ok := <-s.msgs:
		if !ok {
			return transport.Message{}, transport.ErrClosed
		}
		return m, nil
	}
}

func (s *fakeSource) Ack(ctx context.Context, msg transport.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked = append(s.acked, msg.Offset)
	return nil
}

func (s *fakeSource) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *fakeSource) ackedOffsets() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.acked...)
}

// brokenPending fails every write to the pending store.
type brokenPending struct {
	*store.MemoryStore
}

func (brokenPending) SavePending(ctx context.Context, env domain.Envelope, lastError string) (bool, error) {
	return false, errors.New("pending store unavailable")
}

func (brokenPending) DeferPending(ctx context.Context, env domain.Envelope, reason string) (bool, error) {
	return false, errors.New("pending store unavailable")
}

// openBreaker refuses every request.
type openBreaker struct{}

func (openBreaker) AllowRequest(ctx context.Context, eventType domain.EventType) (string, bool) {
	return "open", false
}
func (openBreaker) RecordSuccess(ctx context.Context, eventType domain.EventType) {}
func (openBreaker) RecordFailure(ctx context.Context, eventType domain.EventType) {}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	eventuallyWithin(t, 3*time.Second, cond)
}

func eventuallyWithin(t *testing.T, wait time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
