package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Priya8975/event-pipeline/internal/domain"
	"github.com/Priya8975/event-pipeline/internal/store"
)

func envelope(id string, t domain.EventType, payload string) domain.Envelope {
	return domain.Envelope{
		EventID:    id,
		EventType:  t,
		Payload:    json.RawMessage(payload),
		OccurredAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestDefaultRegistry_CoversEveryType(t *testing.T) {
	r, err := DefaultRegistry()
	if err != nil {
		t.Fatalf("DefaultRegistry: %v", err)
	}
	if got, want := len(r.Types()), len(domain.EventTypes()); got != want {
		t.Errorf("expected %d registered types, got %d", want, got)
	}
}

func TestNewRegistry_RejectsUnknownType(t *testing.T) {
	_, err := NewRegistry(map[domain.EventType]Applier{
		"user.sneezed": Handle(applyFollow),
	})
	if !errors.Is(err, ErrUnknownEventType) {
		t.Errorf("expected ErrUnknownEventType, got %v", err)
	}
}

func TestRegistry_BindUnregistered(t *testing.T) {
	r, _ := NewRegistry(map[domain.EventType]Applier{
		domain.EventUserFollowed: Handle(applyFollow),
	})

	_, err := r.Bind(envelope("E1", domain.EventReviewPosted, `{}`))
	if !errors.Is(err, ErrUnknownEventType) {
		t.Errorf("expected ErrUnknownEventType, got %v", err)
	}
}

func TestRegistry_BindValidatesPayload(t *testing.T) {
	r, _ := DefaultRegistry()

	tests := []struct {
		name    string
		env     domain.Envelope
		wantErr bool
	}{
		{"follow ok", envelope("E1", domain.EventUserFollowed, `{"follower_id":"a","followee_id":"b"}`), false},
		{"self follow", envelope("E1", domain.EventUserFollowed, `{"follower_id":"a","followee_id":"a"}`), true},
		{"follow missing followee", envelope("E1", domain.EventUserFollowed, `{"follower_id":"a"}`), true},
		{"payload wrong shape", envelope("E1", domain.EventUserFollowed, `[1,2]`), true},
		{"role ok", envelope("E1", domain.EventRoleChanged, `{"user_id":"a","role":"artist"}`), false},
		{"role invalid", envelope("E1", domain.EventRoleChanged, `{"user_id":"a","role":"emperor"}`), true},
		{"review rating too high", envelope("E1", domain.EventReviewPosted, `{"review_id":"r","content_id":"c","author_id":"a","owner_id":"o","rating":6}`), true},
		{"message needs two participants", envelope("E1", domain.EventMessageSent, `{"conversation_id":"c","message_id":"m","sender_id":"a","participant_ids":["a"]}`), true},
		{"playlist ok", envelope("E1", domain.EventPlaylistUpdated, `{"playlist_id":"p","owner_id":"o","follower_ids":["a"],"change":"renamed"}`), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Bind(tt.env)
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedEvent) {
					t.Errorf("expected ErrMalformedEvent, got %v", err)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func applyVia(t *testing.T, s *store.MemoryStore, env domain.Envelope) ([]domain.NotificationMessage, error) {
	t.Helper()
	r, err := DefaultRegistry()
	if err != nil {
		t.Fatal(err)
	}
	effect, err := r.Bind(env)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}

	var msgs []domain.NotificationMessage
	err = s.WithinTx(context.Background(), func(tx domain.Tx) error {
		var err error
		msgs, err = effect(context.Background(), tx)
		return err
	})
	return msgs, err
}

func TestApplyFollow(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	s.EnsureUser(ctx, "alice")
	s.EnsureUser(ctx, "bob")

	msgs, err := applyVia(t, s, envelope("E1", domain.EventUserFollowed, `{"follower_id":"alice","followee_id":"bob"}`))
	if err != nil {
		t.Fatal(err)
	}

	if len(msgs) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(msgs))
	}
	if msgs[0].ReceiverID != "bob" || msgs[0].EventName != NotifyNewFollower || msgs[0].EventID != "E1" {
		t.Errorf("unexpected notification: %+v", msgs[0])
	}

	bob, _ := s.GetUserStats(ctx, "bob")
	alice, _ := s.GetUserStats(ctx, "alice")
	if bob.FollowerCount != 1 || alice.FollowingCount != 1 {
		t.Errorf("expected counters 1/1, got followers=%d following=%d", bob.FollowerCount, alice.FollowingCount)
	}
}

func TestApplyFollow_MissingUserIsPermanent(t *testing.T) {
	s := store.NewMemoryStore()
	s.EnsureUser(context.Background(), "alice")

	_, err := applyVia(t, s, envelope("E1", domain.EventUserFollowed, `{"follower_id":"alice","followee_id":"ghost"}`))
	if !IsPermanent(err) {
		t.Errorf("expected permanent failure, got %v", err)
	}
}

func TestApplyRoleChanged_NoopWhenUnchanged(t *testing.T) {
	s := store.NewMemoryStore()
	s.EnsureUser(context.Background(), "alice")

	msgs, err := applyVia(t, s, envelope("E1", domain.EventRoleChanged, `{"user_id":"alice","role":"listener"}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("expected no notification for an unchanged role, got %d", len(msgs))
	}

	msgs, _ = applyVia(t, s, envelope("E2", domain.EventRoleChanged, `{"user_id":"alice","role":"artist","changed_by":"admin"}`))
	if len(msgs) != 1 || msgs[0].EventName != NotifyRoleChanged {
		t.Errorf("expected role_changed notification, got %+v", msgs)
	}
}

func TestApplyReviewPosted(t *testing.T) {
	s := store.NewMemoryStore()

	msgs, err := applyVia(t, s, envelope("E1", domain.EventReviewPosted,
		`{"review_id":"r1","content_id":"c1","author_id":"alice","owner_id":"bob","rating":4}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].ReceiverID != "bob" {
		t.Errorf("expected notification to owner, got %+v", msgs)
	}

	msgs, _ = applyVia(t, s, envelope("E2", domain.EventReviewPosted,
		`{"review_id":"r2","content_id":"c1","author_id":"bob","owner_id":"bob","rating":5}`))
	if len(msgs) != 0 {
		t.Errorf("owner reviewing own content must not be notified, got %d", len(msgs))
	}

	if n := s.ReviewCount("c1"); n != 2 {
		t.Errorf("expected 2 reviews, got %d", n)
	}
}

func TestApplyMessageSent_FansOut(t *testing.T) {
	s := store.NewMemoryStore()

	msgs, err := applyVia(t, s, envelope("E1", domain.EventMessageSent,
		`{"conversation_id":"c","message_id":"m","sender_id":"a","participant_ids":["a","b","c","b"],"preview":"hi"}`))
	if err != nil {
		t.Fatal(err)
	}

	receivers := map[string]bool{}
	for _, m := range msgs {
		receivers[m.ReceiverID] = true
	}
	if len(msgs) != 2 || !receivers["b"] || !receivers["c"] {
		t.Errorf("expected one message each to b and c, got %+v", msgs)
	}
}

func TestApplyPlaylistUpdated_SkipsOwner(t *testing.T) {
	s := store.NewMemoryStore()

	msgs, err := applyVia(t, s, envelope("E1", domain.EventPlaylistUpdated,
		`{"playlist_id":"p","owner_id":"o","follower_ids":["o","x","y"],"change":"tracks_added"}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Errorf("expected 2 notifications, got %d", len(msgs))
	}
}
