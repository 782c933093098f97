package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/Priya8975/event-pipeline/internal/domain"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTestCB(t *testing.T) (*CircuitBreaker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cb := NewCircuitBreaker(client, testLogger(), 5, 30*time.Second)
	return cb, mr
}

const followed = domain.EventUserFollowed

// openCircuitAndExpireCooldown opens the circuit, then moves last_failed_at
// 31 seconds into the past so the cooldown has elapsed.
func openCircuitAndExpireCooldown(t *testing.T, cb *CircuitBreaker, mr *miniredis.Miniredis, eventType domain.EventType) {
	t.Helper()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		cb.RecordFailure(ctx, eventType)
	}

	pastTime := time.Now().Unix() - 31
	mr.HSet(cbKey(eventType), "last_failed_at", fmt.Sprintf("%d", pastTime))
}

func TestCircuitBreaker_InitialState(t *testing.T) {
	cb, _ := setupTestCB(t)

	state, allowed := cb.AllowRequest(context.Background(), followed)

	if state != StateClosed {
		t.Errorf("expected state %q, got %q", StateClosed, state)
	}
	if !allowed {
		t.Error("new event type should be allowed (circuit closed)")
	}
}

func TestCircuitBreaker_GetState_Default(t *testing.T) {
	cb, _ := setupTestCB(t)

	state := cb.GetState(context.Background(), domain.EventReviewPosted)

	if state.State != StateClosed || state.Failures != 0 {
		t.Errorf("expected closed with 0 failures, got %+v", state)
	}
	if state.EventType != domain.EventReviewPosted {
		t.Errorf("expected event type in state, got %q", state.EventType)
	}
}

func TestCircuitBreaker_Thresholds(t *testing.T) {
	tests := []struct {
		name        string
		failures    int
		wantState   string
		wantAllowed bool
	}{
		{"below threshold", 4, StateClosed, true},
		{"at threshold", 5, StateOpen, false},
		{"above threshold", 7, StateOpen, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, _ := setupTestCB(t)
			ctx := context.Background()

			for i := 0; i < tt.failures; i++ {
				cb.RecordFailure(ctx, followed)
			}

			state, allowed := cb.AllowRequest(ctx, followed)
			if state != tt.wantState || allowed != tt.wantAllowed {
				t.Errorf("expected %q/%v, got %q/%v", tt.wantState, tt.wantAllowed, state, allowed)
			}
		})
	}
}

func TestCircuitBreaker_SuccessResets(t *testing.T) {
	cb, _ := setupTestCB(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		cb.RecordFailure(ctx, followed)
	}
	cb.RecordSuccess(ctx, followed)

	cbState := cb.GetState(ctx, followed)
	if cbState.State != StateClosed || cbState.Failures != 0 {
		t.Errorf("expected closed with 0 failures after success, got %+v", cbState)
	}
}

func TestCircuitBreaker_TransitionsToHalfOpen(t *testing.T) {
	cb, mr := setupTestCB(t)
	ctx := context.Background()

	openCircuitAndExpireCooldown(t, cb, mr, followed)

	state, allowed := cb.AllowRequest(ctx, followed)
	if state != StateHalfOpen {
		t.Errorf("expected state %q, got %q", StateHalfOpen, state)
	}
	if !allowed {
		t.Error("should allow effects in half-open state")
	}
}

func TestCircuitBreaker_HalfOpenAllowsOneTrial(t *testing.T) {
	cb, mr := setupTestCB(t)
	ctx := context.Background()

	openCircuitAndExpireCooldown(t, cb, mr, followed)

	allowed := 0
	for i := 0; i < 5; i++ {
		state, ok := cb.AllowRequest(ctx, followed)
		if state != StateHalfOpen {
			t.Fatalf("call %d: expected %q, got %q", i, StateHalfOpen, state)
		}
		if ok {
			allowed++
		}
	}
	if allowed != 1 {
		t.Errorf("expected exactly 1 trial effect, got %d", allowed)
	}
}

func TestCircuitBreaker_StaleTrialIsTakenOver(t *testing.T) {
	cb, mr := setupTestCB(t)
	ctx := context.Background()

	openCircuitAndExpireCooldown(t, cb, mr, followed)
	if _, ok := cb.AllowRequest(ctx, followed); !ok {
		t.Fatal("first caller should get the trial")
	}

	// the trial holder never reported back
	mr.HSet(cbKey(followed), "trial_at", fmt.Sprintf("%d", time.Now().Unix()-31))

	if _, ok := cb.AllowRequest(ctx, followed); !ok {
		t.Error("a stale trial should be handed to the next caller")
	}
	if _, ok := cb.AllowRequest(ctx, followed); ok {
		t.Error("the new trial must again be exclusive")
	}
}

func TestCircuitBreaker_TrialOutcomeFreesSlot(t *testing.T) {
	cb, mr := setupTestCB(t)
	ctx := context.Background()

	openCircuitAndExpireCooldown(t, cb, mr, followed)
	cb.AllowRequest(ctx, followed)
	cb.RecordSuccess(ctx, followed)

	if mr.HGet(cbKey(followed), "trial_at") != "" {
		t.Error("trial slot must be cleared once the circuit closes")
	}
	for i := 0; i < 3; i++ {
		if _, ok := cb.AllowRequest(ctx, followed); !ok {
			t.Fatalf("closed circuit must allow call %d", i)
		}
	}
}

func TestCircuitBreaker_HalfOpenSuccess_ClosesCircuit(t *testing.T) {
	cb, mr := setupTestCB(t)
	ctx := context.Background()

	openCircuitAndExpireCooldown(t, cb, mr, followed)
	cb.AllowRequest(ctx, followed)

	cb.RecordSuccess(ctx, followed)

	if state := cb.GetState(ctx, followed); state.State != StateClosed {
		t.Errorf("expected %q after half-open success, got %q", StateClosed, state.State)
	}
}

func TestCircuitBreaker_HalfOpenFailure_ReopensCircuit(t *testing.T) {
	cb, mr := setupTestCB(t)
	ctx := context.Background()

	openCircuitAndExpireCooldown(t, cb, mr, followed)
	cb.AllowRequest(ctx, followed)

	cb.RecordFailure(ctx, followed)

	state, allowed := cb.AllowRequest(ctx, followed)
	if state != StateOpen || allowed {
		t.Errorf("expected open and blocking after half-open failure, got %q/%v", state, allowed)
	}
}

func TestCircuitBreaker_IsolationBetweenEventTypes(t *testing.T) {
	cb, _ := setupTestCB(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		cb.RecordFailure(ctx, followed)
	}

	state, allowed := cb.AllowRequest(ctx, domain.EventMessageSent)
	if state != StateClosed || !allowed {
		t.Errorf("other event types must keep their own circuit, got %q/%v", state, allowed)
	}

	states := cb.States(ctx, []domain.EventType{followed, domain.EventMessageSent})
	if len(states) != 2 || states[0].State != StateOpen || states[1].State != StateClosed {
		t.Errorf("unexpected states: %+v", states)
	}
}

func TestCircuitBreaker_RedisDownFailsOpen(t *testing.T) {
	cb, mr := setupTestCB(t)
	mr.Close()

	if _, allowed := cb.AllowRequest(context.Background(), followed); !allowed {
		t.Error("breaker must fail open when Redis is unavailable")
	}
}
