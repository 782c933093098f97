package engine

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTestThrottle(t *testing.T) (*AlertThrottle, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewAlertThrottle(client, testLogger(), time.Minute), mr
}

func TestAlertThrottle_AllowsWithinLimit(t *testing.T) {
	th, _ := setupTestThrottle(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if !th.Allow(ctx, AlertDeadLetter, 5) {
			t.Errorf("attempt %d should be allowed (limit=5)", i+1)
		}
	}
}

func TestAlertThrottle_BlocksOverLimit(t *testing.T) {
	th, _ := setupTestThrottle(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		th.Allow(ctx, AlertDeadLetter, 3)
	}

	if th.Allow(ctx, AlertDeadLetter, 3) {
		t.Error("attempt should be blocked when over limit")
	}
}

func TestAlertThrottle_ZeroLimitAllowsAll(t *testing.T) {
	th, _ := setupTestThrottle(t)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		if !th.Allow(ctx, AlertDeadLetter, 0) {
			t.Fatalf("attempt %d should be allowed with limit=0", i+1)
		}
	}
}

func TestAlertThrottle_IsolationBetweenKeys(t *testing.T) {
	th, _ := setupTestThrottle(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		th.Allow(ctx, AlertDeadLetter, 2)
	}

	if th.Allow(ctx, AlertDeadLetter, 2) {
		t.Error("dead_letter alerts should be throttled")
	}
	if !th.Allow(ctx, AlertPermanentFailure, 2) {
		t.Error("permanent_failure alerts have their own window")
	}
}

func TestAlertThrottle_RedisDownFailsOpen(t *testing.T) {
	th, mr := setupTestThrottle(t)
	mr.Close()

	if !th.Allow(context.Background(), AlertDeadLetter, 1) {
		t.Error("throttle must fail open when Redis is unavailable")
	}
}
