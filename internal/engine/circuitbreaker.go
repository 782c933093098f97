package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/Priya8975/event-pipeline/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Circuit breaker states
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half-open"
)

// CircuitBreaker guards each event type's appliers with a breaker whose state
// lives in Redis, so every worker process sees the same circuit.
// State transitions: closed → open → half-open → closed
//
// - Closed: effects run normally. Failures are counted.
// - Open: effects are deferred to the pending store. Moves to half-open after cooldown.
// - Half-Open: one trial effect runs, the rest stay deferred. Success → closed,
//   failure → open. A trial that never reports back frees its slot after
//   the cooldown.
type CircuitBreaker struct {
	redisClient      *redis.Client
	logger           *slog.Logger
	failureThreshold int
	cooldownPeriod   time.Duration
}

// CircuitBreakerState is the current state of one event type's circuit.
type CircuitBreakerState struct {
	EventType    domain.EventType `json:"event_type"`
	State        string           `json:"state"`
	Failures     int              `json:"failures"`
	LastFailedAt string           `json:"last_failed_at,omitempty"`
}

func NewCircuitBreaker(redisClient *redis.Client, logger *slog.Logger, threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		redisClient:      redisClient,
		logger:           logger,
		failureThreshold: threshold,
		cooldownPeriod:   cooldown,
	}
}

func cbKey(eventType domain.EventType) string {
	return fmt.Sprintf("cb:%s", eventType)
}

// AllowRequest reports whether effects of this type may run now.
func (cb *CircuitBreaker) AllowRequest(ctx context.Context, eventType domain.EventType) (string, bool) {
	key := cbKey(eventType)

	data, err := cb.redisClient.HGetAll(ctx, key).Result()
	if err != nil || len(data) == 0 {
		// No state or Redis unavailable: fail open
		return StateClosed, true
	}

	lastFailedAt, _ := strconv.ParseInt(data["last_failed_at"], 10, 64)

	switch data["state"] {
	case StateOpen:
		if time.Now().Unix()-lastFailedAt < int64(cb.cooldownPeriod.Seconds()) {
			return StateOpen, false
		}
		cb.redisClient.HSet(ctx, key, "state", StateHalfOpen)
		cb.logger.Info("circuit breaker half-open", "event_type", eventType)
		return StateHalfOpen, cb.claimTrial(ctx, key, data["trial_at"])

	case StateHalfOpen:
		return StateHalfOpen, cb.claimTrial(ctx, key, data["trial_at"])

	default:
		return StateClosed, true
	}
}

// claimTrial hands the half-open trial slot to one caller. prev is the
// trial_at value read with the rest of the hash.
func (cb *CircuitBreaker) claimTrial(ctx context.Context, key, prev string) bool {
	now := time.Now().Unix()
	won, err := cb.redisClient.HSetNX(ctx, key, "trial_at", now).Result()
	if err != nil {
		return true
	}
	if won {
		return true
	}

	startedAt, _ := strconv.ParseInt(prev, 10, 64)
	if prev == "" || now-startedAt < int64(cb.cooldownPeriod.Seconds()) {
		return false
	}
	// stale trial: take it over unless another caller already did
	swapped, err := casTrial.Run(ctx, cb.redisClient, []string{key}, prev, now).Int()
	return err == nil && swapped == 1
}

// casTrial replaces trial_at only if it still holds the stale value.
var casTrial = redis.NewScript(`
if redis.call("HGET", KEYS[1], "trial_at") == ARGV[1] then
	redis.call("HSET", KEYS[1], "trial_at", ARGV[2])
	return 1
end
return 0
`)

// RecordSuccess resets the circuit to closed.
func (cb *CircuitBreaker) RecordSuccess(ctx context.Context, eventType domain.EventType) {
	key := cbKey(eventType)

	state, _ := cb.redisClient.HGet(ctx, key, "state").Result()
	if state == "" || (state == StateClosed && cb.failures(ctx, key) == 0) {
		return
	}

	cb.redisClient.HSet(ctx, key,
		"state", StateClosed,
		"failures", 0,
	)
	cb.redisClient.HDel(ctx, key, "trial_at")

	if state == StateHalfOpen {
		cb.logger.Info("circuit breaker closed (recovered)", "event_type", eventType)
	}
}

// RecordFailure counts a transient failure and opens the circuit at the threshold.
func (cb *CircuitBreaker) RecordFailure(ctx context.Context, eventType domain.EventType) {
	key := cbKey(eventType)

	failures, err := cb.redisClient.HIncrBy(ctx, key, "failures", 1).Result()
	if err != nil {
		cb.logger.Error("failed to record circuit breaker failure", "error", err, "event_type", eventType)
		return
	}

	cb.redisClient.HSet(ctx, key, "last_failed_at", time.Now().Unix())

	state, _ := cb.redisClient.HGet(ctx, key, "state").Result()

	switch {
	case state == StateHalfOpen:
		cb.redisClient.HSet(ctx, key, "state", StateOpen)
		cb.redisClient.HDel(ctx, key, "trial_at")
		cb.logger.Warn("circuit breaker re-opened (half-open test failed)", "event_type", eventType)
	case failures >= int64(cb.failureThreshold):
		if state != StateOpen {
			cb.redisClient.HSet(ctx, key, "state", StateOpen)
			cb.logger.Warn("circuit breaker opened",
				"event_type", eventType,
				"failures", failures,
				"threshold", cb.failureThreshold,
			)
		}
	case state == "":
		cb.redisClient.HSet(ctx, key, "state", StateClosed)
	}
}

// GetState returns the circuit state for an event type.
func (cb *CircuitBreaker) GetState(ctx context.Context, eventType domain.EventType) CircuitBreakerState {
	data, err := cb.redisClient.HGetAll(ctx, cbKey(eventType)).Result()
	if err != nil || len(data) == 0 {
		return CircuitBreakerState{EventType: eventType, State: StateClosed}
	}

	failures, _ := strconv.Atoi(data["failures"])
	state := data["state"]
	if state == "" {
		state = StateClosed
	}

	lastFailed, _ := strconv.ParseInt(data["last_failed_at"], 10, 64)
	if state == StateOpen && time.Now().Unix()-lastFailed >= int64(cb.cooldownPeriod.Seconds()) {
		state = StateHalfOpen
	}

	result := CircuitBreakerState{
		EventType: eventType,
		State:     state,
		Failures:  failures,
	}
	if lastFailed > 0 {
		result.LastFailedAt = time.Unix(lastFailed, 0).UTC().Format(time.RFC3339)
	}
	return result
}

// States returns the circuit state of every given event type.
func (cb *CircuitBreaker) States(ctx context.Context, types []domain.EventType) []CircuitBreakerState {
	out := make([]CircuitBreakerState, 0, len(types))
	for _, t := range types {
		out = append(out, cb.GetState(ctx, t))
	}
	return out
}

func (cb *CircuitBreaker) failures(ctx context.Context, key string) int {
	n, _ := cb.redisClient.HGet(ctx, key, "failures").Int()
	return n
}
