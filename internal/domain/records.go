package domain

import (
	"encoding/json"
	"time"
)

// ProcessedEvent is a ledger entry. Its presence means the effect for the
// event has been applied and must never be applied again.
type ProcessedEvent struct {
	EventID     string    `json:"event_id"`
	EventType   EventType `json:"event_type"`
	ProcessedAt time.Time `json:"processed_at"`
}

// PendingEffect is an effect whose application failed transiently and is
// waiting for the retry scheduler.
type PendingEffect struct {
	EventID       string          `json:"event_id"`
	EventType     EventType       `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	OccurredAt    time.Time       `json:"occurred_at"`
	AttemptCount  int             `json:"attempt_count"`
	FirstFailedAt time.Time       `json:"first_failed_at"`
	LastFailedAt  time.Time       `json:"last_failed_at"`
	LastError     string          `json:"last_error"`
	LeaseUntil    *time.Time      `json:"lease_until,omitempty"`
}

// Envelope rebuilds the transport envelope the pending row was created from.
func (p PendingEffect) Envelope() Envelope {
	return Envelope{
		EventID:    p.EventID,
		EventType:  p.EventType,
		Payload:    p.Payload,
		OccurredAt: p.OccurredAt,
	}
}

// DeadLetter is a pending effect that exhausted its retry budget.
type DeadLetter struct {
	ID            string          `json:"id"`
	EventID       string          `json:"event_id"`
	EventType     EventType       `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	OccurredAt    time.Time       `json:"occurred_at"`
	TotalAttempts int             `json:"total_attempts"`
	LastError     string          `json:"last_error"`
	FirstFailedAt time.Time       `json:"first_failed_at"`
	CreatedAt     time.Time       `json:"created_at"`
	ResolvedAt    *time.Time      `json:"resolved_at,omitempty"`
	ResolvedBy    *string         `json:"resolved_by,omitempty"`
}

// DeadLetterFilter narrows ListDeadLetters.
type DeadLetterFilter struct {
	EventType EventType
	Resolved  bool
	Limit     int
}

// PipelineStats aggregates ledger, pending and dead-letter counts.
type PipelineStats struct {
	ProcessedEvents       int        `json:"processed_events"`
	PendingEffects        int        `json:"pending_effects"`
	LeasedEffects         int        `json:"leased_effects"`
	UnresolvedDeadLetters int        `json:"unresolved_dead_letters"`
	OldestPendingAt       *time.Time `json:"oldest_pending_at,omitempty"`
}

// EventStatus describes where an event currently sits in the pipeline.
type EventStatus struct {
	EventID    string          `json:"event_id"`
	State      string          `json:"state"`
	Processed  *ProcessedEvent `json:"processed,omitempty"`
	Pending    *PendingEffect  `json:"pending,omitempty"`
	DeadLetter *DeadLetter     `json:"dead_letter,omitempty"`
}

// Event states reported by EventStatus.
const (
	StateProcessed  = "processed"
	StatePending    = "pending"
	StateDeadLetter = "dead_letter"
	StateUnknown    = "unknown"
)
