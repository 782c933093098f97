package engine

import (
	"fmt"
	"time"

	"github.com/Priya8975/event-pipeline/internal/domain"
	"github.com/goccy/go-json"
)

// Decode parses raw transport bytes into an Envelope. Structural problems
// yield ErrMalformedEvent, a type outside the enumeration yields ErrUnknownEventType.
func Decode(raw []byte) (domain.Envelope, error) {
	var env domain.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return domain.Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	switch {
	case env.EventID == "":
		return domain.Envelope{}, fmt.Errorf("%w: event_id is required", ErrMalformedEvent)
	case env.EventType == "":
		return domain.Envelope{}, fmt.Errorf("%w: event_type is required", ErrMalformedEvent)
	case len(env.Payload) == 0 || string(env.Payload) == "null":
		return domain.Envelope{}, fmt.Errorf("%w: payload is required", ErrMalformedEvent)
	case env.OccurredAt.IsZero():
		return domain.Envelope{}, fmt.Errorf("%w: occurred_at is required", ErrMalformedEvent)
	}

	if !env.EventType.Valid() {
		return domain.Envelope{}, fmt.Errorf("%w: %q", ErrUnknownEventType, env.EventType)
	}

	return env, nil
}

// Encode serializes an envelope for the transport.
func Encode(env domain.Envelope) ([]byte, error) {
	if env.OccurredAt.IsZero() {
		env.OccurredAt = time.Now().UTC()
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	return data, nil
}
