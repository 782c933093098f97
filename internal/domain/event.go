package domain

import (
	"encoding/json"
	"time"
)

// EventType is the closed set of domain events the pipeline understands.
type EventType string

const (
	EventUserFollowed    EventType = "user.followed"
	EventUserUnfollowed  EventType = "user.unfollowed"
	EventRoleChanged     EventType = "user.role_changed"
	EventReviewPosted    EventType = "review.posted"
	EventMessageSent     EventType = "conversation.message_sent"
	EventPlaylistUpdated EventType = "playlist.updated"
)

var eventTypes = []EventType{
	EventUserFollowed,
	EventUserUnfollowed,
	EventRoleChanged,
	EventReviewPosted,
	EventMessageSent,
	EventPlaylistUpdated,
}

// EventTypes returns every known event type.
func EventTypes() []EventType {
	out := make([]EventType, len(eventTypes))
	copy(out, eventTypes)
	return out
}

// Valid reports whether t belongs to the enumeration.
func (t EventType) Valid() bool {
	for _, known := range eventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Envelope is the unit of transport delivery wrapping one domain event.
type Envelope struct {
	EventID    string          `json:"event_id"`
	EventType  EventType       `json:"event_type"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurred_at"`
}
