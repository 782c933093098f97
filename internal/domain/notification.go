package domain

import "time"

// NotificationMessage is the payload pushed to a receiver's live channels.
// It is not persisted; a missed push is recovered by polling domain state.
type NotificationMessage struct {
	EventID    string    `json:"eventId"`
	ReceiverID string    `json:"receiverId"`
	EventName  string    `json:"eventName"`
	Data       any       `json:"data"`
	CreatedAt  time.Time `json:"createdAt"`
}
