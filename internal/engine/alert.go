package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/Priya8975/event-pipeline/internal/domain"
	"github.com/Priya8975/event-pipeline/internal/metrics"
)

// Alert kinds.
const (
	AlertPermanentFailure = "permanent_failure"
	AlertDeadLetter       = "dead_letter"
	AlertPoisonMessage    = "poison_message"
)

// Alert is an operator-visible problem with one event.
type Alert struct {
	Kind      string           `json:"kind"`
	EventID   string           `json:"eventId"`
	EventType domain.EventType `json:"eventType"`
	Attempts  int              `json:"attempts,omitempty"`
	Reason    string           `json:"reason"`
}

// Throttle limits how often an alert key may fire.
type Throttle interface {
	Allow(ctx context.Context, key string, limit int) bool
}

// Pusher hands notifications to live channels without blocking.
type Pusher interface {
	Push(msg domain.NotificationMessage)
}

// Alerter logs every alert and pushes throttled copies to the operator receiver.
type Alerter struct {
	logger   *slog.Logger
	pusher   Pusher
	throttle Throttle
	receiver string
	limit    int
}

// NewAlerter creates an alerter. pusher and throttle may be nil.
func NewAlerter(logger *slog.Logger, pusher Pusher, throttle Throttle, receiver string, limit int) *Alerter {
	return &Alerter{
		logger:   logger,
		pusher:   pusher,
		throttle: throttle,
		receiver: receiver,
		limit:    limit,
	}
}

// Raise records an alert. It never fails.
func (a *Alerter) Raise(ctx context.Context, alert Alert) {
	if a == nil {
		return
	}

	metrics.RecordAlert(alert.Kind)
	a.logger.Error("operator alert",
		"alert", alert.Kind,
		"event_id", alert.EventID,
		"event_type", alert.EventType,
		"attempts", alert.Attempts,
		"reason", alert.Reason,
	)

	if a.pusher == nil || a.receiver == "" {
		return
	}
	if a.throttle != nil && !a.throttle.Allow(ctx, alert.Kind, a.limit) {
		a.logger.Debug("operator alert push throttled", "alert", alert.Kind)
		return
	}

	a.pusher.Push(domain.NotificationMessage{
		EventID:    alert.EventID,
		ReceiverID: a.receiver,
		EventName:  "alert." + alert.Kind,
		Data:       alert,
		CreatedAt:  time.Now().UTC(),
	})
}
