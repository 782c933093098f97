package api

import (
	"context"
	"net/http"
	"time"

	"github.com/Priya8975/event-pipeline/internal/domain"
	"github.com/Priya8975/event-pipeline/internal/engine"
	"github.com/Priya8975/event-pipeline/internal/worker"
	"github.com/go-chi/chi/v5"
)

// PipelineStore is the read side of the ledger and pending store.
type PipelineStore interface {
	ListPending(ctx context.Context, limit int) ([]domain.PendingEffect, error)
	EventStatus(ctx context.Context, eventID string) (*domain.EventStatus, error)
	GetPipelineStats(ctx context.Context) (*domain.PipelineStats, error)
}

// RetryRunner triggers a retry batch outside the scheduler's timer.
type RetryRunner interface {
	RunOnce(ctx context.Context) (worker.BatchResult, error)
}

// BrokerStats reports live push channels.
type BrokerStats interface {
	ChannelCount() int
	ReceiverCount() int
}

// BreakerStates reports circuit breaker state per event type.
type BreakerStates interface {
	States(ctx context.Context, types []domain.EventType) []engine.CircuitBreakerState
}

type PipelineHandler struct {
	store    PipelineStore
	retries  RetryRunner
	broker   BrokerStats
	breakers BreakerStates
	types    []domain.EventType
}

func NewPipelineHandler(s PipelineStore, retries RetryRunner, broker BrokerStats, breakers BreakerStates) *PipelineHandler {
	return &PipelineHandler{
		store:    s,
		retries:  retries,
		broker:   broker,
		breakers: breakers,
		types:    domain.EventTypes(),
	}
}

// RunRetries runs one retry batch synchronously and returns its summary.
func (h *PipelineHandler) RunRetries(w http.ResponseWriter, r *http.Request) {
	if h.retries == nil {
		respondError(w, http.StatusServiceUnavailable, "retry scheduler not running")
		return
	}

	res, err := h.retries.RunOnce(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "retry batch failed")
		return
	}

	respondJSON(w, http.StatusOK, res)
}

func (h *PipelineHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	rows, err := h.store.ListPending(r.Context(), queryLimit(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list pending effects")
		return
	}

	respondJSON(w, http.StatusOK, rows)
}

// EventStatus reports whether an event is processed, pending or dead-lettered.
func (h *PipelineHandler) EventStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	status, err := h.store.EventStatus(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get event status")
		return
	}
	if status.State == domain.StateUnknown {
		respondJSON(w, http.StatusNotFound, status)
		return
	}

	respondJSON(w, http.StatusOK, status)
}

type statsResponse struct {
	domain.PipelineStats
	BrokerChannels  int       `json:"broker_channels"`
	BrokerReceivers int       `json:"broker_receivers"`
	GeneratedAt     time.Time `json:"generated_at"`
}

// Stats returns aggregated pipeline counters for operators.
func (h *PipelineHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.GetPipelineStats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	resp := statsResponse{
		PipelineStats: *stats,
		GeneratedAt:   time.Now().UTC(),
	}
	if h.broker != nil {
		resp.BrokerChannels = h.broker.ChannelCount()
		resp.BrokerReceivers = h.broker.ReceiverCount()
	}

	respondJSON(w, http.StatusOK, resp)
}

// Breakers returns circuit breaker state for every event type.
func (h *PipelineHandler) Breakers(w http.ResponseWriter, r *http.Request) {
	if h.breakers == nil {
		respondJSON(w, http.StatusOK, []engine.CircuitBreakerState{})
		return
	}
	respondJSON(w, http.StatusOK, h.breakers.States(r.Context(), h.types))
}
