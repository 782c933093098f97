package api

import (
	"errors"
	"net/http"

	"github.com/Priya8975/event-pipeline/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
)

type DeadLetterHandler struct {
	store domain.DeadLetterStore
}

func NewDeadLetterHandler(s domain.DeadLetterStore) *DeadLetterHandler {
	return &DeadLetterHandler{store: s}
}

func (h *DeadLetterHandler) List(w http.ResponseWriter, r *http.Request) {
	eventType := domain.EventType(r.URL.Query().Get("event_type"))
	if eventType != "" && !eventType.Valid() {
		respondError(w, http.StatusBadRequest, "unknown event_type")
		return
	}

	letters, err := h.store.ListDeadLetters(r.Context(), domain.DeadLetterFilter{
		EventType: eventType,
		Resolved:  r.URL.Query().Get("resolved") == "true",
		Limit:     queryLimit(r),
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}

	respondJSON(w, http.StatusOK, letters)
}

func (h *DeadLetterHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	letter, err := h.store.GetDeadLetter(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get dead letter")
		return
	}
	if letter == nil {
		respondError(w, http.StatusNotFound, "dead letter not found")
		return
	}

	respondJSON(w, http.StatusOK, letter)
}

type resolveRequest struct {
	ResolvedBy string `json:"resolved_by"`
}

func (h *DeadLetterHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req resolveRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	if req.ResolvedBy == "" {
		req.ResolvedBy = "manual"
	}

	if err := h.store.ResolveDeadLetter(r.Context(), id, req.ResolvedBy); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			respondError(w, http.StatusNotFound, "dead letter not found or already resolved")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to resolve dead letter")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

// Requeue moves a dead letter back to the pending store with a fresh
// attempt budget.
func (h *DeadLetterHandler) Requeue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.store.RequeueDeadLetter(r.Context(), id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			respondError(w, http.StatusConflict, "dead letter not found, resolved, or already applied")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to requeue dead letter")
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]string{"status": "requeued"})
}
