package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/Priya8975/event-pipeline/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
)

// UserStore provisions the users that follow and role events refer to.
type UserStore interface {
	EnsureUser(ctx context.Context, userID string) error
	GetUserStats(ctx context.Context, userID string) (*store.UserStats, error)
}

type UserHandler struct {
	store UserStore
}

func NewUserHandler(s UserStore) *UserHandler {
	return &UserHandler{store: s}
}

type createUserRequest struct {
	UserID string `json:"user_id"`
}

// Create provisions a user. Creating an existing user is a no-op and
// returns its current counters.
func (h *UserHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		respondError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	if err := h.store.EnsureUser(r.Context(), req.UserID); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create user")
		return
	}
	user, err := h.store.GetUserStats(r.Context(), req.UserID)
	if err != nil || user == nil {
		respondError(w, http.StatusInternalServerError, "failed to get user")
		return
	}

	respondJSON(w, http.StatusCreated, user)
}

func (h *UserHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	user, err := h.store.GetUserStats(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get user")
		return
	}
	if user == nil {
		respondError(w, http.StatusNotFound, "user not found")
		return
	}

	respondJSON(w, http.StatusOK, user)
}
