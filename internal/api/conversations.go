package api

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/orbitalops/dbagent/internal/identity"
	"github.com/orbitalops/dbagent/internal/store"
)

// ConversationsHandler serves conversation history endpoints.
type ConversationsHandler struct {
	repo store.Repository
}

func NewConversationsHandler(repo store.Repository) *ConversationsHandler {
	return &ConversationsHandler{repo: repo}
}

// RegisterRoutes registers conversation routes.
func (h *ConversationsHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/conversations", func(r chi.Router) {
		r.Get("/", h.List)
		r.Get("/{threadID}", h.Get)
		r.Delete("/{threadID}", h.Delete)
	})
}

// List returns conversation summaries for the current user, newest first.
func (h *ConversationsHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	summaries, err := h.repo.List(r.Context(), userID, limit, offset)
	if err != nil {
		slog.Error("Failed to list conversations", "error", err, "user_id", userID)
		ErrorFrom(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"conversations": summaries,
		"count":         len(summaries),
	})
}

// Get returns one conversation with its full state.
func (h *ConversationsHandler) Get(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	conv, err := h.repo.Load(r.Context(), threadID)
	if err != nil {
		ErrorFrom(w, err)
		return
	}
	JSON(w, http.StatusOK, conv)
}

// Delete removes a conversation.
func (h *ConversationsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	if err := h.repo.Delete(r.Context(), threadID); err != nil {
		ErrorFrom(w, err)
		return
	}
	slog.Info("Conversation deleted", "thread_id", threadID)
	JSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
