// Package api provides HTTP handlers for the Chatter REST API.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/chatterhq/chatter/internal/identity"
	"github.com/chatterhq/chatter/internal/store"
)

// Handler provides the REST endpoints next to the chat channel.
type Handler struct {
	repo   store.Repository
	issuer *identity.Issuer
	logger *slog.Logger
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, issuer *identity.Issuer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		repo:   repo,
		issuer: issuer,
		logger: logger,
	}
}

// RegisterRoutes registers the public and token-protected API routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(identity.Middleware(h.issuer))
			r.Get("/me", h.GetMe)
			r.Get("/conversations/{peer}/messages", h.ListMessages)
		})
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
