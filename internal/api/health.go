package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/chatterhq/chatter/internal/store"
)

const healthCheckTimeout = 5 * time.Second

// RosterCounter reports how many users are online on this instance.
type RosterCounter interface {
	OnlineIDs() []string
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	repo   store.Repository
	roster RosterCounter
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(repo store.Repository, roster RosterCounter) *HealthHandler {
	return &HealthHandler{repo: repo, roster: roster}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}
	if h.roster != nil {
		status["online"] = len(h.roster.OnlineIDs())
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the detailed health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/api/health", h.Health)
}
