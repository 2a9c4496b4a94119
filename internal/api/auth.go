package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/chatterhq/chatter/internal/domain"
	"github.com/chatterhq/chatter/internal/identity"
)

const maxLoginBody = 4 << 10

// LoginRequest is the body of POST /api/login.
type LoginRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// LoginResponse carries the bearer token for the chat channel.
type LoginResponse struct {
	Token     string          `json:"token"`
	ExpiresAt time.Time       `json:"expiresAt"`
	Identity  domain.Identity `json:"identity"`
}

// Login records the user and issues a channel token.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxLoginBody)).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ident := domain.Identity{ID: strings.TrimSpace(req.ID), Name: strings.TrimSpace(req.Name)}
	if err := ident.Validate(); err != nil {
		Error(w, http.StatusBadRequest, "invalid user id")
		return
	}

	if err := h.repo.UpsertUser(r.Context(), ident, time.Now()); err != nil {
		h.logger.Error("Failed to record user", "error", err, "user_id", ident.ID)
		Error(w, http.StatusInternalServerError, "failed to record user")
		return
	}

	token, expires, err := h.issuer.Issue(ident)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidIdentity) {
			Error(w, http.StatusBadRequest, "invalid user id")
			return
		}
		h.logger.Error("Failed to issue token", "error", err, "user_id", ident.ID)
		Error(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	h.logger.Info("User logged in", "user_id", ident.ID, "ip", identity.IPFromRequest(r))
	JSON(w, http.StatusOK, LoginResponse{Token: token, ExpiresAt: expires, Identity: ident})
}

// GetMe returns the identity bound to the request's token.
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	ident, ok := identity.FromContext(r.Context())
	if !ok {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	JSON(w, http.StatusOK, ident)
}
