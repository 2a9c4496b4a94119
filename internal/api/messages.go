package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/chatterhq/chatter/internal/domain"
	"github.com/chatterhq/chatter/internal/identity"
	"github.com/chatterhq/chatter/internal/protocol"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// MessagePage is one page of conversation history, oldest first.
type MessagePage struct {
	Messages []protocol.MessagePayload `json:"messages"`
	// Before is the cursor for the next older page, zero when exhausted.
	Before int64 `json:"before,omitempty"`
}

// ListMessages returns history between the caller and {peer}. Query
// parameters: before (unix ms, exclusive) and limit.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	self := identity.UserIDFromContext(r.Context())
	peer := chi.URLParam(r, "peer")
	if !domain.ValidUserID(peer) {
		Error(w, http.StatusBadRequest, "invalid peer")
		return
	}

	limit := defaultPageSize
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxPageSize)
	}

	var before time.Time
	if v := r.URL.Query().Get("before"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil || ms <= 0 {
			Error(w, http.StatusBadRequest, "invalid before")
			return
		}
		before = time.UnixMilli(ms)
	}

	msgs, err := h.repo.ListConversation(r.Context(), domain.KeyFor(self, peer), before, limit)
	if err != nil {
		h.logger.Error("Failed to list messages", "error", err, "user_id", self, "peer", peer)
		Error(w, http.StatusInternalServerError, "failed to list messages")
		return
	}

	page := MessagePage{Messages: make([]protocol.MessagePayload, 0, len(msgs))}
	for _, m := range msgs {
		page.Messages = append(page.Messages, protocol.MessageFromDomain(m))
	}
	if len(msgs) == limit {
		page.Before = msgs[0].CreatedAt.UnixMilli()
	}
	JSON(w, http.StatusOK, page)
}
