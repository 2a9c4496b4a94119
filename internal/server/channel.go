package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"github.com/chatterhq/chatter/internal/domain"
	"github.com/chatterhq/chatter/internal/identity"
	"github.com/chatterhq/chatter/internal/protocol"
	"github.com/chatterhq/chatter/internal/store"
)

const (
	readLimit    = 64 << 10 // 64KB
	storeTimeout = 5 * time.Second
	maxContent   = 4000
)

// Reasons sent back to clients.
const (
	reasonJoinRequired     = "join required"
	reasonIdentityMismatch = "identity does not match token"
	reasonInvalidPayload   = "invalid payload"
	reasonUnknownEvent     = "unknown event"
	reasonRateLimited      = "rate limited"
	reasonTooLong          = "message too long"
	reasonStoreFailed      = "could not store message"
)

// ChannelOptions configures the channel endpoint.
type ChannelOptions struct {
	SendRate      float64
	SendBurst     int
	AllowedOrigin string
	IsDev         bool
}

// ChannelHandler serves the chat channel over WebSocket.
type ChannelHandler struct {
	hub     *Hub
	repo    store.Repository
	metrics *Metrics
	opts    ChannelOptions
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string
}

// NewChannelHandler creates the channel endpoint.
func NewChannelHandler(hub *Hub, repo store.Repository, metrics *Metrics, opts ChannelOptions, logger *slog.Logger) *ChannelHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.SendRate <= 0 {
		opts.SendRate = 5
	}
	if opts.SendBurst <= 0 {
		opts.SendBurst = 10
	}
	return &ChannelHandler{
		hub:     hub,
		repo:    repo,
		metrics: metrics,
		opts:    opts,
		logger:  logger,
		now:     time.Now,
		newID:   func() string { return ulid.Make().String() },
	}
}

// channelSession is the per-connection state owned by the read goroutine.
type channelSession struct {
	c       *client
	bound   bool
	limiter *rate.Limiter
}

// ServeHTTP implements http.Handler for WebSocket upgrade. The request must
// carry a verified identity.
func (h *ChannelHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ident, ok := identity.FromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	h.logger.Info("WebSocket connection request", "user_id", ident.ID, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "user_id", ident.ID)
		return
	}
	ws.SetReadLimit(readLimit)

	c := newClient(ws, ident, h.logger)
	defer c.close(websocket.StatusNormalClosure, "channel ended")

	h.metrics.Connections.Inc()
	defer h.metrics.Connections.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go c.writeLoop(ctx)

	s := &channelSession{
		c:       c,
		limiter: rate.NewLimiter(rate.Limit(h.opts.SendRate), h.opts.SendBurst),
	}
	defer func() {
		if s.bound {
			h.hub.Unregister(c)
		}
	}()

	h.readLoop(ctx, s)
	h.logger.Info("Channel session ended", "user_id", ident.ID)
}

func (h *ChannelHandler) checkOrigin(r *http.Request) bool {
	if h.opts.IsDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.opts.AllowedOrigin == "*" {
		return true
	}
	if origin == h.opts.AllowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.opts.AllowedOrigin)
	return false
}

func (h *ChannelHandler) readLoop(ctx context.Context, s *channelSession) {
	userID := s.c.identity.ID
	for {
		_, frame, err := s.c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				h.logger.Debug("WebSocket closed by client", "user_id", userID)
			} else {
				h.logger.Warn("WebSocket read error", "error", err, "user_id", userID)
			}
			return
		}

		env, err := protocol.ParseEnvelope(frame)
		if err != nil {
			h.rejectFrame(s, "", err, nil)
			continue
		}

		switch env.Event {
		case protocol.EventJoin:
			h.handleJoin(s, env.Data)
		case protocol.EventMessageSend:
			h.handleSend(ctx, s, env.Data)
		case protocol.EventTyping:
			h.handleTyping(ctx, s, env.Data)
		default:
			h.channelError(s, reasonUnknownEvent)
		}
	}
}

func (h *ChannelHandler) handleJoin(s *channelSession, data json.RawMessage) {
	p, err := protocol.Decode[protocol.JoinPayload](data)
	if err != nil {
		h.rejectFrame(s, protocol.EventJoin, err, nil)
		return
	}
	if p.Identity.ID != s.c.identity.ID {
		h.logger.Warn("Join identity mismatch", "user_id", s.c.identity.ID, "claimed", p.Identity.ID)
		h.channelError(s, reasonIdentityMismatch)
		return
	}
	if s.bound {
		return
	}
	s.bound = true
	h.hub.Register(s.c)
}

func (h *ChannelHandler) handleSend(ctx context.Context, s *channelSession, data json.RawMessage) {
	p, err := protocol.Decode[protocol.SendPayload](data)
	if err != nil {
		h.rejectFrame(s, protocol.EventMessageSend, err, data)
		return
	}
	if !s.bound {
		h.sendError(s, p.PendingID, reasonJoinRequired)
		return
	}
	if len(p.Content) > maxContent {
		h.sendError(s, p.PendingID, reasonTooLong)
		return
	}
	if !s.limiter.Allow() {
		h.sendError(s, p.PendingID, reasonRateLimited)
		return
	}

	sender := s.c.identity.ID
	msg := domain.NewConfirmed(h.newID(), sender, p.RecipientID, p.Content, h.now().Truncate(time.Millisecond))
	msg.PendingID = p.PendingID

	storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	stored, created, err := h.repo.CreateMessageOrGetExisting(storeCtx, msg)
	cancel()
	if err != nil {
		h.logger.Error("Failed to store message", "error", err, "user_id", sender, "pending_id", p.PendingID)
		h.metrics.Messages.WithLabelValues(resultFailed).Inc()
		h.sendError(s, p.PendingID, reasonStoreFailed)
		return
	}
	if created {
		h.metrics.Messages.WithLabelValues(resultCreated).Inc()
	} else {
		h.metrics.Messages.WithLabelValues(resultDuplicate).Inc()
		h.logger.Debug("Resent message answered from ledger", "user_id", sender, "pending_id", p.PendingID, "message_id", stored.ID)
	}

	wire := protocol.MessageFromDomain(stored)
	h.enqueue(s, protocol.EventMessageConfirmed, protocol.ConfirmedPayload{PendingID: p.PendingID, Message: &wire})

	incoming, err := protocol.Encode(protocol.EventMessageIncoming, wire)
	if err != nil {
		h.logger.Error("Failed to encode incoming message", "error", err)
		return
	}
	// The sender's other connections see the message too; its own connection
	// drops the echo by server id.
	targets := []string{stored.RecipientID}
	if stored.SenderID != stored.RecipientID {
		targets = append(targets, stored.SenderID)
	}
	for _, userID := range targets {
		if err := h.hub.Deliver(ctx, userID, incoming); err != nil {
			h.logger.Warn("Failed to deliver message", "error", err, "user_id", userID, "message_id", stored.ID)
		}
	}
}

func (h *ChannelHandler) handleTyping(ctx context.Context, s *channelSession, data json.RawMessage) {
	p, err := protocol.Decode[protocol.TypingPayload](data)
	if err != nil {
		h.rejectFrame(s, protocol.EventTyping, err, nil)
		return
	}
	if !s.bound {
		h.channelError(s, reasonJoinRequired)
		return
	}

	frame, err := protocol.Encode(protocol.EventTypingUpdate, protocol.TypingUpdatePayload{
		UserID:   s.c.identity.ID,
		IsTyping: p.IsTyping,
	})
	if err != nil {
		h.logger.Error("Failed to encode typing update", "error", err)
		return
	}
	if err := h.hub.Deliver(ctx, p.RecipientID, frame); err != nil {
		h.logger.Warn("Failed to deliver typing update", "error", err, "user_id", p.RecipientID)
	}
}

// rejectFrame answers a malformed frame. Sends that still carry a pending id
// fail that message; everything else gets a channel error.
func (h *ChannelHandler) rejectFrame(s *channelSession, event string, err error, data json.RawMessage) {
	h.metrics.InvalidFrames.Inc()
	h.logger.Warn("Discarding malformed frame", "event", event, "error", err, "user_id", s.c.identity.ID)

	if event == protocol.EventMessageSend {
		var partial struct {
			PendingID string `json:"pendingId"`
		}
		if json.Unmarshal(data, &partial) == nil && domain.IsPendingID(partial.PendingID) {
			h.sendError(s, partial.PendingID, reasonInvalidPayload)
			return
		}
	}
	h.channelError(s, reasonInvalidPayload)
}

func (h *ChannelHandler) sendError(s *channelSession, pendingID, reason string) {
	h.metrics.Messages.WithLabelValues(resultRejected).Inc()
	h.enqueue(s, protocol.EventMessageError, protocol.SendErrorPayload{PendingID: pendingID, Reason: reason})
}

func (h *ChannelHandler) channelError(s *channelSession, reason string) {
	h.enqueue(s, protocol.EventError, protocol.ChannelErrorPayload{Reason: reason})
}

func (h *ChannelHandler) enqueue(s *channelSession, event string, payload any) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		h.logger.Error("Failed to encode frame", "event", event, "error", err)
		return
	}
	s.c.enqueue(frame)
}
