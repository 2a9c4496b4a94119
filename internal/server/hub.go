// Package server implements the relay side of the chat channel: connection
// registry, presence roster, message relay and retention.
package server

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/chatterhq/chatter/internal/domain"
	"github.com/chatterhq/chatter/internal/protocol"
)

const (
	sendQueueSize = 64
	writeTimeout  = 5 * time.Second
)

// client is one accepted channel. Frames are queued and written by a single
// writer goroutine so writes never interleave.
type client struct {
	conn     *websocket.Conn
	identity domain.Identity
	send     chan []byte
	done     chan struct{}
	once     sync.Once
	logger   *slog.Logger
}

func newClient(conn *websocket.Conn, identity domain.Identity, logger *slog.Logger) *client {
	return &client{
		conn:     conn,
		identity: identity,
		send:     make(chan []byte, sendQueueSize),
		done:     make(chan struct{}),
		logger:   logger,
	}
}

// enqueue queues frame without blocking. A client whose queue is full is too
// slow to keep up and gets disconnected.
func (c *client) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.logger.Warn("Send queue full, dropping connection", "user_id", c.identity.ID)
		c.close(websocket.StatusPolicyViolation, "too slow")
		return false
	}
}

func (c *client) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case frame := <-c.send:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				c.logger.Debug("WebSocket write error", "error", err, "user_id", c.identity.ID)
				c.close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

// close stops the writer and closes the socket in the background, since the
// close handshake may block and callers can hold the hub lock.
func (c *client) close(code websocket.StatusCode, reason string) {
	c.once.Do(func() {
		close(c.done)
		go func() {
			if err := c.conn.Close(code, reason); err != nil {
				c.logger.Debug("Failed to close websocket", "error", err, "user_id", c.identity.ID)
			}
		}()
	})
}

// Hub tracks bound connections per user and publishes the presence roster.
type Hub struct {
	broker  Broker
	metrics *Metrics
	logger  *slog.Logger

	mu      sync.RWMutex
	clients map[string]map[*client]struct{}
	seq     uint64
}

// NewHub creates a hub that routes user-addressed frames through broker.
func NewHub(broker Broker, metrics *Metrics, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		broker:  broker,
		metrics: metrics,
		logger:  logger,
		clients: make(map[string]map[*client]struct{}),
	}
}

// Start subscribes the hub to its broker.
func (h *Hub) Start(ctx context.Context) error {
	return h.broker.Subscribe(ctx, h.deliverLocal)
}

// Register binds c to its user and broadcasts the new roster.
func (h *Hub) Register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.clients[c.identity.ID]; !exists {
		h.clients[c.identity.ID] = make(map[*client]struct{})
	}
	h.clients[c.identity.ID][c] = struct{}{}
	h.logger.Info("Channel joined", "user_id", c.identity.ID, "connections", len(h.clients[c.identity.ID]))
	if h.metrics != nil {
		h.metrics.OnlineUsers.Set(float64(len(h.clients)))
	}
	h.broadcastPresenceLocked()
}

// Unregister removes c and broadcasts the new roster. Unknown clients are
// ignored.
func (h *Hub) Unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns, ok := h.clients[c.identity.ID]
	if !ok {
		return
	}
	if _, exists := conns[c]; !exists {
		return
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(h.clients, c.identity.ID)
	}
	h.logger.Info("Channel left", "user_id", c.identity.ID)
	if h.metrics != nil {
		h.metrics.OnlineUsers.Set(float64(len(h.clients)))
	}
	h.broadcastPresenceLocked()
}

// OnlineIDs returns the ids of users with at least one bound connection.
func (h *Hub) OnlineIDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.onlineIDsLocked()
}

func (h *Hub) onlineIDsLocked() []string {
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// broadcastPresenceLocked queues a roster snapshot to every bound client.
// Holding the lock keeps snapshots queued in sequence order.
func (h *Hub) broadcastPresenceLocked() {
	h.seq++
	frame, err := protocol.Encode(protocol.EventPresence, protocol.PresencePayload{
		OnlineIDs: h.onlineIDsLocked(),
		Seq:       h.seq,
	})
	if err != nil {
		h.logger.Error("Failed to encode presence", "error", err)
		return
	}
	for _, conns := range h.clients {
		for c := range conns {
			c.enqueue(frame)
		}
	}
}

// Deliver routes frame to every connection of userID through the broker.
func (h *Hub) Deliver(ctx context.Context, userID string, frame []byte) error {
	return h.broker.Publish(ctx, userID, frame)
}

func (h *Hub) deliverLocal(userID string, frame []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients[userID] {
		c.enqueue(frame)
	}
}

// CloseAll terminates every bound connection.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for userID, conns := range h.clients {
		for c := range conns {
			c.close(websocket.StatusGoingAway, "server shutting down")
		}
		delete(h.clients, userID)
		h.logger.Info("Channel closed", "user_id", userID)
	}
}
