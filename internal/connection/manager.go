// Package connection maintains the single chat channel of a client session.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chatterhq/chatter/internal/domain"
	"github.com/chatterhq/chatter/internal/protocol"
	"github.com/chatterhq/chatter/internal/transport"
)

// ErrNotConnected is returned by Send when no channel is open.
var ErrNotConnected = errors.New("channel not connected")

// State is the lifecycle state of the channel.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateReady        State = "ready"
	StateReconnecting State = "reconnecting"
	StateDisconnected State = "disconnected"
)

// Handler receives the data of one inbound event.
type Handler func(data json.RawMessage)

// StateListener is notified on lifecycle changes.
type StateListener func(State)

type listenerEntry struct {
	id int
	fn StateListener
}

// Manager owns one channel bound to one identity.
//
// Inbound frames are dispatched sequentially from a single goroutine, in the
// order they were received.
type Manager struct {
	dialer transport.Dialer
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	gen        uint64
	running    bool
	identity   domain.Identity
	state      State
	conn       transport.Conn
	cancel     context.CancelFunc
	done       chan struct{}
	handlers   map[string]Handler
	listeners  []listenerEntry
	nextListen int

	writeMu sync.Mutex
}

// NewManager creates a manager that opens channels with dialer.
func NewManager(dialer transport.Dialer, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		dialer:   dialer,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		state:    StateIdle,
		handlers: make(map[string]Handler),
	}
}

// Handle registers fn for inbound event, replacing any previous handler.
func (m *Manager) Handle(event string, fn Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[event] = fn
}

// OnState registers a lifecycle listener and returns its unsubscribe func.
func (m *Manager) OnState(fn StateListener) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextListen++
	id := m.nextListen
	m.listeners = append(m.listeners, listenerEntry{id: id, fn: fn})
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, l := range m.listeners {
			if l.id == id {
				m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
				return
			}
		}
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Identity returns the identity the channel is bound to.
func (m *Manager) Identity() domain.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// Connect opens a channel bound to identity, authorized by token.
//
// Calling Connect again with the same identity while the channel is open or
// being re-established is a no-op. A different identity tears the old channel
// down first. The channel lives until Disconnect or until ctx is done.
func (m *Manager) Connect(ctx context.Context, identity domain.Identity, token string) error {
	if err := identity.Validate(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	m.mu.Lock()
	if m.running && m.identity.ID == identity.ID {
		m.mu.Unlock()
		return nil
	}
	if m.running {
		m.logger.Info("Switching channel identity", "from", m.identity.ID, "to", identity.ID)
		m.stopLocked()
	}

	m.gen++
	gen := m.gen
	runCtx, cancel := context.WithCancel(ctx)
	m.running = true
	m.identity = identity
	m.cancel = cancel
	done := make(chan struct{})
	m.done = done
	m.mu.Unlock()

	go func() {
		defer close(done)
		m.run(runCtx, gen, identity, token)
	}()
	return nil
}

// Disconnect closes the channel, stops reconnection and clears every inbound
// handler and lifecycle listener. Listeners see StateDisconnected first.
// It returns once the channel goroutine has exited, so no handler runs after
// it; it must not be called from a handler or listener.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	wasRunning := m.running
	done := m.done
	m.done = nil
	m.stopLocked()
	m.gen++
	m.identity = domain.Identity{}
	m.mu.Unlock()

	if done != nil {
		<-done
	}
	if wasRunning {
		m.setState(0, StateDisconnected)
	}

	m.mu.Lock()
	m.handlers = make(map[string]Handler)
	m.listeners = nil
	m.mu.Unlock()
}

// stopLocked cancels the current run and closes its channel. Callers hold m.mu.
func (m *Manager) stopLocked() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.conn != nil {
		if err := m.conn.Close(); err != nil {
			m.logger.Debug("Failed to close channel", "error", err)
		}
		m.conn = nil
	}
	m.running = false
}

// Send writes one outbound event.
func (m *Manager) Send(ctx context.Context, event string, payload any) error {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}

	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return m.write(ctx, conn, event, frame)
}

func (m *Manager) write(ctx context.Context, conn transport.Conn, event string, frame []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.Write(ctx, frame); err != nil {
		return fmt.Errorf("write %s: %w", event, err)
	}
	return nil
}

func (m *Manager) run(ctx context.Context, gen uint64, identity domain.Identity, token string) {
	failures := 0
	next := StateConnecting

	for {
		m.setState(gen, next)
		next = StateReconnecting

		conn, err := m.dialer.Dial(ctx, token)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			if !m.waitRetry(ctx, gen, failures, err) {
				return
			}
			continue
		}

		if err := m.attach(ctx, gen, conn, identity); err != nil {
			_ = conn.Close()
			if ctx.Err() != nil {
				return
			}
			failures++
			if !m.waitRetry(ctx, gen, failures, err) {
				return
			}
			continue
		}

		m.setState(gen, StateReady)
		connectedAt := time.Now()

		err = m.readLoop(ctx, gen, conn)
		m.detach(gen, conn)
		if ctx.Err() != nil {
			return
		}

		m.logger.Warn("Channel dropped", "user_id", identity.ID, "error", err)
		// A channel that dies right after opening counts as a failed attempt,
		// so a server that keeps rejecting us cannot cause a hot loop.
		if time.Since(connectedAt) < m.cfg.BackoffBase {
			failures++
			m.setState(gen, StateReconnecting)
			if !m.waitRetry(ctx, gen, failures, err) {
				return
			}
			continue
		}
		failures = 0
	}
}

// waitRetry sleeps for the backoff of attempt, or reports false when retries
// are exhausted or the run was cancelled.
func (m *Manager) waitRetry(ctx context.Context, gen uint64, attempt int, cause error) bool {
	if attempt > m.cfg.MaxRetries {
		m.logger.Error("Giving up on channel", "attempts", attempt, "error", cause)
		m.finish(gen)
		m.setState(gen, StateDisconnected)
		return false
	}
	delay := m.cfg.Backoff(attempt)
	m.logger.Warn("Channel attempt failed, retrying", "attempt", attempt, "delay", delay, "error", cause)
	return sleep(ctx, delay) == nil
}

// attach announces the identity and publishes conn for writers.
func (m *Manager) attach(ctx context.Context, gen uint64, conn transport.Conn, identity domain.Identity) error {
	frame, err := protocol.Encode(protocol.EventJoin, protocol.JoinPayload{Identity: identity})
	if err != nil {
		return err
	}
	if err := m.write(ctx, conn, protocol.EventJoin, frame); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return context.Canceled
	}
	m.conn = conn
	return nil
}

func (m *Manager) detach(gen uint64, conn transport.Conn) {
	m.mu.Lock()
	if gen == m.gen && m.conn == conn {
		m.conn = nil
	}
	m.mu.Unlock()
	_ = conn.Close()
}

func (m *Manager) finish(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen == m.gen {
		m.running = false
		m.cancel = nil
	}
}

func (m *Manager) readLoop(ctx context.Context, gen uint64, conn transport.Conn) error {
	for {
		frame, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		env, err := protocol.ParseEnvelope(frame)
		if err != nil {
			m.logger.Warn("Discarding malformed frame", "error", err)
			continue
		}

		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			return context.Canceled
		}
		h := m.handlers[env.Event]
		m.mu.Unlock()

		if h == nil {
			m.logger.Debug("No handler for event", "event", env.Event)
			continue
		}
		m.dispatch(env.Event, func() { h(env.Data) })
	}
}

// setState records s and notifies listeners when it changed. gen 0 bypasses
// the generation check.
func (m *Manager) setState(gen uint64, s State) {
	m.mu.Lock()
	if gen != 0 && gen != m.gen {
		m.mu.Unlock()
		return
	}
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	listeners := make([]StateListener, len(m.listeners))
	for i, l := range m.listeners {
		listeners[i] = l.fn
	}
	m.mu.Unlock()

	m.logger.Debug("Channel state changed", "state", s)
	for _, fn := range listeners {
		m.dispatch(string(s), func() { fn(s) })
	}
}

func (m *Manager) dispatch(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Channel callback panicked", "event", name, "panic", r)
		}
	}()
	fn()
}
