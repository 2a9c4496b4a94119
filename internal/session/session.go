// Package session owns the client side of one login: the channel, the
// presence and typing trackers and the message reconciler, plus the local
// history cache. UI code talks to a Session only.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chatterhq/chatter/internal/config"
	"github.com/chatterhq/chatter/internal/connection"
	"github.com/chatterhq/chatter/internal/domain"
	"github.com/chatterhq/chatter/internal/presence"
	"github.com/chatterhq/chatter/internal/protocol"
	"github.com/chatterhq/chatter/internal/reconciler"
	"github.com/chatterhq/chatter/internal/store"
	"github.com/chatterhq/chatter/internal/transport"
)

// ErrNotStarted is returned by calls that need an active login.
var ErrNotStarted = errors.New("session not started")

const (
	defaultHistoryLimit = 500
	cacheTimeout        = 5 * time.Second
)

// Config tunes a Session. Zero values select defaults.
type Config struct {
	Connection   connection.Config
	SendTimeout  time.Duration
	TypingTTL    time.Duration
	HistoryLimit int
}

// ConfigFromClient maps the CLI configuration onto a session Config.
func ConfigFromClient(c *config.ClientConfig) Config {
	conn := connection.DefaultConfig()
	conn.BackoffBase = c.BackoffBase
	conn.BackoffMax = c.BackoffMax
	conn.MaxRetries = c.MaxRetries
	return Config{
		Connection:  conn,
		SendTimeout: c.SendTimeout,
	}
}

// ConnectivityListener receives channel lifecycle changes.
type ConnectivityListener func(connection.State)

type conversationListener struct {
	peer string
	fn   reconciler.Listener
}

// Session is one client login. It is safe for concurrent use.
type Session struct {
	cfg      Config
	conn     *connection.Manager
	cache    store.Cache
	presence *presence.Tracker
	typing   *presence.Typing
	logger   *slog.Logger

	mu      sync.Mutex
	self    domain.Identity
	rec     *reconciler.Reconciler
	unsub   []func()
	saved   map[string]struct{}
	convs   map[int]conversationListener
	conns   map[int]ConnectivityListener
	nextID  int
	runCtx  context.Context
	stopRun context.CancelFunc
}

// New creates an idle session. cache may be nil to run without local history.
func New(cfg Config, dialer transport.Dialer, cache store.Cache, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if cfg.TypingTTL <= 0 {
		cfg.TypingTTL = presence.DefaultTypingTTL
	}
	return &Session{
		cfg:      cfg,
		conn:     connection.NewManager(dialer, cfg.Connection, logger),
		cache:    cache,
		presence: presence.NewTracker(logger),
		typing:   presence.NewTyping(cfg.TypingTTL, logger),
		logger:   logger,
		convs:    make(map[int]conversationListener),
		conns:    make(map[int]ConnectivityListener),
	}
}

// Start logs identity in and opens the channel authorized by token. Starting
// again with the current identity is a no-op unless the channel gave up, in
// which case it is reopened; a different identity logs the previous one out
// first.
func (s *Session) Start(ctx context.Context, identity domain.Identity, token string) error {
	if err := identity.Validate(); err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	s.mu.Lock()
	current := s.self
	active := s.rec != nil
	runCtx := s.runCtx
	s.mu.Unlock()
	if active && current.ID == identity.ID {
		// A channel that gave up reopens; pending sends survive and are
		// resent once it is ready.
		if s.conn.State() != connection.StateDisconnected {
			return nil
		}
		if err := s.conn.Connect(runCtx, identity, token); err != nil {
			return fmt.Errorf("start session: %w", err)
		}
		s.logger.Info("Session channel reopened", "user_id", identity.ID)
		return nil
	}
	if active {
		s.logger.Info("Switching session identity", "from", current.ID, "to", identity.ID)
		s.Logout()
	}

	runCtx, stop := context.WithCancel(ctx)
	rec := reconciler.New(identity.ID, s.conn.Send, reconciler.Options{Timeout: s.cfg.SendTimeout}, s.logger)

	s.mu.Lock()
	s.self = identity
	s.rec = rec
	s.saved = make(map[string]struct{})
	s.runCtx = runCtx
	s.stopRun = stop
	s.unsub = []func(){rec.OnChange("", s.conversationChanged)}
	s.mu.Unlock()

	s.loadHistory(runCtx, identity.ID, rec)

	s.conn.Handle(protocol.EventPresence, s.onPresence)
	s.conn.Handle(protocol.EventTypingUpdate, s.onTypingUpdate)
	s.conn.Handle(protocol.EventMessageIncoming, s.onIncoming)
	s.conn.Handle(protocol.EventMessageConfirmed, s.onConfirmed)
	s.conn.Handle(protocol.EventMessageError, s.onSendError)
	s.conn.Handle(protocol.EventError, s.onChannelError)
	s.conn.OnState(s.stateChanged)

	if err := s.conn.Connect(runCtx, identity, token); err != nil {
		s.Logout()
		return fmt.Errorf("start session: %w", err)
	}
	s.logger.Info("Session started", "user_id", identity.ID)
	return nil
}

// Logout closes the channel and discards the roster, typing state and any
// unconfirmed sends. Confirmed history stays in the cache.
func (s *Session) Logout() {
	s.mu.Lock()
	rec := s.rec
	unsub := s.unsub
	stop := s.stopRun
	self := s.self
	s.rec = nil
	s.unsub = nil
	s.saved = nil
	s.stopRun = nil
	s.runCtx = nil
	s.self = domain.Identity{}
	s.mu.Unlock()

	if rec == nil {
		return
	}

	s.conn.Disconnect()
	for _, fn := range unsub {
		fn()
	}
	rec.DiscardPending()
	s.presence.Reset()
	s.typing.Reset()
	if stop != nil {
		stop()
	}
	s.logger.Info("Session ended", "user_id", self.ID)
}

// Close logs out and releases the cache.
func (s *Session) Close() error {
	s.Logout()
	if s.cache == nil {
		return nil
	}
	if err := s.cache.Close(); err != nil {
		return fmt.Errorf("close cache: %w", err)
	}
	return nil
}

// Identity returns the logged-in identity, zero when logged out.
func (s *Session) Identity() domain.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self
}

// State returns the channel lifecycle state.
func (s *Session) State() connection.State {
	return s.conn.State()
}

// SendMessage appends an optimistic message to the conversation with
// recipientID and emits it. It returns the pending id.
func (s *Session) SendMessage(ctx context.Context, recipientID, content string) (string, error) {
	rec, err := s.reconciler()
	if err != nil {
		return "", err
	}
	return rec.Send(ctx, recipientID, content)
}

// Retry re-sends a failed message with its original pending id.
func (s *Session) Retry(ctx context.Context, pendingID string) error {
	rec, err := s.reconciler()
	if err != nil {
		return err
	}
	return rec.Retry(ctx, pendingID)
}

// FailureReason returns why a send failed, if it did.
func (s *Session) FailureReason(pendingID string) (string, bool) {
	rec, err := s.reconciler()
	if err != nil {
		return "", false
	}
	return rec.FailureReason(pendingID)
}

// Pending returns the sends still awaiting confirmation, oldest first.
func (s *Session) Pending() []reconciler.PendingSend {
	rec, err := s.reconciler()
	if err != nil {
		return nil
	}
	return rec.Pending()
}

// SetTyping tells recipientID whether the user is typing to them.
func (s *Session) SetTyping(ctx context.Context, recipientID string, typing bool) error {
	if _, err := s.reconciler(); err != nil {
		return err
	}
	return s.conn.Send(ctx, protocol.EventTyping, protocol.TypingPayload{RecipientID: recipientID, IsTyping: typing})
}

// Conversation returns a snapshot of the conversation with peerID.
func (s *Session) Conversation(peerID string) []domain.Message {
	s.mu.Lock()
	rec, self := s.rec, s.self.ID
	s.mu.Unlock()
	if rec == nil {
		return nil
	}
	return rec.Conversation(domain.KeyFor(self, peerID))
}

// Peers returns the ids of everyone the user has a conversation with.
func (s *Session) Peers() []string {
	s.mu.Lock()
	rec, self := s.rec, s.self.ID
	s.mu.Unlock()
	if rec == nil {
		return nil
	}
	keys := rec.Conversations()
	peers := make([]string, 0, len(keys))
	for _, k := range keys {
		peers = append(peers, k.Peer(self))
	}
	return peers
}

// Online returns the sorted ids of online users.
func (s *Session) Online() []string {
	return s.presence.OnlineIDs()
}

// IsOnline reports whether userID is online.
func (s *Session) IsOnline(userID string) bool {
	return s.presence.IsOnline(userID)
}

// IsTyping reports whether userID is typing to the user.
func (s *Session) IsTyping(userID string) bool {
	return s.typing.IsTyping(userID)
}

// OnPresenceChange registers fn for roster changes.
func (s *Session) OnPresenceChange(fn presence.Listener) func() {
	return s.presence.OnChange(fn)
}

// OnTypingChange registers fn for peer typing changes.
func (s *Session) OnTypingChange(fn presence.TypingListener) func() {
	return s.typing.OnChange(fn)
}

// OnConversationChange registers fn for changes to the conversation with
// peerID. An empty peerID subscribes to every conversation. Subscriptions
// survive logout.
func (s *Session) OnConversationChange(peerID string, fn reconciler.Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	// Keys are resolved per delivery since the identity can change.
	s.convs[id] = conversationListener{peer: peerID, fn: fn}
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.convs, id)
	}
}

// OnConnectivityChange registers fn for channel lifecycle changes.
func (s *Session) OnConnectivityChange(fn ConnectivityListener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.conns[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.conns, id)
	}
}

func (s *Session) reconciler() (*reconciler.Reconciler, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil {
		return nil, ErrNotStarted
	}
	return s.rec, nil
}

func (s *Session) loadHistory(ctx context.Context, owner string, rec *reconciler.Reconciler) {
	if s.cache == nil {
		return
	}
	loadCtx, cancel := context.WithTimeout(ctx, cacheTimeout)
	defer cancel()

	msgs, err := s.cache.LoadMessages(loadCtx, owner, s.cfg.HistoryLimit)
	if err != nil {
		s.logger.Warn("Failed to load cached history", "error", err, "user_id", owner)
		return
	}

	s.mu.Lock()
	for _, m := range msgs {
		s.saved[m.ID] = struct{}{}
	}
	s.mu.Unlock()

	rec.Load(msgs)
	s.logger.Debug("Loaded cached history", "user_id", owner, "count", len(msgs))
}

// conversationChanged persists newly confirmed messages and fans the change
// out to UI listeners.
func (s *Session) conversationChanged(key domain.ConversationKey, msgs []domain.Message) {
	s.mu.Lock()
	self := s.self.ID
	var fresh []domain.Message
	if s.saved != nil {
		for _, m := range msgs {
			if m.State() != domain.StateSent {
				continue
			}
			if _, ok := s.saved[m.ID]; ok {
				continue
			}
			s.saved[m.ID] = struct{}{}
			fresh = append(fresh, m)
		}
	}
	var listeners []reconciler.Listener
	for _, l := range s.convs {
		if l.peer == "" || domain.KeyFor(self, l.peer) == key {
			listeners = append(listeners, l.fn)
		}
	}
	ctx := s.runCtx
	s.mu.Unlock()

	if len(fresh) > 0 && s.cache != nil && ctx != nil {
		saveCtx, cancel := context.WithTimeout(ctx, cacheTimeout)
		if err := s.cache.SaveMessages(saveCtx, self, fresh); err != nil {
			s.logger.Warn("Failed to cache messages", "error", err, "user_id", self, "count", len(fresh))
		}
		cancel()
	}

	for _, fn := range listeners {
		cp := make([]domain.Message, len(msgs))
		copy(cp, msgs)
		s.safeCall("conversation", func() { fn(key, cp) })
	}
}

func (s *Session) stateChanged(state connection.State) {
	switch state {
	case connection.StateReconnecting, connection.StateDisconnected:
		s.presence.Reset()
		s.typing.Reset()
	case connection.StateReady:
		s.mu.Lock()
		rec, ctx := s.rec, s.runCtx
		s.mu.Unlock()
		if rec != nil && ctx != nil {
			if n := rec.Resend(ctx); n > 0 {
				s.logger.Info("Resent pending messages", "count", n)
			}
		}
	}

	s.mu.Lock()
	listeners := make([]ConnectivityListener, 0, len(s.conns))
	for _, fn := range s.conns {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()
	for _, fn := range listeners {
		s.safeCall("connectivity", func() { fn(state) })
	}
}

func (s *Session) onPresence(data json.RawMessage) {
	p, err := protocol.Decode[protocol.PresencePayload](data)
	if err != nil {
		s.discard(protocol.EventPresence, err)
		return
	}
	s.presence.Apply(p)
}

func (s *Session) onTypingUpdate(data json.RawMessage) {
	p, err := protocol.Decode[protocol.TypingUpdatePayload](data)
	if err != nil {
		s.discard(protocol.EventTypingUpdate, err)
		return
	}
	s.typing.Apply(p)
}

func (s *Session) onIncoming(data json.RawMessage) {
	p, err := protocol.Decode[protocol.MessagePayload](data)
	if err != nil {
		s.discard(protocol.EventMessageIncoming, err)
		return
	}
	rec, err := s.reconciler()
	if err != nil {
		return
	}
	rec.Receive(p.ToDomain())
}

func (s *Session) onConfirmed(data json.RawMessage) {
	p, err := protocol.Decode[protocol.ConfirmedPayload](data)
	if err != nil {
		s.discard(protocol.EventMessageConfirmed, err)
		return
	}
	rec, err := s.reconciler()
	if err != nil {
		return
	}
	rec.Confirm(p.PendingID, p.Message.ToDomain())
}

func (s *Session) onSendError(data json.RawMessage) {
	p, err := protocol.Decode[protocol.SendErrorPayload](data)
	if err != nil {
		s.discard(protocol.EventMessageError, err)
		return
	}
	rec, err := s.reconciler()
	if err != nil {
		return
	}
	if err := rec.Fail(p.PendingID, p.Reason); err != nil {
		s.logger.Debug("Ignoring send error", "pending_id", p.PendingID, "error", err)
	}
}

func (s *Session) onChannelError(data json.RawMessage) {
	p, err := protocol.Decode[protocol.ChannelErrorPayload](data)
	if err != nil {
		s.discard(protocol.EventError, err)
		return
	}
	s.logger.Warn("Server rejected frame", "reason", p.Reason)
}

func (s *Session) discard(event string, err error) {
	s.logger.Warn("Discarding malformed payload", "event", event, "error", err)
}

func (s *Session) safeCall(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Session listener panicked", "listener", name, "panic", r)
		}
	}()
	fn()
}
