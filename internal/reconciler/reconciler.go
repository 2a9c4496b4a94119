// Package reconciler merges optimistic local sends with server-confirmed and
// peer-originated messages into one ordered, de-duplicated log per
// conversation.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chatterhq/chatter/internal/domain"
	"github.com/chatterhq/chatter/internal/protocol"
)

var (
	// ErrUnknownPending is returned for pending ids the reconciler does not track.
	ErrUnknownPending = errors.New("unknown pending message")
	// ErrEmptyMessage is returned by Send for blank content or recipient.
	ErrEmptyMessage = errors.New("message requires recipient and content")
	// ErrInvalidRecipient is returned by Send for ids that cannot name a user.
	ErrInvalidRecipient = errors.New("invalid recipient")
)

const (
	// DefaultTimeout is how long a send may stay pending before it fails.
	DefaultTimeout = 10 * time.Second
	// DefaultTolerance is the creation time slack used to match a server echo
	// against a message already in the log.
	DefaultTolerance = 2 * time.Second

	reasonTimeout = "no confirmation before timeout"
)

// Emitter writes one outbound event to the channel.
type Emitter func(ctx context.Context, event string, payload any) error

// Listener receives a snapshot of a conversation after it changed.
type Listener func(key domain.ConversationKey, messages []domain.Message)

// Options tunes a Reconciler. Zero values select defaults.
type Options struct {
	Timeout   time.Duration
	Tolerance time.Duration
	Now       func() time.Time
	NewID     func() string
}

// PendingSend is an outbound payload still awaiting confirmation.
type PendingSend struct {
	PendingID string
	Payload   protocol.SendPayload
	CreatedAt time.Time
}

// pendingEntry tracks one placeholder until it is confirmed or discarded.
// attempt guards timers armed by an earlier send of the same placeholder.
type pendingEntry struct {
	key     domain.ConversationKey
	msg     *domain.Message
	payload protocol.SendPayload
	timer   *time.Timer
	attempt int
	reason  string
}

type listenerEntry struct {
	key domain.ConversationKey
	fn  Listener
}

// Reconciler owns the message logs of one identity.
type Reconciler struct {
	self   string
	emit   Emitter
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	convs     map[domain.ConversationKey][]*domain.Message
	serverIDs map[string]domain.ConversationKey
	pending   map[string]*pendingEntry
	listeners map[int]listenerEntry
	nextID    int
	version   uint64

	// Listener calls are serialized through queue. Whichever caller finds
	// the queue idle drains it; snapshots older than the last one delivered
	// for their conversation are dropped.
	qmu       sync.Mutex
	queue     []notification
	draining  bool
	delivered map[domain.ConversationKey]uint64
}

// New creates a reconciler for messages sent by self.
func New(self string, emit Emitter, opts Options, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Tolerance <= 0 {
		opts.Tolerance = DefaultTolerance
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return domain.PendingPrefix + uuid.NewString() }
	}
	return &Reconciler{
		self:      self,
		emit:      emit,
		opts:      opts,
		logger:    logger.With("user_id", self),
		convs:     make(map[domain.ConversationKey][]*domain.Message),
		serverIDs: make(map[string]domain.ConversationKey),
		pending:   make(map[string]*pendingEntry),
		listeners: make(map[int]listenerEntry),
		delivered: make(map[domain.ConversationKey]uint64),
	}
}

// Send appends a pending message and emits it. It returns as soon as the
// message is in the log; an emit failure leaves it pending for the timeout
// to decide.
func (r *Reconciler) Send(ctx context.Context, recipientID, content string) (string, error) {
	if recipientID == "" || strings.TrimSpace(content) == "" {
		return "", ErrEmptyMessage
	}
	if !domain.ValidUserID(recipientID) {
		return "", fmt.Errorf("send to %q: %w", recipientID, ErrInvalidRecipient)
	}

	pendingID := r.opts.NewID()
	if !domain.IsPendingID(pendingID) {
		return "", fmt.Errorf("send: generated id %q outside pending namespace", pendingID)
	}
	msg := domain.NewPending(pendingID, r.self, recipientID, content, r.opts.Now())
	entry := &pendingEntry{
		key: msg.Key(),
		msg: msg,
		payload: protocol.SendPayload{
			RecipientID: recipientID,
			Content:     content,
			PendingID:   pendingID,
		},
	}

	r.mu.Lock()
	r.insertLocked(entry.key, msg)
	r.pending[pendingID] = entry
	r.armLocked(pendingID, entry)
	n := r.collectLocked(entry.key)
	r.mu.Unlock()

	r.deliver(n)
	r.emitSend(ctx, entry.payload)
	return pendingID, nil
}

// Confirm replaces the placeholder for pendingID with the server copy. A late
// confirmation for a placeholder that already timed out still replaces it.
// Confirmations for unknown pending ids go through the receive path.
func (r *Reconciler) Confirm(pendingID string, server *domain.Message) {
	r.mu.Lock()
	entry, ok := r.pending[pendingID]
	if !ok {
		added := r.receiveLocked(server, true)
		var n []notification
		if added {
			n = r.collectLocked(server.Key())
		}
		r.mu.Unlock()
		if added {
			r.logger.Debug("Confirmation for unknown pending id treated as incoming", "pending_id", pendingID, "message_id", server.ID)
		}
		r.deliver(n)
		return
	}

	delete(r.pending, pendingID)
	if entry.timer != nil {
		entry.timer.Stop()
	}

	confirmed := *server
	confirmed.PendingID = pendingID
	conv := r.convs[entry.key]
	i := indexOf(conv, entry.msg)

	switch {
	case i < 0:
		r.receiveLocked(&confirmed, false)
	case r.hasServerIDLocked(entry.key, server.ID):
		// The same message already arrived on another path.
		r.convs[entry.key] = append(conv[:i], conv[i+1:]...)
	default:
		conv[i] = &confirmed
		r.serverIDs[confirmed.ID] = entry.key
		if !sortedAt(conv, i) {
			conv = append(conv[:i], conv[i+1:]...)
			r.convs[entry.key] = conv
			r.insertLocked(entry.key, &confirmed)
		}
	}
	n := r.collectLocked(entry.key)
	r.mu.Unlock()

	r.deliver(n)
}

// Receive inserts a peer-originated message at its sorted position. It
// reports false when a message with the same server id is already present.
func (r *Reconciler) Receive(msg *domain.Message) bool {
	r.mu.Lock()
	added := r.receiveLocked(msg, false)
	var n []notification
	if added {
		n = r.collectLocked(msg.Key())
	}
	r.mu.Unlock()

	r.deliver(n)
	return added
}

// Load seeds confirmed history through the receive path.
func (r *Reconciler) Load(messages []*domain.Message) {
	r.mu.Lock()
	changed := make(map[domain.ConversationKey]struct{})
	for _, m := range messages {
		if r.receiveLocked(m, false) {
			changed[m.Key()] = struct{}{}
		}
	}
	var n []notification
	for key := range changed {
		n = append(n, r.collectLocked(key)...)
	}
	r.mu.Unlock()

	r.deliver(n)
}

// Fail marks the pending message as failed.
func (r *Reconciler) Fail(pendingID, reason string) error {
	r.mu.Lock()
	n, err := r.failLocked(pendingID, reason, -1)
	r.mu.Unlock()
	if err != nil {
		return err
	}

	r.logger.Warn("Message send failed", "pending_id", pendingID, "reason", reason)
	r.deliver(n)
	return nil
}

// Retry moves a failed message back to pending and re-emits its original
// payload unchanged.
func (r *Reconciler) Retry(ctx context.Context, pendingID string) error {
	r.mu.Lock()
	entry, ok := r.pending[pendingID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("retry %s: %w", pendingID, ErrUnknownPending)
	}
	if err := entry.msg.Requeue(); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("retry %s: %w", pendingID, err)
	}
	entry.reason = ""
	r.armLocked(pendingID, entry)
	payload := entry.payload
	n := r.collectLocked(entry.key)
	r.mu.Unlock()

	r.deliver(n)
	r.emitSend(ctx, payload)
	return nil
}

// Resend re-emits every still-pending payload without touching its state.
// It is used after the channel is re-established.
func (r *Reconciler) Resend(ctx context.Context) int {
	sends := r.Pending()
	for _, s := range sends {
		r.emitSend(ctx, s.Payload)
	}
	return len(sends)
}

// Pending returns the payloads still awaiting confirmation, oldest first.
func (r *Reconciler) Pending() []PendingSend {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]PendingSend, 0, len(r.pending))
	for id, e := range r.pending {
		if e.msg.State() != domain.StatePending {
			continue
		}
		out = append(out, PendingSend{PendingID: id, Payload: e.payload, CreatedAt: e.msg.CreatedAt})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].PendingID < out[j].PendingID
	})
	return out
}

// FailureReason returns why pendingID failed, if it did.
func (r *Reconciler) FailureReason(pendingID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.pending[pendingID]
	if !ok || e.msg.State() != domain.StateFailed {
		return "", false
	}
	return e.reason, true
}

// Conversation returns a snapshot of one conversation log.
func (r *Reconciler) Conversation(key domain.ConversationKey) []domain.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return snapshot(r.convs[key])
}

// Conversations returns every key with at least one message, sorted.
func (r *Reconciler) Conversations() []domain.ConversationKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]domain.ConversationKey, 0, len(r.convs))
	for k, conv := range r.convs {
		if len(conv) > 0 {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// OnChange registers fn for changes to key and returns its unsubscribe
// func. An empty key subscribes to every conversation.
func (r *Reconciler) OnChange(key domain.ConversationKey, fn Listener) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.listeners[id] = listenerEntry{key: key, fn: fn}
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.listeners, id)
	}
}

// DiscardPending drops every pending and failed placeholder and stops their
// timers.
func (r *Reconciler) DiscardPending() {
	r.mu.Lock()
	changed := make(map[domain.ConversationKey]struct{})
	for id, e := range r.pending {
		if e.timer != nil {
			e.timer.Stop()
		}
		conv := r.convs[e.key]
		if i := indexOf(conv, e.msg); i >= 0 {
			r.convs[e.key] = append(conv[:i], conv[i+1:]...)
			changed[e.key] = struct{}{}
		}
		delete(r.pending, id)
	}
	var n []notification
	for key := range changed {
		n = append(n, r.collectLocked(key)...)
	}
	r.mu.Unlock()

	r.deliver(n)
}

func (r *Reconciler) emitSend(ctx context.Context, payload protocol.SendPayload) {
	if r.emit == nil {
		return
	}
	if err := r.emit(ctx, protocol.EventMessageSend, payload); err != nil {
		r.logger.Warn("Failed to emit message, leaving it pending", "pending_id", payload.PendingID, "error", err)
	}
}

// armLocked starts a new confirmation timeout for entry.
func (r *Reconciler) armLocked(pendingID string, entry *pendingEntry) {
	if entry.timer != nil {
		entry.timer.Stop()
	}
	entry.attempt++
	attempt := entry.attempt
	entry.timer = time.AfterFunc(r.opts.Timeout, func() {
		r.mu.Lock()
		n, err := r.failLocked(pendingID, reasonTimeout, attempt)
		r.mu.Unlock()
		if err != nil {
			return
		}
		r.logger.Warn("Message send timed out", "pending_id", pendingID, "timeout", r.opts.Timeout)
		r.deliver(n)
	})
}

// failLocked fails pendingID. A non-negative attempt restricts the failure to
// that send attempt.
func (r *Reconciler) failLocked(pendingID, reason string, attempt int) ([]notification, error) {
	entry, ok := r.pending[pendingID]
	if !ok {
		return nil, fmt.Errorf("fail %s: %w", pendingID, ErrUnknownPending)
	}
	if attempt >= 0 && attempt != entry.attempt {
		return nil, fmt.Errorf("fail %s: superseded attempt", pendingID)
	}
	if err := entry.msg.Fail(); err != nil {
		return nil, fmt.Errorf("fail %s: %w", pendingID, err)
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	entry.reason = reason
	return r.collectLocked(entry.key), nil
}

// receiveLocked inserts msg unless its server id is known. With heuristic set
// it also skips a sent message that matches on content within tolerance.
func (r *Reconciler) receiveLocked(msg *domain.Message, heuristic bool) bool {
	key := msg.Key()
	if r.hasServerIDLocked(key, msg.ID) {
		return false
	}
	if heuristic {
		for _, existing := range r.convs[key] {
			if existing.State() == domain.StateSent && existing.SameContent(msg, r.opts.Tolerance) {
				return false
			}
		}
	}

	cp := *msg
	r.insertLocked(key, &cp)
	r.serverIDs[cp.ID] = key
	return true
}

func (r *Reconciler) hasServerIDLocked(key domain.ConversationKey, id string) bool {
	k, ok := r.serverIDs[id]
	return ok && k == key
}

// insertLocked places msg at its sorted position.
func (r *Reconciler) insertLocked(key domain.ConversationKey, msg *domain.Message) {
	conv := r.convs[key]
	i := sort.Search(len(conv), func(i int) bool { return msg.Before(conv[i]) })
	conv = append(conv, nil)
	copy(conv[i+1:], conv[i:])
	conv[i] = msg
	r.convs[key] = conv
}

type notification struct {
	key      domain.ConversationKey
	version  uint64
	fn       Listener
	messages []domain.Message
}

func (r *Reconciler) collectLocked(key domain.ConversationKey) []notification {
	var out []notification
	var snap []domain.Message
	r.version++
	for _, l := range r.listeners {
		if l.key != "" && l.key != key {
			continue
		}
		if snap == nil {
			snap = snapshot(r.convs[key])
		}
		out = append(out, notification{key: key, version: r.version, fn: l.fn, messages: snap})
	}
	return out
}

// deliver queues ns and, unless another goroutine is already draining,
// runs listeners one at a time until the queue is empty. A listener that
// changes the reconciler only queues further notifications.
func (r *Reconciler) deliver(ns []notification) {
	if len(ns) == 0 {
		return
	}
	r.qmu.Lock()
	r.queue = append(r.queue, ns...)
	if r.draining {
		r.qmu.Unlock()
		return
	}
	r.draining = true
	r.qmu.Unlock()

	for {
		r.qmu.Lock()
		if len(r.queue) == 0 {
			r.draining = false
			r.qmu.Unlock()
			return
		}
		n := r.queue[0]
		r.queue = r.queue[1:]
		if n.version < r.delivered[n.key] {
			r.qmu.Unlock()
			continue
		}
		r.delivered[n.key] = n.version
		r.qmu.Unlock()

		r.call(n)
	}
}

func (r *Reconciler) call(n notification) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Conversation listener panicked", "conversation", n.key, "panic", rec)
		}
	}()
	msgs := make([]domain.Message, len(n.messages))
	copy(msgs, n.messages)
	n.fn(n.key, msgs)
}

func snapshot(conv []*domain.Message) []domain.Message {
	out := make([]domain.Message, len(conv))
	for i, m := range conv {
		out[i] = m.Clone()
	}
	return out
}

func indexOf(conv []*domain.Message, msg *domain.Message) int {
	for i, m := range conv {
		if m == msg {
			return i
		}
	}
	return -1
}

func sortedAt(conv []*domain.Message, i int) bool {
	if i > 0 && conv[i].Before(conv[i-1]) {
		return false
	}
	if i < len(conv)-1 && conv[i+1].Before(conv[i]) {
		return false
	}
	return true
}
