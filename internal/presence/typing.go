package presence

import (
	"log/slog"
	"sync"
	"time"

	"github.com/chatterhq/chatter/internal/protocol"
)

// DefaultTypingTTL bounds how long a typing indicator survives without a
// refresh.
const DefaultTypingTTL = 5 * time.Second

// TypingListener receives a peer's typing state after it changes.
type TypingListener func(userID string, typing bool)

// Typing tracks which peers are typing. Entries expire after the TTL so a
// lost stop event cannot leave a stale indicator.
type Typing struct {
	ttl    time.Duration
	logger *slog.Logger

	mu        sync.Mutex
	timers    map[string]*typingEntry
	listeners map[int]TypingListener
	nextID    int
}

type typingEntry struct {
	timer *time.Timer
}

// NewTyping creates a typing tracker. A non-positive ttl selects
// DefaultTypingTTL.
func NewTyping(ttl time.Duration, logger *slog.Logger) *Typing {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Typing{
		ttl:       ttl,
		logger:    logger,
		timers:    make(map[string]*typingEntry),
		listeners: make(map[int]TypingListener),
	}
}

// Apply records a typing:update.
func (t *Typing) Apply(p protocol.TypingUpdatePayload) {
	t.mu.Lock()
	entry, was := t.timers[p.UserID]
	if was {
		entry.timer.Stop()
		delete(t.timers, p.UserID)
	}
	if p.IsTyping {
		e := &typingEntry{}
		e.timer = time.AfterFunc(t.ttl, func() { t.expire(p.UserID, e) })
		t.timers[p.UserID] = e
	}
	listeners := t.listenersLocked()
	t.mu.Unlock()

	if was != p.IsTyping {
		t.notify(listeners, p.UserID, p.IsTyping)
	}
}

func (t *Typing) expire(userID string, e *typingEntry) {
	t.mu.Lock()
	if t.timers[userID] != e {
		t.mu.Unlock()
		return
	}
	delete(t.timers, userID)
	listeners := t.listenersLocked()
	t.mu.Unlock()

	t.logger.Debug("Typing indicator expired", "user_id", userID)
	t.notify(listeners, userID, false)
}

// IsTyping reports whether userID is currently typing.
func (t *Typing) IsTyping(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.timers[userID]
	return ok
}

// Reset clears every indicator.
func (t *Typing) Reset() {
	t.mu.Lock()
	cleared := make([]string, 0, len(t.timers))
	for id, e := range t.timers {
		e.timer.Stop()
		cleared = append(cleared, id)
	}
	t.timers = make(map[string]*typingEntry)
	listeners := t.listenersLocked()
	t.mu.Unlock()

	for _, id := range cleared {
		t.notify(listeners, id, false)
	}
}

// OnChange registers fn and returns its unsubscribe func.
func (t *Typing) OnChange(fn TypingListener) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := t.nextID
	t.listeners[id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.listeners, id)
	}
}

func (t *Typing) listenersLocked() []TypingListener {
	out := make([]TypingListener, 0, len(t.listeners))
	for _, fn := range t.listeners {
		out = append(out, fn)
	}
	return out
}

func (t *Typing) notify(listeners []TypingListener, userID string, typing bool) {
	for _, fn := range listeners {
		safeCall(t.logger, "typing", func() { fn(userID, typing) })
	}
}
