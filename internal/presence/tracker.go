// Package presence mirrors the server's roster of online users and the typing
// state of peers.
package presence

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/chatterhq/chatter/internal/protocol"
)

// Listener receives the online set after every change. The map is a copy.
type Listener func(online map[string]struct{})

// Tracker holds the most recent roster snapshot.
//
// Snapshots replace the roster wholesale. A snapshot tagged with a sequence
// number lower than the last applied one is stale and dropped; untagged
// snapshots (seq 0) are always applied.
type Tracker struct {
	logger *slog.Logger

	mu        sync.Mutex
	online    map[string]struct{}
	lastSeq   uint64
	listeners map[int]Listener
	nextID    int
}

// NewTracker creates an empty tracker.
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		logger:    logger,
		online:    make(map[string]struct{}),
		listeners: make(map[int]Listener),
	}
}

// Apply replaces the roster with p. It reports whether the snapshot was
// applied.
func (t *Tracker) Apply(p protocol.PresencePayload) bool {
	t.mu.Lock()
	if p.Seq != 0 && p.Seq < t.lastSeq {
		t.mu.Unlock()
		t.logger.Debug("Dropping stale presence snapshot", "seq", p.Seq, "last_seq", t.lastSeq)
		return false
	}
	if p.Seq != 0 {
		t.lastSeq = p.Seq
	}

	online := make(map[string]struct{}, len(p.OnlineIDs))
	for _, id := range p.OnlineIDs {
		online[id] = struct{}{}
	}
	t.online = online
	snapshot, listeners := t.snapshotLocked()
	t.mu.Unlock()

	t.notify(snapshot, listeners)
	return true
}

// Reset empties the roster and forgets the sequence watermark, since the
// server restarts its numbering for a fresh channel.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.online = make(map[string]struct{})
	t.lastSeq = 0
	snapshot, listeners := t.snapshotLocked()
	t.mu.Unlock()

	t.notify(snapshot, listeners)
}

// Online returns a copy of the online set.
func (t *Tracker) Online() map[string]struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return copySet(t.online)
}

// OnlineIDs returns the online ids sorted.
func (t *Tracker) OnlineIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.online))
	for id := range t.online {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IsOnline reports whether id is in the last snapshot.
func (t *Tracker) IsOnline(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.online[id]
	return ok
}

// OnChange registers fn and returns its unsubscribe func.
func (t *Tracker) OnChange(fn Listener) func() {
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

func (t *Tracker) snapshotLocked() (map[string]struct{}, []Listener) {
	listeners := make([]Listener, 0, len(t.listeners))
	for _, fn := range t.listeners {
		listeners = append(listeners, fn)
	}
	return copySet(t.online), listeners
}

func (t *Tracker) notify(online map[string]struct{}, listeners []Listener) {
	for _, fn := range listeners {
		// Each listener gets its own copy so one cannot mutate another's view.
		safeCall(t.logger, "presence", func() { fn(copySet(online)) })
	}
}

func copySet(in map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}

func safeCall(logger *slog.Logger, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Presence listener panicked", "listener", name, "panic", r)
		}
	}()
	fn()
}
