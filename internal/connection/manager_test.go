package connection

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chatterhq/chatter/internal/domain"
	"github.com/chatterhq/chatter/internal/protocol"
	"github.com/chatterhq/chatter/internal/transport"
)

type fakeConn struct {
	inbound chan []byte
	done    chan struct{}
	once    sync.Once

	mu     sync.Mutex
	writes []protocol.Envelope
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16), done: make(chan struct{})}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-c.inbound:
		return frame, nil
	case <-c.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, frame []byte) error {
	select {
	case <-c.done:
		return io.ErrClosedPipe
	default:
	}
	env, err := protocol.ParseEnvelope(frame)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.writes = append(c.writes, env)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.writes))
	for i, w := range c.writes {
		out[i] = w.Event
	}
	return out
}

func (c *fakeConn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// fakeDialer hands out queued results in order; once exhausted every dial
// fails.
type fakeDialer struct {
	mu      sync.Mutex
	results []dialResult
	dials   int
	conns   []*fakeConn
}

type dialResult struct {
	conn *fakeConn
	err  error
}

func (d *fakeDialer) queue(results ...dialResult) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.results = append(d.results, results...)
}

func (d *fakeDialer) Dial(_ context.Context, _ string) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.results) == 0 {
		return nil, errors.New("connection refused")
	}
	r := d.results[0]
	d.results = d.results[1:]
	if r.err != nil {
		return nil, r.err
	}
	d.conns = append(d.conns, r.conn)
	return r.conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) record(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) snapshot() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func (r *stateRecorder) count(s State) int {
	n := 0
	for _, got := range r.snapshot() {
		if got == s {
			n++
		}
	}
	return n
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastConfig() Config {
	return Config{
		BackoffBase:   5 * time.Millisecond,
		BackoffFactor: 2,
		BackoffMax:    20 * time.Millisecond,
		MaxRetries:    3,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

var alice = domain.Identity{ID: "alice", Name: "Alice"}

func TestConnectAnnouncesIdentityBeforeReady(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{}
	dialer.queue(dialResult{conn: conn})

	m := NewManager(dialer, fastConfig(), testLogger())
	var joinedBeforeReady atomic.Bool
	rec := &stateRecorder{}
	m.OnState(func(s State) {
		if s == StateReady {
			ev := conn.events()
			joinedBeforeReady.Store(len(ev) == 1 && ev[0] == protocol.EventJoin)
		}
		rec.record(s)
	})

	if err := m.Connect(context.Background(), alice, "tok"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer m.Disconnect()

	waitFor(t, "ready", func() bool { return rec.count(StateReady) == 1 })
	if !joinedBeforeReady.Load() {
		t.Fatal("expected join to be written before ready was emitted")
	}
	got := rec.snapshot()
	if len(got) < 2 || got[0] != StateConnecting || got[1] != StateReady {
		t.Fatalf("expected [connecting ready], got %v", got)
	}
}

func TestConnectSameIdentityIsNoop(t *testing.T) {
	dialer := &fakeDialer{}
	dialer.queue(dialResult{conn: newFakeConn()})

	m := NewManager(dialer, fastConfig(), testLogger())
	defer m.Disconnect()

	if err := m.Connect(context.Background(), alice, "tok"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitFor(t, "ready", func() bool { return m.State() == StateReady })

	if err := m.Connect(context.Background(), alice, "tok"); err != nil {
		t.Fatalf("second Connect failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if n := dialer.dialCount(); n != 1 {
		t.Fatalf("expected a single dial, got %d", n)
	}
}

func TestConnectDifferentIdentityTearsDownOldChannel(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	dialer := &fakeDialer{}
	dialer.queue(dialResult{conn: first}, dialResult{conn: second})

	m := NewManager(dialer, fastConfig(), testLogger())
	defer m.Disconnect()

	if err := m.Connect(context.Background(), alice, "tok-a"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitFor(t, "first ready", func() bool { return m.State() == StateReady })

	bob := domain.Identity{ID: "bob", Name: "Bob"}
	if err := m.Connect(context.Background(), bob, "tok-b"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if !first.closed() {
		t.Fatal("expected old channel to be closed")
	}
	waitFor(t, "second join", func() bool { return len(second.events()) == 1 })
	if got := m.Identity(); got.ID != "bob" {
		t.Fatalf("expected identity bob, got %q", got.ID)
	}
}

func TestConnectRejectsInvalidIdentity(t *testing.T) {
	m := NewManager(&fakeDialer{}, fastConfig(), testLogger())
	if err := m.Connect(context.Background(), domain.Identity{}, "tok"); !errors.Is(err, domain.ErrInvalidIdentity) {
		t.Fatalf("expected ErrInvalidIdentity, got %v", err)
	}
}

func TestReconnectResendsJoin(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	dialer := &fakeDialer{}
	dialer.queue(dialResult{conn: first}, dialResult{conn: second})

	cfg := fastConfig()
	cfg.BackoffBase = time.Millisecond
	m := NewManager(dialer, cfg, testLogger())
	rec := &stateRecorder{}
	m.OnState(rec.record)
	defer m.Disconnect()

	if err := m.Connect(context.Background(), alice, "tok"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitFor(t, "first ready", func() bool { return m.State() == StateReady })

	time.Sleep(5 * time.Millisecond)
	first.Close()

	waitFor(t, "join on second channel", func() bool {
		ev := second.events()
		return len(ev) == 1 && ev[0] == protocol.EventJoin
	})
	waitFor(t, "second ready", func() bool { return rec.count(StateReady) == 2 })
	if rec.count(StateReconnecting) == 0 {
		t.Fatalf("expected reconnecting between readies, got %v", rec.snapshot())
	}
}

func TestGivesUpAfterMaxRetries(t *testing.T) {
	dialer := &fakeDialer{}
	m := NewManager(dialer, fastConfig(), testLogger())
	rec := &stateRecorder{}
	m.OnState(rec.record)

	if err := m.Connect(context.Background(), alice, "tok"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitFor(t, "terminal disconnected", func() bool { return m.State() == StateDisconnected })

	// One initial attempt plus MaxRetries retries.
	if n := dialer.dialCount(); n != 4 {
		t.Fatalf("expected 4 dials, got %d", n)
	}
	time.Sleep(50 * time.Millisecond)
	if n := dialer.dialCount(); n != 4 {
		t.Fatalf("expected no dials after giving up, got %d", n)
	}
}

func TestRecoversWithinRetryBudget(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{}
	refused := errors.New("refused")
	dialer.queue(
		dialResult{err: refused},
		dialResult{err: refused},
		dialResult{err: refused},
		dialResult{conn: conn},
	)

	m := NewManager(dialer, fastConfig(), testLogger())
	defer m.Disconnect()

	if err := m.Connect(context.Background(), alice, "tok"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitFor(t, "ready after failures", func() bool { return m.State() == StateReady })
}

func TestInboundDispatchAndMalformedFrames(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{}
	dialer.queue(dialResult{conn: conn})

	m := NewManager(dialer, fastConfig(), testLogger())
	defer m.Disconnect()

	var mu sync.Mutex
	var got []string
	m.Handle(protocol.EventTypingUpdate, func(data json.RawMessage) {
		p, err := protocol.Decode[protocol.TypingUpdatePayload](data)
		if err != nil {
			t.Errorf("decode failed: %v", err)
			return
		}
		mu.Lock()
		got = append(got, p.UserID)
		mu.Unlock()
	})
	m.Handle(protocol.EventPresence, func(json.RawMessage) { panic("boom") })

	if err := m.Connect(context.Background(), alice, "tok"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitFor(t, "ready", func() bool { return m.State() == StateReady })

	conn.inbound <- []byte(`{"event":"typing:update","data":{"userId":"u1","isTyping":true}}`)
	conn.inbound <- []byte(`not json`)
	conn.inbound <- []byte(`{"event":"presence","data":{"onlineIds":[]}}`)
	conn.inbound <- []byte(`{"event":"unknown","data":{}}`)
	conn.inbound <- []byte(`{"event":"typing:update","data":{"userId":"u2","isTyping":false}}`)

	waitFor(t, "both typing updates", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	})
	mu.Lock()
	defer mu.Unlock()
	if got[0] != "u1" || got[1] != "u2" {
		t.Fatalf("expected receipt order [u1 u2], got %v", got)
	}
	if m.State() != StateReady {
		t.Fatalf("expected channel to survive bad frames, got %s", m.State())
	}
}

func TestSendRequiresChannel(t *testing.T) {
	m := NewManager(&fakeDialer{}, fastConfig(), testLogger())
	err := m.Send(context.Background(), protocol.EventTyping, protocol.TypingPayload{RecipientID: "bob", IsTyping: true})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestDisconnectClearsSubscriptions(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{}
	dialer.queue(dialResult{conn: conn})

	m := NewManager(dialer, fastConfig(), testLogger())
	rec := &stateRecorder{}
	m.OnState(rec.record)
	m.Handle(protocol.EventPresence, func(json.RawMessage) {})

	if err := m.Connect(context.Background(), alice, "tok"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitFor(t, "ready", func() bool { return m.State() == StateReady })

	m.Disconnect()
	if !conn.closed() {
		t.Fatal("expected channel to be closed")
	}
	if rec.count(StateDisconnected) != 1 {
		t.Fatalf("expected one disconnected event, got %v", rec.snapshot())
	}

	m.mu.Lock()
	handlers, listeners := len(m.handlers), len(m.listeners)
	m.mu.Unlock()
	if handlers != 0 || listeners != 0 {
		t.Fatalf("expected subscriptions cleared, got %d handlers %d listeners", handlers, listeners)
	}
	if err := m.Send(context.Background(), protocol.EventTyping, protocol.TypingPayload{RecipientID: "bob"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected after disconnect, got %v", err)
	}
}

func TestDisconnectWaitsForRunningHandler(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{}
	dialer.queue(dialResult{conn: conn})

	m := NewManager(dialer, fastConfig(), testLogger())
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	m.Handle(protocol.EventPresence, func(json.RawMessage) {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
	})

	if err := m.Connect(context.Background(), alice, "tok"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitFor(t, "ready", func() bool { return m.State() == StateReady })

	conn.inbound <- []byte(`{"event":"presence","data":{"onlineIds":[],"seq":1}}`)
	<-entered
	conn.inbound <- []byte(`{"event":"presence","data":{"onlineIds":[],"seq":2}}`)

	returned := make(chan struct{})
	go func() {
		m.Disconnect()
		close(returned)
	}()

	select {
	case <-returned:
		t.Fatal("Disconnect returned while a handler was still running")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("Disconnect did not return after the handler finished")
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("expected no handler after Disconnect, got %d calls", n)
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	cfg := DefaultConfig()
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{40, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := cfg.Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d): expected %v, got %v", tt.attempt, tt.want, got)
		}
	}
}
