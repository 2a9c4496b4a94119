package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chatterhq/chatter/internal/connection"
	"github.com/chatterhq/chatter/internal/domain"
	"github.com/chatterhq/chatter/internal/protocol"
	"github.com/chatterhq/chatter/internal/transport"
)

var errClosed = errors.New("connection closed")

// fakeConn is one scripted channel: the test pushes server frames into in
// and reads client frames from out.
type fakeConn struct {
	in   chan []byte
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:   make(chan []byte, 16),
		out:  make(chan []byte, 64),
		done: make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case f := <-c.in:
		return f, nil
	case <-c.done:
		return nil, errClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, frame []byte) error {
	select {
	case <-c.done:
		return errClosed
	default:
	}
	select {
	case c.out <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// fakeDialer hands out queued connections and blocks while none is queued.
// Dials fail outright while failures is positive.
type fakeDialer struct {
	conns chan *fakeConn

	mu       sync.Mutex
	failures int
	dials    int
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeConn, 4)}
}

func (d *fakeDialer) Dial(ctx context.Context, _ string) (transport.Conn, error) {
	d.mu.Lock()
	d.dials++
	if d.failures > 0 {
		d.failures--
		d.mu.Unlock()
		return nil, errors.New("connection refused")
	}
	d.mu.Unlock()

	select {
	case c := <-d.conns:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *fakeDialer) next() *fakeConn {
	c := newFakeConn()
	d.conns <- c
	return c
}

func (d *fakeDialer) failNext(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = n
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func testConfig() Config {
	return Config{
		Connection: connection.Config{
			BackoffBase:   5 * time.Millisecond,
			BackoffFactor: 2,
			BackoffMax:    20 * time.Millisecond,
			MaxRetries:    3,
		},
		SendTimeout: time.Minute,
		TypingTTL:   time.Minute,
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

// expect reads client frames from c until one with event arrives.
func expect(t *testing.T, c *fakeConn, event string, v any) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case frame := <-c.out:
			env, err := protocol.ParseEnvelope(frame)
			if err != nil {
				t.Fatalf("client wrote bad frame %s: %v", frame, err)
			}
			if env.Event != event {
				continue
			}
			if v != nil {
				if err := json.Unmarshal(env.Data, v); err != nil {
					t.Fatalf("decode %s: %v", event, err)
				}
			}
			return
		case <-timeout:
			t.Fatalf("client never wrote %s", event)
		}
	}
}

func push(t *testing.T, c *fakeConn, event string, payload any) {
	t.Helper()
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		t.Fatalf("encode %s: %v", event, err)
	}
	c.in <- frame
}

var alice = domain.Identity{ID: "alice", Name: "Alice"}

func startSession(t *testing.T) (*Session, *fakeDialer, *fakeConn) {
	t.Helper()
	dialer := newFakeDialer()
	conn := dialer.next()
	s := New(testConfig(), dialer, nil, nil)
	t.Cleanup(func() { _ = s.Close() })

	if err := s.Start(context.Background(), alice, "token"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	var join protocol.JoinPayload
	expect(t, conn, protocol.EventJoin, &join)
	if join.Identity != alice {
		t.Fatalf("joined as %+v", join.Identity)
	}
	waitFor(t, "ready", func() bool { return s.State() == connection.StateReady })
	return s, dialer, conn
}

func TestStartIsIdempotentAndValidates(t *testing.T) {
	s, _, _ := startSession(t)

	if err := s.Start(context.Background(), alice, "token"); err != nil {
		t.Fatalf("second Start failed: %v", err)
	}
	if s.Identity() != alice {
		t.Fatalf("identity changed to %+v", s.Identity())
	}

	fresh := New(testConfig(), newFakeDialer(), nil, nil)
	if err := fresh.Start(context.Background(), domain.Identity{}, "token"); !errors.Is(err, domain.ErrInvalidIdentity) {
		t.Fatalf("expected ErrInvalidIdentity, got %v", err)
	}
	if _, err := fresh.SendMessage(context.Background(), "bob", "hi"); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
}

func TestSendIsConfirmedInPlace(t *testing.T) {
	s, _, conn := startSession(t)

	var changes []domain.Message
	var mu sync.Mutex
	s.OnConversationChange("bob", func(_ domain.ConversationKey, msgs []domain.Message) {
		mu.Lock()
		defer mu.Unlock()
		changes = msgs
	})

	pendingID, err := s.SendMessage(context.Background(), "bob", "hello")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	conv := s.Conversation("bob")
	if len(conv) != 1 || conv[0].State() != domain.StatePending || conv[0].ID != pendingID {
		t.Fatalf("expected one pending message, got %+v", conv)
	}

	var sent protocol.SendPayload
	expect(t, conn, protocol.EventMessageSend, &sent)
	if sent.PendingID != pendingID || sent.Content != "hello" || sent.RecipientID != "bob" {
		t.Fatalf("unexpected payload %+v", sent)
	}

	push(t, conn, protocol.EventMessageConfirmed, protocol.ConfirmedPayload{
		PendingID: pendingID,
		Message: &protocol.MessagePayload{
			ID: "01HSERVER", SenderID: "alice", RecipientID: "bob", Content: "hello", CreatedAt: time.Now().UnixMilli(),
		},
	})
	waitFor(t, "confirmation", func() bool {
		conv := s.Conversation("bob")
		return len(conv) == 1 && conv[0].ID == "01HSERVER" && conv[0].State() == domain.StateSent
	})

	// The server's echo to the sender's connections is dropped by id.
	push(t, conn, protocol.EventMessageIncoming, protocol.MessagePayload{
		ID: "01HSERVER", SenderID: "alice", RecipientID: "bob", Content: "hello", CreatedAt: time.Now().UnixMilli(),
	})
	push(t, conn, protocol.EventMessageIncoming, protocol.MessagePayload{
		ID: "01HREPLY", SenderID: "bob", RecipientID: "alice", Content: "hey", CreatedAt: time.Now().Add(time.Second).UnixMilli(),
	})
	waitFor(t, "reply", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(changes) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	if len(changes) != 2 || changes[1].ID != "01HREPLY" {
		t.Fatalf("listener saw %+v", changes)
	}
	if peers := s.Peers(); len(peers) != 1 || peers[0] != "bob" {
		t.Fatalf("unexpected peers %v", peers)
	}
}

func TestSendErrorThenRetry(t *testing.T) {
	s, _, conn := startSession(t)

	pendingID, err := s.SendMessage(context.Background(), "bob", "hello")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	expect(t, conn, protocol.EventMessageSend, nil)

	push(t, conn, protocol.EventMessageError, protocol.SendErrorPayload{PendingID: pendingID, Reason: "rate limited"})
	waitFor(t, "failure", func() bool {
		reason, ok := s.FailureReason(pendingID)
		return ok && reason == "rate limited"
	})

	if err := s.Retry(context.Background(), pendingID); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	var resent protocol.SendPayload
	expect(t, conn, protocol.EventMessageSend, &resent)
	if resent.PendingID != pendingID {
		t.Fatalf("retry used %q, want %q", resent.PendingID, pendingID)
	}
	if conv := s.Conversation("bob"); conv[0].State() != domain.StatePending {
		t.Fatalf("expected pending after retry, got %s", conv[0].State())
	}
}

func TestReconnectResetsPresenceAndResends(t *testing.T) {
	s, dialer, conn := startSession(t)

	var states []connection.State
	var mu sync.Mutex
	s.OnConnectivityChange(func(st connection.State) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, st)
	})

	push(t, conn, protocol.EventPresence, protocol.PresencePayload{OnlineIDs: []string{"alice", "bob"}, Seq: 7})
	waitFor(t, "roster", func() bool { return s.IsOnline("bob") })
	push(t, conn, protocol.EventTypingUpdate, protocol.TypingUpdatePayload{UserID: "bob", IsTyping: true})
	waitFor(t, "typing", func() bool { return s.IsTyping("bob") })

	pendingID, err := s.SendMessage(context.Background(), "bob", "are you there")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	expect(t, conn, protocol.EventMessageSend, nil)

	// Drop the channel with the send unconfirmed.
	_ = conn.Close()
	waitFor(t, "roster cleared", func() bool { return len(s.Online()) == 0 && !s.IsTyping("bob") })
	if conv := s.Conversation("bob"); conv[0].State() != domain.StatePending {
		t.Fatalf("expected message to stay pending, got %s", conv[0].State())
	}

	next := dialer.next()
	expect(t, next, protocol.EventJoin, nil)
	var resent protocol.SendPayload
	expect(t, next, protocol.EventMessageSend, &resent)
	if resent.PendingID != pendingID {
		t.Fatalf("resent %q, want %q", resent.PendingID, pendingID)
	}

	// A restarted server counts seq from 1 again.
	push(t, next, protocol.EventPresence, protocol.PresencePayload{OnlineIDs: []string{"alice"}, Seq: 1})
	waitFor(t, "fresh roster", func() bool { return s.IsOnline("alice") })

	mu.Lock()
	defer mu.Unlock()
	sawReconnecting, sawReady := false, false
	for _, st := range states {
		switch st {
		case connection.StateReconnecting:
			sawReconnecting = true
		case connection.StateReady:
			sawReady = sawReconnecting
		}
	}
	if !sawReconnecting || !sawReady {
		t.Fatalf("expected reconnecting then ready, got %v", states)
	}
}

func TestStartReopensChannelAfterGivingUp(t *testing.T) {
	s, dialer, conn := startSession(t)

	pendingID, err := s.SendMessage(context.Background(), "bob", "still there?")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	expect(t, conn, protocol.EventMessageSend, nil)

	dialer.failNext(testConfig().Connection.MaxRetries + 1)
	_ = conn.Close()
	waitFor(t, "gave up", func() bool { return s.State() == connection.StateDisconnected })
	if conv := s.Conversation("bob"); len(conv) != 1 || conv[0].State() != domain.StatePending {
		t.Fatalf("expected message to stay pending, got %+v", conv)
	}

	before := dialer.dialCount()
	next := dialer.next()
	if err := s.Start(context.Background(), alice, "token"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	expect(t, next, protocol.EventJoin, nil)
	var resent protocol.SendPayload
	expect(t, next, protocol.EventMessageSend, &resent)
	if resent.PendingID != pendingID {
		t.Fatalf("resent %q, want %q", resent.PendingID, pendingID)
	}
	waitFor(t, "ready", func() bool { return s.State() == connection.StateReady })
	if dialer.dialCount() <= before {
		t.Fatal("expected Start to dial again")
	}

	// Once open again, Start is a no-op.
	dials := dialer.dialCount()
	if err := s.Start(context.Background(), alice, "token"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if dialer.dialCount() != dials {
		t.Fatal("Start on an open channel must not dial")
	}
}

func TestMalformedPayloadsAreDiscarded(t *testing.T) {
	s, _, conn := startSession(t)

	conn.in <- []byte(`{"event":"message:incoming","data":{"senderId":"bob"}}`)
	conn.in <- []byte(`not json`)
	push(t, conn, protocol.EventPresence, map[string]any{"seq": 3})
	push(t, conn, protocol.EventMessageIncoming, protocol.MessagePayload{
		ID: "01HOK", SenderID: "bob", RecipientID: "alice", Content: "valid", CreatedAt: time.Now().UnixMilli(),
	})

	waitFor(t, "valid message", func() bool { return len(s.Conversation("bob")) == 1 })
	if got := s.Conversation("bob")[0].ID; got != "01HOK" {
		t.Fatalf("unexpected message %q", got)
	}
	if len(s.Online()) != 0 {
		t.Fatalf("malformed roster applied: %v", s.Online())
	}
}

func TestConversationListenersGetTheirOwnCopy(t *testing.T) {
	s, _, conn := startSession(t)

	var mu sync.Mutex
	var seen []string
	record := func(_ domain.ConversationKey, msgs []domain.Message) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, msgs[0].Content)
		msgs[0].Content = "scribbled"
	}
	s.OnConversationChange("bob", record)
	s.OnConversationChange("", record)

	push(t, conn, protocol.EventMessageIncoming, protocol.MessagePayload{
		ID: "01HREPLY", SenderID: "bob", RecipientID: "alice", Content: "hey", CreatedAt: time.Now().UnixMilli(),
	})
	waitFor(t, "both listeners", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	for _, content := range seen {
		if content != "hey" {
			t.Fatalf("listener saw another listener's change: %v", seen)
		}
	}
	if conv := s.Conversation("bob"); conv[0].Content != "hey" {
		t.Fatalf("stored log changed to %q", conv[0].Content)
	}
}

func TestLogoutDiscardsSessionState(t *testing.T) {
	s, _, conn := startSession(t)

	push(t, conn, protocol.EventPresence, protocol.PresencePayload{OnlineIDs: []string{"alice", "bob"}, Seq: 1})
	waitFor(t, "roster", func() bool { return len(s.Online()) == 2 })
	if _, err := s.SendMessage(context.Background(), "bob", "bye"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	s.Logout()

	if s.State() != connection.StateDisconnected {
		t.Fatalf("expected disconnected, got %s", s.State())
	}
	if len(s.Online()) != 0 {
		t.Fatalf("roster survived logout: %v", s.Online())
	}
	if s.Conversation("bob") != nil {
		t.Fatal("conversation survived logout")
	}
	if err := s.SetTyping(context.Background(), "bob", true); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
	select {
	case <-conn.done:
	default:
		t.Fatal("channel left open after logout")
	}
}

func TestIdentitySwitchStartsFresh(t *testing.T) {
	s, dialer, conn := startSession(t)

	if _, err := s.SendMessage(context.Background(), "bob", "from alice"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	next := dialer.next()
	carol := domain.Identity{ID: "carol"}
	if err := s.Start(context.Background(), carol, "token-2"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	var join protocol.JoinPayload
	expect(t, next, protocol.EventJoin, &join)
	if join.Identity.ID != "carol" {
		t.Fatalf("joined as %+v", join.Identity)
	}
	select {
	case <-conn.done:
	default:
		t.Fatal("previous channel left open")
	}
	if len(s.Conversation("bob")) != 0 {
		t.Fatalf("alice's messages leaked into carol's session: %+v", s.Conversation("bob"))
	}
}
