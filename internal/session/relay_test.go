package session

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/chatterhq/chatter/internal/connection"
	"github.com/chatterhq/chatter/internal/domain"
	"github.com/chatterhq/chatter/internal/identity"
	"github.com/chatterhq/chatter/internal/server"
	"github.com/chatterhq/chatter/internal/store"
	"github.com/chatterhq/chatter/internal/transport"
)

func startRelay(t *testing.T) (*httptest.Server, *identity.Issuer) {
	t.Helper()

	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	metrics := server.NewMetrics()
	hub := server.NewHub(server.NewMemoryBroker(), metrics, nil)
	if err := hub.Start(ctx); err != nil {
		t.Fatalf("hub start failed: %v", err)
	}
	issuer := identity.NewIssuer("0123456789abcdef", time.Hour)

	srv := httptest.NewServer(server.NewRouter(server.RouterDeps{
		Repo:    repo,
		Issuer:  issuer,
		Hub:     hub,
		Metrics: metrics,
		Channel: server.NewChannelHandler(hub, repo, metrics, server.ChannelOptions{IsDev: true}, nil),
	}))
	t.Cleanup(func() {
		hub.CloseAll()
		srv.Close()
	})
	return srv, issuer
}

func relaySession(t *testing.T, srv *httptest.Server, issuer *identity.Issuer, who domain.Identity, cache store.Cache) *Session {
	t.Helper()
	dialer, err := transport.NewWebSocketDialer(srv.URL)
	if err != nil {
		t.Fatalf("NewWebSocketDialer failed: %v", err)
	}
	token, _, err := issuer.Issue(who)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	s := New(testConfig(), dialer, cache, nil)
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Start(context.Background(), who, token); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, who.ID+" ready", func() bool { return s.State() == connection.StateReady })
	return s
}

func TestSessionsTalkThroughRelay(t *testing.T) {
	srv, issuer := startRelay(t)

	cache, err := store.NewSQLiteCache(filepath.Join(t.TempDir(), "alice-cache.db"))
	if err != nil {
		t.Fatalf("NewSQLiteCache failed: %v", err)
	}

	a := relaySession(t, srv, issuer, domain.Identity{ID: "alice", Name: "Alice"}, cache)
	b := relaySession(t, srv, issuer, domain.Identity{ID: "bob", Name: "Bob"}, nil)

	waitFor(t, "both online", func() bool { return a.IsOnline("bob") && b.IsOnline("alice") })

	pendingID, err := a.SendMessage(context.Background(), "bob", "hello bob")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	var serverID string
	waitFor(t, "confirmation", func() bool {
		conv := a.Conversation("bob")
		if len(conv) != 1 || conv[0].State() != domain.StateSent {
			return false
		}
		serverID = conv[0].ID
		return true
	})
	if domain.IsPendingID(serverID) || serverID == pendingID {
		t.Fatalf("expected a server id, got %q", serverID)
	}
	waitFor(t, "delivery", func() bool {
		conv := b.Conversation("alice")
		return len(conv) == 1 && conv[0].ID == serverID
	})

	if err := a.SetTyping(context.Background(), "bob", true); err != nil {
		t.Fatalf("SetTyping failed: %v", err)
	}
	waitFor(t, "typing", func() bool { return b.IsTyping("alice") })

	waitFor(t, "cached confirmation", func() bool {
		cached, err := cache.LoadMessages(context.Background(), "alice", 10)
		return err == nil && len(cached) == 1 && cached[0].ID == serverID
	})

	a.Logout()
	waitFor(t, "alice offline", func() bool { return !b.IsOnline("alice") })
}

func TestCachedHistoryLoadsOnStart(t *testing.T) {
	srv, issuer := startRelay(t)
	path := filepath.Join(t.TempDir(), "cache.db")

	seed, err := store.NewSQLiteCache(path)
	if err != nil {
		t.Fatalf("NewSQLiteCache failed: %v", err)
	}
	old := domain.NewConfirmed("01HOLD", "bob", "alice", "from yesterday", time.Now().Add(-24*time.Hour).Truncate(time.Millisecond))
	if err := seed.SaveMessages(context.Background(), "alice", []domain.Message{*old}); err != nil {
		t.Fatalf("SaveMessages failed: %v", err)
	}
	_ = seed.Close()

	cache, err := store.NewSQLiteCache(path)
	if err != nil {
		t.Fatalf("NewSQLiteCache failed: %v", err)
	}
	s := relaySession(t, srv, issuer, domain.Identity{ID: "alice"}, cache)

	conv := s.Conversation("bob")
	if len(conv) != 1 || conv[0].ID != "01HOLD" || conv[0].State() != domain.StateSent {
		t.Fatalf("expected cached history, got %+v", conv)
	}
}
