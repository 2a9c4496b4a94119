package identity

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/chatterhq/chatter/internal/domain"
)

const testSecret = "0123456789abcdef"

func TestIssueVerifyRoundTrip(t *testing.T) {
	issuer := NewIssuer(testSecret, time.Hour)
	alice := domain.Identity{ID: "alice", Name: "Alice"}

	token, expires, err := issuer.Issue(alice)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if time.Until(expires) <= 0 {
		t.Fatalf("expected expiry in the future, got %v", expires)
	}

	got, err := issuer.Verify(token)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if got != alice {
		t.Fatalf("expected %+v, got %+v", alice, got)
	}
}

func TestVerifyRejects(t *testing.T) {
	issuer := NewIssuer(testSecret, time.Hour)
	token, _, err := issuer.Issue(domain.Identity{ID: "alice"})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	expired := NewIssuer(testSecret, time.Hour)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	oldToken, _, err := expired.Issue(domain.Identity{ID: "alice"})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	tests := []struct {
		name  string
		token string
		with  *Issuer
	}{
		{"garbage", "not-a-token", issuer},
		{"wrong secret", token, NewIssuer("another-secret-value", time.Hour)},
		{"expired", oldToken, issuer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.with.Verify(tt.token); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestIssueRejectsInvalidIdentity(t *testing.T) {
	issuer := NewIssuer(testSecret, time.Hour)
	if _, _, err := issuer.Issue(domain.Identity{ID: "local-x"}); !errors.Is(err, domain.ErrInvalidIdentity) {
		t.Fatalf("expected ErrInvalidIdentity, got %v", err)
	}
}

func TestMiddleware(t *testing.T) {
	issuer := NewIssuer(testSecret, time.Hour)
	token, _, _ := issuer.Issue(domain.Identity{ID: "alice", Name: "Alice"})

	var seen domain.Identity
	h := Middleware(issuer)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{"header", "Bearer " + token, "", http.StatusNoContent},
		{"query", "", "?token=" + token, http.StatusNoContent},
		{"missing", "", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + token, "", http.StatusUnauthorized},
		{"bad token", "Bearer nope", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = domain.Identity{}
			req := httptest.NewRequest(http.MethodGet, "/ws"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, rec.Code)
			}
			if tt.want == http.StatusNoContent && seen.ID != "alice" {
				t.Fatalf("expected identity in context, got %+v", seen)
			}
		})
	}
}
