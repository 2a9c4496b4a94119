// Package identity issues and verifies the bearer tokens that authorize a
// chat channel, and carries the verified identity through request contexts.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/chatterhq/chatter/internal/domain"
)

const (
	// TokenQueryParam carries the token for clients that cannot set headers
	// on the upgrade request.
	TokenQueryParam = "token"
	issuerName      = "chatter"
)

// ErrInvalidToken is returned for missing, malformed or expired tokens.
var ErrInvalidToken = errors.New("invalid token")

type contextKey int

const (
	userIDKey contextKey = iota
	usernameKey
)

type claims struct {
	Name string `json:"name"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies HS256 tokens.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer creates an issuer for secret whose tokens live for ttl.
func NewIssuer(secret string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue returns a signed token for identity and its expiry.
func (i *Issuer) Issue(identity domain.Identity) (string, time.Time, error) {
	if err := identity.Validate(); err != nil {
		return "", time.Time{}, fmt.Errorf("issue token: %w", err)
	}

	now := i.now()
	expires := now.Add(i.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Name: identity.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.ID,
			Issuer:    issuerName,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	})

	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}

// Verify parses token and returns the identity it was issued for.
func (i *Issuer) Verify(token string) (domain.Identity, error) {
	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuerName),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	identity := domain.Identity{ID: c.Subject, Name: c.Name}
	if err := identity.Validate(); err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return identity, nil
}

// TokenFromRequest extracts the bearer token from the Authorization header,
// falling back to the token query parameter.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get(TokenQueryParam)
}

// WithIdentity returns a context carrying identity.
func WithIdentity(ctx context.Context, identity domain.Identity) context.Context {
	ctx = context.WithValue(ctx, userIDKey, identity.ID)
	return context.WithValue(ctx, usernameKey, identity.Name)
}

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// FromContext extracts the verified identity from the request context.
func FromContext(ctx context.Context) (domain.Identity, bool) {
	id := UserIDFromContext(ctx)
	if id == "" {
		return domain.Identity{}, false
	}
	name, _ := ctx.Value(usernameKey).(string)
	return domain.Identity{ID: id, Name: name}, true
}

// Middleware rejects requests without a valid token and injects the verified
// identity into the request context.
func Middleware(issuer *Issuer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := TokenFromRequest(r)
			if token == "" {
				writeUnauthorized(w, "missing bearer token")
				return
			}

			identity, err := issuer.Verify(token)
			if err != nil {
				writeUnauthorized(w, "invalid or expired token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = fmt.Fprintf(w, `{"error":%q}`, msg)
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
