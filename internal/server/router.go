package server

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/chatterhq/chatter/internal/api"
	"github.com/chatterhq/chatter/internal/identity"
	"github.com/chatterhq/chatter/internal/middleware"
	"github.com/chatterhq/chatter/internal/store"
)

// RouterDeps are the collaborators mounted on the relay router.
type RouterDeps struct {
	Repo           store.Repository
	Issuer         *identity.Issuer
	Hub            *Hub
	Metrics        *Metrics
	Channel        *ChannelHandler
	AllowedOrigins []string
	Logger         *slog.Logger
}

// NewRouter builds the relay's HTTP surface: health, metrics, the REST API
// and the token-protected channel endpoint at /ws.
func NewRouter(d RouterDeps) http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(d.AllowedOrigins))

	// Public routes.
	api.NewHealthHandler(d.Repo, d.Hub).RegisterHealth(r)
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}

	api.NewHandler(d.Repo, d.Issuer, d.Logger).RegisterRoutes(r)

	// WebSocket endpoint.
	r.With(identity.Middleware(d.Issuer)).Get("/ws", d.Channel.ServeHTTP)

	return r
}
