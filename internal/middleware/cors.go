// Package middleware provides HTTP middleware for the Chatter relay.
package middleware

import (
	"net/http"
	"strings"
)

// CORS returns middleware that handles CORS headers. An empty origin in
// allowedOrigins is ignored.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	origins := make([]string, 0, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			explicit, wildcard := false, false
			for _, o := range origins {
				switch o {
				case origin:
					explicit = true
				case "*":
					wildcard = true
				}
			}

			if origin != "" && (explicit || wildcard) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Add("Vary", "Origin")
				// Credentials only for explicit origins; echoing them for a wildcard enables CSRF.
				if explicit {
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
