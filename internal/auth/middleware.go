// Package auth implements the shared-secret API key check for service routes.
package auth

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/fluentloop/synapse/internal/api"
)

// HeaderName is the header carrying the shared secret.
const HeaderName = "X-Api-Key"

// Context keys for storing auth data in request context
type contextKey string

// AuthenticatedContextKey marks requests that passed the key check.
const AuthenticatedContextKey contextKey = "auth_authenticated"

// Middleware validates the X-Api-Key header against a configured secret.
type Middleware struct {
	apiKey string
}

// NewMiddleware creates the key-checking middleware. An empty key disables
// the check entirely (dev mode).
func NewMiddleware(apiKey string) *Middleware {
	return &Middleware{apiKey: apiKey}
}

// Enabled reports whether a key is configured.
func (m *Middleware) Enabled() bool {
	return m.apiKey != ""
}

// RequireKey is middleware that rejects requests without the correct key.
// When no key is configured every request passes.
func (m *Middleware) RequireKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.apiKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		got := r.Header.Get(HeaderName)
		if got == "" {
			api.Error(w, http.StatusUnauthorized, "missing API key")
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(m.apiKey)) != 1 {
			api.Error(w, http.StatusUnauthorized, "invalid API key")
			return
		}

		ctx := context.WithValue(r.Context(), AuthenticatedContextKey, true)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AuthenticatedFromContext reports whether the request passed the key check.
// Always false in dev mode since no check ran.
func AuthenticatedFromContext(ctx context.Context) bool {
	ok, _ := ctx.Value(AuthenticatedContextKey).(bool)
	return ok
}
