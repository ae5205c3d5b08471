// Package auth provides authentication middleware for API keys.
package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/pendergraft/contrascan/internal/middleware/logging"
	"github.com/pendergraft/contrascan/internal/storage"
)

// ErrorWriter writes a JSON error response.
type ErrorWriter func(w http.ResponseWriter, status int, code, message string)

type contextKey struct{}

var (
	errMissingKey = errors.New("api key required")
	errInvalidKey = errors.New("invalid api key")
)

// WithAPIKey returns a copy of ctx carrying the authenticated key.
func WithAPIKey(ctx context.Context, key *storage.APIKey) context.Context {
	return context.WithValue(ctx, contextKey{}, key)
}

// APIKeyFromContext returns the key that authenticated the request, or nil.
func APIKeyFromContext(ctx context.Context) *storage.APIKey {
	key, _ := ctx.Value(contextKey{}).(*storage.APIKey)
	return key
}

// CallerFromContext returns the name of the authenticated key, or "".
func CallerFromContext(ctx context.Context) string {
	if key := APIKeyFromContext(ctx); key != nil {
		return key.Name
	}
	return ""
}

// authenticate resolves the request's key. Keys without the issued prefix
// are rejected without a store lookup.
func authenticate(r *http.Request, store storage.APIKeyStore) (*storage.APIKey, error) {
	raw := FromRequest(r)
	if raw == "" {
		return nil, errMissingKey
	}
	if !HasKeyPrefix(raw) {
		return nil, errInvalidKey
	}

	key, err := store.ValidateAPIKey(r.Context(), raw)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errInvalidKey
	}
	if err != nil {
		return nil, err
	}
	return key, nil
}

// Middleware rejects requests without a valid key. A store failure is
// reported as 503 rather than blamed on the caller's key.
func Middleware(store storage.APIKeyStore, writeError ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, err := authenticate(r, store)
			switch {
			case errors.Is(err, errMissingKey):
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "API key required")
				return
			case errors.Is(err, errInvalidKey):
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid API key")
				return
			case err != nil:
				writeError(w, http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "Storage unavailable")
				return
			}

			logging.Annotate(r.Context(), "caller", key.Name)
			next.ServeHTTP(w, r.WithContext(WithAPIKey(r.Context(), key)))
		})
	}
}

// OptionalMiddleware records a valid key when one is sent. Requests without
// a key, or with one that cannot be checked, proceed anonymously.
func OptionalMiddleware(store storage.APIKeyStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key, err := authenticate(r, store); err == nil {
				logging.Annotate(r.Context(), "caller", key.Name)
				r = r.WithContext(WithAPIKey(r.Context(), key))
			}
			next.ServeHTTP(w, r)
		})
	}
}
