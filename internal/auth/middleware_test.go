package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pendergraft/contrascan/internal/storage"
)

type mockAPIKeyStore struct {
	keys    map[string]*storage.APIKey
	err     error
	lookups int
}

func (m *mockAPIKeyStore) CreateAPIKey(ctx context.Context, name string) (string, error) {
	return "", nil
}

func (m *mockAPIKeyStore) ValidateAPIKey(ctx context.Context, key string) (*storage.APIKey, error) {
	m.lookups++
	if m.err != nil {
		return nil, m.err
	}
	if apiKey, ok := m.keys[key]; ok {
		return apiKey, nil
	}
	return nil, storage.ErrNotFound
}

func (m *mockAPIKeyStore) ListAPIKeys(ctx context.Context) ([]storage.APIKey, error) {
	return nil, nil
}

func (m *mockAPIKeyStore) RevokeAPIKey(ctx context.Context, id string) error {
	return nil
}

type recordedError struct {
	status  int
	code    string
	message string
}

// runRequired sends one request through Middleware and returns the key the
// handler saw along with any error that was written.
func runRequired(t *testing.T, store *mockAPIKeyStore, header, value string) (*httptest.ResponseRecorder, *storage.APIKey, *recordedError) {
	t.Helper()

	var seen *storage.APIKey
	var written *recordedError
	h := Middleware(store, func(w http.ResponseWriter, status int, code, message string) {
		written = &recordedError{status, code, message}
		w.WriteHeader(status)
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = APIKeyFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("POST", "/api/v1/analyze", nil)
	if header != "" {
		req.Header.Set(header, value)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec, seen, written
}

func TestMiddleware(t *testing.T) {
	keys := map[string]*storage.APIKey{
		"cs_key_valid":  {ID: "key-123", Name: "ci"},
		"cs_key_bearer": {ID: "key-456", Name: "bearer"},
	}

	tests := []struct {
		name    string
		header  string
		value   string
		status  int
		message string
		keyID   string
		lookups int
	}{
		{"x-api-key", "X-API-Key", "cs_key_valid", http.StatusOK, "", "key-123", 1},
		{"bearer token", "Authorization", "Bearer cs_key_bearer", http.StatusOK, "", "key-456", 1},
		{"unknown key", "X-API-Key", "cs_key_unknown", http.StatusUnauthorized, "Invalid API key", "", 1},
		{"foreign prefix skips lookup", "X-API-Key", "sk_live_123", http.StatusUnauthorized, "Invalid API key", "", 0},
		{"missing key", "", "", http.StatusUnauthorized, "API key required", "", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &mockAPIKeyStore{keys: keys}

			rec, seen, written := runRequired(t, store, tt.header, tt.value)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.lookups, store.lookups)
			if tt.keyID != "" {
				require.NotNil(t, seen)
				assert.Equal(t, tt.keyID, seen.ID)
				assert.Nil(t, written)
				return
			}
			assert.Nil(t, seen)
			require.NotNil(t, written)
			assert.Equal(t, "UNAUTHORIZED", written.code)
			assert.Equal(t, tt.message, written.message)
		})
	}
}

func TestMiddleware_StoreFailure(t *testing.T) {
	store := &mockAPIKeyStore{err: errors.New("database is locked")}

	rec, seen, written := runRequired(t, store, "X-API-Key", "cs_key_valid")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Nil(t, seen)
	require.NotNil(t, written)
	assert.Equal(t, "STORAGE_UNAVAILABLE", written.code)
}

func TestOptionalMiddleware(t *testing.T) {
	store := &mockAPIKeyStore{
		keys: map[string]*storage.APIKey{
			"cs_key_known": {ID: "key-789", Name: "ci"},
		},
	}

	var caller string
	handler := OptionalMiddleware(store)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller = CallerFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name   string
		key    string
		caller string
	}{
		{"known key", "cs_key_known", "ci"},
		{"unknown key", "cs_key_unknown", ""},
		{"no key", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			caller = "unset"
			req := httptest.NewRequest("GET", "/", nil)
			if tt.key != "" {
				req.Header.Set("X-API-Key", tt.key)
			}
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tt.caller, caller)
		})
	}

	t.Run("store failure stays anonymous", func(t *testing.T) {
		failing := &mockAPIKeyStore{err: errors.New("connection refused")}
		h := OptionalMiddleware(failing)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller = CallerFromContext(r.Context())
		}))

		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("X-API-Key", "cs_key_known")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, caller)
	})
}

func TestCallerFromContext(t *testing.T) {
	assert.Empty(t, CallerFromContext(context.Background()))

	ctx := WithAPIKey(context.Background(), &storage.APIKey{ID: "k", Name: "nightly"})
	assert.Equal(t, "nightly", CallerFromContext(ctx))
}

func TestFromRequest(t *testing.T) {
	tests := []struct {
		name   string
		header string
		value  string
		want   string
	}{
		{"x-api-key", "X-API-Key", "cs_key_a", "cs_key_a"},
		{"bearer", "Authorization", "Bearer cs_key_b", "cs_key_b"},
		{"basic auth ignored", "Authorization", "Basic dXNlcjpwYXNz", ""},
		{"none", "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			assert.Equal(t, tt.want, FromRequest(req))
		})
	}
}

func TestHasKeyPrefix(t *testing.T) {
	assert.True(t, HasKeyPrefix("cs_key_0123abcd"))
	assert.False(t, HasKeyPrefix("cs_key_"))
	assert.False(t, HasKeyPrefix("sk_live_0123abcd"))
}
