package auth

import (
	"net/http"
	"strings"
)

// KeyPrefix is the prefix of every API key issued by the server.
const KeyPrefix = "cs_key_"

// FromRequest extracts an API key from the X-API-Key header, falling back to
// an Authorization bearer token.
func FromRequest(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(auth[len("Bearer "):])
	}
	return ""
}

// HasKeyPrefix reports whether key looks like a server-issued key.
func HasKeyPrefix(key string) bool {
	return strings.HasPrefix(key, KeyPrefix) && len(key) > len(KeyPrefix)
}
