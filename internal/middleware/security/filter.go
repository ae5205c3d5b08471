// Package security provides request hygiene middleware for the public API.
package security

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
)

// exemptPaths are never filtered; probes and scrapers hit them constantly
var exemptPaths = map[string]bool{
	"/":        true,
	"/health":  true,
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

// blockedPathPrefixes are path prefixes that indicate scanner/attack traffic
var blockedPathPrefixes = []string{
	"/.php",
	"/wp-admin",
	"/wp-includes",
	"/wp-content",
	"/wp-login",
	"/.git/",
	"/.env",
	"/web-inf/",
	"/cgi-bin/",
	"/admin/",
	"/phpmyadmin",
	"/phpinfo",
	"/shell",
	"/config.",
	"/.htaccess",
	"/.htpasswd",
	"/server-status",
	"/xmlrpc.php",
	"/console",  // Werkzeug debugger
	"/actuator", // Spring Boot probes
}

// blockedPathPatterns are patterns that indicate malicious requests
var blockedPathPatterns = []string{
	"../",     // Path traversal
	"..%2f",   // URL-encoded path traversal
	"..%5c",   // URL-encoded backslash traversal
	"%2e%2e/", // Double URL-encoded path traversal
	"%00",     // Null byte injection
}

// FilterMiddleware returns middleware that rejects scanner probes and path
// traversal attempts with a generic 400.
func FilterMiddleware(enabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !enabled {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !exemptPaths[r.URL.Path] && blocked(r.URL) {
				writeError(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid request")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// blocked reports whether u matches a probe prefix or a traversal pattern,
// either as received or after one round of unescaping.
func blocked(u *url.URL) bool {
	path := strings.ToLower(u.Path)
	for _, prefix := range blockedPathPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	if containsPattern(path) {
		return true
	}

	raw := u.RawPath
	if raw == "" {
		raw = u.Path
	}
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return false
	}
	decoded = strings.ToLower(decoded)
	return decoded != path && containsPattern(decoded)
}

func containsPattern(path string) bool {
	for _, pattern := range blockedPathPatterns {
		if strings.Contains(path, pattern) {
			return true
		}
	}
	return false
}

// writeError writes the API's flat error body without revealing what
// triggered the rejection
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
		"code":  code,
	})
}
