// Package logging provides structured HTTP access logging. Handlers further
// down the chain can attach fields to the access line with Annotate.
package logging

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/pendergraft/contrascan/internal/middleware/realip"
)

// CacheHeader is the response header carrying the report cache result.
const CacheHeader = "X-Analysis-Cache"

// probePaths log at Debug so liveness checks do not flood the log.
var probePaths = map[string]bool{
	"/health":  true,
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

type annotationsKey struct{}

type annotations struct {
	mu    sync.Mutex
	attrs []any
}

// Annotate adds key/value pairs to the access log line of the request that
// owns ctx. It does nothing outside the logging middleware.
func Annotate(ctx context.Context, args ...any) {
	a, ok := ctx.Value(annotationsKey{}).(*annotations)
	if !ok {
		return
	}
	a.mu.Lock()
	a.attrs = append(a.attrs, args...)
	a.mu.Unlock()
}

// responseWriter wraps http.ResponseWriter to capture status and bytes
type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	bytes       int
}

// WriteHeader records the first status. Later calls, such as the 503 from
// chi's Timeout after a handler already answered, are dropped.
func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += n
	return n, err
}

// Unwrap returns the underlying ResponseWriter for middleware that need it
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware logs one line per request with request_id, method, path,
// status, bytes, duration_ms and client_ip, plus the report cache result and
// any annotations. Server errors log at Error, client errors at Warn and
// probes at Debug.
func Middleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := &responseWriter{
				ResponseWriter: w,
				status:         http.StatusOK,
			}
			notes := &annotations{}
			r = r.WithContext(context.WithValue(r.Context(), annotationsKey{}, notes))

			defer func() {
				attrs := []any{
					"request_id", middleware.GetReqID(r.Context()),
					"method", r.Method,
					"path", r.URL.Path,
					"status", wrapped.status,
					"bytes", wrapped.bytes,
					"duration_ms", time.Since(start).Milliseconds(),
					"client_ip", realip.GetClientIP(r),
				}
				if cache := wrapped.Header().Get(CacheHeader); cache != "" {
					attrs = append(attrs, "cache", cache)
				}
				notes.mu.Lock()
				attrs = append(attrs, notes.attrs...)
				notes.mu.Unlock()

				logger.Log(r.Context(), levelFor(r.URL.Path, wrapped.status), "request", attrs...)
			}()

			next.ServeHTTP(wrapped, r)
		})
	}
}

func levelFor(path string, status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case status >= http.StatusBadRequest:
		return slog.LevelWarn
	case probePaths[path]:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}
