// Package server provides the HTTP server setup and wiring.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	analysisTransport "github.com/pendergraft/contrascan/internal/analysis/transport"
	"github.com/pendergraft/contrascan/internal/auth"
	"github.com/pendergraft/contrascan/internal/config"
	"github.com/pendergraft/contrascan/internal/middleware/logging"
	"github.com/pendergraft/contrascan/internal/middleware/ratelimit"
	"github.com/pendergraft/contrascan/internal/middleware/realip"
	"github.com/pendergraft/contrascan/internal/middleware/security"
	"github.com/pendergraft/contrascan/internal/observability/metrics"
	"github.com/pendergraft/contrascan/internal/storage"
)

// Server is the HTTP server
type Server struct {
	cfg    *config.Config
	store  storage.Store // nil when storage is disabled
	logger *slog.Logger
	router *chi.Mux

	analysisSvc analysisTransport.Service
}

// New creates a new server. store may be nil.
func New(cfg *config.Config, store storage.Store, svc analysisTransport.Service, logger *slog.Logger) *Server {
	s := &Server{
		cfg:         cfg,
		store:       store,
		logger:      logger,
		router:      chi.NewRouter(),
		analysisSvc: svc,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware() {
	// Order matters! Security middleware runs first to block malicious requests early.

	// 1. Real IP extraction (must be first to set client IP for other middleware)
	s.router.Use(realip.Middleware(realip.Config{
		TrustProxy:     s.cfg.Proxy.TrustProxy,
		TrustedProxies: s.cfg.Proxy.TrustedProxies,
	}))

	// 2. Security filter (blocks malicious patterns, bypasses health checks)
	s.router.Use(security.FilterMiddleware(s.cfg.Security.FilterEnabled))

	// 3. Body size limit
	s.router.Use(security.MaxBodySizeMiddleware(s.cfg.Security.MaxBodySizeMB))

	// 4. Rate limiting (bypasses health checks, analysis runs cost more)
	s.router.Use(ratelimit.Middleware(ratelimit.Config{
		Enabled:        s.cfg.RateLimit.Enabled,
		RequestsPerMin: s.cfg.RateLimit.RequestsPerMin,
		BurstSize:      s.cfg.RateLimit.BurstSize,
		CleanupMinutes: s.cfg.RateLimit.CleanupMinutes,
		AnalyzeCost:    s.cfg.RateLimit.AnalyzeCost,
	}))

	// 5. Standard middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(logging.Middleware(s.logger))
	s.router.Use(metrics.Middleware)
	s.router.Use(middleware.Recoverer)
	// The analysis handler writes its own 504; the logging writer drops
	// Timeout's second WriteHeader.
	if s.cfg.Server.RequestTimeout > 0 {
		s.router.Use(middleware.Timeout(time.Duration(s.cfg.Server.RequestTimeout) * time.Second))
	}
	s.router.Use(middleware.Compress(5))

	// 6. CORS
	s.router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-API-Key")
			w.Header().Set("Access-Control-Expose-Headers", analysisTransport.CacheHeader)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})
}

func (s *Server) setupRoutes() {
	s.router.Get("/", s.handleRoot)

	// Health checks
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/readyz", s.handleReady)

	if s.cfg.Metrics.Enabled {
		s.router.Handle("/metrics", metrics.Handler())
	}

	analysisHandler := analysisTransport.NewHandler(s.analysisSvc)

	authEnabled := s.cfg.Auth.Type == "api-key" && s.store != nil

	// Analysis runs take a JSON body and, with api-key auth, a key
	requireAuth := func(r chi.Router) {
		if authEnabled {
			r.Use(auth.Middleware(s.store, writeError))
		}
		r.Use(security.RequireJSON)
	}

	// Unversioned path kept for existing clients
	s.router.Group(func(r chi.Router) {
		requireAuth(r)
		analysisHandler.RegisterWriteRoutes(r)
	})

	// API v1 routes
	s.router.Route("/api/v1", func(r chi.Router) {
		// Read operations - key is optional, recorded when present
		r.Group(func(r chi.Router) {
			if authEnabled {
				r.Use(auth.OptionalMiddleware(s.store))
			}
			analysisHandler.RegisterReadRoutes(r)
		})

		// Write operations - auth required
		r.Group(func(r chi.Router) {
			requireAuth(r)
			analysisHandler.RegisterWriteRoutes(r)
		})
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "ITS WORK!"})
}

// Health check handler
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady also checks the database when one is configured.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.store.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", "error", err)
			writeError(w, http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "Storage unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Helper functions

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, analysisTransport.ErrorResponse{Error: message, Code: code})
}
