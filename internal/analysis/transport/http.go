// Package transport provides HTTP handlers for the analysis domain.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/pendergraft/contrascan/internal/analysis/domain"
	"github.com/pendergraft/contrascan/internal/middleware/logging"
)

// Error messages kept compatible with existing clients.
const (
	MsgMissingAddress = "Missing address"
	MsgInvalidAddress = "Invalid Ethereum address format."
)

// CacheHeader reports whether a response was served from history.
const CacheHeader = logging.CacheHeader

// Service defines the analysis service interface for HTTP transport.
type Service interface {
	Analyze(ctx context.Context, address string) (*domain.Analysis, error)
	Latest(ctx context.Context, address string) (*domain.Analysis, error)
	History(ctx context.Context, address string, limit int) ([]domain.Analysis, error)
}

// Handler handles HTTP requests for analyses.
type Handler struct {
	svc Service
}

// NewHandler creates a new analysis HTTP handler.
func NewHandler(svc Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterReadRoutes registers the stored-analysis routes (no auth required).
func (h *Handler) RegisterReadRoutes(r chi.Router) {
	r.Get("/analyses", h.handleHistory)
	r.Get("/analyses/{address}", h.handleLatest)
}

// RegisterWriteRoutes registers the routes that run an analysis.
func (h *Handler) RegisterWriteRoutes(r chi.Router) {
	r.Post("/analyze", h.handleAnalyze)
}

func (h *Handler) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "Request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Failed to read request body")
		return
	}

	var req AnalyzeRequest
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON")
			return
		}
	}
	if req.Address == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", MsgMissingAddress)
		return
	}

	logging.Annotate(r.Context(), "address", req.Address)
	a, err := h.svc.Analyze(r.Context(), req.Address)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	logging.Annotate(r.Context(), "mode", string(a.Mode))
	if a.Report != nil {
		logging.Annotate(r.Context(), "issues", a.Report.Summary.TotalIssues)
	}

	if a.Cached {
		w.Header().Set(CacheHeader, "HIT")
	} else {
		w.Header().Set(CacheHeader, "MISS")
	}
	writeJSON(w, http.StatusOK, FromDomain(a))
}

func (h *Handler) handleLatest(w http.ResponseWriter, r *http.Request) {
	a, err := h.svc.Latest(r.Context(), chi.URLParam(r, "address"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, FromDomain(a))
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := domain.DefaultHistoryLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= domain.MaxHistoryLimit {
			limit = parsed
		}
	}

	list, err := h.svc.History(r.Context(), r.URL.Query().Get("address"), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	data := make([]AnalysisSummary, len(list))
	for i := range list {
		data[i] = SummaryFromDomain(&list[i])
	}
	writeJSON(w, http.StatusOK, HistoryResponse{Data: data, Limit: limit})
}

// StatusFor maps a domain error to an HTTP status and error code.
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "TIMEOUT"
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, "INVALID_REQUEST"
	case errors.Is(err, domain.ErrFetch):
		return http.StatusNotFound, "SOURCE_NOT_FOUND"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, domain.ErrParse):
		return http.StatusUnprocessableEntity, "PARSE_ERROR"
	case errors.Is(err, domain.ErrFlatten):
		return http.StatusUnprocessableEntity, "FLATTEN_ERROR"
	case errors.Is(err, domain.ErrVersionNotFound):
		return http.StatusUnprocessableEntity, "VERSION_NOT_FOUND"
	case errors.Is(err, domain.ErrToolchain):
		return http.StatusServiceUnavailable, "TOOLCHAIN_UNAVAILABLE"
	case errors.Is(err, domain.ErrAnalysis):
		return http.StatusBadGateway, "ANALYSIS_FAILED"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

func writeDomainError(w http.ResponseWriter, err error) {
	status, code := StatusFor(err)
	msg := err.Error()
	switch status {
	case http.StatusBadRequest:
		msg = MsgInvalidAddress
	case http.StatusNotFound:
		if code == "NOT_FOUND" {
			msg = "Analysis not found"
		}
	case http.StatusInternalServerError:
		msg = "Internal server error"
	}
	writeError(w, status, code, msg)
}

// Helper functions

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}
