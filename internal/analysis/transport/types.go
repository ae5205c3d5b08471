// Package transport provides HTTP request/response types for the analysis domain.
package transport

import (
	"time"

	"github.com/pendergraft/contrascan/internal/analysis/domain"
)

// AnalyzeRequest is the HTTP request body for analyzing a contract.
type AnalyzeRequest struct {
	Address string `json:"address"`
}

// AnalysisResponse is a full analysis with its report.
type AnalysisResponse struct {
	ID              string         `json:"id,omitempty"`
	Address         string         `json:"address"`
	ContractName    string         `json:"contract_name"`
	CompilerVersion string         `json:"compiler_version,omitempty"`
	Mode            string         `json:"mode"`
	CreatedAt       string         `json:"created_at,omitempty"`
	Report          *domain.Report `json:"report"`
}

// AnalysisSummary is a history entry without the individual issues.
type AnalysisSummary struct {
	ID              string         `json:"id"`
	Address         string         `json:"address"`
	ContractName    string         `json:"contract_name"`
	CompilerVersion string         `json:"compiler_version,omitempty"`
	Mode            string         `json:"mode"`
	Status          string         `json:"status"`
	Summary         domain.Summary `json:"summary"`
	CreatedAt       string         `json:"created_at"`
}

// HistoryResponse is the response for listing analyses.
type HistoryResponse struct {
	Data  []AnalysisSummary `json:"data"`
	Limit int               `json:"limit"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// FromDomain converts a domain analysis to its HTTP representation.
func FromDomain(a *domain.Analysis) AnalysisResponse {
	return AnalysisResponse{
		ID:              a.ID,
		Address:         a.Address.String(),
		ContractName:    a.ContractName,
		CompilerVersion: a.CompilerVersion,
		Mode:            string(a.Mode),
		CreatedAt:       formatTime(a.CreatedAt),
		Report:          a.Report,
	}
}

// SummaryFromDomain converts a domain analysis to a history entry.
func SummaryFromDomain(a *domain.Analysis) AnalysisSummary {
	s := AnalysisSummary{
		ID:              a.ID,
		Address:         a.Address.String(),
		ContractName:    a.ContractName,
		CompilerVersion: a.CompilerVersion,
		Mode:            string(a.Mode),
		CreatedAt:       formatTime(a.CreatedAt),
	}
	if a.Report != nil {
		s.Status = a.Report.Status
		s.Summary = a.Report.Summary
	}
	return s
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
