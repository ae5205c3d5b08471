// Package domain contains the business logic for contract analysis.
package domain

import (
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ContractAddress is a validated 20-byte contract address.
type ContractAddress struct {
	addr common.Address
}

// String returns the EIP-55 checksummed form.
func (a ContractAddress) String() string {
	return a.addr.Hex()
}

// Key returns the lowercase form used for storage and deduplication.
func (a ContractAddress) Key() string {
	return strings.ToLower(a.addr.Hex())
}

// Common returns the go-ethereum address.
func (a ContractAddress) Common() common.Address {
	return a.addr
}

// Mode is how the analyzer was run.
type Mode string

const (
	// ModeFlattened analyzes a single flattened compilation unit.
	ModeFlattened Mode = "flattened"
	// ModeDirect analyzes the unflattened main file.
	ModeDirect Mode = "direct"
)

// Report statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Severity labels as emitted by Mythril.
const (
	SeverityHigh          = "High"
	SeverityMedium        = "Medium"
	SeverityLow           = "Low"
	SeverityInformational = "Informational"
	SeverityUnknown       = "Unknown"
)

// Report is the normalized analysis report.
type Report struct {
	Summary Summary `json:"summary"`
	Issues  []Issue `json:"issues"`
	Status  string  `json:"status"`
	Message string  `json:"message,omitempty"`
}

// Summary counts issues by severity. TotalIssues also counts issues with
// an unknown severity.
type Summary struct {
	TotalIssues int `json:"total_issues"`
	High        int `json:"high"`
	Medium      int `json:"medium"`
	Low         int `json:"low"`
	Info        int `json:"info"`
}

// Issue is a single finding.
type Issue struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Contract    string `json:"contract"`
	Function    string `json:"function"`
	Severity    string `json:"severity"`
	SWCID       string `json:"swc_id"`
	LineNo      int    `json:"lineno"`
	Code        string `json:"code"`
}

// Analysis is a report together with what produced it.
type Analysis struct {
	ID              string
	Address         ContractAddress
	ContractName    string
	CompilerVersion string
	Mode            Mode
	Report          *Report
	CreatedAt       time.Time

	// Cached is set when the report was served from history.
	Cached bool
}
