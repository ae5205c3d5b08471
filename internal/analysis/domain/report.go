package domain

import "github.com/pendergraft/contrascan/internal/chains/evm/mythril"

// FailedMessage is the message of a report for a failed analysis.
const FailedMessage = "Mythril analysis failed."

// FormatReport normalizes raw analyzer output. A nil or unsuccessful output
// yields an error report with zero counts.
func FormatReport(raw *mythril.Output) *Report {
	if raw == nil || !raw.Success {
		return &Report{
			Issues:  []Issue{},
			Status:  StatusError,
			Message: FailedMessage,
		}
	}

	r := &Report{
		Issues: make([]Issue, 0, len(raw.Issues)),
		Status: StatusOK,
	}
	for _, in := range raw.Issues {
		severity := in.Severity
		switch severity {
		case SeverityHigh:
			r.Summary.High++
		case SeverityMedium:
			r.Summary.Medium++
		case SeverityLow:
			r.Summary.Low++
		case SeverityInformational:
			r.Summary.Info++
		default:
			// Labels outside the four buckets count toward the total only.
			severity = SeverityUnknown
		}

		r.Issues = append(r.Issues, Issue{
			Title:       in.Title,
			Description: in.Description,
			Contract:    in.Contract,
			Function:    in.Function,
			Severity:    severity,
			SWCID:       in.SWCID,
			LineNo:      in.LineNo,
			Code:        in.Code,
		})
	}
	r.Summary.TotalIssues = len(r.Issues)
	return r
}
