package metrics

import "time"

// AnalysisRequest records a finished analysis by mode ("flattened",
// "direct", "cached") and outcome.
func AnalysisRequest(mode, status string) {
	if !enabled {
		return
	}
	analysisRequestsTotal.WithLabelValues(mode, status).Inc()
}

// FlattenOutcome records the result of a flatten attempt.
func FlattenOutcome(strategy, outcome string) {
	if !enabled {
		return
	}
	flattenOutcomesTotal.WithLabelValues(strategy, outcome).Inc()
}

// ToolInvocation records how long an external tool ran.
func ToolInvocation(tool, result string, d time.Duration) {
	if !enabled {
		return
	}
	toolDuration.WithLabelValues(tool, result).Observe(d.Seconds())
}

// ToolchainSwitch records a compiler switch attempt.
func ToolchainSwitch(status string) {
	if !enabled {
		return
	}
	toolchainSwitchTotal.WithLabelValues(status).Inc()
}

// AnalysisCache records a report cache lookup ("hit" or "miss").
func AnalysisCache(result string) {
	if !enabled {
		return
	}
	analysisCacheTotal.WithLabelValues(result).Inc()
}
