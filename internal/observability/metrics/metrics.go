// Package metrics provides Prometheus instrumentation for contrascan.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	enabled     bool
	serviceName string

	// HTTP metrics
	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	httpInFlight      prometheus.Gauge

	// Analysis pipeline metrics
	analysisRequestsTotal *prometheus.CounterVec
	flattenOutcomesTotal  *prometheus.CounterVec
	toolDuration          *prometheus.HistogramVec
	toolchainSwitchTotal  *prometheus.CounterVec
	analysisCacheTotal    *prometheus.CounterVec
)

// Init initializes the metrics system.
func Init(enabledFlag bool, svcName string) {
	enabled = enabledFlag
	serviceName = svcName

	if !enabled {
		return
	}

	// HTTP request counter
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTP request duration histogram; an uncached analysis holds the
	// request open for minutes
	httpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 30, 60, 180, 600, 900},
		},
		[]string{"method", "path"},
	)

	httpInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Number of HTTP requests being served",
		},
	)

	// Analysis request counter
	analysisRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analysis_requests_total",
			Help: "Total number of contract analyses by mode and outcome",
		},
		[]string{"mode", "status"},
	)

	// Flatten outcome counter
	flattenOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flatten_outcomes_total",
			Help: "Total number of flatten attempts by strategy and outcome",
		},
		[]string{"strategy", "outcome"},
	)

	// External tool duration histogram; analyses run for minutes
	toolDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tool_invocation_duration_seconds",
			Help:    "External tool invocation latency in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"tool", "result"},
	)

	// Compiler switch counter
	toolchainSwitchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolchain_switch_total",
			Help: "Total number of solc version switches",
		},
		[]string{"status"},
	)

	// Report cache counter
	analysisCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analysis_cache_total",
			Help: "Total number of report cache lookups",
		},
		[]string{"result"},
	)

	// Note: Go runtime metrics (goroutines, memory, GC) are automatically
	// collected by prometheus/client_golang - no custom collector needed
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	if !enabled {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
	}
	return promhttp.Handler()
}

// Enabled returns whether metrics are enabled.
func Enabled() bool {
	return enabled
}

// ServiceName returns the configured service name for metric labels.
func ServiceName() string {
	return serviceName
}
