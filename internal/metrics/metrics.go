// Package metrics provides Prometheus metrics for the proxy client and service.
package metrics

import (
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request and fetch latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// Fetch outcome label values.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Metrics holds all Prometheus metric collectors.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	FetchTotal      *prometheus.CounterVec
	FetchDuration   *prometheus.HistogramVec
	TunnelPhase     *prometheus.HistogramVec
	TargetResponses *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "thordata_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "thordata_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "thordata_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		FetchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "thordata_proxy_fetch_total",
			Help: "Total fetches through the gateway by target scheme and outcome.",
		}, []string{"scheme", "outcome"}),

		FetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "thordata_proxy_fetch_duration_seconds",
			Help:    "End-to-end fetch latency through the gateway in seconds.",
			Buckets: defaultBuckets,
		}, []string{"scheme"}),

		TunnelPhase: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "thordata_proxy_tunnel_phase_duration_seconds",
			Help:    "Duration of each tunnel setup phase in seconds.",
			Buckets: defaultBuckets,
		}, []string{"phase"}),

		TargetResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "thordata_proxy_target_responses_total",
			Help: "Total target responses by status code.",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.FetchTotal,
		m.FetchDuration,
		m.TunnelPhase,
		m.TargetResponses,
	)

	return m
}

// ObserveFetch records one completed or failed fetch.
func (m *Metrics) ObserveFetch(scheme, outcome string, d time.Duration) {
	scheme = NormalizeScheme(scheme)
	m.FetchTotal.WithLabelValues(scheme, outcome).Inc()
	m.FetchDuration.WithLabelValues(scheme).Observe(d.Seconds())
}

// ObserveTunnelPhase records the duration of one tunnel setup phase.
func (m *Metrics) ObserveTunnelPhase(phase string, d time.Duration) {
	m.TunnelPhase.WithLabelValues(phase).Observe(d.Seconds())
}

// ObserveTargetResponse counts a response from the target.
func (m *Metrics) ObserveTargetResponse(statusCode int) {
	m.TargetResponses.WithLabelValues(NormalizeStatus(statusCode)).Inc()
}

// NormalizeScheme bounds the scheme label to http, https or other.
func NormalizeScheme(scheme string) string {
	switch scheme {
	case "http", "https":
		return scheme
	default:
		return "other"
	}
}

// NormalizeStatus returns the status code as a label. Codes outside
// 100-599, including the 0 of an unparseable status line, become "invalid".
func NormalizeStatus(code int) string {
	if code < 100 || code > 599 {
		return "invalid"
	}
	return strconv.Itoa(code)
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// knownPrefixes lists the allowed path label values (bounded cardinality).
var knownPrefixes = []string{"/api/v1", "/healthz", "/proxy/status", "/metrics"}

// NormalizePath returns a bounded path label for Prometheus metrics.
func NormalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}
