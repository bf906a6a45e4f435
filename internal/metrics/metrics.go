// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request and remote command latency.
// SSH setup alone usually costs a few hundred milliseconds, hence the long tail.
var defaultBuckets = []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60}

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	SessionAcquisitions *prometheus.CounterVec
	SessionDuration     prometheus.Histogram
	SessionsOpen        prometheus.Gauge

	CommandDuration *prometheus.HistogramVec
	CommandExits    *prometheus.CounterVec

	StagedFiles prometheus.Counter
	StagedBytes prometheus.Counter
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sshtunnel_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sshtunnel_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sshtunnel_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		SessionAcquisitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sshtunnel_proxy_ssh_session_acquisitions_total",
			Help: "SSH session acquisitions by result (ok, connect_failed, timeout).",
		}, []string{"result"}),

		SessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sshtunnel_proxy_ssh_connect_duration_seconds",
			Help:    "Time to dial and authenticate an SSH session.",
			Buckets: defaultBuckets,
		}),

		SessionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sshtunnel_proxy_ssh_sessions_open",
			Help: "Number of SSH sessions currently open.",
		}),

		CommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sshtunnel_proxy_remote_command_duration_seconds",
			Help:    "Remote command latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		CommandExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sshtunnel_proxy_remote_command_exits_total",
			Help: "Remote command completions by method and exit status.",
		}, []string{"method", "exit_status"}),

		StagedFiles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sshtunnel_proxy_staged_files_total",
			Help: "Uploaded files copied to the remote host.",
		}),

		StagedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sshtunnel_proxy_staged_bytes_total",
			Help: "Bytes of uploaded files copied to the remote host.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.SessionAcquisitions,
		m.SessionDuration,
		m.SessionsOpen,
		m.CommandDuration,
		m.CommandExits,
		m.StagedFiles,
		m.StagedBytes,
	)

	return m
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

// fixedRoutes lists the path label values besides the forwarding prefix
// (bounded cardinality).
var fixedRoutes = []string{"/add", "/test", "/healthz", "/proxy/status", "/metrics"}

// NormalizePath returns a bounded path label for Prometheus metrics. Forwarded
// requests are labelled with routePrefix, whatever the backend path.
func NormalizePath(path, routePrefix string) string {
	if path == "/" {
		return "/"
	}
	if routePrefix != "" && underRoute(path, routePrefix) {
		return routePrefix
	}
	for _, route := range fixedRoutes {
		if underRoute(path, route) {
			return route
		}
	}
	return "other"
}

func underRoute(path, route string) bool {
	return path == route || strings.HasPrefix(path, route+"/") || strings.HasPrefix(path, route+"?")
}
