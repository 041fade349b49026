// Package observability holds the gateway's Prometheus metrics and health
// probes.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Authentication metrics
	AuthResolutionsTotal *prometheus.CounterVec
	SessionRefreshTotal  *prometheus.CounterVec
	LoginsTotal          *prometheus.CounterVec
	APIKeysIssuedTotal   prometheus.Counter

	// Downstream RPC metrics
	RPCForwardsTotal   *prometheus.CounterVec
	RPCForwardDuration *prometheus.HistogramVec

	// Access policy metrics
	PolicyFetchesTotal *prometheus.CounterVec

	// Credential sweep metrics
	ExpiredCredentialsPurged *prometheus.CounterVec

	registry *prometheus.Registry
}

// Authentication outcome label values.
const (
	OutcomeOK           = "ok"
	OutcomeInvalid      = "invalid"
	OutcomeExpired      = "expired"
	OutcomeInsufficient = "insufficient_scope"
)

// Credential kind label values.
const (
	CredentialAPIKey    = "api_key"
	CredentialToken     = "token"
	CredentialAnonymous = "anonymous"
)

// NewMetrics creates and registers all gateway metrics.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "queuegate_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "queuegate_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		AuthResolutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "queuegate_auth_resolutions_total",
				Help: "Principal resolutions by credential kind and outcome",
			},
			[]string{"credential", "outcome"},
		),
		SessionRefreshTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "queuegate_session_refresh_total",
				Help: "Session refresh attempts by outcome",
			},
			[]string{"outcome"},
		),
		LoginsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "queuegate_logins_total",
				Help: "Login attempts by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		APIKeysIssuedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "queuegate_api_keys_issued_total",
				Help: "API keys issued",
			},
		),
		RPCForwardsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "queuegate_rpc_forwards_total",
				Help: "Requests forwarded to the queue manager by method and outcome",
			},
			[]string{"method", "outcome"},
		),
		RPCForwardDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "queuegate_rpc_forward_duration_seconds",
				Help:    "Queue manager round-trip duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		PolicyFetchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "queuegate_policy_fetches_total",
				Help: "Remote access policy fetches by outcome",
			},
			[]string{"outcome"},
		),
		ExpiredCredentialsPurged: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "queuegate_expired_credentials_purged_total",
				Help: "Expired sessions and API keys removed by the sweeper",
			},
			[]string{"kind"},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.AuthResolutionsTotal,
		m.SessionRefreshTotal,
		m.LoginsTotal,
		m.APIKeysIssuedTotal,
		m.RPCForwardsTotal,
		m.RPCForwardDuration,
		m.PolicyFetchesTotal,
		m.ExpiredCredentialsPurged,
	)
	return m
}

// Handler returns the /metrics endpoint handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// InstrumentHTTP wraps a handler with request count and duration metrics.
// The path label is the route template, not the raw URL, to bound
// cardinality.
func (m *Metrics) InstrumentHTTP(path string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		m.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
