package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus instruments exported by the API server.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	AuthRequestsTotal *prometheus.CounterVec
	TokensIssuedTotal *prometheus.CounterVec
	LoginCodesTotal   *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on registry. A nil registry
// creates a private one.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	m := &Metrics{
		registry: registry,
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ipapi_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "code"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ipapi_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		AuthRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ipapi_auth_requests_total",
				Help: "Request authenticator decisions by outcome",
			},
			[]string{"outcome"},
		),
		TokensIssuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ipapi_tokens_issued_total",
				Help: "Bearer tokens issued by login method",
			},
			[]string{"method"},
		),
		LoginCodesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ipapi_login_codes_total",
				Help: "One-time login code operations by result",
			},
			[]string{"result"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.AuthRequestsTotal,
		m.TokensIssuedTotal,
		m.LoginCodesTotal,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// AuthOutcome counts one request authenticator decision.
func (m *Metrics) AuthOutcome(outcome string) {
	if m == nil {
		return
	}
	m.AuthRequestsTotal.WithLabelValues(outcome).Inc()
}

// TokenIssued counts one issued token.
func (m *Metrics) TokenIssued(method string) {
	if m == nil {
		return
	}
	m.TokensIssuedTotal.WithLabelValues(method).Inc()
}

// LoginCode counts one login code operation.
func (m *Metrics) LoginCode(result string) {
	if m == nil {
		return
	}
	m.LoginCodesTotal.WithLabelValues(result).Inc()
}

// Middleware records request counts and latency.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.HTTPRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}
