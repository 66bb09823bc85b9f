package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.AuthOutcome("authenticated")
	m.TokenIssued("password")
	m.LoginCode("issued")

	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.AuthOutcome("token_expired")
	m.AuthOutcome("token_expired")
	m.TokenIssued("code")
	m.LoginCode("mismatch")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.AuthRequestsTotal.WithLabelValues("token_expired")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TokensIssuedTotal.WithLabelValues("code")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LoginCodesTotal.WithLabelValues("mismatch")))
}

func TestMetrics_MiddlewareAndHandler(t *testing.T) {
	m := NewMetrics(nil)

	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/auth/login", nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues(http.MethodPost, "401")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "ipapi_http_requests_total"))
}
