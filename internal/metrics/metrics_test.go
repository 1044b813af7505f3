package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.Cycles.WithLabelValues("monitor").Inc()
	m.ObserveRollback("immediate", true)
	m.ObserveRollback("immediate", true)
	m.ObserveRequest(http.MethodGet, "/components", http.StatusOK, 20*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Cycles.WithLabelValues("monitor")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Rollbacks.WithLabelValues("immediate", "true")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `steward_rollbacks_total{success="true",type="immediate"} 2`)
	assert.Contains(t, body, `steward_api_http_requests_total{method="GET",route="/components",status="200"} 1`)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveRollback("manual", false)
	m.ObserveRequest(http.MethodGet, "/", http.StatusOK, time.Millisecond)
}

func TestInstancesDoNotCollide(t *testing.T) {
	a, b := New(), New()
	a.OpportunitiesDetected.Add(3)
	assert.Equal(t, 0.0, testutil.ToFloat64(b.OpportunitiesDetected))
}
