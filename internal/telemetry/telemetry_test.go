package telemetry

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorExposesMetrics(t *testing.T) {
	c := NewCollector()
	c.Counter("tasks_started_total", 1, map[string]string{"family": "executor"})
	c.Counter("tasks_started_total", 2, map[string]string{"family": "executor"})
	c.Gauge("lease_idle_seconds", 12, nil)
	c.Timer("provision_duration_seconds", 1500*time.Millisecond, map[string]string{"family": "executor"})

	vec := c.counters["tasks_started_total"]
	require.NotNil(t, vec)
	assert.Equal(t, 3.0, testutil.ToFloat64(vec.WithLabelValues("executor")))

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), `ballast_tasks_started_total{family="executor"} 3`)
	assert.Contains(t, string(body), "ballast_lease_idle_seconds 12")
	assert.Contains(t, string(body), "ballast_provision_duration_seconds_count")
}

func TestCollectorDropsMismatchedLabels(t *testing.T) {
	c := NewCollector()
	c.Counter("poll_iterations_total", 1, map[string]string{"loop": "readiness"})
	c.Counter("poll_iterations_total", 1, map[string]string{"other": "x"})
	assert.Equal(t, 1.0, testutil.ToFloat64(c.counters["poll_iterations_total"].WithLabelValues("readiness")))
}

func TestHealthHandler(t *testing.T) {
	h := NewHealth()
	h.Register("lease", func() HealthCheck {
		return HealthCheck{Status: HealthStatusHealthy, Message: "idle 3s"}
	})
	rr := httptest.NewRecorder()
	h.HealthHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var report HealthReport
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &report))
	assert.Equal(t, HealthStatusHealthy, report.Status)
	require.Len(t, report.Checks, 1)
	assert.Equal(t, "lease", report.Checks[0].Name)

	h.Register("scheduler", func() HealthCheck {
		return HealthCheck{Status: HealthStatusUnhealthy, Message: "unreachable"}
	})
	rr = httptest.NewRecorder()
	h.HealthHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
