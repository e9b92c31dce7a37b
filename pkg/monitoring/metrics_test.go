package monitoring

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_ObserveSpawn(t *testing.T) {
	m := NewMetrics()

	m.ObserveSpawn("web-101", "ok", 2*time.Second)
	m.ObserveSpawn("web-101", "ok", time.Second)
	m.ObserveSpawn("web-101", "CONCURRENT_INSTANCE_LIMIT", 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.SpawnsTotal.WithLabelValues("web-101", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SpawnsTotal.WithLabelValues("web-101", "CONCURRENT_INSTANCE_LIMIT")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.DeployDuration))
}

func TestMetrics_SetLiveInstancesResets(t *testing.T) {
	m := NewMetrics()

	m.SetLiveInstances(map[string]int{"a": 2, "b": 1})
	assert.Equal(t, 2, testutil.CollectAndCount(m.LiveInstances))

	m.SetLiveInstances(map[string]int{"a": 1})
	assert.Equal(t, 1, testutil.CollectAndCount(m.LiveInstances))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LiveInstances.WithLabelValues("a")))
}

func TestMetrics_RuntimeAndDrift(t *testing.T) {
	m := NewMetrics()

	m.SetRuntimeAvailable(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RuntimeAvailable))
	m.SetRuntimeAvailable(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.RuntimeAvailable))

	m.ObserveDrift("missing_container")
	m.ObserveDrift("missing_container")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ReconcileDrift.WithLabelValues("missing_container")))

	m.AddPersistDropped(3)
	m.AddPersistDropped(0)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.PersistDropped))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.ObserveSpawn("x", "ok", time.Second)
		m.ObserveTeardown("x", "stopped")
		m.SetLiveInstances(map[string]int{"x": 1})
		m.ObserveReconcile("ok", time.Second)
		m.ObserveDrift("x")
		m.SetRuntimeAvailable(true)
		m.AddPersistDropped(1)
		m.ObserveHTTP("/spawn", "POST", 200, time.Millisecond)
	})
	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()
	m.ObserveHTTP("/list", http.MethodGet, http.StatusOK, 5*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `ctf_supervisor_http_requests_total{method="GET",route="/list",status="200"} 1`))
	assert.True(t, strings.Contains(body, "go_goroutines"))
}
