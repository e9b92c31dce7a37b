package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ctf_supervisor"

// Metrics holds the supervisor's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	SpawnsTotal       *prometheus.CounterVec
	TeardownsTotal    *prometheus.CounterVec
	LiveInstances     *prometheus.GaugeVec
	DeployDuration    *prometheus.HistogramVec
	ReconcileRuns     *prometheus.CounterVec
	ReconcileDrift    *prometheus.CounterVec
	ReconcileDuration prometheus.Histogram
	RuntimeAvailable  prometheus.Gauge
	PersistDropped    prometheus.Counter
	HTTPRequests      *prometheus.CounterVec
	HTTPDuration      *prometheus.HistogramVec
}

// NewMetrics creates the collectors on a private registry that also
// carries the Go and process collectors
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		SpawnsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spawns_total",
			Help:      "Spawn requests by challenge and result code",
		}, []string{"challenge", "result"}),

		TeardownsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "teardowns_total",
			Help:      "Completed instance teardowns by final status",
		}, []string{"challenge", "status"}),

		LiveInstances: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_instances",
			Help:      "Instances currently in the registry",
		}, []string{"challenge"}),

		DeployDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "deploy_duration_seconds",
			Help:      "Time from admission to a running container",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}, []string{"challenge"}),

		ReconcileRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_runs_total",
			Help:      "Reconcile sweeps by outcome",
		}, []string{"outcome"}),

		ReconcileDrift: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_drift_total",
			Help:      "Registry and runtime inconsistencies found by reconcile",
		}, []string{"kind"}),

		ReconcileDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_duration_seconds",
			Help:      "Duration of reconcile sweeps",
			Buckets:   prometheus.DefBuckets,
		}),

		RuntimeAvailable: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runtime_available",
			Help:      "1 when the container runtime is reachable",
		}),

		PersistDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_dropped_total",
			Help:      "Instance records dropped because the write queue was full",
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status",
		}, []string{"route", "method", "status"}),

		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveSpawn records a spawn outcome; result is "ok" or an error code
func (m *Metrics) ObserveSpawn(challenge, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SpawnsTotal.WithLabelValues(challenge, result).Inc()
	if result == "ok" {
		m.DeployDuration.WithLabelValues(challenge).Observe(duration.Seconds())
	}
}

// ObserveTeardown records a completed teardown
func (m *Metrics) ObserveTeardown(challenge, status string) {
	if m == nil {
		return
	}
	m.TeardownsTotal.WithLabelValues(challenge, status).Inc()
}

// SetLiveInstances replaces the live-instance gauge with counts per challenge
func (m *Metrics) SetLiveInstances(counts map[string]int) {
	if m == nil {
		return
	}
	m.LiveInstances.Reset()
	for challenge, count := range counts {
		m.LiveInstances.WithLabelValues(challenge).Set(float64(count))
	}
}

// ObserveReconcile records one sweep
func (m *Metrics) ObserveReconcile(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ReconcileRuns.WithLabelValues(outcome).Inc()
	m.ReconcileDuration.Observe(duration.Seconds())
}

// ObserveDrift counts one inconsistency of the given kind
func (m *Metrics) ObserveDrift(kind string) {
	if m == nil {
		return
	}
	m.ReconcileDrift.WithLabelValues(kind).Inc()
}

// SetRuntimeAvailable records runtime reachability
func (m *Metrics) SetRuntimeAvailable(available bool) {
	if m == nil {
		return
	}
	if available {
		m.RuntimeAvailable.Set(1)
	} else {
		m.RuntimeAvailable.Set(0)
	}
}

// AddPersistDropped adds dropped persistence records
func (m *Metrics) AddPersistDropped(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.PersistDropped.Add(float64(n))
}

// ObserveHTTP records one HTTP request
func (m *Metrics) ObserveHTTP(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(route, method).Observe(duration.Seconds())
}
