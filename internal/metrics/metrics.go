// Package metrics exposes Prometheus instrumentation for the report lifecycle.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vigil/internal/store"
)

const namespace = "vigil"

type Metrics struct {
	registry *prometheus.Registry

	created          *prometheus.CounterVec
	transitions      *prometheus.CounterVec
	reports          *prometheus.GaugeVec
	safeReleased     prometheus.Counter
	syncRuns         *prometheus.CounterVec
	persistFailures  prometheus.Counter
	locationFailures prometheus.Counter
}

// New builds a Metrics on its own registry, including Go runtime collectors.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.created = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reports_created_total",
		Help:      "Reports created, by initial status",
	}, []string{"status"})
	m.transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transitions_total",
		Help:      "Lifecycle transitions, by target status",
	}, []string{"status"})
	m.reports = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "reports",
		Help:      "Reports currently held, by status",
	}, []string{"status"})
	m.safeReleased = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "safe_upload_released_total",
		Help:      "Captures whose safe-upload lock was released",
	})
	m.syncRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_runs_total",
		Help:      "Sync runs, by trigger and result",
	}, []string{"trigger", "result"})
	m.persistFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "persist_failures_total",
		Help:      "Commits rejected because the store write failed",
	})
	m.locationFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "location_unavailable_total",
		Help:      "Location fix requests that produced no location",
	})

	m.registry.MustRegister(
		m.created,
		m.transitions,
		m.reports,
		m.safeReleased,
		m.syncRuns,
		m.persistFailures,
		m.locationFailures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ReportCreated(status store.Status) {
	m.created.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) Transition(to store.Status) {
	m.transitions.WithLabelValues(string(to)).Inc()
}

func (m *Metrics) SafeUploadReleased(n int) {
	m.safeReleased.Add(float64(n))
}

func (m *Metrics) SyncRun(trigger, result string) {
	m.syncRuns.WithLabelValues(trigger, result).Inc()
}

func (m *Metrics) PersistFailure() { m.persistFailures.Inc() }

func (m *Metrics) LocationUnavailable() { m.locationFailures.Inc() }

// ObserveReports resets the per-status gauge from a snapshot.
func (m *Metrics) ObserveReports(reports []store.Report) {
	counts := map[store.Status]int{
		store.StatusQueued:     0,
		store.StatusSubmitted:  0,
		store.StatusReceived:   0,
		store.StatusInProgress: 0,
		store.StatusResolved:   0,
	}
	for _, r := range reports {
		counts[r.Status]++
	}
	for status, n := range counts {
		m.reports.WithLabelValues(string(status)).Set(float64(n))
	}
}
