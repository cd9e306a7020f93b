// Package metrics holds the Prometheus collectors for the job service.
// All recording methods are safe to call on a nil *Metrics.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ami"

// Metrics contains every collector exported by the service
type Metrics struct {
	ResultsIngested   *prometheus.CounterVec
	LockContention    prometheus.Counter
	TasksPublished    *prometheus.CounterVec
	TasksReserved     prometheus.Counter
	TasksAcknowledged *prometheus.CounterVec
	StatusTransitions *prometheus.CounterVec
	ChainsCreated     prometheus.Counter
	ClustersCreated   prometheus.Counter
	IngestDuration    prometheus.Histogram
	StaleSweeps       *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates the collectors and registers them on a fresh registry
func New() (*Metrics, error) {
	registry := prometheus.NewRegistry()
	m := &Metrics{registry: registry}

	m.ResultsIngested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "results_ingested_total",
		Help:      "Worker results ingested, partitioned by outcome.",
	}, []string{"outcome"})
	m.LockContention = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lock_contention_total",
		Help:      "Result ingestions deferred because the job lock was held.",
	})
	m.TasksPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_published_total",
		Help:      "Tasks published to per-job streams.",
	}, []string{"status"})
	m.TasksReserved = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_reserved_total",
		Help:      "Tasks handed out to pulling workers.",
	})
	m.TasksAcknowledged = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_acknowledged_total",
		Help:      "Task acknowledgements sent to the broker.",
	}, []string{"status"})
	m.StatusTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "job_status_transitions_total",
		Help:      "Job status changes, partitioned by the new status.",
	}, []string{"status"})
	m.ChainsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tracking_chains_created_total",
		Help:      "Occurrences created by detection tracking.",
	})
	m.ClustersCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "clusters_created_total",
		Help:      "Placeholder taxa created by clustering.",
	})
	m.IngestDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "result_ingest_duration_seconds",
		Help:      "Time spent ingesting one worker result.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	})
	m.StaleSweeps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stale_job_checks_total",
		Help:      "Jobs re-checked by the staleness sweep, partitioned by result.",
	}, []string{"result"})

	for _, c := range []prometheus.Collector{
		m.ResultsIngested, m.LockContention, m.TasksPublished, m.TasksReserved,
		m.TasksAcknowledged, m.StatusTransitions, m.ChainsCreated, m.ClustersCreated,
		m.IngestDuration, m.StaleSweeps,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}
	return m, nil
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ResultIngested(outcome string) {
	if m == nil {
		return
	}
	m.ResultsIngested.WithLabelValues(outcome).Inc()
}

func (m *Metrics) LockBusy() {
	if m == nil {
		return
	}
	m.LockContention.Inc()
}

func (m *Metrics) TaskPublished(ok bool) {
	if m == nil {
		return
	}
	m.TasksPublished.WithLabelValues(statusLabel(ok)).Inc()
}

func (m *Metrics) TaskReserved(n int) {
	if m == nil {
		return
	}
	m.TasksReserved.Add(float64(n))
}

func (m *Metrics) TaskAcknowledged(ok bool) {
	if m == nil {
		return
	}
	m.TasksAcknowledged.WithLabelValues(statusLabel(ok)).Inc()
}

func (m *Metrics) StatusChanged(status string) {
	if m == nil {
		return
	}
	m.StatusTransitions.WithLabelValues(status).Inc()
}

func (m *Metrics) ChainCreated(n int) {
	if m == nil {
		return
	}
	m.ChainsCreated.Add(float64(n))
}

func (m *Metrics) ClusterCreated(n int) {
	if m == nil {
		return
	}
	m.ClustersCreated.Add(float64(n))
}

func (m *Metrics) ObserveIngest(seconds float64) {
	if m == nil {
		return
	}
	m.IngestDuration.Observe(seconds)
}

func (m *Metrics) StaleChecked(result string) {
	if m == nil {
		return
	}
	m.StaleSweeps.WithLabelValues(result).Inc()
}

func statusLabel(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
