// Package metrics holds the daemon's Prometheus instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Set bundles the collectors the poller and store report into. A nil *Set
// is valid and turns every method into a no-op, so tests can pass nil.
type Set struct {
	registry *prometheus.Registry

	readingsWritten *prometheus.CounterVec
	fetchFailures   *prometheus.CounterVec
	fetchDuration   *prometheus.HistogramVec
	jobsInFlight    prometheus.Gauge
	pruneDeleted    prometheus.Counter
	tickDuration    prometheus.Histogram
}

func New() *Set {
	s := &Set{
		registry: prometheus.NewRegistry(),
		readingsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pibackend_readings_written_total",
			Help: "Readings persisted to the store, by source.",
		}, []string{"source"}),
		fetchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pibackend_fetch_failures_total",
			Help: "Failed adapter fetches, by source and failure kind.",
		}, []string{"source", "kind"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pibackend_fetch_duration_seconds",
			Help:    "Adapter fetch latency, by source.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"source"}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pibackend_jobs_in_flight",
			Help: "Poll jobs currently executing.",
		}),
		pruneDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pibackend_prune_deleted_total",
			Help: "Readings removed by retention pruning.",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pibackend_scheduler_tick_seconds",
			Help:    "Time spent computing and dispatching one scheduler tick.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
	}
	s.registry.MustRegister(
		s.readingsWritten, s.fetchFailures, s.fetchDuration,
		s.jobsInFlight, s.pruneDeleted, s.tickDuration,
	)
	return s
}

// Registry exposes the underlying registry for the /metrics handler.
func (s *Set) Registry() *prometheus.Registry {
	if s == nil {
		return nil
	}
	return s.registry
}

func (s *Set) ReadingWritten(src string) {
	if s != nil {
		s.readingsWritten.WithLabelValues(src).Inc()
	}
}

func (s *Set) FetchFailed(src, kind string) {
	if s != nil {
		s.fetchFailures.WithLabelValues(src, kind).Inc()
	}
}

func (s *Set) ObserveFetch(src string, d time.Duration) {
	if s != nil {
		s.fetchDuration.WithLabelValues(src).Observe(d.Seconds())
	}
}

func (s *Set) JobStarted() {
	if s != nil {
		s.jobsInFlight.Inc()
	}
}

func (s *Set) JobFinished() {
	if s != nil {
		s.jobsInFlight.Dec()
	}
}

func (s *Set) Pruned(n int64) {
	if s != nil {
		s.pruneDeleted.Add(float64(n))
	}
}

func (s *Set) ObserveTick(d time.Duration) {
	if s != nil {
		s.tickDuration.Observe(d.Seconds())
	}
}
