// Package metrics exposes run counters on a private Prometheus registry.
// The registry is owned per-Metrics value rather than the global default so
// tests and fixture runs can reset everything between runs.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every instrument the pipeline records into.
type Metrics struct {
	registry *prometheus.Registry

	SourcesTotal  *prometheus.CounterVec // state: done | failed | not_modified
	FetchErrors   *prometheus.CounterVec // class: fetch error class
	ItemsNew      prometheus.Counter
	ItemsUpdated  prometheus.Counter
	StoriesTotal  prometheus.Gauge
	FallbackRatio prometheus.Gauge
	RunDuration   prometheus.Histogram
}

// New builds a Metrics with a fresh registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.SourcesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sift", Name: "sources_total",
		Help: "Sources processed, by outcome.",
	}, []string{"state"})
	m.FetchErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sift", Name: "fetch_errors_total",
		Help: "Fetch failures, by error class.",
	}, []string{"class"})
	m.ItemsNew = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sift", Name: "items_new_total",
		Help: "Items inserted for the first time.",
	})
	m.ItemsUpdated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sift", Name: "items_updated_total",
		Help: "Items whose content hash changed.",
	})
	m.StoriesTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sift", Name: "stories_total",
		Help: "Stories produced by the last run.",
	})
	m.FallbackRatio = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sift", Name: "linker_fallback_ratio",
		Help: "Fraction of merges that used the title fallback in the last run.",
	})
	m.RunDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sift", Name: "run_duration_seconds",
		Help:    "Wall-clock duration of full pipeline runs.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})

	m.registry.MustRegister(
		m.SourcesTotal, m.FetchErrors, m.ItemsNew, m.ItemsUpdated,
		m.StoriesTotal, m.FallbackRatio, m.RunDuration,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
