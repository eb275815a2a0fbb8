// Package metrics wraps the Prometheus collectors exported by the worker.
// A nil *Collector is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	registry *prometheus.Registry

	requests         *prometheus.CounterVec
	requestLatency   prometheus.Histogram
	detectorFailures *prometheus.CounterVec
	ensembleFailures prometheus.Counter
	cacheHits        prometheus.Counter
	state            prometheus.Gauge
}

func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "receipt_worker"
	}

	c := &Collector{registry: prometheus.NewRegistry()}

	c.requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Classification requests by outcome (ok, fallback, error)",
		},
		[]string{"outcome"},
	)

	c.requestLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time from reading a request line to writing its response",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
	)

	c.detectorFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detector_failures_total",
			Help:      "Forensic detectors that failed and reported an unavailable signal",
		},
		[]string{"detector"},
	)

	c.ensembleFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ensemble_failures_total",
			Help:      "Requests whose ensemble inference failed",
		},
	)

	c.cacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Requests answered from the verdict cache",
		},
	)

	c.state = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state",
			Help:      "Worker state (0=starting, 1=ready, 2=serving, 3=stopped)",
		},
	)

	c.registry.MustRegister(
		c.requests,
		c.requestLatency,
		c.detectorFailures,
		c.ensembleFailures,
		c.cacheHits,
		c.state,
		collectors.NewGoCollector(),
	)

	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) ObserveRequest(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.requests.WithLabelValues(outcome).Inc()
	c.requestLatency.Observe(d.Seconds())
}

func (c *Collector) DetectorFailed(detector string) {
	if c == nil {
		return
	}
	c.detectorFailures.WithLabelValues(detector).Inc()
}

func (c *Collector) EnsembleFailed() {
	if c == nil {
		return
	}
	c.ensembleFailures.Inc()
}

func (c *Collector) CacheHit() {
	if c == nil {
		return
	}
	c.cacheHits.Inc()
}

func (c *Collector) SetState(state int) {
	if c == nil {
		return
	}
	c.state.Set(float64(state))
}
