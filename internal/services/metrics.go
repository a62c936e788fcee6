package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all custom Prometheus metrics for the application
type Metrics struct {
	// Scrape metrics
	ScrapeRequests *prometheus.CounterVec
	ScrapeLatency  prometheus.Histogram

	// Delivery metrics
	BatchesDelivered *prometheus.CounterVec

	// Registry metrics
	ArtifactsTracked prometheus.Gauge
	Evictions        *prometheus.CounterVec
}

var globalMetrics *Metrics

// InitMetrics initializes the Prometheus metrics
func InitMetrics(registry *ArtifactRegistryService) *Metrics {
	metrics := &Metrics{
		// Scrape requests by kind and outcome
		ScrapeRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "scrapebot_scrape_requests_total",
			Help: "Total number of scrape requests by kind and outcome",
		}, []string{"kind", "outcome"}), // kind: "scrape" or "images"

		// End-to-end request latency histogram
		ScrapeLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "scrapebot_scrape_duration_seconds",
			Help:    "Scrape request latency in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120}, // fetch + convert + delivery
		}),

		// Delivered file batches by outcome
		BatchesDelivered: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "scrapebot_batches_total",
			Help: "Total number of delivered file batches by outcome",
		}, []string{"outcome"}),

		// Tracked artifacts (gauge - can go up and down)
		ArtifactsTracked: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "scrapebot_artifacts_tracked",
			Help: "Number of artifacts currently tracked for eviction",
		}),

		// Evictions by outcome
		Evictions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "scrapebot_evictions_total",
			Help: "Total number of artifact evictions by outcome",
		}, []string{"outcome"}),
	}

	// Register a collector that reads the live artifact count from the registry
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "scrapebot_artifacts_tracked_current",
			Help: "Current number of tracked artifacts (from registry)",
		},
		func() float64 {
			if registry != nil {
				return float64(registry.Count())
			}
			return 0
		},
	))

	globalMetrics = metrics
	return metrics
}

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	return globalMetrics
}

// RecordScrapeRequest records a scrape request outcome
func (m *Metrics) RecordScrapeRequest(kind, outcome string) {
	m.ScrapeRequests.WithLabelValues(kind, outcome).Inc()
}

// RecordScrapeLatency records end-to-end request latency
func (m *Metrics) RecordScrapeLatency(seconds float64) {
	m.ScrapeLatency.Observe(seconds)
}

// RecordBatch records a delivered batch outcome
func (m *Metrics) RecordBatch(outcome string) {
	m.BatchesDelivered.WithLabelValues(outcome).Inc()
}

// Package-level helpers are no-ops until InitMetrics has run, so services
// stay usable in tests without a Prometheus registry.

func artifactsTracked(n int) {
	if globalMetrics != nil {
		globalMetrics.ArtifactsTracked.Set(float64(n))
	}
}

func evictionsTotal(outcome string) {
	if globalMetrics != nil {
		globalMetrics.Evictions.WithLabelValues(outcome).Inc()
	}
}

func scrapeRequestsTotal(kind, outcome string) {
	if globalMetrics != nil {
		globalMetrics.RecordScrapeRequest(kind, outcome)
	}
}

func scrapeLatencySeconds(seconds float64) {
	if globalMetrics != nil {
		globalMetrics.RecordScrapeLatency(seconds)
	}
}

func batchesTotal(outcome string) {
	if globalMetrics != nil {
		globalMetrics.RecordBatch(outcome)
	}
}
