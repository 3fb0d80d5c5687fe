// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector aggregates the pipeline's Prometheus metrics.
type Collector struct {
	// extraction pipeline
	extractionsTotal   *prometheus.CounterVec
	extractionDuration *prometheus.HistogramVec
	attemptsTotal      *prometheus.CounterVec
	attemptsPerCall    *prometheus.HistogramVec
	reasksTotal        *prometheus.CounterVec

	// provider calls
	providerRequestsTotal   *prometheus.CounterVec
	providerRequestDuration *prometheus.HistogramVec
	tokensUsed              *prometheus.CounterVec

	// stream decoders
	streamElementsTotal *prometheus.CounterVec

	// spec cache
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector registers the pipeline metrics against reg. A nil reg
// uses the default registerer; a nil logger is replaced with a no-op one.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.extractionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extractions_total",
			Help:      "Total number of extraction calls",
		},
		[]string{"schema", "mode", "status"}, // status: success or the failing error code
	)

	c.extractionDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "extraction_duration_seconds",
			Help:      "End-to-end extraction call duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"schema", "mode"},
	)

	c.attemptsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Total number of pipeline attempts",
		},
		[]string{"schema", "outcome"}, // outcome: success, validation_failed, parse_error, provider_error
	)

	c.attemptsPerCall = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "attempts_per_call",
			Help:      "Number of attempts one extraction call consumed",
			Buckets:   []float64{1, 2, 3, 4, 5, 8, 10},
		},
		[]string{"schema"},
	)

	c.reasksTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reasks_total",
			Help:      "Total number of reask attempts composed",
		},
		[]string{"schema", "kind"}, // kind: validation, reformulation
	)

	c.providerRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Total number of completion provider calls",
		},
		[]string{"provider", "model", "status"},
	)

	c.providerRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_duration_seconds",
			Help:      "Completion provider call duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "model"},
	)

	c.tokensUsed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_used_total",
			Help:      "Total number of tokens used",
		},
		[]string{"provider", "model", "type"}, // type: prompt, completion
	)

	c.streamElementsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_elements_total",
			Help:      "Total number of elements emitted by the list decoder",
		},
		[]string{"schema", "status"}, // status: ok, failed
	)

	c.cacheHits = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	c.cacheMisses = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// RecordExtraction records one finished extraction call.
func (c *Collector) RecordExtraction(schemaName, mode, status string, attempts int, duration time.Duration) {
	c.extractionsTotal.WithLabelValues(schemaName, mode, status).Inc()
	c.extractionDuration.WithLabelValues(schemaName, mode).Observe(duration.Seconds())
	c.attemptsPerCall.WithLabelValues(schemaName).Observe(float64(attempts))
}

// RecordAttempt records one pipeline attempt's outcome.
func (c *Collector) RecordAttempt(schemaName, outcome string) {
	c.attemptsTotal.WithLabelValues(schemaName, outcome).Inc()
}

// RecordReask records a composed reask attempt.
func (c *Collector) RecordReask(schemaName, kind string) {
	c.reasksTotal.WithLabelValues(schemaName, kind).Inc()
}

// RecordProviderRequest records one completion provider call.
func (c *Collector) RecordProviderRequest(provider, model, status string, duration time.Duration, promptTokens, completionTokens int) {
	c.providerRequestsTotal.WithLabelValues(provider, model, status).Inc()
	c.providerRequestDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
	c.tokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	c.tokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
}

// RecordStreamElement records one list decoder emission.
func (c *Collector) RecordStreamElement(schemaName, status string) {
	c.streamElementsTotal.WithLabelValues(schemaName, status).Inc()
}

// RecordCacheHit records a cache hit.
func (c *Collector) RecordCacheHit(cacheType string) {
	c.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss records a cache miss.
func (c *Collector) RecordCacheMiss(cacheType string) {
	c.cacheMisses.WithLabelValues(cacheType).Inc()
}
