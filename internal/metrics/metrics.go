package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the extraction and discovery
// pipeline. A nil *Metrics is valid and records nothing.
type Metrics struct {
	ExtractionRuns     *prometheus.CounterVec
	ElementFailures    *prometheus.CounterVec
	MergeOutcomes      *prometheus.CounterVec
	DispatcherDropped  prometheus.Counter
	DispatcherQueued   prometheus.Gauge
	ExtractionDuration prometheus.Histogram

	EmbeddingRequests  *prometheus.CounterVec
	EmbeddingBatchSize prometheus.Histogram
	EmbeddingCacheHits prometheus.Counter

	DiscoveryRuns     *prometheus.CounterVec
	DiscoveryPatterns prometheus.Counter
	ConstructResults  *prometheus.CounterVec
}

// New registers all collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ExtractionRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "aperture_extraction_runs_total",
			Help: "Extraction passes by outcome (ok, partial, failed, empty)",
		}, []string{"outcome"}),
		ElementFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "aperture_element_failures_total",
			Help: "Elements skipped during extraction by element and reason",
		}, []string{"element", "reason"}),
		MergeOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "aperture_merge_outcomes_total",
			Help: "Assessment merges by outcome",
		}, []string{"outcome"}),
		DispatcherDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "aperture_dispatcher_dropped_total",
			Help: "Extraction jobs dropped because the queue was full",
		}),
		DispatcherQueued: f.NewGauge(prometheus.GaugeOpts{
			Name: "aperture_dispatcher_queued",
			Help: "Extraction jobs waiting in the queue",
		}),
		ExtractionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "aperture_extraction_duration_seconds",
			Help:    "Wall time of one extraction pass",
			Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		EmbeddingRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "aperture_embedding_requests_total",
			Help: "Embedding provider calls by status",
		}, []string{"status"}),
		EmbeddingBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "aperture_embedding_batch_size",
			Help:    "Texts per embedding provider call",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250},
		}),
		EmbeddingCacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "aperture_embedding_cache_hits_total",
			Help: "Embeddings served from cache",
		}),
		DiscoveryRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "aperture_discovery_runs_total",
			Help: "Pattern discovery runs by outcome",
		}, []string{"outcome"}),
		DiscoveryPatterns: f.NewCounter(prometheus.CounterOpts{
			Name: "aperture_discovery_patterns_total",
			Help: "Patterns emitted by discovery runs",
		}),
		ConstructResults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "aperture_construct_results_total",
			Help: "Construct creation results by match type",
		}, []string{"match_type"}),
	}
}

func (m *Metrics) ExtractionRun(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ExtractionRuns.WithLabelValues(outcome).Inc()
	m.ExtractionDuration.Observe(d.Seconds())
}

func (m *Metrics) ElementFailed(element, reason string) {
	if m == nil {
		return
	}
	m.ElementFailures.WithLabelValues(element, reason).Inc()
}

func (m *Metrics) Merged(outcome string) {
	if m == nil {
		return
	}
	m.MergeOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Dropped() {
	if m == nil {
		return
	}
	m.DispatcherDropped.Inc()
}

func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.DispatcherQueued.Set(float64(n))
}

func (m *Metrics) EmbeddingCall(batch int, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.EmbeddingRequests.WithLabelValues(status).Inc()
	m.EmbeddingBatchSize.Observe(float64(batch))
}

func (m *Metrics) CacheHit(n int) {
	if m == nil || n == 0 {
		return
	}
	m.EmbeddingCacheHits.Add(float64(n))
}

func (m *Metrics) DiscoveryRun(outcome string, patterns int) {
	if m == nil {
		return
	}
	m.DiscoveryRuns.WithLabelValues(outcome).Inc()
	m.DiscoveryPatterns.Add(float64(patterns))
}

func (m *Metrics) ConstructResult(matchType string) {
	if m == nil {
		return
	}
	m.ConstructResults.WithLabelValues(matchType).Inc()
}
