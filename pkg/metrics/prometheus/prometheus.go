// Package prometheus provides the Prometheus-backed implementations of
// the metrics collector interfaces. Constructors return the nop
// collector when the registry has not been initialized, so call sites
// never branch on whether metrics are enabled.
package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cptnfren/teltubby/pkg/metrics"
)

type ingestMetrics struct {
	unitsTotal     *prometheus.CounterVec
	itemsTotal     prometheus.Counter
	bytesTotal     prometheus.Counter
	dedupHitsTotal *prometheus.CounterVec
	skippedTotal   *prometheus.CounterVec
	unitSeconds    prometheus.Histogram
}

// NewIngestMetrics creates the Prometheus-backed IngestMetrics.
// Returns the nop collector when metrics are disabled.
func NewIngestMetrics() metrics.IngestMetrics {
	if !metrics.IsEnabled() {
		return metrics.NopIngest{}
	}
	reg := metrics.GetRegistry()

	return &ingestMetrics{
		unitsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "teltubby_units_committed_total",
				Help: "Archive units committed, by outcome",
			},
			[]string{"outcome"},
		),
		itemsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "teltubby_items_ingested_total",
				Help: "Media items archived (stored or deduplicated)",
			},
		),
		bytesTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "teltubby_bytes_ingested_total",
				Help: "Payload bytes uploaded to the archive bucket",
			},
		),
		dedupHitsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "teltubby_dedup_hits_total",
				Help: "Uploads skipped because the content was already archived",
			},
			[]string{"reason"},
		),
		skippedTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "teltubby_items_skipped_total",
				Help: "Items refused before upload, by reason",
			},
			[]string{"reason"},
		),
		unitSeconds: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "teltubby_unit_processing_seconds",
				Help:    "End-to-end unit processing duration",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
		),
	}
}

func (m *ingestMetrics) UnitCommitted(outcome string, items int, bytes int64, seconds float64) {
	m.unitsTotal.WithLabelValues(outcome).Inc()
	m.itemsTotal.Add(float64(items))
	m.bytesTotal.Add(float64(bytes))
	m.unitSeconds.Observe(seconds)
}

func (m *ingestMetrics) DedupHit(reason string) {
	m.dedupHitsTotal.WithLabelValues(reason).Inc()
}

func (m *ingestMetrics) ItemSkipped(reason string) {
	m.skippedTotal.WithLabelValues(reason).Inc()
}

type queueMetrics struct {
	enqueuedTotal  prometheus.Counter
	completedTotal prometheus.Counter
	failedTotal    prometheus.Counter
	depth          prometheus.Gauge
}

// NewQueueMetrics creates the Prometheus-backed QueueMetrics.
func NewQueueMetrics() metrics.QueueMetrics {
	if !metrics.IsEnabled() {
		return metrics.NopQueue{}
	}
	reg := metrics.GetRegistry()

	return &queueMetrics{
		enqueuedTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "teltubby_jobs_enqueued_total",
				Help: "Jobs published to the large-file queue",
			},
		),
		completedTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "teltubby_jobs_completed_total",
				Help: "Jobs completed by the queue worker",
			},
		),
		failedTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "teltubby_jobs_failed_total",
				Help: "Jobs that exhausted retries or failed permanently",
			},
		),
		depth: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "teltubby_queue_depth",
				Help: "Ready messages in the large-file queue",
			},
		),
	}
}

func (m *queueMetrics) JobEnqueued()          { m.enqueuedTotal.Inc() }
func (m *queueMetrics) JobCompleted()         { m.completedTotal.Inc() }
func (m *queueMetrics) JobFailed()            { m.failedTotal.Inc() }
func (m *queueMetrics) SetQueueDepth(n float64) { m.depth.Set(n) }

type quotaMetrics struct {
	usedRatio prometheus.Gauge
}

// NewQuotaMetrics creates the Prometheus-backed QuotaMetrics.
func NewQuotaMetrics() metrics.QuotaMetrics {
	if !metrics.IsEnabled() {
		return metrics.NopQuota{}
	}
	reg := metrics.GetRegistry()

	return &quotaMetrics{
		usedRatio: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "teltubby_quota_used_ratio",
				Help: "Bucket usage ratio against the configured capacity (-1 when unknown)",
			},
		),
	}
}

func (m *quotaMetrics) SetUsedRatio(ratio float64) { m.usedRatio.Set(ratio) }
