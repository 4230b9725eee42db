package metrics

// IngestMetrics observes the archival pipeline.
type IngestMetrics interface {
	// UnitCommitted records a committed unit with its outcome
	// ("archived", "duplicate", "partial", "failed"), item count,
	// uploaded bytes, and processing duration.
	UnitCommitted(outcome string, items int, bytes int64, seconds float64)

	// DedupHit records a skipped upload ("unique_id" or "sha256").
	DedupHit(reason string)

	// ItemSkipped records a refused item by reason.
	ItemSkipped(reason string)
}

// QueueMetrics observes the job queue on both ends.
type QueueMetrics interface {
	JobEnqueued()
	JobCompleted()
	JobFailed()
	SetQueueDepth(n float64)
}

// QuotaMetrics observes the admission gate.
type QuotaMetrics interface {
	// SetUsedRatio publishes the bucket usage ratio; negative means
	// unknown.
	SetUsedRatio(ratio float64)
}

// NopIngest is the zero-overhead IngestMetrics used when metrics are
// disabled.
type NopIngest struct{}

func (NopIngest) UnitCommitted(string, int, int64, float64) {}
func (NopIngest) DedupHit(string)                           {}
func (NopIngest) ItemSkipped(string)                        {}

// NopQueue is the zero-overhead QueueMetrics.
type NopQueue struct{}

func (NopQueue) JobEnqueued()         {}
func (NopQueue) JobCompleted()        {}
func (NopQueue) JobFailed()           {}
func (NopQueue) SetQueueDepth(float64) {}

// NopQuota is the zero-overhead QuotaMetrics.
type NopQuota struct{}

func (NopQuota) SetUsedRatio(float64) {}
