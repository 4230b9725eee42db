// Package worker implements the out-of-process queue consumer: it
// fetches oversize payloads through the user-protocol transport and
// commits them through the same storage contract as the inline path.
package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	"github.com/cptnfren/teltubby/internal/logger"
	"github.com/cptnfren/teltubby/pkg/archive"
	"github.com/cptnfren/teltubby/pkg/dedup"
	"github.com/cptnfren/teltubby/pkg/ingest"
	"github.com/cptnfren/teltubby/pkg/jobs"
	"github.com/cptnfren/teltubby/pkg/metrics"
	"github.com/cptnfren/teltubby/pkg/queue"
	"github.com/cptnfren/teltubby/pkg/store/blob"
	"github.com/cptnfren/teltubby/pkg/transport"
)

// Config configures the queue worker.
type Config struct {
	// Bucket is the archive bucket name recorded in manifests.
	Bucket string

	// Concurrency is the number of jobs processed in parallel.
	Concurrency int

	// MaxRetries bounds transient re-queues before a job is
	// dead-lettered. A job row's own MaxRetries takes precedence when
	// set.
	MaxRetries int

	// RetryDelay is the pause before a transiently failed job is
	// re-queued.
	RetryDelay time.Duration

	// HoldDelay is the pause before re-queueing while the session is
	// unhealthy or the quota gate is closed. Held jobs never consume
	// retries.
	HoldDelay time.Duration

	// SessionCheckInterval is how often session health is probed.
	SessionCheckInterval time.Duration

	// IOTimeout and UploadRetries are passed through to the commit
	// pipeline.
	IOTimeout     time.Duration
	UploadRetries int

	// AdminChatID receives session-health notifications; zero disables
	// them.
	AdminChatID int64
}

func (c *Config) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Minute
	}
	if c.HoldDelay <= 0 {
		c.HoldDelay = 5 * time.Minute
	}
	if c.SessionCheckInterval <= 0 {
		c.SessionCheckInterval = 5 * time.Minute
	}
}

// Worker consumes job deliveries and archives their payloads.
//
// Every delivery resolves to exactly one broker outcome: ack (done or
// nothing to do), nack-with-requeue (transient, held, or gate closed),
// or reject-to-DLX (permanent).
type Worker struct {
	cfg      Config
	store    jobs.Store
	pipeline *ingest.Pipeline
	notify   transport.Notifier
	prober   transport.SessionProber
	gate     ingest.AdmissionGate
	met      metrics.QueueMetrics

	held atomic.Bool

	// sleep is overridable so tests do not wait out real delays.
	sleep func(ctx context.Context, d time.Duration)
}

// New builds a worker. The commit path is the same pipeline the inline
// path uses, with the user-protocol fetcher and no inline size limit,
// so both paths produce identical layouts and manifests.
func New(cfg Config, store jobs.Store, objstore blob.ObjectStore, index dedup.Index, fetch transport.Fetcher, notify transport.Notifier, prober transport.SessionProber, gate ingest.AdmissionGate, met metrics.QueueMetrics) *Worker {
	cfg.applyDefaults()
	if met == nil {
		met = metrics.NopQueue{}
	}

	pipeline := ingest.New(ingest.Config{
		Bucket:        cfg.Bucket,
		IOTimeout:     cfg.IOTimeout,
		UploadRetries: cfg.UploadRetries,
	}, objstore, index, fetch, nil, nil, nil)

	return &Worker{
		cfg:      cfg,
		store:    store,
		pipeline: pipeline,
		notify:   notify,
		prober:   prober,
		gate:     gate,
		met:      met,
		sleep:    sleepCtx,
	}
}

// Held reports whether job consumption is paused on session health.
func (w *Worker) Held() bool {
	return w.held.Load()
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

// Run consumes deliveries until the channel closes or the context is
// cancelled. Unacked deliveries are left for redelivery on shutdown.
func (w *Worker) Run(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	g, ctx := errgroup.WithContext(ctx)

	if w.prober != nil {
		g.Go(func() error {
			w.monitorSession(ctx)
			return nil
		})
	}

	for i := 0; i < w.cfg.Concurrency; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case d, ok := <-deliveries:
					if !ok {
						return nil
					}
					w.Handle(ctx, &d)
				}
			}
		})
	}

	return g.Wait()
}

// monitorSession probes session health periodically. A detected
// invalidation flips the hold flag; jobs are re-queued untouched until
// the session recovers.
func (w *Worker) monitorSession(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.SessionCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.probeSession(ctx)
		}
	}
}

func (w *Worker) probeSession(ctx context.Context) bool {
	err := w.prober.Probe(ctx)
	if err == nil {
		if w.held.Swap(false) {
			logger.Info("user session recovered, resuming job consumption",
				logger.KeyComponent, "worker")
		}
		return true
	}

	if !w.held.Swap(true) {
		logger.Error("user session unhealthy, holding job consumption",
			logger.KeyComponent, "worker",
			logger.Err(err))
		w.notifyAdmin(ctx, "teltubby worker: user session is invalid, jobs are on hold. Re-authenticate the session.")
	}
	return false
}

func (w *Worker) notifyAdmin(ctx context.Context, text string) {
	if w.notify == nil || w.cfg.AdminChatID == 0 {
		return
	}
	if err := w.notify.Notify(ctx, w.cfg.AdminChatID, text); err != nil {
		logger.Warn("failed to notify admin", logger.Err(err))
	}
}

// Handle processes one delivery to a terminal broker outcome.
func (w *Worker) Handle(ctx context.Context, d *amqp.Delivery) {
	env, err := queue.DecodeEnvelope(d.Body)
	if err != nil {
		logger.Error("rejecting undecodable job payload",
			logger.KeyComponent, "worker",
			logger.KeyReason, "payload_invalid",
			logger.Err(err))
		w.met.JobFailed()
		w.reject(d)
		return
	}

	ctx = logger.WithContext(ctx, logger.NewLogContext("worker").
		WithJob(env.JobID).
		WithOrigin(env.ChatID, env.MessageID, env.UserID))

	job, err := w.store.Get(ctx, env.JobID)
	if errors.Is(err, jobs.ErrJobNotFound) {
		logger.ErrorCtx(ctx, "rejecting job with no local row",
			logger.KeyReason, "unknown_job")
		w.met.JobFailed()
		w.reject(d)
		return
	}
	if err != nil {
		// Job table unreachable; leave the message for redelivery.
		logger.ErrorCtx(ctx, "job store lookup failed", logger.Err(err))
		w.requeueAfter(ctx, d, w.cfg.RetryDelay)
		return
	}

	switch {
	case job.State == jobs.StatePending:
		// Claimed below.

	case job.State == jobs.StateProcessing && d.Redelivered:
		// A crashed worker leaves the row PROCESSING with the message
		// unacked. Redelivery reclaims it: back through PENDING and
		// reprocess; dedup absorbs anything the dead attempt already
		// uploaded.
		if _, err := w.store.RecordState(ctx, job.ID, jobs.StatePending, ""); err != nil {
			logger.ErrorCtx(ctx, "failed to reclaim interrupted job", logger.Err(err))
			w.requeueAfter(ctx, d, w.cfg.RetryDelay)
			return
		}
		logger.WarnCtx(ctx, "reclaiming job interrupted mid-processing")

	case job.State == jobs.StateCancellationRequested:
		if w.finishIfCancelled(ctx, d, job.ID) {
			return
		}
		logger.InfoCtx(ctx, "acking job without work",
			logger.KeyState, string(job.State))
		w.ack(d)
		return

	default:
		// Cancelled, completed, already-failed — or a first delivery of
		// a job another worker holds. Nothing to do.
		logger.InfoCtx(ctx, "acking job without work",
			logger.KeyState, string(job.State))
		w.ack(d)
		return
	}

	// Quota gate closed: jobs stay queued and are not consumed.
	if w.gate != nil {
		if _, err := w.gate.Admit(ctx); err != nil {
			logger.WarnCtx(ctx, "quota gate closed, holding job")
			w.requeueAfter(ctx, d, w.cfg.HoldDelay)
			return
		}
	}

	// Session health precedes claiming the job; held jobs do not
	// consume retries.
	if w.prober != nil {
		if w.held.Load() || !w.probeSession(ctx) {
			logger.WarnCtx(ctx, "session on hold, re-queueing job")
			w.requeueAfter(ctx, d, w.cfg.HoldDelay)
			return
		}
	}

	if _, err := w.store.RecordState(ctx, job.ID, jobs.StateProcessing, ""); err != nil {
		logger.ErrorCtx(ctx, "failed to claim job", logger.Err(err))
		w.requeueAfter(ctx, d, w.cfg.RetryDelay)
		return
	}

	if w.finishIfCancelled(ctx, d, job.ID) {
		return
	}

	res, perr := w.pipeline.Process(ctx, env.Unit())

	if w.finishIfCancelled(ctx, d, job.ID) {
		return
	}

	w.settle(ctx, d, job, env, res, perr)
}

// finishIfCancelled resolves an advisory cancellation checkpoint.
func (w *Worker) finishIfCancelled(ctx context.Context, d *amqp.Delivery, jobID string) bool {
	job, err := w.store.Get(ctx, jobID)
	if err != nil || job.State != jobs.StateCancellationRequested {
		return false
	}

	if _, err := w.store.RecordState(ctx, jobID, jobs.StateCancelled, "cancellation_requested"); err != nil {
		logger.WarnCtx(ctx, "failed to record cancellation", logger.Err(err))
	}
	logger.InfoCtx(ctx, "job cancelled at checkpoint")
	w.notifyChat(ctx, job.ChatID, "Archival job "+jobID+" was cancelled.")
	w.ack(d)
	return true
}

// settle maps the pipeline outcome to a job state and broker outcome.
func (w *Worker) settle(ctx context.Context, d *amqp.Delivery, job *jobs.Job, env *queue.Envelope, res *ingest.UnitResult, perr error) {
	// Unsupported kind or missing media will never succeed on retry.
	if errors.Is(perr, ingest.ErrUnitRejected) {
		w.fail(ctx, d, job, rejectionReason(res))
		return
	}

	if perr != nil || anyTransientFailure(res) {
		reason := failureReason(res, perr)
		w.retryOrFail(ctx, d, job, reason)
		return
	}

	if reason, permanent := permanentFailure(res); permanent {
		w.fail(ctx, d, job, reason)
		return
	}

	if _, err := w.store.RecordState(ctx, job.ID, jobs.StateCompleted, ""); err != nil {
		logger.ErrorCtx(ctx, "failed to record completion", logger.Err(err))
	}
	w.met.JobCompleted()
	w.ack(d)

	logger.InfoCtx(ctx, "job completed",
		logger.KeyPrefix, res.Prefix)
	w.notifyChat(ctx, env.ChatID, ingest.FormatAck(res))
}

// retryOrFail re-queues a transiently failed job until its retry budget
// is spent, then dead-letters it.
func (w *Worker) retryOrFail(ctx context.Context, d *amqp.Delivery, job *jobs.Job, reason string) {
	updated, err := w.store.IncrementRetry(ctx, job.ID)
	if err != nil {
		logger.ErrorCtx(ctx, "failed to bump retry count", logger.Err(err))
		w.requeueAfter(ctx, d, w.cfg.RetryDelay)
		return
	}

	maxRetries := updated.MaxRetries
	if maxRetries <= 0 {
		maxRetries = w.cfg.MaxRetries
	}

	if updated.RetryCount >= maxRetries {
		w.fail(ctx, d, job, reason)
		return
	}

	if _, err := w.store.RecordState(ctx, job.ID, jobs.StatePending, reason); err != nil {
		logger.ErrorCtx(ctx, "failed to re-queue job row", logger.Err(err))
	}
	logger.WarnCtx(ctx, "job re-queued after transient failure",
		logger.KeyReason, reason,
		logger.KeyRetry, updated.RetryCount)
	w.requeueAfter(ctx, d, w.cfg.RetryDelay)
}

// fail records a terminal failure and dead-letters the message.
func (w *Worker) fail(ctx context.Context, d *amqp.Delivery, job *jobs.Job, reason string) {
	if _, err := w.store.RecordState(ctx, job.ID, jobs.StateFailed, reason); err != nil {
		logger.ErrorCtx(ctx, "failed to record job failure", logger.Err(err))
	}
	w.met.JobFailed()
	w.reject(d)

	logger.ErrorCtx(ctx, "job failed", logger.KeyReason, reason)
	w.notifyChat(ctx, job.ChatID, "Archival job "+job.ID+" failed: "+reason)
}

func (w *Worker) notifyChat(ctx context.Context, chatID int64, text string) {
	if w.notify == nil || chatID == 0 {
		return
	}
	if err := w.notify.Notify(ctx, chatID, text); err != nil {
		logger.WarnCtx(ctx, "failed to send job notification", logger.Err(err))
	}
}

func (w *Worker) ack(d *amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		logger.Warn("failed to ack delivery", logger.Err(err))
	}
}

func (w *Worker) reject(d *amqp.Delivery) {
	if err := d.Reject(false); err != nil {
		logger.Warn("failed to reject delivery", logger.Err(err))
	}
}

func (w *Worker) requeueAfter(ctx context.Context, d *amqp.Delivery, delay time.Duration) {
	w.sleep(ctx, delay)
	if err := d.Nack(false, true); err != nil {
		logger.Warn("failed to requeue delivery", logger.Err(err))
	}
}

// anyTransientFailure reports whether the unit outcome should consume a
// retry: transient fetch/upload exhaustion at the item level.
func anyTransientFailure(res *ingest.UnitResult) bool {
	if res == nil {
		return false
	}
	for _, r := range res.Results {
		if r.Status == archive.ItemFailed &&
			(r.Reason == "fetch_transient" || r.Reason == "upload_transient") {
			return true
		}
	}
	return false
}

// permanentFailure reports an item outcome that will never succeed on
// retry (revoked file, transport size cap, permanent storage refusal).
// An oversize skip here means the fetch hit the local server's hard
// cap: the job path has no further queue to route to.
func permanentFailure(res *ingest.UnitResult) (string, bool) {
	if res == nil {
		return "", false
	}
	for _, r := range res.Results {
		switch {
		case r.Status == archive.ItemFailed:
			return r.Reason, true
		case r.Status == archive.ItemSkipped &&
			(r.Reason == "fetch_permanent" || r.Reason == "oversize_configured"):
			return r.Reason, true
		}
	}
	return "", false
}

// rejectionReason extracts the pre-validation reason for the row.
func rejectionReason(res *ingest.UnitResult) string {
	if res != nil {
		for _, r := range res.Results {
			if r.Reason != "" && r.Reason != "unit_rejected" {
				return r.Reason
			}
		}
	}
	return "unit_rejected"
}

// failureReason picks the row's last_error for a transient failure.
func failureReason(res *ingest.UnitResult, perr error) string {
	if perr != nil {
		if errors.Is(perr, ingest.ErrMetadataWriteFailed) {
			return "metadata_write_failed"
		}
		if errors.Is(perr, ingest.ErrDedupUnavailable) {
			return "dedup_unavailable"
		}
		return perr.Error()
	}
	for _, r := range res.Results {
		if r.Status == archive.ItemFailed {
			return r.Reason
		}
	}
	return "transient_failure"
}
