package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/cptnfren/teltubby/internal/logger"
	"github.com/cptnfren/teltubby/pkg/archive"
	"github.com/cptnfren/teltubby/pkg/dedup"
	"github.com/cptnfren/teltubby/pkg/jobs"
	"github.com/cptnfren/teltubby/pkg/layout"
	"github.com/cptnfren/teltubby/pkg/metrics"
	"github.com/cptnfren/teltubby/pkg/quota"
	"github.com/cptnfren/teltubby/pkg/store/blob"
	"github.com/cptnfren/teltubby/pkg/transport"
)

var (
	// ErrUnitRejected means pre-validation refused the unit; nothing
	// was uploaded.
	ErrUnitRejected = errors.New("unit rejected by pre-validation")

	// ErrMetadataWriteFailed means items were uploaded but the
	// message.json commit failed. Uploaded objects and dedup records
	// stand; the operator reconciles.
	ErrMetadataWriteFailed = errors.New("metadata_write_failed")

	// ErrDedupUnavailable means the dedup index refused a registration
	// for a non-conflict reason. Fatal for the unit.
	ErrDedupUnavailable = errors.New("dedup index unavailable")
)

// DefaultQueuePriority is the priority routed jobs are published with.
const DefaultQueuePriority = 5

// Enqueuer publishes one oversize item as an independent job.
// queue.Client satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, unit *archive.Unit, item *archive.Item, priority int) (*jobs.Job, error)
}

// AdmissionGate is the quota check consulted before any unit work.
// quota.Gate satisfies it.
type AdmissionGate interface {
	Admit(ctx context.Context) (quota.Snapshot, error)
}

// Config configures the pipeline.
type Config struct {
	// Bucket is the archive bucket name recorded in manifests.
	Bucket string

	// InlineLimit and MaxFileSize feed the size router.
	InlineLimit int64
	MaxFileSize int64

	// IOTimeout bounds each transport fetch and each storage attempt.
	IOTimeout time.Duration

	// UploadRetries is the attempt count for transient fetch/upload
	// failures; backoff grows 1s, 3s, 9s between attempts.
	UploadRetries int

	// Backoff overrides the retry pause; nil uses the 1s/3s/9s default.
	Backoff func(attempt int) time.Duration
}

func (c *Config) applyDefaults() {
	if c.IOTimeout <= 0 {
		c.IOTimeout = 60 * time.Second
	}
	if c.UploadRetries <= 0 {
		c.UploadRetries = 3
	}
	if c.Backoff == nil {
		c.Backoff = defaultBackoff
	}
}

// UnitResult is the structured outcome the ack formatter renders.
type UnitResult struct {
	Prefix   string
	Manifest *archive.Manifest
	Results  []archive.ItemResult

	// Queued lists jobs created for items routed to the queue path.
	Queued []*jobs.Job

	// Quota is the gate snapshot taken at admission; the ack carries a
	// warning when the gate is in the warning band.
	Quota quota.Snapshot

	// Rejected is set when pre-validation refused the whole unit.
	Rejected bool

	Notes string
}

// Pipeline archives one unit at a time: dedup, fetch, hash, upload,
// manifest commit. It is safe for concurrent use; unit-level
// parallelism is the caller's worker pool.
type Pipeline struct {
	cfg    Config
	store  blob.ObjectStore
	index  dedup.Index
	fetch  transport.Fetcher
	enq    Enqueuer
	gate   AdmissionGate
	router *Router
	met    metrics.IngestMetrics
}

// New builds a pipeline. gate and enq may be nil: a nil gate always
// admits, a nil enqueuer turns queue-routed items into skips.
func New(cfg Config, store blob.ObjectStore, index dedup.Index, fetch transport.Fetcher, enq Enqueuer, gate AdmissionGate, met metrics.IngestMetrics) *Pipeline {
	cfg.applyDefaults()
	if met == nil {
		met = metrics.NopIngest{}
	}
	return &Pipeline{
		cfg:    cfg,
		store:  store,
		index:  index,
		fetch:  fetch,
		enq:    enq,
		gate:   gate,
		router: NewRouter(cfg.InlineLimit, cfg.MaxFileSize),
		met:    met,
	}
}

// defaultBackoff returns 1s, 3s, 9s, ... for attempts 1, 2, 3, ...
func defaultBackoff(attempt int) time.Duration {
	d := time.Second
	for i := 1; i < attempt; i++ {
		d *= 3
	}
	return d
}

// Process archives one unit.
//
// Pre-validation is all-or-nothing: if any item is oversize, of an
// unknown kind, or missing its media handle, the whole unit is rejected
// and nothing is uploaded. Past pre-validation, item-level failures do
// not abort the unit; the manifest commits with what succeeded.
func (p *Pipeline) Process(ctx context.Context, unit *archive.Unit) (*UnitResult, error) {
	start := time.Now()
	res := &UnitResult{Notes: unit.Notes}

	if p.gate != nil {
		snap, err := p.gate.Admit(ctx)
		res.Quota = snap
		if err != nil {
			p.met.UnitCommitted("refused", 0, 0, time.Since(start).Seconds())
			return res, err
		}
	}

	prefix := layout.Prefix(unit)
	res.Prefix = prefix
	ctx = logger.WithContext(ctx, logger.NewLogContext("pipeline").
		WithUnit(prefix).
		WithOrigin(unit.ChatID, unit.MessageID, unit.SenderID))

	if rejected := p.prevalidate(unit, res); rejected {
		p.met.UnitCommitted("rejected", 0, 0, time.Since(start).Seconds())
		logger.WarnCtx(ctx, "unit rejected by pre-validation")
		return res, ErrUnitRejected
	}

	// Split the unit: queue-routed items become independent jobs,
	// inline items proceed here.
	inline := p.routeItems(ctx, unit, res)

	if len(inline) == 0 {
		// Nothing to archive inline; the worker commits the queued
		// items under the same layout.
		return res, nil
	}

	results := make([]archive.ItemResult, 0, len(unit.Items))
	var failures []string

	for _, item := range unit.Items {
		if r, ok := p.findRouted(res, item); ok {
			results = append(results, r)
			continue
		}

		r := p.processItem(ctx, unit, item, res)
		if errors.Is(r.err, ErrDedupUnavailable) {
			p.met.UnitCommitted("failed", 0, 0, time.Since(start).Seconds())
			return res, r.err
		}
		if r.result.Status == archive.ItemFailed {
			failures = append(failures, fmt.Sprintf("item %d: %s", item.Ordinal, r.result.Reason))
		}
		results = append(results, r.result)
	}
	res.Results = results

	notes := p.composeNotes(unit.Notes, failures, res.Queued)
	res.Notes = notes

	manifest, err := archive.BuildManifest(unit, results, p.cfg.Bucket, prefix, time.Now().UTC(), notes)
	if err != nil {
		return res, fmt.Errorf("failed to build manifest: %w", err)
	}

	if err := p.writeManifest(ctx, prefix, manifest); err != nil {
		p.met.UnitCommitted("failed", 0, 0, time.Since(start).Seconds())
		return res, err
	}
	res.Manifest = manifest

	if err := p.index.RecordUnit(ctx, unit.ChatID, unit.MessageID, prefix); err != nil {
		logger.WarnCtx(ctx, "failed to record committed unit in dedup index", logger.Err(err))
	}

	outcome := commitOutcome(manifest, failures)
	p.met.UnitCommitted(outcome, manifest.FilesCount, manifest.TotalBytesUploaded, time.Since(start).Seconds())

	logger.InfoCtx(ctx, "unit committed",
		"outcome", outcome,
		"files", manifest.FilesCount,
		logger.KeySize, logger.FormatBytes(manifest.TotalBytesUploaded),
		logger.KeyDurationMs, logger.Duration(start))

	return res, nil
}

// prevalidate fills res.Results with skip entries and returns true when
// the unit must be rejected. No uploads happen for a rejected unit.
func (p *Pipeline) prevalidate(unit *archive.Unit, res *UnitResult) bool {
	rejected := false
	var results []archive.ItemResult

	for _, item := range unit.Items {
		reason := ""
		switch {
		case item.FileID == "" || item.FileUniqueID == "":
			reason = "missing_media"
		case !item.Kind.Valid():
			reason = "unsupported_kind"
		case p.router.Classify(item) == RouteSkip:
			reason = "oversize_configured"
		}
		if reason != "" {
			rejected = true
			p.met.ItemSkipped(reason)
		}
		results = append(results, archive.ItemResult{
			Item:   item,
			Status: archive.ItemSkipped,
			Reason: reason,
		})
	}

	if rejected {
		for i := range results {
			if results[i].Reason == "" {
				results[i].Reason = "unit_rejected"
			}
		}
		res.Results = results
		res.Rejected = true
	}
	return rejected
}

// routeItems enqueues queue-routed items and returns the inline ones.
// Routed items get a skip result recorded on res so the manifest (and
// the ack) still accounts for them.
func (p *Pipeline) routeItems(ctx context.Context, unit *archive.Unit, res *UnitResult) []*archive.Item {
	var inline []*archive.Item

	for _, item := range unit.Items {
		if p.router.Classify(item) != RouteQueue {
			inline = append(inline, item)
			continue
		}
		p.enqueueItem(ctx, unit, item, res)
	}

	return inline
}

// enqueueItem hands one oversize item to the queue path.
func (p *Pipeline) enqueueItem(ctx context.Context, unit *archive.Unit, item *archive.Item, res *UnitResult) {
	if p.enq == nil {
		p.met.ItemSkipped("oversize_configured")
		res.Results = append(res.Results, archive.ItemResult{
			Item:   item,
			Status: archive.ItemSkipped,
			Reason: "oversize_configured",
		})
		return
	}

	job, err := p.enq.Enqueue(ctx, unit, item, DefaultQueuePriority)
	if err != nil {
		logger.ErrorCtx(ctx, "failed to enqueue oversize item",
			logger.KeyOrdinal, item.Ordinal,
			logger.Err(err))
		p.met.ItemSkipped("enqueue_failed")
		res.Results = append(res.Results, archive.ItemResult{
			Item:   item,
			Status: archive.ItemFailed,
			Reason: "enqueue_failed",
		})
		return
	}

	res.Queued = append(res.Queued, job)
	res.Results = append(res.Results, archive.ItemResult{
		Item:   item,
		Status: archive.ItemSkipped,
		Reason: "routed_to_queue",
	})
}

// findRouted returns the pre-recorded result for an item handled by the
// routing step.
func (p *Pipeline) findRouted(res *UnitResult, item *archive.Item) (archive.ItemResult, bool) {
	for _, r := range res.Results {
		if r.Item == item {
			return r, true
		}
	}
	return archive.ItemResult{}, false
}

type itemOutcome struct {
	result archive.ItemResult
	err    error
}

// processItem archives a single inline item: fast-path dedup, fetch
// into a hashing spool, slow-path dedup, upload, register. res is
// passed through so a mid-fetch reroute can record its queued job.
func (p *Pipeline) processItem(ctx context.Context, unit *archive.Unit, item *archive.Item, res *UnitResult) itemOutcome {
	// Fast path: the transport unique id resolves without a download.
	if rec, err := p.index.LookupUniqueID(ctx, item.FileUniqueID); err == nil {
		p.met.DedupHit("unique_id")
		logger.DebugCtx(ctx, "dedup hit",
			logger.KeyOrdinal, item.Ordinal,
			logger.KeyDedup, "unique_id",
			logger.KeyS3Key, rec.Key)
		return itemOutcome{result: archive.ItemResult{
			Item:        item,
			Status:      archive.ItemDuplicate,
			SHA256:      rec.SHA256,
			Key:         rec.Key,
			Bytes:       rec.Size,
			DuplicateOf: rec.Key,
			DedupReason: "unique_id",
		}}
	} else if !errors.Is(err, dedup.ErrNotFound) {
		return itemOutcome{
			result: archive.ItemResult{Item: item, Status: archive.ItemFailed, Reason: "dedup_unavailable"},
			err:    fmt.Errorf("%w: %v", ErrDedupUnavailable, err),
		}
	}

	spool, sum, size, out := p.fetchAndHash(ctx, unit, item, res)
	if spool == nil {
		return out
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()

	// Slow path: the content hash resolves after the download.
	if rec, err := p.index.LookupHash(ctx, sum); err == nil {
		p.met.DedupHit("sha256")
		if aliasErr := p.index.MapUniqueID(ctx, item.FileUniqueID, sum); aliasErr != nil {
			logger.WarnCtx(ctx, "failed to alias unique id", logger.Err(aliasErr))
		}
		return itemOutcome{result: archive.ItemResult{
			Item:        item,
			Status:      archive.ItemDuplicate,
			SHA256:      sum,
			Key:         rec.Key,
			Bytes:       size,
			DuplicateOf: rec.Key,
			DedupReason: "sha256",
		}}
	} else if !errors.Is(err, dedup.ErrNotFound) {
		return itemOutcome{
			result: archive.ItemResult{Item: item, Status: archive.ItemFailed, Reason: "dedup_unavailable"},
			err:    fmt.Errorf("%w: %v", ErrDedupUnavailable, err),
		}
	}

	key := layout.Key(unit, item)
	if err := p.uploadWithRetry(ctx, key, spool, size, item.MIME); err != nil {
		reason := "upload_permanent"
		if blob.IsTransient(err) {
			reason = "upload_transient"
		}
		logger.ErrorCtx(ctx, "item upload failed",
			logger.KeyOrdinal, item.Ordinal,
			logger.KeyReason, reason,
			logger.Err(err))
		return itemOutcome{result: archive.ItemResult{
			Item:   item,
			Status: archive.ItemFailed,
			Reason: reason,
		}}
	}

	rec := dedup.Record{
		SHA256:    sum,
		Key:       key,
		Size:      size,
		MIME:      item.MIME,
		CreatedAt: time.Now().UTC(),
	}
	if err := p.index.Register(ctx, rec, item.FileUniqueID); err != nil {
		var conflict *dedup.ConflictError
		if errors.As(err, &conflict) {
			// Another writer archived the same bytes first; their
			// record is canonical. Drop the blob we just uploaded.
			if delErr := p.deleteWithTimeout(ctx, key); delErr != nil {
				logger.WarnCtx(ctx, "failed to delete superseded upload",
					logger.KeyS3Key, key,
					logger.Err(delErr))
			}
			p.met.DedupHit("sha256")
			return itemOutcome{result: archive.ItemResult{
				Item:        item,
				Status:      archive.ItemDuplicate,
				SHA256:      sum,
				Key:         conflict.Existing.Key,
				Bytes:       size,
				DuplicateOf: conflict.Existing.Key,
				DedupReason: "sha256",
			}}
		}
		return itemOutcome{
			result: archive.ItemResult{Item: item, Status: archive.ItemFailed, Reason: "dedup_unavailable"},
			err:    fmt.Errorf("%w: %v", ErrDedupUnavailable, err),
		}
	}

	logger.InfoCtx(ctx, "item stored",
		logger.KeyOrdinal, item.Ordinal,
		logger.KeyS3Key, key,
		logger.KeySHA256, sum,
		logger.KeySize, logger.FormatBytes(size))

	return itemOutcome{result: archive.ItemResult{
		Item:   item,
		Status: archive.ItemStored,
		SHA256: sum,
		Key:    key,
		Bytes:  size,
	}}
}

// fetchAndHash streams the payload into a temp spool while hashing.
// A nil spool means the item already has its final (non-stored) result.
func (p *Pipeline) fetchAndHash(ctx context.Context, unit *archive.Unit, item *archive.Item, res *UnitResult) (*os.File, string, int64, itemOutcome) {
	var lastErr error

	for attempt := 1; attempt <= p.cfg.UploadRetries; attempt++ {
		spool, sum, size, err := p.fetchOnce(ctx, item)
		if err == nil {
			return spool, sum, size, itemOutcome{}
		}
		lastErr = err

		switch {
		case errors.Is(err, transport.ErrTooBig):
			// The size hint lied; the transport is authoritative.
			p.enqueueItem(ctx, unit, item, res)
			out := itemOutcome{}
			if len(res.Results) > 0 {
				out.result = res.Results[len(res.Results)-1]
			}
			return nil, "", 0, out
		case errors.Is(err, transport.ErrFileNotFound):
			p.met.ItemSkipped("fetch_permanent")
			return nil, "", 0, itemOutcome{result: archive.ItemResult{
				Item:   item,
				Status: archive.ItemSkipped,
				Reason: "fetch_permanent",
			}}
		case ctx.Err() != nil:
			return nil, "", 0, itemOutcome{result: archive.ItemResult{
				Item:   item,
				Status: archive.ItemFailed,
				Reason: "fetch_transient",
			}}
		}

		if attempt < p.cfg.UploadRetries {
			logger.WarnCtx(ctx, "fetch failed, retrying",
				logger.KeyOrdinal, item.Ordinal,
				logger.KeyRetry, attempt,
				logger.Err(err))
			select {
			case <-time.After(p.cfg.Backoff(attempt)):
			case <-ctx.Done():
			}
		}
	}

	logger.ErrorCtx(ctx, "fetch exhausted retries",
		logger.KeyOrdinal, item.Ordinal,
		logger.Err(lastErr))
	return nil, "", 0, itemOutcome{result: archive.ItemResult{
		Item:   item,
		Status: archive.ItemFailed,
		Reason: "fetch_transient",
	}}
}

// fetchOnce performs a single bounded fetch attempt into a fresh spool.
func (p *Pipeline) fetchOnce(ctx context.Context, item *archive.Item) (*os.File, string, int64, error) {
	fctx, cancel := context.WithTimeout(ctx, p.cfg.IOTimeout)
	defer cancel()

	body, _, err := p.fetch.Fetch(fctx, transport.FileRef{
		FileID:       item.FileID,
		FileUniqueID: item.FileUniqueID,
		SizeHint:     item.SizeHint,
	})
	if err != nil {
		return nil, "", 0, err
	}
	defer body.Close()

	spool, err := os.CreateTemp("", "teltubby-spool-*")
	if err != nil {
		return nil, "", 0, fmt.Errorf("failed to create spool file: %w", err)
	}

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(spool, h), body)
	if err != nil {
		spool.Close()
		os.Remove(spool.Name())
		return nil, "", 0, fmt.Errorf("failed to spool payload: %w", err)
	}

	return spool, hex.EncodeToString(h.Sum(nil)), size, nil
}

// uploadWithRetry uploads the spool, rewinding it between attempts.
func (p *Pipeline) uploadWithRetry(ctx context.Context, key string, spool *os.File, size int64, contentType string) error {
	var lastErr error

	for attempt := 1; attempt <= p.cfg.UploadRetries; attempt++ {
		if _, err := spool.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("failed to rewind spool: %w", err)
		}

		uctx, cancel := context.WithTimeout(ctx, p.cfg.IOTimeout)
		err := p.store.Put(uctx, key, spool, size, contentType)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err

		if !blob.IsTransient(err) || ctx.Err() != nil {
			return err
		}
		if attempt < p.cfg.UploadRetries {
			logger.WarnCtx(ctx, "upload failed, retrying",
				logger.KeyS3Key, key,
				logger.KeyRetry, attempt,
				logger.Err(err))
			select {
			case <-time.After(p.cfg.Backoff(attempt)):
			case <-ctx.Done():
			}
		}
	}

	return lastErr
}

// writeManifest commits message.json. This is the unit's commit point;
// a final failure here leaves uploaded objects without a sibling
// manifest, reported as metadata_write_failed.
func (p *Pipeline) writeManifest(ctx context.Context, prefix string, manifest *archive.Manifest) error {
	data, err := manifest.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}

	key := layout.ManifestKey(prefix)
	var lastErr error

	for attempt := 1; attempt <= p.cfg.UploadRetries; attempt++ {
		mctx, cancel := context.WithTimeout(ctx, p.cfg.IOTimeout)
		err := p.store.Put(mctx, key, strings.NewReader(string(data)), int64(len(data)), "application/json")
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if !blob.IsTransient(err) || ctx.Err() != nil {
			break
		}
		if attempt < p.cfg.UploadRetries {
			select {
			case <-time.After(p.cfg.Backoff(attempt)):
			case <-ctx.Done():
			}
		}
	}

	logger.ErrorCtx(ctx, "manifest write failed",
		logger.KeyS3Key, key,
		logger.Err(lastErr))
	return fmt.Errorf("%w: %v", ErrMetadataWriteFailed, lastErr)
}

// deleteWithTimeout removes a just-uploaded blob superseded by a
// canonical dedup record.
func (p *Pipeline) deleteWithTimeout(ctx context.Context, key string) error {
	dctx, cancel := context.WithTimeout(ctx, p.cfg.IOTimeout)
	defer cancel()
	return p.store.Delete(dctx, key)
}

// composeNotes merges the aggregation note, failure summaries, and
// queue routing into the manifest notes.
func (p *Pipeline) composeNotes(base string, failures []string, queued []*jobs.Job) string {
	parts := make([]string, 0, 3)
	if base != "" {
		parts = append(parts, base)
	}
	if len(failures) > 0 {
		parts = append(parts, "partial commit: "+strings.Join(failures, "; "))
	}
	if len(queued) > 0 {
		ids := make([]string, len(queued))
		for i, j := range queued {
			ids[i] = j.ID
		}
		parts = append(parts, "oversize items queued: "+strings.Join(ids, ", "))
	}
	return strings.Join(parts, " | ")
}

func commitOutcome(m *archive.Manifest, failures []string) string {
	switch {
	case m.DuplicateOf != nil:
		return "duplicate"
	case len(failures) > 0:
		return "partial"
	case m.FilesCount == 0:
		return "empty"
	default:
		return "archived"
	}
}
