package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cptnfren/teltubby/internal/logger"
	"github.com/cptnfren/teltubby/pkg/archive"
	"github.com/cptnfren/teltubby/pkg/jobs"
	"github.com/cptnfren/teltubby/pkg/metrics"
)

// Publisher is the broker-facing half of the client. Broker satisfies
// it; tests substitute a recording fake.
type Publisher interface {
	Publish(ctx context.Context, body []byte, priority uint8) error
}

// Client enqueues oversize jobs and keeps the local job rows as the
// source of truth: every published message has a row, and a publish
// failure after insert leaves the row FAILED rather than orphaned.
type Client struct {
	store      jobs.Store
	pub        Publisher
	maxRetries int
	queueMet   metrics.QueueMetrics
}

// NewClient builds the queue client. maxRetries seeds job_metadata on
// new envelopes; it does not affect retries of existing jobs.
func NewClient(store jobs.Store, pub Publisher, maxRetries int, queueMet metrics.QueueMetrics) *Client {
	if queueMet == nil {
		queueMet = metrics.NopQueue{}
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Client{
		store:      store,
		pub:        pub,
		maxRetries: maxRetries,
		queueMet:   queueMet,
	}
}

// Enqueue assigns a job id, inserts the PENDING row, and publishes the
// persistent message. If the publish fails after the insert, the row is
// marked FAILED with enqueue_failed and the error is returned.
func (c *Client) Enqueue(ctx context.Context, unit *archive.Unit, item *archive.Item, priority int) (*jobs.Job, error) {
	env := &Envelope{
		SchemaVersion: SchemaVersion,
		JobID:         uuid.NewString(),
		UserID:        unit.SenderID,
		ChatID:        unit.ChatID,
		MessageID:     unit.MessageID,
		FileInfo: FileInfo{
			FileID:       item.FileID,
			FileUniqueID: item.FileUniqueID,
			FileSize:     item.SizeHint,
			FileType:     string(item.Kind),
			FileName:     item.FileName,
			MIMEType:     item.MIME,
			Width:        item.Width,
			Height:       item.Height,
			Duration:     item.Duration,
			Ordinal:      item.Ordinal,
		},
		TelegramContext: TelegramContext{
			ChatTitle:      unit.ChatTitle,
			ChatUsername:   unit.ChatUsername,
			SenderUsername: unit.SenderUsername,
			MessageDate:    unit.Timestamp,
			Caption:        unit.Caption,
			Entities:       unit.CaptionEntities,
			MediaGroupID:   unit.MediaGroupID,
			ForwardOrigin:  unit.Forward,
		},
		JobMetadata: JobMetadata{
			CreatedAt:  time.Now().UTC(),
			Priority:   priority,
			RetryCount: 0,
			MaxRetries: c.maxRetries,
		},
	}

	payload, err := env.Encode()
	if err != nil {
		return nil, err
	}

	job := &jobs.Job{
		ID:           env.JobID,
		UserID:       env.UserID,
		ChatID:       env.ChatID,
		MessageID:    env.MessageID,
		FileUniqueID: item.FileUniqueID,
		FileSize:     item.SizeHint,
		FileKind:     string(item.Kind),
		FileName:     item.FileName,
		State:        jobs.StatePending,
		Priority:     priority,
		MaxRetries:   c.maxRetries,
		PayloadJSON:  string(payload),
	}
	if err := c.store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to record job: %w", err)
	}

	if err := c.pub.Publish(ctx, payload, clampPriority(priority)); err != nil {
		if _, recErr := c.store.RecordState(ctx, job.ID, jobs.StateFailed, "enqueue_failed"); recErr != nil {
			logger.ErrorCtx(ctx, "failed to mark job enqueue_failed",
				logger.KeyJobID, job.ID,
				logger.Err(recErr))
		}
		return nil, fmt.Errorf("failed to publish job %s: %w", job.ID, err)
	}

	c.queueMet.JobEnqueued()

	logger.InfoCtx(ctx, "job enqueued",
		logger.KeyJobID, job.ID,
		logger.KeyChatID, job.ChatID,
		logger.KeyMessageID, job.MessageID,
		"file_size", logger.FormatBytes(job.FileSize))

	return job, nil
}

// Retry re-opens a FAILED or CANCELLED job and re-publishes its stored
// payload so the retried work is identical to the original.
func (c *Client) Retry(ctx context.Context, jobID string) (*jobs.Job, error) {
	job, err := c.store.MarkRetry(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if err := c.pub.Publish(ctx, []byte(job.PayloadJSON), clampPriority(job.Priority)); err != nil {
		if _, recErr := c.store.RecordState(ctx, job.ID, jobs.StateFailed, "enqueue_failed"); recErr != nil {
			logger.ErrorCtx(ctx, "failed to mark retried job enqueue_failed",
				logger.KeyJobID, job.ID,
				logger.Err(recErr))
		}
		return nil, fmt.Errorf("failed to re-publish job %s: %w", job.ID, err)
	}

	c.queueMet.JobEnqueued()

	logger.InfoCtx(ctx, "job re-queued", logger.KeyJobID, job.ID)
	return job, nil
}

// Cancel cancels a PENDING job or requests cancellation of a running
// one. The queued message is not withdrawn; the worker acks it without
// work once it sees the row is no longer PENDING.
func (c *Client) Cancel(ctx context.Context, jobID string) (*jobs.Job, error) {
	return c.store.MarkCancel(ctx, jobID)
}

// Get returns a job row for admin reads.
func (c *Client) Get(ctx context.Context, jobID string) (*jobs.Job, error) {
	return c.store.Get(ctx, jobID)
}

// ListRecent returns the newest job rows.
func (c *Client) ListRecent(ctx context.Context, filter jobs.ListFilter) ([]*jobs.Job, error) {
	return c.store.List(ctx, filter)
}

func clampPriority(p int) uint8 {
	if p < 0 {
		return 0
	}
	if p > 255 {
		return 255
	}
	return uint8(p)
}
