package worker

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cptnfren/teltubby/pkg/archive"
	"github.com/cptnfren/teltubby/pkg/dedup"
	dedupbadger "github.com/cptnfren/teltubby/pkg/dedup/badger"
	"github.com/cptnfren/teltubby/pkg/ingest"
	"github.com/cptnfren/teltubby/pkg/jobs"
	"github.com/cptnfren/teltubby/pkg/layout"
	"github.com/cptnfren/teltubby/pkg/queue"
	"github.com/cptnfren/teltubby/pkg/store/blob"
	"github.com/cptnfren/teltubby/pkg/store/blob/memory"
	"github.com/cptnfren/teltubby/pkg/transport"
)

type fakeAcker struct {
	acks    int
	nacks   int
	rejects int
	requeue []bool
}

func (a *fakeAcker) Ack(uint64, bool) error { a.acks++; return nil }

func (a *fakeAcker) Nack(_ uint64, _ bool, requeue bool) error {
	a.nacks++
	a.requeue = append(a.requeue, requeue)
	return nil
}

func (a *fakeAcker) Reject(_ uint64, requeue bool) error {
	a.rejects++
	a.requeue = append(a.requeue, requeue)
	return nil
}

type fakeNotifier struct {
	messages []string
	chats    []int64
}

func (n *fakeNotifier) Notify(_ context.Context, chatID int64, text string) error {
	n.chats = append(n.chats, chatID)
	n.messages = append(n.messages, text)
	return nil
}

type recordingPublisher struct {
	bodies [][]byte
}

func (p *recordingPublisher) Publish(_ context.Context, body []byte, _ uint8) error {
	p.bodies = append(p.bodies, body)
	return nil
}

type testEnv struct {
	store    jobs.Store
	blobs    *memory.Store
	index    dedup.Index
	notify   *fakeNotifier
	worker   *Worker
	client   *queue.Client
	payloads map[string][]byte
	pub      *recordingPublisher
}

func newTestEnv(t *testing.T, prober transport.SessionProber) *testEnv {
	t.Helper()

	store, err := jobs.NewStore(&jobs.StoreConfig{
		Type:   jobs.DatabaseTypeSQLite,
		SQLite: jobs.SQLiteConfig{Path: ":memory:"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	index, err := dedupbadger.New(dedupbadger.Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = index.Close() })

	env := &testEnv{
		store:    store,
		blobs:    memory.New(),
		index:    index,
		notify:   &fakeNotifier{},
		payloads: map[string][]byte{"f-big": bytes.Repeat([]byte("v"), 256)},
		pub:      &recordingPublisher{},
	}

	fetch := transport.FetchFunc(func(_ context.Context, ref transport.FileRef) (io.ReadCloser, int64, error) {
		data, ok := env.payloads[ref.FileID]
		if !ok {
			return nil, 0, transport.ErrFileNotFound
		}
		return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
	})

	env.client = queue.NewClient(store, env.pub, 2, nil)
	env.worker = New(Config{
		Bucket:      "archive",
		MaxRetries:  2,
		RetryDelay:  time.Millisecond,
		HoldDelay:   time.Millisecond,
		AdminChatID: 999,
	}, store, env.blobs, index, fetch, env.notify, prober, nil, nil)
	env.worker.sleep = func(context.Context, time.Duration) {}

	return env
}

// newFastFailPipeline rebuilds the worker's commit pipeline with zero
// retry backoff so failure tests run fast.
func newFastFailPipeline(t *testing.T, env *testEnv) *ingest.Pipeline {
	t.Helper()
	fetch := transport.FetchFunc(func(_ context.Context, ref transport.FileRef) (io.ReadCloser, int64, error) {
		data, ok := env.payloads[ref.FileID]
		if !ok {
			return nil, 0, transport.ErrFileNotFound
		}
		return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
	})
	return ingest.New(ingest.Config{
		Bucket:  "archive",
		Backoff: func(int) time.Duration { return 0 },
	}, env.blobs, env.index, fetch, nil, nil, nil)
}

func bigVideoUnit() (*archive.Unit, *archive.Item) {
	item := &archive.Item{
		Ordinal:      1,
		Kind:         archive.KindVideo,
		MIME:         "video/mp4",
		SizeHint:     256,
		FileID:       "f-big",
		FileUniqueID: "u-big",
		FileName:     "talk.mp4",
	}
	unit := &archive.Unit{
		ChatID:         -100123,
		ChatUsername:   "archive_chat",
		SenderID:       777,
		SenderUsername: "curator_one",
		MessageID:      42,
		Timestamp:      time.Date(2026, 1, 15, 12, 34, 56, 0, time.UTC),
		Items:          []*archive.Item{item},
	}
	return unit, item
}

// enqueue creates the job row and returns the delivery a broker would
// hand the worker.
func (e *testEnv) enqueue(t *testing.T) (*jobs.Job, *amqp.Delivery, *fakeAcker) {
	t.Helper()
	unit, item := bigVideoUnit()
	job, err := e.client.Enqueue(context.Background(), unit, item, 5)
	require.NoError(t, err)

	acker := &fakeAcker{}
	return job, &amqp.Delivery{
		Acknowledger: acker,
		Body:         e.pub.bodies[len(e.pub.bodies)-1],
	}, acker
}

func TestCompletesJobUnderInlineLayout(t *testing.T) {
	env := newTestEnv(t, nil)
	job, delivery, acker := env.enqueue(t)

	env.worker.Handle(context.Background(), delivery)

	assert.Equal(t, 1, acker.acks)
	assert.Zero(t, acker.nacks)
	assert.Zero(t, acker.rejects)

	row, err := env.store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StateCompleted, row.State)

	// The object lands under the exact key the inline path would use.
	unit, item := bigVideoUnit()
	expectedKey := layout.Key(unit, item)
	_, ok := env.blobs.Object(expectedKey)
	assert.True(t, ok, "object missing at %s", expectedKey)
	_, ok = env.blobs.Object(layout.ManifestKey(layout.Prefix(unit)))
	assert.True(t, ok)

	// The original chat hears about the result.
	require.NotEmpty(t, env.notify.messages)
	assert.Equal(t, int64(-100123), env.notify.chats[0])
	assert.Contains(t, env.notify.messages[0], "Archived")
}

func TestUnknownJobRejectedToDLX(t *testing.T) {
	env := newTestEnv(t, nil)

	body, err := (&queue.Envelope{SchemaVersion: "1.0", JobID: "00000000-0000-0000-0000-000000000000"}).Encode()
	require.NoError(t, err)

	acker := &fakeAcker{}
	env.worker.Handle(context.Background(), &amqp.Delivery{Acknowledger: acker, Body: body})

	assert.Equal(t, 1, acker.rejects)
	assert.Equal(t, []bool{false}, acker.requeue)
}

func TestInvalidPayloadRejectedToDLX(t *testing.T) {
	env := newTestEnv(t, nil)

	acker := &fakeAcker{}
	env.worker.Handle(context.Background(), &amqp.Delivery{Acknowledger: acker, Body: []byte("not json")})

	assert.Equal(t, 1, acker.rejects)
	assert.Zero(t, env.blobs.PutCount())
}

func TestCancelledJobAckedWithoutWork(t *testing.T) {
	env := newTestEnv(t, nil)
	job, delivery, acker := env.enqueue(t)

	_, err := env.client.Cancel(context.Background(), job.ID)
	require.NoError(t, err)

	env.worker.Handle(context.Background(), delivery)

	assert.Equal(t, 1, acker.acks)
	assert.Zero(t, env.blobs.PutCount())

	row, err := env.store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StateCancelled, row.State)
}

func TestSessionHoldRequeuesWithoutConsumingRetries(t *testing.T) {
	prober := transport.ProbeFunc(func(context.Context) error {
		return transport.ErrSessionUnauthorized
	})
	env := newTestEnv(t, prober)
	job, delivery, acker := env.enqueue(t)

	env.worker.Handle(context.Background(), delivery)

	assert.Equal(t, 1, acker.nacks)
	assert.Equal(t, []bool{true}, acker.requeue)

	row, err := env.store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatePending, row.State)
	assert.Zero(t, row.RetryCount)

	// The admin channel was told exactly once.
	require.Len(t, env.notify.messages, 1)
	assert.Equal(t, int64(999), env.notify.chats[0])
	assert.Contains(t, env.notify.messages[0], "session")
}

func TestTransientFailureRetriesThenDeadLetters(t *testing.T) {
	env := newTestEnv(t, nil)
	env.blobs.FailureFn = func(op, key string) error {
		if op == "put" {
			return &blob.Error{Op: op, Key: key, Kind: blob.KindTransient, Err: context.DeadlineExceeded}
		}
		return nil
	}
	// The commit pipeline retries internally; keep the test fast.
	env.worker.pipeline = newFastFailPipeline(t, env)

	job, delivery, acker := env.enqueue(t)

	// First delivery: retry budget not spent, job returns to PENDING.
	env.worker.Handle(context.Background(), delivery)
	row, err := env.store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatePending, row.State)
	assert.Equal(t, 1, row.RetryCount)
	assert.Equal(t, 1, acker.nacks)

	// Redelivery: budget spent, job is dead-lettered.
	env.worker.Handle(context.Background(), delivery)
	row, err = env.store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StateFailed, row.State)
	assert.Equal(t, "upload_transient", row.LastError)
	assert.Equal(t, 1, acker.rejects)
}

func TestPermanentFetchFailureFailsImmediately(t *testing.T) {
	env := newTestEnv(t, nil)
	delete(env.payloads, "f-big") // every fetch is not-found

	job, delivery, acker := env.enqueue(t)
	env.worker.Handle(context.Background(), delivery)

	row, err := env.store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StateFailed, row.State)
	assert.Equal(t, "fetch_permanent", row.LastError)
	assert.Equal(t, 1, acker.rejects)
}

func TestDuplicateContentCompletesWithoutUpload(t *testing.T) {
	env := newTestEnv(t, nil)

	// The content is already archived under a canonical key.
	require.NoError(t, env.index.Register(context.Background(), dedup.Record{
		SHA256:    "abc123",
		Key:       "teltubby/2026/01/archive_chat/41/existing.mp4",
		Size:      256,
		CreatedAt: time.Now().UTC(),
	}, "u-big"))

	job, delivery, acker := env.enqueue(t)
	env.worker.Handle(context.Background(), delivery)

	row, err := env.store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StateCompleted, row.State)
	assert.Equal(t, 1, acker.acks)

	// Only the manifest was written; the binary was deduplicated.
	assert.Equal(t, 1, env.blobs.PutCount())
	for _, key := range env.blobs.Keys() {
		assert.True(t, strings.HasSuffix(key, "message.json"))
	}
}

func TestCrashedJobReclaimedOnRedelivery(t *testing.T) {
	env := newTestEnv(t, nil)
	job, delivery, acker := env.enqueue(t)

	// A previous worker claimed the job and died before settling; the
	// broker redelivers the unacked message.
	_, err := env.store.RecordState(context.Background(), job.ID, jobs.StateProcessing, "")
	require.NoError(t, err)
	delivery.Redelivered = true

	env.worker.Handle(context.Background(), delivery)

	assert.Equal(t, 1, acker.acks)
	assert.Zero(t, acker.nacks)
	assert.Zero(t, acker.rejects)

	row, err := env.store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StateCompleted, row.State)

	unit, item := bigVideoUnit()
	_, ok := env.blobs.Object(layout.Key(unit, item))
	assert.True(t, ok, "reclaimed job must archive its payload")
}

func TestProcessingJobNotStolenOnFirstDelivery(t *testing.T) {
	env := newTestEnv(t, nil)
	job, delivery, acker := env.enqueue(t)

	// Another worker is mid-flight; a duplicate first delivery must not
	// steal the claim.
	_, err := env.store.RecordState(context.Background(), job.ID, jobs.StateProcessing, "")
	require.NoError(t, err)

	env.worker.Handle(context.Background(), delivery)

	assert.Equal(t, 1, acker.acks)
	assert.Zero(t, env.blobs.PutCount())

	row, err := env.store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StateProcessing, row.State)
}

func TestTransportSizeCapFailsJob(t *testing.T) {
	env := newTestEnv(t, nil)

	// The local server refuses the payload outright; without a further
	// queue to route to, the job can never succeed.
	fetch := transport.FetchFunc(func(context.Context, transport.FileRef) (io.ReadCloser, int64, error) {
		return nil, 0, transport.ErrTooBig
	})
	env.worker.pipeline = ingest.New(ingest.Config{
		Bucket:  "archive",
		Backoff: func(int) time.Duration { return 0 },
	}, env.blobs, env.index, fetch, nil, nil, nil)

	job, delivery, acker := env.enqueue(t)
	env.worker.Handle(context.Background(), delivery)

	assert.Equal(t, 1, acker.rejects)
	assert.Zero(t, acker.acks)

	row, err := env.store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StateFailed, row.State)
	assert.Equal(t, "oversize_configured", row.LastError)

	// The chat hears about the failure, never a false success.
	require.NotEmpty(t, env.notify.messages)
	assert.Contains(t, env.notify.messages[len(env.notify.messages)-1], "failed")
}

func TestCancellationCheckpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	job, delivery, acker := env.enqueue(t)

	_, err := env.store.RecordState(context.Background(), job.ID, jobs.StateProcessing, "")
	require.NoError(t, err)
	_, err = env.store.MarkCancel(context.Background(), job.ID)
	require.NoError(t, err)

	handled := env.worker.finishIfCancelled(context.Background(), delivery, job.ID)
	assert.True(t, handled)
	assert.Equal(t, 1, acker.acks)

	row, err := env.store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StateCancelled, row.State)
	assert.Zero(t, env.blobs.PutCount())
}

func TestRunDrainsChannelOnClose(t *testing.T) {
	env := newTestEnv(t, nil)
	_, delivery, acker := env.enqueue(t)

	deliveries := make(chan amqp.Delivery, 1)
	deliveries <- *delivery
	close(deliveries)

	require.NoError(t, env.worker.Run(context.Background(), deliveries))
	assert.Equal(t, 1, acker.acks)
}
