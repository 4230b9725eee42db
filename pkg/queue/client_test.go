package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cptnfren/teltubby/pkg/archive"
	"github.com/cptnfren/teltubby/pkg/jobs"
)

type fakePublisher struct {
	published [][]byte
	priority  []uint8
	err       error
}

func (f *fakePublisher) Publish(_ context.Context, body []byte, priority uint8) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, body)
	f.priority = append(f.priority, priority)
	return nil
}

func newTestStore(t *testing.T) jobs.Store {
	t.Helper()
	store, err := jobs.NewStore(&jobs.StoreConfig{
		Type:   jobs.DatabaseTypeSQLite,
		SQLite: jobs.SQLiteConfig{Path: ":memory:"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testUnitAndItem() (*archive.Unit, *archive.Item) {
	item := &archive.Item{
		Ordinal:      1,
		Kind:         archive.KindVideo,
		MIME:         "video/mp4",
		SizeHint:     80 << 20,
		FileID:       "BAAD-fetch-handle",
		FileUniqueID: "AQADunique",
		FileName:     "talk.mp4",
	}
	unit := &archive.Unit{
		ChatID:         -100123,
		ChatUsername:   "archive_chat",
		SenderID:       777,
		SenderUsername: "curator_one",
		MessageID:      42,
		Timestamp:      time.Date(2026, 1, 15, 12, 34, 56, 0, time.UTC),
		Caption:        "conference talk",
		Items:          []*archive.Item{item},
	}
	return unit, item
}

func TestEnqueueCreatesRowAndPublishes(t *testing.T) {
	store := newTestStore(t)
	pub := &fakePublisher{}
	client := NewClient(store, pub, 3, nil)
	unit, item := testUnitAndItem()

	job, err := client.Enqueue(context.Background(), unit, item, 5)
	require.NoError(t, err)

	require.Len(t, pub.published, 1)
	assert.Equal(t, uint8(5), pub.priority[0])

	env, err := DecodeEnvelope(pub.published[0])
	require.NoError(t, err)
	assert.Equal(t, job.ID, env.JobID)
	assert.Equal(t, SchemaVersion, env.SchemaVersion)
	assert.Equal(t, "AQADunique", env.FileInfo.FileUniqueID)
	assert.Equal(t, int64(80<<20), env.FileInfo.FileSize)
	assert.Equal(t, 3, env.JobMetadata.MaxRetries)
	assert.Equal(t, "conference talk", env.TelegramContext.Caption)

	stored, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatePending, stored.State)
	assert.JSONEq(t, string(pub.published[0]), stored.PayloadJSON)
}

func TestEnqueuePublishFailureMarksRowFailed(t *testing.T) {
	store := newTestStore(t)
	pub := &fakePublisher{err: errors.New("broker unreachable")}
	client := NewClient(store, pub, 3, nil)
	unit, item := testUnitAndItem()

	_, err := client.Enqueue(context.Background(), unit, item, 5)
	require.Error(t, err)

	rows, err := store.List(context.Background(), jobs.ListFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, jobs.StateFailed, rows[0].State)
	assert.Equal(t, "enqueue_failed", rows[0].LastError)
}

func TestRetryRepublishesStoredPayload(t *testing.T) {
	store := newTestStore(t)
	pub := &fakePublisher{}
	client := NewClient(store, pub, 3, nil)
	unit, item := testUnitAndItem()

	job, err := client.Enqueue(context.Background(), unit, item, 5)
	require.NoError(t, err)
	original := pub.published[0]

	_, err = store.RecordState(context.Background(), job.ID, jobs.StateProcessing, "")
	require.NoError(t, err)
	_, err = store.RecordState(context.Background(), job.ID, jobs.StateFailed, "download timeout")
	require.NoError(t, err)

	retried, err := client.Retry(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatePending, retried.State)

	require.Len(t, pub.published, 2)
	assert.Equal(t, string(original), string(pub.published[1]))
}

func TestRetryRejectsNonRetryableState(t *testing.T) {
	store := newTestStore(t)
	client := NewClient(store, &fakePublisher{}, 3, nil)
	unit, item := testUnitAndItem()

	job, err := client.Enqueue(context.Background(), unit, item, 5)
	require.NoError(t, err)

	_, err = client.Retry(context.Background(), job.ID)
	assert.ErrorIs(t, err, jobs.ErrNotRetryable)
}

func TestCancelPendingJob(t *testing.T) {
	store := newTestStore(t)
	client := NewClient(store, &fakePublisher{}, 3, nil)
	unit, item := testUnitAndItem()

	job, err := client.Enqueue(context.Background(), unit, item, 5)
	require.NoError(t, err)

	cancelled, err := client.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StateCancelled, cancelled.State)
}

func TestEnvelopeRoundTripAndUnit(t *testing.T) {
	unit, item := testUnitAndItem()
	store := newTestStore(t)
	pub := &fakePublisher{}
	client := NewClient(store, pub, 3, nil)

	_, err := client.Enqueue(context.Background(), unit, item, 5)
	require.NoError(t, err)

	env, err := DecodeEnvelope(pub.published[0])
	require.NoError(t, err)

	rebuilt := env.Unit()
	require.Len(t, rebuilt.Items, 1)
	assert.Equal(t, unit.ChatID, rebuilt.ChatID)
	assert.Equal(t, unit.SenderUsername, rebuilt.SenderUsername)
	assert.True(t, unit.Timestamp.Equal(rebuilt.Timestamp))
	assert.Equal(t, item.Ordinal, rebuilt.Items[0].Ordinal)
	assert.Equal(t, item.FileID, rebuilt.Items[0].FileID)
	assert.Equal(t, archive.KindVideo, rebuilt.Items[0].Kind)
}

func TestDecodeEnvelopeRejectsGarbage(t *testing.T) {
	_, err := DecodeEnvelope([]byte("not json"))
	assert.Error(t, err)

	_, err = DecodeEnvelope([]byte(`{"schema_version":"1.0"}`))
	assert.Error(t, err)
}

func TestUnitFallsBackOnUnknownKindAndOrdinal(t *testing.T) {
	env := &Envelope{
		JobID: "j",
		FileInfo: FileInfo{
			FileType: "hologram",
		},
	}
	u := env.Unit()
	require.Len(t, u.Items, 1)
	assert.Equal(t, archive.KindOther, u.Items[0].Kind)
	assert.Equal(t, 1, u.Items[0].Ordinal)
}
