package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cptnfren/teltubby/pkg/archive"
	"github.com/cptnfren/teltubby/pkg/dedup"
	dedupbadger "github.com/cptnfren/teltubby/pkg/dedup/badger"
	"github.com/cptnfren/teltubby/pkg/jobs"
	"github.com/cptnfren/teltubby/pkg/quota"
	"github.com/cptnfren/teltubby/pkg/store/blob"
	"github.com/cptnfren/teltubby/pkg/store/blob/memory"
	"github.com/cptnfren/teltubby/pkg/transport"
)

type fakeFetcher struct {
	payloads map[string][]byte // by file id
	errs     map[string]error
	fetches  int
}

func (f *fakeFetcher) Fetch(_ context.Context, ref transport.FileRef) (io.ReadCloser, int64, error) {
	f.fetches++
	if err, ok := f.errs[ref.FileID]; ok {
		return nil, 0, err
	}
	data, ok := f.payloads[ref.FileID]
	if !ok {
		return nil, 0, transport.ErrFileNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

type fakeEnqueuer struct {
	jobs []*jobs.Job
	err  error
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, _ *archive.Unit, item *archive.Item, priority int) (*jobs.Job, error) {
	if f.err != nil {
		return nil, f.err
	}
	job := &jobs.Job{
		ID:           fmt.Sprintf("job-%d", len(f.jobs)+1),
		FileUniqueID: item.FileUniqueID,
		FileSize:     item.SizeHint,
		State:        jobs.StatePending,
		Priority:     priority,
	}
	f.jobs = append(f.jobs, job)
	return job, nil
}

func newTestIndex(t *testing.T) dedup.Index {
	t.Helper()
	idx, err := dedupbadger.New(dedupbadger.Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func testPipeline(t *testing.T, store blob.ObjectStore, fetch transport.Fetcher, enq Enqueuer, gate AdmissionGate) (*Pipeline, dedup.Index) {
	t.Helper()
	idx := newTestIndex(t)
	p := New(Config{
		Bucket:      "archive",
		InlineLimit: 50 << 20,
		MaxFileSize: 4 << 30,
		IOTimeout:   5 * time.Second,
		Backoff:     func(int) time.Duration { return 0 },
	}, store, idx, fetch, enq, gate, nil)
	return p, idx
}

func testUnit(messageID int64, items ...*archive.Item) *archive.Unit {
	return &archive.Unit{
		ChatID:         -100123,
		ChatUsername:   "archive_chat",
		SenderID:       777,
		SenderUsername: "curator_one",
		MessageID:      messageID,
		Timestamp:      time.Date(2026, 1, 15, 12, 34, 56, 0, time.UTC),
		Items:          items,
	}
}

func photoItem(ordinal int, fileID, uniqueID string, size int64) *archive.Item {
	return &archive.Item{
		Ordinal:      ordinal,
		Kind:         archive.KindPhoto,
		MIME:         "image/jpeg",
		SizeHint:     size,
		FileID:       fileID,
		FileUniqueID: uniqueID,
	}
}

func TestArchivesSingleItem(t *testing.T) {
	store := memory.New()
	fetch := &fakeFetcher{payloads: map[string][]byte{"f1": []byte("payload-bytes")}}
	p, idx := testPipeline(t, store, fetch, nil, nil)

	unit := testUnit(42, photoItem(1, "f1", "u1", 13))
	res, err := p.Process(context.Background(), unit)
	require.NoError(t, err)

	require.NotNil(t, res.Manifest)
	require.Len(t, res.Manifest.Keys, 1)
	assert.Equal(t, 1, res.Manifest.FilesCount)
	assert.Equal(t, int64(13), res.Manifest.TotalBytesUploaded)

	// The stored object and its sibling manifest both exist.
	_, ok := store.Object(res.Manifest.Keys[0])
	assert.True(t, ok)
	data, ok := store.Object(res.Prefix + "message.json")
	require.True(t, ok)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "1.0", decoded["schema_version"])

	rec, err := idx.LookupUniqueID(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, res.Manifest.Keys[0], rec.Key)
}

func TestSecondSubmissionIsWholeUnitDuplicate(t *testing.T) {
	store := memory.New()
	fetch := &fakeFetcher{payloads: map[string][]byte{"f1": []byte("same-bytes")}}
	p, _ := testPipeline(t, store, fetch, nil, nil)

	first, err := p.Process(context.Background(), testUnit(42, photoItem(1, "f1", "u1", 10)))
	require.NoError(t, err)
	putsAfterFirst := store.PutCount()

	second, err := p.Process(context.Background(), testUnit(43, photoItem(1, "f1", "u1", 10)))
	require.NoError(t, err)

	require.Len(t, second.Results, 1)
	assert.Equal(t, archive.ItemDuplicate, second.Results[0].Status)
	assert.Equal(t, "unique_id", second.Results[0].DedupReason)
	assert.Equal(t, first.Manifest.Keys[0], second.Results[0].DuplicateOf)

	require.NotNil(t, second.Manifest.DuplicateOf)
	assert.Equal(t, first.Prefix, *second.Manifest.DuplicateOf)

	// Only the second manifest was uploaded; no new binary.
	assert.Equal(t, putsAfterFirst+1, store.PutCount())
	// No download happened for the duplicate.
	assert.Equal(t, 1, fetch.fetches)
}

func TestSameContentDifferentUniqueIDDedupsByHash(t *testing.T) {
	store := memory.New()
	fetch := &fakeFetcher{payloads: map[string][]byte{
		"f1": []byte("identical-content"),
		"f2": []byte("identical-content"),
	}}
	p, idx := testPipeline(t, store, fetch, nil, nil)

	first, err := p.Process(context.Background(), testUnit(42, photoItem(1, "f1", "u1", 17)))
	require.NoError(t, err)

	second, err := p.Process(context.Background(), testUnit(43, photoItem(1, "f2", "u2", 17)))
	require.NoError(t, err)

	require.Len(t, second.Results, 1)
	assert.Equal(t, archive.ItemDuplicate, second.Results[0].Status)
	assert.Equal(t, "sha256", second.Results[0].DedupReason)
	assert.Equal(t, first.Manifest.Keys[0], second.Results[0].DuplicateOf)

	// The new unique id is now aliased for the fast path.
	rec, err := idx.LookupUniqueID(context.Background(), "u2")
	require.NoError(t, err)
	assert.Equal(t, first.Manifest.Keys[0], rec.Key)
}

func TestPrevalidationRejectsWholeUnit(t *testing.T) {
	store := memory.New()
	fetch := &fakeFetcher{payloads: map[string][]byte{"f1": []byte("fine")}}
	p, _ := testPipeline(t, store, fetch, nil, nil)

	oversize := photoItem(2, "f2", "u2", 5<<30) // above the 4GB ceiling
	unit := testUnit(42, photoItem(1, "f1", "u1", 4), oversize)

	res, err := p.Process(context.Background(), unit)
	assert.ErrorIs(t, err, ErrUnitRejected)
	assert.True(t, res.Rejected)

	// Nothing was uploaded for the rejected unit.
	assert.Equal(t, 0, store.PutCount())
	assert.Equal(t, 0, fetch.fetches)

	require.Len(t, res.Results, 2)
	assert.Equal(t, "unit_rejected", res.Results[0].Reason)
	assert.Equal(t, "oversize_configured", res.Results[1].Reason)
}

func TestQuotaClosedRefusesUnit(t *testing.T) {
	store := memory.New()
	require.NoError(t, store.Put(context.Background(), "teltubby/existing",
		strings.NewReader(strings.Repeat("a", 100)), 100, ""))
	gate := quota.New(store, quota.Config{QuotaBytes: 100})

	fetch := &fakeFetcher{payloads: map[string][]byte{"f1": []byte("new")}}
	p, _ := testPipeline(t, store, fetch, nil, gate)

	putsBefore := store.PutCount()
	res, err := p.Process(context.Background(), testUnit(42, photoItem(1, "f1", "u1", 3)))
	assert.ErrorIs(t, err, quota.ErrQuotaFull)
	assert.Equal(t, quota.StateClosed, res.Quota.State)
	assert.Equal(t, putsBefore, store.PutCount())
}

func TestOversizeItemRoutesToQueue(t *testing.T) {
	store := memory.New()
	enq := &fakeEnqueuer{}
	p, _ := testPipeline(t, store, &fakeFetcher{}, enq, nil)

	big := &archive.Item{
		Ordinal: 1, Kind: archive.KindVideo, SizeHint: 80 << 20,
		FileID: "f-big", FileUniqueID: "u-big",
	}
	res, err := p.Process(context.Background(), testUnit(42, big))
	require.NoError(t, err)

	require.Len(t, res.Queued, 1)
	assert.Equal(t, DefaultQueuePriority, res.Queued[0].Priority)
	// The worker commits the unit; nothing was written inline.
	assert.Nil(t, res.Manifest)
	assert.Equal(t, 0, store.PutCount())
}

func TestMixedUnitSplits(t *testing.T) {
	store := memory.New()
	fetch := &fakeFetcher{payloads: map[string][]byte{"f-small": []byte("small")}}
	enq := &fakeEnqueuer{}
	p, _ := testPipeline(t, store, fetch, enq, nil)

	small := photoItem(1, "f-small", "u-small", 5)
	big := &archive.Item{
		Ordinal: 2, Kind: archive.KindVideo, SizeHint: 80 << 20,
		FileID: "f-big", FileUniqueID: "u-big",
	}
	res, err := p.Process(context.Background(), testUnit(42, small, big))
	require.NoError(t, err)

	require.Len(t, res.Queued, 1)
	require.NotNil(t, res.Manifest)
	// Only the stored item appears in keys; the routed one lives in
	// telegram.items with its reason.
	assert.Len(t, res.Manifest.Keys, 1)
	require.Len(t, res.Manifest.Telegram.Items, 2)
	assert.Equal(t, "routed_to_queue", res.Manifest.Telegram.Items[1].Reason)
	assert.Contains(t, res.Notes, "oversize items queued")
}

func TestTooBigMidFetchReroutes(t *testing.T) {
	store := memory.New()
	fetch := &fakeFetcher{errs: map[string]error{"f1": transport.ErrTooBig}}
	enq := &fakeEnqueuer{}
	p, _ := testPipeline(t, store, fetch, enq, nil)

	// Size hint claims inline, transport says otherwise.
	res, err := p.Process(context.Background(), testUnit(42, photoItem(1, "f1", "u1", 1024)))
	require.NoError(t, err)

	require.Len(t, res.Queued, 1)
	require.Len(t, res.Results, 1)
	assert.Equal(t, "routed_to_queue", res.Results[0].Reason)
}

func TestTransientUploadRetriesThenSucceeds(t *testing.T) {
	store := memory.New()
	failures := 0
	store.FailureFn = func(op, key string) error {
		if op == "put" && !strings.HasSuffix(key, "message.json") && failures < 2 {
			failures++
			return &blob.Error{Op: op, Key: key, Kind: blob.KindTransient, Err: errors.New("throttled")}
		}
		return nil
	}
	fetch := &fakeFetcher{payloads: map[string][]byte{"f1": []byte("retry-me")}}
	p, _ := testPipeline(t, store, fetch, nil, nil)

	res, err := p.Process(context.Background(), testUnit(42, photoItem(1, "f1", "u1", 8)))
	require.NoError(t, err)
	assert.Equal(t, 2, failures)
	assert.Equal(t, archive.ItemStored, res.Results[0].Status)
}

func TestPartialCommitKeepsManifestConsistent(t *testing.T) {
	store := memory.New()
	store.FailureFn = func(op, key string) error {
		if op == "put" && strings.Contains(key, "_002") {
			return &blob.Error{Op: op, Key: key, Kind: blob.KindPermanent, Err: errors.New("denied")}
		}
		return nil
	}
	fetch := &fakeFetcher{payloads: map[string][]byte{
		"f1": []byte("first"),
		"f2": []byte("second"),
	}}
	p, _ := testPipeline(t, store, fetch, nil, nil)

	res, err := p.Process(context.Background(), testUnit(42,
		photoItem(1, "f1", "u1", 5),
		photoItem(2, "f2", "u2", 6)))
	require.NoError(t, err)

	require.NotNil(t, res.Manifest)
	assert.Equal(t, 1, res.Manifest.FilesCount)
	assert.Contains(t, res.Notes, "partial commit")
	assert.Contains(t, res.Notes, "upload_permanent")

	// Siblings of message.json match the manifest keys exactly.
	var siblings []string
	for _, key := range store.Keys() {
		if strings.HasPrefix(key, res.Prefix) && !strings.HasSuffix(key, "message.json") {
			siblings = append(siblings, key)
		}
	}
	assert.ElementsMatch(t, res.Manifest.Keys, siblings)
}

func TestMetadataWriteFailureIsFatalForUnit(t *testing.T) {
	store := memory.New()
	store.FailureFn = func(op, key string) error {
		if op == "put" && strings.HasSuffix(key, "message.json") {
			return &blob.Error{Op: op, Key: key, Kind: blob.KindPermanent, Err: errors.New("denied")}
		}
		return nil
	}
	fetch := &fakeFetcher{payloads: map[string][]byte{"f1": []byte("orphan")}}
	p, idx := testPipeline(t, store, fetch, nil, nil)

	_, err := p.Process(context.Background(), testUnit(42, photoItem(1, "f1", "u1", 6)))
	assert.ErrorIs(t, err, ErrMetadataWriteFailed)

	// The uploaded object and its dedup record stand for reconciliation.
	assert.Equal(t, 1, store.PutCount())
	_, lookupErr := idx.LookupUniqueID(context.Background(), "u1")
	assert.NoError(t, lookupErr)
}

func TestRevokedFileSkipsItem(t *testing.T) {
	store := memory.New()
	fetch := &fakeFetcher{} // no payloads: every fetch is not-found
	p, _ := testPipeline(t, store, fetch, nil, nil)

	res, err := p.Process(context.Background(), testUnit(42, photoItem(1, "f1", "u1", 5)))
	require.NoError(t, err)

	require.Len(t, res.Results, 1)
	assert.Equal(t, archive.ItemSkipped, res.Results[0].Status)
	assert.Equal(t, "fetch_permanent", res.Results[0].Reason)
	// The unit still commits its manifest.
	require.NotNil(t, res.Manifest)
	assert.Empty(t, res.Manifest.Keys)
}

func TestRouterClassification(t *testing.T) {
	r := NewRouter(50<<20, 4<<30)

	assert.Equal(t, RouteInline, r.Classify(&archive.Item{SizeHint: 10 << 20}))
	assert.Equal(t, RouteQueue, r.Classify(&archive.Item{SizeHint: 80 << 20}))
	assert.Equal(t, RouteSkip, r.Classify(&archive.Item{SizeHint: 5 << 30}))

	unbounded := NewRouter(0, 0)
	assert.Equal(t, RouteInline, unbounded.Classify(&archive.Item{SizeHint: 5 << 30}))
}

func TestFormatAckEnumeratesOutcomes(t *testing.T) {
	store := memory.New()
	fetch := &fakeFetcher{payloads: map[string][]byte{"f1": []byte("first")}}
	p, _ := testPipeline(t, store, fetch, nil, nil)

	res, err := p.Process(context.Background(), testUnit(42, photoItem(1, "f1", "u1", 5)))
	require.NoError(t, err)

	ack := FormatAck(res)
	assert.Contains(t, ack, "Archived 1 item(s)")
	assert.Contains(t, ack, res.Prefix)
}
