package badger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cptnfren/teltubby/pkg/dedup"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testRecord() dedup.Record {
	return dedup.Record{
		SHA256:    "deadbeef00",
		Key:       "teltubby/2026/01/chat/42/a.jpg",
		Size:      1234,
		MIME:      "image/jpeg",
		CreatedAt: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC),
	}
}

func TestRegisterAndLookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := testRecord()
	require.NoError(t, s.Register(ctx, rec, "uid-1"))

	byHash, err := s.LookupHash(ctx, rec.SHA256)
	require.NoError(t, err)
	assert.Equal(t, rec, *byHash)

	byUID, err := s.LookupUniqueID(ctx, "uid-1")
	require.NoError(t, err)
	assert.Equal(t, rec.Key, byUID.Key)
}

func TestLookupMissing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.LookupHash(ctx, "nope")
	assert.ErrorIs(t, err, dedup.ErrNotFound)

	_, err = s.LookupUniqueID(ctx, "nope")
	assert.ErrorIs(t, err, dedup.ErrNotFound)
}

func TestRegisterIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := testRecord()
	require.NoError(t, s.Register(ctx, rec, "uid-1"))
	// same hash, same key: crash-recovery re-run, no error
	require.NoError(t, s.Register(ctx, rec, "uid-2"))

	// both aliases resolve to the same record
	a, err := s.LookupUniqueID(ctx, "uid-1")
	require.NoError(t, err)
	b, err := s.LookupUniqueID(ctx, "uid-2")
	require.NoError(t, err)
	assert.Equal(t, a.Key, b.Key)
}

func TestRegisterConflictKeepsExisting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := testRecord()
	require.NoError(t, s.Register(ctx, rec, "uid-1"))

	clash := rec
	clash.Key = "teltubby/2026/02/other/7/b.jpg"
	err := s.Register(ctx, clash, "uid-3")
	require.ErrorIs(t, err, dedup.ErrConflict)

	var conflict *dedup.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, rec.Key, conflict.Existing.Key)

	// the existing record is untouched and the new alias was not written
	got, err := s.LookupHash(ctx, rec.SHA256)
	require.NoError(t, err)
	assert.Equal(t, rec.Key, got.Key)
	_, err = s.LookupUniqueID(ctx, "uid-3")
	assert.ErrorIs(t, err, dedup.ErrNotFound)
}

func TestMapUniqueIDRequiresRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.MapUniqueID(ctx, "uid-9", "unknown-hash")
	assert.ErrorIs(t, err, dedup.ErrNotFound)

	rec := testRecord()
	require.NoError(t, s.Register(ctx, rec, ""))
	require.NoError(t, s.MapUniqueID(ctx, "uid-9", rec.SHA256))

	got, err := s.LookupUniqueID(ctx, "uid-9")
	require.NoError(t, err)
	assert.Equal(t, rec.Key, got.Key)
}

func TestUnitRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.LookupUnit(ctx, -100123, 42)
	assert.ErrorIs(t, err, dedup.ErrNotFound)

	require.NoError(t, s.RecordUnit(ctx, -100123, 42, "teltubby/2026/01/chat/42/"))

	prefix, err := s.LookupUnit(ctx, -100123, 42)
	require.NoError(t, err)
	assert.Equal(t, "teltubby/2026/01/chat/42/", prefix)
}

func TestVacuumInMemoryIsNoop(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Vacuum(context.Background()))
}

func TestPersistentOpenEnforcesPath(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestPersistentRoundTrip(t *testing.T) {
	dir := t.TempDir()

	s, err := New(Config{Path: dir})
	require.NoError(t, err)

	rec := testRecord()
	require.NoError(t, s.Register(context.Background(), rec, "uid-1"))
	require.NoError(t, s.Close())

	s2, err := New(Config{Path: dir})
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.LookupHash(context.Background(), rec.SHA256)
	require.NoError(t, err)
	assert.Equal(t, rec.Key, got.Key)
}
