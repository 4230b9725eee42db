package archive

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func albumUnit() *Unit {
	return &Unit{
		ChatID:         -100123,
		SenderID:       777,
		SenderUsername: "curator",
		MessageID:      42,
		MediaGroupID:   "g1",
		Timestamp:      time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC),
		Caption:        "three things",
		Items: []*Item{
			{Ordinal: 1, Kind: KindPhoto, FileID: "f1", FileUniqueID: "u1", SizeHint: 100},
			{Ordinal: 2, Kind: KindVideo, FileID: "f2", FileUniqueID: "u2", SizeHint: 200},
			{Ordinal: 3, Kind: KindDocument, FileID: "f3", FileUniqueID: "u3", SizeHint: 300},
		},
	}
}

func TestBuildManifestOrdersKeys(t *testing.T) {
	u := albumUnit()
	prefix := "teltubby/2026/01/curator/42/"
	results := []ItemResult{
		{Item: u.Items[0], Status: ItemStored, SHA256: "aa", Key: prefix + "a.jpg", Bytes: 100},
		{Item: u.Items[1], Status: ItemStored, SHA256: "bb", Key: prefix + "b.mp4", Bytes: 200},
		{Item: u.Items[2], Status: ItemStored, SHA256: "cc", Key: prefix + "c.bin", Bytes: 300},
	}

	m, err := BuildManifest(u, results, "archive", prefix, time.Now(), "")
	require.NoError(t, err)

	assert.Equal(t, SchemaVersion, m.SchemaVersion)
	assert.Equal(t, "archive", m.Bucket)
	assert.Equal(t, prefix, m.BasePath)
	assert.Equal(t, 3, m.FilesCount)
	assert.Equal(t, int64(600), m.TotalBytesUploaded)
	assert.Equal(t, []string{prefix + "a.jpg", prefix + "b.mp4", prefix + "c.bin"}, m.Keys)
	assert.Nil(t, m.DuplicateOf)
	assert.Nil(t, m.DedupReason)
	assert.Nil(t, m.Notes)
	require.Len(t, m.Telegram.Items, 3)
	assert.Equal(t, 1, m.Telegram.Items[0].Ordinal)
	assert.Equal(t, "photo", m.Telegram.Items[0].Type)
}

func TestBuildManifestPartialOutcome(t *testing.T) {
	u := albumUnit()
	prefix := "teltubby/2026/01/curator/42/"
	canonical := "teltubby/2025/12/other/7/x.jpg"
	results := []ItemResult{
		{Item: u.Items[0], Status: ItemStored, SHA256: "aa", Key: prefix + "a.jpg", Bytes: 100},
		{Item: u.Items[1], Status: ItemDuplicate, SHA256: "bb", Key: canonical, DuplicateOf: canonical, DedupReason: "unique_id"},
		{Item: u.Items[2], Status: ItemSkipped, Reason: "too_big"},
	}

	m, err := BuildManifest(u, results, "archive", prefix, time.Now(), "item 3 skipped: too_big")
	require.NoError(t, err)

	// stored and duplicate items contribute keys, the skipped one does not
	assert.Equal(t, []string{prefix + "a.jpg", canonical}, m.Keys)
	assert.Equal(t, 2, m.FilesCount)
	assert.Equal(t, int64(100), m.TotalBytesUploaded)
	assert.Nil(t, m.DuplicateOf, "partial duplication never sets the unit-level marker")
	require.NotNil(t, m.Notes)
	assert.Equal(t, "item 3 skipped: too_big", *m.Notes)

	dup := m.Telegram.Items[1]
	assert.Equal(t, canonical, dup.DuplicateOf)
	assert.Equal(t, "unique_id", dup.DedupReason)
	skipped := m.Telegram.Items[2]
	assert.Equal(t, string(ItemSkipped), skipped.Status)
	assert.Equal(t, "too_big", skipped.Reason)
	assert.Empty(t, skipped.S3Key)
}

func TestBuildManifestWholeUnitDuplicate(t *testing.T) {
	u := albumUnit()
	prefix := "teltubby/2026/01/curator/42/"
	prior := "teltubby/2025/12/other/7/"
	results := []ItemResult{
		{Item: u.Items[0], Status: ItemDuplicate, SHA256: "aa", Key: prior + "a.jpg", DuplicateOf: prior + "a.jpg", DedupReason: "unique_id"},
		{Item: u.Items[1], Status: ItemDuplicate, SHA256: "bb", Key: prior + "b.mp4", DuplicateOf: prior + "b.mp4", DedupReason: "sha256"},
		{Item: u.Items[2], Status: ItemDuplicate, SHA256: "cc", Key: prior + "c.bin", DuplicateOf: prior + "c.bin", DedupReason: "sha256"},
	}

	m, err := BuildManifest(u, results, "archive", prefix, time.Now(), "")
	require.NoError(t, err)

	require.NotNil(t, m.DuplicateOf)
	assert.Equal(t, prior, *m.DuplicateOf)
	require.NotNil(t, m.DedupReason)
	assert.Equal(t, "sha256", *m.DedupReason)
	assert.Zero(t, m.TotalBytesUploaded)
}

func TestBuildManifestDuplicatesOfDifferentUnits(t *testing.T) {
	u := albumUnit()
	u.Items = u.Items[:2]
	results := []ItemResult{
		{Item: u.Items[0], Status: ItemDuplicate, Key: "teltubby/2025/12/a/1/x.jpg", DuplicateOf: "teltubby/2025/12/a/1/x.jpg", DedupReason: "sha256"},
		{Item: u.Items[1], Status: ItemDuplicate, Key: "teltubby/2025/11/b/2/y.mp4", DuplicateOf: "teltubby/2025/11/b/2/y.mp4", DedupReason: "sha256"},
	}

	m, err := BuildManifest(u, results, "archive", "teltubby/2026/01/curator/42/", time.Now(), "")
	require.NoError(t, err)
	assert.Nil(t, m.DuplicateOf, "duplicates of different units stay item-level")
}

func TestBuildManifestMeasuredSizeReplacesHint(t *testing.T) {
	u := albumUnit()
	u.Items = u.Items[:2]
	u.Items[0].SizeHint = 9999 // the transport's declared size lied
	u.Items[1].SizeHint = 0    // some kinds carry no declared size at all

	prefix := "teltubby/2026/01/curator/42/"
	canonical := "teltubby/2025/12/other/7/x.mp4"
	results := []ItemResult{
		{Item: u.Items[0], Status: ItemStored, SHA256: "aa", Key: prefix + "a.jpg", Bytes: 123},
		{Item: u.Items[1], Status: ItemDuplicate, SHA256: "bb", Key: canonical, Bytes: 456, DuplicateOf: canonical, DedupReason: "unique_id"},
	}

	m, err := BuildManifest(u, results, "archive", prefix, time.Now(), "")
	require.NoError(t, err)

	assert.Equal(t, int64(123), m.Telegram.Items[0].SizeBytes)
	assert.Equal(t, int64(456), m.Telegram.Items[1].SizeBytes)
	assert.Equal(t, int64(123), m.TotalBytesUploaded, "duplicates upload nothing")
}

func TestBuildManifestResultCountMismatch(t *testing.T) {
	u := albumUnit()
	_, err := BuildManifest(u, nil, "archive", "p/", time.Now(), "")
	assert.Error(t, err)
}

func TestManifestJSONShape(t *testing.T) {
	u := albumUnit()
	u.Items = u.Items[:1]
	prefix := "teltubby/2026/01/curator/42/"
	results := []ItemResult{
		{Item: u.Items[0], Status: ItemStored, SHA256: "aa", Key: prefix + "a.jpg", Bytes: 100},
	}

	m, err := BuildManifest(u, results, "archive", prefix, time.Date(2026, 1, 15, 12, 0, 5, 0, time.UTC), "")
	require.NoError(t, err)

	data, err := m.Encode()
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))

	assert.Equal(t, "1.0", raw["schema_version"])
	assert.Equal(t, "2026-01-15T12:00:05Z", raw["archive_timestamp_utc"])
	assert.Equal(t, "2026-01-15T12:00:00Z", raw["message_timestamp_utc"])
	assert.Contains(t, raw, "duplicate_of") // null, but present
	assert.Nil(t, raw["duplicate_of"])
	assert.Contains(t, raw, "notes")

	tg, ok := raw["telegram"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(42), tg["message_id"])
	assert.NotNil(t, tg["caption_entities"], "entity arrays are never null")
	assert.NotNil(t, tg["entities"])
}
