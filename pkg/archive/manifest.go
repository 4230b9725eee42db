package archive

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SchemaVersion is the message.json schema version this package writes.
const SchemaVersion = "1.0"

// ItemStatus is the archival outcome of a single item.
type ItemStatus string

const (
	// ItemStored means a new binary was uploaded for this item.
	ItemStored ItemStatus = "stored"

	// ItemDuplicate means the item's content already exists; no binary
	// was uploaded and the key points at the canonical object.
	ItemDuplicate ItemStatus = "duplicate"

	// ItemSkipped means the item was refused before upload (too big,
	// unsupported, permanent fetch error).
	ItemSkipped ItemStatus = "skipped"

	// ItemFailed means the upload was attempted and exhausted retries.
	ItemFailed ItemStatus = "failed"
)

// ItemResult is the per-item outcome the pipeline feeds into the
// manifest builder.
type ItemResult struct {
	Item   *Item
	Status ItemStatus

	// SHA256 is the hex content hash; empty for skipped/failed items.
	SHA256 string

	// Key is the object key: the freshly uploaded key for stored items,
	// the canonical existing key for duplicates, empty otherwise.
	Key string

	// Bytes is the actual payload size once known: the uploaded size
	// for stored items, the canonical object's size for duplicates.
	// Zero for skipped and failed items.
	Bytes int64

	// DuplicateOf and DedupReason are set for duplicates only.
	// DuplicateOf is the canonical key; DedupReason is "unique_id" or
	// "sha256".
	DuplicateOf string
	DedupReason string

	// Reason explains a skip or failure.
	Reason string
}

// ManifestItem is one entry of telegram.items.
type ManifestItem struct {
	Ordinal          int    `json:"ordinal"`
	Type             string `json:"type"`
	MIMEType         string `json:"mime_type,omitempty"`
	SizeBytes        int64  `json:"size_bytes,omitempty"`
	Width            int    `json:"width,omitempty"`
	Height           int    `json:"height,omitempty"`
	Duration         int    `json:"duration,omitempty"`
	FileID           string `json:"file_id"`
	FileUniqueID     string `json:"file_unique_id"`
	OriginalFilename string `json:"original_filename,omitempty"`
	SHA256           string `json:"sha256,omitempty"`
	S3Key            string `json:"s3_key,omitempty"`
	DuplicateOf      string `json:"duplicate_of,omitempty"`
	DedupReason      string `json:"dedup_reason,omitempty"`
	Status           string `json:"status,omitempty"`
	Reason           string `json:"reason,omitempty"`
}

// ManifestTelegram is the telegram context snapshot inside the manifest.
type ManifestTelegram struct {
	MessageID       int64          `json:"message_id"`
	MediaGroupID    string         `json:"media_group_id,omitempty"`
	ChatID          int64          `json:"chat_id"`
	ChatTitle       string         `json:"chat_title,omitempty"`
	ChatUsername    string         `json:"chat_username,omitempty"`
	SenderID        int64          `json:"sender_id"`
	SenderUsername  string         `json:"sender_username,omitempty"`
	ForwardOrigin   *Origin        `json:"forward_origin,omitempty"`
	CaptionPlain    string         `json:"caption_plain,omitempty"`
	CaptionEntities []Entity       `json:"caption_entities"`
	Entities        []Entity       `json:"entities"`
	Items           []ManifestItem `json:"items"`
}

// Manifest is the message.json artifact committed alongside the unit's
// binaries.
type Manifest struct {
	SchemaVersion       string           `json:"schema_version"`
	ArchiveTimestampUTC time.Time        `json:"archive_timestamp_utc"`
	MessageTimestampUTC time.Time        `json:"message_timestamp_utc"`
	Bucket              string           `json:"bucket"`
	BasePath            string           `json:"base_path"`
	FilesCount          int              `json:"files_count"`
	TotalBytesUploaded  int64            `json:"total_bytes_uploaded"`
	Keys                []string         `json:"keys"`
	DuplicateOf         *string          `json:"duplicate_of"`
	DedupReason         *string          `json:"dedup_reason"`
	Notes               *string          `json:"notes"`
	Telegram            ManifestTelegram `json:"telegram"`
}

// BuildManifest assembles the manifest for a committed unit.
//
// Keys lists, in ordinal order, the object key of every archived item:
// the new key for stored items, the canonical key for duplicates.
// Skipped and failed items appear only inside telegram.items.
//
// The unit-level duplicate_of is set only when every item is a duplicate
// and all canonical keys live under the same prior unit prefix.
func BuildManifest(unit *Unit, results []ItemResult, bucket, basePath string, archivedAt time.Time, notes string) (*Manifest, error) {
	if unit == nil {
		return nil, fmt.Errorf("nil unit")
	}
	if len(results) != len(unit.Items) {
		return nil, fmt.Errorf("result count %d does not match item count %d", len(results), len(unit.Items))
	}

	m := &Manifest{
		SchemaVersion:       SchemaVersion,
		ArchiveTimestampUTC: archivedAt.UTC(),
		MessageTimestampUTC: unit.Timestamp.UTC(),
		Bucket:              bucket,
		BasePath:            basePath,
		Keys:                make([]string, 0, len(results)),
		Telegram: ManifestTelegram{
			MessageID:       unit.MessageID,
			MediaGroupID:    unit.MediaGroupID,
			ChatID:          unit.ChatID,
			ChatTitle:       unit.ChatTitle,
			ChatUsername:    unit.ChatUsername,
			SenderID:        unit.SenderID,
			SenderUsername:  unit.SenderUsername,
			ForwardOrigin:   unit.Forward,
			CaptionPlain:    unit.Caption,
			CaptionEntities: ensureEntities(unit.CaptionEntities),
			Entities:        ensureEntities(unit.Entities),
			Items:           make([]ManifestItem, 0, len(results)),
		},
	}

	allDuplicates := len(results) > 0
	duplicatePrefix := ""
	duplicateReason := ""

	for _, r := range results {
		item := r.Item

		// The declared size is only a hint; the measured byte count
		// replaces it once the payload has been seen.
		size := item.SizeHint
		if r.Bytes > 0 {
			size = r.Bytes
		}

		mi := ManifestItem{
			Ordinal:          item.Ordinal,
			Type:             string(item.Kind),
			MIMEType:         item.MIME,
			SizeBytes:        size,
			Width:            item.Width,
			Height:           item.Height,
			Duration:         item.Duration,
			FileID:           item.FileID,
			FileUniqueID:     item.FileUniqueID,
			OriginalFilename: item.FileName,
			SHA256:           r.SHA256,
			S3Key:            r.Key,
			DuplicateOf:      r.DuplicateOf,
			DedupReason:      r.DedupReason,
			Status:           string(r.Status),
			Reason:           r.Reason,
		}
		m.Telegram.Items = append(m.Telegram.Items, mi)

		switch r.Status {
		case ItemStored:
			m.Keys = append(m.Keys, r.Key)
			m.FilesCount++
			m.TotalBytesUploaded += r.Bytes
			allDuplicates = false
		case ItemDuplicate:
			m.Keys = append(m.Keys, r.Key)
			m.FilesCount++
			prefix := keyPrefix(r.DuplicateOf)
			if duplicatePrefix == "" {
				duplicatePrefix = prefix
				duplicateReason = r.DedupReason
			} else if duplicatePrefix != prefix {
				allDuplicates = false
			}
			if duplicateReason != r.DedupReason {
				// Mixed reasons still mean duplicated content.
				duplicateReason = "sha256"
			}
		default:
			allDuplicates = false
		}
	}

	if allDuplicates && duplicatePrefix != "" {
		m.DuplicateOf = &duplicatePrefix
		m.DedupReason = &duplicateReason
	}

	if notes != "" {
		m.Notes = &notes
	}

	return m, nil
}

// Encode renders the manifest as indented JSON suitable for the
// message.json object.
func (m *Manifest) Encode() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

// keyPrefix returns the unit prefix of an object key (everything up to
// and including the last slash).
func keyPrefix(key string) string {
	idx := strings.LastIndex(key, "/")
	if idx < 0 {
		return key
	}
	return key[:idx+1]
}

// ensureEntities keeps entity arrays present (never null) in the JSON.
func ensureEntities(e []Entity) []Entity {
	if e == nil {
		return []Entity{}
	}
	return e
}
