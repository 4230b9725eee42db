// Package queue implements the durable job queue for oversize media:
// the message envelope, the AMQP topology and broker wrapper, and the
// client that keeps local job rows in lockstep with published messages.
package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cptnfren/teltubby/pkg/archive"
)

// SchemaVersion is the envelope schema version.
const SchemaVersion = "1.0"

// FileInfo describes the payload the worker must fetch.
type FileInfo struct {
	FileID       string `json:"file_id"`
	FileUniqueID string `json:"file_unique_id"`
	FileSize     int64  `json:"file_size"`
	FileType     string `json:"file_type"`
	FileName     string `json:"file_name,omitempty"`
	MIMEType     string `json:"mime_type,omitempty"`

	Width    int `json:"width,omitempty"`
	Height   int `json:"height,omitempty"`
	Duration int `json:"duration,omitempty"`

	// Ordinal is the item's position in its original unit; preserved so
	// the worker produces the same filename the inline path would have.
	Ordinal int `json:"ordinal"`
}

// TelegramContext carries the message context the worker needs to
// rebuild the archive unit without re-reading the chat.
type TelegramContext struct {
	ChatTitle      string           `json:"chat_title,omitempty"`
	ChatUsername   string           `json:"chat_username,omitempty"`
	SenderUsername string           `json:"sender_username,omitempty"`
	MessageDate    time.Time        `json:"message_date"`
	Caption        string           `json:"caption,omitempty"`
	Entities       []archive.Entity `json:"entities,omitempty"`
	MediaGroupID   string           `json:"media_group_id,omitempty"`
	ForwardOrigin  *archive.Origin  `json:"forward_origin,omitempty"`
}

// JobMetadata carries queue bookkeeping.
type JobMetadata struct {
	CreatedAt  time.Time `json:"created_at"`
	Priority   int       `json:"priority"`
	RetryCount int       `json:"retry_count"`
	MaxRetries int       `json:"max_retries"`
}

// Envelope is the queue message. The exact published bytes are also
// stored on the local job row so an admin retry re-publishes identical
// work.
type Envelope struct {
	SchemaVersion string `json:"schema_version"`

	JobID     string `json:"job_id"`
	UserID    int64  `json:"user_id"`
	ChatID    int64  `json:"chat_id"`
	MessageID int64  `json:"message_id"`

	FileInfo        FileInfo        `json:"file_info"`
	TelegramContext TelegramContext `json:"telegram_context"`
	JobMetadata     JobMetadata     `json:"job_metadata"`
}

// Encode serializes the envelope for publishing and row storage.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope parses a delivery body. A parse failure or a missing
// job id is a permanent payload error; the caller rejects to the DLX.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("invalid job envelope: %w", err)
	}
	if e.JobID == "" {
		return nil, fmt.Errorf("invalid job envelope: missing job_id")
	}
	return &e, nil
}

// Unit rebuilds the single-item archive unit the envelope describes.
// The actual byte count replaces the declared size once the download
// completes; until then the size hint stands in.
func (e *Envelope) Unit() *archive.Unit {
	kind := archive.MediaKind(e.FileInfo.FileType)
	if !kind.Valid() {
		kind = archive.KindOther
	}

	ordinal := e.FileInfo.Ordinal
	if ordinal < 1 {
		ordinal = 1
	}

	return &archive.Unit{
		ChatID:          e.ChatID,
		ChatTitle:       e.TelegramContext.ChatTitle,
		ChatUsername:    e.TelegramContext.ChatUsername,
		SenderID:        e.UserID,
		SenderUsername:  e.TelegramContext.SenderUsername,
		MessageID:       e.MessageID,
		MediaGroupID:    e.TelegramContext.MediaGroupID,
		Timestamp:       e.TelegramContext.MessageDate,
		Caption:         e.TelegramContext.Caption,
		CaptionEntities: e.TelegramContext.Entities,
		Forward:         e.TelegramContext.ForwardOrigin,
		Items: []*archive.Item{{
			Ordinal:      ordinal,
			Kind:         kind,
			MIME:         e.FileInfo.MIMEType,
			SizeHint:     e.FileInfo.FileSize,
			Width:        e.FileInfo.Width,
			Height:       e.FileInfo.Height,
			Duration:     e.FileInfo.Duration,
			FileID:       e.FileInfo.FileID,
			FileUniqueID: e.FileInfo.FileUniqueID,
			FileName:     e.FileInfo.FileName,
		}},
	}
}
