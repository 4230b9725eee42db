package logger

import (
	"fmt"
	"log/slog"
)

// Standard field keys for structured logging.
// Use these keys consistently across all log statements so log aggregation
// and querying work the same for the bot process and the queue worker.
const (
	// ========================================================================
	// Correlation
	// ========================================================================
	KeyJobID     = "job_id"    // Queue job UUID
	KeyUnit      = "unit"      // Archive unit prefix (bucket key prefix)
	KeyWorker    = "worker"    // Worker instance identifier
	KeyComponent = "component" // Subsystem: pipeline, aggregator, worker, queue, quota

	// ========================================================================
	// Telegram origin
	// ========================================================================
	KeyChatID       = "chat_id"        // Origin chat id
	KeyMessageID    = "message_id"     // Origin message id
	KeyMediaGroupID = "media_group_id" // Album group id
	KeySenderID     = "sender_id"      // Curator user id
	KeyFileUniqueID = "file_unique_id" // Transport-stable content id

	// ========================================================================
	// Archival
	// ========================================================================
	KeyS3Key   = "s3_key"   // Full bucket key of a stored object
	KeyPrefix  = "prefix"   // Bucket key prefix of a unit
	KeySHA256  = "sha256"   // Content hash (hex)
	KeySize    = "size"     // Payload size in bytes
	KeyMIME    = "mime"     // Declared MIME type
	KeyOrdinal = "ordinal"  // 1-based item position within a unit
	KeyKind    = "kind"     // Media kind: photo, video, document, ...
	KeyDedup   = "dedup"    // Dedup outcome: fresh, unique_id, sha256
	KeyErrKind = "err_kind" // Error taxonomy label
	KeyReason  = "reason"   // Skip/refusal reason

	// ========================================================================
	// Queue
	// ========================================================================
	KeyQueue    = "queue"    // Queue name
	KeyExchange = "exchange" // Exchange name
	KeyState    = "state"    // Job state
	KeyRetry    = "retry"    // Retry count
	KeyDepth    = "depth"    // Ready message count

	// ========================================================================
	// Timing
	// ========================================================================
	KeyDurationMs = "duration_ms" // Operation duration in milliseconds
	KeyError      = "error"       // Error message
)

// Err returns a slog.Attr for an error value, tolerating nil.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}

// FormatBytes renders a byte count for human-readable log output.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
