// Package dedup defines the global deduplication index contract.
//
// The index answers two questions before any upload: has this transport
// unique id been archived before (fast path, no download needed), and
// has this exact content hash been archived before (slow path, after
// hashing the payload). Records are created at first successful upload
// and never mutated.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound means the index has no record for the lookup.
	ErrNotFound = errors.New("dedup record not found")

	// ErrConflict means the hash is already registered under a
	// different key. The existing record is canonical.
	ErrConflict = errors.New("hash already registered under a different key")
)

// Record is one archived content entry, keyed by SHA-256.
type Record struct {
	// SHA256 is the lowercase hex content hash.
	SHA256 string `json:"sha256"`

	// Key is the canonical object key of the first upload.
	Key string `json:"key"`

	Size      int64     `json:"size"`
	MIME      string    `json:"mime,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ConflictError carries the canonical record when a registration
// collides on hash with a different key.
type ConflictError struct {
	Existing Record
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%v: canonical key %q", ErrConflict, e.Existing.Key)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// Index is the deduplication store shared by the inline pipeline and
// the queue worker.
//
// Registration is idempotent: re-registering the same hash with the
// same key is a no-op. The same hash with a different key fails with a
// *ConflictError so the caller can treat the existing record as
// canonical.
type Index interface {
	// LookupUniqueID resolves a transport unique id to its record, or
	// ErrNotFound.
	LookupUniqueID(ctx context.Context, uniqueID string) (*Record, error)

	// LookupHash resolves a content hash to its record, or ErrNotFound.
	LookupHash(ctx context.Context, sha256 string) (*Record, error)

	// Register stores a fresh record and maps uniqueID to its hash.
	// uniqueID may be empty when the transport did not provide one.
	Register(ctx context.Context, rec Record, uniqueID string) error

	// MapUniqueID adds another unique-id alias for an already
	// registered hash (same content re-sent through a different
	// message).
	MapUniqueID(ctx context.Context, uniqueID, sha256 string) error

	// RecordUnit marks a (chat, message) pair as committed under the
	// given prefix. The aggregator uses it to detect album fragments
	// arriving after their unit closed.
	RecordUnit(ctx context.Context, chatID, messageID int64, prefix string) error

	// LookupUnit returns the committed prefix for a (chat, message)
	// pair, or ErrNotFound.
	LookupUnit(ctx context.Context, chatID, messageID int64) (string, error)

	// Vacuum compacts the index (administrative maintenance).
	Vacuum(ctx context.Context) error

	// Close releases the underlying database handle.
	Close() error
}
