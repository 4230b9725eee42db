// Package blob defines the object store contract the archival pipeline
// writes through. Implementations live in the s3 and memory
// subpackages.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrNotFound is returned by Head and Delete when no object exists
// under the key.
var ErrNotFound = errors.New("object not found")

// ErrorKind classifies a storage failure for the caller's retry
// decision.
type ErrorKind string

const (
	// KindTransient failures (throttling, 5xx, network timeouts) are
	// worth retrying with backoff.
	KindTransient ErrorKind = "transient"

	// KindPermanent failures (access denied, invalid request) will not
	// succeed on retry.
	KindPermanent ErrorKind = "permanent"

	// KindNotFound means the key does not exist.
	KindNotFound ErrorKind = "not_found"
)

// Error wraps a storage failure with its operation, key, and kind.
type Error struct {
	Op   string
	Key  string
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("blob %s %q: %s: %v", e.Op, e.Key, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	if e.Kind == KindNotFound {
		return ErrNotFound
	}
	return e.Err
}

// IsTransient reports whether err is a storage failure worth retrying.
func IsTransient(err error) bool {
	var be *Error
	return errors.As(err, &be) && be.Kind == KindTransient
}

// IsNotFound reports whether err means the object does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key  string
	Size int64
}

// UsageStats summarizes bucket usage under the archive prefix.
type UsageStats struct {
	ObjectCount uint64
	TotalBytes  uint64
	ComputedAt  time.Time
}

// ObjectStore is a keyed blob store with put/head/delete/list semantics.
//
// Put streams the body; implementations must not buffer the whole
// payload when size is known. All operations respect context
// cancellation.
type ObjectStore interface {
	// Put stores body under key. size is the exact payload length;
	// contentType may be empty.
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error

	// Head returns object metadata, or ErrNotFound.
	Head(ctx context.Context, key string) (*ObjectInfo, error)

	// Delete removes the object. Deleting a missing key is not an
	// error.
	Delete(ctx context.Context, key string) error

	// List walks all objects under prefix, invoking fn per object.
	// Returning an error from fn stops the walk.
	List(ctx context.Context, prefix string, fn func(ObjectInfo) error) error

	// Usage returns bucket usage under the archive prefix.
	// Implementations may serve cached figures.
	Usage(ctx context.Context) (*UsageStats, error)
}
