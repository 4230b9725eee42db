// Package transport defines the Telegram transport contracts the core
// depends on. The concrete bot and user-protocol clients are external
// collaborators; the pipeline and worker only see these interfaces.
package transport

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrTooBig means the transport refused the payload because it
	// exceeds the transport's download ceiling. The size router treats
	// this as a signal to reroute through the job queue.
	ErrTooBig = errors.New("payload exceeds transport download limit")

	// ErrFileNotFound means the file reference is no longer resolvable
	// (revoked, expired). Permanent for the referencing item.
	ErrFileNotFound = errors.New("file reference not resolvable")

	// ErrSessionUnauthorized means the user-protocol session is invalid
	// or revoked. The worker holds instead of consuming retries.
	ErrSessionUnauthorized = errors.New("user session unauthorized")
)

// FileRef identifies a fetchable payload.
type FileRef struct {
	// FileID is the transport fetch handle.
	FileID string

	// FileUniqueID is stable per content across messages and chats.
	FileUniqueID string

	// SizeHint is the declared size; the actual stream may differ.
	SizeHint int64
}

// Fetcher streams a payload by file reference.
//
// The returned size is the actual payload length when the transport
// knows it, otherwise the hint. The caller owns closing the reader.
type Fetcher interface {
	Fetch(ctx context.Context, ref FileRef) (io.ReadCloser, int64, error)
}

// Notifier delivers ack and status messages to a chat through the bot
// surface.
type Notifier interface {
	Notify(ctx context.Context, chatID int64, text string) error
}

// SessionProber checks user-protocol session health. A healthy probe
// returns nil; an invalidated session returns ErrSessionUnauthorized.
type SessionProber interface {
	Probe(ctx context.Context) error
}

// FetchFunc adapts a function to the Fetcher interface.
type FetchFunc func(ctx context.Context, ref FileRef) (io.ReadCloser, int64, error)

func (f FetchFunc) Fetch(ctx context.Context, ref FileRef) (io.ReadCloser, int64, error) {
	return f(ctx, ref)
}

// NotifyFunc adapts a function to the Notifier interface.
type NotifyFunc func(ctx context.Context, chatID int64, text string) error

func (f NotifyFunc) Notify(ctx context.Context, chatID int64, text string) error {
	return f(ctx, chatID, text)
}

// ProbeFunc adapts a function to the SessionProber interface.
type ProbeFunc func(ctx context.Context) error

func (f ProbeFunc) Probe(ctx context.Context) error { return f(ctx) }
