// Package quota implements the bucket admission gate.
//
// The gate compares bucket usage against the configured capacity. Below
// the warn threshold it is open; between warn and close it stays open
// but acks carry a warning; at or above the close threshold new media
// is refused and the queue worker pauses consumption. When no capacity
// is configured the ratio is unknown and the gate never closes.
package quota

import (
	"context"
	"errors"

	"github.com/cptnfren/teltubby/internal/logger"
	"github.com/cptnfren/teltubby/pkg/store/blob"
)

// ErrQuotaFull is returned by Admit when the gate is closed.
var ErrQuotaFull = errors.New("bucket quota exhausted")

// State is the gate position.
type State string

const (
	StateOpen    State = "open"
	StateWarning State = "warning"
	StateClosed  State = "closed"
	StateUnknown State = "unknown"
)

// Snapshot is a point-in-time view of bucket usage and gate state.
type Snapshot struct {
	UsedBytes  uint64
	QuotaBytes uint64

	// Ratio is UsedBytes/QuotaBytes; meaningful only when RatioKnown.
	Ratio      float64
	RatioKnown bool

	State State
}

// Gate evaluates admission against bucket usage.
//
// Usage figures come from the object store, which caches them with its
// own TTL; the gate itself holds no state and is safe for concurrent
// use.
type Gate struct {
	store      blob.ObjectStore
	quotaBytes uint64
	warnRatio  float64
	closeRatio float64
}

// Config contains gate thresholds.
type Config struct {
	// QuotaBytes is the configured bucket capacity; zero means unknown.
	QuotaBytes uint64

	// WarnRatio and CloseRatio default to 0.8 and 1.0.
	WarnRatio  float64
	CloseRatio float64
}

// New creates a gate over the given object store.
func New(store blob.ObjectStore, cfg Config) *Gate {
	warn := cfg.WarnRatio
	if warn == 0 {
		warn = 0.8
	}
	closeAt := cfg.CloseRatio
	if closeAt == 0 {
		closeAt = 1.0
	}
	return &Gate{
		store:      store,
		quotaBytes: cfg.QuotaBytes,
		warnRatio:  warn,
		closeRatio: closeAt,
	}
}

// Snapshot computes the current usage and gate state.
//
// A storage failure does not close the gate: archival keeps working on
// stale knowledge and the failure is logged.
func (g *Gate) Snapshot(ctx context.Context) Snapshot {
	snap := Snapshot{QuotaBytes: g.quotaBytes, State: StateUnknown}

	usage, err := g.store.Usage(ctx)
	if err != nil {
		logger.WarnCtx(ctx, "quota: usage probe failed, gate stays open", logger.KeyError, err.Error())
		if g.quotaBytes == 0 {
			snap.State = StateUnknown
		} else {
			snap.State = StateOpen
		}
		return snap
	}

	snap.UsedBytes = usage.TotalBytes
	if g.quotaBytes == 0 {
		return snap
	}

	snap.Ratio = float64(usage.TotalBytes) / float64(g.quotaBytes)
	snap.RatioKnown = true

	switch {
	case snap.Ratio >= g.closeRatio:
		snap.State = StateClosed
	case snap.Ratio >= g.warnRatio:
		snap.State = StateWarning
	default:
		snap.State = StateOpen
	}
	return snap
}

// Admit checks whether new media may enter the pipeline. It returns the
// snapshot either way so callers can surface warnings in acks.
func (g *Gate) Admit(ctx context.Context) (Snapshot, error) {
	snap := g.Snapshot(ctx)
	if snap.State == StateClosed {
		return snap, ErrQuotaFull
	}
	return snap, nil
}
