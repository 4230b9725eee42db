package ingest

import (
	"sort"
	"sync"
	"time"

	"github.com/cptnfren/teltubby/internal/logger"
	"github.com/cptnfren/teltubby/pkg/archive"
)

// LateFragmentNote is recorded on a unit formed by album fragments that
// arrived after their group's aggregation window had already closed.
const LateFragmentNote = "album fragment: arrived after the aggregation window closed"

// closedGroupTTL is how long a closed group key is remembered for
// late-fragment detection before it is pruned.
const closedGroupTTL = 5 * time.Minute

// AggregatorConfig configures the album aggregator.
type AggregatorConfig struct {
	// Window is how long the aggregator waits for further fragments of
	// an open group after the most recent arrival.
	Window time.Duration

	// MaxItems closes a group early once this many items have arrived.
	MaxItems int
}

type groupKey struct {
	chatID  int64
	groupID string
}

// fragment is one buffered message of an open group.
type fragment struct {
	unit    *archive.Unit
	arrival uint64
}

type bucket struct {
	fragments []fragment
	timer     *time.Timer
	late      bool
}

// Aggregator merges media-group messages into single archive units.
//
// Each incoming message is a single-message unit from the transport
// layer. Messages without a group id are emitted immediately; grouped
// messages buffer under their (chat, group) key until the window timer
// fires or the sentinel item count is reached. A fragment of an already
// closed group opens a fresh unit annotated with LateFragmentNote.
//
// The emit callback runs outside the aggregator lock and may block.
type Aggregator struct {
	cfg  AggregatorConfig
	emit func(*archive.Unit)

	mu       sync.Mutex
	buckets  map[groupKey]*bucket
	closed   map[groupKey]time.Time
	arrival  uint64
	done     bool
	inflight sync.WaitGroup
}

// NewAggregator builds an aggregator that feeds closed units to emit.
func NewAggregator(cfg AggregatorConfig, emit func(*archive.Unit)) *Aggregator {
	if cfg.Window <= 0 {
		cfg.Window = 2 * time.Second
	}
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = 10
	}
	return &Aggregator{
		cfg:     cfg,
		emit:    emit,
		buckets: make(map[groupKey]*bucket),
		closed:  make(map[groupKey]time.Time),
	}
}

// Add feeds one incoming single-message unit into the aggregator.
// Messages arriving after Close are dropped.
func (a *Aggregator) Add(msg *archive.Unit) {
	if msg.MediaGroupID == "" {
		a.mu.Lock()
		if a.done {
			a.mu.Unlock()
			return
		}
		a.inflight.Add(1)
		a.mu.Unlock()

		a.emit(a.seal([]fragment{{unit: msg}}, false))
		a.inflight.Done()
		return
	}

	key := groupKey{chatID: msg.ChatID, groupID: msg.MediaGroupID}

	a.mu.Lock()
	if a.done {
		a.mu.Unlock()
		return
	}
	a.pruneClosedLocked()

	b, open := a.buckets[key]
	if !open {
		_, wasClosed := a.closed[key]
		b = &bucket{late: wasClosed}
		b.timer = time.AfterFunc(a.cfg.Window, func() { a.closeGroup(key) })
		a.buckets[key] = b
		if wasClosed {
			logger.Debug("late album fragment opens a new unit",
				logger.KeyComponent, "aggregator",
				logger.KeyChatID, msg.ChatID,
				logger.KeyMediaGroupID, msg.MediaGroupID)
		}
	} else {
		b.timer.Reset(a.cfg.Window)
	}

	a.arrival++
	b.fragments = append(b.fragments, fragment{unit: msg, arrival: a.arrival})

	if len(b.fragments) >= a.cfg.MaxItems {
		unit := a.takeLocked(key)
		if unit != nil {
			a.inflight.Add(1)
		}
		a.mu.Unlock()
		if unit != nil {
			a.emit(unit)
			a.inflight.Done()
		}
		return
	}
	a.mu.Unlock()
}

// Flush closes every open group immediately. Used on shutdown so
// buffered fragments are archived rather than dropped.
func (a *Aggregator) Flush() {
	a.mu.Lock()
	var units []*archive.Unit
	for key := range a.buckets {
		if u := a.takeLocked(key); u != nil {
			units = append(units, u)
		}
	}
	a.mu.Unlock()

	for _, u := range units {
		a.emit(u)
	}
}

// Close flushes open groups and stops accepting messages. When Close
// returns, no further emits will occur: in-flight timer emits have
// completed and later Adds are dropped.
func (a *Aggregator) Close() {
	a.mu.Lock()
	a.done = true
	var units []*archive.Unit
	for key := range a.buckets {
		if u := a.takeLocked(key); u != nil {
			units = append(units, u)
		}
	}
	a.mu.Unlock()

	for _, u := range units {
		a.emit(u)
	}
	a.inflight.Wait()
}

func (a *Aggregator) closeGroup(key groupKey) {
	a.mu.Lock()
	unit := a.takeLocked(key)
	if unit != nil {
		a.inflight.Add(1)
	}
	a.mu.Unlock()

	if unit != nil {
		a.emit(unit)
		a.inflight.Done()
	}
}

// takeLocked removes the bucket and seals its fragments into a unit.
func (a *Aggregator) takeLocked(key groupKey) *archive.Unit {
	b, ok := a.buckets[key]
	if !ok {
		return nil
	}
	delete(a.buckets, key)
	b.timer.Stop()
	a.closed[key] = time.Now()

	if len(b.fragments) == 0 {
		return nil
	}
	return a.seal(b.fragments, b.late)
}

// seal merges fragments into one unit. The earliest message anchors the
// unit identity; ordinals follow message order, ties broken by arrival.
func (a *Aggregator) seal(fragments []fragment, late bool) *archive.Unit {
	sort.Slice(fragments, func(i, j int) bool {
		if fragments[i].unit.MessageID != fragments[j].unit.MessageID {
			return fragments[i].unit.MessageID < fragments[j].unit.MessageID
		}
		return fragments[i].arrival < fragments[j].arrival
	})

	anchor := fragments[0].unit
	unit := &archive.Unit{
		ChatID:         anchor.ChatID,
		ChatTitle:      anchor.ChatTitle,
		ChatUsername:   anchor.ChatUsername,
		SenderID:       anchor.SenderID,
		SenderUsername: anchor.SenderUsername,
		MessageID:      anchor.MessageID,
		MediaGroupID:   anchor.MediaGroupID,
		Timestamp:      anchor.Timestamp,
		Forward:        anchor.Forward,
	}
	if late {
		unit.Notes = LateFragmentNote
	}

	ordinal := 0
	for _, f := range fragments {
		// The album caption rides on whichever message carries one.
		if unit.Caption == "" && f.unit.Caption != "" {
			unit.Caption = f.unit.Caption
			unit.CaptionEntities = f.unit.CaptionEntities
		}
		if len(unit.Entities) == 0 && len(f.unit.Entities) > 0 {
			unit.Entities = f.unit.Entities
		}
		for _, item := range f.unit.Items {
			ordinal++
			item.Ordinal = ordinal
			unit.Items = append(unit.Items, item)
		}
	}

	return unit
}

// pruneClosedLocked drops closed-group markers past their TTL.
func (a *Aggregator) pruneClosedLocked() {
	cutoff := time.Now().Add(-closedGroupTTL)
	for key, at := range a.closed {
		if at.Before(cutoff) {
			delete(a.closed, key)
		}
	}
}
