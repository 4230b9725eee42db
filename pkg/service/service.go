// Package service is the bot-process runtime: curator admission, album
// aggregation, a bounded pool of unit workers over the archival
// pipeline, and curator-facing acks.
package service

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cptnfren/teltubby/internal/logger"
	"github.com/cptnfren/teltubby/pkg/archive"
	"github.com/cptnfren/teltubby/pkg/ingest"
	"github.com/cptnfren/teltubby/pkg/quota"
	"github.com/cptnfren/teltubby/pkg/transport"
)

// Config configures the runtime.
type Config struct {
	// Whitelist is the set of curator user ids allowed to archive.
	Whitelist []int64

	// Concurrency is the unit worker pool size.
	// Default: 8
	Concurrency int

	// AlbumWindow and AlbumMaxItems feed the aggregator.
	AlbumWindow   time.Duration
	AlbumMaxItems int

	// Backlog bounds how many sealed units may wait for a worker.
	// Default: 64
	Backlog int
}

func (c *Config) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.Backlog <= 0 {
		c.Backlog = 64
	}
}

// Service accepts incoming messages and archives them.
//
// Accept admits and aggregates; sealed units flow through a buffered
// channel into Concurrency pipeline workers. Units are independent, so
// pool parallelism never reorders items within a unit.
type Service struct {
	cfg       Config
	whitelist map[int64]struct{}
	pipe      *ingest.Pipeline
	notify    transport.Notifier
	agg       *ingest.Aggregator
	units     chan *archive.Unit
}

// New builds the runtime around an archival pipeline. notify may be nil
// (acks are then dropped, useful in tests).
func New(cfg Config, pipe *ingest.Pipeline, notify transport.Notifier) *Service {
	cfg.applyDefaults()

	s := &Service{
		cfg:       cfg,
		whitelist: make(map[int64]struct{}, len(cfg.Whitelist)),
		pipe:      pipe,
		notify:    notify,
		units:     make(chan *archive.Unit, cfg.Backlog),
	}
	for _, id := range cfg.Whitelist {
		s.whitelist[id] = struct{}{}
	}
	s.agg = ingest.NewAggregator(ingest.AggregatorConfig{
		Window:   cfg.AlbumWindow,
		MaxItems: cfg.AlbumMaxItems,
	}, func(u *archive.Unit) { s.units <- u })
	return s
}

// Accept feeds one incoming single-message unit into the runtime.
//
// Group chats (negative chat ids) and non-whitelisted senders are
// dropped silently. Messages without media are acked with an
// explanation instead of entering the pipeline.
func (s *Service) Accept(ctx context.Context, unit *archive.Unit) {
	if unit.ChatID < 0 {
		logger.Debug("dropping group chat message",
			logger.KeyComponent, "service",
			logger.KeyChatID, unit.ChatID)
		return
	}
	if _, ok := s.whitelist[unit.SenderID]; !ok {
		logger.Debug("dropping message from non-whitelisted sender",
			logger.KeyComponent, "service",
			logger.KeySenderID, unit.SenderID)
		return
	}
	if len(unit.Items) == 0 {
		s.send(ctx, unit.ChatID, "Nothing to archive: the message carries no media.")
		return
	}

	s.agg.Add(unit)
}

// Run drives the worker pool until ctx is cancelled, then flushes open
// album groups and drains the backlog before returning.
func (s *Service) Run(ctx context.Context) error {
	g, workCtx := errgroup.WithContext(context.WithoutCancel(ctx))

	go func() {
		<-ctx.Done()
		// Buffered fragments are archived, not dropped.
		s.agg.Close()
		close(s.units)
	}()

	for i := 0; i < s.cfg.Concurrency; i++ {
		g.Go(func() error {
			for unit := range s.units {
				s.process(workCtx, unit)
			}
			return nil
		})
	}

	return g.Wait()
}

// process archives one unit and acks the originating chat.
func (s *Service) process(ctx context.Context, unit *archive.Unit) {
	res, err := s.pipe.Process(ctx, unit)

	var text string
	switch {
	case errors.Is(err, quota.ErrQuotaFull):
		text = ingest.FormatRefusal(res.Quota)
	case errors.Is(err, ingest.ErrUnitRejected):
		text = ingest.FormatAck(res)
	case err != nil:
		logger.Error("unit archival failed",
			logger.KeyComponent, "service",
			logger.KeyChatID, unit.ChatID,
			logger.KeyMessageID, unit.MessageID,
			logger.Err(err))
		text = "Archival failed; nothing was committed for this message. Please retry."
	default:
		text = ingest.FormatAck(res)
	}

	s.send(ctx, unit.ChatID, text)
}

func (s *Service) send(ctx context.Context, chatID int64, text string) {
	if s.notify == nil || text == "" {
		return
	}
	if err := s.notify.Notify(ctx, chatID, text); err != nil {
		logger.Warn("failed to deliver ack",
			logger.KeyComponent, "service",
			logger.KeyChatID, chatID,
			logger.Err(err))
	}
}
