package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cptnfren/teltubby/internal/logger"
	"github.com/cptnfren/teltubby/pkg/api"
	"github.com/cptnfren/teltubby/pkg/ingest"
	"github.com/cptnfren/teltubby/pkg/jobs"
	promcollect "github.com/cptnfren/teltubby/pkg/metrics/prometheus"
	"github.com/cptnfren/teltubby/pkg/queue"
	"github.com/cptnfren/teltubby/pkg/quota"
	"github.com/cptnfren/teltubby/pkg/service"
	s3store "github.com/cptnfren/teltubby/pkg/store/blob/s3"
	"github.com/cptnfren/teltubby/pkg/transport/botapi"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the bot and the inline archival pipeline",
	Long: `Start the bot process: Telegram updates are received (long polling or
webhook), whitelisted curators' media is archived inline, albums are
aggregated into single units, and files above the inline limit are
routed to the job queue for the worker process.

Examples:
  # Start with the default config location
  teltubby start

  # Start with a custom config file
  teltubby start --config /etc/teltubby/config.yaml

  # Override config via environment
  TELTUBBY_LOGGING_LEVEL=DEBUG teltubby start`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Telegram.BotToken == "" {
		return fmt.Errorf("telegram.bot_token is required to run the bot process")
	}
	if len(cfg.Telegram.Whitelist) == 0 {
		return fmt.Errorf("telegram.whitelist must list at least one curator user id")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Configuration loaded", "source", getConfigSource(GetConfigFile()))

	// Archive bucket.
	s3client, err := s3store.NewClientFromConfig(ctx,
		cfg.S3.Endpoint,
		cfg.S3.Region,
		cfg.S3.AccessKeyID,
		cfg.S3.SecretAccessKey,
		cfg.S3.ForcePathStyle,
	)
	if err != nil {
		return fmt.Errorf("failed to create S3 client: %w", err)
	}
	objstore, err := s3store.New(ctx, s3store.Config{
		Client:        s3client,
		Bucket:        cfg.S3.Bucket,
		UsageCacheTTL: cfg.Quota.PollInterval,
	})
	if err != nil {
		return err
	}

	// Job store, dedup index (shares the store's database on the sql
	// driver), and queue.
	store, err := jobs.NewStore(&cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	index, err := openDedupIndex(cfg, store)
	if err != nil {
		return fmt.Errorf("failed to open dedup index: %w", err)
	}
	defer index.Close()

	broker, err := queue.Connect(queueConfig(cfg))
	if err != nil {
		return err
	}
	defer broker.Close()

	gate := quota.New(objstore, quota.Config{
		QuotaBytes: uint64(cfg.Quota.BucketQuotaBytes),
		WarnRatio:  cfg.Quota.WarnRatio,
		CloseRatio: cfg.Quota.CloseRatio,
	})

	client := queue.NewClient(store, broker, cfg.Worker.MaxRetries, promcollect.NewQueueMetrics())

	bot := botapi.New(cfg.Telegram.BotToken, "")

	pipe := ingest.New(ingest.Config{
		Bucket:        cfg.S3.Bucket,
		InlineLimit:   int64(cfg.Ingest.InlineLimit),
		MaxFileSize:   int64(cfg.Ingest.MaxFileSize),
		IOTimeout:     cfg.Ingest.IOTimeout,
		UploadRetries: cfg.Ingest.UploadRetries,
	}, objstore, index, bot, client, gate, promcollect.NewIngestMetrics())

	svc := service.New(service.Config{
		Whitelist:     cfg.Telegram.Whitelist,
		Concurrency:   cfg.Ingest.Concurrency,
		AlbumWindow:   cfg.Ingest.AlbumWindow,
		AlbumMaxItems: cfg.Ingest.AlbumMaxItems,
	}, pipe, bot)

	accept := func(m *botapi.Message) {
		svc.Accept(ctx, m.ToUnit())
	}

	opts := api.Options{
		Quota:      gate,
		QueueDepth: broker.Depth,
		Version:    Version,
	}
	if cfg.Telegram.Mode == "webhook" {
		opts.Webhook = botapi.WebhookHandler(cfg.Telegram.WebhookSecret, accept)
	}
	srv := api.New(api.Config{
		Port:          cfg.Health.Port,
		LocalhostOnly: cfg.Health.LocalhostOnly,
	}, opts)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(srv.Start)

	g.Go(func() error {
		return svc.Run(gctx)
	})

	switch cfg.Telegram.Mode {
	case "webhook":
		g.Go(func() error {
			if cfg.Telegram.WebhookURL == "" {
				return fmt.Errorf("telegram.webhook_url is required in webhook mode")
			}
			if err := bot.SetWebhook(gctx, cfg.Telegram.WebhookURL, cfg.Telegram.WebhookSecret); err != nil {
				return fmt.Errorf("failed to register webhook: %w", err)
			}
			logger.Info("Webhook registered", "url", cfg.Telegram.WebhookURL)
			<-gctx.Done()
			return nil
		})
	default:
		g.Go(func() error {
			// A lingering webhook blocks getUpdates.
			if err := bot.DeleteWebhook(gctx); err != nil {
				logger.Warn("failed to clear webhook registration", logger.Err(err))
			}
			logger.Info("Polling for updates")
			err := bot.Poll(gctx, accept)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("health server shutdown error", logger.Err(err))
		}
		return nil
	})

	logger.Info("Bot is running. Press Ctrl+C to stop.")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Bot stopped gracefully")
	return nil
}
