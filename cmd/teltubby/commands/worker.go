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
	"github.com/cptnfren/teltubby/pkg/jobs"
	promcollect "github.com/cptnfren/teltubby/pkg/metrics/prometheus"
	"github.com/cptnfren/teltubby/pkg/queue"
	"github.com/cptnfren/teltubby/pkg/quota"
	s3store "github.com/cptnfren/teltubby/pkg/store/blob/s3"
	"github.com/cptnfren/teltubby/pkg/transport/botapi"
	"github.com/cptnfren/teltubby/pkg/worker"
)

var workerHealthPort int

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the queue worker for large files",
	Long: `Start the queue worker process: it consumes archival jobs for files
above the bot transport's download limit and fetches their payloads
through a locally hosted Bot API server (worker.api_endpoint), which
lifts the hosted size restrictions.

The worker commits through the same pipeline as the inline path, so
layouts, manifests, and dedup records are identical. With the default
sql dedup driver the worker runs alongside the bot against the shared
database; the badger driver admits only one process at a time.

Examples:
  # Start the worker with the default config location
  teltubby worker

  # Start with a custom config file
  teltubby worker --config /etc/teltubby/config.yaml`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().IntVar(&workerHealthPort, "health-port", 0, "Health endpoint port (default: health.port + 1)")
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Telegram.BotToken == "" {
		return fmt.Errorf("telegram.bot_token is required to run the worker")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Configuration loaded", "source", getConfigSource(GetConfigFile()))

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

	store, err := jobs.NewStore(&cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	// On the sql driver the index shares the job database with the
	// running bot; the badger driver refuses a second process.
	index, err := openDedupIndex(cfg, store)
	if err != nil {
		return fmt.Errorf("failed to open dedup index (is the bot holding it?): %w", err)
	}
	defer index.Close()

	broker, err := queue.Connect(queueConfig(cfg))
	if err != nil {
		return err
	}
	defer broker.Close()

	deliveries, err := broker.Consume(cfg.Worker.Concurrency)
	if err != nil {
		return err
	}

	gate := quota.New(objstore, quota.Config{
		QuotaBytes: uint64(cfg.Quota.BucketQuotaBytes),
		WarnRatio:  cfg.Quota.WarnRatio,
		CloseRatio: cfg.Quota.CloseRatio,
	})

	// The local Bot API server fetches; acks go to the originating chats
	// through the same client.
	fetcher := botapi.New(cfg.Telegram.BotToken, cfg.Worker.APIEndpoint)

	w := worker.New(worker.Config{
		Bucket:               cfg.S3.Bucket,
		Concurrency:          cfg.Worker.Concurrency,
		MaxRetries:           cfg.Worker.MaxRetries,
		RetryDelay:           cfg.Worker.RetryDelay,
		HoldDelay:            cfg.Worker.HoldDelay,
		SessionCheckInterval: cfg.Worker.SessionCheckInterval,
		IOTimeout:            cfg.Ingest.IOTimeout,
		UploadRetries:        cfg.Ingest.UploadRetries,
		AdminChatID:          cfg.Telegram.AdminChatID,
	}, store, objstore, index, fetcher, fetcher, fetcher, gate, promcollect.NewQueueMetrics())

	// The worker exposes its own health endpoint beside the bot's.
	port := workerHealthPort
	if port == 0 {
		port = cfg.Health.Port + 1
	}
	srv := api.New(api.Config{
		Port:          port,
		LocalhostOnly: cfg.Health.LocalhostOnly,
	}, api.Options{
		Quota:       gate,
		QueueDepth:  broker.Depth,
		SessionHeld: w.Held,
		Version:     Version,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(srv.Start)

	g.Go(func() error {
		return w.Run(gctx, deliveries)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("health server shutdown error", logger.Err(err))
		}
		return nil
	})

	logger.Info("Worker is running. Press Ctrl+C to stop.",
		"queue", cfg.Queue.Queue,
		"concurrency", cfg.Worker.Concurrency)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Worker stopped gracefully")
	return nil
}
