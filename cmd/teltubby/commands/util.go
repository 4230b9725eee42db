package commands

import (
	"github.com/cptnfren/teltubby/internal/logger"
	"github.com/cptnfren/teltubby/pkg/config"
	"github.com/cptnfren/teltubby/pkg/dedup"
	dedupbadger "github.com/cptnfren/teltubby/pkg/dedup/badger"
	dedupsql "github.com/cptnfren/teltubby/pkg/dedup/sql"
	"github.com/cptnfren/teltubby/pkg/jobs"
	"github.com/cptnfren/teltubby/pkg/metrics"
	"github.com/cptnfren/teltubby/pkg/queue"
)

// InitLogger initializes the structured logger from configuration.
func InitLogger(cfg *config.Config) error {
	return logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
}

// loadConfig loads the configuration and brings up logging and metrics,
// the common preamble of every command that touches system state.
func loadConfig() (*config.Config, error) {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return nil, err
	}
	if err := InitLogger(cfg); err != nil {
		return nil, err
	}
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
	}
	return cfg, nil
}

// queueConfig maps the loaded configuration onto the broker config.
func queueConfig(cfg *config.Config) queue.Config {
	return queue.Config{
		URL:            cfg.Queue.URL,
		Exchange:       cfg.Queue.Exchange,
		Queue:          cfg.Queue.Queue,
		DLXExchange:    cfg.Queue.DLXExchange,
		FailedQueue:    cfg.Queue.FailedQueue,
		MaxPriority:    cfg.Queue.MaxPriority,
		PublishTimeout: cfg.Queue.PublishTimeout,
	}
}

// openDedupIndex builds the dedup index for the configured driver. The
// sql driver rides the job store's database handle, so the bot and the
// worker can hold the index open at the same time; badger is exclusive
// to one process.
func openDedupIndex(cfg *config.Config, store *jobs.GORMStore) (dedup.Index, error) {
	if cfg.Dedup.Driver == "badger" {
		return dedupbadger.New(dedupbadger.Config{
			Path:           cfg.Dedup.Path,
			GCDiscardRatio: cfg.Dedup.GCDiscardRatio,
		})
	}
	return dedupsql.New(store.DB())
}

// getConfigSource returns a description of where the config was loaded from.
func getConfigSource(configFile string) string {
	if configFile != "" {
		return configFile
	}
	if config.DefaultConfigExists() {
		return config.GetDefaultConfigPath()
	}
	return "defaults"
}
