package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Validate checks the configuration for invalid values.
//
// Struct tags cover field-level constraints; the cross-field rules the
// tags cannot express are checked explicitly afterwards.
func Validate(cfg *Config) error {
	validate := validator.New()

	if err := validate.Struct(cfg); err != nil {
		return err
	}

	if cfg.Ingest.InlineLimit > cfg.Ingest.MaxFileSize {
		return fmt.Errorf("ingest.inline_limit (%s) must not exceed ingest.max_file_size (%s)",
			cfg.Ingest.InlineLimit, cfg.Ingest.MaxFileSize)
	}

	if cfg.Quota.WarnRatio > cfg.Quota.CloseRatio {
		return fmt.Errorf("quota.warn_ratio (%.2f) must not exceed quota.close_ratio (%.2f)",
			cfg.Quota.WarnRatio, cfg.Quota.CloseRatio)
	}

	if cfg.Telegram.Mode == "webhook" && cfg.Telegram.WebhookURL == "" {
		return fmt.Errorf("telegram.webhook_url is required when telegram.mode is webhook")
	}

	if cfg.Dedup.Driver == "badger" && cfg.Dedup.Path == "" {
		return fmt.Errorf("dedup.path is required when dedup.driver is badger")
	}

	if err := cfg.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	return nil
}
