package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cptnfren/teltubby/pkg/config"
	"github.com/cptnfren/teltubby/pkg/jobs"
)

var dbMaintCmd = &cobra.Command{
	Use:   "db-maint",
	Short: "Run maintenance on the dedup index",
	Long: `Compact the dedup index.

On the sql driver this vacuums the shared database and is safe while
the bot and worker run. On the badger driver it runs value-log garbage
collection and needs exclusive access; stop the bot and worker first.`,
	RunE: runDBMaint,
}

func runDBMaint(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}
	if err := InitLogger(cfg); err != nil {
		return err
	}

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

	start := time.Now()
	if err := index.Vacuum(context.Background()); err != nil {
		return err
	}

	fmt.Printf("Dedup index compacted in %s\n", time.Since(start).Round(time.Millisecond))
	return nil
}
