package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cptnfren/teltubby/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Create a configuration file with default values.

The file is written to $XDG_CONFIG_HOME/teltubby/config.yaml unless
--config points elsewhere. Fill in the Telegram bot token, the curator
whitelist, and the S3 credentials before starting the bot.

Examples:
  # Create config at the default location
  teltubby init

  # Create config at a custom path
  teltubby init --config /etc/teltubby/config.yaml

  # Overwrite an existing file
  teltubby init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "Overwrite existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	path := GetConfigFile()
	if path == "" {
		path = config.GetDefaultConfigPath()
	}

	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("configuration file already exists: %s\n\nUse --force to overwrite it", path)
	}

	if err := config.SaveConfig(config.GetDefaultConfig(), path); err != nil {
		return err
	}

	fmt.Printf("Configuration file created at: %s\n", path)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Set telegram.bot_token and telegram.whitelist")
	fmt.Println("  2. Set the s3 endpoint, bucket, and credentials")
	fmt.Println("  3. Start the bot with: teltubby start")
	fmt.Printf("  4. Or specify the config explicitly: teltubby start --config %s\n", path)
	return nil
}
