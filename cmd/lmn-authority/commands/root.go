// Package commands implements the CLI commands for the lmn-authority
// server and worker.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/linuxmuster/lmn-authority/internal/logger"
	"github.com/linuxmuster/lmn-authority/pkg/config"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "lmn-authority",
	Short: "LINBO network boot authority",
	Long: `lmn-authority serves the linuxmuster.net device inventory and LINBO
start.conf files over a read-only HTTP API, and runs the domain
controller worker that repairs machine accounts and provisions hosts.

The API is the single source of truth for boot clients: host records,
start configurations, DHCP exports, the image manifest and an
incremental change feed, all read directly from devices.csv and the
start.conf directory on disk.

Use "lmn-authority [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: environment and built-in defaults)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// loadConfig loads the configuration and initializes the structured
// logger from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	loggerCfg := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}
	if err := logger.Init(loggerCfg); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, nil
}
