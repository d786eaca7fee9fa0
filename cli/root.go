// Package cli provides the command-line interface for the ingest pipeline.
// One binary hosts every role: the three stage workers, the sweeper, schema
// migration and manual run triggering. Roles are selected by subcommand so a
// deployment scales each stage independently while sharing one image.
//
// Configuration follows 12-factor conventions: a config file, a .env file and
// INGEST_-prefixed environment variables, in ascending precedence.
package cli

import (
	"github.com/spf13/cobra"

	"ingest.groundswell.dev/common"
	"ingest.groundswell.dev/config"
)

// cfgFile is the config file path given via --config; empty means the
// standard search locations.
var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Integration execution pipeline",
	Long: `ingest runs the integration execution pipeline: runs seed streams,
streams traverse paginated platform resources, and data records are
normalized into the sink. Each subcommand hosts one pipeline role.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ./config.yaml, ~/.groundswell, /etc/groundswell)")
}

// loadConfig loads the configuration and applies its logging settings.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig("INGEST", cfgFile)
	if err != nil {
		return nil, err
	}
	common.ConfigureLogger(cfg.Logging.Level, cfg.Logging.Format)
	return cfg, nil
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
