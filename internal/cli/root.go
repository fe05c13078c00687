// Package cli is the dettest command tree.
package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/dettest/internal/config"
	"github.com/telhawk-systems/dettest/internal/logging"
)

var (
	cfgFile string
	cfg     *config.Config
	logger  *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "dettest",
	Short: "Detection testing orchestrator",
	Long: `dettest replays attack data into analytics instances, runs each
detection's search against it and reports which detections fire.

Instances are containers started for the run or pre-existing servers.
Configuration is read from dettest.yaml (or --config) and DETTEST_*
environment variables.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("log-level") {
			cfg.Logging.Level, _ = cmd.Flags().GetString("log-level")
		}
		if cmd.Flags().Changed("log-format") {
			cfg.Logging.Format, _ = cmd.Flags().GetString("log-format")
		}
		logger = logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format, os.Stderr)
		logging.SetDefault(logger)
		return nil
	},
}

// Execute runs the command tree.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./dettest.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "json", "log format: json, text")
}
