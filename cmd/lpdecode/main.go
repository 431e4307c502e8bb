package main

import (
	"os"

	"github.com/basekick-labs/lpdecode/internal/config"
	"github.com/basekick-labs/lpdecode/internal/logger"
	"github.com/spf13/cobra"
)

// Version is set at build time
var Version = "dev"

var (
	configPath string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "lpdecode",
	Short: "Decode InfluxDB line protocol into structured records",
	Long: `lpdecode decodes InfluxDB line protocol points into records with a
measurement, tags, typed fields and an optional timestamp.

Decode lines from the command line, files or stdin, or run it as a
service that decodes HTTP request bodies and MQTT messages.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// stdout carries decoded records, logs always go to stderr
		logger.SetupWriter(os.Stderr, logLevel, logFormat)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: ./lpdecode.toml, /etc/lpdecode/, $HOME/.lpdecode/)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level: trace, debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "log format: console or json")
}

// loadConfig reads the config file named by --config, or the default locations
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFile(configPath)
	}
	return config.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
