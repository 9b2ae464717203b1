// Package cmd wires the maestro CLI.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/maestro/internal/config"
	"github.com/zjrosen/maestro/internal/log"
)

var (
	version   = "dev"
	cfgFile   string
	debugFlag bool
	cfg       config.Config
)

var rootCmd = &cobra.Command{
	Use:     "maestro",
	Short:   "Orchestrate multi-step coding tasks across assistant sessions",
	Long: `Maestro drives a host AI assistant through its debugging endpoint to run
multi-step coding tasks: it analyzes a request in a main session, plans
sub-tasks, executes them across concurrent hidden worker sessions, and
aggregates the results.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.config/maestro/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false,
		"enable debug logging")
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("data_dir", defaults.DataDir)
	viper.SetDefault("cleanup_mode", defaults.CleanupMode)
	viper.SetDefault("adapter.endpoint", defaults.Adapter.Endpoint)
	viper.SetDefault("adapter.target_filter", defaults.Adapter.TargetFilter)
	viper.SetDefault("adapter.capability_path", defaults.Adapter.CapabilityPath)
	viper.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)
	viper.SetDefault("subsession.idle_threshold", defaults.Subsession.IdleThreshold)
	viper.SetDefault("subsession.orphan_threshold", defaults.Subsession.OrphanThreshold)
	viper.SetDefault("subsession.attribution_window", defaults.Subsession.AttributionWindow)
	viper.SetDefault("subsession.poll_interval", defaults.Subsession.PollInterval)

	viper.SetEnvPrefix("MAESTRO")
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, _ := os.UserHomeDir()
		viper.AddConfigPath(filepath.Join(home, ".config", "maestro"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			home, homeErr := os.UserHomeDir()
			if homeErr == nil {
				defaultPath := filepath.Join(home, ".config", "maestro", "config.yaml")
				if writeErr := config.WriteDefaultConfig(defaultPath); writeErr == nil {
					viper.SetConfigFile(defaultPath)
					_ = viper.ReadInConfig()
				}
			}
		}
	}

	_ = viper.Unmarshal(&cfg)
}

// initLogging sets up the file logger. Returns a cleanup func.
func initLogging() (func(), error) {
	cleanup, err := log.Init(cfg.LogPath())
	if err != nil {
		return nil, fmt.Errorf("initializing logging: %w", err)
	}
	if debugFlag || os.Getenv("MAESTRO_DEBUG") != "" || cfg.Debug {
		log.SetMinLevel(log.LevelDebug)
	}
	return cleanup, nil
}

// SetVersion overrides the build version shown by --version.
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

// Execute runs the CLI.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}
