// Package config provides configuration types, defaults, and persistence
// for maestro.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/zjrosen/maestro/internal/adapter"
	"github.com/zjrosen/maestro/internal/log"
	"github.com/zjrosen/maestro/internal/subsession"
	"github.com/zjrosen/maestro/internal/tracing"
)

// Config holds all configuration options for maestro.
type Config struct {
	// DataDir is where orchestrator state, templates, and logs live.
	// Default: ~/.maestro
	DataDir string `mapstructure:"data_dir"`

	// CleanupMode controls what happens to worker sessions when an
	// orchestrator is cancelled or cleaned up: "archive" or "delete".
	CleanupMode string `mapstructure:"cleanup_mode"`

	// Debug enables debug-level logging.
	Debug bool `mapstructure:"debug"`

	Adapter    adapter.Config    `mapstructure:"adapter"`
	Tracing    tracing.Config    `mapstructure:"tracing"`
	Subsession subsession.Config `mapstructure:"subsession"`
}

// Defaults returns the default configuration.
func Defaults() Config {
	return Config{
		DataDir:     DefaultDataDir(),
		CleanupMode: "archive",
		Adapter: adapter.Config{
			Endpoint:       adapter.DefaultEndpoint,
			TargetFilter:   adapter.DefaultTargetFilter,
			CapabilityPath: adapter.DefaultCapabilityPath,
		},
		Tracing:    tracing.DefaultConfig(),
		Subsession: subsession.DefaultConfig(),
	}
}

// DefaultDataDir returns ~/.maestro, or a relative fallback when the home
// directory cannot be determined.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".maestro"
	}
	return filepath.Join(home, ".maestro")
}

// StatePath returns the orchestrator persistence file location.
func (c Config) StatePath() string {
	return filepath.Join(c.DataDir, "orchestrator", "data", "orchestrators.json")
}

// TemplateDir returns the user template directory. Built-in templates are
// compiled in; only custom ones live on disk.
func (c Config) TemplateDir() string {
	return filepath.Join(c.DataDir, "templates", "custom")
}

// LogPath returns the log file location.
func (c Config) LogPath() string {
	return filepath.Join(c.DataDir, "maestro.log")
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	switch c.CleanupMode {
	case "archive", "delete":
	default:
		return fmt.Errorf("config: cleanup_mode must be \"archive\" or \"delete\", got %q", c.CleanupMode)
	}
	switch c.Tracing.Exporter {
	case "", "none", "file", "stdout", "otlp":
	default:
		return fmt.Errorf("config: tracing.exporter must be one of none, file, stdout, otlp, got %q", c.Tracing.Exporter)
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("config: tracing.sample_rate must be within [0,1], got %v", c.Tracing.SampleRate)
	}
	return nil
}

// DefaultConfigTemplate returns the commented YAML written on first run.
func DefaultConfigTemplate() string {
	return `# maestro configuration
#
# data_dir holds orchestrator state, user templates, and logs.
# data_dir: ~/.maestro

# What to do with worker sessions on cancel/cleanup: archive or delete.
cleanup_mode: archive

# Debug-level logging.
debug: false

adapter:
  # Host debugging endpoint (remote debugging must be enabled in the host).
  endpoint: localhost:9222
  # Substring matched against debug target URLs/titles.
  target_filter: claude
  # JavaScript path to the session capability object.
  capability_path: window.appBridge.sessions

tracing:
  enabled: false
  # Exporter: none, file, stdout, otlp
  exporter: file
  # file_path defaults to <data_dir>/traces/traces.jsonl
  # otlp_endpoint: localhost:4317
  sample_rate: 1.0

subsession:
  # Forward child completion results to the parent session.
  forward_results: true
`
}

// WriteDefaultConfig creates a config file at the given path with default
// settings and comments. Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	log.Info(log.CatConfig, "created default config", "path", configPath)
	return nil
}
