package monitor

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/detrace/perfticks/internal/export"
)

// TargetConfig selects the process whose threads are monitored.
type TargetConfig struct {
	// PID is the target process id. Takes precedence over
	// ProcessName when both are set.
	PID int `yaml:"pid"`

	// ProcessName is a comm name to resolve by scanning /proc.
	ProcessName string `yaml:"process_name"`
}

// TicksConfig configures per-task tick counting.
type TicksConfig struct {
	// Period is the number of ticks after which a task's interrupt
	// fd becomes ready and its counters are re-armed.
	Period uint64 `yaml:"period"`

	// ExtraEnabled opens the diagnostic counters (page faults,
	// hardware interrupts, instructions retired).
	ExtraEnabled bool `yaml:"extra_enabled"`
}

// Config is the top-level configuration for the perfticks monitor.
type Config struct {
	// LogLevel sets the logging verbosity (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// Target selects the monitored process.
	Target TargetConfig `yaml:"target"`

	// Ticks configures the counters.
	Ticks TicksConfig `yaml:"ticks"`

	// Metrics configures the Prometheus metrics server.
	Metrics export.Config `yaml:"metrics"`

	// PollInterval is the multiplexer timeout between metric
	// refreshes. Defaults to 1s.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Ticks: TicksConfig{
			Period: 10_000_000,
		},
		Metrics: export.Config{
			Addr: ":9090",
		},
		PollInterval: time.Second,
	}
}

// LoadConfig reads and parses a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	cfg := DefaultConfig()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for required fields and consistency.
func (c *Config) Validate() error {
	if c.Target.PID <= 0 && c.Target.ProcessName == "" {
		return fmt.Errorf(
			"one of target.pid or target.process_name is required",
		)
	}

	if c.Ticks.Period == 0 {
		return fmt.Errorf("ticks.period must be positive")
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}

	return nil
}
