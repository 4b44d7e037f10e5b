package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML fields accept Go duration strings
// ("5s", "5m").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds the labsched daemon configuration. Durations are parsed from
// Go duration strings ("5s", "5m").
type Config struct {
	Addr      string `yaml:"addr"`       // HTTP listen address (default ":8080")
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json
	DBPath    string `yaml:"db_path"`    // SQLite database path (":memory:" for testing)

	// ResultsDir is the root under which every execution writes its results.
	ResultsDir string `yaml:"results_dir"`
	// WorkerPath is the worker binary launched for every execution.
	WorkerPath string `yaml:"worker_path"`

	// MaxProcesses caps concurrent worker processes on the local drone.
	MaxProcesses int `yaml:"max_processes"`
	// MaxProcessesStartedPerCycle throttles admissions within one tick.
	MaxProcessesStartedPerCycle int `yaml:"max_processes_started_per_cycle"`

	PollInterval    Duration `yaml:"poll_interval"`
	CleanupInterval Duration `yaml:"cleanup_interval"`
	StatsInterval   Duration `yaml:"stats_interval"`

	// FailOnOrphans makes recovery fail when unclaimed worker processes
	// remain after re-adoption, instead of alerting and carrying on.
	FailOnOrphans bool `yaml:"fail_on_orphans"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Addr:                        ":8080",
		LogLevel:                    "info",
		LogFormat:                   "text",
		DBPath:                      "labsched.db",
		ResultsDir:                  "results",
		WorkerPath:                  "labworker",
		MaxProcesses:                1000,
		MaxProcessesStartedPerCycle: 100,
		PollInterval:                Duration(5 * time.Second),
		CleanupInterval:             Duration(5 * time.Minute),
		StatsInterval:               Duration(time.Minute),
	}
}

// Load reads a YAML config file over the defaults. A missing path returns
// the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval.Std())
	}
	if c.MaxProcesses <= 0 {
		return fmt.Errorf("max_processes must be positive, got %d", c.MaxProcesses)
	}
	if c.MaxProcessesStartedPerCycle <= 0 {
		return fmt.Errorf("max_processes_started_per_cycle must be positive, got %d",
			c.MaxProcessesStartedPerCycle)
	}
	return nil
}
