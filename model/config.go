package model

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the single process-wide runtime configuration. All durations
// are configured in milliseconds.
type Config struct {
	// DataDir is the root directory for persistent state (JetStream
	// storage, sandbox workspaces, secrets tempdirs).
	DataDir string `yaml:"data_dir"`

	// GearDir is the directory holding gear manifests (*.yaml).
	GearDir string `yaml:"gear_dir"`

	// MetricsAddr is the listen address for metrics and probe exposition.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	NATS NATSConfig `yaml:"nats"`

	// Workers sizes the worker pool.
	Workers int `yaml:"workers"`

	// JobTimeoutMs bounds one job's pipeline run.
	JobTimeoutMs int64 `yaml:"job_timeout_ms"`

	// GracefulShutdownMs bounds shutdown of workers and teardown handlers.
	GracefulShutdownMs int64 `yaml:"graceful_shutdown_ms"`

	// ToolKillTimeoutMs is the SIGTERM→SIGKILL escalation window for
	// sandboxed tool processes.
	ToolKillTimeoutMs int64 `yaml:"tool_kill_timeout_ms"`

	// MinDiskSpaceMb and MinRamMb feed warning-level self-diagnostics.
	MinDiskSpaceMb int64 `yaml:"min_disk_space_mb"`
	MinRamMb       int64 `yaml:"min_ram_mb"`

	// ReplayWindowMs is the signed-envelope replay rejection window.
	ReplayWindowMs int64 `yaml:"replay_window_ms"`
	// MaxReplayWindowSize bounds the seen-message-ID set.
	MaxReplayWindowSize int `yaml:"max_replay_window_size"`

	// MaxAttempts is the default per-job attempt budget.
	MaxAttempts int `yaml:"max_attempts"`
	// MaxRevisions bounds the planner revision loop.
	MaxRevisions int `yaml:"max_revisions"`
	// FastPathRetryBudget bounds fast-path verification retries.
	FastPathRetryBudget int `yaml:"fast_path_retry_budget"`

	// PollIntervalMs is the worker claim poll interval when the queue is
	// empty.
	PollIntervalMs int64 `yaml:"poll_interval_ms"`
	// WatchdogIntervalMs schedules the status watchdog.
	WatchdogIntervalMs int64 `yaml:"watchdog_interval_ms"`
	// ApprovalAgeWarnMs is the awaiting_approval age past which the
	// watchdog warns.
	ApprovalAgeWarnMs int64 `yaml:"approval_age_warn_ms"`

	PlanCache     PlanCacheConfig     `yaml:"plan_cache"`
	SemanticCache SemanticCacheConfig `yaml:"semantic_cache"`
}

// NATSConfig configures the persistence substrate.
type NATSConfig struct {
	// URL is an external NATS server URL; setting it disables the
	// embedded server.
	URL string `yaml:"url"`
	// Embedded runs an in-process JetStream server under DataDir.
	Embedded bool `yaml:"embedded"`
}

// PlanCacheConfig bounds the plan replay cache.
type PlanCacheConfig struct {
	MaxEntries int   `yaml:"max_entries"`
	TTLMs      int64 `yaml:"ttl_ms"`
}

// SemanticCacheConfig bounds the semantic response cache.
type SemanticCacheConfig struct {
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	TTLMs               int64   `yaml:"ttl_ms"`
	MaxEntries          int     `yaml:"max_entries"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir:             defaultDataDir(),
		GearDir:             "gear",
		MetricsAddr:         "127.0.0.1:9480",
		LogLevel:            "info",
		NATS:                NATSConfig{Embedded: true},
		Workers:             4,
		JobTimeoutMs:        300_000,
		GracefulShutdownMs:  30_000,
		ToolKillTimeoutMs:   10_000,
		MinDiskSpaceMb:      512,
		MinRamMb:            256,
		ReplayWindowMs:      60_000,
		MaxReplayWindowSize: 10_000,
		MaxAttempts:         3,
		MaxRevisions:        3,
		FastPathRetryBudget: 2,
		PollIntervalMs:      250,
		WatchdogIntervalMs:  30_000,
		ApprovalAgeWarnMs:   600_000,
		PlanCache: PlanCacheConfig{
			MaxEntries: 256,
			TTLMs:      24 * 60 * 60 * 1000,
		},
		SemanticCache: SemanticCacheConfig{
			SimilarityThreshold: 0.98,
			TTLMs:               60 * 60 * 1000,
			MaxEntries:          512,
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".meridian"
	}
	return filepath.Join(home, ".meridian")
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.JobTimeoutMs <= 0 {
		return fmt.Errorf("job_timeout_ms must be positive, got %d", c.JobTimeoutMs)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be positive, got %d", c.MaxAttempts)
	}
	if c.ReplayWindowMs <= 0 {
		return fmt.Errorf("replay_window_ms must be positive, got %d", c.ReplayWindowMs)
	}
	if c.MaxReplayWindowSize <= 0 {
		return fmt.Errorf("max_replay_window_size must be positive, got %d", c.MaxReplayWindowSize)
	}
	if t := c.SemanticCache.SimilarityThreshold; t < 0 || t > 1 {
		return fmt.Errorf("semantic_cache.similarity_threshold must be in [0,1], got %v", t)
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	return nil
}

// LoadConfig reads a YAML config file and overlays it onto the defaults.
// A missing path returns the defaults unchanged.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
