package taskweave

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the tunable parameters of the engine.
type Config struct {
	// MaxConcurrentSteps bounds how many steps of one dependency level
	// run in parallel.
	MaxConcurrentSteps int `yaml:"max_concurrent_steps"`

	// MaxRetries is the number of repeat attempts after the first for a
	// retryable step failure. Non-retryable failures never retry.
	MaxRetries int `yaml:"max_retries"`

	// RetryDelay is the initial backoff between attempts; it doubles per retry.
	RetryDelay time.Duration `yaml:"retry_delay"`

	// StepTimeout bounds each individual provider call.
	StepTimeout time.Duration `yaml:"step_timeout"`

	// RunTimeout bounds the whole dispatch; pending steps past the
	// deadline are recorded as timed-out failures.
	RunTimeout time.Duration `yaml:"run_timeout"`

	// MaxPlanSteps is the validation gate's upper bound on plan size.
	MaxPlanSteps int `yaml:"max_plan_steps"`

	// MetricsPath is the JSONL run log location.
	MetricsPath string `yaml:"metrics_path"`

	// Model is the reasoning model name handed to the Completer backend.
	Model string `yaml:"model"`

	// PlanCacheTTL is how long generated plans stay cached. Zero disables
	// the plan cache.
	PlanCacheTTL time.Duration `yaml:"plan_cache_ttl"`

	// Event bus knobs.
	EnableEventBus     bool `yaml:"enable_event_bus"`
	EventBusBufferSize int  `yaml:"event_bus_buffer_size"`
	EventBusWorkers    int  `yaml:"event_bus_workers"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentSteps: 5,
		MaxRetries:         2,
		RetryDelay:         500 * time.Millisecond,
		StepTimeout:        15 * time.Second,
		RunTimeout:         2 * time.Minute,
		MaxPlanSteps:       8,
		MetricsPath:        "data/metrics.jsonl",
		Model:              "gpt-4o-mini",
		PlanCacheTTL:       10 * time.Minute,
		EnableEventBus:     true,
		EventBusBufferSize: 100,
		EventBusWorkers:    5,
	}
}

// LoadConfig reads a YAML config file over the defaults. A missing file
// is a configuration error; callers that want pure defaults should use
// DefaultConfig directly.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, NewConfigurationError(fmt.Sprintf("failed to read config file %s", path), err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, NewConfigurationError(fmt.Sprintf("failed to parse config file %s", path), err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the config for values the engine cannot run with.
func (c Config) Validate() error {
	if c.MaxConcurrentSteps < 1 {
		return NewConfigurationError("max_concurrent_steps must be at least 1", nil)
	}
	if c.MaxRetries < 0 {
		return NewConfigurationError("max_retries cannot be negative", nil)
	}
	if c.StepTimeout <= 0 {
		return NewConfigurationError("step_timeout must be positive", nil)
	}
	if c.RunTimeout <= 0 {
		return NewConfigurationError("run_timeout must be positive", nil)
	}
	if c.MaxPlanSteps < 1 {
		return NewConfigurationError("max_plan_steps must be at least 1", nil)
	}
	if c.MetricsPath == "" {
		return NewConfigurationError("metrics_path cannot be empty", nil)
	}
	return nil
}
