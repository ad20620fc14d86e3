// Package config provides configuration loading and validation for the
// codesynth orchestration engine.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete configuration surface consumed at startup.
type Config struct {
	LLM        LLMConfig        `yaml:"llm"`
	OutputDir  string           `yaml:"output_dir"`
	WorkerPool WorkerPoolConfig `yaml:"worker_pool"`
	Planner    PlannerConfig    `yaml:"planner"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// LLMConfig configures the LLM endpoint and call parameters.
type LLMConfig struct {
	// Endpoint is the OpenAI-compatible API base URL.
	Endpoint string `yaml:"endpoint"`
	// APIKeyEnv names the environment variable holding the API key. The
	// key itself is never stored in config.
	APIKeyEnv string `yaml:"api_key_env"`
	// Model is the model name passed on every completion request.
	Model string `yaml:"model"`
	// MaxTokens caps the completion length.
	MaxTokens int `yaml:"max_tokens"`
	// Temperature controls sampling randomness (0.0-2.0).
	Temperature float64 `yaml:"temperature"`
	// Timeout holds the per-request deadline setting. It is loaded and
	// merged but not applied: the OpenAI provider is built without it and
	// uses the SDK's default HTTP client.
	Timeout time.Duration `yaml:"timeout"`
	// ConnectTimeout holds the dial deadline setting. Like Timeout, it is
	// loaded and merged but not applied to any HTTP client.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// WorkerPoolConfig configures the bounded-concurrency worker pool.
type WorkerPoolConfig struct {
	// MaxWorkers caps concurrent in-flight worker LLM calls.
	MaxWorkers int `yaml:"max_workers"`
}

// PlannerConfig configures the Root Planner loop.
type PlannerConfig struct {
	// MaxIterations caps the Root Planner's plan→dispatch ticks.
	MaxIterations int `yaml:"max_iterations"`
}

// ReconcilerConfig configures the periodic structural sweep.
type ReconcilerConfig struct {
	// Enabled toggles the Reconciler entirely.
	Enabled bool `yaml:"enabled"`
	// Interval is the sweep period.
	Interval time.Duration `yaml:"interval"`
}

// MetricsConfig configures the Prometheus metrics HTTP surface.
type MetricsConfig struct {
	// ListenAddr is the address `codesynth serve` binds /metrics to.
	ListenAddr string `yaml:"listen_addr"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LLM: LLMConfig{
			Endpoint:       "https://api.openai.com/v1",
			APIKeyEnv:      "OPENAI_API_KEY",
			Model:          "gpt-4o-mini",
			MaxTokens:      4096,
			Temperature:    0.2,
			Timeout:        300 * time.Second,
			ConnectTimeout: 30 * time.Second,
		},
		OutputDir: "./output",
		WorkerPool: WorkerPoolConfig{
			MaxWorkers: 10,
		},
		Planner: PlannerConfig{
			MaxIterations: 100,
		},
		Reconciler: ReconcilerConfig{
			Enabled:  true,
			Interval: 120 * time.Second,
		},
		Metrics: MetricsConfig{
			ListenAddr: ":9090",
		},
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.LLM.Endpoint == "" {
		return fmt.Errorf("llm.endpoint is required")
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("llm.model is required")
	}
	if c.LLM.APIKeyEnv == "" {
		return fmt.Errorf("llm.api_key_env is required")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fmt.Errorf("llm.temperature must be between 0 and 2")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("output_dir is required")
	}
	if c.WorkerPool.MaxWorkers <= 0 {
		return fmt.Errorf("worker_pool.max_workers must be positive")
	}
	if c.Planner.MaxIterations <= 0 {
		return fmt.Errorf("planner.max_iterations must be positive")
	}
	return nil
}

// APIKey resolves the LLM API key from the environment variable named by
// LLM.APIKeyEnv.
func (c *Config) APIKey() string {
	return os.Getenv(c.LLM.APIKeyEnv)
}

// LoadFromFile loads configuration from a YAML file, starting from
// DefaultConfig and overlaying whatever the file sets.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile writes configuration as YAML, creating parent directories as
// needed.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

// Merge overlays other onto c, taking other's value wherever it sets a
// non-zero field. Reconciler.Enabled is the exception: it is always copied
// from other, so a false there turns the Reconciler off.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.LLM.Endpoint != "" {
		c.LLM.Endpoint = other.LLM.Endpoint
	}
	if other.LLM.APIKeyEnv != "" {
		c.LLM.APIKeyEnv = other.LLM.APIKeyEnv
	}
	if other.LLM.Model != "" {
		c.LLM.Model = other.LLM.Model
	}
	if other.LLM.MaxTokens != 0 {
		c.LLM.MaxTokens = other.LLM.MaxTokens
	}
	if other.LLM.Temperature != 0 {
		c.LLM.Temperature = other.LLM.Temperature
	}
	if other.LLM.Timeout != 0 {
		c.LLM.Timeout = other.LLM.Timeout
	}
	if other.LLM.ConnectTimeout != 0 {
		c.LLM.ConnectTimeout = other.LLM.ConnectTimeout
	}

	if other.OutputDir != "" {
		c.OutputDir = other.OutputDir
	}

	if other.WorkerPool.MaxWorkers != 0 {
		c.WorkerPool.MaxWorkers = other.WorkerPool.MaxWorkers
	}

	if other.Planner.MaxIterations != 0 {
		c.Planner.MaxIterations = other.Planner.MaxIterations
	}

	if other.Reconciler.Interval != 0 {
		c.Reconciler.Interval = other.Reconciler.Interval
	}
	c.Reconciler.Enabled = other.Reconciler.Enabled

	if other.Metrics.ListenAddr != "" {
		c.Metrics.ListenAddr = other.Metrics.ListenAddr
	}
}
