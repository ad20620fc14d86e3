package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.LLM.Model != "gpt-4o-mini" {
		t.Errorf("expected default model gpt-4o-mini, got %s", cfg.LLM.Model)
	}
	if cfg.LLM.Endpoint != "https://api.openai.com/v1" {
		t.Errorf("expected default endpoint https://api.openai.com/v1, got %s", cfg.LLM.Endpoint)
	}
	if cfg.LLM.Temperature != 0.2 {
		t.Errorf("expected default temperature 0.2, got %f", cfg.LLM.Temperature)
	}
	if !cfg.Reconciler.Enabled {
		t.Error("expected reconciler enabled by default")
	}
	if cfg.WorkerPool.MaxWorkers != 10 {
		t.Errorf("expected default max_workers 10, got %d", cfg.WorkerPool.MaxWorkers)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid default config", func(c *Config) {}, false},
		{"missing model", func(c *Config) { c.LLM.Model = "" }, true},
		{"missing endpoint", func(c *Config) { c.LLM.Endpoint = "" }, true},
		{"missing api_key_env", func(c *Config) { c.LLM.APIKeyEnv = "" }, true},
		{"temperature too low", func(c *Config) { c.LLM.Temperature = -0.1 }, true},
		{"temperature too high", func(c *Config) { c.LLM.Temperature = 2.1 }, true},
		{"missing output_dir", func(c *Config) { c.OutputDir = "" }, true},
		{"zero max_workers", func(c *Config) { c.WorkerPool.MaxWorkers = 0 }, true},
		{"zero max_iterations", func(c *Config) { c.Planner.MaxIterations = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	content := `
llm:
  endpoint: "http://test:1234/v1"
  model: "test-model"
  temperature: 0.5
  timeout: 10m
output_dir: "/test/output"
worker_pool:
  max_workers: 4
reconciler:
  enabled: false
  interval: 30s
`
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.LLM.Model != "test-model" {
		t.Errorf("expected model test-model, got %s", cfg.LLM.Model)
	}
	if cfg.LLM.Endpoint != "http://test:1234/v1" {
		t.Errorf("expected endpoint http://test:1234/v1, got %s", cfg.LLM.Endpoint)
	}
	if cfg.LLM.Temperature != 0.5 {
		t.Errorf("expected temperature 0.5, got %f", cfg.LLM.Temperature)
	}
	if cfg.LLM.Timeout != 10*time.Minute {
		t.Errorf("expected timeout 10m, got %v", cfg.LLM.Timeout)
	}
	if cfg.OutputDir != "/test/output" {
		t.Errorf("expected output_dir /test/output, got %s", cfg.OutputDir)
	}
	if cfg.WorkerPool.MaxWorkers != 4 {
		t.Errorf("expected max_workers 4, got %d", cfg.WorkerPool.MaxWorkers)
	}
	if cfg.Reconciler.Enabled {
		t.Error("expected reconciler disabled per file override")
	}
	if cfg.Reconciler.Interval != 30*time.Second {
		t.Errorf("expected reconciler interval 30s, got %v", cfg.Reconciler.Interval)
	}
	// API key env and max_tokens were not set in the file, so they retain
	// DefaultConfig's values.
	if cfg.LLM.APIKeyEnv != "OPENAI_API_KEY" {
		t.Errorf("expected default api_key_env to survive, got %s", cfg.LLM.APIKeyEnv)
	}
}

func TestConfigMerge(t *testing.T) {
	base := DefaultConfig()
	override := &Config{
		LLM: LLMConfig{
			Model: "override-model",
		},
		OutputDir: "/override/output",
	}

	base.Merge(override)

	if base.LLM.Model != "override-model" {
		t.Errorf("expected model override-model, got %s", base.LLM.Model)
	}
	// Endpoint should remain from base since override didn't set it.
	if base.LLM.Endpoint != "https://api.openai.com/v1" {
		t.Errorf("expected endpoint to remain default, got %s", base.LLM.Endpoint)
	}
	if base.OutputDir != "/override/output" {
		t.Errorf("expected output_dir /override/output, got %s", base.OutputDir)
	}
}

func TestConfigSaveToFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "subdir", "config.yaml")

	cfg := DefaultConfig()
	cfg.LLM.Model = "saved-model"

	if err := cfg.SaveToFile(configPath); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("config file was not created")
	}

	loaded, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("failed to load saved config: %v", err)
	}
	if loaded.LLM.Model != "saved-model" {
		t.Errorf("expected model saved-model, got %s", loaded.LLM.Model)
	}
}

func TestAPIKey_ReadsFromNamedEnvVar(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LLM.APIKeyEnv = "CODESYNTH_TEST_KEY"
	t.Setenv("CODESYNTH_TEST_KEY", "secret-value")

	if got := cfg.APIKey(); got != "secret-value" {
		t.Errorf("expected secret-value, got %s", got)
	}
}
