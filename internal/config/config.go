// Package config holds womflow configuration. A config file is optional;
// the zero-config path uses DefaultConfig with CLI flag overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config holds all womflow configuration.
type Config struct {
	// WorkingDirectory is the base against which relative file paths in
	// definition files are resolved.
	WorkingDirectory string `yaml:"working_directory"`

	// DatabasePath locates the sqlite database holding workflow state.
	DatabasePath string `yaml:"database_path"`

	// DryRun simulates execution: callbacks are not invoked and no
	// mtimes or statuses are persisted.
	DryRun bool `yaml:"dry_run"`

	// WorkerCount bounds the scheduler pool. Zero means host concurrency.
	WorkerCount int `yaml:"worker_count"`

	// TableReadyRequiresRows controls input-table readiness: when true, a
	// table produced by a completed rule must be non-empty to count as
	// ready. When false, the modification row alone suffices.
	TableReadyRequiresRows bool `yaml:"table_ready_requires_rows"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	wd, err := os.Getwd()
	if err != nil {
		wd = "."
	}
	return &Config{
		WorkingDirectory:       wd,
		DatabasePath:           filepath.Join(wd, ".womflow", "womflow.sqlite"),
		DryRun:                 false,
		WorkerCount:            runtime.NumCPU(),
		TableReadyRequiresRows: true,
	}
}

// Load reads a config file and fills unset fields from defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config as YAML, creating parent directories.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// Validate normalizes and checks the configuration.
func (c *Config) Validate() error {
	if c.WorkingDirectory == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("no working directory: %w", err)
		}
		c.WorkingDirectory = wd
	}
	abs, err := filepath.Abs(c.WorkingDirectory)
	if err != nil {
		return fmt.Errorf("invalid working directory %q: %w", c.WorkingDirectory, err)
	}
	c.WorkingDirectory = abs
	if c.DatabasePath == "" {
		c.DatabasePath = filepath.Join(c.WorkingDirectory, ".womflow", "womflow.sqlite")
	}
	if c.WorkerCount < 0 {
		return fmt.Errorf("worker_count must be positive, got %d", c.WorkerCount)
	}
	if c.WorkerCount == 0 {
		c.WorkerCount = runtime.NumCPU()
	}
	return nil
}
