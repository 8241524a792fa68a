package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config,
// defaults. Missing files are not errors; malformed files are.
func Load(globalPath, projectPath string) (*SwarmConfig, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}
	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}
	return cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.abathur/config.yaml
// Project: .abathur/config.yaml (relative to cwd)
func LoadDefault() (*SwarmConfig, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}
	return Load(
		filepath.Join(homeDir, ".abathur", "config.yaml"),
		filepath.Join(".abathur", "config.yaml"),
	)
}

// mergeConfigFile reads a config file and merges it into base. The format
// is chosen by extension: .yaml/.yml parse as YAML, anything else as JSON.
// Missing files are silently skipped.
func mergeConfigFile(base *SwarmConfig, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var loaded SwarmConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &loaded); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, &loaded); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	merge(base, &loaded)
	return nil
}

// merge overlays non-zero fields of layer onto base. Worker entries merge
// by key.
func merge(base, layer *SwarmConfig) {
	if layer.DBPath != "" {
		base.DBPath = layer.DBPath
	}
	if layer.MaxConcurrent != 0 {
		base.MaxConcurrent = layer.MaxConcurrent
	}
	if layer.TaskLimit != nil {
		base.TaskLimit = layer.TaskLimit
	}
	if layer.PollInterval != 0 {
		base.PollInterval = layer.PollInterval
	}
	if layer.TaskTimeout != 0 {
		base.TaskTimeout = layer.TaskTimeout
	}
	if layer.FailurePolicy != "" {
		base.FailurePolicy = layer.FailurePolicy
	}
	if layer.Retry.InitialInterval != 0 {
		base.Retry.InitialInterval = layer.Retry.InitialInterval
	}
	if layer.Retry.MaxInterval != 0 {
		base.Retry.MaxInterval = layer.Retry.MaxInterval
	}
	if layer.Retry.Multiplier != 0 {
		base.Retry.Multiplier = layer.Retry.Multiplier
	}
	for key, worker := range layer.Workers {
		base.Workers[key] = worker
	}
}
