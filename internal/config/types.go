package config

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so config files can write "30s" or "2m" in
// both JSON and YAML.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalJSON accepts either a duration string or nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid duration: %s", string(data))
	}
	*d = Duration(n)
	return nil
}

// MarshalJSON writes the duration string form.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalYAML accepts a duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// WorkerConfig describes the subprocess provider for one worker type.
type WorkerConfig struct {
	Command string   `json:"command" yaml:"command"`
	Args    []string `json:"args,omitempty" yaml:"args,omitempty"`
}

// RetryConfig shapes the retry eligibility backoff.
type RetryConfig struct {
	InitialInterval Duration `json:"initial_interval,omitempty" yaml:"initial_interval,omitempty"`
	MaxInterval     Duration `json:"max_interval,omitempty" yaml:"max_interval,omitempty"`
	Multiplier      float64  `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`
}

// SwarmConfig is the top-level configuration.
type SwarmConfig struct {
	DBPath        string                  `json:"db_path,omitempty" yaml:"db_path,omitempty"`
	MaxConcurrent int                     `json:"max_concurrent,omitempty" yaml:"max_concurrent,omitempty"`
	TaskLimit     *int                    `json:"task_limit,omitempty" yaml:"task_limit,omitempty"`
	PollInterval  Duration                `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty"`
	TaskTimeout   Duration                `json:"task_timeout,omitempty" yaml:"task_timeout,omitempty"`
	FailurePolicy string                  `json:"failure_policy,omitempty" yaml:"failure_policy,omitempty"`
	Retry         RetryConfig             `json:"retry,omitempty" yaml:"retry,omitempty"`
	Workers       map[string]WorkerConfig `json:"workers,omitempty" yaml:"workers,omitempty"`
}
