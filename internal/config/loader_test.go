package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxConcurrent != 4 {
		t.Errorf("MaxConcurrent = %d, want 4", cfg.MaxConcurrent)
	}
	if cfg.TaskLimit != nil {
		t.Errorf("TaskLimit = %v, want nil (unbounded)", *cfg.TaskLimit)
	}
	if cfg.FailurePolicy != "leave-blocked" {
		t.Errorf("FailurePolicy = %q", cfg.FailurePolicy)
	}
	if cfg.Retry.Multiplier != 2.0 {
		t.Errorf("Retry.Multiplier = %v", cfg.Retry.Multiplier)
	}
}

func TestLoadMissingFilesAreNotErrors(t *testing.T) {
	cfg, err := Load("/no/such/global.yaml", "/no/such/project.json")
	if err != nil {
		t.Fatalf("Load with missing files: %v", err)
	}
	if cfg.DBPath != ".abathur/swarm.db" {
		t.Errorf("DBPath = %q, want default", cfg.DBPath)
	}
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	global := writeFile(t, dir, "config.yaml", `
db_path: /var/lib/swarm.db
max_concurrent: 8
task_timeout: 30s
workers:
  general:
    command: run-agent
    args: ["--fast"]
`)

	cfg, err := Load(global, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DBPath != "/var/lib/swarm.db" {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
	if cfg.MaxConcurrent != 8 {
		t.Errorf("MaxConcurrent = %d, want 8", cfg.MaxConcurrent)
	}
	if cfg.TaskTimeout.Std() != 30*time.Second {
		t.Errorf("TaskTimeout = %v, want 30s", cfg.TaskTimeout.Std())
	}
	// Untouched fields keep their defaults.
	if cfg.PollInterval.Std() != 200*time.Millisecond {
		t.Errorf("PollInterval = %v, want default", cfg.PollInterval.Std())
	}
	w, ok := cfg.Workers["general"]
	if !ok || w.Command != "run-agent" || len(w.Args) != 1 {
		t.Errorf("Workers[general] = %+v", w)
	}
}

func TestProjectOverridesGlobal(t *testing.T) {
	dir := t.TempDir()
	global := writeFile(t, dir, "global.yaml", `
max_concurrent: 8
failure_policy: cascade-cancel
workers:
  general:
    command: global-agent
  review:
    command: review-agent
`)
	project := writeFile(t, dir, "project.yaml", `
max_concurrent: 2
workers:
  general:
    command: project-agent
`)

	cfg, err := Load(global, project)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxConcurrent != 2 {
		t.Errorf("MaxConcurrent = %d, project layer should win", cfg.MaxConcurrent)
	}
	// Global-only settings survive the project layer.
	if cfg.FailurePolicy != "cascade-cancel" {
		t.Errorf("FailurePolicy = %q, want cascade-cancel", cfg.FailurePolicy)
	}
	if cfg.Workers["general"].Command != "project-agent" {
		t.Errorf("Workers[general] = %+v, project layer should win", cfg.Workers["general"])
	}
	if cfg.Workers["review"].Command != "review-agent" {
		t.Errorf("Workers[review] lost in merge: %+v", cfg.Workers)
	}
}

func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()
	project := writeFile(t, dir, "config.json", `{
  "task_limit": 10,
  "poll_interval": "50ms",
  "retry": {"initial_interval": "1s", "multiplier": 3.0}
}`)

	cfg, err := Load("", project)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TaskLimit == nil || *cfg.TaskLimit != 10 {
		t.Errorf("TaskLimit = %v, want 10", cfg.TaskLimit)
	}
	if cfg.PollInterval.Std() != 50*time.Millisecond {
		t.Errorf("PollInterval = %v", cfg.PollInterval.Std())
	}
	if cfg.Retry.InitialInterval.Std() != time.Second {
		t.Errorf("Retry.InitialInterval = %v", cfg.Retry.InitialInterval.Std())
	}
	if cfg.Retry.Multiplier != 3.0 {
		t.Errorf("Retry.Multiplier = %v", cfg.Retry.Multiplier)
	}
	// max_interval untouched, default retained.
	if cfg.Retry.MaxInterval.Std() != 5*time.Minute {
		t.Errorf("Retry.MaxInterval = %v, want default", cfg.Retry.MaxInterval.Std())
	}
}

func TestLoadMalformedFileFails(t *testing.T) {
	dir := t.TempDir()
	bad := writeFile(t, dir, "config.yaml", "max_concurrent: [not a number\n")
	if _, err := Load(bad, ""); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestZeroTaskLimitSurvivesMerge(t *testing.T) {
	// An explicit zero limit must not be confused with "unset".
	dir := t.TempDir()
	project := writeFile(t, dir, "config.json", `{"task_limit": 0}`)

	cfg, err := Load("", project)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TaskLimit == nil || *cfg.TaskLimit != 0 {
		t.Fatalf("TaskLimit = %v, want explicit 0", cfg.TaskLimit)
	}
}

func TestDurationJSONRoundTrip(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{`"30s"`, 30 * time.Second},
		{`"2m"`, 2 * time.Minute},
		{`1500000000`, 1500 * time.Millisecond},
	}
	for _, tt := range tests {
		var d Duration
		if err := json.Unmarshal([]byte(tt.in), &d); err != nil {
			t.Errorf("Unmarshal(%s): %v", tt.in, err)
			continue
		}
		if d.Std() != tt.want {
			t.Errorf("Unmarshal(%s) = %v, want %v", tt.in, d.Std(), tt.want)
		}
	}

	out, err := json.Marshal(Duration(90 * time.Second))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(out) != `"1m30s"` {
		t.Errorf("Marshal = %s, want \"1m30s\"", out)
	}

	var bad Duration
	if err := json.Unmarshal([]byte(`"not a duration"`), &bad); err == nil {
		t.Error("expected error for malformed duration string")
	}
}
