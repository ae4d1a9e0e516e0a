package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"caseline/internal/config"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	if cfg.Analysis.Tolerance != 0.01 || cfg.Analysis.Workers != 4 {
		t.Fatalf("unexpected defaults: %+v", cfg.Analysis)
	}
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
analysis:
  retries: 5
  backoff: 250ms
  agent_timeout: 90s
agents:
  specialties: [tax]
reasoning:
  mode: http
  base_url: http://localhost:9000
`))
	if err != nil {
		t.Fatalf("from yaml: %v", err)
	}
	if cfg.Analysis.Retries != 5 {
		t.Fatalf("retries not overridden: %d", cfg.Analysis.Retries)
	}
	if cfg.Analysis.Backoff.Std() != 250*time.Millisecond {
		t.Fatalf("backoff not parsed: %v", cfg.Analysis.Backoff.Std())
	}
	if cfg.Analysis.AgentTimeout.Std() != 90*time.Second {
		t.Fatalf("agent timeout not parsed: %v", cfg.Analysis.AgentTimeout.Std())
	}
	// untouched sections keep defaults
	if cfg.Analysis.Workers != 4 || cfg.Analysis.Tolerance != 0.01 {
		t.Fatalf("defaults lost: %+v", cfg.Analysis)
	}
	if len(cfg.Agents.Specialties) != 1 || cfg.Agents.Specialties[0] != "tax" {
		t.Fatalf("specialties not overridden: %+v", cfg.Agents.Specialties)
	}
}

func TestFromYAMLRejectsInvalid(t *testing.T) {
	cases := []string{
		"analysis:\n  tolerance: 2",
		"analysis:\n  workers: 0",
		"reasoning:\n  mode: http",
		"reasoning:\n  mode: quantum",
		"analysis:\n  backoff: soon",
	}
	for _, body := range cases {
		if _, err := config.FromYAML([]byte(body)); err == nil {
			t.Fatalf("expected validation error for %q", body)
		}
	}
}

func TestLoadMissingFileFallsBack(t *testing.T) {
	cfg, err := config.Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Analysis.Workers != 4 {
		t.Fatalf("expected defaults, got %+v", cfg.Analysis)
	}
}

func TestLoadReadsWorkspaceFile(t *testing.T) {
	dir := t.TempDir()
	body := "analysis:\n  workers: 2\n"
	if err := os.WriteFile(filepath.Join(dir, "caseline.yml"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Analysis.Workers != 2 {
		t.Fatalf("workspace file ignored: %+v", cfg.Analysis)
	}
}

func TestYAMLRoundTrip(t *testing.T) {
	data, err := config.Default().YAML()
	if err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if !strings.Contains(string(data), "agent_timeout: 1m0s") {
		t.Fatalf("durations must render as strings:\n%s", data)
	}
	cfg, err := config.FromYAML(data)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if cfg.Analysis.AgentTimeout.Std() != time.Minute {
		t.Fatalf("round trip lost agent timeout: %v", cfg.Analysis.AgentTimeout.Std())
	}
}
