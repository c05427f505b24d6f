package config

import (
	"os"
	"path/filepath"
	"testing"
)

// TestBackwardCompat_EnvironmentOverrides verifies TASKBOT_ variables beat
// file values and leave unset keys alone.
func TestBackwardCompat_EnvironmentOverrides(t *testing.T) {
	tmpDir := t.TempDir()
	content := `
timezone: Europe/Moscow
bus:
  url: nats://file:4222
  subject_prefix: teamA
`
	configPath := filepath.Join(tmpDir, ProjectConfigName)
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("TASKBOT_BUS_URL", "nats://env:4222")
	t.Setenv("TASKBOT_RESOLVER_FUZZY_THRESHOLD", "0.8")

	cfg, err := LoadFromPaths(tmpDir, configPath)
	if err != nil {
		t.Fatalf("LoadFromPaths error: %v", err)
	}

	if cfg.Bus.URL != "nats://env:4222" {
		t.Errorf("Bus.URL = %q, want env override", cfg.Bus.URL)
	}
	if cfg.Resolver.FuzzyThreshold != 0.8 {
		t.Errorf("FuzzyThreshold = %v, want 0.8 (env override)", cfg.Resolver.FuzzyThreshold)
	}
	if cfg.Bus.SubjectPrefix != "teamA" {
		t.Errorf("Bus.SubjectPrefix = %q, want teamA (from file)", cfg.Bus.SubjectPrefix)
	}
	if cfg.Timezone != "Europe/Moscow" {
		t.Errorf("Timezone = %q, want Europe/Moscow (from file)", cfg.Timezone)
	}
}

// TestBackwardCompat_ProjectConfigMerging verifies project files override
// the global file key by key.
func TestBackwardCompat_ProjectConfigMerging(t *testing.T) {
	tmpDir := t.TempDir()

	globalDir := filepath.Join(tmpDir, "global")
	if err := os.MkdirAll(globalDir, 0755); err != nil {
		t.Fatal(err)
	}
	globalConfigPath := filepath.Join(globalDir, "config.yaml")
	globalContent := `
timezone: Europe/Moscow
resolver:
  fuzzy_threshold: 0.65
  max_suggestions: 4
logging:
  level: info
`
	if err := os.WriteFile(globalConfigPath, []byte(globalContent), 0644); err != nil {
		t.Fatal(err)
	}

	projectDir := filepath.Join(tmpDir, "project")
	if err := os.MkdirAll(projectDir, 0755); err != nil {
		t.Fatal(err)
	}
	projectContent := `
resolver:
  max_suggestions: 2
logging:
  level: debug
`
	if err := os.WriteFile(filepath.Join(projectDir, ProjectConfigName), []byte(projectContent), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromPaths(projectDir, globalConfigPath)
	if err != nil {
		t.Fatalf("LoadFromPaths error: %v", err)
	}

	if cfg.Resolver.MaxSuggestions != 2 {
		t.Errorf("MaxSuggestions = %d, want 2 (project override)", cfg.Resolver.MaxSuggestions)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug (project override)", cfg.Logging.Level)
	}
	if cfg.Resolver.FuzzyThreshold != 0.65 {
		t.Errorf("FuzzyThreshold = %v, want 0.65 (from global)", cfg.Resolver.FuzzyThreshold)
	}
	if cfg.Timezone != "Europe/Moscow" {
		t.Errorf("Timezone = %q, want Europe/Moscow (from global)", cfg.Timezone)
	}
}

// TestBackwardCompat_PathExpansion verifies ~ in paths is expanded.
func TestBackwardCompat_PathExpansion(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	tmpDir := t.TempDir()

	content := `
db_path: ~/data/tasks.db
logging:
  path: ~/logs
`
	if err := os.WriteFile(filepath.Join(tmpDir, ProjectConfigName), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromPaths(tmpDir, "")
	if err != nil {
		t.Fatalf("LoadFromPaths error: %v", err)
	}
	if cfg.DBPath != filepath.Join(home, "data", "tasks.db") {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
	if cfg.Logging.Path != filepath.Join(home, "logs") {
		t.Errorf("Logging.Path = %q", cfg.Logging.Path)
	}
}
