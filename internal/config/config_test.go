package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// useHome points HOME at a fresh directory for the duration of the test
func useHome(t *testing.T) string {
	t.Helper()
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)
	for _, key := range []string{"SECURITY_LEVEL", "EXECUTION_MODE", "MAX_CONCURRENT", "VERSIONS_DB", "PREFERRED_EXECUTOR"} {
		t.Setenv(envPrefix+"_"+key, "")
		os.Unsetenv(envPrefix + "_" + key)
	}
	return tmpHome
}

func TestDefaultConfig(t *testing.T) {
	tmpHome := useHome(t)
	t.Setenv(E2BAPIKeyEnv, "")
	t.Setenv(DaytonaAPIKeyEnv, "")

	// Load config with no existing files
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	// Verify defaults
	if cfg.ExecutionMode != DefaultExecutionMode {
		t.Errorf("Expected ExecutionMode=%s, got %s", DefaultExecutionMode, cfg.ExecutionMode)
	}
	if cfg.SecurityLevel != DefaultSecurityLevel {
		t.Errorf("Expected SecurityLevel=%s, got %s", DefaultSecurityLevel, cfg.SecurityLevel)
	}
	if cfg.MaxConcurrent != DefaultMaxConcurrent {
		t.Errorf("Expected MaxConcurrent=%d, got %d", DefaultMaxConcurrent, cfg.MaxConcurrent)
	}
	if cfg.DockerBinary != DefaultDockerBinary {
		t.Errorf("Expected DockerBinary=%s, got %s", DefaultDockerBinary, cfg.DockerBinary)
	}
	if cfg.RemoteRequestsPerSecond != DefaultRemoteRate {
		t.Errorf("Expected RemoteRequestsPerSecond=%g, got %g", DefaultRemoteRate, cfg.RemoteRequestsPerSecond)
	}
	wantDB := filepath.Join(tmpHome, DefaultConfigDir, DefaultVersionsDBName)
	if cfg.VersionsDB != wantDB {
		t.Errorf("Expected VersionsDB=%s, got %s", wantDB, cfg.VersionsDB)
	}
	if cfg.Debug || cfg.LocalIsolation {
		t.Errorf("Expected debug and isolation off by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should validate: %v", err)
	}

	// The config directory is created on first use
	if _, err := os.Stat(filepath.Join(tmpHome, DefaultConfigDir)); err != nil {
		t.Errorf("Expected config directory to exist: %v", err)
	}
}

func TestLoadFromFileAndEnv(t *testing.T) {
	tmpHome := useHome(t)

	configDir := filepath.Join(tmpHome, DefaultConfigDir)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("Failed to create config directory: %v", err)
	}
	yaml := "security_level: strict\nexecution_mode: docker\nmax_concurrent: 2\nlocal_isolation: true\n"
	if err := os.WriteFile(filepath.Join(configDir, "config.yaml"), []byte(yaml), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	// Environment wins over the file
	t.Setenv("CODEAGENT_MAX_CONCURRENT", "5")
	t.Setenv("CODEAGENT_PREFERRED_EXECUTOR", "e2b")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.SecurityLevel != "strict" {
		t.Errorf("Expected SecurityLevel=strict, got %s", cfg.SecurityLevel)
	}
	if cfg.ExecutionMode != "docker" {
		t.Errorf("Expected ExecutionMode=docker, got %s", cfg.ExecutionMode)
	}
	if cfg.MaxConcurrent != 5 {
		t.Errorf("Expected MaxConcurrent=5, got %d", cfg.MaxConcurrent)
	}
	if cfg.PreferredExecutor != "e2b" {
		t.Errorf("Expected PreferredExecutor=e2b, got %s", cfg.PreferredExecutor)
	}
	if !cfg.LocalIsolation {
		t.Errorf("Expected LocalIsolation=true")
	}
}

func TestLoadWithAPIKeys(t *testing.T) {
	useHome(t)
	t.Setenv(E2BAPIKeyEnv, " e2b-test-key ")
	t.Setenv(DaytonaAPIKeyEnv, "daytona-test-key")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.E2BAPIKey != "e2b-test-key" {
		t.Errorf("Expected E2BAPIKey=e2b-test-key, got %q", cfg.E2BAPIKey)
	}
	if got := cfg.Getenv(DaytonaAPIKeyEnv); got != "daytona-test-key" {
		t.Errorf("Expected Getenv to return the Daytona key, got %q", got)
	}

	opts := cfg.SandboxOptions()
	if opts.Getenv == nil || opts.Getenv(E2BAPIKeyEnv) != "e2b-test-key" {
		t.Errorf("Expected sandbox options to resolve the E2B key")
	}
}

func TestValidate(t *testing.T) {
	valid := Config{ExecutionMode: "auto", SecurityLevel: "moderate", MaxConcurrent: 1}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown mode", func(c *Config) { c.ExecutionMode = "vm" }, "unknown execution mode"},
		{"unknown preferred", func(c *Config) { c.PreferredExecutor = "lambda" }, "unknown preferred executor"},
		{"auto is not a backend", func(c *Config) { c.PreferredExecutor = "auto" }, "unknown preferred executor"},
		{"unknown level", func(c *Config) { c.SecurityLevel = "paranoid" }, "paranoid"},
		{"custom without file", func(c *Config) { c.SecurityLevel = "custom" }, "security_policy_file"},
		{"zero concurrency", func(c *Config) { c.MaxConcurrent = 0 }, "max_concurrent"},
		{"negative rate", func(c *Config) { c.RemoteRequestsPerSecond = -1 }, "remote_requests_per_second"},
	}

	if err := valid.Validate(); err != nil {
		t.Fatalf("Expected valid config, got %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}

	aliased := valid
	aliased.ExecutionMode = "terminal"
	aliased.PreferredExecutor = "local"
	if err := aliased.Validate(); err != nil {
		t.Errorf("Expected terminal/local aliases to validate, got %v", err)
	}
}
