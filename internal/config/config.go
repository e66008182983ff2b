package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/epuerta/codeagent/internal/model"
	"github.com/epuerta/codeagent/internal/sandbox"
	"github.com/epuerta/codeagent/internal/selector"
)

// Config holds all configuration options for the application
type Config struct {
	// Execution configuration
	ExecutionMode      string `mapstructure:"execution_mode"`
	PreferredExecutor  string `mapstructure:"preferred_executor"`
	SecurityLevel      string `mapstructure:"security_level"`
	SecurityPolicyFile string `mapstructure:"security_policy_file"`
	MaxConcurrent      int64  `mapstructure:"max_concurrent"`
	LocalIsolation     bool   `mapstructure:"local_isolation"`

	// Project configuration
	ProjectRoot string `mapstructure:"project_root"`
	VersionsDB  string `mapstructure:"versions_db"`

	// Backend configuration
	DockerBinary            string  `mapstructure:"docker_binary"`
	E2BBaseURL              string  `mapstructure:"e2b_base_url"`
	DaytonaBaseURL          string  `mapstructure:"daytona_base_url"`
	RemoteRequestsPerSecond float64 `mapstructure:"remote_requests_per_second"`

	// Credentials are read from the environment only
	E2BAPIKey     string `mapstructure:"-"`
	DaytonaAPIKey string `mapstructure:"-"`

	// Logging configuration
	Debug       bool   `mapstructure:"debug"`        // Enable debug logging
	LogFile     string `mapstructure:"log_file"`     // Path to log file
	MetricsAddr string `mapstructure:"metrics_addr"` // Serve /metrics on this address
}

const (
	// Default configuration values
	DefaultExecutionMode  = selector.ModeAuto
	DefaultSecurityLevel  = string(model.Moderate)
	DefaultMaxConcurrent  = 8
	DefaultDockerBinary   = "docker"
	DefaultRemoteRate     = 5.0
	DefaultConfigDir      = ".codeagent"
	DefaultVersionsDBName = "versions.db"
	E2BAPIKeyEnv          = "E2B_API_KEY"
	DaytonaAPIKeyEnv      = "DAYTONA_API_KEY"
	envPrefix             = "CODEAGENT"
)

// zeroDefaults registers the keys without a meaningful default
var zeroDefaults = map[string]any{
	"preferred_executor":   "",
	"security_policy_file": "",
	"local_isolation":      false,
	"e2b_base_url":         "",
	"daytona_base_url":     "",
	"debug":                false,
	"log_file":             "",
	"metrics_addr":         "",
}

// Load loads configuration from files and environment variables. Flags
// are applied by the caller on top of the result.
func Load() (*Config, error) {
	configDir := getConfigDir()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults make every key known to viper so environment overrides apply
	// even when no config file exists.
	v.SetDefault("execution_mode", DefaultExecutionMode)
	v.SetDefault("security_level", DefaultSecurityLevel)
	v.SetDefault("max_concurrent", DefaultMaxConcurrent)
	v.SetDefault("docker_binary", DefaultDockerBinary)
	v.SetDefault("remote_requests_per_second", DefaultRemoteRate)
	v.SetDefault("project_root", getWorkingDirectory())
	v.SetDefault("versions_db", filepath.Join(configDir, DefaultVersionsDBName))
	for k, zero := range zeroDefaults {
		v.SetDefault(k, zero)
	}

	// Attempt to read the config file
	if err := v.ReadInConfig(); err != nil {
		// Config file not found is not an error
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	config.E2BAPIKey = strings.TrimSpace(os.Getenv(E2BAPIKeyEnv))
	config.DaytonaAPIKey = strings.TrimSpace(os.Getenv(DaytonaAPIKeyEnv))

	return config, nil
}

// Validate checks enum values and limits
func (c *Config) Validate() error {
	var errs []error
	if _, err := selector.ParseMode(c.ExecutionMode); err != nil {
		errs = append(errs, err)
	}
	if c.PreferredExecutor != "" {
		if m, err := selector.ParseMode(c.PreferredExecutor); err != nil || m == selector.ModeAuto {
			errs = append(errs, fmt.Errorf("unknown preferred executor %q", c.PreferredExecutor))
		}
	}
	level, err := model.ParseSecurityLevel(c.SecurityLevel)
	if err != nil {
		errs = append(errs, err)
	} else if level == model.Custom && c.SecurityPolicyFile == "" {
		errs = append(errs, errors.New("security level custom requires security_policy_file"))
	}
	if c.MaxConcurrent <= 0 {
		errs = append(errs, fmt.Errorf("max_concurrent must be positive, got %d", c.MaxConcurrent))
	}
	if c.RemoteRequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("remote_requests_per_second must not be negative, got %g", c.RemoteRequestsPerSecond))
	}
	return errors.Join(errs...)
}

// Getenv resolves backend credentials from the loaded configuration and
// anything else from the process environment
func (c *Config) Getenv(key string) string {
	switch key {
	case E2BAPIKeyEnv:
		return c.E2BAPIKey
	case DaytonaAPIKeyEnv:
		return c.DaytonaAPIKey
	}
	return os.Getenv(key)
}

// SandboxOptions derives the backend options from the configuration
func (c *Config) SandboxOptions() sandbox.Options {
	return sandbox.Options{
		Isolate:           c.LocalIsolation,
		DockerBinary:      c.DockerBinary,
		E2BBaseURL:        c.E2BBaseURL,
		DaytonaBaseURL:    c.DaytonaBaseURL,
		RequestsPerSecond: c.RemoteRequestsPerSecond,
		Getenv:            c.Getenv,
	}
}

// ConfigDir returns the configuration directory
func ConfigDir() string {
	return getConfigDir()
}

// getConfigDir returns the path to the config directory
func getConfigDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	configDir := filepath.Join(homeDir, DefaultConfigDir)

	// Create the directory if it doesn't exist
	if _, err := os.Stat(configDir); os.IsNotExist(err) {
		os.MkdirAll(configDir, 0755)
	}

	return configDir
}

// getWorkingDirectory returns the current working directory
func getWorkingDirectory() string {
	cwd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return cwd
}
