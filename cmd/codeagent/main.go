package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/epuerta/codeagent/internal/config"
	"github.com/epuerta/codeagent/internal/logging"
)

var (
	// Version is set during build
	Version = "dev"
	// GitCommit is set during build
	GitCommit = "none"
	// BuildDate is set during build
	BuildDate = "unknown"

	// appLogger is replaced once flags are parsed
	appLogger = zap.NewNop()
	closeLog  = func() error { return nil }
)

// newRootCmd builds the base command when called without any subcommands
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "codeagent",
		Short: "Run untrusted code behind a security policy",
		Long: `codeagent runs generated code in an isolated backend chosen by the
configured security level: a local process, a Docker container, or a remote
E2B or Daytona sandbox. Files changed by code are snapshotted first so they
can be rolled back.

Examples:
  codeagent run script.py
  echo 'console.log(1)' | codeagent run -l javascript
  codeagent run --security-level strict --mode docker main.go
  codeagent history src/app.py
  codeagent rollback src/app.py`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: setupLogging,
		Version:           fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildDate),
	}

	flags := rootCmd.PersistentFlags()
	flags.StringP("security-level", "s", "", "Security level: strict, moderate, permissive or custom")
	flags.String("policy-file", "", "Security policy document (JSON or YAML)")
	flags.StringP("mode", "m", "", "Execution mode: auto, sandbox, docker, e2b, daytona or multi")
	flags.String("preferred", "", "Backend tried first in auto mode")
	flags.String("project-root", "", "Directory file operations are confined to (default: current directory)")
	flags.String("versions-db", "", "SQLite file for snapshots (default: ~/.codeagent/versions.db)")
	flags.Int64("max-concurrent", 0, "Maximum concurrently running executions")
	flags.Bool("isolate", false, "Confine the local backend with OS isolation")

	// Add logging flags
	flags.Bool("debug", false, "Enable debug logging to a file")
	flags.String("log-file", "", "Path to the log file (default: ~/.cache/codeagent/logs/codeagent-<timestamp>.log)")
	flags.String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")

	rootCmd.AddCommand(
		runCmd(),
		rollbackCmd(),
		historyCmd(),
		diffCmd(),
		backendsCmd(),
		policyCmd(),
		toolCmd(),
		completionCmd(),
	)
	return rootCmd
}

// completionCmd creates the completion command for shell completion scripts
func completionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "completion [bash|zsh|fish]",
		Short: "Generate shell completion scripts",
		Long: `Generate shell completion scripts for codeagent.
To load completions:

Bash:
  $ source <(codeagent completion bash)

Zsh:
  $ source <(codeagent completion zsh)

Fish:
  $ codeagent completion fish | source
`,
		Args:              cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs:         []string{"bash", "zsh", "fish"},
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			switch args[0] {
			case "bash":
				return cmd.Root().GenBashCompletion(os.Stdout)
			case "zsh":
				return cmd.Root().GenZshCompletion(os.Stdout)
			default:
				return cmd.Root().GenFishCompletion(os.Stdout, true)
			}
		},
	}

	return cmd
}

// setupLogging initializes the logger before any subcommand runs
func setupLogging(cmd *cobra.Command, args []string) error {
	debug, _ := cmd.Flags().GetBool("debug")
	logFile, _ := cmd.Flags().GetString("log-file")

	logger, path, closeFn, err := logging.New(logging.Options{Debug: debug, LogFile: logFile})
	if err != nil {
		return fmt.Errorf("error creating logger: %w", err)
	}
	appLogger, closeLog = logger, closeFn
	if path != "" {
		appLogger.Info("session start",
			zap.String("version", Version),
			zap.String("commit", GitCommit),
			zap.String("built", BuildDate),
			zap.String("log_file", path),
		)
	}
	return nil
}

// loadConfig loads the configuration and applies flags on top of it
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	str := func(name string, dst *string) {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	str("security-level", &cfg.SecurityLevel)
	str("policy-file", &cfg.SecurityPolicyFile)
	str("mode", &cfg.ExecutionMode)
	str("preferred", &cfg.PreferredExecutor)
	str("project-root", &cfg.ProjectRoot)
	str("versions-db", &cfg.VersionsDB)
	str("log-file", &cfg.LogFile)
	str("metrics-addr", &cfg.MetricsAddr)
	if flags.Changed("max-concurrent") {
		cfg.MaxConcurrent, _ = flags.GetInt64("max-concurrent")
	}
	if flags.Changed("isolate") {
		cfg.LocalIsolation, _ = flags.GetBool("isolate")
	}
	if flags.Changed("debug") {
		cfg.Debug, _ = flags.GetBool("debug")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	appLogger.Debug("config loaded",
		zap.String("security_level", cfg.SecurityLevel),
		zap.String("execution_mode", cfg.ExecutionMode),
		zap.String("project_root", cfg.ProjectRoot),
		zap.Bool("e2b_key_set", cfg.E2BAPIKey != ""),
		zap.Bool("daytona_key_set", cfg.DaytonaAPIKey != ""),
	)
	return cfg, nil
}

// exitError carries the exit code of executed code up to main
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

// main is the entry point of the application
func main() {
	// Bind standard Go flags to pflag
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		var exit *exitError
		if !errors.As(err, &exit) {
			appLogger.Error("command failed", zap.Error(err))
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			exit = &exitError{code: 1}
		}
		_ = closeLog()
		os.Exit(exit.code)
	}
	if err := closeLog(); err != nil {
		fmt.Fprintf(os.Stderr, "Error closing logger: %v\n", err)
	}
}
