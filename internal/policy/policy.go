// Package policy resolves security policies and gates code before it runs.
package policy

import (
	"errors"
	"fmt"

	"github.com/epuerta/codeagent/internal/model"
	"github.com/epuerta/codeagent/internal/scanner"
)

// MaxCodeBytes is the hard ceiling on submitted code, applied before any
// scanning and regardless of security level.
const MaxCodeBytes = 1 << 20

// ErrInvalidPolicy is wrapped by every policy construction failure
var ErrInvalidPolicy = errors.New("invalid security policy")

// FileSystemScope describes which host paths executed code may touch
type FileSystemScope struct {
	ReadOnlyDirs  []string `json:"read_only_dirs" yaml:"read_only_dirs"`
	ReadWriteDirs []string `json:"read_write_dirs" yaml:"read_write_dirs"`
	BlockedDirs   []string `json:"blocked_dirs" yaml:"blocked_dirs"`
	MaxFileSizeMB int      `json:"max_file_size_mb" yaml:"max_file_size_mb"`
}

// TerminalRules gates shell code by command name
type TerminalRules struct {
	DangerousCommands       []string `json:"dangerous_commands" yaml:"dangerous_commands"`
	AllowedCommands         []string `json:"allowed_commands" yaml:"allowed_commands"`
	BlockedPatterns         []string `json:"blocked_patterns" yaml:"blocked_patterns"`
	MaxCommandLength        int      `json:"max_command_length" yaml:"max_command_length"`
	RequireCommandWhitelist bool     `json:"require_command_whitelist" yaml:"require_command_whitelist"`
}

// Policy is a fully resolved security policy. Build one with Builtin, Load
// or Compile; the zero value is not usable.
type Policy struct {
	Level             model.SecurityLevel
	Limits            model.ResourceLimitProfile
	CPUShare          string
	FileSystem        FileSystemScope
	Terminal          TerminalRules
	DangerousPatterns []string
	AllowedPatterns   []string
	CustomPatterns    []string
	// Families are the built-in scanner families applied at this level.
	Families []scanner.Family

	EnableCodeAnalysis       bool
	EnableSecurityScanning   bool
	EnableResourceMonitoring bool
	// SandboxMode is the backend the policy prefers, or "auto".
	SandboxMode string

	deny  *scanner.Scanner
	allow *scanner.Scanner
}

// Compile validates p and builds its scanners. It must be called after any
// field is changed.
func (p *Policy) Compile() error {
	if err := p.Limits.Validate(p.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}

	var rules []scanner.Rule
	if p.EnableSecurityScanning {
		blocked := p.FileSystem.BlockedDirs
		if len(blocked) == 0 {
			blocked = scanner.DefaultBlockedDirs
		}
		fsFamily := false
		for _, f := range p.Families {
			if f == scanner.FamilyFilesystem {
				fsFamily = true
				continue
			}
			rules = append(rules, scanner.Builtin(f)...)
		}
		// Blocked directories are always enforced; traversal only when the
		// filesystem family is enabled.
		if fsFamily {
			rules = append(rules, scanner.FilesystemRules(blocked)...)
		} else {
			rules = append(rules, scanner.BlockedDirRules(blocked)...)
		}
	}

	for _, group := range []struct {
		prefix string
		exprs  []string
	}{
		{"dangerous", p.DangerousPatterns},
		{"custom", p.CustomPatterns},
	} {
		r, err := scanner.PatternRules(group.prefix, scanner.FamilyPolicy, group.exprs)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
		}
		rules = append(rules, r...)
	}

	cmdRules, err := p.Terminal.rules()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	rules = append(rules, cmdRules...)

	allowRules, err := scanner.PatternRules("allowed", scanner.FamilyPolicy, p.AllowedPatterns)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}

	p.deny = scanner.New(rules...)
	p.allow = scanner.New(allowRules...)
	return nil
}

// Compiled reports whether Compile has succeeded on p
func (p *Policy) Compiled() bool {
	return p != nil && p.deny != nil
}

// Validate lists configuration problems without failing. An empty result
// means the policy is usable as-is.
func Validate(p *Policy) []string {
	var issues []string
	if p.Limits.MemoryMB <= 0 {
		issues = append(issues, "memory limit must be positive")
	}
	if p.Limits.TimeoutSeconds <= 0 {
		issues = append(issues, "execution timeout must be positive")
	}
	if p.Limits.MaxOutputMB <= 0 {
		issues = append(issues, "max output size must be positive")
	}
	if p.Limits.MaxProcesses <= 0 {
		issues = append(issues, "max processes must be positive")
	}
	if p.FileSystem.MaxFileSizeMB <= 0 {
		issues = append(issues, "max file size must be positive")
	}
	if p.Level == model.Strict && p.Limits.NetworkPolicy == model.NetworkOpen {
		issues = append(issues, "strict policies cannot allow open network access")
	}
	if len(p.DangerousPatterns) == 0 && p.Level != model.Permissive {
		issues = append(issues, "dangerous patterns should be defined for non-permissive security levels")
	}
	for _, group := range [][]string{p.DangerousPatterns, p.AllowedPatterns, p.CustomPatterns, p.Terminal.BlockedPatterns} {
		if _, err := scanner.PatternRules("check", scanner.FamilyPolicy, group); err != nil {
			issues = append(issues, err.Error())
		}
	}
	return issues
}

// Resolve returns the policy for a session. A policy file, when given, wins
// over the level; the custom level requires one.
func Resolve(level model.SecurityLevel, policyFile string) (*Policy, error) {
	if policyFile != "" {
		return Load(policyFile)
	}
	if level == model.Custom {
		return nil, fmt.Errorf("%w: security level %q requires a policy file", ErrInvalidPolicy, level)
	}
	return Builtin(level)
}
