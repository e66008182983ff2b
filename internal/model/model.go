// Package model holds the value types shared by the policy engine, the
// executor selector, the execution engine and the backend adapters.
package model

import (
	"fmt"
	"strings"
	"time"
)

// Language identifies the source language of a code block
type Language string

const (
	Python     Language = "python"
	JavaScript Language = "javascript"
	TypeScript Language = "typescript"
	Java       Language = "java"
	Cpp        Language = "cpp"
	C          Language = "c"
	Rust       Language = "rust"
	Go         Language = "go"
	PHP        Language = "php"
	Ruby       Language = "ruby"
	Perl       Language = "perl"
	Bash       Language = "bash"
	PowerShell Language = "powershell"
)

// Languages lists every language the engine knows about
var Languages = []Language{
	Python, JavaScript, TypeScript, Java, Cpp, C, Rust, Go, PHP, Ruby, Perl, Bash, PowerShell,
}

var languageAliases = map[string]Language{
	"py":      Python,
	"python3": Python,
	"js":      JavaScript,
	"node":    JavaScript,
	"ts":      TypeScript,
	"c++":     Cpp,
	"rs":      Rust,
	"golang":  Go,
	"rb":      Ruby,
	"pl":      Perl,
	"sh":      Bash,
	"shell":   Bash,
	"ps1":     PowerShell,
	"pwsh":    PowerShell,
}

// ParseLanguage resolves a language name or a common alias
func ParseLanguage(s string) (Language, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for _, l := range Languages {
		if string(l) == name {
			return l, nil
		}
	}
	if l, ok := languageAliases[name]; ok {
		return l, nil
	}
	return "", fmt.Errorf("unsupported language: %q", s)
}

// Intent is what the caller says the code is meant to do
type Intent string

const (
	IntentCreateFunction Intent = "create_function"
	IntentCreateClass    Intent = "create_class"
	IntentModifyCode     Intent = "modify_code"
	IntentRunCode        Intent = "run_code"
	IntentCreateFile     Intent = "create_file"
	IntentDeleteFile     Intent = "delete_file"
	IntentSearchCode     Intent = "search_code"
	IntentExplainCode    Intent = "explain_code"
	IntentRefactorCode   Intent = "refactor_code"
	IntentDebugCode      Intent = "debug_code"
	IntentTestCode       Intent = "test_code"
)

// Mutating reports whether code with this intent is expected to change files
func (i Intent) Mutating() bool {
	switch i {
	case IntentModifyCode, IntentCreateFile, IntentDeleteFile, IntentRefactorCode:
		return true
	}
	return false
}

// ResourceHints lets a caller ask for tighter limits than the policy grants.
// Zero fields are ignored.
type ResourceHints struct {
	TimeoutSeconds int `json:"timeoutSeconds,omitempty"`
	MemoryMB       int `json:"memoryMB,omitempty"`
}

// CodeBlock is one unit of untrusted code submitted for execution.
// It is passed by value and never modified after submission.
type CodeBlock struct {
	Content        string
	Language       Language
	DeclaredIntent Intent
	ResourceHints  *ResourceHints
}

// SecurityLevel selects one of the built-in policies or a custom document
type SecurityLevel string

const (
	Strict     SecurityLevel = "strict"
	Moderate   SecurityLevel = "moderate"
	Permissive SecurityLevel = "permissive"
	Custom     SecurityLevel = "custom"
)

// ParseSecurityLevel validates a security level name
func ParseSecurityLevel(s string) (SecurityLevel, error) {
	switch l := SecurityLevel(strings.ToLower(strings.TrimSpace(s))); l {
	case Strict, Moderate, Permissive, Custom:
		return l, nil
	}
	return "", fmt.Errorf("unknown security level: %q", s)
}

// NetworkPolicy controls outbound network access of executed code
type NetworkPolicy string

const (
	NetworkNone       NetworkPolicy = "none"
	NetworkRestricted NetworkPolicy = "restricted"
	NetworkOpen       NetworkPolicy = "open"
)

// ParseNetworkPolicy accepts both none/restricted/open and the older
// disabled/restricted/allowed spellings.
func ParseNetworkPolicy(s string) (NetworkPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "disabled":
		return NetworkNone, nil
	case "restricted":
		return NetworkRestricted, nil
	case "open", "allowed":
		return NetworkOpen, nil
	}
	return "", fmt.Errorf("unknown network policy: %q", s)
}

// ResourceLimitProfile is the set of limits applied to one execution
type ResourceLimitProfile struct {
	CPUTimeSeconds int           `json:"cpuTimeSeconds"`
	MemoryMB       int           `json:"memoryMB"`
	DiskMB         int           `json:"diskMB"`
	MaxProcesses   int           `json:"maxProcesses"`
	MaxOutputMB    int           `json:"maxOutputMB"`
	NetworkPolicy  NetworkPolicy `json:"networkPolicy"`
	TimeoutSeconds int           `json:"timeoutSeconds"`
}

// Validate checks that every limit is positive and that the network policy
// is compatible with the given level.
func (p ResourceLimitProfile) Validate(level SecurityLevel) error {
	fields := []struct {
		name  string
		value int
	}{
		{"cpuTimeSeconds", p.CPUTimeSeconds},
		{"memoryMB", p.MemoryMB},
		{"diskMB", p.DiskMB},
		{"maxProcesses", p.MaxProcesses},
		{"maxOutputMB", p.MaxOutputMB},
		{"timeoutSeconds", p.TimeoutSeconds},
	}
	for _, f := range fields {
		if f.value <= 0 {
			return fmt.Errorf("resource limit %s must be > 0, got %d", f.name, f.value)
		}
	}
	switch p.NetworkPolicy {
	case NetworkNone, NetworkRestricted, NetworkOpen:
	default:
		return fmt.Errorf("unknown network policy: %q", p.NetworkPolicy)
	}
	if level == Strict && p.NetworkPolicy == NetworkOpen {
		return fmt.Errorf("network policy %q is not allowed at security level %q", NetworkOpen, Strict)
	}
	return nil
}

// Timeout returns the wall-clock budget as a duration
func (p ResourceLimitProfile) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// MaxOutputBytes returns the per-stream output cap in bytes
func (p ResourceLimitProfile) MaxOutputBytes() int {
	return p.MaxOutputMB * 1024 * 1024
}

// Tighten applies caller hints. Hints can only lower limits.
func (p ResourceLimitProfile) Tighten(h *ResourceHints) ResourceLimitProfile {
	if h == nil {
		return p
	}
	if h.TimeoutSeconds > 0 && h.TimeoutSeconds < p.TimeoutSeconds {
		p.TimeoutSeconds = h.TimeoutSeconds
		if p.CPUTimeSeconds > p.TimeoutSeconds {
			p.CPUTimeSeconds = p.TimeoutSeconds
		}
	}
	if h.MemoryMB > 0 && h.MemoryMB < p.MemoryMB {
		p.MemoryMB = h.MemoryMB
	}
	return p
}

// RiskVerdict is the outcome of evaluating a code block against a policy
type RiskVerdict struct {
	Allowed         bool     `json:"allowed"`
	MatchedPatterns []string `json:"matchedPatterns,omitempty"`
	Reason          string   `json:"reason,omitempty"`
}
