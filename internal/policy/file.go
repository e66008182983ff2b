package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/epuerta/codeagent/internal/model"
)

// document mirrors the on-disk policy format. Pointer fields distinguish a
// missing key from a zero value so missing keys fall back to the base level.
type document struct {
	SecurityLevel  *string            `json:"security_level" yaml:"security_level"`
	NetworkPolicy  *string            `json:"network_policy" yaml:"network_policy"`
	FileSystem     *fileSystemDoc     `json:"file_system" yaml:"file_system"`
	ResourceLimits *resourceLimitsDoc `json:"resource_limits" yaml:"resource_limits"`
	Patterns       *patternsDoc       `json:"patterns" yaml:"patterns"`
	Terminal       *terminalDoc       `json:"terminal_security" yaml:"terminal_security"`

	EnableCodeAnalysis       *bool   `json:"enable_code_analysis" yaml:"enable_code_analysis"`
	EnableSecurityScanning   *bool   `json:"enable_security_scanning" yaml:"enable_security_scanning"`
	EnableResourceMonitoring *bool   `json:"enable_resource_monitoring" yaml:"enable_resource_monitoring"`
	SandboxMode              *string `json:"sandbox_mode" yaml:"sandbox_mode"`
}

type fileSystemDoc struct {
	ReadOnlyDirs  []string `json:"read_only_dirs" yaml:"read_only_dirs"`
	ReadWriteDirs []string `json:"read_write_dirs" yaml:"read_write_dirs"`
	BlockedDirs   []string `json:"blocked_dirs" yaml:"blocked_dirs"`
	MaxFileSizeMB *int     `json:"max_file_size_mb" yaml:"max_file_size_mb"`
}

type resourceLimitsDoc struct {
	// CPULimit is a CPU share such as "0.5"; numbers are accepted too.
	CPULimit         any  `json:"cpu_limit" yaml:"cpu_limit"`
	CPUTimeSeconds   *int `json:"cpu_time_seconds" yaml:"cpu_time_seconds"`
	MemoryLimitMB    *int `json:"memory_limit_mb" yaml:"memory_limit_mb"`
	ExecutionTimeout *int `json:"execution_timeout" yaml:"execution_timeout"`
	MaxOutputSizeMB  *int `json:"max_output_size_mb" yaml:"max_output_size_mb"`
	MaxProcesses     *int `json:"max_processes" yaml:"max_processes"`
}

type patternsDoc struct {
	DangerousPatterns []string `json:"dangerous_patterns" yaml:"dangerous_patterns"`
	AllowedPatterns   []string `json:"allowed_patterns" yaml:"allowed_patterns"`
	CustomPatterns    []string `json:"custom_patterns" yaml:"custom_patterns"`
}

type terminalDoc struct {
	DangerousCommands       []string `json:"dangerous_commands" yaml:"dangerous_commands"`
	AllowedCommands         []string `json:"allowed_commands" yaml:"allowed_commands"`
	BlockedPatterns         []string `json:"blocked_patterns" yaml:"blocked_patterns"`
	MaxCommandLength        *int     `json:"max_command_length" yaml:"max_command_length"`
	RequireCommandWhitelist *bool    `json:"require_command_whitelist" yaml:"require_command_whitelist"`
}

// Load reads a policy document from disk. Files ending in .yaml or .yml are
// parsed as YAML, everything else as JSON.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	format := "json"
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		format = "yaml"
	}
	p, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("policy file %s: %w", path, err)
	}
	return p, nil
}

// Parse decodes a policy document in the given format ("json" or "yaml")
// and compiles it. Unknown keys are ignored.
func Parse(data []byte, format string) (*Policy, error) {
	var doc document
	var err error
	switch format {
	case "yaml":
		err = yaml.Unmarshal(data, &doc)
	case "json":
		err = json.Unmarshal(data, &doc)
	default:
		return nil, fmt.Errorf("%w: unknown document format %q", ErrInvalidPolicy, format)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	p, err := doc.resolve()
	if err != nil {
		return nil, err
	}
	if err := p.Compile(); err != nil {
		return nil, err
	}
	return p, nil
}

func (d *document) resolve() (*Policy, error) {
	level := model.Custom
	if d.SecurityLevel != nil {
		l, err := model.ParseSecurityLevel(*d.SecurityLevel)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
		}
		level = l
	}

	// Custom documents start from the moderate defaults.
	var p *Policy
	switch level {
	case model.Strict:
		p = strictPolicy()
	case model.Permissive:
		p = permissivePolicy()
	default:
		p = moderatePolicy()
	}
	p.Level = level

	if d.NetworkPolicy != nil {
		n, err := model.ParseNetworkPolicy(*d.NetworkPolicy)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
		}
		p.Limits.NetworkPolicy = n
	}

	if fs := d.FileSystem; fs != nil {
		if fs.ReadOnlyDirs != nil {
			p.FileSystem.ReadOnlyDirs = fs.ReadOnlyDirs
		}
		if fs.ReadWriteDirs != nil {
			p.FileSystem.ReadWriteDirs = fs.ReadWriteDirs
		}
		if fs.BlockedDirs != nil {
			p.FileSystem.BlockedDirs = fs.BlockedDirs
		}
		if fs.MaxFileSizeMB != nil {
			p.FileSystem.MaxFileSizeMB = *fs.MaxFileSizeMB
			p.Limits.DiskMB = *fs.MaxFileSizeMB
		}
	}

	if rl := d.ResourceLimits; rl != nil {
		if rl.CPULimit != nil {
			share, err := cpuShare(rl.CPULimit)
			if err != nil {
				return nil, err
			}
			p.CPUShare = share
		}
		if rl.MemoryLimitMB != nil {
			p.Limits.MemoryMB = *rl.MemoryLimitMB
		}
		if rl.ExecutionTimeout != nil {
			p.Limits.TimeoutSeconds = *rl.ExecutionTimeout
			p.Limits.CPUTimeSeconds = *rl.ExecutionTimeout
		}
		if rl.CPUTimeSeconds != nil {
			p.Limits.CPUTimeSeconds = *rl.CPUTimeSeconds
		}
		if rl.MaxOutputSizeMB != nil {
			p.Limits.MaxOutputMB = *rl.MaxOutputSizeMB
		}
		if rl.MaxProcesses != nil {
			p.Limits.MaxProcesses = *rl.MaxProcesses
		}
	}

	if pt := d.Patterns; pt != nil {
		if pt.DangerousPatterns != nil {
			p.DangerousPatterns = pt.DangerousPatterns
		}
		if pt.AllowedPatterns != nil {
			p.AllowedPatterns = pt.AllowedPatterns
		}
		if pt.CustomPatterns != nil {
			p.CustomPatterns = pt.CustomPatterns
		}
	}

	if td := d.Terminal; td != nil {
		if td.DangerousCommands != nil {
			p.Terminal.DangerousCommands = td.DangerousCommands
		}
		if td.AllowedCommands != nil {
			p.Terminal.AllowedCommands = td.AllowedCommands
		}
		if td.BlockedPatterns != nil {
			p.Terminal.BlockedPatterns = td.BlockedPatterns
		}
		if td.MaxCommandLength != nil {
			p.Terminal.MaxCommandLength = *td.MaxCommandLength
		}
		if td.RequireCommandWhitelist != nil {
			p.Terminal.RequireCommandWhitelist = *td.RequireCommandWhitelist
		}
	}

	if d.EnableCodeAnalysis != nil {
		p.EnableCodeAnalysis = *d.EnableCodeAnalysis
	}
	if d.EnableSecurityScanning != nil {
		p.EnableSecurityScanning = *d.EnableSecurityScanning
	}
	if d.EnableResourceMonitoring != nil {
		p.EnableResourceMonitoring = *d.EnableResourceMonitoring
	}
	if d.SandboxMode != nil && *d.SandboxMode != "" {
		p.SandboxMode = strings.ToLower(*d.SandboxMode)
	}
	return p, nil
}

func cpuShare(v any) (string, error) {
	var s string
	switch x := v.(type) {
	case string:
		s = strings.TrimSpace(x)
	case float64:
		s = strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		s = strconv.Itoa(x)
	default:
		return "", fmt.Errorf("%w: cpu_limit must be a number or numeric string", ErrInvalidPolicy)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 {
		return "", fmt.Errorf("%w: cpu_limit %q must be a positive number", ErrInvalidPolicy, s)
	}
	return s, nil
}

// Document renders p in the on-disk format
func (p *Policy) Document() map[string]any {
	network := map[model.NetworkPolicy]string{
		model.NetworkNone:       "disabled",
		model.NetworkRestricted: "restricted",
		model.NetworkOpen:       "allowed",
	}[p.Limits.NetworkPolicy]
	return map[string]any{
		"security_level": string(p.Level),
		"network_policy": network,
		"file_system": map[string]any{
			"read_only_dirs":   nonNil(p.FileSystem.ReadOnlyDirs),
			"read_write_dirs":  nonNil(p.FileSystem.ReadWriteDirs),
			"blocked_dirs":     nonNil(p.FileSystem.BlockedDirs),
			"max_file_size_mb": p.FileSystem.MaxFileSizeMB,
		},
		"resource_limits": map[string]any{
			"cpu_limit":          p.CPUShare,
			"memory_limit_mb":    p.Limits.MemoryMB,
			"execution_timeout":  p.Limits.TimeoutSeconds,
			"max_output_size_mb": p.Limits.MaxOutputMB,
			"max_processes":      p.Limits.MaxProcesses,
		},
		"patterns": map[string]any{
			"dangerous_patterns": nonNil(p.DangerousPatterns),
			"allowed_patterns":   nonNil(p.AllowedPatterns),
			"custom_patterns":    nonNil(p.CustomPatterns),
		},
		"terminal_security": map[string]any{
			"dangerous_commands":        nonNil(p.Terminal.DangerousCommands),
			"allowed_commands":          nonNil(p.Terminal.AllowedCommands),
			"blocked_patterns":          nonNil(p.Terminal.BlockedPatterns),
			"max_command_length":        p.Terminal.MaxCommandLength,
			"require_command_whitelist": p.Terminal.RequireCommandWhitelist,
		},
		"enable_code_analysis":       p.EnableCodeAnalysis,
		"enable_security_scanning":   p.EnableSecurityScanning,
		"enable_resource_monitoring": p.EnableResourceMonitoring,
		"sandbox_mode":               p.SandboxMode,
	}
}

// Template returns a starting policy document, based on the moderate
// level, in the requested format.
func Template(format string) ([]byte, error) {
	doc := moderatePolicy().Document()
	switch format {
	case "yaml":
		return yaml.Marshal(doc)
	case "json", "":
		return json.MarshalIndent(doc, "", "  ")
	}
	return nil, fmt.Errorf("unknown template format %q", format)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
