package policy

import (
	"fmt"

	"github.com/epuerta/codeagent/internal/model"
	"github.com/epuerta/codeagent/internal/scanner"
)

var (
	safeImports = []string{
		`import\s+math`,
		`import\s+random`,
		`import\s+datetime`,
		`import\s+json`,
		`import\s+collections`,
		`from\s+math\s+import`,
		`from\s+random\s+import`,
		`from\s+datetime\s+import`,
		`from\s+json\s+import`,
	}

	shellCommands = []string{
		"ls", "dir", "pwd", "cat", "type", "head", "tail", "grep",
		"find", "which", "where", "echo", "print", "date", "time",
		"git", "npm", "pip", "python", "node", "java", "gcc", "g++",
		"make", "cmake", "ps", "top", "htop", "df", "du", "free",
		"uptime", "uname", "mkdir", "touch", "cp", "copy", "mv", "move",
	}

	dangerousCommands = []string{
		"rm", "del", "format", "fdisk", "mkfs", "dd", "shred",
		"sudo", "su", "passwd", "chmod", "chown", "mount", "umount",
		"kill", "killall", "pkill", "xkill", "halt", "shutdown", "reboot",
		"curl", "wget", "nc", "netcat", "telnet", "ssh", "scp", "rsync",
		"crontab", "at", "systemctl", "service", "initctl",
	}

	chainedDestructive = []string{
		`\|\s*rm\s+`, `\|\s*del\s+`, `\|\s*sudo\s+`, `\|\s*su\s+`,
		`&&\s*rm\s+`, `&&\s*del\s+`, `&&\s*sudo\s+`, `&&\s*su\s+`,
		`;\s*rm\s+`, `;\s*del\s+`, `;\s*sudo\s+`, `;\s*su\s+`,
	}
)

func strictPolicy() *Policy {
	return &Policy{
		Level: model.Strict,
		Limits: model.ResourceLimitProfile{
			CPUTimeSeconds: 15,
			MemoryMB:       256,
			DiskMB:         50,
			MaxProcesses:   2,
			MaxOutputMB:    5,
			NetworkPolicy:  model.NetworkNone,
			TimeoutSeconds: 15,
		},
		CPUShare: "0.5",
		FileSystem: FileSystemScope{
			ReadOnlyDirs:  []string{"/usr/lib", "/lib"},
			ReadWriteDirs: []string{"/tmp"},
			BlockedDirs:   []string{"/etc", "/root", "/home", "/var", "/opt"},
			MaxFileSizeMB: 50,
		},
		Terminal: TerminalRules{
			DangerousCommands: append(append([]string{}, dangerousCommands...),
				"useradd", "userdel", "groupadd", "groupdel", "visudo", "chroot"),
			AllowedCommands: shellCommands,
			BlockedPatterns: append(append([]string{}, chainedDestructive...),
				`\|\s*kill\s+`, `&&\s*kill\s+`, `;\s*kill\s+`),
			MaxCommandLength:        500,
			RequireCommandWhitelist: true,
		},
		DangerousPatterns: []string{
			`import\s+os`,
			`import\s+subprocess`,
			`import\s+socket`,
			`import\s+urllib`,
			`import\s+requests`,
			`os\.system\s*\(`,
			`os\.popen\s*\(`,
			`subprocess\.run\s*\(`,
			`subprocess\.call\s*\(`,
			`subprocess\.Popen\s*\(`,
			`open\s*\(`,
			`file\s*\(`,
			`exec\s*\(`,
			`eval\s*\(`,
			`__import__\s*\(`,
			`compile\s*\(`,
		},
		AllowedPatterns: append(append([]string{}, safeImports...),
			`import\s+itertools`,
			`import\s+functools`,
			`from\s+collections\s+import`,
			`from\s+itertools\s+import`,
			`from\s+functools\s+import`,
		),
		Families:                 scanner.AllFamilies,
		EnableCodeAnalysis:       true,
		EnableSecurityScanning:   true,
		EnableResourceMonitoring: true,
		SandboxMode:              "auto",
	}
}

func moderatePolicy() *Policy {
	return &Policy{
		Level: model.Moderate,
		Limits: model.ResourceLimitProfile{
			CPUTimeSeconds: 30,
			MemoryMB:       512,
			DiskMB:         100,
			MaxProcesses:   5,
			MaxOutputMB:    10,
			NetworkPolicy:  model.NetworkRestricted,
			TimeoutSeconds: 30,
		},
		CPUShare: "1",
		FileSystem: FileSystemScope{
			ReadOnlyDirs:  []string{"/app/data", "/usr/lib"},
			ReadWriteDirs: []string{"/tmp", "/app/logs"},
			BlockedDirs:   []string{"/etc", "/root", "/home"},
			MaxFileSizeMB: 100,
		},
		Terminal: TerminalRules{
			DangerousCommands: dangerousCommands,
			AllowedCommands: append(append([]string{}, shellCommands...),
				"cd", "whoami", "docker", "kubectl", "terraform", "ansible", "ln", "link"),
			BlockedPatterns:  chainedDestructive,
			MaxCommandLength: 1000,
		},
		DangerousPatterns: []string{
			`import\s+os`,
			`import\s+subprocess`,
			`import\s+socket`,
			`os\.system\s*\(`,
			`subprocess\.run\s*\(`,
			`exec\s*\(`,
			`eval\s*\(`,
		},
		AllowedPatterns: safeImports,
		Families: []scanner.Family{
			scanner.FamilyProcess,
			scanner.FamilyEval,
			scanner.FamilyNetwork,
			scanner.FamilyFilesystem,
			scanner.FamilyMarkup,
		},
		EnableCodeAnalysis:       true,
		EnableSecurityScanning:   true,
		EnableResourceMonitoring: true,
		SandboxMode:              "auto",
	}
}

func permissivePolicy() *Policy {
	return &Policy{
		Level: model.Permissive,
		Limits: model.ResourceLimitProfile{
			CPUTimeSeconds: 60,
			MemoryMB:       1024,
			DiskMB:         500,
			MaxProcesses:   10,
			MaxOutputMB:    50,
			NetworkPolicy:  model.NetworkOpen,
			TimeoutSeconds: 60,
		},
		CPUShare: "2",
		FileSystem: FileSystemScope{
			ReadWriteDirs: []string{"/tmp", "/app"},
			BlockedDirs:   []string{"/etc/passwd", "/etc/shadow"},
			MaxFileSizeMB: 500,
		},
		Terminal: TerminalRules{
			DangerousCommands: []string{"format", "fdisk", "mkfs", "dd", "shred", "halt", "shutdown", "reboot"},
			BlockedPatterns: []string{
				`\|\s*format\s+`, `\|\s*fdisk\s+`, `\|\s*mkfs\s+`,
				`&&\s*format\s+`, `&&\s*fdisk\s+`, `&&\s*mkfs\s+`,
				`;\s*format\s+`, `;\s*fdisk\s+`, `;\s*mkfs\s+`,
			},
			MaxCommandLength: 2000,
		},
		DangerousPatterns: []string{
			`import\s+subprocess`,
			`subprocess\.run\s*\(`,
			`subprocess\.call\s*\(`,
			`subprocess\.Popen\s*\(`,
			`exec\s*\(`,
			`eval\s*\(`,
		},
		Families:                 []scanner.Family{scanner.FamilyEval},
		EnableCodeAnalysis:       true,
		EnableSecurityScanning:   true,
		EnableResourceMonitoring: true,
		SandboxMode:              "auto",
	}
}

// Builtin returns a fresh compiled copy of the built-in policy for level.
// The custom level has no built-in policy.
func Builtin(level model.SecurityLevel) (*Policy, error) {
	var p *Policy
	switch level {
	case model.Strict:
		p = strictPolicy()
	case model.Moderate:
		p = moderatePolicy()
	case model.Permissive:
		p = permissivePolicy()
	default:
		return nil, fmt.Errorf("%w: no built-in policy for level %q", ErrInvalidPolicy, level)
	}
	if err := p.Compile(); err != nil {
		return nil, err
	}
	return p, nil
}

// MustBuiltin is Builtin for the three fixed levels
func MustBuiltin(level model.SecurityLevel) *Policy {
	p, err := Builtin(level)
	if err != nil {
		panic(err)
	}
	return p
}
