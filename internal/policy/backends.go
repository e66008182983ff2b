package policy

import (
	"fmt"
	"strings"

	"github.com/epuerta/codeagent/internal/model"
)

// ContainerOptions is the container hardening derived from a policy
type ContainerOptions struct {
	ReadOnlyRootFS bool
	User           string
	CPUs           string
	Network        string
	CapDrop        []string
	SecurityOpts   []string
	// Tmpfs maps a mount point to its mount options.
	Tmpfs map[string]string
}

// ContainerOptions projects p onto container runtime flags
func (p *Policy) ContainerOptions() ContainerOptions {
	opts := ContainerOptions{
		ReadOnlyRootFS: p.Level == model.Strict,
		User:           "",
		CPUs:           p.CPUShare,
		Network:        "none",
		CapDrop:        []string{"ALL"},
		SecurityOpts:   []string{"no-new-privileges"},
		Tmpfs:          map[string]string{},
	}
	if p.Level == model.Strict {
		opts.User = "nobody"
	}
	if p.Level == model.Permissive {
		opts.CapDrop = []string{"SYS_ADMIN", "SYS_MODULE"}
	}
	// Restricted network has no container-level allow list, so only open
	// grants a network namespace with outbound access.
	if p.Limits.NetworkPolicy == model.NetworkOpen {
		opts.Network = "bridge"
	}
	for _, dir := range p.FileSystem.ReadWriteDirs {
		if strings.HasPrefix(dir, "/tmp") {
			opts.Tmpfs[dir] = fmt.Sprintf("rw,size=%dm,noexec,nosuid,nodev", p.Limits.MemoryMB)
		}
	}
	return opts
}

// RemoteLimits is the limit payload sent to remote sandbox providers
type RemoteLimits struct {
	TimeoutSeconds int      `json:"timeout"`
	MemoryMB       int      `json:"memory_mb"`
	CPU            string   `json:"cpu,omitempty"`
	MaxOutputMB    int      `json:"max_output_mb"`
	MaxProcesses   int      `json:"max_processes"`
	NetworkAccess  string   `json:"network_access"`
	ReadOnlyDirs   []string `json:"read_only_dirs,omitempty"`
	ReadWriteDirs  []string `json:"read_write_dirs,omitempty"`
	BlockedDirs    []string `json:"blocked_dirs,omitempty"`
	SecurityLevel  string   `json:"security_level"`
}

// RemoteLimits projects p and the effective profile onto a remote payload
func (p *Policy) RemoteLimits(profile model.ResourceLimitProfile) RemoteLimits {
	return RemoteLimits{
		TimeoutSeconds: profile.TimeoutSeconds,
		MemoryMB:       profile.MemoryMB,
		CPU:            p.CPUShare,
		MaxOutputMB:    profile.MaxOutputMB,
		MaxProcesses:   profile.MaxProcesses,
		NetworkAccess:  string(profile.NetworkPolicy),
		ReadOnlyDirs:   p.FileSystem.ReadOnlyDirs,
		ReadWriteDirs:  p.FileSystem.ReadWriteDirs,
		BlockedDirs:    p.FileSystem.BlockedDirs,
		SecurityLevel:  string(p.Level),
	}
}
