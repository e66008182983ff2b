package sandbox

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/epuerta/codeagent/internal/model"
)

// seatbeltIsolator confines the program with a macOS Seatbelt profile
type seatbeltIsolator struct{}

func (s seatbeltIsolator) name() string {
	return "macos-seatbelt"
}

func (s seatbeltIsolator) available() bool {
	_, err := exec.LookPath("sandbox-exec")
	return err == nil
}

func (s seatbeltIsolator) wrap(argv []string, dir, workDir string, network model.NetworkPolicy) ([]string, error) {
	profile, err := seatbeltProfile(dir, workDir, network)
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox profile: %w", err)
	}
	profilePath := filepath.Join(dir, "sandbox.sb")
	if err := os.WriteFile(profilePath, []byte(profile), 0600); err != nil {
		return nil, fmt.Errorf("failed to write sandbox profile: %w", err)
	}
	return append([]string{"sandbox-exec", "-f", profilePath}, argv...), nil
}

// seatbeltProfile denies everything except system reads, reads and writes
// inside the execution directories and, when allowed, network access.
func seatbeltProfile(dir, workDir string, network model.NetworkPolicy) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	writable := []string{dir}
	if workDir != "" && workDir != dir {
		abs, err := filepath.Abs(workDir)
		if err != nil {
			return "", err
		}
		writable = append(writable, abs)
	}

	var b strings.Builder
	b.WriteString(`(version 1)
(deny default)

; Basic process controls
(allow process*)
(allow sysctl-read)
(allow signal (target same-sandbox))
(allow mach-lookup)
(allow file-ioctl)

; System paths needed by interpreters
(allow file-read*
    (literal "/")
    (subpath "/usr")
    (subpath "/bin")
    (subpath "/sbin")
    (subpath "/Library")
    (subpath "/System")
    (subpath "/opt/homebrew")
    (subpath "/private/var/db")
    (subpath "/dev")
)
(allow file-write* (literal "/dev/null"))
`)
	for _, p := range writable {
		// Seatbelt matches resolved paths, and /tmp resolves to /private/tmp.
		resolved, err := filepath.EvalSymlinks(p)
		if err != nil {
			resolved = p
		}
		fmt.Fprintf(&b, "(allow file-read* file-write* (subpath %q))\n", resolved)
	}
	if network == model.NetworkOpen {
		b.WriteString("(allow network*)\n")
	} else {
		b.WriteString("(deny network*)\n")
	}
	return b.String(), nil
}
