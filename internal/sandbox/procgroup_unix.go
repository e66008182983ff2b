//go:build darwin || linux

package sandbox

import (
	"errors"
	"os"
	"os/exec"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/epuerta/codeagent/internal/model"
)

// processGroupWaitDelay bounds how long Wait keeps reading output pipes
// after the group has been killed.
const processGroupWaitDelay = 2 * time.Second

// setupProcessGroup runs cmd in its own session and makes context
// cancellation kill the whole group, so children spawned by the code die
// with it.
func setupProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setsid = true

	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return os.ErrProcessDone
		}
		return killGroup(cmd.Process.Pid)
	}
	cmd.WaitDelay = processGroupWaitDelay
}

// killGroup sends SIGKILL to the process group led by pid
func killGroup(pid int) error {
	// kill(-1) and kill(0) would hit far more than the group.
	if pid <= 1 {
		return os.ErrProcessDone
	}
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return os.ErrProcessDone
		}
		return err
	}
	return nil
}

// usageOf extracts CPU time and peak RSS from a finished process
func usageOf(state *os.ProcessState) model.ResourceUsage {
	var u model.ResourceUsage
	if state == nil {
		return u
	}
	u.CPUTimeSeconds = (state.UserTime() + state.SystemTime()).Seconds()
	if ru, ok := state.SysUsage().(*syscall.Rusage); ok {
		u.MaxRSSKB = int64(ru.Maxrss)
		// darwin reports bytes, linux kilobytes
		if runtime.GOOS == "darwin" {
			u.MaxRSSKB /= 1024
		}
	}
	return u
}
