//go:build !darwin && !linux

package sandbox

import (
	"os"
	"os/exec"
	"time"

	"github.com/epuerta/codeagent/internal/model"
)

const processGroupWaitDelay = 2 * time.Second

func setupProcessGroup(cmd *exec.Cmd) {
	cmd.WaitDelay = processGroupWaitDelay
}

func killGroup(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

func usageOf(state *os.ProcessState) model.ResourceUsage {
	if state == nil {
		return model.ResourceUsage{}
	}
	return model.ResourceUsage{CPUTimeSeconds: (state.UserTime() + state.SystemTime()).Seconds()}
}
