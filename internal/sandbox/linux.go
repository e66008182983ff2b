package sandbox

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/epuerta/codeagent/internal/model"
)

// isolator rewrites a command line so it runs under OS-level confinement
type isolator interface {
	name() string
	// wrap returns the confined command line. dir is the private scratch
	// directory of the execution; workDir is where the code runs.
	wrap(argv []string, dir, workDir string, network model.NetworkPolicy) ([]string, error)
}

// namespaceIsolator puts the program in a fresh network namespace using
// unshare(1) when network access is not open.
type namespaceIsolator struct {
	logger *zap.Logger

	once   sync.Once
	usable bool
}

func newNamespaceIsolator(logger *zap.Logger) *namespaceIsolator {
	return &namespaceIsolator{logger: logger}
}

func (n *namespaceIsolator) name() string {
	return "linux-netns"
}

// available reports whether unprivileged network namespaces work here
func (n *namespaceIsolator) available() bool {
	if runtime.GOOS != "linux" {
		return false
	}
	n.once.Do(func() {
		path, err := exec.LookPath("unshare")
		if err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		n.usable = exec.CommandContext(ctx, path, "--net", "--map-root-user", "true").Run() == nil
		if !n.usable {
			n.logger.Warn("unprivileged network namespaces are not usable; local network isolation disabled")
		}
	})
	return n.usable
}

func (n *namespaceIsolator) wrap(argv []string, dir, workDir string, network model.NetworkPolicy) ([]string, error) {
	if network == model.NetworkOpen {
		return argv, nil
	}
	if !n.available() {
		if network == model.NetworkNone {
			return nil, fmt.Errorf("%w: network isolation required but unshare is not usable", ErrUnavailable)
		}
		// restricted is best effort
		return argv, nil
	}
	return append([]string{"unshare", "--net", "--map-root-user", "--"}, argv...), nil
}
