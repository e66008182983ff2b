package sandbox

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"

	"go.uber.org/zap"

	"github.com/epuerta/codeagent/internal/model"
)

// LocalConfig configures the local process backend
type LocalConfig struct {
	// TempDir is where per-execution directories are created. Empty means
	// the system temp dir.
	TempDir string
	// Isolate enables OS confinement: Seatbelt on macOS, a private network
	// namespace on Linux.
	Isolate bool
	// DisableUsage turns off resource usage reporting.
	DisableUsage bool
}

// LocalProcessBackend runs interpreted languages as rlimit-bounded host
// processes in their own process group.
type LocalProcessBackend struct {
	runner *processRunner
}

var localLanguages = map[model.Language]bool{
	model.Python:     true,
	model.JavaScript: true,
	model.Bash:       true,
}

// NewLocalProcessBackend creates the local sandbox backend
func NewLocalProcessBackend(logger *zap.Logger, cfg LocalConfig) *LocalProcessBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("backend", NameSandbox))

	var iso isolator
	if cfg.Isolate {
		// Try platform-specific confinement in order of preference
		if sb := (seatbeltIsolator{}); sb.available() {
			iso = sb
		} else if runtime.GOOS == "linux" {
			iso = newNamespaceIsolator(logger)
		}
	}
	r := newProcessRunner(logger, cfg.TempDir, iso)
	r.monitor = !cfg.DisableUsage
	return &LocalProcessBackend{runner: r}
}

// Name returns the name of the backend
func (b *LocalProcessBackend) Name() string {
	return NameSandbox
}

// SupportsLanguage reports whether lang is one of the interpreted languages
func (b *LocalProcessBackend) SupportsLanguage(lang model.Language) bool {
	return localLanguages[lang]
}

// Available checks that a POSIX shell exists to apply limits
func (b *LocalProcessBackend) Available(ctx context.Context) error {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		return fmt.Errorf("%w: local sandbox needs linux or darwin, running on %s", ErrUnavailable, runtime.GOOS)
	}
	if _, err := exec.LookPath("/bin/sh"); err != nil {
		return fmt.Errorf("%w: /bin/sh not found", ErrUnavailable)
	}
	return nil
}

// Run executes the request within the profile's wall-clock budget
func (b *LocalProcessBackend) Run(ctx context.Context, req *Request) (*Output, error) {
	spec, ok := lookupRuntime(req.Block.Language)
	if !ok || !b.SupportsLanguage(req.Block.Language) {
		return nil, fmt.Errorf("%w: language %s not supported by %s", ErrUnavailable, req.Block.Language, NameSandbox)
	}
	return b.runner.run(ctx, req, spec, req.Profile.Timeout())
}

// Terminate kills the process group of the execution
func (b *LocalProcessBackend) Terminate(ctx context.Context, id string) error {
	return b.runner.terminate(id)
}

var _ Backend = (*LocalProcessBackend)(nil)
