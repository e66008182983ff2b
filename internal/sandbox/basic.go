package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/epuerta/codeagent/internal/model"
)

// processRunner executes code as a resource-limited host process. It backs
// both the local sandbox and the multi-language backend.
type processRunner struct {
	logger   *zap.Logger
	tempRoot string
	iso      isolator
	// monitor controls whether rusage is reported.
	monitor bool

	mu     sync.Mutex
	active map[string]*exec.Cmd
}

func newProcessRunner(logger *zap.Logger, tempRoot string, iso isolator) *processRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &processRunner{
		logger:   logger,
		tempRoot: tempRoot,
		iso:      iso,
		monitor:  true,
		active:   make(map[string]*exec.Cmd),
	}
}

// run writes the code to a private directory, compiles it if the runtime
// needs that and runs it. The directory is removed on every path.
func (r *processRunner) run(ctx context.Context, req *Request, spec runtimeSpec, budget time.Duration) (*Output, error) {
	if _, err := exec.LookPath(spec.Binary); err != nil {
		return nil, fmt.Errorf("%w: %s runtime %q not found", ErrUnavailable, spec.Language, spec.Binary)
	}

	dir, err := os.MkdirTemp(r.tempRoot, "codeagent-"+sanitizeID(req.ID)+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	name, class := spec.fileName(req.Block.Content)
	file := filepath.Join(dir, name)
	if err := os.WriteFile(file, []byte(req.Block.Content), 0600); err != nil {
		return nil, fmt.Errorf("failed to write code file: %w", err)
	}

	vars := map[string]string{
		"file":   file,
		"dir":    dir,
		"output": filepath.Join(dir, "program"),
		"class":  class,
		"memory": strconv.Itoa(req.Profile.MemoryMB),
	}
	workDir := req.WorkDir
	if workDir == "" {
		workDir = dir
	}

	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	var usage model.ResourceUsage
	if len(spec.Compile) > 0 {
		// Compiler output goes to stderr so diagnostics reach the caller.
		out, err := r.exec(ctx, req, expand(spec.Compile, vars), dir, dir, req.Stderr, req.Stderr, spec)
		if err != nil {
			return nil, err
		}
		usage = out.Usage
		if out.TimedOut || out.ExitCode != 0 {
			return out, nil
		}
	}

	out, err := r.exec(ctx, req, expand(spec.Run, vars), dir, workDir, req.Stdout, req.Stderr, spec)
	if err != nil {
		return nil, err
	}
	out.Usage.CPUTimeSeconds += usage.CPUTimeSeconds
	if usage.MaxRSSKB > out.Usage.MaxRSSKB {
		out.Usage.MaxRSSKB = usage.MaxRSSKB
	}
	return out, nil
}

func (r *processRunner) exec(ctx context.Context, req *Request, argv []string, dir, workDir string, stdout, stderr io.Writer, spec runtimeSpec) (*Output, error) {
	script := limitScript(req.Profile, spec.LimitAddressSpace)
	argv = append([]string{"/bin/sh", "-c", script, "sh"}, argv...)
	if r.iso != nil {
		wrapped, err := r.iso.wrap(argv, dir, workDir, req.Profile.NetworkPolicy)
		if err != nil {
			return nil, err
		}
		argv = wrapped
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = workDir
	cmd.Env = []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + dir,
		"TMPDIR=" + dir,
		"LANG=C.UTF-8",
		"CODEAGENT_SANDBOX=1",
	}
	cmd.Stdout = writerOrDiscard(stdout)
	cmd.Stderr = writerOrDiscard(stderr)
	setupProcessGroup(cmd)

	r.track(req.ID, cmd)
	defer r.untrack(req.ID)

	r.logger.Debug("starting process",
		zap.String("exec_id", req.ID),
		zap.String("language", string(spec.Language)),
		zap.String("program", spec.Binary),
	)
	err := cmd.Run()

	out := &Output{ExitCode: -1}
	if cmd.ProcessState != nil {
		out.ExitCode = cmd.ProcessState.ExitCode()
		if r.monitor {
			out.Usage = usageOf(cmd.ProcessState)
		}
	}
	if ctx.Err() != nil {
		out.TimedOut = errors.Is(ctx.Err(), context.DeadlineExceeded)
		return out, nil
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		out.ExitCode = exitErr.ExitCode()
	case errors.Is(err, exec.ErrWaitDelay):
		// Orphaned children held the pipes open past the wait delay.
	default:
		return nil, fmt.Errorf("failed to run %s: %w", spec.Binary, err)
	}
	return out, nil
}

func (r *processRunner) track(id string, cmd *exec.Cmd) {
	r.mu.Lock()
	r.active[id] = cmd
	r.mu.Unlock()
}

func (r *processRunner) untrack(id string) {
	r.mu.Lock()
	delete(r.active, id)
	r.mu.Unlock()
}

// terminate kills the process group of a running execution
func (r *processRunner) terminate(id string) error {
	r.mu.Lock()
	cmd, ok := r.active[id]
	r.mu.Unlock()
	if !ok || cmd.Process == nil {
		return nil
	}
	if err := killGroup(cmd.Process.Pid); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill process group: %w", err)
	}
	return nil
}

// sanitizeID keeps only characters safe in file and container names
func sanitizeID(id string) string {
	var b strings.Builder
	for _, c := range id {
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' || c == '-' {
			b.WriteRune(c)
		}
	}
	s := b.String()
	if len(s) > 32 {
		s = s[:32]
	}
	return s
}
