package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/epuerta/codeagent/internal/model"
	"github.com/epuerta/codeagent/internal/policy"
)

// DefaultImages maps languages to the container images used to run them
var DefaultImages = map[model.Language]string{
	model.Python:     "python:3.12-slim",
	model.JavaScript: "node:20-slim",
	model.Java:       "eclipse-temurin:21-jdk",
	model.Cpp:        "gcc:13",
	model.C:          "gcc:13",
	model.Rust:       "rust:1.75-slim",
	model.Go:         "golang:1.24-alpine",
	model.PHP:        "php:8.3-cli",
	model.Ruby:       "ruby:3.3-slim",
	model.Perl:       "perl:5.38-slim",
	model.Bash:       "bash:5.2",
}

// ContainerConfig configures the container backend
type ContainerConfig struct {
	// Binary is the docker-compatible CLI, "docker" by default.
	Binary string
	Images map[model.Language]string
	// TempDir is where code directories are staged before mounting.
	TempDir string
	// ProbeTTL is how long an availability probe result is reused.
	ProbeTTL time.Duration
}

// ContainerBackend runs code in a throwaway container through the docker
// CLI. Each execution gets its own container which is removed afterwards.
type ContainerBackend struct {
	logger *zap.Logger
	cfg    ContainerConfig

	mu         sync.Mutex
	containers map[string]string // exec id -> container name
	probedAt   time.Time
	probeErr   error
}

// NewContainerBackend creates the container backend
func NewContainerBackend(logger *zap.Logger, cfg ContainerConfig) *ContainerBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Binary == "" {
		cfg.Binary = "docker"
	}
	if cfg.Images == nil {
		cfg.Images = DefaultImages
	}
	if cfg.ProbeTTL == 0 {
		cfg.ProbeTTL = 30 * time.Second
	}
	return &ContainerBackend{
		logger:     logger.With(zap.String("backend", NameDocker)),
		cfg:        cfg,
		containers: make(map[string]string),
	}
}

// Name returns the name of the backend
func (d *ContainerBackend) Name() string {
	return NameDocker
}

// SupportsLanguage reports whether an image is configured for lang
func (d *ContainerBackend) SupportsLanguage(lang model.Language) bool {
	_, ok := d.cfg.Images[lang]
	return ok
}

// Available checks that the CLI exists and the daemon answers
func (d *ContainerBackend) Available(ctx context.Context) error {
	d.mu.Lock()
	if !d.probedAt.IsZero() && time.Since(d.probedAt) < d.cfg.ProbeTTL {
		err := d.probeErr
		d.mu.Unlock()
		return err
	}
	d.mu.Unlock()

	err := d.probe(ctx)

	d.mu.Lock()
	d.probedAt, d.probeErr = time.Now(), err
	d.mu.Unlock()
	return err
}

func (d *ContainerBackend) probe(ctx context.Context) error {
	if _, err := exec.LookPath(d.cfg.Binary); err != nil {
		return fmt.Errorf("%w: %s CLI not found", ErrUnavailable, d.cfg.Binary)
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, d.cfg.Binary, "version", "--format", "{{.Server.Version}}").CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: container daemon not reachable: %s", ErrUnavailable, strings.TrimSpace(string(out)))
	}
	return nil
}

// Run executes the request in a new container
func (d *ContainerBackend) Run(ctx context.Context, req *Request) (*Output, error) {
	image, ok := d.cfg.Images[req.Block.Language]
	if !ok {
		return nil, fmt.Errorf("%w: no image configured for language %s", ErrUnavailable, req.Block.Language)
	}
	spec, ok := lookupRuntime(req.Block.Language)
	if !ok {
		return nil, fmt.Errorf("%w: language %s not supported by %s", ErrUnavailable, req.Block.Language, NameDocker)
	}

	tempDir, err := os.MkdirTemp(d.cfg.TempDir, "codeagent-docker-")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)
	// The container may run as an unprivileged user.
	if err := os.Chmod(tempDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to prepare temp dir: %w", err)
	}

	fileName, class := spec.fileName(req.Block.Content)
	if err := os.WriteFile(filepath.Join(tempDir, fileName), []byte(req.Block.Content), 0644); err != nil {
		return nil, fmt.Errorf("failed to write code file: %w", err)
	}

	name := fmt.Sprintf("codeagent_%s_%d", sanitizeID(req.ID), time.Now().UnixNano())
	args := d.buildArgs(name, image, tempDir, req, spec, fileName, class)

	d.logger.Debug("executing docker command",
		zap.String("exec_id", req.ID),
		zap.String("container", name),
		zap.String("image", image),
	)

	d.mu.Lock()
	d.containers[req.ID] = name
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.containers, req.ID)
		d.mu.Unlock()
		d.forceRemove(name)
	}()

	runCtx, cancel := context.WithTimeout(ctx, req.Profile.Timeout())
	defer cancel()

	// Creating first keeps daemon and image errors off the caller's
	// streams, so a failed start leaves the next backend a clean slate.
	var createOut bytes.Buffer
	create := exec.CommandContext(runCtx, d.cfg.Binary, args...)
	create.Stdout = &createOut
	create.Stderr = &createOut
	create.WaitDelay = processGroupWaitDelay
	if err := create.Run(); err != nil {
		if runCtx.Err() != nil {
			return &Output{ExitCode: -1, TimedOut: errors.Is(runCtx.Err(), context.DeadlineExceeded)}, nil
		}
		d.invalidateProbe()
		d.logger.Info("container create failed",
			zap.String("exec_id", req.ID),
			zap.String("output", strings.TrimSpace(createOut.String())),
		)
		return nil, fmt.Errorf("%w: docker create failed: %s", ErrUnavailable, firstLine(createOut.String()))
	}

	cmd := exec.CommandContext(runCtx, d.cfg.Binary, "start", "--attach", name)
	cmd.Stdout = writerOrDiscard(req.Stdout)
	cmd.Stderr = writerOrDiscard(req.Stderr)
	cmd.WaitDelay = processGroupWaitDelay
	err = cmd.Run()

	out := &Output{ExitCode: -1}
	if cmd.ProcessState != nil {
		out.ExitCode = cmd.ProcessState.ExitCode()
	}
	if runCtx.Err() != nil {
		// Killing the CLI does not stop the container.
		d.forceKill(name)
		out.TimedOut = errors.Is(runCtx.Err(), context.DeadlineExceeded)
		return out, nil
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		out.ExitCode = exitErr.ExitCode()
	default:
		return nil, fmt.Errorf("failed to start container: %w", err)
	}
	return out, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}

func (d *ContainerBackend) buildArgs(name, image, tempDir string, req *Request, spec runtimeSpec, fileName, class string) []string {
	p := req.Profile
	args := []string{
		"create",
		"--name", name,
		"--label", "codeagent.exec=" + sanitizeID(req.ID),
		"--memory", fmt.Sprintf("%dm", p.MemoryMB),
		"--memory-swap", fmt.Sprintf("%dm", p.MemoryMB),
		"--pids-limit", fmt.Sprint(p.MaxProcesses + 1),
		"--ulimit", fmt.Sprintf("cpu=%d:%d", p.CPUTimeSeconds, p.CPUTimeSeconds),
		"--ulimit", fmt.Sprintf("fsize=%d:%d", p.DiskMB*1024*1024, p.DiskMB*1024*1024),
	}

	var opts policy.ContainerOptions
	if req.Policy != nil {
		opts = req.Policy.ContainerOptions()
	} else {
		opts = policy.ContainerOptions{Network: "none", CapDrop: []string{"ALL"}, SecurityOpts: []string{"no-new-privileges"}}
	}
	// The profile is authoritative for network access.
	if p.NetworkPolicy != model.NetworkOpen {
		opts.Network = "none"
	}

	if opts.CPUs != "" {
		args = append(args, "--cpus", opts.CPUs)
	}
	args = append(args, "--network", opts.Network)
	for _, so := range opts.SecurityOpts {
		args = append(args, "--security-opt", so)
	}
	for _, c := range opts.CapDrop {
		args = append(args, "--cap-drop", c)
	}
	if opts.ReadOnlyRootFS {
		args = append(args, "--read-only")
	}
	if opts.User != "" {
		args = append(args, "--user", opts.User)
	}
	mounts := make([]string, 0, len(opts.Tmpfs))
	for dir := range opts.Tmpfs {
		mounts = append(mounts, dir)
	}
	sort.Strings(mounts)
	for _, dir := range mounts {
		args = append(args, "--tmpfs", dir+":"+opts.Tmpfs[dir])
	}
	// Compiled programs need an executable scratch area.
	args = append(args, "--tmpfs", fmt.Sprintf("/build:rw,exec,nosuid,size=%dm", p.DiskMB))

	args = append(args, "-v", tempDir+":/code:ro")
	workDir := "/code"
	if req.WorkDir != "" {
		args = append(args, "-v", req.WorkDir+":/workspace")
		workDir = "/workspace"
	}
	args = append(args, "-w", workDir, "-e", "HOME=/build", image)

	vars := map[string]string{
		"file":   "/code/" + fileName,
		"dir":    "/build",
		"output": "/build/program",
		"class":  class,
		"memory": fmt.Sprint(p.MemoryMB),
	}
	if len(spec.Compile) == 0 {
		return append(args, expand(spec.Run, vars)...)
	}
	script := shellJoin(expand(spec.Compile, vars)) + " && exec " + shellJoin(expand(spec.Run, vars))
	return append(args, "sh", "-c", script)
}

// Terminate kills and removes the container of a running execution
func (d *ContainerBackend) Terminate(ctx context.Context, id string) error {
	d.mu.Lock()
	name, ok := d.containers[id]
	d.mu.Unlock()
	if !ok {
		return nil
	}
	d.forceKill(name)
	d.forceRemove(name)
	return nil
}

// Cleanup removes all active containers
func (d *ContainerBackend) Cleanup() {
	d.mu.Lock()
	names := make([]string, 0, len(d.containers))
	for _, name := range d.containers {
		names = append(names, name)
	}
	d.mu.Unlock()

	for _, name := range names {
		d.forceKill(name)
		d.forceRemove(name)
	}
	d.logger.Info("cleaned up containers", zap.Int("count", len(names)))
}

func (d *ContainerBackend) forceKill(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = exec.CommandContext(ctx, d.cfg.Binary, "kill", name).Run()
	d.logger.Debug("killed container", zap.String("name", name))
}

func (d *ContainerBackend) forceRemove(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = exec.CommandContext(ctx, d.cfg.Binary, "rm", "-f", name).Run()
}

func (d *ContainerBackend) invalidateProbe() {
	d.mu.Lock()
	d.probedAt = time.Time{}
	d.mu.Unlock()
}

func shellJoin(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
	}
	return strings.Join(quoted, " ")
}

var _ Backend = (*ContainerBackend)(nil)
