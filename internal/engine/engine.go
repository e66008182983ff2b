// Package engine runs a code block on the first usable backend of an
// ordered list and turns whatever happens into exactly one
// model.ExecutionResult.
//
// An execution moves through Validating (policy check), Dispatching (find a
// backend that is available), Running (backend plus the engine's own
// wall-clock timer) and Finalizing (terminate and release). Backends own
// their resources and release them when Run returns; the engine makes sure
// Run is told to stop on every path.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/epuerta/codeagent/internal/metrics"
	"github.com/epuerta/codeagent/internal/model"
	"github.com/epuerta/codeagent/internal/policy"
	"github.com/epuerta/codeagent/internal/sandbox"
)

const (
	// DefaultMaxConcurrent bounds concurrently running executions
	DefaultMaxConcurrent = 8
	// DefaultTerminateGrace is how long the engine waits for a backend to
	// stop after asking it to terminate.
	DefaultTerminateGrace = 2 * time.Second
)

// Config configures an Engine
type Config struct {
	// Level is the session security level. A non-nil Policy overrides it
	// with its own level.
	Level  model.SecurityLevel
	Policy *policy.Policy

	MaxConcurrent  int64
	TerminateGrace time.Duration
}

// Engine executes code blocks. It is safe for concurrent use.
type Engine struct {
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Collector
	sem     *semaphore.Weighted

	mu    sync.Mutex
	stats Stats
}

// New creates an engine. logger and m may be nil.
func New(logger *zap.Logger, cfg Config, m *metrics.Collector) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.TerminateGrace <= 0 {
		cfg.TerminateGrace = DefaultTerminateGrace
	}
	if cfg.Policy != nil {
		cfg.Level = cfg.Policy.Level
	}
	if cfg.Level == "" {
		cfg.Level = model.Moderate
	}
	return &Engine{
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "engine")),
		metrics: m,
		sem:     semaphore.NewWeighted(cfg.MaxConcurrent),
		stats:   newStats(),
	}
}

// Level returns the security level the engine evaluates code at
func (e *Engine) Level() model.SecurityLevel {
	return e.cfg.Level
}

// Policy returns the session policy, nil when the built-in one for the
// level is used
func (e *Engine) Policy() *policy.Policy {
	return e.cfg.Policy
}

// Profile returns the resource limits granted by the session policy
func (e *Engine) Profile() model.ResourceLimitProfile {
	if e.cfg.Policy != nil {
		return e.cfg.Policy.Limits
	}
	if p, err := policy.Builtin(e.cfg.Level); err == nil {
		return p.Limits
	}
	return policy.MustBuiltin(model.Moderate).Limits
}

// Option adjusts a single execution
type Option func(*runOptions)

type runOptions struct {
	id      string
	workDir string
}

// WithID sets the execution ID instead of generating one
func WithID(id string) Option {
	return func(o *runOptions) { o.id = id }
}

// WithWorkDir runs the code with dir as its working directory
func WithWorkDir(dir string) Option {
	return func(o *runOptions) { o.workDir = dir }
}

type runResult struct {
	out      *sandbox.Output
	err      error
	panicked bool
}

// Execute validates block, then runs it on the first backend in order that
// is available. It always returns a result; failures are reported through
// its Status.
func (e *Engine) Execute(ctx context.Context, block model.CodeBlock, backends []sandbox.Backend, profile model.ResourceLimitProfile, opts ...Option) (res model.ExecutionResult) {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.id == "" {
		o.id = uuid.NewString()
	}

	logger := e.logger.With(
		zap.String("exec_id", o.id),
		zap.String("language", string(block.Language)),
		zap.Int("code_bytes", len(block.Content)),
	)
	res = model.ExecutionResult{ID: o.id, ExitCode: -1}
	defer func() { e.record(block.Language, res) }()

	if !e.sem.TryAcquire(1) {
		e.metrics.RecordRejected()
		logger.Warn("execution rejected at concurrency ceiling", zap.Int64("max_concurrent", e.cfg.MaxConcurrent))
		res.Status = model.StatusBackendUnavailable
		res.Error = fmt.Sprintf("concurrency ceiling of %d executions reached", e.cfg.MaxConcurrent)
		return res
	}
	held := true
	defer func() {
		if held {
			e.sem.Release(1)
		}
	}()
	defer e.metrics.ExecutionStarted()()

	// Validating
	verdict := policy.Evaluate(block, e.cfg.Level, e.cfg.Policy)
	if !verdict.Allowed {
		e.metrics.RecordDenied(string(e.cfg.Level))
		logger.Info("execution denied by policy", zap.Strings("patterns", verdict.MatchedPatterns))
		res.Status = model.StatusSecurityError
		res.MatchedPatterns = verdict.MatchedPatterns
		res.Error = verdict.Reason
		return res
	}
	profile = profile.Tighten(block.ResourceHints)
	if err := profile.Validate(e.cfg.Level); err != nil {
		res.Status = model.StatusSecurityError
		res.Error = fmt.Sprintf("invalid resource profile: %v", err)
		return res
	}

	// Dispatching
	var skipped []string
	for _, b := range backends {
		if err := ctx.Err(); err != nil {
			return canceled(res, err)
		}
		if err := e.available(ctx, logger, b); err != nil {
			if ctx.Err() != nil {
				return canceled(res, ctx.Err())
			}
			logger.Info("backend unavailable, trying next", zap.String("backend", b.Name()), zap.Error(err))
			e.metrics.RecordFallback(b.Name())
			skipped = append(skipped, b.Name()+": "+err.Error())
			continue
		}

		out, fellThrough, pending := e.run(ctx, logger, b, block, profile, o)
		if pending != nil {
			// The slot stays taken until the abandoned run really returns.
			held = false
			go func() {
				<-pending
				e.sem.Release(1)
			}()
		}
		if fellThrough {
			e.metrics.RecordFallback(b.Name())
			skipped = append(skipped, b.Name()+": "+out.Error)
			continue
		}
		return out
	}

	res.Status = model.StatusBackendUnavailable
	if len(backends) == 0 {
		res.Error = fmt.Sprintf("no backend can run %s code", block.Language)
	} else {
		res.Error = "all backends unavailable: " + strings.Join(skipped, "; ")
	}
	logger.Warn("no backend available", zap.Int("candidates", len(backends)))
	return res
}

// available asks b whether it can take work. A panicking probe counts as
// unavailable.
func (e *Engine) available(ctx context.Context, logger *zap.Logger, b sandbox.Backend) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("backend panicked during availability check", zap.String("backend", b.Name()), zap.Any("panic", r))
			err = fmt.Errorf("%w: availability check panicked: %v", sandbox.ErrUnavailable, r)
		}
	}()
	return b.Available(ctx)
}

// run executes on one backend. It reports fellThrough when the backend
// turned out to be unavailable before producing any output. pending is
// non-nil when the backend ignored termination and is still running; it
// yields once Run finally returns.
func (e *Engine) run(ctx context.Context, logger *zap.Logger, b sandbox.Backend, block model.CodeBlock, profile model.ResourceLimitProfile, o runOptions) (res model.ExecutionResult, fellThrough bool, pending <-chan runResult) {
	logger = logger.With(zap.String("backend", b.Name()))

	stdout := newCappedBuffer(profile.MaxOutputMB)
	stderr := newCappedBuffer(profile.MaxOutputMB)
	req := &sandbox.Request{
		ID:      o.id,
		Block:   block,
		Profile: profile,
		Policy:  e.cfg.Policy,
		WorkDir: o.workDir,
		Stdout:  stdout,
		Stderr:  stderr,
	}

	budget := profile.Timeout()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan runResult, 1)
	start := time.Now()
	logger.Debug("dispatching execution", zap.Duration("budget", budget))
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- runResult{err: fmt.Errorf("backend %s panicked: %v", b.Name(), r), panicked: true}
			}
		}()
		out, err := b.Run(runCtx, req)
		done <- runResult{out: out, err: err}
	}()

	timer := time.NewTimer(budget)
	defer timer.Stop()

	var (
		r        runResult
		finished bool
		timedOut bool
	)
	select {
	case r = <-done:
		finished = true
	case <-timer.C:
		timedOut = true
		logger.Info("execution timed out", zap.Duration("budget", budget))
	case <-ctx.Done():
		logger.Info("execution canceled", zap.Error(ctx.Err()))
	}

	// Finalizing
	if !finished {
		cancel()
		e.terminate(logger, b, o.id)
		grace := time.NewTimer(e.cfg.TerminateGrace)
		select {
		case r = <-done:
		case <-grace.C:
			logger.Warn("backend did not stop within grace period", zap.Duration("grace", e.cfg.TerminateGrace))
			pending = done
		}
		grace.Stop()
	}
	duration := time.Since(start)

	res = model.ExecutionResult{
		ID:              o.id,
		Backend:         b.Name(),
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		ExitCode:        -1,
		DurationSeconds: duration.Seconds(),
		Truncated:       stdout.wasTruncated() || stderr.wasTruncated(),
	}
	res.ResourceUsage.StdoutBytes = stdout.written()
	res.ResourceUsage.StderrBytes = stderr.written()
	if stdout.wasTruncated() {
		e.metrics.RecordTruncation("stdout")
	}
	if stderr.wasTruncated() {
		e.metrics.RecordTruncation("stderr")
	}
	if r.out != nil {
		res.ExitCode = r.out.ExitCode
		res.ResourceUsage.CPUTimeSeconds = r.out.Usage.CPUTimeSeconds
		res.ResourceUsage.MaxRSSKB = r.out.Usage.MaxRSSKB
	}

	switch {
	case timedOut:
		res.Status = model.StatusTimeout
		res.Error = fmt.Sprintf("execution exceeded %s", budget)
	case !finished || ctx.Err() != nil:
		return canceled(res, ctx.Err()), false, pending
	case r.err != nil:
		if errors.Is(r.err, sandbox.ErrUnavailable) && !r.panicked && stdout.written() == 0 && stderr.written() == 0 {
			logger.Info("backend unavailable at run, trying next", zap.Error(r.err))
			res.Error = r.err.Error()
			return res, true, nil
		}
		if r.panicked {
			logger.Error("backend panicked", zap.Error(r.err))
		} else {
			logger.Error("backend failed", zap.Error(r.err))
		}
		res.Status = model.StatusInternalFault
		res.Error = r.err.Error()
	case r.out == nil:
		res.Status = model.StatusInternalFault
		res.Error = fmt.Sprintf("backend %s returned no output", b.Name())
	case r.out.TimedOut:
		res.Status = model.StatusTimeout
		res.Error = fmt.Sprintf("execution exceeded %s", profile.Timeout())
	case r.out.ExitCode == 0:
		res.Status = model.StatusCompleted
	default:
		res.Status = model.StatusRuntimeError
		res.Error = fmt.Sprintf("process exited with code %d", r.out.ExitCode)
	}

	logger.Info("execution finished",
		zap.String("status", string(res.Status)),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("duration", duration),
		zap.Bool("truncated", res.Truncated),
	)
	return res, false, pending
}

func (e *Engine) terminate(logger *zap.Logger, b sandbox.Backend, id string) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.TerminateGrace)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("backend panicked during terminate", zap.Any("panic", r))
		}
	}()
	if err := b.Terminate(ctx, id); err != nil {
		logger.Warn("failed to terminate execution", zap.Error(err))
	}
}

// canceled reports a caller cancellation. A caller deadline counts as a
// timeout.
func canceled(res model.ExecutionResult, err error) model.ExecutionResult {
	if errors.Is(err, context.DeadlineExceeded) {
		res.Status = model.StatusTimeout
		res.Error = "caller deadline exceeded"
		return res
	}
	res.Status = model.StatusInternalFault
	res.Error = "execution canceled"
	return res
}
