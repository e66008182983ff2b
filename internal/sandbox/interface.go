package sandbox

import (
	"context"
	"errors"
	"io"

	"github.com/epuerta/codeagent/internal/model"
	"github.com/epuerta/codeagent/internal/policy"
)

// Backend names used in configuration and results
const (
	NameSandbox = "sandbox"
	NameDocker  = "docker"
	NameE2B     = "e2b"
	NameDaytona = "daytona"
	NameMulti   = "multi"
)

// ErrUnavailable is wrapped by errors that mean a backend cannot take work
// right now: not installed, credentials missing, quota exhausted. The
// execution engine falls through to the next backend on these errors.
var ErrUnavailable = errors.New("backend unavailable")

// Request is one execution handed to a backend
type Request struct {
	// ID identifies the execution for Terminate and for log correlation.
	ID      string
	Block   model.CodeBlock
	Profile model.ResourceLimitProfile
	// Policy supplies backend-specific hardening. It may be nil, in which
	// case only Profile is applied.
	Policy *policy.Policy
	// WorkDir is the host directory the code runs in. Empty means a
	// private temporary directory.
	WorkDir string

	// Stdout and Stderr receive the program output as it is produced.
	// The engine supplies bounded writers; backends must not buffer the
	// full output themselves.
	Stdout io.Writer
	Stderr io.Writer
}

// Output is what a backend reports once the program has finished
type Output struct {
	ExitCode int
	// TimedOut is set when the backend's own time limit ended the program.
	TimedOut bool
	Usage    model.ResourceUsage
}

// Backend runs code in some isolation environment
type Backend interface {
	// Name returns the backend name used in configuration
	Name() string

	// SupportsLanguage reports whether the backend can ever run lang.
	// It performs no I/O.
	SupportsLanguage(lang model.Language) bool

	// Available returns nil when the backend can accept work, or an error
	// wrapping ErrUnavailable explaining why not.
	Available(ctx context.Context) error

	// Run executes the request. A non-zero exit is reported through
	// Output, not as an error. Errors wrapping ErrUnavailable mean nothing
	// ran and another backend may be tried.
	Run(ctx context.Context, req *Request) (*Output, error)

	// Terminate force-stops the execution with the given ID. It is a no-op
	// for unknown or finished executions.
	Terminate(ctx context.Context, id string) error
}

func writerOrDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}
