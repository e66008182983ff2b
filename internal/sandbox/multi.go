package sandbox

import (
	"context"
	"fmt"
	"os/exec"
	"sort"

	"go.uber.org/zap"

	"github.com/epuerta/codeagent/internal/model"
)

// MultiLanguageBackend runs any language with a known toolchain on the
// host, compiling first where the language needs it.
type MultiLanguageBackend struct {
	runner *processRunner
}

// NewMultiLanguageBackend creates the multi-language backend
func NewMultiLanguageBackend(logger *zap.Logger, tempDir string) *MultiLanguageBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MultiLanguageBackend{
		runner: newProcessRunner(logger.With(zap.String("backend", NameMulti)), tempDir, nil),
	}
}

// Name returns the name of the backend
func (b *MultiLanguageBackend) Name() string {
	return NameMulti
}

// SupportsLanguage reports whether lang has a runtime entry
func (b *MultiLanguageBackend) SupportsLanguage(lang model.Language) bool {
	_, ok := lookupRuntime(lang)
	return ok
}

// Available succeeds when at least one language runtime is installed
func (b *MultiLanguageBackend) Available(ctx context.Context) error {
	if len(b.InstalledLanguages()) == 0 {
		return fmt.Errorf("%w: no language runtimes found on PATH", ErrUnavailable)
	}
	return nil
}

// InstalledLanguages lists the languages whose toolchain is on PATH
func (b *MultiLanguageBackend) InstalledLanguages() []model.Language {
	var langs []model.Language
	for lang, spec := range runtimes {
		if _, err := exec.LookPath(spec.Binary); err == nil {
			langs = append(langs, lang)
		}
	}
	sort.Slice(langs, func(i, j int) bool { return langs[i] < langs[j] })
	return langs
}

// Run compiles if needed and executes the request. Compiling counts
// against the profile timeout.
func (b *MultiLanguageBackend) Run(ctx context.Context, req *Request) (*Output, error) {
	spec, ok := lookupRuntime(req.Block.Language)
	if !ok {
		return nil, fmt.Errorf("%w: language %s not supported by %s", ErrUnavailable, req.Block.Language, NameMulti)
	}
	return b.runner.run(ctx, req, spec, req.Profile.Timeout())
}

// Terminate kills the process group of the execution
func (b *MultiLanguageBackend) Terminate(ctx context.Context, id string) error {
	return b.runner.terminate(id)
}

var _ Backend = (*MultiLanguageBackend)(nil)
