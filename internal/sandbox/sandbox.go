package sandbox

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/epuerta/codeagent/internal/model"
)

// Options configures the default set of backends
type Options struct {
	TempDir string
	// Isolate enables OS confinement for the local backend.
	Isolate bool

	DockerBinary string
	DockerImages map[model.Language]string

	E2BBaseURL        string
	DaytonaBaseURL    string
	RequestsPerSecond float64
	HTTPClient        *http.Client
	Getenv            func(string) string
}

// Registry holds the configured backends by name
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
	order    []string
}

// NewRegistry creates a registry holding the given backends. A later
// backend with the same name replaces an earlier one.
func NewRegistry(backends ...Backend) *Registry {
	r := &Registry{backends: make(map[string]Backend)}
	for _, b := range backends {
		r.Register(b)
	}
	return r
}

// NewDefaultRegistry creates all built-in backends
func NewDefaultRegistry(logger *zap.Logger, opts Options) *Registry {
	remote := RemoteConfig{
		RequestsPerSecond: opts.RequestsPerSecond,
		HTTPClient:        opts.HTTPClient,
		Getenv:            opts.Getenv,
	}
	e2b := remote
	e2b.BaseURL = opts.E2BBaseURL
	daytona := remote
	daytona.BaseURL = opts.DaytonaBaseURL

	return NewRegistry(
		NewLocalProcessBackend(logger, LocalConfig{TempDir: opts.TempDir, Isolate: opts.Isolate}),
		NewContainerBackend(logger, ContainerConfig{
			Binary:  opts.DockerBinary,
			Images:  opts.DockerImages,
			TempDir: opts.TempDir,
		}),
		NewRemoteSandboxBackend(logger, E2BProvider(), e2b),
		NewRemoteSandboxBackend(logger, DaytonaProvider(), daytona),
		NewMultiLanguageBackend(logger, opts.TempDir),
	)
}

// Register adds or replaces a backend
func (r *Registry) Register(b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.backends[b.Name()]; !exists {
		r.order = append(r.order, b.Name())
	}
	r.backends[b.Name()] = b
}

// Get returns the backend with the given name
func (r *Registry) Get(name string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	return b, ok
}

// Names returns the backend names in registration order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// All returns the backends in registration order
func (r *Registry) All() []Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Backend, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.backends[name])
	}
	return out
}

// Status is the result of probing one backend
type Status struct {
	Name      string           `json:"name"`
	Available bool             `json:"available"`
	Reason    string           `json:"reason,omitempty"`
	Languages []model.Language `json:"languages"`
}

// Probe checks every backend concurrently. Each probe is bounded by
// timeout; a probe that fails or times out marks the backend unavailable.
func (r *Registry) Probe(ctx context.Context, timeout time.Duration) []Status {
	backends := r.All()
	statuses := make([]Status, len(backends))

	g, ctx := errgroup.WithContext(ctx)
	for i, b := range backends {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			st := Status{Name: b.Name(), Languages: languagesOf(b)}
			if err := b.Available(pctx); err != nil {
				st.Reason = err.Error()
			} else {
				st.Available = true
			}
			statuses[i] = st
			return nil
		})
	}
	_ = g.Wait()
	return statuses
}

// Cleanup releases resources held by backends, such as leftover containers
func (r *Registry) Cleanup() {
	for _, b := range r.All() {
		if c, ok := b.(interface{ Cleanup() }); ok {
			c.Cleanup()
		}
	}
}

func languagesOf(b Backend) []model.Language {
	var langs []model.Language
	for _, lang := range model.Languages {
		if b.SupportsLanguage(lang) {
			langs = append(langs, lang)
		}
	}
	sort.Slice(langs, func(i, j int) bool { return langs[i] < langs[j] })
	return langs
}
