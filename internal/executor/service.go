// Package executor is the service facade over the policy engine, backend
// selection, the execution engine and the file version store. It owns the
// request contract callers use to run code.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/epuerta/codeagent/internal/config"
	"github.com/epuerta/codeagent/internal/engine"
	"github.com/epuerta/codeagent/internal/fileops"
	"github.com/epuerta/codeagent/internal/metrics"
	"github.com/epuerta/codeagent/internal/model"
	"github.com/epuerta/codeagent/internal/policy"
	"github.com/epuerta/codeagent/internal/sandbox"
	"github.com/epuerta/codeagent/internal/selector"
	"github.com/epuerta/codeagent/internal/versions"
)

// DefaultProbeTimeout bounds each backend availability check
const DefaultProbeTimeout = 5 * time.Second

// Request is one code execution submitted by a caller
type Request struct {
	Code      string `json:"code"`
	Language  string `json:"language"`
	SessionID string `json:"sessionId,omitempty"`
	// TimeoutSeconds and MemoryMB can only tighten the policy limits.
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty"`
	MemoryMB       int    `json:"memoryMB,omitempty"`
	Intent         string `json:"intent,omitempty"`
	// Mode overrides the configured execution mode for this request.
	Mode string `json:"mode,omitempty"`
	// Paths are project files the code may change. They are snapshotted
	// before the code runs. A mutating intent must name at least one.
	Paths []string `json:"paths,omitempty"`
}

// Response is the execution result plus the snapshots taken for it
type Response struct {
	model.ExecutionResult
	// Snapshots maps each snapshotted path to the snapshot taken before
	// the code ran.
	Snapshots map[string]string `json:"snapshots,omitempty"`
}

// Settings are the session-wide selection choices
type Settings struct {
	Mode      string
	Preferred string
}

// Service runs code for callers. It is safe for concurrent use.
type Service struct {
	logger   *zap.Logger
	engine   *engine.Engine
	registry *sandbox.Registry
	files    *fileops.Manager
	settings Settings
	closers  []func() error
}

// New assembles a service from already constructed parts
func New(logger *zap.Logger, eng *engine.Engine, reg *sandbox.Registry, files *fileops.Manager, settings Settings) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if settings.Mode == "" {
		settings.Mode = selector.ModeAuto
	}
	// A custom policy may name the backend it prefers.
	if settings.Preferred == "" {
		if p := eng.Policy(); p != nil && p.Level == model.Custom {
			if m, err := selector.ParseMode(p.SandboxMode); err == nil && m != selector.ModeAuto {
				settings.Preferred = m
			}
		}
	}
	return &Service{
		logger:   logger.With(zap.String("component", "executor")),
		engine:   eng,
		registry: reg,
		files:    files,
		settings: settings,
	}
}

// NewFromConfig builds the full stack described by cfg
func NewFromConfig(ctx context.Context, cfg *config.Config, logger *zap.Logger, m *metrics.Collector) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	level, _ := model.ParseSecurityLevel(cfg.SecurityLevel)
	pol, err := policy.Resolve(level, cfg.SecurityPolicyFile)
	if err != nil {
		return nil, err
	}
	mode, _ := selector.ParseMode(cfg.ExecutionMode)
	preferred := ""
	if cfg.PreferredExecutor != "" {
		preferred, _ = selector.ParseMode(cfg.PreferredExecutor)
	}

	var persister versions.Persister
	if cfg.VersionsDB != "" {
		db, err := versions.OpenSQLite(ctx, cfg.VersionsDB)
		if err != nil {
			return nil, err
		}
		persister = db
	}
	store, err := versions.NewStore(ctx, logger, versions.Options{Persister: persister, Metrics: m})
	if err != nil {
		if persister != nil {
			_ = persister.Close()
		}
		return nil, err
	}

	files, err := fileops.NewManager(cfg.ProjectRoot, store, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	reg := sandbox.NewDefaultRegistry(logger, cfg.SandboxOptions())
	eng := engine.New(logger, engine.Config{Policy: pol, MaxConcurrent: cfg.MaxConcurrent}, m)

	s := New(logger, eng, reg, files, Settings{Mode: mode, Preferred: preferred})
	s.closers = append(s.closers, store.Close)
	s.logger.Info("executor ready",
		zap.String("security_level", string(pol.Level)),
		zap.String("mode", s.settings.Mode),
		zap.String("preferred", s.settings.Preferred),
		zap.String("project_root", files.Root()),
		zap.Bool("persistent_versions", persister != nil),
	)
	return s, nil
}

// Close releases backend resources and the version store
func (s *Service) Close() error {
	s.registry.Cleanup()
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// Files returns the snapshotting file manager
func (s *Service) Files() *fileops.Manager {
	return s.files
}

// Policy returns the session policy
func (s *Service) Policy() *policy.Policy {
	return s.engine.Policy()
}

// Settings returns the selection settings in effect
func (s *Service) Settings() Settings {
	return s.settings
}

// Execute runs req and always returns a result. Code declared to change
// files, or naming paths, runs in the project root after every named path
// has been snapshotted; rollbacks of those paths wait until it finishes.
func (s *Service) Execute(ctx context.Context, req Request) Response {
	id := uuid.NewString()
	logger := s.logger.With(zap.String("exec_id", id), zap.String("session_id", req.SessionID))

	lang, err := model.ParseLanguage(req.Language)
	if err != nil {
		return failed(id, model.StatusBackendUnavailable, err)
	}
	mode := s.settings.Mode
	if req.Mode != "" {
		if mode, err = selector.ParseMode(req.Mode); err != nil {
			return failed(id, model.StatusInternalFault, err)
		}
	}

	block := model.CodeBlock{
		Content:        req.Code,
		Language:       lang,
		DeclaredIntent: model.Intent(req.Intent),
	}
	if req.TimeoutSeconds > 0 || req.MemoryMB > 0 {
		block.ResourceHints = &model.ResourceHints{TimeoutSeconds: req.TimeoutSeconds, MemoryMB: req.MemoryMB}
	}

	backends := selector.SelectOrder(s.engine.Level(), lang, mode, s.settings.Preferred, s.registry)
	opts := []engine.Option{engine.WithID(id)}

	mutating := block.DeclaredIntent.Mutating() || len(req.Paths) > 0
	if !mutating || s.files == nil {
		return Response{ExecutionResult: s.engine.Execute(ctx, block, backends, s.engine.Profile(), opts...)}
	}
	// Nothing could be rolled back afterwards.
	if len(req.Paths) == 0 {
		return failed(id, model.StatusSecurityError,
			fmt.Errorf("%s execution must name the paths it changes", block.DeclaredIntent))
	}

	paths := make([]string, 0, len(req.Paths))
	for _, p := range req.Paths {
		abs, err := s.files.Resolve(p)
		if err != nil {
			return failed(id, model.StatusSecurityError, err)
		}
		paths = append(paths, abs)
	}

	store := s.files.Store()
	unlock := store.Lock(paths...)
	defer unlock()

	snapshots := make(map[string]string, len(paths))
	for _, p := range paths {
		snapID, err := store.Snapshot(ctx, p)
		if err != nil {
			logger.Error("snapshot before execution failed", zap.String("path", p), zap.Error(err))
			return failed(id, model.StatusInternalFault, fmt.Errorf("failed to snapshot %s: %w", p, err))
		}
		snapshots[p] = snapID
	}
	logger.Debug("snapshotted paths before mutating execution", zap.Int("paths", len(paths)))

	opts = append(opts, engine.WithWorkDir(s.files.Root()))
	res := s.engine.Execute(ctx, block, backends, s.engine.Profile(), opts...)
	return Response{ExecutionResult: res, Snapshots: snapshots}
}

// Rollback restores path to the snapshot id, or the newest differing
// snapshot for versions.Latest. It waits for mutating executions holding
// the path.
func (s *Service) Rollback(ctx context.Context, path, id string) (*fileops.Operation, error) {
	if s.files == nil {
		return nil, errors.New("no project root configured")
	}
	return s.files.Rollback(ctx, path, id)
}

// Backends probes every registered backend concurrently
func (s *Service) Backends(ctx context.Context) []sandbox.Status {
	return s.registry.Probe(ctx, DefaultProbeTimeout)
}

// Order returns the backend names that would be tried for lang
func (s *Service) Order(lang model.Language) []string {
	var names []string
	for _, b := range selector.SelectOrder(s.engine.Level(), lang, s.settings.Mode, s.settings.Preferred, s.registry) {
		names = append(names, b.Name())
	}
	return names
}

// Stats returns the engine execution statistics
func (s *Service) Stats() engine.Stats {
	return s.engine.Stats()
}

func failed(id string, status model.Status, err error) Response {
	return Response{ExecutionResult: model.ExecutionResult{ID: id, Status: status, Error: err.Error()}}
}
