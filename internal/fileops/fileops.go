// Package fileops is the file manager used for writes that originate from
// generated code. Every mutation is preceded by a snapshot in the version
// store and reported with a unified diff.
package fileops

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/epuerta/codeagent/internal/versions"
)

// ErrOutsideRoot is returned for paths that resolve outside the project root
var ErrOutsideRoot = errors.New("path is outside the project root")

// FileInfo represents information about a file
type FileInfo struct {
	Path    string      `json:"path"`
	Content string      `json:"content,omitempty"`
	Size    int64       `json:"size"`
	Mode    os.FileMode `json:"mode"`
	IsDir   bool        `json:"isDir"`
	ModTime int64       `json:"modTime"`
	Exists  bool        `json:"exists"`
}

// OpKind is the kind of file operation
type OpKind string

const (
	OpCreate   OpKind = "create"
	OpModify   OpKind = "modify"
	OpDelete   OpKind = "delete"
	OpRollback OpKind = "rollback"
)

// Operation describes a completed file mutation
type Operation struct {
	Kind OpKind `json:"kind"`
	Path string `json:"path"`
	// SnapshotID is the snapshot taken before the mutation. Empty for
	// rollbacks, which restore an existing snapshot.
	SnapshotID string `json:"snapshotId,omitempty"`
	Diff       string `json:"diff,omitempty"`
	// Restored is false for a rollback that found nothing to restore.
	Restored bool `json:"restored,omitempty"`
}

// Manager performs snapshotted file operations below a project root
type Manager struct {
	root   string
	store  *versions.Store
	logger *zap.Logger
}

// NewManager creates a manager for root
func NewManager(root string, store *versions.Store, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project root: %w", err)
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		abs = real
	}
	return &Manager{root: abs, store: store, logger: logger.With(zap.String("component", "fileops"))}, nil
}

// Root returns the absolute project root
func (m *Manager) Root() string {
	return m.root
}

// Store returns the version store backing the manager
func (m *Manager) Store() *versions.Store {
	return m.store
}

// Resolve returns the absolute path for a root-relative or absolute path,
// rejecting anything that escapes the root. Symlinks are followed, so the
// result is the real location that a write would change.
func (m *Manager) Resolve(path string) (string, error) {
	if path == "" {
		return "", errors.New("path parameter is required")
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(m.root, path)
	}
	path = filepath.Clean(path)
	if !m.within(path) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	real, err := realPath(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	if !m.within(real) {
		return "", fmt.Errorf("%w: %s links to %s", ErrOutsideRoot, path, real)
	}
	return real, nil
}

func (m *Manager) within(path string) bool {
	rel, err := filepath.Rel(m.root, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// realPath resolves the symlinks of path. Components that do not exist yet
// are kept as they are; a dangling link resolves to its target.
func realPath(path string) (string, error) {
	var rest []string
	dir := path
	for hops := 0; ; {
		real, err := filepath.EvalSymlinks(dir)
		if err == nil {
			return filepath.Join(append([]string{real}, rest...)...), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		if info, lerr := os.Lstat(dir); lerr == nil && info.Mode()&fs.ModeSymlink != 0 {
			if hops++; hops > 40 {
				return "", errors.New("too many links")
			}
			target, err := os.Readlink(dir)
			if err != nil {
				return "", err
			}
			if !filepath.IsAbs(target) {
				target = filepath.Join(filepath.Dir(dir), target)
			}
			dir = filepath.Clean(target)
			continue
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return path, nil
		}
		rest = append([]string{filepath.Base(dir)}, rest...)
		dir = parent
	}
}

// Read returns the file at path. A missing file is reported with Exists
// false rather than an error.
func (m *Manager) Read(path string) (*FileInfo, error) {
	abs, err := m.Resolve(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return &FileInfo{Path: abs}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error getting file info: %w", err)
	}

	fi := &FileInfo{
		Path:    abs,
		Size:    info.Size(),
		Mode:    info.Mode(),
		IsDir:   info.IsDir(),
		ModTime: info.ModTime().Unix(),
		Exists:  true,
	}
	if fi.IsDir {
		return fi, nil
	}
	content, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("error reading file: %w", err)
	}
	fi.Content = string(content)
	return fi, nil
}

// List lists the contents of a directory, directories first
func (m *Manager) List(path string) ([]FileInfo, error) {
	if path == "" {
		path = m.root
	}
	abs, err := m.Resolve(path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("error reading directory: %w", err)
	}

	result := make([]FileInfo, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		result = append(result, FileInfo{
			Path:    filepath.Join(abs, entry.Name()),
			Size:    info.Size(),
			Mode:    info.Mode(),
			IsDir:   entry.IsDir(),
			ModTime: info.ModTime().Unix(),
			Exists:  true,
		})
	}
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].IsDir != result[j].IsDir {
			return result[i].IsDir
		}
		return result[i].Path < result[j].Path
	})
	return result, nil
}

// Write replaces the content of path, creating it and its parent
// directories if needed
func (m *Manager) Write(ctx context.Context, path, content string) (*Operation, error) {
	abs, err := m.Resolve(path)
	if err != nil {
		return nil, err
	}
	unlock := m.store.Lock(abs)
	defer unlock()

	before, mode, existed, err := current(abs)
	if err != nil {
		return nil, err
	}
	return m.write(ctx, abs, before, mode, existed, content)
}

// Edit replaces the single occurrence of old with new in path. The file is
// read and written under the path lock.
func (m *Manager) Edit(ctx context.Context, path, old, new string) (*Operation, error) {
	if old == "" {
		return nil, errors.New("old text parameter is required")
	}
	abs, err := m.Resolve(path)
	if err != nil {
		return nil, err
	}
	unlock := m.store.Lock(abs)
	defer unlock()

	before, mode, existed, err := current(abs)
	if err != nil {
		return nil, err
	}
	if !existed {
		return nil, fmt.Errorf("file does not exist: %s", abs)
	}
	switch n := strings.Count(string(before), old); {
	case n == 0:
		return nil, fmt.Errorf("text not found in %s", abs)
	case n > 1:
		return nil, fmt.Errorf("text occurs %d times in %s, expected exactly once", n, abs)
	}
	return m.write(ctx, abs, before, mode, existed, strings.Replace(string(before), old, new, 1))
}

// write snapshots abs and replaces its content. The caller holds the lock.
func (m *Manager) write(ctx context.Context, abs string, before []byte, mode os.FileMode, existed bool, content string) (*Operation, error) {
	id, err := m.store.Snapshot(ctx, abs)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot %s: %w", abs, err)
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return nil, fmt.Errorf("error creating directories: %w", err)
	}
	if mode == 0 {
		mode = 0644
	}
	if err := os.WriteFile(abs, []byte(content), mode); err != nil {
		return nil, fmt.Errorf("error writing file: %w", err)
	}

	op := &Operation{Kind: OpModify, Path: abs, SnapshotID: id}
	if !existed {
		op.Kind = OpCreate
	}
	op.Diff, err = versions.UnifiedDiff(m.rel(abs), before, []byte(content), 3)
	if err != nil {
		return nil, fmt.Errorf("failed to diff %s: %w", abs, err)
	}
	m.logger.Info("file written", zap.String("path", abs), zap.String("kind", string(op.Kind)), zap.Int("bytes", len(content)))
	return op, nil
}

// Delete removes path after snapshotting it
func (m *Manager) Delete(ctx context.Context, path string) (*Operation, error) {
	abs, err := m.Resolve(path)
	if err != nil {
		return nil, err
	}
	unlock := m.store.Lock(abs)
	defer unlock()

	before, _, existed, err := current(abs)
	if err != nil {
		return nil, err
	}
	if !existed {
		return nil, fmt.Errorf("file does not exist: %s", abs)
	}
	id, err := m.store.Snapshot(ctx, abs)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot %s: %w", abs, err)
	}
	if err := os.Remove(abs); err != nil {
		return nil, fmt.Errorf("error deleting file: %w", err)
	}

	diff, err := versions.UnifiedDiff(m.rel(abs), before, nil, 3)
	if err != nil {
		return nil, err
	}
	m.logger.Info("file deleted", zap.String("path", abs))
	return &Operation{Kind: OpDelete, Path: abs, SnapshotID: id, Diff: diff}, nil
}

// Rollback restores path from a snapshot, the latest one when id is empty
func (m *Manager) Rollback(ctx context.Context, path, id string) (*Operation, error) {
	abs, err := m.Resolve(path)
	if err != nil {
		return nil, err
	}
	unlock := m.store.Lock(abs)
	defer unlock()

	before, _, _, err := current(abs)
	if err != nil {
		return nil, err
	}
	restored, err := m.store.Rollback(ctx, abs, id)
	if err != nil {
		return nil, err
	}
	op := &Operation{Kind: OpRollback, Path: abs, Restored: restored}
	if !restored {
		return op, nil
	}
	after, _, _, err := current(abs)
	if err != nil {
		return nil, err
	}
	op.Diff, err = versions.UnifiedDiff(m.rel(abs), before, after, 3)
	if err != nil {
		return nil, err
	}
	return op, nil
}

func (m *Manager) rel(abs string) string {
	if rel, err := filepath.Rel(m.root, abs); err == nil {
		return filepath.ToSlash(rel)
	}
	return abs
}

func current(path string) (content []byte, mode os.FileMode, existed bool, err error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, fmt.Errorf("error getting file info: %w", err)
	}
	if info.IsDir() {
		return nil, 0, false, fmt.Errorf("%s is a directory", path)
	}
	content, err = os.ReadFile(path)
	if err != nil {
		return nil, 0, false, fmt.Errorf("error reading file: %w", err)
	}
	return content, info.Mode().Perm(), true, nil
}
