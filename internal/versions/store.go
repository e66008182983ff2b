// Package versions keeps an append-only history of file contents so that
// writes made by generated code can be rolled back.
package versions

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/epuerta/codeagent/internal/metrics"
)

// Latest selects the newest applicable snapshot in Rollback
const Latest = "latest"

// ErrSnapshotNotFound is returned when a snapshot id is unknown for a path
var ErrSnapshotNotFound = errors.New("snapshot not found")

// Snapshot is the content of a file at one point in time. A snapshot of a
// missing file has Existed false and empty Content.
type Snapshot struct {
	ID          string      `json:"id"`
	Path        string      `json:"path"`
	ContentHash string      `json:"contentHash"`
	Content     []byte      `json:"-"`
	Existed     bool        `json:"existed"`
	Mode        os.FileMode `json:"mode"`
	CapturedAt  time.Time   `json:"capturedAt"`
	Seq         int64       `json:"seq"`
}

// Size returns the content length
func (s Snapshot) Size() int {
	return len(s.Content)
}

// Persister stores snapshots outside the process
type Persister interface {
	Append(ctx context.Context, s Snapshot) error
	LoadAll(ctx context.Context) ([]Snapshot, error)
	Clear(ctx context.Context) error
	Close() error
}

// Options configures a Store
type Options struct {
	// Persister, when set, receives every snapshot and seeds the store on
	// creation.
	Persister Persister
	Metrics   *metrics.Collector
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Store is an in-memory snapshot store with optional persistence. It is
// safe for concurrent use.
type Store struct {
	logger  *zap.Logger
	persist Persister
	metrics *metrics.Collector
	now     func() time.Time
	locks   *pathLocks

	mu     sync.RWMutex
	byPath map[string][]Snapshot
	seq    int64
}

// NewStore creates a store, loading any persisted snapshots
func NewStore(ctx context.Context, logger *zap.Logger, opts Options) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Store{
		logger:  logger.With(zap.String("component", "versions")),
		persist: opts.Persister,
		metrics: opts.Metrics,
		now:     opts.Now,
		locks:   newPathLocks(),
		byPath:  make(map[string][]Snapshot),
	}

	if s.persist != nil {
		loaded, err := s.persist.LoadAll(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load snapshots: %w", err)
		}
		for _, snap := range loaded {
			s.byPath[snap.Path] = append(s.byPath[snap.Path], snap)
			if snap.Seq > s.seq {
				s.seq = snap.Seq
			}
		}
		for path := range s.byPath {
			seq := s.byPath[path]
			sort.Slice(seq, func(i, j int) bool { return seq[i].Seq < seq[j].Seq })
		}
		s.logger.Debug("loaded snapshots", zap.Int("count", len(loaded)))
	}
	return s, nil
}

// Close releases the persister
func (s *Store) Close() error {
	if s.persist == nil {
		return nil
	}
	return s.persist.Close()
}

// Lock serialises work on the given paths against other Lock holders.
// Call the returned function to unlock.
func (s *Store) Lock(paths ...string) func() {
	canon := make([]string, 0, len(paths))
	for _, p := range paths {
		c, err := canonical(p)
		if err != nil {
			c = filepath.Clean(p)
		}
		canon = append(canon, c)
	}
	return s.locks.lock(canon...)
}

// Snapshot records the current content of path. A missing file is
// recorded as not existing so rolling back to it deletes the file.
func (s *Store) Snapshot(ctx context.Context, path string) (string, error) {
	path, err := canonical(path)
	if err != nil {
		return "", err
	}

	content, mode, existed, err := readFile(path)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.seq++
	snap := Snapshot{
		ID:          uuid.NewString(),
		Path:        path,
		ContentHash: hashOf(content),
		Content:     content,
		Existed:     existed,
		Mode:        mode,
		CapturedAt:  s.now(),
		Seq:         s.seq,
	}
	s.byPath[path] = append(s.byPath[path], snap)
	s.mu.Unlock()

	if s.persist != nil {
		if err := s.persist.Append(ctx, snap); err != nil {
			s.logger.Warn("failed to persist snapshot", zap.String("path", path), zap.Error(err))
		}
	}
	s.metrics.RecordSnapshot(existed)
	s.logger.Debug("snapshot taken",
		zap.String("path", path),
		zap.String("id", snap.ID),
		zap.Bool("existed", existed),
		zap.Int("bytes", len(content)),
	)
	return snap.ID, nil
}

// Rollback restores path from a snapshot. With id "" or Latest it uses the
// newest snapshot whose content differs from the file as it is now, so
// repeated rollbacks walk back through history. It returns false when
// there is nothing to restore.
func (s *Store) Rollback(ctx context.Context, path, id string) (bool, error) {
	path, err := canonical(path)
	if err != nil {
		return false, err
	}

	s.mu.RLock()
	history := s.byPath[path]
	s.mu.RUnlock()

	target, ok, err := s.pick(path, history, id)
	if err != nil || !ok {
		s.metrics.RecordRollback(false)
		return false, err
	}

	if err := restore(target); err != nil {
		s.metrics.RecordRollback(false)
		return false, fmt.Errorf("failed to restore %s: %w", path, err)
	}
	s.metrics.RecordRollback(true)
	s.logger.Info("file rolled back",
		zap.String("path", path),
		zap.String("snapshot", target.ID),
		zap.Bool("existed", target.Existed),
	)
	return true, nil
}

func (s *Store) pick(path string, history []Snapshot, id string) (Snapshot, bool, error) {
	if len(history) == 0 {
		return Snapshot{}, false, nil
	}
	if id != "" && id != Latest {
		for _, snap := range history {
			if snap.ID == id {
				return snap, true, nil
			}
		}
		return Snapshot{}, false, fmt.Errorf("%w: %s for %s", ErrSnapshotNotFound, id, path)
	}

	content, _, existed, err := readFile(path)
	if err != nil {
		return Snapshot{}, false, err
	}
	current := hashOf(content)
	for i := len(history) - 1; i >= 0; i-- {
		snap := history[i]
		if snap.Existed != existed || snap.ContentHash != current {
			return snap, true, nil
		}
	}
	return Snapshot{}, false, nil
}

// History returns the snapshots of path, newest first
func (s *Store) History(path string) ([]Snapshot, error) {
	path, err := canonical(path)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.byPath[path]
	out := make([]Snapshot, len(history))
	for i, snap := range history {
		out[len(history)-1-i] = snap
	}
	return out, nil
}

// Get returns a snapshot of path by id
func (s *Store) Get(path, id string) (Snapshot, error) {
	path, err := canonical(path)
	if err != nil {
		return Snapshot{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, snap := range s.byPath[path] {
		if snap.ID == id {
			return snap, nil
		}
	}
	return Snapshot{}, fmt.Errorf("%w: %s for %s", ErrSnapshotNotFound, id, path)
}

// Export returns every path's snapshots in capture order
func (s *Store) Export() map[string][]Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]Snapshot, len(s.byPath))
	for path, history := range s.byPath {
		out[path] = append([]Snapshot(nil), history...)
	}
	return out
}

// Paths returns the paths that have snapshots, sorted
func (s *Store) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	paths := make([]string, 0, len(s.byPath))
	for path := range s.byPath {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// Clear drops all snapshots, including persisted ones
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.byPath = make(map[string][]Snapshot)
	s.mu.Unlock()

	if s.persist != nil {
		if err := s.persist.Clear(ctx); err != nil {
			return fmt.Errorf("failed to clear persisted snapshots: %w", err)
		}
	}
	s.logger.Info("snapshots cleared")
	return nil
}

func canonical(path string) (string, error) {
	if path == "" {
		return "", errors.New("path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path %s: %w", path, err)
	}
	return abs, nil
}

func readFile(path string) (content []byte, mode os.FileMode, existed bool, err error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, 0, false, fmt.Errorf("%s is a directory", path)
	}
	content, err = os.ReadFile(path)
	if err != nil {
		return nil, 0, false, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return content, info.Mode().Perm(), true, nil
}

func restore(snap Snapshot) error {
	if !snap.Existed {
		if err := os.Remove(snap.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(snap.Path), 0755); err != nil {
		return err
	}
	mode := snap.Mode
	if mode == 0 {
		mode = 0644
	}
	// Write to a sibling and rename so readers never see a partial file.
	tmp, err := os.CreateTemp(filepath.Dir(snap.Path), "."+filepath.Base(snap.Path)+".rollback-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(snap.Content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), snap.Path)
}

func hashOf(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
