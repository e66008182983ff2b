package versions

import (
	"fmt"
	"time"

	"github.com/pmezard/go-difflib/difflib"
)

// UnifiedDiff renders a unified diff between two versions of a file
func UnifiedDiff(path string, before, after []byte, context int) (string, error) {
	if context <= 0 {
		context = 3
	}
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(before)),
		B:        difflib.SplitLines(string(after)),
		FromFile: "a/" + path,
		ToFile:   "b/" + path,
		Context:  context,
	})
}

// Diff returns the unified diff from the newest snapshot of path to its
// current content. It is empty when nothing changed.
func (s *Store) Diff(path string) (string, error) {
	history, err := s.History(path)
	if err != nil {
		return "", err
	}
	if len(history) == 0 {
		return "", fmt.Errorf("%w: no snapshots for %s", ErrSnapshotNotFound, path)
	}
	latest := history[0]

	current, _, _, err := readFile(latest.Path)
	if err != nil {
		return "", err
	}
	return UnifiedDiff(latest.Path, latest.Content, current, 3)
}

// DiffSnapshots returns the unified diff between two snapshots of path
func (s *Store) DiffSnapshots(path, fromID, toID string) (string, error) {
	from, err := s.Get(path, fromID)
	if err != nil {
		return "", err
	}
	to, err := s.Get(path, toID)
	if err != nil {
		return "", err
	}
	return UnifiedDiff(from.Path, from.Content, to.Content, 3)
}

// Age returns how long ago the snapshot was captured
func (s Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.CapturedAt)
}
