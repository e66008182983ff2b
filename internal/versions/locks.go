package versions

import (
	"sort"
	"sync"
)

// pathLocks hands out per-path mutexes. Multiple paths are always locked
// in sorted order so two holders of overlapping sets cannot deadlock.
type pathLocks struct {
	mu    sync.Mutex
	locks map[string]*pathLock
}

type pathLock struct {
	mu   sync.Mutex
	refs int
}

func newPathLocks() *pathLocks {
	return &pathLocks{locks: make(map[string]*pathLock)}
}

func (l *pathLocks) lock(paths ...string) func() {
	uniq := make([]string, 0, len(paths))
	seen := make(map[string]bool, len(paths))
	for _, p := range paths {
		if !seen[p] {
			seen[p] = true
			uniq = append(uniq, p)
		}
	}
	sort.Strings(uniq)

	held := make([]*pathLock, 0, len(uniq))
	for _, p := range uniq {
		l.mu.Lock()
		pl, ok := l.locks[p]
		if !ok {
			pl = &pathLock{}
			l.locks[p] = pl
		}
		pl.refs++
		l.mu.Unlock()

		pl.mu.Lock()
		held = append(held, pl)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for i := len(held) - 1; i >= 0; i-- {
				held[i].mu.Unlock()
				l.release(uniq[i])
			}
		})
	}
}

func (l *pathLocks) release(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if pl, ok := l.locks[path]; ok {
		pl.refs--
		if pl.refs == 0 {
			delete(l.locks, path)
		}
	}
}
