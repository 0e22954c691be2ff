//go:build windows

package process

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// cachedPath holds a cached process path with pre-computed lowercase variants.
type cachedPath struct {
	exePath   string // original full path
	exeLower  string // strings.ToLower(exePath)
	baseLower string // filepath.Base(exeLower)
}

// PidCache resolves process IDs to executable paths, caching results so the
// interception hot path avoids a QueryFullProcessImageName syscall per packet.
type PidCache struct {
	mu    sync.RWMutex
	cache map[uint32]*cachedPath
}

// NewPidCache creates a process path cache with an empty backing map.
func NewPidCache() *PidCache {
	return &PidCache{
		cache: make(map[uint32]*cachedPath),
	}
}

// GetExePath returns the full executable path for a given PID.
// Results are cached for performance on the hot path.
func (m *PidCache) GetExePath(pid uint32) (string, bool) {
	if cp := m.getCached(pid); cp != nil {
		return cp.exePath, true
	}

	path, err := queryProcessPath(pid)
	if err != nil {
		return "", false
	}

	lower := strings.ToLower(path)
	cp := &cachedPath{
		exePath:   path,
		exeLower:  lower,
		baseLower: filepath.Base(lower),
	}

	m.mu.Lock()
	m.cache[pid] = cp
	m.mu.Unlock()

	return path, true
}

// GetExePathLower returns the full path plus pre-lowered path and base name.
// Zero allocations on cache hit.
func (m *PidCache) GetExePathLower(pid uint32) (exePath, exeLower, baseLower string, ok bool) {
	if cp := m.getCached(pid); cp != nil {
		return cp.exePath, cp.exeLower, cp.baseLower, true
	}

	path, err := queryProcessPath(pid)
	if err != nil {
		return "", "", "", false
	}

	lower := strings.ToLower(path)
	base := filepath.Base(lower)
	cp := &cachedPath{
		exePath:   path,
		exeLower:  lower,
		baseLower: base,
	}

	m.mu.Lock()
	m.cache[pid] = cp
	m.mu.Unlock()

	return path, lower, base, true
}

// getCached returns the cached entry for a PID, or nil on miss.
func (m *PidCache) getCached(pid uint32) *cachedPath {
	m.mu.RLock()
	cp := m.cache[pid]
	m.mu.RUnlock()
	return cp
}

// Invalidate removes a PID from the cache (call when a process exits).
func (m *PidCache) Invalidate(pid uint32) {
	m.mu.Lock()
	delete(m.cache, pid)
	m.mu.Unlock()
}

// PurgeCache clears the entire PID cache.
func (m *PidCache) PurgeCache() {
	m.mu.Lock()
	m.cache = make(map[uint32]*cachedPath)
	m.mu.Unlock()
}

// StartRevalidation periodically checks cached PIDs and removes entries for
// processes that no longer exist. This prevents stale entries when the OS
// reuses PIDs for different processes.
func (m *PidCache) StartRevalidation(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.revalidateCache()
			}
		}
	}()
}

// revalidateCache removes entries for dead processes and verifies that
// live processes still have the same exe path (catches PID reuse).
func (m *PidCache) revalidateCache() {
	m.mu.RLock()
	pids := make([]uint32, 0, len(m.cache))
	paths := make([]string, 0, len(m.cache))
	for pid, cp := range m.cache {
		pids = append(pids, pid)
		paths = append(paths, cp.exePath)
	}
	m.mu.RUnlock()

	var stale []uint32
	for i, pid := range pids {
		currentPath, err := queryProcessPath(pid)
		if err != nil {
			stale = append(stale, pid)
			continue
		}
		if !strings.EqualFold(currentPath, paths[i]) {
			stale = append(stale, pid)
		}
	}

	if len(stale) == 0 {
		return
	}

	m.mu.Lock()
	for _, pid := range stale {
		delete(m.cache, pid)
	}
	m.mu.Unlock()
}

// TargetSet is the normalized, case-folded set of executable paths a
// session has toggled via SetTargets.
type TargetSet struct {
	mu    sync.RWMutex
	paths map[string]struct{}
}

// NewTargetSet builds a target set from the given executable paths.
func NewTargetSet(paths []string) *TargetSet {
	ts := &TargetSet{paths: make(map[string]struct{}, len(paths))}
	ts.Replace(paths)
	return ts
}

// Replace atomically swaps the full membership of the set.
func (ts *TargetSet) Replace(paths []string) {
	m := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		m[normalizePath(p)] = struct{}{}
	}
	ts.mu.Lock()
	ts.paths = m
	ts.mu.Unlock()
}

// Contains reports whether exePath (any case, any path separators) is a
// toggled target. Matching is exact-path only: no globs, no substrings.
func (ts *TargetSet) Contains(exePath string) bool {
	key := normalizePath(exePath)
	ts.mu.RLock()
	_, ok := ts.paths[key]
	ts.mu.RUnlock()
	return ok
}

func normalizePath(p string) string {
	return strings.ToLower(filepath.Clean(p))
}
