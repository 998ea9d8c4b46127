package assets

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/dgraph-io/ristretto"

	"github.com/caedis/bundle-sync/internal/logging"
	"github.com/caedis/bundle-sync/internal/platform"
)

// Loader is the asset cache the manager releases from.
type Loader interface {
	// DependsRecursively returns id followed by every asset it depends on,
	// directly or transitively.
	DependsRecursively(id string) []string
	Release(id string)
}

// CacheLoader keeps loaded asset bodies in a ristretto cache and tracks a
// registered dependency graph between asset ids.
type CacheLoader struct {
	fs    platform.FileSystem
	cache *ristretto.Cache

	mu       sync.Mutex
	deps     map[string][]string
	released []string
}

// NewCacheLoader builds a loader reading from fsys. maxCost bounds the cache
// in bytes.
func NewCacheLoader(fsys platform.FileSystem, maxCost int64) (*CacheLoader, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("creating asset cache: %w", err)
	}
	return &CacheLoader{
		fs:    fsys,
		cache: cache,
		deps:  make(map[string][]string),
	}, nil
}

// Register records the direct dependencies of id, replacing earlier ones.
func (l *CacheLoader) Register(id string, deps ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deps[id] = slices.Clone(deps)
}

// Load returns the body of id, reading it from storage on a cache miss.
func (l *CacheLoader) Load(ctx context.Context, id string) ([]byte, error) {
	if v, ok := l.cache.Get(id); ok {
		return v.([]byte), nil
	}
	data, err := l.fs.ReadFile(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading asset %s: %w", id, err)
	}
	l.cache.Set(id, data, int64(len(data)))
	return data, nil
}

// Cached reports whether id is currently held by the cache.
func (l *CacheLoader) Cached(id string) bool {
	l.cache.Wait()
	_, ok := l.cache.Get(id)
	return ok
}

func (l *CacheLoader) DependsRecursively(id string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	seen := map[string]bool{id: true}
	out := []string{id}
	stack := slices.Clone(l.deps[id])
	slices.Reverse(stack)
	for len(stack) > 0 {
		dep := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[dep] {
			continue
		}
		seen[dep] = true
		out = append(out, dep)
		next := slices.Clone(l.deps[dep])
		slices.Reverse(next)
		stack = append(stack, next...)
	}
	return out
}

// Release drops id from the cache.
func (l *CacheLoader) Release(id string) {
	l.cache.Del(id)
	l.mu.Lock()
	l.released = append(l.released, id)
	l.mu.Unlock()
	logging.Debugf("Verbose: released asset %s", id)
}

// Released returns every id released so far, in order.
func (l *CacheLoader) Released() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.released)
}

func (l *CacheLoader) Close() {
	l.cache.Close()
}
