// Package assets tracks asset references and external bundle paths, and
// releases assets nothing holds anymore.
package assets

import (
	"context"
	"fmt"
	"maps"
	"path"
	"slices"
	"strings"
	"sync"

	"github.com/caedis/bundle-sync/internal/assetsync"
	"github.com/caedis/bundle-sync/internal/bundle"
	"github.com/caedis/bundle-sync/internal/downloader"
	"github.com/caedis/bundle-sync/internal/logging"
	"github.com/caedis/bundle-sync/internal/platform"
)

// Kind classifies a referenced asset.
type Kind int

const (
	KindAsset Kind = iota
	KindPrefab
	// KindSpriteFrame assets may share packed textures with other frames.
	KindSpriteFrame
)

// Config wires a Manager.
type Config struct {
	Sync assetsync.Config
	// CDN is the base URL external assets fall back to when not stored locally.
	CDN    string
	Loader Loader
}

// Report summarizes one ReleaseUnusedAssets sweep.
type Report struct {
	Using    int
	Unused   int
	Released []string
	// Frames are the sprite frames released after their dependencies.
	Frames []string
}

// Manager owns the reference table and the external bundle map.
type Manager struct {
	cfg Config

	mu           sync.Mutex
	refs         map[string]int
	spriteFrames map[string]bool
	static       []string
	scenes       []string
	unusedScenes []string
	bundles      map[string]*bundle.Bundle
	inited       bool
	listeners    []func()
}

func New(cfg Config) *Manager {
	return &Manager{
		cfg:          cfg,
		refs:         make(map[string]int),
		spriteFrames: make(map[string]bool),
		bundles:      make(map[string]*bundle.Bundle),
	}
}

// Downloader returns the shared download queue.
func (m *Manager) Downloader() *downloader.Queue { return m.cfg.Sync.Queue }

func (m *Manager) IsInited() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inited
}

// OnInited registers f to run once sync has produced the bundle map.
func (m *Manager) OnInited(f func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, f)
}

// SyncAssets runs the top-level asset sync. The bundle map is taken and
// Inited emitted even when a stage failed; the error is still returned.
func (m *Manager) SyncAssets(ctx context.Context) (*assetsync.AssetSync, error) {
	s, err := assetsync.Run(ctx, m.cfg.Sync)
	if ctx.Err() != nil {
		return s, err
	}

	m.mu.Lock()
	m.bundles = s.Bundles()
	m.inited = true
	listeners := slices.Clone(m.listeners)
	m.mu.Unlock()

	for _, f := range listeners {
		f()
	}
	return s, err
}

// LoadLocalBundles tracks every bundle stored locally at the version of its
// local index, without syncing. It returns the loaded bundle names.
func (m *Manager) LoadLocalBundles(ctx context.Context) ([]string, error) {
	sc := m.cfg.Sync
	names, err := bundle.LocalNames(ctx, sc.FS)
	if err != nil {
		return nil, err
	}
	deps := bundle.Deps{FS: sc.FS, Fetcher: sc.Fetcher, Queue: sc.Queue, Scheduler: sc.Scheduler, Metrics: sc.Metrics}
	loaded := make(map[string]*bundle.Bundle, len(names))
	for _, name := range names {
		b := bundle.New(name, deps)
		if !b.Load(ctx) {
			logging.Warnf("Bundle %s has no usable local index", name)
		}
		loaded[name] = b
	}

	m.mu.Lock()
	m.bundles = loaded
	m.mu.Unlock()
	return names, nil
}

// Bundle returns the named external bundle, or nil.
func (m *Manager) Bundle(name string) *bundle.Bundle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bundles[name]
}

// Bundles returns every known external bundle by name.
func (m *Manager) Bundles() map[string]*bundle.Bundle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.bundles)
}

// DownloadExternalBundle queues every file of the named bundle. Unknown
// bundles are ignored.
func (m *Manager) DownloadExternalBundle(ctx context.Context, name string) {
	if b := m.Bundle(name); b != nil {
		b.PreDownload(ctx)
	}
}

// ExternalAssetVersionName returns file with its tracked version embedded,
// or file unchanged when the bundle is unknown.
func (m *Manager) ExternalAssetVersionName(bundleName, file string) string {
	if b := m.Bundle(bundleName); b != nil {
		return b.VersionPath(file)
	}
	return file
}

// ExternalAssetVersion returns the tracked version of file, or 0 when the
// bundle is unknown.
func (m *Manager) ExternalAssetVersion(bundleName, file string) int {
	if b := m.Bundle(bundleName); b != nil {
		return b.FileVersion(file)
	}
	return 0
}

// ExternalAssetPath returns the storage path of file's current version, or
// its CDN URL when that version is not stored locally.
func (m *Manager) ExternalAssetPath(bundleName, file string) string {
	rel := path.Join(bundle.RootPath, bundleName, m.ExternalAssetVersionName(bundleName, file))
	if m.cfg.Sync.FS != nil && m.cfg.Sync.FS.IsFile(rel) {
		return rel
	}
	return platform.JoinURL(m.cfg.CDN, rel)
}

// ResolveURL maps "<bundle>/<file>" to its external asset path. Absolute
// URLs, paths under the storage root and built-in paths pass through.
func (m *Manager) ResolveURL(url string) string {
	if strings.HasPrefix(url, "http") {
		return url
	}
	if m.cfg.Sync.FS != nil {
		if root := m.cfg.Sync.FS.Root(); root != "" && strings.HasPrefix(url, root) {
			return url
		}
	}
	bundleName, file, ok := strings.Cut(url, "/")
	if !ok || bundleName == assetsync.BuiltinRoot || bundleName == "embedRes" {
		return url
	}
	resolved := m.ExternalAssetPath(bundleName, file)
	logging.Debugf("Verbose: asset version %s/%s -> %s", bundleName, file, resolved)
	return resolved
}

// RetainAssetReference increments the reference count of id.
func (m *Manager) RetainAssetReference(id string, kind Kind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refs[id]++
	if kind == KindSpriteFrame {
		m.spriteFrames[id] = true
	}
	logging.Debugf("Verbose: retain %s refs=%d", id, m.refs[id])
}

// ReleaseAssetReference decrements the reference count of id, never below 0.
func (m *Manager) ReleaseAssetReference(id string, kind Kind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refs[id] = max(m.refs[id]-1, 0)
	if kind == KindSpriteFrame {
		m.spriteFrames[id] = true
	}
	logging.Debugf("Verbose: release %s refs=%d", id, m.refs[id])
}

// ReferenceCount returns the count of id and whether it is tracked.
func (m *Manager) ReferenceCount(id string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.refs[id]
	return n, ok
}

// RegisterStaticAsset keeps id and its dependencies alive across sweeps.
func (m *Manager) RegisterStaticAsset(id string) {
	if id == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !slices.Contains(m.static, id) {
		logging.Debugf("Verbose: static asset registered %s", id)
		m.static = append(m.static, id)
	}
}

func (m *Manager) UnregisterStaticAsset(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i := slices.Index(m.static, id); i >= 0 {
		logging.Debugf("Verbose: static asset unregistered %s", id)
		m.static = slices.Delete(m.static, i, i+1)
	}
}

func (m *Manager) RegisterSceneAsset(scene string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !slices.Contains(m.scenes, scene) {
		m.scenes = append(m.scenes, scene)
	}
}

// SceneAssets returns every registered scene in registration order.
func (m *Manager) SceneAssets() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.scenes)
}

// UsingScene retains the scene's root prefab and drops it from the unused list.
func (m *Manager) UsingScene(scene string) {
	m.mu.Lock()
	if i := slices.Index(m.unusedScenes, scene); i >= 0 {
		m.unusedScenes = slices.Delete(m.unusedScenes, i, i+1)
	}
	m.mu.Unlock()
	m.RetainAssetReference(scene, KindPrefab)
}

// UnuseScene releases the scene's root prefab and lists it as unused.
func (m *Manager) UnuseScene(scene string) {
	m.mu.Lock()
	if !slices.Contains(m.unusedScenes, scene) {
		m.unusedScenes = append(m.unusedScenes, scene)
	}
	m.mu.Unlock()
	m.ReleaseAssetReference(scene, KindPrefab)
}

// UnusedScenes returns the scenes released since the last sweep.
func (m *Manager) UnusedScenes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.unusedScenes)
}

// ReleaseUnusedAssets releases every asset reachable only from ids whose
// count is 0. Assets reachable from a retained id or a static asset are
// kept. An unused sprite frame sharing any dependency with a kept asset is
// kept too, repeating until no more frames are promoted. Ids with count 0
// leave the reference table and the unused scene list is cleared.
func (m *Manager) ReleaseUnusedAssets() (Report, error) {
	if m.cfg.Loader == nil {
		return Report{}, fmt.Errorf("releasing unused assets: no loader configured")
	}
	loader := m.cfg.Loader

	m.mu.Lock()
	ids := slices.Sorted(maps.Keys(m.refs))
	refs := maps.Clone(m.refs)
	frames := maps.Clone(m.spriteFrames)
	static := slices.Clone(m.static)
	for _, id := range ids {
		if refs[id] == 0 {
			delete(m.refs, id)
			delete(m.spriteFrames, id)
		}
	}
	m.unusedScenes = nil
	m.mu.Unlock()

	using := make(map[string]bool)
	unused := make(map[string]bool)
	unusedFrames := make(map[string][]string)
	for _, id := range ids {
		deps := loader.DependsRecursively(id)
		target := unused
		if refs[id] > 0 {
			target = using
		} else if frames[id] {
			unusedFrames[id] = deps
		}
		for _, d := range deps {
			target[d] = true
		}
	}
	for _, id := range static {
		for _, d := range loader.DependsRecursively(id) {
			using[d] = true
		}
	}

	for promoted := true; promoted; {
		promoted = false
		for _, frame := range slices.Sorted(maps.Keys(unusedFrames)) {
			deps := unusedFrames[frame]
			if !slices.ContainsFunc(deps, func(d string) bool { return using[d] }) {
				continue
			}
			delete(unusedFrames, frame)
			for _, d := range deps {
				using[d] = true
			}
			promoted = true
		}
	}

	report := Report{Using: len(using), Unused: len(unused)}
	for _, id := range slices.Sorted(maps.Keys(unused)) {
		if using[id] {
			continue
		}
		if _, ok := unusedFrames[id]; ok {
			continue
		}
		loader.Release(id)
		report.Released = append(report.Released, id)
	}
	for _, frame := range slices.Sorted(maps.Keys(unusedFrames)) {
		loader.Release(frame)
		report.Frames = append(report.Frames, frame)
	}
	logging.Infof("Released %d unused assets and %d sprite frames (%d in use)\n", len(report.Released), len(report.Frames), report.Using)
	return report, nil
}
