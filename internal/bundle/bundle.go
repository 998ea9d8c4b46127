// Package bundle tracks versioned external content bundles under
// asset-bundle/<name>/ and reconciles them against the CDN manifests.
package bundle

import (
	"context"
	"fmt"
	"maps"
	"path"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"github.com/caedis/bundle-sync/internal/downloader"
	"github.com/caedis/bundle-sync/internal/logging"
	"github.com/caedis/bundle-sync/internal/metrics"
	"github.com/caedis/bundle-sync/internal/platform"
	"github.com/caedis/bundle-sync/internal/scheduler"
)

const (
	// RootPath is the storage directory holding every external bundle.
	RootPath = "asset-bundle"
	// IndexFile is the manifest name inside each bundle directory and at RootPath.
	IndexFile = "index.json"
	// GroupPrefix prefixes the download group used for a bundle's preload set.
	GroupPrefix = "AssetBundle-"
	// UnknownVersion is reported for files the bundle does not track, so
	// they always compare as needing an update.
	UnknownVersion = 10000

	indexRetryDelay = time.Second
)

// Deps are the collaborators a Bundle needs.
type Deps struct {
	FS        platform.FileSystem
	Fetcher   platform.Fetcher
	Queue     *downloader.Queue
	Scheduler scheduler.Scheduler
	Metrics   *metrics.Collector
}

// Bundle is one named external content package. Update runs one sync cycle;
// concurrent Update calls on the same bundle are serialized.
type Bundle struct {
	name string
	deps Deps

	updateMu sync.Mutex

	mu               sync.Mutex
	localVersion     int
	newVersion       int
	fileMap          map[string]int
	preload          []string
	inited           bool
	needCheckDiscard bool
	indexSum         uint64
	hasIndexSum      bool
	listeners        []func(name string)
}

func New(name string, deps Deps) *Bundle {
	if deps.Scheduler == nil {
		deps.Scheduler = scheduler.Real{}
	}
	return &Bundle{
		name:         name,
		deps:         deps,
		localVersion: -1,
		fileMap:      make(map[string]int),
	}
}

func (b *Bundle) Name() string { return b.name }

// Dir is the bundle's storage directory.
func (b *Bundle) Dir() string { return path.Join(RootPath, b.name) }

func (b *Bundle) indexPath() string { return path.Join(b.Dir(), IndexFile) }

// GroupName is the download group carrying the preload set.
func (b *Bundle) GroupName() string { return GroupPrefix + b.name }

func (b *Bundle) LocalVersion() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.localVersion
}

func (b *Bundle) NewVersion() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.newVersion
}

func (b *Bundle) IsInited() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inited
}

func (b *Bundle) FileMap() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return maps.Clone(b.fileMap)
}

func (b *Bundle) PreloadList() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.preload)
}

// OnInited registers f to run each time the bundle finishes initializing.
func (b *Bundle) OnInited(f func(name string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, f)
}

// FileVersion returns the tracked version of file, or UnknownVersion.
func (b *Bundle) FileVersion(file string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fileVersionLocked(file)
}

func (b *Bundle) fileVersionLocked(file string) int {
	if v, ok := b.fileMap[file]; ok {
		return v
	}
	logging.Warnf("Asset version not found, bundle=%s file=%s", b.name, file)
	return UnknownVersion
}

// VersionPath returns file with its tracked version embedded.
func (b *Bundle) VersionPath(file string) string {
	return AssetVersionPath(file, b.FileVersion(file))
}

// StoragePath returns the root-relative path of file's current version.
func (b *Bundle) StoragePath(file string) string {
	return path.Join(b.Dir(), b.VersionPath(file))
}

// Destroy deletes the bundle's whole directory.
func (b *Bundle) Destroy(ctx context.Context) error {
	logging.Infof("Removing bundle %s\n", b.name)
	if err := b.deps.FS.RemoveAll(ctx, b.Dir()); err != nil {
		return fmt.Errorf("removing bundle %s: %w", b.name, err)
	}
	return nil
}

// PreDownload queues every tracked file at immediate priority under the
// bundle's group.
func (b *Bundle) PreDownload(ctx context.Context) {
	b.mu.Lock()
	urls := make([]string, 0, len(b.fileMap))
	for _, key := range slices.Sorted(maps.Keys(b.fileMap)) {
		urls = append(urls, path.Join(b.Dir(), AssetVersionPath(key, b.fileMap[key])))
	}
	b.mu.Unlock()

	logging.Debugf("Verbose: pre-downloading bundle %s files=%d", b.name, len(urls))
	b.deps.Queue.DownloadAssetGroup(ctx, b.GroupName(), urls, true)
}

// Update brings the bundle to newVersion: read the local index, fetch and
// reconcile the remote one when out of date, then wait for the preload set.
// It returns only when the bundle is inited or ctx ends.
func (b *Bundle) Update(ctx context.Context, newVersion int) error {
	b.updateMu.Lock()
	defer b.updateMu.Unlock()

	b.mu.Lock()
	b.newVersion = newVersion
	b.inited = false
	b.mu.Unlock()

	valid := b.loadLocalIndex(ctx)

	var background []string
	if !valid || b.LocalVersion() < newVersion {
		remote, raw, err := b.fetchRemoteIndex(ctx, newVersion)
		if err != nil {
			return err
		}
		background = b.applyRemote(ctx, remote, raw)
	}

	if err := b.downloadPreload(ctx); err != nil {
		return err
	}
	if len(background) > 0 {
		b.deps.Queue.DownloadAsset(ctx, background, false)
	}
	b.markInited(ctx)
	return nil
}

// Load reads the local index without touching the network and reports
// whether it held a usable manifest.
func (b *Bundle) Load(ctx context.Context) bool {
	b.updateMu.Lock()
	defer b.updateMu.Unlock()
	return b.loadLocalIndex(ctx)
}

// LocalNames lists the bundle directories stored under RootPath.
func LocalNames(ctx context.Context, fsys platform.FileSystem) ([]string, error) {
	entries, err := fsys.ReadDir(ctx, RootPath)
	if err != nil {
		return nil, fmt.Errorf("listing local bundles: %w", err)
	}
	var names []string
	for _, name := range entries {
		if name == IndexFile || strings.HasSuffix(name, ".tmp") {
			continue
		}
		if fsys.IsFile(path.Join(RootPath, name)) {
			continue
		}
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

// loadLocalIndex reads index.json and reports whether it held a usable
// manifest. An unusable one resets the bundle to version -1 and schedules a
// sweep of untracked files.
func (b *Bundle) loadLocalIndex(ctx context.Context) bool {
	data, err := b.deps.FS.ReadFile(ctx, b.indexPath())
	var idx *Index
	if err == nil {
		idx, err = ParseIndex(data)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		logging.Debugf("Verbose: bundle %s has no usable local index: %v", b.name, err)
		b.localVersion = -1
		b.fileMap = make(map[string]int)
		b.preload = nil
		b.needCheckDiscard = true
		b.hasIndexSum = false
		return false
	}
	b.localVersion = idx.Version
	b.fileMap = idx.FileMap
	b.preload = idx.PreloadList()
	b.indexSum = xxhash.Sum64(data)
	b.hasIndexSum = true
	return true
}

func (b *Bundle) fetchRemoteIndex(ctx context.Context, version int) (*Index, []byte, error) {
	rel := b.indexPath() + "?" + strconv.Itoa(version)
	for {
		data, err := b.deps.Fetcher.Fetch(ctx, rel)
		if err == nil {
			idx, perr := ParseIndex(data)
			if perr == nil {
				return idx, data, nil
			}
			err = perr
		}
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		logging.Warnf("Downloading index for bundle %s failed, retrying in %s: %v", b.name, indexRetryDelay, err)
		if err := scheduler.Sleep(ctx, b.deps.Scheduler, indexRetryDelay); err != nil {
			return nil, nil, err
		}
	}
}

// applyRemote reconciles against remote, deletes discarded files and
// rewrites index.json concurrently, and returns the needed files outside
// the preload set for background download.
func (b *Bundle) applyRemote(ctx context.Context, remote *Index, raw []byte) []string {
	b.mu.Lock()
	plan := Reconcile(b.fileMap, remote)
	b.fileMap = plan.FileMap
	b.preload = plan.Preload
	b.localVersion = remote.Version
	sum := xxhash.Sum64(raw)
	unchanged := b.hasIndexSum && b.indexSum == sum
	b.indexSum, b.hasIndexSum = sum, true
	b.mu.Unlock()

	logging.Infof("Bundle %s: version %d, %d stale, %d needed\n", b.name, remote.Version, len(plan.Discard), len(plan.Needed))
	b.deps.Metrics.RecordBundleFiles("download", len(plan.Needed))

	var g errgroup.Group
	g.Go(func() error {
		if len(plan.Discard) == 0 {
			return nil
		}
		rels := make([]string, len(plan.Discard))
		for i, name := range plan.Discard {
			rels[i] = path.Join(b.Dir(), name)
		}
		failed := b.deps.FS.Unlinks(ctx, rels)
		if len(failed) > 0 {
			logging.Warnf("Bundle %s: could not delete %d stale files", b.name, len(failed))
		}
		b.deps.Metrics.RecordBundleFiles("discard", len(rels)-len(failed))
		return nil
	})
	g.Go(func() error {
		if unchanged {
			logging.Debugf("Verbose: bundle %s index unchanged, skipping write", b.name)
			return nil
		}
		if err := b.deps.FS.WriteFile(ctx, b.indexPath(), raw); err != nil {
			logging.Warnf("Saving index for bundle %s failed: %v", b.name, err)
			return nil
		}
		logging.Debugf("Verbose: saved index for bundle %s", b.name)
		return nil
	})
	_ = g.Wait()

	preload := make(map[string]bool, len(plan.Preload))
	for _, key := range plan.Preload {
		preload[key] = true
	}
	var background []string
	for _, key := range plan.Needed {
		if !preload[key] {
			background = append(background, path.Join(b.Dir(), AssetVersionPath(key, plan.FileMap[key])))
		}
	}
	return background
}

func (b *Bundle) preloadURLs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	urls := make([]string, 0, len(b.preload))
	for _, key := range b.preload {
		urls = append(urls, path.Join(b.Dir(), AssetVersionPath(key, b.fileVersionLocked(key))))
	}
	return urls
}

func (b *Bundle) downloadPreload(ctx context.Context) error {
	urls := b.preloadURLs()
	if len(urls) == 0 {
		return nil
	}
	if err := b.deps.Queue.DownloadGroupAndWait(ctx, b.GroupName(), urls, true); err != nil {
		return fmt.Errorf("downloading preload set of bundle %s: %w", b.name, err)
	}
	return nil
}

func (b *Bundle) markInited(ctx context.Context) {
	b.mu.Lock()
	b.inited = true
	sweep := b.needCheckDiscard
	b.needCheckDiscard = false
	listeners := slices.Clone(b.listeners)
	b.mu.Unlock()

	logging.Debugf("Verbose: bundle %s inited", b.name)
	b.deps.Metrics.RecordBundleInited()
	for _, f := range listeners {
		f(b.name)
	}

	if sweep {
		b.sweepUntracked(ctx)
	}
}

// sweepUntracked deletes every file in the bundle directory that is not
// index.json or the current version of a tracked file.
func (b *Bundle) sweepUntracked(ctx context.Context) {
	files, err := b.deps.FS.Walk(ctx, b.Dir())
	if err != nil {
		logging.Warnf("Bundle %s: listing files for cleanup failed: %v", b.name, err)
		return
	}

	keep := map[string]bool{b.indexPath(): true}
	b.mu.Lock()
	for key, v := range b.fileMap {
		keep[path.Join(b.Dir(), AssetVersionPath(key, v))] = true
	}
	b.mu.Unlock()

	var stale []string
	for _, f := range files {
		if !keep[f] {
			stale = append(stale, f)
		}
	}
	if len(stale) == 0 {
		return
	}
	failed := b.deps.FS.Unlinks(ctx, stale)
	if len(failed) > 0 {
		logging.Warnf("Bundle %s: could not delete %d untracked files", b.name, len(failed))
	}
	b.deps.Metrics.RecordBundleFiles("sweep", len(stale)-len(failed))
}
