// Package assetsync sequences the startup asset sync: external bundles
// first, then the built-in asset set.
package assetsync

import (
	"github.com/caedis/bundle-sync/internal/bundle"
	"github.com/caedis/bundle-sync/internal/downloader"
	"github.com/caedis/bundle-sync/internal/metrics"
	"github.com/caedis/bundle-sync/internal/platform"
	"github.com/caedis/bundle-sync/internal/scheduler"
	"github.com/caedis/bundle-sync/internal/store"
	"github.com/caedis/bundle-sync/internal/task"
)

const (
	ExternalSyncName = "ExternalAssetSyncTask"
	BuiltinSyncName  = "CocosAssetSyncTask"
	AssetSyncName    = "AssetSyncTask"

	// BuiltinGroup is the download group for new built-in assets.
	BuiltinGroup = "cocosAssetSync"
	// BuiltinRoot is the storage directory of the built-in asset set.
	BuiltinRoot = "res"
)

// Config carries everything the sync tasks share.
type Config struct {
	FS        platform.FileSystem
	Fetcher   platform.Fetcher
	Queue     *downloader.Queue
	Store     store.Store
	Scheduler scheduler.Scheduler
	Metrics   *metrics.Collector
	Registry  *task.Registry

	AppVersion   string
	BuildVersion string
	// Web marks a platform without a local filesystem to reconcile.
	Web bool
	// Connections is the steady-state queue cap restored after external
	// sync; zero means downloader.DefaultMaxConnections.
	Connections int
}

// Stamp is "<appVersion>.<buildVersion>".
func (c Config) Stamp() string {
	return c.AppVersion + "." + c.BuildVersion
}

func (c Config) taskEnv() task.Env {
	return task.Env{Registry: c.Registry, Scheduler: c.Scheduler, Metrics: c.Metrics}
}

func (c Config) bundleDeps() bundle.Deps {
	return bundle.Deps{
		FS:        c.FS,
		Fetcher:   c.Fetcher,
		Queue:     c.Queue,
		Scheduler: c.Scheduler,
		Metrics:   c.Metrics,
	}
}

func (c Config) connections() int {
	if c.Connections <= 0 {
		return downloader.DefaultMaxConnections
	}
	return c.Connections
}

func (c Config) scheduler() scheduler.Scheduler {
	if c.Scheduler == nil {
		return scheduler.Real{}
	}
	return c.Scheduler
}

// AssetMapPath is the cached built-in manifest for stamp.
func AssetMapPath(stamp string) string {
	return BuiltinRoot + "/AssetMap_" + stamp + "_.json"
}

// Diff removes every path present in both lists. What remains of local is
// to be discarded and what remains of remote is to be downloaded. Order is
// preserved and duplicates are dropped.
func Diff(local, remote []string) (discard, fresh []string) {
	return subtract(local, remote), subtract(remote, local)
}

func subtract(from, other []string) []string {
	skip := make(map[string]bool, len(other)+len(from))
	for _, f := range other {
		skip[f] = true
	}
	var out []string
	for _, f := range from {
		if skip[f] {
			continue
		}
		skip[f] = true
		out = append(out, f)
	}
	return out
}
