package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/caedis/bundle-sync/internal/assets"
	"github.com/caedis/bundle-sync/internal/assetsync"
	"github.com/caedis/bundle-sync/internal/downloader"
	"github.com/caedis/bundle-sync/internal/logging"
	"github.com/caedis/bundle-sync/internal/metrics"
	"github.com/caedis/bundle-sync/internal/platform"
	"github.com/caedis/bundle-sync/internal/scheduler"
	"github.com/caedis/bundle-sync/internal/store"
	"github.com/caedis/bundle-sync/internal/task"
)

const loaderCacheBytes = 64 << 20

// app owns one instance of every component a command needs.
type app struct {
	fs       *platform.LocalFS
	queue    *downloader.Queue
	store    *store.File
	metrics  *metrics.Collector
	registry *task.Registry
	loader   *assets.CacheLoader
	manager  *assets.Manager
}

func newApp(requireCDN bool) (*app, error) {
	cdn := getCDN()
	if requireCDN && cdn == "" {
		return nil, wrapUsageError(errors.New("--cdn is required"))
	}
	if maxConnections < 0 {
		return nil, wrapUsageError(fmt.Errorf("--max-connections must be >= 0, got %d", maxConnections))
	}

	root := rootDir
	if web {
		root = ""
	}
	fsys := platform.NewLocalFS(root)
	fetcher := platform.NewHTTPFetcher(cdn, fsys, rateLimit)
	collector := metrics.NewCollector("bundle_sync")
	sched := scheduler.Real{}

	st, err := store.Load(root)
	if err != nil {
		return nil, err
	}
	loader, err := assets.NewCacheLoader(fsys, loaderCacheBytes)
	if err != nil {
		return nil, err
	}

	queue := downloader.New(downloader.Config{
		Fetcher:        fetcher,
		FS:             fsys,
		Network:        platform.NewHTTPNetwork(cdn),
		Scheduler:      sched,
		Metrics:        collector,
		MaxConnections: maxConnections,
	})
	registry := task.NewRegistry()

	manager := assets.New(assets.Config{
		Sync: assetsync.Config{
			FS:           fsys,
			Fetcher:      fetcher,
			Queue:        queue,
			Store:        st,
			Scheduler:    sched,
			Metrics:      collector,
			Registry:     registry,
			AppVersion:   appVersion,
			BuildVersion: buildVersion,
			Web:          web,
			Connections:  maxConnections,
		},
		CDN:    cdn,
		Loader: loader,
	})

	return &app{
		fs:       fsys,
		queue:    queue,
		store:    st,
		metrics:  collector,
		registry: registry,
		loader:   loader,
		manager:  manager,
	}, nil
}

func (a *app) Close() {
	a.registry.StopAll()
	a.queue.Close()
	a.loader.Close()
}

// serveMetrics exposes the collector on metricsAddr until ctx ends. It is a
// no-op when no address is configured.
func (a *app) serveMetrics(ctx context.Context) {
	if metricsAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logging.Infof("Serving metrics on http://%s/metrics\n", metricsAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Warnf("Metrics server stopped: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

// waitIdle blocks until the queue has nothing left or ctx ends.
func (a *app) waitIdle(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for !a.queue.Idle() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
