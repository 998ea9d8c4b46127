package assetsync

import (
	"context"
	"fmt"
	"maps"
	"path"
	"slices"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/caedis/bundle-sync/internal/bundle"
	"github.com/caedis/bundle-sync/internal/logging"
	"github.com/caedis/bundle-sync/internal/scheduler"
	"github.com/caedis/bundle-sync/internal/task"
)

const (
	// ExternalSyncConnections is the queue cap while bundles bootstrap.
	ExternalSyncConnections = 5

	externalTimeout        = 20 * time.Second
	externalTimeoutNoStore = time.Second
	masterRetryDelay       = 500 * time.Millisecond
)

// ExternalSync brings every bundle listed in the master index up to date
// and destroys local bundles the master index no longer lists.
type ExternalSync struct {
	cfg  Config
	task *task.Task

	mu      sync.Mutex
	bundles map[string]*bundle.Bundle
}

func NewExternalSync(cfg Config) *ExternalSync {
	e := &ExternalSync{cfg: cfg, bundles: make(map[string]*bundle.Bundle)}
	e.task = task.New(ExternalSyncName, e, cfg.taskEnv())
	return e
}

func (e *ExternalSync) Task() *task.Task { return e.task }

// Bundles returns the tracked bundles by name.
func (e *ExternalSync) Bundles() map[string]*bundle.Bundle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return maps.Clone(e.bundles)
}

func (e *ExternalSync) OnBegin(t *task.Task) {
	if e.cfg.FS.Root() != "" {
		logging.Debugf("Verbose: external asset timeout %s", externalTimeout)
		t.SetTimeout(externalTimeout)
	} else {
		logging.Debugf("Verbose: external asset timeout %s (no storage)", externalTimeoutNoStore)
		t.SetTimeout(externalTimeoutNoStore)
	}
	e.cfg.Queue.SetMaxConnectCount(ExternalSyncConnections)
	go e.run(t)
}

// OnComplete restores the steady-state connection cap.
func (e *ExternalSync) OnComplete(*task.Task) {
	e.cfg.Queue.SetMaxConnectCount(e.cfg.connections())
}

func (e *ExternalSync) run(t *task.Task) {
	ctx := t.Context()

	if err := e.loadLocalBundles(ctx); err != nil {
		logging.Warnf("Listing local bundles failed: %v", err)
	}

	master, err := e.fetchMasterIndex(ctx)
	if err != nil {
		t.Fail(err)
		return
	}

	versions := e.applyMasterIndex(ctx, master)

	g, gctx := errgroup.WithContext(ctx)
	for name, b := range e.Bundles() {
		version := versions[name]
		g.Go(func() error {
			return b.Update(gctx, version)
		})
	}
	if err := g.Wait(); err != nil {
		t.Fail(fmt.Errorf("updating bundles: %w", err))
		return
	}

	for name, b := range e.Bundles() {
		if !b.IsInited() {
			t.Fail(fmt.Errorf("bundle %s did not initialize", name))
			return
		}
	}
	logging.Infof("External bundles ready: %d\n", len(versions))
	t.Succeed()
}

// loadLocalBundles tracks every bundle directory already on disk so bundles
// dropped from the master index can still be destroyed.
func (e *ExternalSync) loadLocalBundles(ctx context.Context) error {
	names, err := bundle.LocalNames(ctx, e.cfg.FS)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, name := range names {
		e.bundles[name] = bundle.New(name, e.cfg.bundleDeps())
	}
	logging.Debugf("Verbose: found %d local bundles", len(e.bundles))
	return nil
}

func (e *ExternalSync) fetchMasterIndex(ctx context.Context) (bundle.MasterIndex, error) {
	for {
		rel := path.Join(bundle.RootPath, bundle.IndexFile) + "?" + strconv.FormatInt(time.Now().UnixMilli(), 10)
		data, err := e.cfg.Fetcher.Fetch(ctx, rel)
		if err == nil {
			master, perr := bundle.ParseMasterIndex(data)
			if perr == nil {
				return master, nil
			}
			err = perr
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logging.Warnf("Downloading bundle master index failed, retrying in %s: %v", masterRetryDelay, err)
		if err := scheduler.Sleep(ctx, e.cfg.scheduler(), masterRetryDelay); err != nil {
			return nil, err
		}
	}
}

// applyMasterIndex destroys bundles missing from master and creates the
// new ones. It returns the target version of every remaining bundle.
func (e *ExternalSync) applyMasterIndex(ctx context.Context, master bundle.MasterIndex) map[string]int {
	e.mu.Lock()
	var dropped []*bundle.Bundle
	for _, name := range slices.Sorted(maps.Keys(e.bundles)) {
		if _, ok := master[name]; !ok {
			dropped = append(dropped, e.bundles[name])
			delete(e.bundles, name)
		}
	}
	for name := range master {
		if _, ok := e.bundles[name]; !ok {
			e.bundles[name] = bundle.New(name, e.cfg.bundleDeps())
		}
	}
	e.mu.Unlock()

	for _, b := range dropped {
		if err := b.Destroy(ctx); err != nil {
			logging.Warnf("%v", err)
		}
	}
	return map[string]int(master)
}
