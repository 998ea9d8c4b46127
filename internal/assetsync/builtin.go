package assetsync

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/caedis/bundle-sync/internal/logging"
	"github.com/caedis/bundle-sync/internal/store"
	"github.com/caedis/bundle-sync/internal/task"
)

// BuiltinSync reconciles the res/ directory against the remote asset map
// of the current app version.
type BuiltinSync struct {
	cfg  Config
	task *task.Task

	mu        sync.Mutex
	discarded []string
	fresh     []string
	skipped   bool
}

func NewBuiltinSync(cfg Config) *BuiltinSync {
	s := &BuiltinSync{cfg: cfg}
	s.task = task.New(BuiltinSyncName, s, cfg.taskEnv())
	return s
}

func (s *BuiltinSync) Task() *task.Task { return s.task }

// Result returns the files the last run deleted and queued for download,
// and whether the run took the fast path.
func (s *BuiltinSync) Result() (discarded, fresh []string, skipped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.discarded), slices.Clone(s.fresh), s.skipped
}

func (s *BuiltinSync) OnBegin(t *task.Task) {
	if s.cfg.Web || s.cfg.FS.Root() == "" {
		logging.Debugf("Verbose: no local filesystem, skipping built-in asset sync")
		s.markSkipped()
		t.Succeed()
		return
	}

	stamp := s.cfg.Stamp()
	last := s.cfg.Store.Get(store.LastSyncVersion)
	logging.Infof("Last synced version: %s\n", last)
	logging.Infof("Current version: %s\n", stamp)
	if last == stamp {
		s.markSkipped()
		t.Succeed()
		return
	}
	go s.run(t, stamp)
}

func (s *BuiltinSync) markSkipped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skipped = true
}

func (s *BuiltinSync) run(t *task.Task, stamp string) {
	ctx := t.Context()

	var local, remote []string
	var remoteRaw []byte
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		files, err := s.cfg.FS.Walk(gctx, BuiltinRoot)
		if err != nil {
			return err
		}
		local = files
		return nil
	})
	g.Go(func() error {
		data, err := s.cfg.Fetcher.Fetch(gctx, AssetMapPath(stamp))
		if err != nil {
			return fmt.Errorf("loading asset map: %w", err)
		}
		var files []string
		if err := json.Unmarshal(data, &files); err != nil {
			return fmt.Errorf("parsing asset map: %w", err)
		}
		remote, remoteRaw = files, data
		return nil
	})
	if err := g.Wait(); err != nil {
		logging.Warnf("Built-in asset sync failed: %v", err)
		t.Fail(err)
		return
	}
	logging.Debugf("Verbose: asset map loaded, remote=%d local=%d", len(remote), len(local))

	discard, fresh := Diff(local, remote)
	s.mu.Lock()
	s.discarded, s.fresh = discard, fresh
	s.mu.Unlock()
	logging.Infof("Built-in assets: %d to discard, %d to download\n", len(discard), len(fresh))

	finished := task.Join(2, func() { s.complete(ctx, t, stamp, remoteRaw) })

	if len(discard) > 0 {
		go func() {
			failed := s.cfg.FS.Unlinks(ctx, discard)
			if len(failed) > 0 {
				logging.Warnf("Could not delete %d discarded built-in files", len(failed))
			}
			s.cfg.Metrics.RecordBundleFiles("discard", len(discard)-len(failed))
			finished()
		}()
	} else {
		finished()
	}

	if len(fresh) > 0 {
		s.cfg.Queue.SetMaxConnectCount(s.cfg.connections())
		go func() {
			if err := s.cfg.Queue.DownloadGroupAndWait(ctx, BuiltinGroup, fresh, false); err != nil {
				return
			}
			logging.Infof("Built-in asset download complete\n")
			finished()
		}()
	} else {
		finished()
	}
}

// complete persists the stamp and the asset map so the next run takes the
// fast path.
func (s *BuiltinSync) complete(ctx context.Context, t *task.Task, stamp string, remoteRaw []byte) {
	if err := s.cfg.Store.Set(store.LastSyncVersion, stamp); err != nil {
		logging.Warnf("Saving last sync version failed: %v", err)
	}
	if err := s.cfg.FS.WriteFile(ctx, AssetMapPath(stamp), remoteRaw); err != nil {
		logging.Warnf("Saving asset map failed: %v", err)
	}
	t.Succeed()
}
