package assetsync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/caedis/bundle-sync/internal/bundle"
	"github.com/caedis/bundle-sync/internal/logging"
	"github.com/caedis/bundle-sync/internal/task"
)

// AssetSync runs ExternalSync and then, unless the current asset map is
// already on disk, BuiltinSync. Built-in sync still runs when the external
// stage fails; the task fails if either stage failed.
type AssetSync struct {
	cfg  Config
	task *task.Task

	mu       sync.Mutex
	external *ExternalSync
	builtin  *BuiltinSync
}

func NewAssetSync(cfg Config) *AssetSync {
	s := &AssetSync{cfg: cfg}
	s.task = task.New(AssetSyncName, s, cfg.taskEnv())
	return s
}

func (s *AssetSync) Task() *task.Task { return s.task }

// Bundles returns the bundles tracked by the external stage.
func (s *AssetSync) Bundles() map[string]*bundle.Bundle {
	s.mu.Lock()
	ext := s.external
	s.mu.Unlock()
	if ext == nil {
		return map[string]*bundle.Bundle{}
	}
	return ext.Bundles()
}

// Builtin returns the built-in stage, or nil if it did not run.
func (s *AssetSync) Builtin() *BuiltinSync {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.builtin
}

func (s *AssetSync) OnBegin(t *task.Task) {
	go s.run(t)
}

func (s *AssetSync) run(t *task.Task) {
	ctx := t.Context()
	var failures []error

	external := NewExternalSync(s.cfg)
	s.mu.Lock()
	s.external = external
	s.mu.Unlock()
	if err := s.runChild(ctx, t, external.Task()); err != nil {
		if ctx.Err() != nil {
			return
		}
		logging.Warnf("External asset sync failed, continuing with built-in assets: %v", err)
		failures = append(failures, fmt.Errorf("external assets: %w", err))
	} else {
		logging.Infof("External asset sync complete\n")
	}

	mapPath := AssetMapPath(s.cfg.Stamp())
	if s.cfg.FS.Access(ctx, mapPath) {
		logging.Infof("Built-in asset sync skipped, %s already present\n", mapPath)
	} else {
		builtin := NewBuiltinSync(s.cfg)
		s.mu.Lock()
		s.builtin = builtin
		s.mu.Unlock()
		if err := s.runChild(ctx, t, builtin.Task()); err != nil {
			if ctx.Err() != nil {
				return
			}
			failures = append(failures, fmt.Errorf("built-in assets: %w", err))
		} else {
			logging.Infof("Built-in asset sync complete\n")
		}
	}

	if len(failures) > 0 {
		t.Fail(errors.Join(failures...))
		return
	}
	t.Succeed()
}

func (s *AssetSync) runChild(ctx context.Context, parent, child *task.Task) error {
	parent.AddChild(child)
	if _, err := child.Begin(ctx, task.Handlers{}); err != nil {
		return err
	}
	return child.Wait(ctx)
}

// Run begins sync as a top-level task and waits for it.
func Run(ctx context.Context, cfg Config) (*AssetSync, error) {
	s := NewAssetSync(cfg)
	if _, err := s.Task().Begin(ctx, task.Handlers{}); err != nil {
		return s, err
	}
	return s, s.Task().Wait(ctx)
}
