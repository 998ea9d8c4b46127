package assetsync

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/caedis/bundle-sync/internal/downloader"
	"github.com/caedis/bundle-sync/internal/platform"
	"github.com/caedis/bundle-sync/internal/platform/platformtest"
	"github.com/caedis/bundle-sync/internal/scheduler"
	"github.com/caedis/bundle-sync/internal/store"
	"github.com/caedis/bundle-sync/internal/task"
)

type testEnv struct {
	root string
	cdn  *platformtest.CDN
	cfg  Config
}

func newTestEnv(t *testing.T, root string, sched scheduler.Scheduler) *testEnv {
	t.Helper()
	cdn := platformtest.NewCDN(t)
	fsys := platform.NewLocalFS(root)
	fetcher := platform.NewHTTPFetcher(cdn.URL, fsys, 0)
	q := downloader.New(downloader.Config{Fetcher: fetcher, FS: fsys})
	t.Cleanup(q.Close)
	st, err := store.Load(root)
	if err != nil {
		t.Fatalf("store.Load failed: %v", err)
	}
	return &testEnv{
		root: root,
		cdn:  cdn,
		cfg: Config{
			FS:           fsys,
			Fetcher:      fetcher,
			Queue:        q,
			Store:        st,
			Scheduler:    sched,
			Registry:     task.NewRegistry(),
			AppVersion:   "1.0",
			BuildVersion: "2",
		},
	}
}

func waitTask(t *testing.T, tk *task.Task) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := tk.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("task %s never completed", tk.Name())
	}
	return err
}

func waitPending(t *testing.T, m *scheduler.Manual, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for m.Pending() < n {
		if time.Now().After(deadline) {
			t.Fatalf("scheduler pending=%d, want >= %d", m.Pending(), n)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestDiff(t *testing.T) {
	tests := []struct {
		name        string
		local       []string
		remote      []string
		wantDiscard []string
		wantNew     []string
	}{
		{
			name:        "add and remove",
			local:       []string{"a", "b", "c"},
			remote:      []string{"b", "c", "d"},
			wantDiscard: []string{"a"},
			wantNew:     []string{"d"},
		},
		{
			name:   "identical",
			local:  []string{"a", "b"},
			remote: []string{"b", "a"},
		},
		{
			name:        "duplicates dropped",
			local:       []string{"x", "x"},
			remote:      []string{"y", "y", "z"},
			wantDiscard: []string{"x"},
			wantNew:     []string{"y", "z"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			discard, fresh := Diff(tt.local, tt.remote)
			if !slices.Equal(discard, tt.wantDiscard) || !slices.Equal(fresh, tt.wantNew) {
				t.Fatalf("discard=%v new=%v want %v %v", discard, fresh, tt.wantDiscard, tt.wantNew)
			}

			after := append(slices.Clone(tt.local), fresh...)
			after = slices.DeleteFunc(after, func(f string) bool { return slices.Contains(discard, f) })
			slices.Sort(after)
			want := slices.Clone(tt.remote)
			slices.Sort(want)
			if !slices.Equal(slices.Compact(after), slices.Compact(want)) {
				t.Fatalf("applied set=%v want=%v", after, want)
			}
		})
	}
}

func TestExternalSyncUpdatesAndDestroysBundles(t *testing.T) {
	env := newTestEnv(t, t.TempDir(), nil)
	platformtest.WriteFile(t, env.root, "asset-bundle/index.json", []byte(`{"stale":1}`))
	platformtest.WriteFile(t, env.root, "asset-bundle/old/a_v1.png", []byte("old"))
	platformtest.WriteFile(t, env.root, "asset-bundle/ui/index.json", []byte(`{"version":1,"fileMap":{"a.png":1}}`))
	platformtest.WriteFile(t, env.root, "asset-bundle/ui/a_v1.png", []byte("a1"))

	env.cdn.Put("asset-bundle/index.json", []byte(`{"ui":2,"fx":1}`))
	env.cdn.Put("asset-bundle/ui/index.json", []byte(`{"version":2,"fileMap":{"a.png":2},"isRequired":true}`))
	env.cdn.Put("asset-bundle/ui/a_v2.png", []byte("a2"))
	env.cdn.Put("asset-bundle/fx/index.json", []byte(`{"version":1,"fileMap":{"spark.png":1},"preloadAssets":["spark.png"]}`))
	env.cdn.Put("asset-bundle/fx/spark_v1.png", []byte("spark"))

	ext := NewExternalSync(env.cfg)
	if _, err := ext.Task().Begin(context.Background(), task.Handlers{}); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := waitTask(t, ext.Task()); err != nil {
		t.Fatalf("external sync failed: %v", err)
	}

	if got := env.cfg.Queue.MaxConnectCount(); got != downloader.DefaultMaxConnections {
		t.Fatalf("cap after sync=%d want=%d", got, downloader.DefaultMaxConnections)
	}
	bundles := ext.Bundles()
	if len(bundles) != 2 || bundles["ui"] == nil || bundles["fx"] == nil {
		t.Fatalf("bundles=%v", bundles)
	}
	for name, b := range bundles {
		if !b.IsInited() {
			t.Fatalf("bundle %s not inited", name)
		}
	}
	if platformtest.Exists(env.root, "asset-bundle/old") {
		t.Fatalf("bundle dropped from the master index should be destroyed")
	}
	for _, rel := range []string{"asset-bundle/ui/a_v2.png", "asset-bundle/fx/spark_v1.png"} {
		if !platformtest.Exists(env.root, rel) {
			t.Fatalf("%s not downloaded", rel)
		}
	}
	if platformtest.Exists(env.root, "asset-bundle/ui/a_v1.png") {
		t.Fatalf("stale a_v1.png should be discarded")
	}
}

func TestExternalSyncRetriesMasterIndex(t *testing.T) {
	sched := scheduler.NewManual()
	env := newTestEnv(t, t.TempDir(), sched)
	env.cdn.Put("asset-bundle/index.json", []byte(`{}`))
	env.cdn.FailNext("asset-bundle/index.json", 1)

	ext := NewExternalSync(env.cfg)
	ext.Task().Begin(context.Background(), task.Handlers{})

	// timeout + retry sleep
	waitPending(t, sched, 2)
	sched.Advance(500 * time.Millisecond)

	if err := waitTask(t, ext.Task()); err != nil {
		t.Fatalf("external sync failed: %v", err)
	}
	if got := env.cdn.Hits("asset-bundle/index.json"); got != 2 {
		t.Fatalf("master index requests=%d want=2", got)
	}
}

func TestExternalSyncTimesOutFastWithoutStorage(t *testing.T) {
	sched := scheduler.NewManual()
	env := newTestEnv(t, "", sched)
	env.cdn.FailNext("asset-bundle/index.json", 1000)

	ext := NewExternalSync(env.cfg)
	ext.Task().Begin(context.Background(), task.Handlers{})
	sched.Advance(time.Second)

	err := waitTask(t, ext.Task())
	if !errors.Is(err, task.ErrTimeout) {
		t.Fatalf("err=%v want timeout", err)
	}
	if got := env.cfg.Queue.MaxConnectCount(); got != downloader.DefaultMaxConnections {
		t.Fatalf("cap after timeout=%d want=%d", got, downloader.DefaultMaxConnections)
	}
}

func TestBuiltinSyncDiscardsAndDownloads(t *testing.T) {
	env := newTestEnv(t, t.TempDir(), nil)
	for _, f := range []string{"res/a.json", "res/b.json", "res/c.json", "res/AssetMap_0.9.1_.json"} {
		platformtest.WriteFile(t, env.root, f, []byte(f))
	}
	env.cdn.Put(AssetMapPath("1.0.2"), []byte(`["res/b.json","res/c.json","res/d.json"]`))
	env.cdn.Put("res/d.json", []byte("d"))

	s := NewBuiltinSync(env.cfg)
	s.Task().Begin(context.Background(), task.Handlers{})
	if err := waitTask(t, s.Task()); err != nil {
		t.Fatalf("built-in sync failed: %v", err)
	}

	discarded, fresh, skipped := s.Result()
	if skipped {
		t.Fatalf("sync should not take the fast path")
	}
	if want := []string{"res/AssetMap_0.9.1_.json", "res/a.json"}; !slices.Equal(discarded, want) {
		t.Fatalf("discarded=%v want=%v", discarded, want)
	}
	if !slices.Equal(fresh, []string{"res/d.json"}) {
		t.Fatalf("fresh=%v", fresh)
	}
	if platformtest.Exists(env.root, "res/a.json") || !platformtest.Exists(env.root, "res/d.json") {
		t.Fatalf("local res/ not reconciled")
	}
	if got := env.cfg.Store.Get(store.LastSyncVersion); got != "1.0.2" {
		t.Fatalf("LastSyncVersion=%q want=1.0.2", got)
	}
	data, err := os.ReadFile(filepath.Join(env.root, "res", "AssetMap_1.0.2_.json"))
	if err != nil || string(data) != `["res/b.json","res/c.json","res/d.json"]` {
		t.Fatalf("asset map not saved: %q err=%v", data, err)
	}
}

func TestBuiltinSyncFastPaths(t *testing.T) {
	t.Run("same version", func(t *testing.T) {
		env := newTestEnv(t, t.TempDir(), nil)
		if err := env.cfg.Store.Set(store.LastSyncVersion, "1.0.2"); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		s := NewBuiltinSync(env.cfg)
		s.Task().Begin(context.Background(), task.Handlers{})
		if err := waitTask(t, s.Task()); err != nil {
			t.Fatalf("sync failed: %v", err)
		}
		if _, _, skipped := s.Result(); !skipped {
			t.Fatalf("matching stamp should skip")
		}
		if env.cdn.Hits(AssetMapPath("1.0.2")) != 0 {
			t.Fatalf("fast path must not fetch the asset map")
		}
	})

	t.Run("web", func(t *testing.T) {
		env := newTestEnv(t, t.TempDir(), nil)
		env.cfg.Web = true
		s := NewBuiltinSync(env.cfg)
		s.Task().Begin(context.Background(), task.Handlers{})
		if s.Task().Outcome() != task.Succeeded {
			t.Fatalf("web sync should succeed synchronously, outcome=%v", s.Task().Outcome())
		}
	})
}

func TestBuiltinSyncFailsWithoutAssetMap(t *testing.T) {
	env := newTestEnv(t, t.TempDir(), nil)
	s := NewBuiltinSync(env.cfg)
	s.Task().Begin(context.Background(), task.Handlers{})

	if err := waitTask(t, s.Task()); !errors.Is(err, task.ErrFailed) {
		t.Fatalf("err=%v want failure", err)
	}
	if env.cfg.Store.Get(store.LastSyncVersion) != "" {
		t.Fatalf("failed sync must not persist the stamp")
	}
}

func TestAssetSyncRunsBothStages(t *testing.T) {
	env := newTestEnv(t, t.TempDir(), nil)
	env.cdn.Put("asset-bundle/index.json", []byte(`{"ui":1}`))
	env.cdn.Put("asset-bundle/ui/index.json", []byte(`{"version":1,"fileMap":{"a.png":1},"isRequired":true}`))
	env.cdn.Put("asset-bundle/ui/a_v1.png", []byte("a"))
	env.cdn.Put(AssetMapPath("1.0.2"), []byte(`["res/x.json"]`))
	env.cdn.Put("res/x.json", []byte("x"))

	s, err := Run(context.Background(), env.cfg)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if b := s.Bundles()["ui"]; b == nil || !b.IsInited() {
		t.Fatalf("ui bundle not ready")
	}
	if s.Builtin() == nil || !platformtest.Exists(env.root, "res/x.json") {
		t.Fatalf("built-in stage did not run")
	}
	if !s.Task().IsComplete() {
		t.Fatalf("top-level task and children should all be complete")
	}
	if len(env.cfg.Registry.Running()) != 0 {
		t.Fatalf("running tasks left: %d", len(env.cfg.Registry.Running()))
	}
}

func TestAssetSyncSkipsBuiltinWhenMapPresent(t *testing.T) {
	env := newTestEnv(t, t.TempDir(), nil)
	env.cdn.Put("asset-bundle/index.json", []byte(`{}`))
	platformtest.WriteFile(t, env.root, AssetMapPath("1.0.2"), []byte(`[]`))

	s, err := Run(context.Background(), env.cfg)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if s.Builtin() != nil {
		t.Fatalf("built-in sync should be skipped")
	}
}

func TestAssetSyncContinuesAfterExternalFailure(t *testing.T) {
	sched := scheduler.NewManual()
	env := newTestEnv(t, t.TempDir(), sched)
	env.cdn.FailNext("asset-bundle/index.json", 1000)
	env.cdn.Put(AssetMapPath("1.0.2"), []byte(`[]`))

	s := NewAssetSync(env.cfg)
	s.Task().Begin(context.Background(), task.Handlers{})
	waitPending(t, sched, 1)
	sched.Advance(20 * time.Second)

	err := waitTask(t, s.Task())
	if !errors.Is(err, task.ErrTimeout) {
		t.Fatalf("err=%v should report the external timeout", err)
	}
	if s.Builtin() == nil || s.Builtin().Task().Outcome() != task.Succeeded {
		t.Fatalf("built-in sync should still run and succeed")
	}
	if got := env.cfg.Store.Get(store.LastSyncVersion); got != "1.0.2" {
		t.Fatalf("LastSyncVersion=%q", got)
	}
}
