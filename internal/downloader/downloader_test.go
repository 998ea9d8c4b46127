package downloader

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/caedis/bundle-sync/internal/metrics"
	"github.com/caedis/bundle-sync/internal/platform"
	"github.com/caedis/bundle-sync/internal/scheduler"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type fakeFetcher struct {
	mu     sync.Mutex
	active int
	peak   int
	calls  map[string]int
	order  []string
	fail   map[string]int
	gate   chan struct{}
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{calls: make(map[string]int), fail: make(map[string]int)}
}

func (f *fakeFetcher) Download(ctx context.Context, rel string) (string, error) {
	f.mu.Lock()
	f.active++
	if f.active > f.peak {
		f.peak = f.active
	}
	f.calls[rel]++
	f.order = append(f.order, rel)
	failing := f.fail[rel] > 0
	if failing {
		f.fail[rel]--
	}
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
		}
	}

	f.mu.Lock()
	f.active--
	f.mu.Unlock()

	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if failing {
		return "", errors.New("connection reset")
	}
	return "/local/" + rel, nil
}

func (f *fakeFetcher) callCount(rel string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[rel]
}

func (f *fakeFetcher) started() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.order)
}

func (f *fakeFetcher) peakActive() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestQueue(t *testing.T, f *fakeFetcher, cfg Config) *Queue {
	t.Helper()
	cfg.Fetcher = f
	if cfg.FS == nil {
		cfg.FS = platform.NewLocalFS(t.TempDir())
	}
	q := New(cfg)
	t.Cleanup(q.Close)
	return q
}

func TestConcurrencyCapIsNeverExceeded(t *testing.T) {
	f := newFakeFetcher()
	f.gate = make(chan struct{})
	q := newTestQueue(t, f, Config{MaxConnections: 3})

	urls := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}
	done := make(chan error, 1)
	go func() {
		done <- q.DownloadGroupAndWait(context.Background(), "all", urls, false)
	}()

	waitFor(t, "three downloads in flight", func() bool { return len(q.InFlight()) == 3 })
	if got := len(q.Pending()); got != 7 {
		t.Fatalf("pending=%d want=7", got)
	}
	close(f.gate)

	if err := <-done; err != nil {
		t.Fatalf("DownloadGroupAndWait failed: %v", err)
	}
	if peak := f.peakActive(); peak > 3 {
		t.Fatalf("peak in-flight=%d exceeds cap 3", peak)
	}
	for _, u := range urls {
		if n := f.callCount(u); n != 1 {
			t.Fatalf("%s downloaded %d times", u, n)
		}
	}
}

func TestZeroCapHoldsQueueUntilRaised(t *testing.T) {
	f := newFakeFetcher()
	q := newTestQueue(t, f, Config{})
	q.SetMaxConnectCount(0)

	q.DownloadAsset(context.Background(), []string{"a", "b"}, false)
	if len(f.started()) != 0 || len(q.Pending()) != 2 {
		t.Fatalf("nothing should start with a zero cap: started=%v pending=%v", f.started(), q.Pending())
	}

	q.SetMaxConnectCount(2)
	waitFor(t, "both downloads", func() bool { return f.callCount("a") == 1 && f.callCount("b") == 1 })
}

func TestDuplicateRequestWhileInFlightDownloadsOnce(t *testing.T) {
	f := newFakeFetcher()
	f.gate = make(chan struct{})
	q := newTestQueue(t, f, Config{})

	ctx := context.Background()
	q.DownloadAsset(ctx, []string{"asset-bundle/ui/a_v1.png"}, false)
	waitFor(t, "first download", func() bool { return len(q.InFlight()) == 1 })
	q.DownloadAsset(ctx, []string{"asset-bundle/ui/a_v1.png"}, false)
	q.DownloadAsset(ctx, []string{"asset-bundle/ui/a_v1.png"}, true)

	close(f.gate)
	waitFor(t, "queue drained", func() bool { return len(q.InFlight()) == 0 && len(q.Pending()) == 0 })
	if n := f.callCount("asset-bundle/ui/a_v1.png"); n != 1 {
		t.Fatalf("platform download called %d times, want 1", n)
	}
}

func TestGroupCompletesOnceAfterEveryFileLoaded(t *testing.T) {
	root := t.TempDir()
	fsys := platform.NewLocalFS(root)
	if err := os.MkdirAll(filepath.Join(root, "res"), 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "res", "local.png"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	f := newFakeFetcher()
	f.gate = make(chan struct{})
	q := newTestQueue(t, f, Config{FS: fsys})

	var mu sync.Mutex
	var completes int
	var progress []int
	var completedURLs []string
	q.AddListener(Listener{
		OnGroupProgress: func(g string, pct int) {
			mu.Lock()
			defer mu.Unlock()
			progress = append(progress, pct)
		},
		OnGroupComplete: func(g string, urls []string) {
			mu.Lock()
			defer mu.Unlock()
			completes++
			completedURLs = urls
		},
	})

	urls := []string{"res/local.png", "res/b.png", "res/c.png", "res/d.png"}
	q.DownloadAssetGroup(context.Background(), "grp", urls, false)

	mu.Lock()
	if completes != 0 {
		t.Fatalf("group completed before remote files finished")
	}
	if !slices.Equal(progress, []int{25}) {
		t.Fatalf("progress after local hit=%v want=[25]", progress)
	}
	mu.Unlock()

	states := q.GroupStates("grp")
	if states["res/local.png"] != Loaded || states["res/b.png"] != Loading {
		t.Fatalf("unexpected group states: %v", states)
	}

	close(f.gate)
	waitFor(t, "group completion", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return completes == 1
	})
	// Give stray events a chance to show up.
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if completes != 1 {
		t.Fatalf("group complete fired %d times", completes)
	}
	if progress[len(progress)-1] != 100 {
		t.Fatalf("final progress=%v", progress)
	}
	if !slices.Equal(completedURLs, urls) {
		t.Fatalf("completed urls=%v want=%v", completedURLs, urls)
	}
	if q.GroupStates("grp") != nil {
		t.Fatalf("completed group should be removed")
	}
}

func TestEmptyGroupCompletesSynchronously(t *testing.T) {
	q := newTestQueue(t, newFakeFetcher(), Config{})
	completed := false
	q.AddListener(Listener{OnGroupComplete: func(g string, urls []string) {
		completed = g == "empty" && len(urls) == 0
	}})
	q.DownloadAssetGroup(context.Background(), "empty", nil, false)
	if !completed {
		t.Fatalf("empty group should complete before DownloadAssetGroup returns")
	}
}

func TestImmediateRequestsJumpTheQueue(t *testing.T) {
	f := newFakeFetcher()
	q := newTestQueue(t, f, Config{})
	q.SetMaxConnectCount(0)

	ctx := context.Background()
	q.DownloadAsset(ctx, []string{"a", "b"}, false)
	q.DownloadAsset(ctx, []string{"c", "d"}, true)
	q.DownloadAsset(ctx, []string{"b"}, true)

	want := []string{"b", "c", "d", "a"}
	if got := q.Pending(); !slices.Equal(got, want) {
		t.Fatalf("pending=%v want=%v", got, want)
	}

	q.SetMaxConnectCount(1)
	waitFor(t, "all downloads", func() bool { return len(f.started()) == 4 })
	if got := f.started(); !slices.Equal(got, want) {
		t.Fatalf("dispatch order=%v want=%v", got, want)
	}
}

func TestFailedDownloadRetriesAfterNetworkRecovers(t *testing.T) {
	sched := scheduler.NewManual()
	network := &platform.StaticNetwork{}
	network.SetConnected(false)
	collector := metrics.NewCollector("test")

	f := newFakeFetcher()
	f.fail["a"] = 1
	q := newTestQueue(t, f, Config{Scheduler: sched, Network: network, Metrics: collector})

	var failures sync.WaitGroup
	failures.Add(1)
	q.AddListener(Listener{OnFail: func(string, error) { failures.Done() }})

	done := make(chan error, 1)
	go func() {
		done <- q.DownloadGroupAndWait(context.Background(), "g", []string{"a"}, false)
	}()
	failures.Wait()
	waitFor(t, "network pause", func() bool { return q.Paused() && network.Refreshes() == 1 })

	if got := q.GroupStates("g")["a"]; got != Fail {
		t.Fatalf("state after failure=%v want=fail", got)
	}

	sched.Advance(1500 * time.Millisecond)
	if !q.Paused() {
		t.Fatalf("queue should stay paused while offline")
	}
	if got := network.Refreshes(); got != 2 {
		t.Fatalf("refreshes=%d want=2 (one on failure, one on third tick)", got)
	}

	network.SetConnected(true)
	sched.Advance(500 * time.Millisecond)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("DownloadGroupAndWait failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("group never completed after recovery")
	}
	if n := f.callCount("a"); n != 2 {
		t.Fatalf("download attempts=%d want=2", n)
	}
	if sched.Pending() != 0 {
		t.Fatalf("network timer should be stopped after recovery")
	}
	if got := counterValue(t, collector, "test_network_pauses_total"); got != 1 {
		t.Fatalf("network pauses=%v want=1", got)
	}
	if got := counterValue(t, collector, "test_download_groups_completed_total"); got != 1 {
		t.Fatalf("groups completed=%v want=1", got)
	}
}

func counterValue(t *testing.T, c *metrics.Collector, name string) float64 {
	t.Helper()
	families, err := c.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		var total float64
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
		return total
	}
	return 0
}

// newFlakyServer answers HEAD requests unless down is set, in which case it
// drops the connection without a response.
func newFlakyServer(t *testing.T, down *atomic.Bool, checks *atomic.Int64) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		checks.Add(1)
		if !down.Load() {
			return
		}
		conn, _, err := w.(http.Hijacker).Hijack()
		if err == nil {
			conn.Close()
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestHTTPNetworkPausesQueueUntilServerAnswers(t *testing.T) {
	var down atomic.Bool
	var checks atomic.Int64
	down.Store(true)
	server := newFlakyServer(t, &down, &checks)

	sched := scheduler.NewManual()
	f := newFakeFetcher()
	f.fail["a"] = 1
	q := newTestQueue(t, f, Config{Scheduler: sched, Network: platform.NewHTTPNetwork(server.URL)})

	done := make(chan error, 1)
	go func() {
		done <- q.DownloadGroupAndWait(context.Background(), "g", []string{"a"}, false)
	}()
	waitFor(t, "network pause", q.Paused)
	if got := checks.Load(); got != 1 {
		t.Fatalf("checks after failure=%d want=1", got)
	}

	sched.Advance(time.Second)
	if got := checks.Load(); got != 1 {
		t.Fatalf("checks before third tick=%d want=1", got)
	}
	sched.Advance(500 * time.Millisecond)
	if got := checks.Load(); got != 2 {
		t.Fatalf("checks after third tick=%d want=2", got)
	}
	if !q.Paused() || f.callCount("a") != 1 {
		t.Fatalf("queue should stay paused while the server is unreachable")
	}

	down.Store(false)
	// sixth tick checks again, the seventh sees the server up and resumes
	sched.Advance(2 * time.Second)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("DownloadGroupAndWait failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("group never completed after the server came back")
	}
	if got := checks.Load(); got != 3 {
		t.Fatalf("checks=%d want=3", got)
	}
	if n := f.callCount("a"); n != 2 {
		t.Fatalf("download attempts=%d want=2", n)
	}
	if q.Paused() {
		t.Fatalf("queue should resume once the server answers")
	}
}

func TestQueueForcesResumeAfterGracePeriod(t *testing.T) {
	sched := scheduler.NewManual()
	network := &platform.StaticNetwork{}
	network.SetConnected(false)

	f := newFakeFetcher()
	f.fail["a"] = 1
	q := newTestQueue(t, f, Config{Scheduler: sched, Network: network})

	q.DownloadAsset(context.Background(), []string{"a"}, false)
	waitFor(t, "network pause", q.Paused)

	sched.Advance(4500 * time.Millisecond)
	if !q.Paused() || f.callCount("a") != 1 {
		t.Fatalf("queue resumed before the grace period")
	}
	sched.Advance(500 * time.Millisecond)
	waitFor(t, "forced retry", func() bool { return f.callCount("a") == 2 })
	if q.Paused() {
		t.Fatalf("queue should be unpaused after forced resume")
	}
}

func TestCloseCancelsInFlight(t *testing.T) {
	f := newFakeFetcher()
	f.gate = make(chan struct{})
	q := New(Config{Fetcher: f, FS: platform.NewLocalFS(t.TempDir())})

	q.DownloadAsset(context.Background(), []string{"a", "b", "c"}, false)
	waitFor(t, "downloads started", func() bool { return len(q.InFlight()) == 2 })
	q.Close()
	waitFor(t, "in-flight drained", func() bool { return len(q.InFlight()) == 0 })
	if len(q.Pending()) != 0 || f.callCount("c") != 0 {
		t.Fatalf("closed queue should not dispatch more work")
	}
}

func TestDownloadGroupAndWaitHonoursContext(t *testing.T) {
	f := newFakeFetcher()
	f.gate = make(chan struct{})
	q := newTestQueue(t, f, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.DownloadGroupAndWait(ctx, "slow", []string{"a"}, false)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v want deadline exceeded", err)
	}
}

func TestQueuePropertiesHoldForRandomBatches(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		maxConn := rapid.IntRange(1, 4).Draw(rt, "maxConn")
		names := rapid.SliceOfN(rapid.SampledFrom([]string{"a", "b", "c", "d", "e", "f", "g"}), 0, 12).Draw(rt, "urls")

		f := newFakeFetcher()
		q := New(Config{Fetcher: f, MaxConnections: maxConn})
		defer q.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(rt, q.DownloadGroupAndWait(ctx, "batch", names, rapid.Bool().Draw(rt, "immediate")))

		require.LessOrEqual(rt, f.peakActive(), maxConn)
		seen := make(map[string]bool)
		for _, u := range names {
			seen[u] = true
		}
		for u := range seen {
			require.Equal(rt, 1, f.callCount(u), "url %s", u)
		}
		require.Empty(rt, q.InFlight())
		require.Empty(rt, q.Pending())
	})
}
