package downloader

import (
	"context"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/caedis/bundle-sync/internal/logging"
	"github.com/caedis/bundle-sync/internal/metrics"
	"github.com/caedis/bundle-sync/internal/platform"
	"github.com/caedis/bundle-sync/internal/scheduler"
)

type State int

const (
	Wait State = iota + 1
	Loading
	Loaded
	Fail
)

func (s State) String() string {
	switch s {
	case Wait:
		return "wait"
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	case Fail:
		return "fail"
	default:
		return "unknown"
	}
}

const (
	DefaultMaxConnections = 2

	networkCheckInterval = 500 * time.Millisecond
	// every Nth recovery tick checks connectivity again
	networkRefreshEvery = 3
	// after this long without connectivity the queue resumes anyway
	networkGracePeriod = 5 * time.Second
)

// Fetcher performs the actual network download of a relative URL.
type Fetcher interface {
	Download(ctx context.Context, rel string) (string, error)
}

// Listener receives queue events. Nil fields are skipped. Callbacks run
// outside the queue lock and may call back into the queue.
type Listener struct {
	OnSuccess       func(url, path string)
	OnFail          func(url string, err error)
	OnGroupProgress func(group string, percent int)
	OnGroupComplete func(group string, urls []string)
}

type Config struct {
	Fetcher   Fetcher
	FS        platform.FileSystem
	Network   platform.Network
	Scheduler scheduler.Scheduler
	Metrics   *metrics.Collector
	// MaxConnections defaults to DefaultMaxConnections when zero.
	MaxConnections int
}

type group struct {
	urls   []string
	states map[string]State
}

// Queue is the process-wide download pipeline: a single pending queue,
// a global connection cap, and named groups tracking per-URL state.
// Failed downloads are retried without limit once connectivity returns.
type Queue struct {
	fetcher Fetcher
	fs      platform.FileSystem
	network platform.Network
	sched   scheduler.Scheduler
	metrics *metrics.Collector

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	maxConn      int
	pending      []string
	inFlight     map[string]struct{}
	retry        []string
	groups       map[string]*group
	groupOrder   []string
	paused       bool
	closed       bool
	networkTimer scheduler.Handle

	listenerMu   sync.Mutex
	listeners    map[int]Listener
	nextListener int
}

func New(cfg Config) *Queue {
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = DefaultMaxConnections
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = scheduler.Real{}
	}
	if cfg.Network == nil {
		cfg.Network = &platform.StaticNetwork{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		fetcher:   cfg.Fetcher,
		fs:        cfg.FS,
		network:   cfg.Network,
		sched:     cfg.Scheduler,
		metrics:   cfg.Metrics,
		ctx:       ctx,
		cancel:    cancel,
		maxConn:   cfg.MaxConnections,
		inFlight:  make(map[string]struct{}),
		groups:    make(map[string]*group),
		listeners: make(map[int]Listener),
	}
}

// AddListener subscribes l and returns a function that unsubscribes it.
func (q *Queue) AddListener(l Listener) (remove func()) {
	q.listenerMu.Lock()
	defer q.listenerMu.Unlock()
	id := q.nextListener
	q.nextListener++
	q.listeners[id] = l
	return func() {
		q.listenerMu.Lock()
		defer q.listenerMu.Unlock()
		delete(q.listeners, id)
	}
}

type event func(Listener)

func (q *Queue) emit(events []event) {
	if len(events) == 0 {
		return
	}
	q.listenerMu.Lock()
	ids := make([]int, 0, len(q.listeners))
	for id := range q.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	ls := make([]Listener, 0, len(ids))
	for _, id := range ids {
		ls = append(ls, q.listeners[id])
	}
	q.listenerMu.Unlock()

	for _, ev := range events {
		for _, l := range ls {
			ev(l)
		}
	}
}

// SetMaxConnectCount changes the concurrency cap and fills any freed slots.
func (q *Queue) SetMaxConnectCount(n int) {
	if n < 0 {
		n = 0
	}
	q.mu.Lock()
	if q.maxConn == n {
		q.mu.Unlock()
		return
	}
	logging.Debugf("Verbose: download connections %d -> %d", q.maxConn, n)
	q.maxConn = n
	starts := q.checkBeginDownloadLocked()
	q.mu.Unlock()
	q.launch(starts)
}

func (q *Queue) MaxConnectCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.maxConn
}

// InFlight returns the URLs currently being fetched, sorted.
func (q *Queue) InFlight() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	urls := make([]string, 0, len(q.inFlight))
	for u := range q.inFlight {
		urls = append(urls, u)
	}
	slices.Sort(urls)
	return urls
}

// Pending returns the queued URLs in dispatch order.
func (q *Queue) Pending() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.pending)
}

// Idle reports whether nothing is queued, in flight, or waiting for a retry.
func (q *Queue) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) == 0 && len(q.inFlight) == 0 && len(q.retry) == 0
}

func (q *Queue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// GroupStates returns a snapshot of a live group, or nil if it is not tracked.
func (q *Queue) GroupStates(name string) map[string]State {
	q.mu.Lock()
	defer q.mu.Unlock()
	g, ok := q.groups[name]
	if !ok {
		return nil
	}
	out := make(map[string]State, len(g.states))
	for u, s := range g.states {
		out[u] = s
	}
	return out
}

// Close cancels in-flight fetches and stops accepting work.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.pending = nil
	q.retry = nil
	if q.networkTimer != nil {
		q.networkTimer.Stop()
		q.networkTimer = nil
	}
	q.cancel()
}

// DownloadAsset queues urls. URLs already present in local storage complete
// immediately; the rest go to the tail of the queue, or to its head (in
// their given order) when immediate is set.
func (q *Queue) DownloadAsset(ctx context.Context, urls []string, immediate bool) {
	var missing []string
	var events []event
	for _, u := range urls {
		if q.fs != nil && q.fs.Access(ctx, u) {
			full := filepath.Join(q.fs.Root(), filepath.FromSlash(u))
			q.mu.Lock()
			events = append(events, q.completeLocked(u, full, nil, false)...)
			q.mu.Unlock()
			continue
		}
		missing = append(missing, u)
	}
	q.emit(events)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.enqueueLocked(missing, immediate)
	starts := q.checkBeginDownloadLocked()
	q.mu.Unlock()
	q.launch(starts)
}

// DownloadAssetGroup registers urls under name, merging into an existing
// group, then queues them. An empty list completes the group at once.
func (q *Queue) DownloadAssetGroup(ctx context.Context, name string, urls []string, immediate bool) {
	if len(urls) == 0 {
		q.emit([]event{groupComplete(name, nil)})
		return
	}

	q.mu.Lock()
	g, ok := q.groups[name]
	if !ok {
		g = &group{states: make(map[string]State, len(urls))}
		q.groups[name] = g
		q.groupOrder = append(q.groupOrder, name)
	}
	for _, u := range urls {
		if _, exists := g.states[u]; exists {
			continue
		}
		g.urls = append(g.urls, u)
		g.states[u] = Wait
	}
	q.mu.Unlock()

	logging.Debugf("Verbose: download group %s files=%d immediate=%t", name, len(urls), immediate)
	q.DownloadAsset(ctx, urls, immediate)
}

// DownloadGroupAndWait queues a group and blocks until it completes or ctx ends.
func (q *Queue) DownloadGroupAndWait(ctx context.Context, name string, urls []string, immediate bool) error {
	done := make(chan struct{})
	var once sync.Once
	remove := q.AddListener(Listener{
		OnGroupComplete: func(g string, _ []string) {
			if g == name {
				once.Do(func() { close(done) })
			}
		},
	})
	defer remove()

	q.DownloadAssetGroup(ctx, name, urls, immediate)

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) enqueueLocked(urls []string, immediate bool) {
	var batch []string
	for _, u := range urls {
		if _, busy := q.inFlight[u]; busy {
			continue
		}
		if i := slices.Index(q.pending, u); i >= 0 {
			if !immediate {
				continue
			}
			q.pending = slices.Delete(q.pending, i, i+1)
		}
		if slices.Contains(batch, u) {
			continue
		}
		batch = append(batch, u)
	}
	if immediate {
		q.pending = append(batch, q.pending...)
	} else {
		q.pending = append(q.pending, batch...)
	}
}

func (q *Queue) checkBeginDownloadLocked() []string {
	var starts []string
	for !q.paused && !q.closed && len(q.inFlight) < q.maxConn && len(q.pending) > 0 {
		u := q.pending[0]
		q.pending = q.pending[1:]
		if _, busy := q.inFlight[u]; busy {
			continue
		}
		q.inFlight[u] = struct{}{}
		q.markLoadingLocked(u)
		starts = append(starts, u)
	}
	q.metrics.SetQueueDepth(len(q.inFlight), len(q.pending))
	return starts
}

func (q *Queue) markLoadingLocked(u string) {
	for _, name := range q.groupOrder {
		g := q.groups[name]
		if s, ok := g.states[u]; ok && s != Loaded {
			g.states[u] = Loading
		}
	}
}

func (q *Queue) launch(urls []string) {
	for _, u := range urls {
		go func(u string) {
			path, err := q.fetcher.Download(q.ctx, u)
			q.onAssetLoadComplete(u, path, err)
		}(u)
	}
}

// onAssetLoadComplete refreshes connectivity on every failure so the queue
// pauses as soon as the network reports down.
func (q *Queue) onAssetLoadComplete(u, path string, err error) {
	if err != nil && q.ctx.Err() == nil {
		q.network.Refresh(q.ctx)
	}

	q.mu.Lock()
	events := q.completeLocked(u, path, err, true)
	starts := q.checkBeginDownloadLocked()
	q.mu.Unlock()

	q.emit(events)
	q.launch(starts)
}

// completeLocked records the outcome of u and returns the events to emit.
// dispatched is false for files found locally, which never held a connection.
func (q *Queue) completeLocked(u, path string, err error, dispatched bool) []event {
	if dispatched {
		delete(q.inFlight, u)
	}
	q.metrics.RecordDownload(err == nil)

	var events []event
	if err == nil {
		events = append(events, func(l Listener) {
			if l.OnSuccess != nil {
				l.OnSuccess(u, path)
			}
		})
	} else {
		logging.Debugf("Verbose: download failed url=%s: %v", u, err)
		events = append(events, func(l Listener) {
			if l.OnFail != nil {
				l.OnFail(u, err)
			}
		})
		if !q.closed {
			if !slices.Contains(q.retry, u) {
				q.retry = append(q.retry, u)
			}
			if !q.network.Connected() && !q.paused {
				logging.Warnf("Network unavailable, pausing downloads")
				q.paused = true
				q.metrics.RecordNetworkPause()
			}
			if q.networkTimer == nil {
				q.networkTimer = q.sched.Every(networkCheckInterval, q.onCheckNetworkTimer)
			}
		}
	}

	return append(events, q.updateGroupsLocked(u, err == nil)...)
}

func (q *Queue) updateGroupsLocked(u string, success bool) []event {
	var events []event
	for _, name := range slices.Clone(q.groupOrder) {
		g := q.groups[name]
		if _, ok := g.states[u]; !ok {
			continue
		}
		if !success {
			g.states[u] = Fail
			continue
		}
		g.states[u] = Loaded

		loaded := 0
		for _, s := range g.states {
			if s == Loaded {
				loaded++
			}
		}
		total := len(g.urls)
		events = append(events, groupProgress(name, loaded*100/total))

		if loaded == total {
			delete(q.groups, name)
			q.groupOrder = slices.DeleteFunc(q.groupOrder, func(n string) bool { return n == name })
			q.metrics.RecordGroupComplete()
			events = append(events, groupComplete(name, slices.Clone(g.urls)))
		}
	}
	return events
}

func groupProgress(name string, percent int) event {
	return func(l Listener) {
		if l.OnGroupProgress != nil {
			l.OnGroupProgress(name, percent)
		}
	}
}

func groupComplete(name string, urls []string) event {
	return func(l Listener) {
		if l.OnGroupComplete != nil {
			l.OnGroupComplete(name, urls)
		}
	}
}

// onCheckNetworkTimer runs every networkCheckInterval after a failure until
// connectivity returns or the grace period runs out, then requeues the
// failed URLs and resumes.
func (q *Queue) onCheckNetworkTimer(tick int, elapsed time.Duration) {
	connected := q.network.Connected()

	q.mu.Lock()
	if q.closed || q.networkTimer == nil {
		q.mu.Unlock()
		return
	}
	if connected || elapsed >= networkGracePeriod {
		if !connected {
			logging.Warnf("Network still unavailable after %s, resuming downloads anyway", elapsed)
		}
		q.networkTimer.Stop()
		q.networkTimer = nil
		retry := q.retry
		q.retry = nil
		q.paused = false
		q.enqueueLocked(retry, false)
		starts := q.checkBeginDownloadLocked()
		q.mu.Unlock()
		q.launch(starts)
		return
	}
	q.paused = true
	q.mu.Unlock()

	if tick%networkRefreshEvery == 0 {
		q.network.Refresh(q.ctx)
	}
}
