// Package task implements a composable asynchronous unit of work with
// begin/pause/resume/stop/timeout semantics and parent/child notification.
package task

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/caedis/bundle-sync/internal/logging"
	"github.com/caedis/bundle-sync/internal/metrics"
	"github.com/caedis/bundle-sync/internal/scheduler"
)

type State int

const (
	Wait State = iota
	Doing
	Pause
	Complete
)

func (s State) String() string {
	switch s {
	case Wait:
		return "wait"
	case Doing:
		return "doing"
	case Pause:
		return "pause"
	case Complete:
		return "complete"
	default:
		return "unknown"
	}
}

var transitions = map[State][]State{
	Wait:     {Doing},
	Doing:    {Pause, Complete, Wait},
	Pause:    {Doing, Complete, Wait},
	Complete: nil,
}

func canTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

type Outcome int

const (
	None Outcome = iota
	Succeeded
	Failed
	Stopped
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "success"
	case Failed:
		return "fail"
	case Stopped:
		return "stopped"
	default:
		return "none"
	}
}

var (
	ErrStopped        = errors.New("task stopped")
	ErrTimeout        = errors.New("task timed out")
	ErrFailed         = errors.New("task failed")
	ErrAlreadyStarted = errors.New("task already started")
)

// Handlers are the callbacks passed to Begin. Nil fields are skipped.
type Handlers struct {
	OnSuccess  func(*Task)
	OnFail     func(*Task)
	OnComplete func(*Task)
}

// Behavior supplies a task's work. OnBegin runs synchronously inside Begin
// and should start any blocking work on its own goroutine, finishing the
// task with Succeed or Fail.
type Behavior interface {
	OnBegin(t *Task)
}

type Pauser interface{ OnPause(t *Task) }

type Resumer interface{ OnResume(t *Task) }

type Stopper interface{ OnStop(t *Task) }

// Completer runs when the task completes, before any handler.
type Completer interface{ OnComplete(t *Task) }

// ChildObserver receives the outcome of child tasks. A parent is never
// completed automatically.
type ChildObserver interface {
	ChildSucceeded(parent, child *Task)
	ChildFailed(parent, child *Task)
	ChildCompleted(parent, child *Task)
}

// BehaviorFunc adapts a function to Behavior.
type BehaviorFunc func(t *Task)

func (f BehaviorFunc) OnBegin(t *Task) { f(t) }

// Env carries the collaborators shared by a tree of tasks.
type Env struct {
	Registry  *Registry
	Scheduler scheduler.Scheduler
	Metrics   *metrics.Collector
}

type Task struct {
	name     string
	behavior Behavior
	env      Env

	mu         sync.Mutex
	state      State
	outcome    Outcome
	err        error
	id         string
	handlers   Handlers
	children   []*Task
	parent     *Task
	timeout    scheduler.Handle
	timeoutGen int
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

func New(name string, behavior Behavior, env Env) *Task {
	if env.Scheduler == nil {
		env.Scheduler = scheduler.Real{}
	}
	if behavior == nil {
		behavior = BehaviorFunc(func(*Task) {})
	}
	return &Task{
		name:     name,
		behavior: behavior,
		env:      env,
		done:     make(chan struct{}),
		ctx:      context.Background(),
	}
}

func (t *Task) Name() string { return t.name }

func (t *Task) Env() Env { return t.env }

// ID is the running ID assigned by the last Begin.
func (t *Task) ID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.id
}

func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Task) Outcome() Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outcome
}

// Err is nil after success, ErrStopped after Stop, and the failure cause
// (wrapping ErrFailed or ErrTimeout) after failure.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Context is cancelled when the task stops or completes.
func (t *Task) Context() context.Context {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ctx
}

// Done is closed when the current run stops or completes.
func (t *Task) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

// Wait blocks until the task stops or completes and returns Err.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.Done():
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Task) Parent() *Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.parent
}

func (t *Task) Children() []*Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.children)
}

// AddChild attaches child, detaching it from any previous parent.
func (t *Task) AddChild(child *Task) {
	if child == nil || child == t {
		return
	}
	t.mu.Lock()
	if slices.Contains(t.children, child) {
		t.mu.Unlock()
		return
	}
	t.children = append(t.children, child)
	t.mu.Unlock()

	child.mu.Lock()
	old := child.parent
	child.parent = t
	child.mu.Unlock()
	if old != nil && old != t {
		old.mu.Lock()
		old.children = slices.DeleteFunc(old.children, func(c *Task) bool { return c == child })
		old.mu.Unlock()
	}
}

func (t *Task) RemoveChild(child *Task) {
	t.mu.Lock()
	i := slices.Index(t.children, child)
	if i < 0 {
		t.mu.Unlock()
		return
	}
	t.children = slices.Delete(t.children, i, i+1)
	t.mu.Unlock()

	child.mu.Lock()
	if child.parent == t {
		child.parent = nil
	}
	child.mu.Unlock()
}

// IsComplete reports whether the task and every child have completed.
func (t *Task) IsComplete() bool {
	t.mu.Lock()
	complete := t.state == Complete
	children := slices.Clone(t.children)
	t.mu.Unlock()
	if !complete {
		return false
	}
	for _, c := range children {
		if !c.IsComplete() {
			return false
		}
	}
	return true
}

// Begin moves the task from Wait to Doing, assigns a new running ID and
// runs the behavior's OnBegin. ctx bounds the task's Context.
func (t *Task) Begin(ctx context.Context, h Handlers) (string, error) {
	t.mu.Lock()
	if t.state != Wait {
		state := t.state
		t.mu.Unlock()
		return "", fmt.Errorf("%w: %s is %s", ErrAlreadyStarted, t.name, state)
	}
	t.state = Doing
	t.outcome = None
	t.err = nil
	t.handlers = h
	t.id = uuid.NewString()
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.done = make(chan struct{})
	id := t.id
	t.mu.Unlock()

	t.env.Registry.add(t)
	logging.Debugf("Verbose: task %s begin id=%s", t.name, id)
	t.behavior.OnBegin(t)
	return id, nil
}

// Pause moves a Doing task and its children to Pause.
func (t *Task) Pause() {
	if !t.move(Doing, Pause) {
		return
	}
	for _, c := range t.Children() {
		c.Pause()
	}
	if p, ok := t.behavior.(Pauser); ok {
		p.OnPause(t)
	}
}

// Resume moves a paused task and its children back to Doing.
func (t *Task) Resume() {
	if !t.move(Pause, Doing) {
		return
	}
	for _, c := range t.Children() {
		c.Resume()
	}
	if r, ok := t.behavior.(Resumer); ok {
		r.OnResume(t)
	}
}

func (t *Task) move(from, to State) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != from || !canTransition(from, to) {
		return false
	}
	t.state = to
	return true
}

// Stop returns a running task to Wait, cascading to its children. Wait and
// Complete tasks are left alone. Downloads already queued are not cancelled.
func (t *Task) Stop() {
	t.mu.Lock()
	if t.state != Doing && t.state != Pause {
		t.mu.Unlock()
		return
	}
	t.state = Wait
	t.outcome = Stopped
	t.err = ErrStopped
	timeout := t.clearTimeoutLocked()
	children := slices.Clone(t.children)
	cancel, done := t.cancel, t.done
	t.mu.Unlock()

	t.env.Registry.remove(t)
	if timeout != nil {
		timeout.Stop()
	}
	for _, c := range children {
		c.Stop()
	}
	if s, ok := t.behavior.(Stopper); ok {
		s.OnStop(t)
	}
	logging.Debugf("Verbose: task %s stopped", t.name)
	t.env.Metrics.RecordTask(t.name, Stopped.String())
	cancel()
	close(done)
}

// SetTimeout fails the task with ErrTimeout after d unless it completes
// first. A later call replaces the earlier timeout.
func (t *Task) SetTimeout(d time.Duration) {
	t.mu.Lock()
	old := t.clearTimeoutLocked()
	t.timeoutGen++
	gen := t.timeoutGen
	t.timeout = t.env.Scheduler.AfterFunc(d, func() { t.onTimeout(gen) })
	t.mu.Unlock()
	if old != nil {
		old.Stop()
	}
}

func (t *Task) CancelTimeout() {
	t.mu.Lock()
	h := t.clearTimeoutLocked()
	t.mu.Unlock()
	if h != nil {
		h.Stop()
	}
}

func (t *Task) clearTimeoutLocked() scheduler.Handle {
	h := t.timeout
	t.timeout = nil
	t.timeoutGen++
	return h
}

func (t *Task) onTimeout(gen int) {
	t.mu.Lock()
	if gen != t.timeoutGen {
		t.mu.Unlock()
		return
	}
	t.timeout = nil
	t.mu.Unlock()
	logging.Warnf("Task %s timed out", t.name)
	t.Fail(ErrTimeout)
}

// Succeed completes a running task successfully. Calls on tasks that are
// not Doing or Pause are ignored.
func (t *Task) Succeed() {
	t.finish(Succeeded, nil)
}

// Fail completes a running task with cause. A nil cause becomes ErrFailed.
func (t *Task) Fail(cause error) {
	if cause == nil {
		cause = ErrFailed
	} else if !errors.Is(cause, ErrFailed) && !errors.Is(cause, ErrTimeout) {
		cause = fmt.Errorf("%w: %w", ErrFailed, cause)
	}
	t.finish(Failed, cause)
}

func (t *Task) finish(outcome Outcome, err error) {
	t.mu.Lock()
	if !canTransition(t.state, Complete) {
		t.mu.Unlock()
		return
	}
	t.state = Complete
	t.outcome = outcome
	t.err = err
	timeout := t.clearTimeoutLocked()
	h := t.handlers
	parent := t.parent
	cancel, done := t.cancel, t.done
	t.mu.Unlock()

	t.env.Registry.remove(t)
	if timeout != nil {
		timeout.Stop()
	}
	if c, ok := t.behavior.(Completer); ok {
		c.OnComplete(t)
	}

	if outcome == Succeeded {
		logging.Debugf("Verbose: task %s succeeded", t.name)
		if h.OnSuccess != nil {
			h.OnSuccess(t)
		}
	} else {
		logging.Debugf("Verbose: task %s failed: %v", t.name, err)
		if h.OnFail != nil {
			h.OnFail(t)
		}
	}
	if h.OnComplete != nil {
		h.OnComplete(t)
	}

	if parent != nil {
		if obs, ok := parent.behavior.(ChildObserver); ok {
			if outcome == Succeeded {
				obs.ChildSucceeded(parent, t)
			} else {
				obs.ChildFailed(parent, t)
			}
			obs.ChildCompleted(parent, t)
		}
	}

	t.env.Metrics.RecordTask(t.name, outcome.String())
	cancel()
	close(done)
}

// Join returns a function that runs fn on its n-th call; further calls
// do nothing. With n <= 0, fn runs immediately and the returned function
// is a no-op.
func Join(n int, fn func()) (done func()) {
	if n <= 0 {
		fn()
		return func() {}
	}
	var mu sync.Mutex
	remaining := n
	return func() {
		mu.Lock()
		remaining--
		fire := remaining == 0
		mu.Unlock()
		if fire {
			fn()
		}
	}
}
