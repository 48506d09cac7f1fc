// Package task implements the structured-concurrency supervisor from
// spec.md §9: a Task runs on its own goroutine, may register children
// that are terminated and joined in turn when it exits, and reports
// its first error (if any) to anyone waiting via Join/Err.
package task

import (
	"context"
	"errors"
	"sync"

	"github.com/AllSeeingEyeTolledEweSew/tvaf-ftp/internal/tvlog"
)

// ErrPrematureTermination is the error recorded when a forever Task's
// RunFunc returns nil without Terminate having been called first.
var ErrPrematureTermination = errors.New("task: premature termination")

// RunFunc is the body of a Task. It should run until ctx is cancelled
// (Terminate cancels it) and return promptly afterward.
type RunFunc func(ctx context.Context) error

// Callback is invoked once a Task has fully terminated (itself and
// every child joined).
type Callback func(t *Task)

// Task supervises one goroutine and, transitively through AddChild,
// every goroutine it spawns.
type Task struct {
	title   string
	run     RunFunc
	forever bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu            sync.Mutex
	err           error
	children      []*Task
	callbacks     []Callback
	callbacksDone bool
}

// New creates a Task named title. If forever is true, run returning
// nil before Terminate is called is itself treated as a fatal error
// (ErrPrematureTermination) — the expected shape for a subsystem loop
// meant to run until shutdown.
func New(parent context.Context, title string, forever bool, run RunFunc) *Task {
	ctx, cancel := context.WithCancel(parent)
	return &Task{
		title:   title,
		run:     run,
		forever: forever,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Start launches the Task's goroutine. Must be called at most once.
func (t *Task) Start() {
	go t.runWrapper()
}

func (t *Task) runWrapper() {
	tvlog.Debugf(t.title, "task: starting")
	err := t.run(t.ctx)
	if err == nil && t.forever && t.ctx.Err() == nil {
		err = ErrPrematureTermination
	}
	if err != nil {
		tvlog.Errorf(t.title, "task: fatal error: %v", err)
		t.Terminate(err)
	} else {
		tvlog.Debugf(t.title, "task: shutdown complete")
	}

	children := t.snapshotChildren()
	for i := len(children) - 1; i >= 0; i-- {
		children[i].Terminate(nil)
	}
	for i := len(children) - 1; i >= 0; i-- {
		children[i].Join()
	}

	t.mu.Lock()
	callbacks := t.callbacks
	t.callbacks = nil
	t.callbacksDone = true
	t.mu.Unlock()
	close(t.done)
	for _, cb := range callbacks {
		t.safeCallback(cb)
	}
}

func (t *Task) safeCallback(cb Callback) {
	defer func() {
		if r := recover(); r != nil {
			tvlog.Errorf(t.title, "task: done callback panic: %v", r)
		}
	}()
	cb(t)
}

// AddChild registers child as a dependent of t: when t terminates, it
// terminates and joins child too, and if child fails on its own, t is
// terminated with child's error (terminate-on-error propagation, the
// structured-concurrency contract).
func (t *Task) AddChild(child *Task, start bool) {
	t.mu.Lock()
	t.children = append(t.children, child)
	t.mu.Unlock()

	child.AddDoneCallback(func(c *Task) {
		if err := c.Err(); err != nil {
			t.Terminate(err)
		}
	})
	if start {
		child.Start()
	}
}

func (t *Task) snapshotChildren() []*Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Task, len(t.children))
	copy(out, t.children)
	return out
}

// Terminate requests t's context be cancelled, optionally recording
// err as the Task's terminal error (first call wins). Safe to call
// more than once and from any goroutine, including t's own.
func (t *Task) Terminate(err error) {
	t.mu.Lock()
	if err != nil && t.err == nil {
		t.err = err
	}
	t.mu.Unlock()
	t.cancel()
}

// Join blocks until t and every descendant it spawned via AddChild
// has fully exited.
func (t *Task) Join() {
	<-t.done
}

// Err returns t's terminal error, if any. Safe to call before Join
// returns, though the result may still change until then.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// AddDoneCallback registers cb to run once t has fully terminated. If
// t has already terminated, cb runs immediately on the calling
// goroutine instead.
func (t *Task) AddDoneCallback(cb Callback) {
	t.mu.Lock()
	if !t.callbacksDone {
		t.callbacks = append(t.callbacks, cb)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	t.safeCallback(cb)
}
