package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJoinWaitsForNormalCompletion(t *testing.T) {
	ran := make(chan struct{})
	tk := New(context.Background(), "t", false, func(ctx context.Context) error {
		close(ran)
		return nil
	})
	tk.Start()
	tk.Join()
	<-ran
	assert.NoError(t, tk.Err())
}

func TestForeverTaskReturningNilIsPrematureTermination(t *testing.T) {
	tk := New(context.Background(), "forever", true, func(ctx context.Context) error {
		return nil
	})
	tk.Start()
	tk.Join()
	assert.ErrorIs(t, tk.Err(), ErrPrematureTermination)
}

func TestForeverTaskGracefulOnTerminate(t *testing.T) {
	started := make(chan struct{})
	tk := New(context.Background(), "forever", true, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return nil
	})
	tk.Start()
	<-started
	tk.Terminate(nil)
	tk.Join()
	assert.NoError(t, tk.Err())
}

func TestTerminateCancelsContext(t *testing.T) {
	started := make(chan struct{})
	tk := New(context.Background(), "t", true, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	tk.Start()
	<-started
	tk.Terminate(nil)
	tk.Join()
}

// TestChildTerminatesOnParentTerminate verifies the structured-
// concurrency cascade: terminating the parent terminates and joins
// every child before the parent's own Join returns.
func TestChildTerminatesOnParentTerminate(t *testing.T) {
	childStarted := make(chan struct{})
	childDone := make(chan struct{})
	child := New(context.Background(), "child", true, func(ctx context.Context) error {
		close(childStarted)
		<-ctx.Done()
		close(childDone)
		return nil
	})

	parentStarted := make(chan struct{})
	parent := New(context.Background(), "parent", true, func(ctx context.Context) error {
		close(parentStarted)
		<-ctx.Done()
		return nil
	})
	parent.AddChild(child, true)
	parent.Start()

	<-parentStarted
	<-childStarted
	parent.Terminate(nil)
	parent.Join()

	select {
	case <-childDone:
	default:
		t.Fatal("child did not finish before parent.Join returned")
	}
}

// TestChildErrorPropagatesToParent verifies terminate-on-error: a
// failing child terminates its parent with the child's own error.
func TestChildErrorPropagatesToParent(t *testing.T) {
	childErr := errors.New("child failed")
	child := New(context.Background(), "child", false, func(ctx context.Context) error {
		return childErr
	})

	parentStarted := make(chan struct{})
	parent := New(context.Background(), "parent", true, func(ctx context.Context) error {
		close(parentStarted)
		<-ctx.Done()
		return nil
	})
	parent.AddChild(child, true)
	parent.Start()

	<-parentStarted
	parent.Join()
	assert.ErrorIs(t, parent.Err(), childErr)
}

// TestParentJoinWaitsForLastAddedChild verifies that terminating the
// parent terminates every child and that the parent's Join does not
// return until every child has exited. Each child blocks past
// ctx.Done() on its own gate, held closed until the test releases it:
// releasing "first" and "second" but withholding "third" must leave
// the parent un-joined. The order in which the children are joined is
// not observable here and is not checked.
func TestParentJoinWaitsForLastAddedChild(t *testing.T) {
	newGatedChild := func(name string, gate <-chan struct{}) *Task {
		started := make(chan struct{})
		return New(context.Background(), name, true, func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			<-gate
			return nil
		})
	}

	firstGate := make(chan struct{})
	secondGate := make(chan struct{})
	thirdGate := make(chan struct{})
	first := newGatedChild("first", firstGate)
	second := newGatedChild("second", secondGate)
	third := newGatedChild("third", thirdGate)

	parentStarted := make(chan struct{})
	parent := New(context.Background(), "parent", true, func(ctx context.Context) error {
		close(parentStarted)
		<-ctx.Done()
		return nil
	})
	parent.AddChild(first, true)
	parent.AddChild(second, true)
	parent.AddChild(third, true)
	parent.Start()
	<-parentStarted

	parentDone := make(chan struct{})
	go func() {
		parent.Terminate(nil)
		parent.Join()
		close(parentDone)
	}()

	close(firstGate)
	close(secondGate)
	select {
	case <-parentDone:
		t.Fatal("parent.Join returned before the last-added child (third) was released")
	case <-time.After(50 * time.Millisecond):
	}

	close(thirdGate)
	select {
	case <-parentDone:
	case <-time.After(time.Second):
		t.Fatal("parent.Join did not return after every child's gate was released")
	}
}

func TestAddDoneCallbackFiresImmediatelyIfAlreadyDone(t *testing.T) {
	tk := New(context.Background(), "t", false, func(ctx context.Context) error {
		return nil
	})
	tk.Start()
	tk.Join()

	called := make(chan struct{})
	tk.AddDoneCallback(func(*Task) { close(called) })

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("callback did not fire for already-done task")
	}
}
