package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/INLOpen/emberstore/core"
)

// ErrInterrupted is the cause recorded when a task is stopped because the
// query it belongs to was torn down, as opposed to being cancelled itself.
var ErrInterrupted = errors.New("task interrupted")

// Outcome classifies how a task ended.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeCancelled
	OutcomeTimeout
	OutcomeInterrupted
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeInterrupted:
		return "interrupted"
	case OutcomeError:
		return "error"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Classify maps a task error onto an Outcome. Cancellation and timeouts are
// kept apart from genuine failures.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, context.DeadlineExceeded):
		return OutcomeTimeout
	case errors.Is(err, ErrInterrupted):
		return OutcomeInterrupted
	case errors.Is(err, core.ErrCancelled), errors.Is(err, context.Canceled):
		return OutcomeCancelled
	default:
		return OutcomeError
	}
}

// Task is a runnable, cancellable unit of operator work. Cancellation is
// delivered through the context handed to the task body, which checks it at
// chunk boundaries and inside blocking buffer calls.
type Task struct {
	fn     func(ctx context.Context) error
	ctx    context.Context
	cancel context.CancelCauseFunc

	once      sync.Once
	done      chan struct{}
	cancelled atomic.Bool
	err       error
}

// NewTask wraps fn. The task does nothing until Run is called.
func NewTask(parent context.Context, fn func(ctx context.Context) error) *Task {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancelCause(parent)
	return &Task{fn: fn, ctx: ctx, cancel: cancel, done: make(chan struct{})}
}

// Run executes the task body on the calling goroutine. Only the first call
// has any effect. A task cancelled before it runs completes with the
// cancellation cause without running its body.
func (t *Task) Run() {
	t.once.Do(func() {
		defer close(t.done)
		defer t.cancel(nil)
		if err := context.Cause(t.ctx); err != nil {
			t.err = err
			return
		}
		err := t.fn(t.ctx)
		if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			if cause := context.Cause(t.ctx); cause != nil {
				err = cause
			}
		}
		t.err = err
	})
}

// Cancel asks the task to stop with core.ErrCancelled.
func (t *Task) Cancel() { t.CancelWithCause(core.ErrCancelled) }

// Interrupt asks the task to stop with ErrInterrupted.
func (t *Task) Interrupt() { t.CancelWithCause(ErrInterrupted) }

// CancelWithCause asks the task to stop with cause.
func (t *Task) CancelWithCause(cause error) {
	t.cancelled.Store(true)
	t.cancel(cause)
}

// Done is closed once the task has finished.
func (t *Task) Done() <-chan struct{} { return t.done }

// IsCancelled reports whether the task was asked to stop before it finished.
func (t *Task) IsCancelled() bool {
	if !t.cancelled.Load() {
		return false
	}
	select {
	case <-t.done:
		return t.err != nil
	default:
		return true
	}
}

// Err returns the task result. It is nil until the task has finished.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the task finishes or ctx ends.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get waits at most timeout for the task. On timeout the task is left
// running and an error wrapping context.DeadlineExceeded is returned.
func (t *Task) Get(timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-t.done:
		return t.err
	case <-timer.C:
		return fmt.Errorf("task not done after %s: %w", timeout, context.DeadlineExceeded)
	}
}
