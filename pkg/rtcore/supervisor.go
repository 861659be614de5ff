package rtcore

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc"
	"go.uber.org/multierr"
)

var supervisorNameCounter atomic.Uint64

// errSupervisorCancelled is the cause attached to a task's context when
// the supervisor cancels it, either because a sibling failed or because
// Cancel/Wait was asked to. A task's function must return
// context.Cause(ctx) when ctx.Done() fires, the same convention
// Operation[T] uses for WaitFor; the supervisor uses that return value
// to tell "this task was cancelled by us" apart from "this task failed".
var errSupervisorCancelled = errors.New("supervisor cancelled task")

// PanicError wraps a panic recovered from inside a supervised task. It
// is this implementation's analogue of Python's "base error" (a
// BaseException that is not a plain Exception): encountering one
// short-circuits aggregation and is re-raised alone.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in supervised task: %v", e.Value)
}

// Task is a handle to a single child spawned by CreateTask.
type Task struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	done   bool
}

// Context returns the task's context; the task's function must select
// on ctx.Done() and return context.Cause(ctx) when it fires.
func (t *Task) Context() context.Context { return t.ctx }

// Supervisor is a structured-concurrency group: it owns a set of child
// tasks, aggregates their failures, and cancels every other child the
// moment one fails.
type Supervisor struct {
	name      string
	parentCtx context.Context
	metrics   *Metrics

	mu          sync.Mutex
	unfinished  int
	cancelled   bool
	tasks       map[*Task]struct{}
	errors      []error
	baseError   error
	completedCh chan struct{}

	wg conc.WaitGroup
}

// NewSupervisor creates a Supervisor whose children are derived from
// parentCtx. If name is empty, a sequential name is generated.
func NewSupervisor(parentCtx context.Context, name string) *Supervisor {
	if name == "" {
		name = fmt.Sprintf("sup#%d", supervisorNameCounter.Add(1))
	}
	return &Supervisor{
		name:      name,
		parentCtx: parentCtx,
		tasks:     map[*Task]struct{}{},
	}
}

// SetMetrics attaches the metric set that onTaskDone increments when a
// child task fails. Safe to call once, before any CreateTask.
func (s *Supervisor) SetMetrics(m *Metrics) {
	s.metrics = m
}

func (s *Supervisor) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := fmt.Sprintf("<Supervisor %q", s.name)
	if len(s.tasks) > 0 {
		msg += fmt.Sprintf(" tasks:%d", len(s.tasks))
	}
	if s.unfinished > 0 {
		msg += fmt.Sprintf(" unfinished:%d", s.unfinished)
	}
	if len(s.errors) > 0 {
		msg += fmt.Sprintf(" errors:%d", len(s.errors))
	}
	if s.cancelled {
		msg += " cancelling"
	}
	return msg + ">"
}

// CreateTask spawns fn as a supervised child. It fails if the
// supervisor is already cancelling.
func (s *Supervisor) CreateTask(fn func(ctx context.Context) error) (*Task, error) {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return nil, fmt.Errorf("supervisor %q has already been cancelled", s.name)
	}

	taskCtx, cancel := context.WithCancelCause(s.parentCtx)
	t := &Task{ctx: taskCtx, cancel: cancel}
	s.tasks[t] = struct{}{}
	s.unfinished++
	s.mu.Unlock()

	s.wg.Go(func() {
		err := runCatchingPanic(fn, taskCtx)
		s.onTaskDone(t, err)
	})

	return t, nil
}

func runCatchingPanic(fn func(context.Context) error, ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn(ctx)
}

func (s *Supervisor) onTaskDone(t *Task, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.unfinished--
	if s.unfinished < 0 {
		panic("supervisor unfinished task counter went negative")
	}
	t.done = true
	delete(s.tasks, t)

	if s.completedCh != nil && s.unfinished == 0 {
		select {
		case <-s.completedCh:
		default:
			close(s.completedCh)
		}
	}

	if err == nil || errors.Is(err, errSupervisorCancelled) {
		return
	}

	s.errors = append(s.errors, err)
	if s.metrics != nil {
		s.metrics.SupervisorErrors.Inc()
	}

	var panicErr *PanicError
	if errors.As(err, &panicErr) && s.baseError == nil {
		s.baseError = err
	}

	s.cancelChildrenLocked()
}

// Cancel marks the supervisor cancelled, requests cancellation on every
// non-done child, and waits for them to finish. It reports a
// CancelledError if any work was in flight.
func (s *Supervisor) Cancel(ctx context.Context) error {
	s.mu.Lock()
	s.cancelChildrenLocked()
	hadWork := s.unfinished > 0
	s.mu.Unlock()

	if hadWork {
		s.awaitChildren(ctx)
		return &CancelledError{}
	}
	return nil
}

func (s *Supervisor) cancelChildrenLocked() {
	s.cancelled = true
	for t := range s.tasks {
		if !t.done {
			t.cancel(errSupervisorCancelled)
		}
	}
}

// Wait returns once every child has reached a terminal state. If a
// child raised a PanicError (a base/uncatchable failure), that error is
// returned alone. Otherwise, if one or more children failed, their
// errors are combined into a single multi-error. If ctx is cancelled
// before children finish, every child is cancelled, Wait continues
// waiting for them to actually finish, and then returns a
// CancelledError.
func (s *Supervisor) Wait(ctx context.Context) error {
	wasCancelled := s.awaitChildren(ctx)
	if wasCancelled {
		return &CancelledError{}
	}

	s.mu.Lock()
	baseErr := s.baseError
	errs := s.errors
	// Clear the captured list before returning so the caller, not the
	// supervisor, retains the (potentially large) error graph.
	s.errors = nil
	s.mu.Unlock()

	if baseErr != nil {
		return baseErr
	}
	if len(errs) > 0 {
		return multierr.Combine(errs...)
	}
	return nil
}

// awaitChildren blocks until unfinished reaches zero, returning true if
// ctx was cancelled at any point along the way. The outer loop mirrors
// the source's repeated-cancellation handling: our own completion
// signal can observe a cancellation more than once if the caller's
// context is already done while children are still unwinding.
func (s *Supervisor) awaitChildren(ctx context.Context) bool {
	wasCancelled := false

	for {
		s.mu.Lock()
		if s.unfinished == 0 {
			s.mu.Unlock()
			break
		}
		if s.completedCh == nil {
			s.completedCh = make(chan struct{})
		}
		ch := s.completedCh
		s.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			wasCancelled = true
			s.mu.Lock()
			s.cancelChildrenLocked()
			s.mu.Unlock()
			<-ch
		}

		s.mu.Lock()
		s.completedCh = nil
		s.mu.Unlock()
	}

	s.wg.Wait()
	return wasCancelled
}
