// Package rtcore implements the runtime coordination core: the signal
// controller, task supervisor, and worker-process pool manager that keep
// a long-running server correct under signals, worker failures, and
// backend failovers.
package rtcore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// SignalError is raised by WaitFor when a registered signal arrives
// while the wrapped operation is still pending. Cause chains to the
// next-older SignalError (or CancelledError, or nil) so that a sequence
// of signals delivered during nested cleanup produces a fully ordered
// chain: the most recently delivered signal is the returned error, and
// each older one hangs off Cause.
type SignalError struct {
	Signo os.Signal
	Cause error
}

func (e *SignalError) Error() string {
	return fmt.Sprintf("operation cancelled by signal %v", e.Signo)
}

func (e *SignalError) Unwrap() error { return e.Cause }

// CancelledError wraps a WaitFor call cancelled by its own caller's
// context, as opposed to by a registered signal.
type CancelledError struct {
	Cause error
}

func (e *CancelledError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("operation cancelled: %v", e.Cause)
	}
	return "operation cancelled"
}

func (e *CancelledError) Unwrap() error { return e.Cause }

// waiter is the tagged variant shared by WaitFor (single-shot) and
// WaitForSignals (many-shot): the controller does not need to know
// which kind of waiter it is fanning a signal out to.
type waiter struct {
	mu     sync.Mutex
	multi  bool
	done   bool
	result os.Signal
	ready  chan struct{}
	items  []os.Signal
	notify chan struct{}
}

func newSingleWaiter() *waiter {
	return &waiter{ready: make(chan struct{})}
}

func newQueueWaiter() *waiter {
	return &waiter{multi: true, notify: make(chan struct{}, 1)}
}

func (w *waiter) isDone() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.done
}

// deliver fulfils the waiter with signo. A single-shot waiter only ever
// accepts its first delivery; a many-shot waiter enqueues every one.
func (w *waiter) deliver(signo os.Signal) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.multi {
		w.items = append(w.items, signo)
		select {
		case w.notify <- struct{}{}:
		default:
		}
		return
	}
	if w.done {
		return
	}
	w.done = true
	w.result = signo
	close(w.ready)
}

func (w *waiter) next(ctx context.Context) (os.Signal, error) {
	for {
		w.mu.Lock()
		if len(w.items) > 0 {
			signo := w.items[0]
			w.items = w.items[1:]
			w.mu.Unlock()
			return signo, nil
		}
		w.mu.Unlock()

		select {
		case <-w.notify:
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// waiterSet preserves registration order so that signal delivery is
// FIFO per controller per signal, as required by the design.
type waiterSet struct {
	order []*waiter
}

func (s *waiterSet) add(w *waiter) {
	s.order = append(s.order, w)
}

func (s *waiterSet) remove(w *waiter) {
	for i, x := range s.order {
		if x == w {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

// Process-wide signal registry: at most one OS-level handler is
// installed per signal, shared across every Controller registered for
// it. A Controller is itself the registrant; the registry just holds
// the set of controllers currently interested in a given signal.
var (
	registryMu sync.Mutex
	registry   = map[os.Signal]map[*Controller]struct{}{}
	relays     = map[os.Signal]chan os.Signal{}
)

func registerSignal(sig os.Signal, ctrl *Controller) {
	registryMu.Lock()
	defer registryMu.Unlock()

	controllers, ok := registry[sig]
	if !ok {
		controllers = map[*Controller]struct{}{}
		registry[sig] = controllers

		ch := make(chan os.Signal, 1)
		relays[sig] = ch
		signal.Notify(ch, sig)
		go relayLoop(sig, ch)
	}
	controllers[ctrl] = struct{}{}
}

func deregisterSignal(sig os.Signal, ctrl *Controller) {
	registryMu.Lock()
	defer registryMu.Unlock()

	controllers := registry[sig]
	if controllers == nil {
		return
	}
	delete(controllers, ctrl)
	if len(controllers) == 0 {
		delete(registry, sig)
		if ch, ok := relays[sig]; ok {
			signal.Stop(ch)
			delete(relays, sig)
		}
	}
}

func relayLoop(sig os.Signal, ch chan os.Signal) {
	for range ch {
		dispatchSignal(sig)
	}
}

func dispatchSignal(sig os.Signal) {
	registryMu.Lock()
	controllers := make([]*Controller, 0, len(registry[sig]))
	for c := range registry[sig] {
		controllers = append(controllers, c)
	}
	registryMu.Unlock()

	for _, c := range controllers {
		c.onSignal(sig)
	}
}

// Controller is a scoped resource parameterized by a set of signals. On
// Enter it registers with the process-wide registry; on Exit it
// deregisters. Between those calls, callers suspend work inside WaitFor
// so that any of the controller's signals can cancel it with a typed,
// chainable SignalError.
type Controller struct {
	signals []os.Signal
	metrics *Metrics
	logger  *Logger

	mu       sync.Mutex
	waiters  map[os.Signal]*waiterSet
	handlers map[os.Signal][]func(os.Signal)
}

// NewController creates a Controller for the given signals. Call Enter
// before waiting on anything and Exit (typically deferred) when done.
func NewController(signals ...os.Signal) *Controller {
	return &Controller{
		signals:  signals,
		waiters:  map[os.Signal]*waiterSet{},
		handlers: map[os.Signal][]func(os.Signal){},
	}
}

// SetMetrics attaches the metric set that onSignal increments per
// delivery. Safe to call once, before Enter.
func (c *Controller) SetMetrics(m *Metrics) {
	c.metrics = m
}

// SetLogger attaches the logger onSignal reports each delivery through.
// Safe to call once, before Enter.
func (c *Controller) SetLogger(l *Logger) {
	c.logger = l
}

// Enter registers the controller in the process-wide registry.
func (c *Controller) Enter() {
	for _, s := range c.signals {
		registerSignal(s, c)
	}
}

// Exit deregisters the controller. Exiting with outstanding waiters is
// a contract violation and logs a warning, matching the source
// implementation's behavior, rather than panicking.
func (c *Controller) Exit() {
	c.mu.Lock()
	outstanding := 0
	for _, set := range c.waiters {
		outstanding += len(set.order)
	}
	c.mu.Unlock()

	if outstanding > 0 {
		slog.Warn("signal controller exited with outstanding waiters", "count", outstanding)
	}

	for _, s := range c.signals {
		deregisterSignal(s, c)
	}
}

func (c *Controller) registerWaiter(sig os.Signal, w *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set := c.waiters[sig]
	if set == nil {
		set = &waiterSet{}
		c.waiters[sig] = set
	}
	set.add(w)
}

func (c *Controller) discardWaiter(sig os.Signal, w *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set := c.waiters[sig]
	if set == nil {
		return
	}
	set.remove(w)
	if len(set.order) == 0 {
		delete(c.waiters, sig)
	}
}

// AddHandler registers a plain callback invoked whenever sig is
// delivered to this controller, independent of any WaitFor/WaitForSignals
// caller. Handlers fire in registration order, after waiters.
func (c *Controller) AddHandler(sig os.Signal, fn func(os.Signal)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[sig] = append(c.handlers[sig], fn)
}

// onSignal fulfils every waiter currently registered for sig, in
// registration order, then invokes every registered handler.
func (c *Controller) onSignal(sig os.Signal) {
	if c.metrics != nil {
		c.metrics.SignalDeliveries.WithLabelValues(sig.String()).Inc()
	}
	if c.logger != nil {
		if signo, ok := sig.(syscall.Signal); ok {
			c.logger.WithSignal(int(signo)).InfoContext(context.Background(), "signal delivered")
		}
	}

	c.mu.Lock()
	var waiters []*waiter
	if set := c.waiters[sig]; set != nil {
		waiters = append(waiters, set.order...)
	}
	handlers := append([]func(os.Signal){}, c.handlers[sig]...)
	c.mu.Unlock()

	for _, w := range waiters {
		if !w.isDone() {
			w.deliver(sig)
		}
	}
	for _, h := range handlers {
		h(sig)
	}
}

// Operation is the shape a WaitFor-compatible function must have: do the
// work against ctx, and if ctx is cancelled before finishing, return
// context.Cause(ctx) as the error. This is the Go-idiom substitute for
// checking a future's cancellation state at each suspension point.
type Operation[T any] func(ctx context.Context) (T, error)

// WaitFor awaits op while permitting cancellation by any signal in
// cancelOn (defaulting to the controller's full signal set). If a
// signal arrives before op finishes, op's context is cancelled with a
// SignalError cause; if op still hasn't finished when another signal
// (or another cancellation of the parent context) arrives, a new cause
// is layered on top, preserving the full chain in delivery order.
func WaitFor[T any](parent context.Context, ctrl *Controller, op Operation[T], cancelOn ...os.Signal) (T, error) {
	signals := cancelOn
	if len(signals) == 0 {
		signals = ctrl.signals
	}

	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)

	type outcome struct {
		val T
		err error
	}
	resultCh := make(chan outcome, 1)
	go func() {
		v, err := op(ctx)
		resultCh <- outcome{v, err}
	}()

	var lastCause error
	parentDone := parent.Done()

	for {
		w := newSingleWaiter()
		for _, s := range signals {
			ctrl.registerWaiter(s, w)
		}

		select {
		case o := <-resultCh:
			for _, s := range signals {
				ctrl.discardWaiter(s, w)
			}
			return finalizeWaitFor(o.val, o.err, lastCause)

		case <-w.ready:
			for _, s := range signals {
				ctrl.discardWaiter(s, w)
			}
			lastCause = &SignalError{Signo: w.result, Cause: lastCause}
			cancel(lastCause)

		case <-parentDone:
			for _, s := range signals {
				ctrl.discardWaiter(s, w)
			}
			parentDone = nil // one-shot: the caller's cancellation fires once
			lastCause = &CancelledError{Cause: context.Cause(parent)}
			cancel(lastCause)
		}
	}
}

func finalizeWaitFor[T any](v T, err error, lastCause error) (T, error) {
	if lastCause == nil {
		return v, err
	}
	if err == nil {
		// op raced past the cancellation and completed cleanly; honor its
		// real result ahead of the cancellation we requested.
		return v, nil
	}
	var zero T
	return zero, lastCause
}

// SignalStream is the lazy many-shot stream produced by WaitForSignals.
type SignalStream struct {
	ctrl   *Controller
	w      *waiter
	ctx    context.Context
	cancel context.CancelFunc
}

// WaitForSignals registers a many-shot waiter across every signal this
// controller owns and returns a stream that yields one signal per
// arrival, in order, until Close is called.
func (c *Controller) WaitForSignals(ctx context.Context) *SignalStream {
	w := newQueueWaiter()
	for _, s := range c.signals {
		c.registerWaiter(s, w)
	}
	streamCtx, cancel := context.WithCancel(ctx)
	return &SignalStream{ctrl: c, w: w, ctx: streamCtx, cancel: cancel}
}

// Next blocks until the next signal arrives or ctx is done.
func (s *SignalStream) Next() (os.Signal, error) {
	return s.w.next(s.ctx)
}

// Close deregisters the stream's waiter from every signal.
func (s *SignalStream) Close() {
	s.cancel()
	for _, sig := range s.ctrl.signals {
		s.ctrl.discardWaiter(sig, s.w)
	}
}
