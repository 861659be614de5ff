package rtcore

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/relaydb/rtcore/internal/wire"
)

// RemoteCallError wraps a method failure reported by a worker: the
// method itself raised rather than the transport failing.
type RemoteCallError struct {
	Type      string
	Message   string
	Traceback string
}

func (e *RemoteCallError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Worker owns one worker subprocess and its control connection. A
// worker is spawned lazily on first Call and respawned transparently if
// its connection has gone away, mirroring the buffer-pool discipline
// where workers that crash between calls are replaced rather than
// surfaced as pool-wide failures.
type Worker struct {
	manager      *Manager
	hub          *Hub
	cmdArgs      []string
	env          []string
	killTimeout  time.Duration
	spawnTimeout time.Duration
	logger       *Logger
	metrics      *Metrics

	mu       sync.Mutex
	cmd      *exec.Cmd
	conn     *HubConnection
	lastUsed time.Time
	closed   bool
}

func newWorker(m *Manager) *Worker {
	return &Worker{
		manager:      m,
		hub:          m.hub,
		cmdArgs:      m.workerCommandArgs,
		env:          m.workerEnv,
		killTimeout:  m.killTimeout,
		spawnTimeout: m.spawnTimeout,
		logger:       m.logger,
		metrics:      m.metrics,
		lastUsed:     time.Now(),
	}
}

// PID returns the current worker subprocess's pid, or 0 if none is running.
func (w *Worker) PID() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cmd == nil || w.cmd.Process == nil {
		return 0
	}
	return w.cmd.Process.Pid
}

// LastUsed reports when this worker last completed a call.
func (w *Worker) LastUsed() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastUsed
}

// spawn launches a fresh subprocess, kills off any previous one still
// attached to this Worker, and blocks until the new process's control
// connection has registered with the hub or spawnTimeout elapses.
func (w *Worker) spawn(ctx context.Context) error {
	w.mu.Lock()
	oldCmd := w.cmd
	w.mu.Unlock()
	if oldCmd != nil {
		go killProcess(oldCmd, w.killTimeout)
	}

	cmd := exec.Command(w.cmdArgs[0], w.cmdArgs[1:]...)
	cmd.Env = w.env
	cmd.Stdin = nil // connected to /dev/null, the worker has no need of it
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn worker: %w", err)
	}
	pid := uint32(cmd.Process.Pid)

	waitCtx, cancel := context.WithTimeout(ctx, w.spawnTimeout)
	defer cancel()

	conn, err := w.hub.GetByPID(waitCtx, pid)
	if err != nil {
		_ = cmd.Process.Kill()
		go func() { _, _ = cmd.Process.Wait() }()
		return fmt.Errorf("worker pid %d did not connect within %s: %w", pid, w.spawnTimeout, err)
	}

	w.mu.Lock()
	w.cmd = cmd
	w.conn = conn
	w.lastUsed = time.Now()
	w.mu.Unlock()

	if w.metrics != nil {
		w.metrics.WorkersSpawned.Inc()
	}
	if w.logger != nil {
		w.logger.WithWorker(int(pid)).InfoContext(ctx, "worker spawned")
	}
	return nil
}

// killProcess sends the process a kill signal and gives it killTimeout
// to be reaped; it never blocks the caller beyond that.
func killProcess(cmd *exec.Cmd, killTimeout time.Duration) {
	if cmd.Process == nil {
		return
	}
	if err := cmd.Process.Kill(); err != nil {
		return
	}
	done := make(chan struct{})
	go func() {
		_, _ = cmd.Process.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(killTimeout):
	}
}

// Call invokes method on the worker, spawning or respawning the
// subprocess first if needed. A method that raised on the worker side
// is reported as a *RemoteCallError; a serialize error on the worker
// side is reported as a plain error.
func (w *Worker) Call(ctx context.Context, method string, args ...interface{}) (interface{}, error) {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()

	if conn == nil || conn.IsClosed() {
		if err := w.spawn(ctx); err != nil {
			return nil, err
		}
		w.mu.Lock()
		conn = w.conn
		w.mu.Unlock()
	}

	req := &wire.Request{Method: method, Args: args}
	payload, err := req.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal request for %q: %w", method, err)
	}

	data, err := conn.Request(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("worker call %q: %w", method, err)
	}

	reply, err := wire.UnmarshalReply(data)
	if err != nil {
		return nil, fmt.Errorf("unmarshal reply for %q: %w", method, err)
	}

	w.mu.Lock()
	w.lastUsed = time.Now()
	w.mu.Unlock()

	switch reply.Status {
	case wire.StatusOK:
		return reply.Result, nil
	case wire.StatusRaised:
		return nil, &RemoteCallError{
			Type:      reply.Exception.Type,
			Message:   reply.Exception.Message,
			Traceback: reply.Traceback,
		}
	default:
		return nil, fmt.Errorf("worker call %q failed to serialize its result: %s", method, reply.Traceback)
	}
}

// Close kills the worker's subprocess and drops its connection. It is
// idempotent: a second call is a no-op, matching the source's own
// closed-flag guard.
func (w *Worker) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	cmd := w.cmd
	conn := w.conn
	w.cmd = nil
	w.conn = nil
	w.mu.Unlock()

	if w.manager != nil {
		w.manager.untrack(w)
	}
	if conn != nil {
		_ = conn.Close()
	}
	if cmd != nil {
		killProcess(cmd, w.killTimeout)
	}
	if w.metrics != nil {
		w.metrics.WorkersKilled.Inc()
	}
}
