package rtcore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// ErrPoolNotRunning is returned by SpawnWorker when the Manager hasn't
// been started (or has already been stopped).
var ErrPoolNotRunning = errors.New("pool manager is not running")

// ErrPoolAlreadyRunning is returned by Start on a Manager that is
// already running.
var ErrPoolAlreadyRunning = errors.New("pool manager is already running")

// ManagerConfig bundles what's needed to build a Manager for one
// worker class: a fresh Hub over its own socket, and the command line
// a worker subprocess re-execs into.
type ManagerConfig struct {
	Name         string
	SockPath     string
	SockMgr      *SocketManager
	Executable   string
	ClassName    string
	Env          map[string]string
	PoolSize     int
	KillTimeout  time.Duration
	SpawnTimeout time.Duration
}

// Manager spawns and kills worker processes for one worker class,
// keeping a warm buffer of pre-spawned workers so that acquiring one
// rarely has to wait on a fresh subprocess boot.
type Manager struct {
	name    string
	hub     *Hub
	logger  *Logger
	metrics *Metrics

	workerCommandArgs []string
	workerEnv         []string
	killTimeout       time.Duration
	spawnTimeout      time.Duration
	poolSize          int

	mu           sync.Mutex
	running      bool
	sup          *Supervisor
	workers      map[*Worker]struct{}
	buffer       []*Worker
	statsSpawned uint64
	statsKilled  uint64
}

// NewManager builds a Manager from cfg. Call Start before SpawnWorker.
func NewManager(cfg ManagerConfig, logger *Logger, metrics *Metrics) *Manager {
	env := os.Environ()
	for k, v := range cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	return &Manager{
		name:    cfg.Name,
		hub:     NewHub(cfg.SockPath, cfg.SockMgr, logger, metrics),
		logger:  logger,
		metrics: metrics,
		workerCommandArgs: []string{
			cfg.Executable, "worker",
			"--class-name", cfg.ClassName,
			"--sockname", cfg.SockPath,
		},
		workerEnv:    env,
		killTimeout:  cfg.KillTimeout,
		spawnTimeout: cfg.SpawnTimeout,
		poolSize:     cfg.PoolSize,
		workers:      map[*Worker]struct{}{},
	}
}

// IsRunning reports whether Start has succeeded and Stop has not yet
// been called.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// ManagerStats is a snapshot of the pool's current worker bookkeeping,
// used by the admin status endpoint.
type ManagerStats struct {
	Name     string `json:"name"`
	Running  bool   `json:"running"`
	Active   int    `json:"active"`
	Buffered int    `json:"buffered"`
	Spawned  uint64 `json:"spawned"`
	Killed   uint64 `json:"killed"`
}

// Stats returns a point-in-time snapshot of the pool's bookkeeping.
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ManagerStats{
		Name:     m.name,
		Running:  m.running,
		Active:   len(m.workers),
		Buffered: len(m.buffer),
		Spawned:  m.statsSpawned,
		Killed:   m.statsKilled,
	}
}

// Start brings up the Hub and fills the buffer with poolSize
// pre-spawned workers in parallel. If any of those spawns fails, the
// Manager is torn back down and the error is returned.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrPoolAlreadyRunning
	}
	m.mu.Unlock()

	if err := m.hub.Start(); err != nil {
		return fmt.Errorf("manager %q: start hub: %w", m.name, err)
	}

	m.mu.Lock()
	m.running = true
	m.sup = NewSupervisor(context.Background(), m.name+"-pool")
	m.sup.SetMetrics(m.metrics)
	m.mu.Unlock()

	if m.poolSize > 0 {
		startSup := NewSupervisor(ctx, m.name+"-start")
		startSup.SetMetrics(m.metrics)
		for i := 0; i < m.poolSize; i++ {
			if _, err := startSup.CreateTask(func(taskCtx context.Context) error {
				return m.spawnIntoBuffer(taskCtx)
			}); err != nil {
				_ = m.Stop(ctx)
				return fmt.Errorf("manager %q: start: %w", m.name, err)
			}
		}
		if err := startSup.Wait(ctx); err != nil {
			_ = m.Stop(ctx)
			return fmt.Errorf("manager %q: failed to fill worker buffer: %w", m.name, err)
		}
	}

	return nil
}

func (m *Manager) spawnIntoBuffer(ctx context.Context) error {
	w := newWorker(m)
	if err := w.spawn(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	m.buffer = append(m.buffer, w)
	m.statsSpawned++
	m.mu.Unlock()

	m.reportWorkers(w, "spawn")
	return nil
}

func (m *Manager) reportWorkers(w *Worker, action string) {
	if m.logger == nil {
		return
	}
	m.mu.Lock()
	active := len(m.workers)
	buffered := len(m.buffer)
	spawned := m.statsSpawned
	killed := m.statsKilled
	m.mu.Unlock()

	m.logger.WithWorker(w.PID()).InfoContext(context.Background(), action+"ed worker",
		"active", active, "buffered", buffered, "spawned", spawned, "killed", killed)
}

// SpawnWorker returns a worker ready to take calls. If the buffer has
// one available, it is handed out immediately and the buffer is
// refilled asynchronously under the Manager's own Supervisor; otherwise
// a fresh worker is spawned synchronously.
func (m *Manager) SpawnWorker(ctx context.Context) (*Worker, error) {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil, ErrPoolNotRunning
	}

	if len(m.buffer) > 0 {
		w := m.buffer[len(m.buffer)-1]
		m.buffer = m.buffer[:len(m.buffer)-1]
		m.workers[w] = struct{}{}
		sup := m.sup
		m.mu.Unlock()

		if _, err := sup.CreateTask(func(taskCtx context.Context) error {
			return m.spawnIntoBuffer(taskCtx)
		}); err != nil && m.logger != nil {
			m.logger.ErrorContext(ctx, "failed to schedule buffer refill", "error", err)
		}
		m.reportWorkers(w, "spawn")
		return w, nil
	}
	m.mu.Unlock()

	w := newWorker(m)
	if err := w.spawn(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.workers[w] = struct{}{}
	m.statsSpawned++
	m.mu.Unlock()

	m.reportWorkers(w, "spawn")
	return w, nil
}

// untrack removes w from the active set and buffer (whichever it's in,
// if either) and bumps the kill counter. Called from Worker.Close, so
// that a worker closed directly still updates the Manager's bookkeeping
// the way the source's Worker.close does via its manager backref.
func (m *Manager) untrack(w *Worker) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.workers[w]; ok {
		delete(m.workers, w)
		m.statsKilled++
		return
	}
	for i, b := range m.buffer {
		if b == w {
			m.buffer = append(m.buffer[:i], m.buffer[i+1:]...)
			m.statsKilled++
			return
		}
	}
}

// Stop waits for the Manager's own Supervisor to settle (any in-flight
// buffer refills or respawn-kills), stops the Hub, then closes every
// worker in the active set and buffer in parallel.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	sup := m.sup
	m.mu.Unlock()

	if sup != nil {
		if err := sup.Wait(ctx); err != nil && m.logger != nil {
			m.logger.ErrorContext(ctx, "pool supervisor reported errors while stopping", "error", err)
		}
	}

	if err := m.hub.Stop(); err != nil && m.logger != nil {
		m.logger.ErrorContext(ctx, "failed to stop hub cleanly", "error", err)
	}

	m.mu.Lock()
	toClose := make([]*Worker, 0, len(m.workers)+len(m.buffer))
	for w := range m.workers {
		toClose = append(toClose, w)
	}
	toClose = append(toClose, m.buffer...)
	m.workers = map[*Worker]struct{}{}
	m.buffer = nil
	m.running = false
	m.mu.Unlock()

	stopSup := NewSupervisor(context.Background(), m.name+"-stop")
	stopSup.SetMetrics(m.metrics)
	for _, w := range toClose {
		w := w
		_, _ = stopSup.CreateTask(func(context.Context) error {
			w.Close()
			return nil
		})
	}
	return stopSup.Wait(context.Background())
}
