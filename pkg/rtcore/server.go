package rtcore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaydb/rtcore/pkg/ha"
)

// namedSignals resolves the signal names accepted in SignalConfig.Names
// to the concrete os.Signal values registerSignal needs.
var namedSignals = map[string]os.Signal{
	"SIGTERM": syscall.SIGTERM,
	"SIGINT":  syscall.SIGINT,
	"SIGHUP":  syscall.SIGHUP,
	"SIGUSR1": syscall.SIGUSR1,
	"SIGUSR2": syscall.SIGUSR2,
}

var (
	defaultMetricsOnce sync.Once
	defaultMetrics     *Metrics
)

// Runtime ties the Signal Controller, the worker pool Manager, the
// optional HA watcher and the metrics endpoint into one process
// lifecycle: Start brings everything up, Run blocks until a shutdown
// signal arrives or ctx is cancelled, and Stop tears everything down in
// reverse order.
type Runtime struct {
	cfg     *Config
	logger  *Logger
	metrics *Metrics

	signals    *Controller
	manager    *Manager
	haBackend  ha.Backend
	metricsSrv *http.Server
}

// NewRuntime builds a Runtime from cfg. Pass the executable path that
// worker subprocesses should re-exec (normally os.Executable()).
func NewRuntime(cfg *Config, executable string) (*Runtime, error) {
	logger := NewLogger(cfg.Logging)

	// The metric set lives on the default registerer, so it is registered
	// once per process and shared by every Runtime: registering the same
	// collectors twice on one registerer panics.
	defaultMetricsOnce.Do(func() {
		defaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	metrics := defaultMetrics

	sock := NewSocketManager(cfg.Socket)
	if err := sock.EnsureRunstateDir(); err != nil {
		return nil, err
	}

	manager := NewManager(ManagerConfig{
		Name:         cfg.Socket.Name,
		SockPath:     sock.SocketPath(cfg.Socket.Name),
		SockMgr:      sock,
		Executable:   executable,
		ClassName:    cfg.Runtime.ClassName,
		Env:          cfg.Runtime.Env,
		PoolSize:     cfg.Pool.Size,
		KillTimeout:  cfg.Pool.KillTimeout,
		SpawnTimeout: cfg.Pool.ProcessInitialResponseTimeout,
	}, logger, metrics)

	signalNames := cfg.Signal.Names
	if len(signalNames) == 0 {
		signalNames = []string{"SIGTERM", "SIGINT"}
	}
	sigs, err := resolveSignals(signalNames)
	if err != nil {
		return nil, err
	}

	signals := NewController(sigs...)
	signals.SetMetrics(metrics)
	signals.SetLogger(logger)

	r := &Runtime{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		signals: signals,
		manager: manager,
	}

	if cfg.HA.Enabled {
		backend, err := ha.NewBackend(cfg.HA.URI)
		if err != nil {
			return nil, fmt.Errorf("runtime: configuring ha backend: %w", err)
		}
		r.haBackend = backend
	}

	if cfg.Metrics.Enabled {
		statusCodec, err := NewCodec(CodecAdminJSON)
		if err != nil {
			return nil, fmt.Errorf("runtime: building status codec: %w", err)
		}

		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.Handler())
		mux.Handle(cfg.Metrics.StatusPath, r.statusHandler(statusCodec))
		r.metricsSrv = &http.Server{Addr: cfg.Metrics.Endpoint, Handler: mux}
	}

	return r, nil
}

// statusSnapshot is the admin/status document served at
// MetricsConfig.StatusPath: pool health plus, when HA watching is
// enabled, the currently known master address.
type statusSnapshot struct {
	Pool ManagerStats `json:"pool"`
	HA   *haSnapshot  `json:"ha,omitempty"`
}

type haSnapshot struct {
	MasterHost string `json:"master_host"`
	MasterPort int    `json:"master_port"`
	Known      bool   `json:"known"`
}

// statusHandler serves a point-in-time snapshot of pool and HA state,
// encoded through codec rather than encoding/json directly.
func (r *Runtime) statusHandler(codec Codec) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		snap := statusSnapshot{Pool: r.manager.Stats()}
		if r.haBackend != nil {
			host, port, ok := r.haBackend.MasterAddr()
			snap.HA = &haSnapshot{MasterHost: host, MasterPort: port, Known: ok}
		}

		body, err := codec.Marshal(snap)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	})
}

// Manager returns the underlying worker pool manager, so callers (the
// worker subcommand's peers, admin tooling) can drive it directly.
func (r *Runtime) Manager() *Manager { return r.manager }

// Start brings the runtime up: registers the signal controller,
// starts the pool manager, begins HA watching if configured, and
// starts serving /metrics if enabled.
func (r *Runtime) Start(ctx context.Context) error {
	r.signals.Enter()

	if err := r.manager.Start(ctx); err != nil {
		r.signals.Exit()
		return fmt.Errorf("runtime: starting pool manager: %w", err)
	}

	if r.haBackend != nil {
		haLog := r.logger.WithHA(r.cfg.HA.URI)
		if _, err := r.haBackend.StartWatching(ctx, nil); err != nil {
			haLog.ErrorContext(ctx, "failed to start ha watcher", "error", err)
		} else {
			haLog.InfoContext(ctx, "ha watcher started")
		}
	}

	if r.metricsSrv != nil {
		go func() {
			if err := r.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				r.logger.ErrorContext(context.Background(), "metrics server stopped unexpectedly", "error", err)
			}
		}()
	}

	r.logger.InfoContext(ctx, "runtime started", "pool_size", r.cfg.Pool.Size)
	return nil
}

// Run blocks until one of the controller's registered signals arrives
// (or ctx is done), then stops the runtime and returns.
func (r *Runtime) Run(ctx context.Context) error {
	stream := r.signals.WaitForSignals(ctx)
	defer stream.Close()

	sig, err := stream.Next()
	if err != nil {
		return r.Stop(context.Background())
	}
	r.logger.InfoContext(ctx, "received shutdown signal", "signal", sig.String())
	return r.Stop(context.Background())
}

// Stop tears the runtime down in reverse order of Start.
func (r *Runtime) Stop(ctx context.Context) error {
	if r.metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = r.metricsSrv.Shutdown(shutdownCtx)
	}

	if r.haBackend != nil {
		r.haBackend.StopWatching()
		r.logger.WithHA(r.cfg.HA.URI).InfoContext(ctx, "ha watcher stopped")
	}

	err := r.manager.Stop(ctx)
	r.signals.Exit()
	return err
}

func resolveSignals(names []string) ([]os.Signal, error) {
	sigs := make([]os.Signal, 0, len(names))
	for _, name := range names {
		sig, ok := namedSignals[name]
		if !ok {
			return nil, fmt.Errorf("runtime: unknown signal name %q", name)
		}
		sigs = append(sigs, sig)
	}
	return sigs, nil
}
