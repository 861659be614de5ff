package rtcore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestManager(t *testing.T, poolSize int) *Manager {
	t.Helper()
	self, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable() error = %v", err)
	}

	dir := t.TempDir()
	sock := filepath.Join(dir, "manager.socket")

	m := NewManager(ManagerConfig{
		Name:         "test",
		SockPath:     sock,
		Executable:   self,
		ClassName:    "example.Echo",
		PoolSize:     poolSize,
		KillTimeout:  time.Second,
		SpawnTimeout: 5 * time.Second,
		Env: map[string]string{
			"RTCORE_TEST_BE_WORKER": "1",
			"RTCORE_TEST_SOCKNAME":  sock,
		},
	}, nil, nil)
	return m
}

func TestManager_StartFillsBuffer(t *testing.T) {
	m := newTestManager(t, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer m.Stop(context.Background())

	m.mu.Lock()
	buffered := len(m.buffer)
	m.mu.Unlock()
	if buffered != 2 {
		t.Errorf("buffered = %d, want 2", buffered)
	}
}

func TestManager_SpawnWorkerPopsBufferAndRefills(t *testing.T) {
	m := newTestManager(t, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer m.Stop(context.Background())

	w, err := m.SpawnWorker(ctx)
	if err != nil {
		t.Fatalf("SpawnWorker() error = %v", err)
	}
	if w == nil {
		t.Fatal("SpawnWorker() returned a nil worker")
	}

	m.mu.Lock()
	active := len(m.workers)
	m.mu.Unlock()
	if active != 1 {
		t.Errorf("active workers = %d, want 1", active)
	}

	// The refill is fire-and-forget under the Manager's Supervisor; give
	// it a moment to land.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		buffered := len(m.buffer)
		m.mu.Unlock()
		if buffered == 1 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("buffer was never refilled after SpawnWorker popped it")
}

func TestManager_SpawnWorkerFailsWhenNotRunning(t *testing.T) {
	m := newTestManager(t, 0)

	if _, err := m.SpawnWorker(context.Background()); err != ErrPoolNotRunning {
		t.Fatalf("SpawnWorker() error = %v, want ErrPoolNotRunning", err)
	}
}

func TestManager_CloseWorkerUntracksIt(t *testing.T) {
	m := newTestManager(t, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer m.Stop(context.Background())

	w, err := m.SpawnWorker(ctx)
	if err != nil {
		t.Fatalf("SpawnWorker() error = %v", err)
	}

	w.Close()

	m.mu.Lock()
	active := len(m.workers)
	killed := m.statsKilled
	m.mu.Unlock()
	if active != 0 {
		t.Errorf("active workers = %d, want 0 after Close()", active)
	}
	if killed != 1 {
		t.Errorf("statsKilled = %d, want 1", killed)
	}
}

func TestManager_StopClosesEveryWorker(t *testing.T) {
	m := newTestManager(t, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if _, err := m.SpawnWorker(ctx); err != nil {
		t.Fatalf("SpawnWorker() error = %v", err)
	}

	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.workers) != 0 || len(m.buffer) != 0 {
		t.Errorf("expected no tracked workers after Stop(), got active=%d buffered=%d", len(m.workers), len(m.buffer))
	}
	if m.running {
		t.Error("running = true after Stop()")
	}
}
