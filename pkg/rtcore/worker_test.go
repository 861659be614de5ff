package rtcore

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/relaydb/rtcore/internal/framing"
	"github.com/relaydb/rtcore/internal/wire"
)

// TestMain lets this test binary re-exec itself as a fake worker
// subprocess, the same trick os/exec's own tests use to avoid depending
// on an external helper binary. A worker-under-test is just "this test
// binary again, with RTCORE_TEST_BE_WORKER set".
func TestMain(m *testing.M) {
	if os.Getenv("RTCORE_TEST_BE_WORKER") == "1" {
		runFakeWorker()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// runFakeWorker dials the sock path named by RTCORE_TEST_SOCKNAME,
// performs the pid handshake, then echoes request payloads back as
// status-0 replies until the connection closes.
func runFakeWorker() {
	sockPath := os.Getenv("RTCORE_TEST_SOCKNAME")
	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		os.Exit(1)
	}
	defer conn.Close()

	if err := framing.WritePID(conn, uint32(os.Getpid())); err != nil {
		os.Exit(1)
	}

	framer := framing.NewFramer(conn)
	for {
		msg, err := framer.ReadMessage()
		if err != nil {
			return
		}
		req, err := wire.UnmarshalRequest(msg)
		if err != nil {
			return
		}

		var reply *wire.Reply
		switch req.Method {
		case "fail":
			reply = wire.NewRaisedReply("ValueError", "intentional failure", "traceback")
		default:
			var result interface{}
			if len(req.Args) > 0 {
				result = req.Args[0]
			}
			reply = wire.NewOKReply(result)
		}

		payload, err := reply.Marshal()
		if err != nil {
			return
		}
		if err := framer.WriteMessage(payload); err != nil {
			return
		}
	}
}

func testWorkerCommandArgs(t *testing.T) []string {
	t.Helper()
	self, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable() error = %v", err)
	}
	return []string{self}
}

func newTestWorker(t *testing.T, h *Hub) *Worker {
	t.Helper()
	m := &Manager{
		hub:               h,
		workerCommandArgs: testWorkerCommandArgs(t),
		workerEnv: append(os.Environ(),
			"RTCORE_TEST_BE_WORKER=1",
			"RTCORE_TEST_SOCKNAME="+h.sockPathForTest(),
		),
		killTimeout:  time.Second,
		spawnTimeout: 5 * time.Second,
	}
	return newWorker(m)
}

func TestWorker_CallSpawnsLazily(t *testing.T) {
	dir := t.TempDir()
	h := NewHub(filepath.Join(dir, "hub.socket"), nil, nil, nil)
	if err := h.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer h.Stop()

	w := newTestWorker(t, h)
	defer w.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := w.Call(ctx, "echo", "hello")
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if result != "hello" {
		t.Errorf("Call() = %v, want %q", result, "hello")
	}
	if w.PID() == 0 {
		t.Error("PID() = 0, want a spawned worker pid")
	}
}

func TestWorker_CallSurfacesRemoteException(t *testing.T) {
	dir := t.TempDir()
	h := NewHub(filepath.Join(dir, "hub.socket"), nil, nil, nil)
	if err := h.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer h.Stop()

	w := newTestWorker(t, h)
	defer w.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := w.Call(ctx, "fail")
	if err == nil {
		t.Fatal("expected Call() to fail")
	}

	remoteErr, ok := err.(*RemoteCallError)
	if !ok {
		t.Fatalf("expected *RemoteCallError, got %v (%T)", err, err)
	}
	if remoteErr.Type != "ValueError" {
		t.Errorf("Type = %q, want %q", remoteErr.Type, "ValueError")
	}
}

func TestWorker_CloseKillsProcess(t *testing.T) {
	dir := t.TempDir()
	h := NewHub(filepath.Join(dir, "hub.socket"), nil, nil, nil)
	if err := h.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer h.Stop()

	w := newTestWorker(t, h)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := w.Call(ctx, "echo", "x"); err != nil {
		t.Fatalf("Call() error = %v", err)
	}

	pid := w.PID()
	w.Close()

	proc, err := os.FindProcess(pid)
	if err != nil {
		t.Fatalf("FindProcess() error = %v", err)
	}
	if err := proc.Signal(syscall.Signal(0)); err == nil {
		t.Error("expected the worker process to be gone after Close()")
	}
}
