package rtcore

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
)

func TestResolveSignals(t *testing.T) {
	sigs, err := resolveSignals([]string{"SIGTERM", "SIGINT"})
	if err != nil {
		t.Fatalf("resolveSignals() error = %v", err)
	}
	if len(sigs) != 2 {
		t.Fatalf("len(sigs) = %d, want 2", len(sigs))
	}
}

func TestResolveSignals_UnknownName(t *testing.T) {
	if _, err := resolveSignals([]string{"SIGBOGUS"}); err == nil {
		t.Fatal("expected an error for an unknown signal name")
	}
}

func TestNewRuntime_BuildsWithoutStarting(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{
		Pool: PoolConfig{Size: 0, KillTimeout: 0, ProcessInitialResponseTimeout: 0},
		Runtime: RuntimeConfig{
			ClassName: "example.Echo",
		},
		Socket: SocketConfig{
			RunstateDir: dir,
			Name:        "test",
			Permissions: 0600,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Enabled: false},
		HA:      HAConfig{Enabled: false},
		Signal:  SignalConfig{Names: []string{"SIGTERM", "SIGINT"}},
	}

	rt, err := NewRuntime(cfg, "/bin/true")
	if err != nil {
		t.Fatalf("NewRuntime() error = %v", err)
	}
	if rt.Manager() == nil {
		t.Fatal("Manager() = nil")
	}

	sockPath := filepath.Join(dir, "test.socket")
	if rt.manager.hub.sockPath != sockPath {
		t.Errorf("hub sockPath = %q, want %q", rt.manager.hub.sockPath, sockPath)
	}
}

func TestRuntime_StatusHandler(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{
		Pool:     PoolConfig{Size: 0},
		Runtime:  RuntimeConfig{ClassName: "example.Echo"},
		Socket:   SocketConfig{RunstateDir: dir, Name: "test", Permissions: 0600},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
		Metrics:  MetricsConfig{Enabled: false},
		HA:       HAConfig{Enabled: false},
		Signal:   SignalConfig{Names: []string{"SIGTERM"}},
	}

	rt, err := NewRuntime(cfg, "/bin/true")
	if err != nil {
		t.Fatalf("NewRuntime() error = %v", err)
	}

	codec, err := NewCodec(CodecAdminJSON)
	if err != nil {
		t.Fatalf("NewCodec() error = %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	rt.statusHandler(codec).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}
	if rec.Body.Len() == 0 {
		t.Error("expected a non-empty response body")
	}
}
