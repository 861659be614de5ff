package rtcore

import (
	"fmt"
	"os"
	"path/filepath"
)

// SocketManager owns the runstate directory a Pool Hub's local socket
// lives under: "<runstate_dir>/<name>.socket".
type SocketManager struct {
	runstateDir string
	permissions os.FileMode
}

// NewSocketManager creates a new socket manager.
func NewSocketManager(cfg SocketConfig) *SocketManager {
	return &SocketManager{
		runstateDir: cfg.RunstateDir,
		permissions: os.FileMode(cfg.Permissions),
	}
}

// SocketPath returns the well-known socket path for a given Hub name.
func (sm *SocketManager) SocketPath(name string) string {
	return filepath.Join(sm.runstateDir, fmt.Sprintf("%s.socket", name))
}

// EnsureRunstateDir ensures the runstate directory exists.
func (sm *SocketManager) EnsureRunstateDir() error {
	if err := os.MkdirAll(sm.runstateDir, 0755); err != nil {
		return fmt.Errorf("failed to create runstate directory: %w", err)
	}
	return nil
}

// CleanupSocket removes a socket file if it exists. A missing file is
// not an error, matching the benign-already-gone discipline the pool
// manager applies to its own process cleanup.
func (sm *SocketManager) CleanupSocket(socketPath string) error {
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove socket file: %w", err)
	}
	return nil
}

// SetSocketPermissions sets the configured permissions on a socket file.
func (sm *SocketManager) SetSocketPermissions(socketPath string) error {
	if err := os.Chmod(socketPath, sm.permissions); err != nil {
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}
	return nil
}
