// Package ha implements the failover subsystem: parsing a backend HA
// URI into a concrete watcher, an adaptive state machine that infers
// failover from connection-pool symptoms when a backend gives no
// explicit signal, and a passive watcher that long-polls a consul KV
// endpoint for explicit cluster-state changes.
package ha

import "context"

// ClusterProtocol is notified when a watcher concludes the backend has
// failed over to a new master.
type ClusterProtocol interface {
	OnSwitchOver(oldMaster, newMaster string)
}

// Backend is the common shape of every HA watcher: start/stop watching
// for master changes, and report the current master address once
// known.
type Backend interface {
	// GetClusterConsensus blocks until a master address is known, then
	// returns it. Returns ctx.Err() if ctx is done first.
	GetClusterConsensus(ctx context.Context) (host string, port int, err error)

	// StartWatching begins background monitoring. Returns true if this
	// call started watching, false if a watch was already in progress.
	StartWatching(ctx context.Context, protocol ClusterProtocol) (bool, error)

	// StopWatching tears down background monitoring.
	StopWatching()

	// MasterAddr returns the last known master address, if any.
	MasterAddr() (host string, port int, ok bool)
}
