package ha

import (
	"context"
	"sync"
	"time"
)

// AdaptiveState is one of the three states the adaptive watcher
// classifies the backend connection pool's health into.
type AdaptiveState int

const (
	StateHealthy AdaptiveState = iota
	StateUnhealthy
	StateFailover
)

func (s AdaptiveState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateUnhealthy:
		return "unhealthy"
	case StateFailover:
		return "failover"
	default:
		return "unknown"
	}
}

// EventRecorder is the minimal metrics/logging surface the adaptive
// watcher needs; *rtcore.Metrics satisfies it directly through its
// RecordHAEvent method, keeping this package free of a dependency on
// rtcore.
type EventRecorder interface {
	RecordHAEvent(tag, event string)
}

// AdaptiveWatcher infers backend failover from connection-pool symptoms
// for HA backends that don't send an explicit signal: unhealthy once a
// connection breaks unexpectedly, and failover once the unhealthy state
// has lasted at least the minimum unhealthy time, enough of the captured
// connections have dropped, and the system connection is still down.
type AdaptiveWatcher struct {
	protocol ClusterProtocol
	tag      string
	recorder EventRecorder
	now      func() time.Time

	unhealthyMinTime    time.Duration
	disconnectThreshold float64

	mu                   sync.Mutex
	state                AdaptiveState
	pgconCount           int
	unexpectedDisconnect int
	sysConnHealthy       bool
	unhealthySince       time.Time
	timer                *time.Timer
}

// AdaptiveOptions configures an AdaptiveWatcher.
type AdaptiveOptions struct {
	Tag                 string
	UnhealthyMinTime    time.Duration
	DisconnectThreshold float64 // fraction in (0,1], e.g. 0.6 for 60%
}

// NewAdaptiveWatcher creates a watcher in the unhealthy state, matching
// the conservative initial assumption: nothing is known to be healthy
// until the first successful connection reports in.
func NewAdaptiveWatcher(protocol ClusterProtocol, recorder EventRecorder, opts AdaptiveOptions) *AdaptiveWatcher {
	if opts.UnhealthyMinTime <= 0 {
		opts.UnhealthyMinTime = 30 * time.Second
	}
	if opts.DisconnectThreshold <= 0 {
		opts.DisconnectThreshold = 0.6
	}
	return &AdaptiveWatcher{
		protocol:            protocol,
		tag:                 opts.Tag,
		recorder:            recorder,
		now:                 time.Now,
		unhealthyMinTime:    opts.UnhealthyMinTime,
		disconnectThreshold: opts.DisconnectThreshold,
		state:               StateUnhealthy,
	}
}

// State returns the watcher's current classification.
func (a *AdaptiveWatcher) State() AdaptiveState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *AdaptiveWatcher) recordEvent(event string) {
	if a.recorder != nil {
		a.recorder.RecordHAEvent(a.tag, event)
	}
}

// OnConnectionBroken reports a connection that dropped without being
// asked to. isSystemConn marks the backend's privileged system
// connection, whose health gates a failover verdict.
func (a *AdaptiveWatcher) OnConnectionBroken(ctx context.Context, isSystemConn bool, activePoolSize int) {
	a.mu.Lock()
	if isSystemConn {
		a.sysConnHealthy = false
	}

	switch a.state {
	case StateHealthy:
		a.recordEvent("unhealthy")
		a.state = StateUnhealthy
		a.unexpectedDisconnect = 1
		a.unhealthySince = a.now()
		if activePoolSize < 0 {
			activePoolSize = 0
		}
		a.pgconCount = activePoolSize + 1
		a.armTimer()
	case StateUnhealthy:
		a.unexpectedDisconnect++
		if a.timer == nil {
			a.maybeFailoverLocked()
		}
	}
	a.mu.Unlock()
}

// OnConnectionLost reports a connection the pool has already accounted
// for (e.g. it was being drained) going away. It can still tip an
// already-unhealthy pool into failover once the proportion drops low
// enough relative to the captured count.
func (a *AdaptiveWatcher) OnConnectionLost() {
	a.mu.Lock()
	if a.state == StateUnhealthy {
		if a.pgconCount > 1 {
			a.pgconCount--
		}
		if a.timer == nil {
			a.maybeFailoverLocked()
		}
	}
	a.mu.Unlock()
}

// OnConnectionEstablished reports a successful, non-standby connection.
func (a *AdaptiveWatcher) OnConnectionEstablished(isSystemConn bool) {
	a.mu.Lock()
	if isSystemConn {
		a.sysConnHealthy = true
	}

	switch a.state {
	case StateUnhealthy:
		a.recordEvent("healthy")
		a.state = StateHealthy
		a.resetLocked()
	case StateFailover:
		if a.sysConnHealthy {
			a.recordEvent("healthy")
			a.state = StateHealthy
		}
	}
	a.mu.Unlock()
}

// ForceFailover puts the watcher directly into the failover state and
// notifies the ClusterProtocol, for backends (like the passive watcher)
// that receive an explicit switch-over signal instead of inferring one.
func (a *AdaptiveWatcher) ForceFailover(oldMaster, newMaster string) {
	a.mu.Lock()
	a.state = StateFailover
	a.resetLocked()
	a.mu.Unlock()

	a.recordEvent("failover")
	if a.protocol != nil {
		a.protocol.OnSwitchOver(oldMaster, newMaster)
	}
}

func (a *AdaptiveWatcher) resetLocked() {
	a.pgconCount = 0
	a.unexpectedDisconnect = 0
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

func (a *AdaptiveWatcher) armTimer() {
	a.timer = time.AfterFunc(a.unhealthyMinTime, func() {
		a.mu.Lock()
		a.timer = nil
		a.maybeFailoverLocked()
		a.mu.Unlock()
	})
}

// maybeFailoverLocked must be called with a.mu held.
func (a *AdaptiveWatcher) maybeFailoverLocked() {
	if a.pgconCount == 0 {
		return
	}
	ratio := float64(a.unexpectedDisconnect) / float64(a.pgconCount)
	if ratio >= a.disconnectThreshold && !a.sysConnHealthy {
		a.state = StateFailover
		a.resetLocked()
		a.recordEvent("failover")
		if a.protocol != nil {
			a.protocol.OnSwitchOver("", "")
		}
	}
}
