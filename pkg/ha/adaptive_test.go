package ha

import (
	"context"
	"testing"
	"time"
)

type fakeProtocol struct {
	switches int
	old, new string
}

func (f *fakeProtocol) OnSwitchOver(oldMaster, newMaster string) {
	f.switches++
	f.old, f.new = oldMaster, newMaster
}

type fakeRecorder struct {
	events []string
}

func (f *fakeRecorder) RecordHAEvent(tag, event string) {
	f.events = append(f.events, event)
}

func TestAdaptiveWatcher_HealthyToUnhealthy(t *testing.T) {
	proto := &fakeProtocol{}
	rec := &fakeRecorder{}
	w := NewAdaptiveWatcher(proto, rec, AdaptiveOptions{Tag: "test"})
	w.OnConnectionEstablished(true)
	if w.State() != StateHealthy {
		t.Fatalf("State() = %v, want StateHealthy", w.State())
	}

	w.OnConnectionBroken(context.Background(), false, 3)
	if w.State() != StateUnhealthy {
		t.Fatalf("State() = %v, want StateUnhealthy", w.State())
	}
}

func TestAdaptiveWatcher_FailsOverWhenThresholdCrossedAndSysConnDown(t *testing.T) {
	proto := &fakeProtocol{}
	rec := &fakeRecorder{}
	w := NewAdaptiveWatcher(proto, rec, AdaptiveOptions{
		Tag:                 "test",
		UnhealthyMinTime:    20 * time.Millisecond,
		DisconnectThreshold: 0.5,
	})
	w.OnConnectionEstablished(true)
	// 4 active pgcons -> pgconCount becomes 5 on first break.
	w.OnConnectionBroken(context.Background(), true, 4)
	if w.State() != StateUnhealthy {
		t.Fatalf("State() = %v, want StateUnhealthy", w.State())
	}

	// 2 more unexpected disconnects while the min-time timer is still
	// pending: 3/5 = 0.6 >= 0.5 threshold, evaluated once the timer fires.
	w.OnConnectionBroken(context.Background(), false, 0)
	w.OnConnectionBroken(context.Background(), false, 0)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && w.State() != StateFailover {
		time.Sleep(5 * time.Millisecond)
	}

	if w.State() != StateFailover {
		t.Fatalf("State() = %v, want StateFailover", w.State())
	}
	if proto.switches != 1 {
		t.Errorf("switches = %d, want 1", proto.switches)
	}
}

func TestAdaptiveWatcher_RecoversFromFailoverOnceSysConnHealthy(t *testing.T) {
	proto := &fakeProtocol{}
	rec := &fakeRecorder{}
	w := NewAdaptiveWatcher(proto, rec, AdaptiveOptions{Tag: "test"})

	w.ForceFailover("old:5432", "new:5432")
	if w.State() != StateFailover {
		t.Fatalf("State() = %v, want StateFailover", w.State())
	}

	w.OnConnectionEstablished(true)
	if w.State() != StateHealthy {
		t.Fatalf("State() = %v, want StateHealthy", w.State())
	}
}

func TestAdaptiveWatcher_DoesNotFailoverBelowThreshold(t *testing.T) {
	proto := &fakeProtocol{}
	rec := &fakeRecorder{}
	w := NewAdaptiveWatcher(proto, rec, AdaptiveOptions{
		Tag:                 "test",
		UnhealthyMinTime:    20 * time.Millisecond,
		DisconnectThreshold: 0.9,
	})
	w.OnConnectionEstablished(true)
	w.OnConnectionBroken(context.Background(), true, 9) // pgconCount = 10
	w.OnConnectionBroken(context.Background(), false, 0)

	time.Sleep(100 * time.Millisecond)

	if w.State() != StateUnhealthy {
		t.Fatalf("State() = %v, want StateUnhealthy (2/10 < 0.9)", w.State())
	}
	if proto.switches != 0 {
		t.Errorf("switches = %d, want 0", proto.switches)
	}
}
