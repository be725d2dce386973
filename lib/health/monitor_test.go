package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// failSet is a prober whose failing addresses can be flipped at runtime.
type failSet struct {
	mu      sync.Mutex
	failing map[string]bool
}

func newFailSet() *failSet {
	return &failSet{failing: make(map[string]bool)}
}

func (f *failSet) set(addr string, fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing[addr] = fail
}

func (f *failSet) probe(_ context.Context, addr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing[addr] {
		return errors.New("connection refused")
	}
	return nil
}

func testConfig() Config {
	return Config{
		Interval:    10 * time.Millisecond,
		Timeout:     10 * time.Millisecond,
		MaxFailures: 3,
	}
}

func TestSingleFailureIsNotDown(t *testing.T) {
	probes := newFailSet()
	m := NewMonitor(testConfig(), probes.probe)
	targets := []Target{{ID: "vol-a", Addr: "a:1"}}

	m.checkAll(targets)
	if !m.IsLive("vol-a") {
		t.Fatal("volume not live after successful probe")
	}

	// One missed heartbeat keeps the volume live.
	probes.set("a:1", true)
	m.checkAll(targets)
	if !m.IsLive("vol-a") {
		t.Fatal("volume declared down after a single failure")
	}
	rec, _ := m.Status("vol-a")
	if rec.ConsecutiveFails != 1 {
		t.Errorf("ConsecutiveFails = %d, want 1", rec.ConsecutiveFails)
	}
}

func TestDownAfterThresholdAndCallbackOnce(t *testing.T) {
	probes := newFailSet()
	m := NewMonitor(testConfig(), probes.probe)

	var mu sync.Mutex
	var downs []string
	m.OnDown(func(id string) {
		mu.Lock()
		downs = append(downs, id)
		mu.Unlock()
	})

	targets := []Target{{ID: "vol-a", Addr: "a:1"}, {ID: "vol-b", Addr: "b:1"}}
	m.checkAll(targets)

	probes.set("a:1", true)
	for i := 0; i < 5; i++ {
		m.checkAll(targets)
	}

	if m.IsLive("vol-a") {
		t.Fatal("volume still live after threshold failures")
	}
	if !m.IsLive("vol-b") {
		t.Fatal("healthy volume affected by neighbor failure")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(downs) != 1 || downs[0] != "vol-a" {
		t.Fatalf("OnDown fired %d times with %v, want exactly once for vol-a", len(downs), downs)
	}
}

func TestRecoveryFiresOnUp(t *testing.T) {
	probes := newFailSet()
	m := NewMonitor(testConfig(), probes.probe)

	upCh := make(chan string, 1)
	m.OnUp(func(id string) { upCh <- id })

	targets := []Target{{ID: "vol-a", Addr: "a:1"}}
	probes.set("a:1", true)
	for i := 0; i < 3; i++ {
		m.checkAll(targets)
	}
	if m.IsLive("vol-a") {
		t.Fatal("volume should be down")
	}

	// First successful probe restores liveness immediately.
	probes.set("a:1", false)
	m.checkAll(targets)
	if !m.IsLive("vol-a") {
		t.Fatal("volume not live after successful probe")
	}
	select {
	case id := <-upCh:
		if id != "vol-a" {
			t.Fatalf("OnUp fired for %s", id)
		}
	default:
		t.Fatal("OnUp did not fire on recovery")
	}
}

func TestRemovedVolumesArePruned(t *testing.T) {
	probes := newFailSet()
	m := NewMonitor(testConfig(), probes.probe)

	m.checkAll([]Target{{ID: "vol-a", Addr: "a:1"}, {ID: "vol-b", Addr: "b:1"}})
	m.checkAll([]Target{{ID: "vol-a", Addr: "a:1"}})

	if _, ok := m.Status("vol-b"); ok {
		t.Fatal("deregistered volume still tracked")
	}
	if !m.IsLive("vol-a") {
		t.Fatal("remaining volume lost state")
	}
}

func TestLiveVolumesSnapshotIsStable(t *testing.T) {
	probes := newFailSet()
	m := NewMonitor(testConfig(), probes.probe)

	targets := make([]Target, 0, 4)
	for i := 0; i < 4; i++ {
		targets = append(targets, Target{ID: fmt.Sprintf("vol-%d", i), Addr: fmt.Sprintf("h%d:1", i)})
	}
	m.checkAll(targets)

	snapshot := m.LiveVolumes()
	if len(snapshot) != 4 {
		t.Fatalf("LiveVolumes() returned %d entries, want 4", len(snapshot))
	}

	// A later transition must not mutate an already taken snapshot.
	probes.set("h2:1", true)
	for i := 0; i < 3; i++ {
		m.checkAll(targets)
	}
	if len(snapshot) != 4 {
		t.Fatal("snapshot mutated by later transition")
	}
	if len(m.LiveVolumes()) != 3 {
		t.Fatalf("LiveVolumes() = %v, want 3 entries", m.LiveVolumes())
	}
}

func TestStartStop(t *testing.T) {
	probes := newFailSet()
	m := NewMonitor(testConfig(), probes.probe)

	m.Start(func() []Target {
		return []Target{{ID: "vol-a", Addr: "a:1"}}
	})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if m.IsLive("vol-a") {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !m.IsLive("vol-a") {
		t.Fatal("probe loop never ran")
	}
	m.Stop()
	m.Stop() // idempotent
}
