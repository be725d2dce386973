package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/quorumkv/qKV/lib/health"
	"github.com/quorumkv/qKV/lib/metadata"
	"github.com/quorumkv/qKV/lib/placement"
	"github.com/quorumkv/qKV/lib/raft"
	"github.com/quorumkv/qKV/lib/volume"
)

// --------------------------------------------------------------------------
// Test Harness
// --------------------------------------------------------------------------

// flakyVolume wraps a memory volume with switchable failure modes.
type flakyVolume struct {
	*volume.MemoryVolume
	mu          sync.Mutex
	failPrepare bool
	failCommit  bool
}

func (f *flakyVolume) setFailPrepare(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failPrepare = v
}

func (f *flakyVolume) setFailCommit(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failCommit = v
}

func (f *flakyVolume) Prepare(ctx context.Context, txnID uint64, key string, data []byte, checksum string) error {
	f.mu.Lock()
	fail := f.failPrepare
	f.mu.Unlock()
	if fail {
		return errors.New("injected prepare failure")
	}
	return f.MemoryVolume.Prepare(ctx, txnID, key, data, checksum)
}

func (f *flakyVolume) Commit(ctx context.Context, txnID uint64) error {
	f.mu.Lock()
	fail := f.failCommit
	f.mu.Unlock()
	if fail {
		return errors.New("injected commit failure")
	}
	return f.MemoryVolume.Commit(ctx, txnID)
}

// testCluster is a single coordinator with in-process volumes.
type testCluster struct {
	coord   *Coordinator
	node    *raft.Node
	store   *metadata.Store
	monitor *health.Monitor
	volumes map[string]*flakyVolume
	ids     []string
}

func newTestCluster(t *testing.T, volumeCount int) *testCluster {
	t.Helper()

	cfg := raft.Config{
		ID:                  0,
		HeartbeatInterval:   10 * time.Millisecond,
		ElectionTimeoutBase: 30 * time.Millisecond,
		RPCTimeout:          20 * time.Millisecond,
		SnapshotThreshold:   1024,
	}
	node, err := raft.NewNode(cfg, make([]raft.PeerClient, 1), raft.NewMemoryPersister())
	if err != nil {
		t.Fatalf("failed to create raft node: %v", err)
	}
	node.Start()
	t.Cleanup(node.Stop)

	tc := &testCluster{
		node:    node,
		store:   metadata.NewStore(),
		volumes: make(map[string]*flakyVolume),
	}

	tc.monitor = health.NewMonitor(health.Config{
		Interval:    5 * time.Millisecond,
		Timeout:     5 * time.Millisecond,
		MaxFailures: 3,
	}, func(_ context.Context, _ string) error { return nil })

	var targets []health.Target
	for i := 0; i < volumeCount; i++ {
		id := fmt.Sprintf("vol-%02d", i)
		tc.ids = append(tc.ids, id)
		tc.volumes[id] = &flakyVolume{MemoryVolume: volume.NewMemoryVolume(id)}
		targets = append(targets, health.Target{ID: id, Addr: id})
	}
	tc.monitor.Start(func() []health.Target { return targets })
	t.Cleanup(tc.monitor.Stop)

	ccfg := DefaultConfig()
	ccfg.PrepareTimeout = 50 * time.Millisecond
	ccfg.CommitTimeout = 50 * time.Millisecond
	ccfg.MaxAttempts = 2
	ccfg.RetryBackoff = 5 * time.Millisecond
	tc.coord = New(ccfg, node, tc.store, tc.monitor)
	for id, v := range tc.volumes {
		tc.coord.RegisterVolumeClient(id, v)
	}
	go tc.coord.Run()
	t.Cleanup(tc.coord.Stop)

	// Wait for self election and for the monitor's first probe round.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if node.IsLeader() && len(tc.monitor.LiveVolumes()) == volumeCount {
			return tc
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("cluster did not become ready within 3s")
	return nil
}

func (tc *testCluster) ctx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// holders returns the volumes whose published store contains key.
func (tc *testCluster) holders(key string) []string {
	var out []string
	for id, v := range tc.volumes {
		if _, err := v.MemoryVolume.Get(context.Background(), key); err == nil {
			out = append(out, id)
		}
	}
	return out
}

// --------------------------------------------------------------------------
// Write Path
// --------------------------------------------------------------------------

func TestPutStoresOnAllReplicas(t *testing.T) {
	tc := newTestCluster(t, 5)
	data := []byte("the quick brown fox")

	res, err := tc.coord.Put(tc.ctx(t), "docs/readme", 1, data)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if res.Degraded {
		t.Errorf("healthy cluster produced a degraded write: %+v", res)
	}
	if len(res.Replicas) != 3 {
		t.Fatalf("committed on %d replicas, want 3", len(res.Replicas))
	}
	if res.Checksum != volume.Checksum(data) {
		t.Errorf("result checksum mismatch")
	}

	for _, id := range res.Replicas {
		got, err := tc.volumes[id].MemoryVolume.Get(context.Background(), "docs/readme")
		if err != nil {
			t.Errorf("replica %s does not hold the object: %v", id, err)
		} else if string(got) != string(data) {
			t.Errorf("replica %s holds wrong bytes", id)
		}
	}

	// Placement must agree with the recorded replicas.
	want, _ := placement.SelectReplicas(placement.ShardOf("docs/readme"), tc.monitor.LiveVolumes(), 3)
	if !equalSets(res.Replicas, want) {
		t.Errorf("replicas %v do not match placement %v", res.Replicas, want)
	}

	got, m, err := tc.coord.Get(tc.ctx(t), "docs/readme")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != string(data) {
		t.Error("read returned wrong bytes")
	}
	if m.State != metadata.KeyStateCommitted {
		t.Errorf("metadata state = %v, want committed", m.State)
	}
}

func TestPrepareFailureAbortsEverything(t *testing.T) {
	tc := newTestCluster(t, 3)
	key := "will/not/happen"
	shard := placement.ShardOf(key)
	replicas, _ := placement.SelectReplicas(shard, tc.ids, 3)
	tc.volumes[replicas[1]].setFailPrepare(true)

	_, err := tc.coord.Put(tc.ctx(t), key, 1, []byte("data"))
	if !errors.Is(err, ErrWriteAborted) {
		t.Fatalf("got %v, want ErrWriteAborted", err)
	}

	// Zero durable side effects: no metadata, nothing staged, nothing
	// published anywhere.
	if _, ok := tc.store.Lookup(key); ok {
		t.Error("aborted write left a metadata entry")
	}
	for id, v := range tc.volumes {
		if v.StagedCount() != 0 {
			t.Errorf("volume %s still has %d staged transactions", id, v.StagedCount())
		}
		if v.ObjectCount() != 0 {
			t.Errorf("volume %s published an object of an aborted write", id)
		}
	}
}

func TestPartialCommitIsDegradedSuccess(t *testing.T) {
	tc := newTestCluster(t, 3)
	key := "tolerates/partial"
	replicas, _ := placement.SelectReplicas(placement.ShardOf(key), tc.ids, 3)
	failing := replicas[2]
	tc.volumes[failing].setFailCommit(true)

	data := []byte("committed despite a missing replica")
	res, err := tc.coord.Put(tc.ctx(t), key, 1, data)
	if err != nil {
		t.Fatalf("partial commit must succeed, got %v", err)
	}
	if !res.Degraded {
		t.Fatal("partial commit not flagged degraded")
	}
	if len(res.Replicas) != 2 {
		t.Fatalf("recorded %d replicas, want 2", len(res.Replicas))
	}
	if len(res.MissingReplicas) != 1 || res.MissingReplicas[0] != failing {
		t.Fatalf("MissingReplicas = %v, want [%s]", res.MissingReplicas, failing)
	}

	// The entry is recorded, flagged, and fully readable.
	m, ok := tc.store.Lookup(key)
	if !ok || m.State != metadata.KeyStateCommittedDegraded {
		t.Fatalf("metadata state = %+v ok=%v, want committed-degraded", m, ok)
	}
	got, _, err := tc.coord.Get(tc.ctx(t), key)
	if err != nil || string(got) != string(data) {
		t.Fatalf("degraded entry not readable: %v", err)
	}
}

func TestAllCommitsFailingIsAnError(t *testing.T) {
	tc := newTestCluster(t, 3)
	for _, v := range tc.volumes {
		v.setFailCommit(true)
	}

	_, err := tc.coord.Put(tc.ctx(t), "k", 1, []byte("x"))
	if !errors.Is(err, ErrCommitFailed) {
		t.Fatalf("got %v, want ErrCommitFailed", err)
	}
	if _, ok := tc.store.Lookup("k"); ok {
		t.Error("failed write left a metadata entry")
	}
}

func TestPutRetryIsDeduplicated(t *testing.T) {
	tc := newTestCluster(t, 3)
	data := []byte("idempotent")

	first, err := tc.coord.Put(tc.ctx(t), "k", 42, data)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	second, err := tc.coord.Put(tc.ctx(t), "k", 42, data)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if !equalSets(first.Replicas, second.Replicas) || first.Checksum != second.Checksum {
		t.Errorf("retry returned a different result: %+v vs %+v", first, second)
	}

	// A different nonce is a new write, not a retry.
	third, err := tc.coord.Put(tc.ctx(t), "k", 43, []byte("newer"))
	if err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	got, _, _ := tc.coord.Get(tc.ctx(t), "k")
	if string(got) != "newer" {
		t.Errorf("overwrite not visible, read %q", got)
	}
	if third.Checksum == first.Checksum {
		t.Error("new write reported the old checksum")
	}
}

func TestWritesRejectedOnNonLeader(t *testing.T) {
	// A node that never started cannot have won an election.
	node, err := raft.NewNode(raft.DefaultConfig(0), make([]raft.PeerClient, 1), raft.NewMemoryPersister())
	if err != nil {
		t.Fatalf("failed to create raft node: %v", err)
	}
	c := New(DefaultConfig(), node, metadata.NewStore(), health.NewMonitor(health.DefaultConfig(), func(_ context.Context, _ string) error { return nil }))

	if _, err := c.Put(context.Background(), "k", 1, []byte("x")); !errors.Is(err, raft.ErrNotLeader) {
		t.Errorf("Put on follower: got %v, want ErrNotLeader", err)
	}
	if err := c.Delete(context.Background(), "k", 1); !errors.Is(err, raft.ErrNotLeader) {
		t.Errorf("Delete on follower: got %v, want ErrNotLeader", err)
	}
	if _, _, err := c.Get(context.Background(), "k"); !errors.Is(err, raft.ErrNotLeader) {
		t.Errorf("Get on follower: got %v, want ErrNotLeader", err)
	}
}

// --------------------------------------------------------------------------
// Delete
// --------------------------------------------------------------------------

func TestDeleteTombstonesAndCleansUp(t *testing.T) {
	tc := newTestCluster(t, 3)
	_, err := tc.coord.Put(tc.ctx(t), "gone", 1, []byte("x"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if err := tc.coord.Delete(tc.ctx(t), "gone", 2); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, _, err := tc.coord.Get(tc.ctx(t), "gone"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("deleted key readable: %v", err)
	}
	if len(tc.holders("gone")) != 0 {
		t.Errorf("object bytes survived the delete on %v", tc.holders("gone"))
	}

	// Retrying the delete is fine, deleting again is not found.
	if err := tc.coord.Delete(tc.ctx(t), "gone", 2); err != nil {
		t.Errorf("delete retry failed: %v", err)
	}
	if err := tc.coord.Delete(tc.ctx(t), "gone", 3); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("second delete: got %v, want ErrKeyNotFound", err)
	}
	if err := tc.coord.Delete(tc.ctx(t), "never-was", 1); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("unknown key: got %v, want ErrKeyNotFound", err)
	}
}

// --------------------------------------------------------------------------
// Read Path
// --------------------------------------------------------------------------

func TestReadFallsThroughMissingReplica(t *testing.T) {
	tc := newTestCluster(t, 3)
	data := []byte("resilient")
	res, err := tc.coord.Put(tc.ctx(t), "k", 1, data)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// Silently lose the first two replicas behind the metadata's back.
	for _, id := range res.Replicas[:2] {
		_ = tc.volumes[id].MemoryVolume.Delete(context.Background(), "k")
	}
	got, _, err := tc.coord.Get(tc.ctx(t), "k")
	if err != nil || string(got) != string(data) {
		t.Fatalf("read did not fall through to the surviving replica: %v", err)
	}

	// Lose the last one too.
	_ = tc.volumes[res.Replicas[2]].MemoryVolume.Delete(context.Background(), "k")
	if _, _, err := tc.coord.Get(tc.ctx(t), "k"); !errors.Is(err, ErrAllReplicasFailed) {
		t.Fatalf("got %v, want ErrAllReplicasFailed", err)
	}
}

// --------------------------------------------------------------------------
// Verify and Repair
// --------------------------------------------------------------------------

func TestVerifyAndRepairDegradedEntry(t *testing.T) {
	tc := newTestCluster(t, 4)
	key := "needs/repair"
	replicas, _ := placement.SelectReplicas(placement.ShardOf(key), tc.monitor.LiveVolumes(), 3)
	failing := replicas[1]
	tc.volumes[failing].setFailCommit(true)

	data := []byte("heal me")
	res, err := tc.coord.Put(tc.ctx(t), key, 1, data)
	if err != nil || !res.Degraded {
		t.Fatalf("setup did not produce a degraded write: %+v, %v", res, err)
	}

	report, err := tc.coord.Verify(tc.ctx(t))
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if report.Degraded != 1 || len(report.DegradedKeys) != 1 || report.DegradedKeys[0] != key {
		t.Fatalf("verify missed the degraded entry: %+v", report)
	}

	tc.volumes[failing].setFailCommit(false)
	rep, err := tc.coord.RepairAll(tc.ctx(t))
	if err != nil {
		t.Fatalf("RepairAll failed: %v", err)
	}
	if rep.Repaired != 1 || len(rep.Failed) != 0 {
		t.Fatalf("unexpected repair report: %+v", rep)
	}

	m, _ := tc.store.Lookup(key)
	if m.State != metadata.KeyStateCommitted {
		t.Fatalf("entry still %v after repair", m.State)
	}
	if len(m.Replicas) != 3 {
		t.Fatalf("repaired entry has %d replicas, want 3", len(m.Replicas))
	}
	for _, id := range m.Replicas {
		got, err := tc.volumes[id].MemoryVolume.Get(context.Background(), key)
		if err != nil || string(got) != string(data) {
			t.Errorf("replica %s does not hold a good copy after repair: %v", id, err)
		}
	}

	report, _ = tc.coord.Verify(tc.ctx(t))
	if report.Degraded != 0 || report.Healthy != report.KeysChecked {
		t.Errorf("cluster not clean after repair: %+v", report)
	}
}

func TestRepairOfHealthyKeyIsNoop(t *testing.T) {
	tc := newTestCluster(t, 3)
	if _, err := tc.coord.Put(tc.ctx(t), "fine", 1, []byte("x")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := tc.coord.Repair(tc.ctx(t), "fine"); err != nil {
		t.Fatalf("Repair of healthy key failed: %v", err)
	}
	if err := tc.coord.Repair(tc.ctx(t), "missing"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("got %v, want ErrKeyNotFound", err)
	}
}

// --------------------------------------------------------------------------
// Registry and Rebalance
// --------------------------------------------------------------------------

func TestRegisterVolumeIsReplicated(t *testing.T) {
	tc := newTestCluster(t, 3)
	v := volume.NewMemoryVolume("vol-new")
	if err := tc.coord.RegisterVolume(tc.ctx(t), "vol-new", "10.0.0.9:5000", v); err != nil {
		t.Fatalf("RegisterVolume failed: %v", err)
	}
	info, ok := tc.store.Volume("vol-new")
	if !ok || info.Addr != "10.0.0.9:5000" || info.State != metadata.VolumeStateLive {
		t.Fatalf("registry entry wrong: %+v ok=%v", info, ok)
	}

	if err := tc.coord.SetVolumeState(tc.ctx(t), "vol-new", metadata.VolumeStateDown); err != nil {
		t.Fatalf("SetVolumeState failed: %v", err)
	}
	info, _ = tc.store.Volume("vol-new")
	if info.State != metadata.VolumeStateDown {
		t.Errorf("state transition not recorded: %+v", info)
	}
}

func TestRebalanceMovesDataToNewLayout(t *testing.T) {
	tc := newTestCluster(t, 6)
	old := tc.ids[:3]
	ctx := tc.ctx(t)

	// Write everything while only the first three volumes exist, then
	// rebalance onto all six.
	keys := make([]string, 0, 20)
	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("bulk/object-%02d", i)
		keys = append(keys, key)
		replicas, _ := placement.SelectReplicas(placement.ShardOf(key), old, 3)
		txnID := TxnID(key, 1)
		data := []byte(key)
		for _, id := range replicas {
			v := tc.volumes[id]
			if err := v.MemoryVolume.Prepare(ctx, txnID, key, data, volume.Checksum(data)); err != nil {
				t.Fatalf("seed prepare failed: %v", err)
			}
			if err := v.MemoryVolume.Commit(ctx, txnID); err != nil {
				t.Fatalf("seed commit failed: %v", err)
			}
		}
		cmd := &metadata.Command{
			Type:     metadata.CommandTPutKey,
			Nonce:    1,
			Size:     uint64(len(data)),
			Key:      key,
			Checksum: volume.Checksum(data),
			Volumes:  replicas,
		}
		if err := tc.coord.proposeCommand(ctx, cmd); err != nil {
			t.Fatalf("seed propose failed: %v", err)
		}
	}

	report, err := tc.coord.Rebalance(ctx, tc.ids)
	if err != nil {
		t.Fatalf("Rebalance failed: %v", err)
	}
	if report.KeysMoved == 0 {
		t.Fatal("doubling the volumes moved no keys")
	}

	// Every key must now sit exactly where HRW over the full set says,
	// and be readable.
	for _, key := range keys {
		want, _ := placement.SelectReplicas(placement.ShardOf(key), tc.ids, 3)
		m, ok := tc.store.Lookup(key)
		if !ok {
			t.Fatalf("key %q lost during rebalance", key)
		}
		if !equalSets(m.Replicas, want) {
			t.Errorf("key %q on %v, want %v", key, m.Replicas, want)
		}
		got, _, err := tc.coord.Get(ctx, key)
		if err != nil || string(got) != key {
			t.Errorf("key %q unreadable after rebalance: %v", key, err)
		}
	}
}
