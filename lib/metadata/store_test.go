package metadata

import (
	"testing"
	"time"
)

func putCmd(key string, nonce uint64, degraded bool, volumes ...string) []byte {
	var flags uint8
	if degraded {
		flags = FlagDegraded
	}
	cmd := Command{
		Type:      CommandTPutKey,
		Flags:     flags,
		Nonce:     nonce,
		Size:      42,
		Timestamp: uint64(time.Now().UnixNano()),
		Key:       key,
		Checksum:  "abc123",
		Volumes:   volumes,
	}
	return cmd.Serialize()
}

func tombstoneCmd(key string, nonce uint64, ts time.Time) []byte {
	cmd := Command{
		Type:      CommandTTombstoneKey,
		Nonce:     nonce,
		Timestamp: uint64(ts.UnixNano()),
		Key:       key,
	}
	return cmd.Serialize()
}

func TestApplyPutAndGet(t *testing.T) {
	s := NewStore()
	if err := s.Apply(1, putCmd("invoices/2026/08.pdf", 7, false, "vol-a", "vol-b", "vol-c")); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	m, ok := s.Get("invoices/2026/08.pdf")
	if !ok {
		t.Fatal("key not found after put")
	}
	if m.State != KeyStateCommitted {
		t.Errorf("expected committed state, got %v", m.State)
	}
	if len(m.Replicas) != 3 || m.Replicas[0] != "vol-a" {
		t.Errorf("unexpected replicas: %v", m.Replicas)
	}
	if m.Checksum != "abc123" || m.Size != 42 {
		t.Errorf("unexpected metadata: checksum=%q size=%d", m.Checksum, m.Size)
	}
}

func TestDegradedCommitIsReadable(t *testing.T) {
	s := NewStore()
	if err := s.Apply(1, putCmd("k", 1, true, "vol-a", "vol-b")); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	m, ok := s.Get("k")
	if !ok {
		t.Fatal("degraded key must remain readable")
	}
	if m.State != KeyStateCommittedDegraded {
		t.Errorf("expected committed-degraded, got %v", m.State)
	}
}

func TestPutIsLastWriterWins(t *testing.T) {
	s := NewStore()
	if err := s.Apply(1, putCmd("k", 7, true, "vol-a", "vol-b")); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	// A repair rewrites the entry under the same nonce with the full
	// replica set; log order decides.
	if err := s.Apply(2, putCmd("k", 7, false, "vol-a", "vol-b", "vol-c")); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	m, _ := s.Get("k")
	if m.State != KeyStateCommitted || len(m.Replicas) != 3 {
		t.Errorf("repair rewrite did not take: %+v", m)
	}

	// A new write with a different nonce overwrites.
	if err := s.Apply(3, putCmd("k", 8, false, "vol-c")); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	m, _ = s.Get("k")
	if m.Nonce != 8 || m.Replicas[0] != "vol-c" {
		t.Errorf("new nonce did not overwrite: %+v", m)
	}
}

func TestDuplicateIndexIgnored(t *testing.T) {
	s := NewStore()
	if err := s.Apply(5, putCmd("k", 1, false, "vol-a")); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	// Redelivery of an already applied index is a no-op.
	if err := s.Apply(5, putCmd("k", 2, false, "vol-b")); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	m, _ := s.Get("k")
	if m.Nonce != 1 {
		t.Errorf("duplicate index mutated state: %+v", m)
	}
	if s.LastApplied() != 5 {
		t.Errorf("lastApplied = %d, want 5", s.LastApplied())
	}
}

func TestTombstoneHidesKey(t *testing.T) {
	s := NewStore()
	_ = s.Apply(1, putCmd("k", 1, false, "vol-a"))
	_ = s.Apply(2, tombstoneCmd("k", 2, time.Now()))

	if _, ok := s.Get("k"); ok {
		t.Fatal("tombstoned key still readable via Get")
	}
	m, ok := s.Lookup("k")
	if !ok || m.State != KeyStateTombstoned {
		t.Fatalf("Lookup must expose the tombstone, got %+v ok=%v", m, ok)
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0", s.Len())
	}

	// Put after delete is a new write.
	_ = s.Apply(3, putCmd("k", 3, false, "vol-b"))
	if _, ok := s.Get("k"); !ok {
		t.Fatal("key not readable after re-put")
	}
}

func TestTombstoneCollection(t *testing.T) {
	s := NewStore()
	now := time.Now()
	_ = s.Apply(1, tombstoneCmd("old", 1, now.Add(-25*time.Hour)))
	_ = s.Apply(2, tombstoneCmd("fresh", 2, now.Add(-time.Hour)))

	dropped := s.CollectTombstones(24*time.Hour, now)
	if dropped != 1 {
		t.Fatalf("dropped %d tombstones, want 1", dropped)
	}
	if _, ok := s.Lookup("old"); ok {
		t.Error("expired tombstone still present")
	}
	if _, ok := s.Lookup("fresh"); !ok {
		t.Error("fresh tombstone collected too early")
	}
}

func TestVolumeRegistry(t *testing.T) {
	s := NewStore()
	reg := Command{Type: CommandTRegisterVolume, Key: "vol-a", Checksum: "10.0.0.1:5000"}
	if err := s.Apply(1, reg.Serialize()); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	v, ok := s.Volume("vol-a")
	if !ok || v.Addr != "10.0.0.1:5000" || v.State != VolumeStateLive {
		t.Fatalf("unexpected registry entry: %+v ok=%v", v, ok)
	}

	down := Command{Type: CommandTVolumeState, Key: "vol-a", Flags: uint8(VolumeStateDown)}
	_ = s.Apply(2, down.Serialize())
	v, _ = s.Volume("vol-a")
	if v.State != VolumeStateDown {
		t.Errorf("state update not applied: %+v", v)
	}
}

func TestShardAssignment(t *testing.T) {
	s := NewStore()
	cmd := Command{Type: CommandTAssignShard, Shard: 17, Volumes: []string{"vol-a", "vol-b", "vol-c"}}
	if err := s.Apply(1, cmd.Serialize()); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	replicas, ok := s.ShardReplicas(17)
	if !ok || len(replicas) != 3 {
		t.Fatalf("unexpected shard pin: %v ok=%v", replicas, ok)
	}
	if _, ok := s.ShardReplicas(18); ok {
		t.Error("unpinned shard reported a replica set")
	}
}

func TestSnapshotRestore(t *testing.T) {
	s := NewStore()
	_ = s.Apply(1, putCmd("a", 1, false, "vol-a"))
	_ = s.Apply(2, putCmd("b", 2, true, "vol-b"))
	reg := Command{Type: CommandTRegisterVolume, Key: "vol-a", Checksum: "10.0.0.1:5000"}
	_ = s.Apply(3, reg.Serialize())

	snap, err := s.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	restored := NewStore()
	if err := restored.Restore(snap); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if restored.LastApplied() != 3 {
		t.Errorf("lastApplied = %d, want 3", restored.LastApplied())
	}
	m, ok := restored.Get("b")
	if !ok || m.State != KeyStateCommittedDegraded {
		t.Errorf("degraded entry lost in snapshot: %+v ok=%v", m, ok)
	}
	if _, ok := restored.Volume("vol-a"); !ok {
		t.Error("volume registry lost in snapshot")
	}

	if err := restored.Restore([]byte("garbage")); err == nil {
		t.Error("Restore accepted corrupt data")
	}
}
