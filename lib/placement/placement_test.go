package placement

import (
	"fmt"
	"testing"
)

func volumeList(n int) []string {
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, fmt.Sprintf("vol-%02d", i))
	}
	return out
}

func TestShardOfIsStable(t *testing.T) {
	// The key to shard mapping is part of the storage format; these
	// values must never change.
	keys := []string{"", "a", "photos/cat.jpg", "invoices/2026/08.pdf"}
	for _, key := range keys {
		first := ShardOf(key)
		if first >= NumShards {
			t.Fatalf("ShardOf(%q) = %d, out of range", key, first)
		}
		for i := 0; i < 10; i++ {
			if got := ShardOf(key); got != first {
				t.Fatalf("ShardOf(%q) not deterministic: %d then %d", key, first, got)
			}
		}
	}
}

func TestSelectReplicasDeterministic(t *testing.T) {
	volumes := volumeList(10)
	for shard := uint32(0); shard < NumShards; shard++ {
		a, err := SelectReplicas(shard, volumes, 3)
		if err != nil {
			t.Fatalf("SelectReplicas failed: %v", err)
		}
		// Order of the input list must not matter.
		shuffled := append([]string{}, volumes[5:]...)
		shuffled = append(shuffled, volumes[:5]...)
		b, err := SelectReplicas(shard, shuffled, 3)
		if err != nil {
			t.Fatalf("SelectReplicas failed: %v", err)
		}
		for i := range a {
			if a[i] != b[i] {
				t.Fatalf("shard %d: input order changed the result: %v vs %v", shard, a, b)
			}
		}
		// No volume appears twice.
		seen := make(map[string]bool)
		for _, id := range a {
			if seen[id] {
				t.Fatalf("shard %d: duplicate replica %s in %v", shard, id, a)
			}
			seen[id] = true
		}
	}
}

func TestSelectReplicasErrors(t *testing.T) {
	if _, err := SelectReplicas(0, nil, 3); err != ErrNoVolumes {
		t.Errorf("empty list: got %v, want ErrNoVolumes", err)
	}
	if _, err := SelectReplicas(0, []string{"vol-a"}, 3); err != ErrInsufficientVolumes {
		t.Errorf("short list: got %v, want ErrInsufficientVolumes", err)
	}
	if got, err := SelectReplicas(0, []string{"vol-a"}, 1); err != nil || len(got) != 1 {
		t.Errorf("exact fit failed: %v, %v", got, err)
	}
}

func TestShardDistributionIsBalanced(t *testing.T) {
	volumes := volumeList(8)
	counts := make(map[string]int)
	for shard := uint32(0); shard < NumShards; shard++ {
		replicas, err := SelectReplicas(shard, volumes, 3)
		if err != nil {
			t.Fatalf("SelectReplicas failed: %v", err)
		}
		for _, id := range replicas {
			counts[id]++
		}
	}
	// 256 shards * 3 replicas over 8 volumes = 96 expected per volume.
	// HRW is statistical; allow a generous band.
	expected := NumShards * 3 / 8
	for id, c := range counts {
		if c < expected/2 || c > expected*2 {
			t.Errorf("volume %s holds %d shards, expected around %d", id, c, expected)
		}
	}
}

func TestAddingVolumeMovesFewShards(t *testing.T) {
	before := volumeList(9)
	after := volumeList(10) // adds vol-09

	moved := 0
	for shard := uint32(0); shard < NumShards; shard++ {
		a, _ := SelectReplicas(shard, before, 3)
		b, _ := SelectReplicas(shard, after, 3)
		aSet := make(map[string]bool)
		for _, id := range a {
			aSet[id] = true
		}
		for _, id := range b {
			if !aSet[id] {
				moved++
			}
		}
	}

	// With HRW the new volume takes over roughly 3*256/10 replica slots;
	// anything close to a full reshuffle (3*256) means the scheme is
	// broken.
	total := 3 * NumShards
	if moved > total/4 {
		t.Fatalf("adding one volume moved %d of %d replica slots", moved, total)
	}
	if moved == 0 {
		t.Fatal("adding a volume moved nothing, new capacity is unused")
	}

	// Only the new volume may gain slots.
	for shard := uint32(0); shard < NumShards; shard++ {
		a, _ := SelectReplicas(shard, before, 3)
		b, _ := SelectReplicas(shard, after, 3)
		aSet := make(map[string]bool)
		for _, id := range a {
			aSet[id] = true
		}
		for _, id := range b {
			if !aSet[id] && id != "vol-09" {
				t.Fatalf("shard %d: volume %s gained a slot without membership change", shard, id)
			}
		}
	}
}

func TestSelectReplacementExcludes(t *testing.T) {
	volumes := volumeList(5)
	replicas, _ := SelectReplicas(42, volumes, 3)

	replacement, err := SelectReplacement(42, volumes, replicas)
	if err != nil {
		t.Fatalf("SelectReplacement failed: %v", err)
	}
	for _, id := range replicas {
		if replacement == id {
			t.Fatalf("replacement %s is already a replica", replacement)
		}
	}

	if _, err := SelectReplacement(42, volumes, volumes); err != ErrNoVolumes {
		t.Errorf("all excluded: got %v, want ErrNoVolumes", err)
	}
}

func TestRebalancePlan(t *testing.T) {
	before := volumeList(4)
	after := append(volumeList(4), "vol-99")

	plan, err := Rebalance(before, after, 3)
	if err != nil {
		t.Fatalf("Rebalance failed: %v", err)
	}
	if len(plan) == 0 {
		t.Fatal("adding a volume produced an empty plan")
	}
	for _, m := range plan {
		if m.Dest != "vol-99" {
			t.Errorf("shard %d: unexpected dest %s, only the new volume should gain shards", m.Shard, m.Dest)
		}
		if m.Source == m.Dest {
			t.Errorf("shard %d: migration copies from itself", m.Shard)
		}
		if !contains(before, m.Source) {
			t.Errorf("shard %d: source %s was not a previous replica", m.Shard, m.Source)
		}
	}

	// Identical layouts need no work.
	plan, err = Rebalance(after, after, 3)
	if err != nil {
		t.Fatalf("Rebalance failed: %v", err)
	}
	if len(plan) != 0 {
		t.Fatalf("unchanged membership produced %d migrations", len(plan))
	}

	if _, err := Rebalance(after, volumeList(2), 3); err != ErrInsufficientVolumes {
		t.Errorf("shrinking below replica count: got %v, want ErrInsufficientVolumes", err)
	}
}
