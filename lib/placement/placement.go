package placement

import (
	"errors"
	"sort"
)

// NumShards is the fixed size of the shard space. Keys hash into one of
// these shards; shards map to volumes via HRW weights.
const NumShards = 256

var (
	// ErrNoVolumes is returned when placement is asked to choose from an
	// empty volume list.
	ErrNoVolumes = errors.New("placement: no volumes available")
	// ErrInsufficientVolumes is returned when fewer volumes are available
	// than the requested replica count.
	ErrInsufficientVolumes = errors.New("placement: fewer volumes than requested replicas")
)

// --------------------------------------------------------------------------
// Hashing
// --------------------------------------------------------------------------

// FNV-1a 64 bit constants.
const (
	offset64 = 14695981039346656037
	prime64  = 1099511628211
)

// hashKey is FNV-1a over the key bytes. The function is fixed forever:
// changing it would silently remap every stored object.
func hashKey(s string) uint64 {
	hash := uint64(offset64)
	for i := 0; i < len(s); i++ {
		hash ^= uint64(s[i])
		hash *= prime64
	}
	return hash
}

// ShardOf maps a key to its shard.
func ShardOf(key string) uint32 {
	return uint32(hashKey(key) % NumShards)
}

// weight is the HRW rank of volume for shard: FNV-1a over the volume ID
// followed by the shard bytes. Deterministic across processes.
func weight(volumeID string, shard uint32) uint64 {
	hash := uint64(offset64)
	for i := 0; i < len(volumeID); i++ {
		hash ^= uint64(volumeID[i])
		hash *= prime64
	}
	for i := 0; i < 4; i++ {
		hash ^= uint64(byte(shard >> (8 * i)))
		hash *= prime64
	}
	return hash
}

// --------------------------------------------------------------------------
// Replica Selection
// --------------------------------------------------------------------------

// SelectReplicas returns the n volumes with the highest weight for
// shard, ordered by descending weight. Ties break on the volume ID so
// the result is total. The input slice is not modified.
func SelectReplicas(shard uint32, volumes []string, n int) ([]string, error) {
	if len(volumes) == 0 {
		return nil, ErrNoVolumes
	}
	if len(volumes) < n {
		return nil, ErrInsufficientVolumes
	}
	ranked := rank(shard, volumes)
	return ranked[:n], nil
}

// SelectReplacement returns the highest ranked volume for shard that is
// not in exclude. Used by repair to re-home a lost replica.
func SelectReplacement(shard uint32, volumes []string, exclude []string) (string, error) {
	excluded := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}
	for _, id := range rank(shard, volumes) {
		if !excluded[id] {
			return id, nil
		}
	}
	return "", ErrNoVolumes
}

// rank sorts a copy of volumes by descending HRW weight for shard.
func rank(shard uint32, volumes []string) []string {
	ranked := make([]string, len(volumes))
	copy(ranked, volumes)
	sort.Slice(ranked, func(i, j int) bool {
		wi, wj := weight(ranked[i], shard), weight(ranked[j], shard)
		if wi != wj {
			return wi > wj
		}
		return ranked[i] < ranked[j]
	})
	return ranked
}

// --------------------------------------------------------------------------
// Rebalancing
// --------------------------------------------------------------------------

// Migration is one shard movement of a rebalance plan: Dest must fetch
// the shard's objects from Source.
type Migration struct {
	Shard  uint32
	Source string // existing replica to copy from
	Dest   string // volume gaining the shard
}

// Rebalance diffs the replica sets of every shard between two volume
// lists and returns the migrations needed to reach the target layout.
// Shards whose replica set is unchanged produce no work.
func Rebalance(before, after []string, n int) ([]Migration, error) {
	if len(after) < n {
		return nil, ErrInsufficientVolumes
	}
	var plan []Migration
	for shard := uint32(0); shard < NumShards; shard++ {
		oldSet, err := SelectReplicas(shard, before, min(n, len(before)))
		if err != nil {
			// No previous layout: everything lands fresh, nothing to copy.
			continue
		}
		newSet, err := SelectReplicas(shard, after, n)
		if err != nil {
			return nil, err
		}
		old := make(map[string]bool, len(oldSet))
		for _, id := range oldSet {
			old[id] = true
		}
		for _, dest := range newSet {
			if old[dest] {
				continue
			}
			// Copy from the highest ranked surviving replica.
			source := ""
			for _, id := range oldSet {
				if contains(after, id) {
					source = id
					break
				}
			}
			if source == "" {
				source = oldSet[0]
			}
			plan = append(plan, Migration{Shard: shard, Source: source, Dest: dest})
		}
	}
	return plan, nil
}

func contains(list []string, id string) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}
