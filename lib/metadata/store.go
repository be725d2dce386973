package metadata

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// --------------------------------------------------------------------------
// Types
// --------------------------------------------------------------------------

// KeyState is the consistency state of a key's entry.
type KeyState uint8

const (
	// KeyStateCommitted means every replica acknowledged the write.
	KeyStateCommitted KeyState = iota
	// KeyStateCommittedDegraded means the write committed on a quorum but
	// at least one replica is missing the object. The entry is readable
	// and flagged for repair.
	KeyStateCommittedDegraded
	// KeyStateTombstoned means the key was deleted. The tombstone is kept
	// for a grace period so late retries of the delete stay idempotent.
	KeyStateTombstoned
)

func (s KeyState) String() string {
	switch s {
	case KeyStateCommitted:
		return "committed"
	case KeyStateCommittedDegraded:
		return "committed-degraded"
	case KeyStateTombstoned:
		return "tombstoned"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// KeyMetadata is the authoritative record of one object.
type KeyMetadata struct {
	Key       string
	Size      uint64
	Checksum  string
	Replicas  []string // volume IDs holding the object
	Nonce     uint64   // dedup token of the write that produced this entry
	State     KeyState
	Timestamp uint64 // unix nanoseconds of the commit decision
}

// VolumeState is the registry liveness state of a volume.
type VolumeState uint8

const (
	VolumeStateLive VolumeState = iota
	VolumeStateDown
)

func (s VolumeState) String() string {
	switch s {
	case VolumeStateLive:
		return "live"
	case VolumeStateDown:
		return "down"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// VolumeInfo is one entry of the volume registry.
type VolumeInfo struct {
	ID    string
	Addr  string
	State VolumeState
}

// --------------------------------------------------------------------------
// Store
// --------------------------------------------------------------------------

// Store is the deterministic state machine replicated by the
// coordinator consensus group. All mutation goes through Apply.
type Store struct {
	mu          sync.RWMutex
	keys        map[string]KeyMetadata
	volumes     map[string]VolumeInfo
	shards      map[uint32][]string // explicit shard pins from rebalancing
	lastApplied uint64
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		keys:    make(map[string]KeyMetadata),
		volumes: make(map[string]VolumeInfo),
		shards:  make(map[uint32][]string),
	}
}

// Apply executes one committed log entry. Entries at or below the last
// applied index are duplicates from a reconnect or snapshot overlap and
// are ignored; this keeps Apply idempotent against redelivery.
func (s *Store) Apply(index uint64, data []byte) error {
	var cmd Command
	if err := cmd.Deserialize(data); err != nil {
		return fmt.Errorf("failed to decode command at index %d: %w", index, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if index <= s.lastApplied {
		return nil
	}
	s.lastApplied = index

	switch cmd.Type {
	case CommandTPutKey:
		s.applyPutKey(&cmd)
	case CommandTTombstoneKey:
		s.applyTombstone(&cmd)
	case CommandTAssignShard:
		replicas := make([]string, len(cmd.Volumes))
		copy(replicas, cmd.Volumes)
		s.shards[cmd.Shard] = replicas
	case CommandTRegisterVolume:
		s.volumes[cmd.Key] = VolumeInfo{ID: cmd.Key, Addr: cmd.Checksum, State: VolumeStateLive}
	case CommandTVolumeState:
		if v, ok := s.volumes[cmd.Key]; ok {
			v.State = VolumeState(cmd.Flags)
			s.volumes[cmd.Key] = v
		}
	default:
		return fmt.Errorf("unknown command type %d at index %d", cmd.Type, index)
	}
	return nil
}

func (s *Store) applyPutKey(cmd *Command) {
	// Last writer wins in log order. Client retry dedup happens in the
	// coordinator before a proposal is made, keyed on (key, nonce), so a
	// repair or rebalance can legitimately rewrite an entry here.
	state := KeyStateCommitted
	if cmd.Flags&FlagDegraded != 0 {
		state = KeyStateCommittedDegraded
	}
	replicas := make([]string, len(cmd.Volumes))
	copy(replicas, cmd.Volumes)
	s.keys[cmd.Key] = KeyMetadata{
		Key:       cmd.Key,
		Size:      cmd.Size,
		Checksum:  cmd.Checksum,
		Replicas:  replicas,
		Nonce:     cmd.Nonce,
		State:     state,
		Timestamp: cmd.Timestamp,
	}
}

func (s *Store) applyTombstone(cmd *Command) {
	existing := s.keys[cmd.Key]
	// Deleting an unknown key still leaves a tombstone so a late replica
	// copy cannot resurrect it silently.
	s.keys[cmd.Key] = KeyMetadata{
		Key:       cmd.Key,
		Nonce:     cmd.Nonce,
		State:     KeyStateTombstoned,
		Replicas:  existing.Replicas,
		Timestamp: cmd.Timestamp,
	}
}

// --------------------------------------------------------------------------
// Reads
// --------------------------------------------------------------------------

// Get returns the metadata of a readable key. Tombstoned keys report
// not found.
func (s *Store) Get(key string) (KeyMetadata, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.keys[key]
	if !ok || m.State == KeyStateTombstoned {
		return KeyMetadata{}, false
	}
	return m, true
}

// Lookup returns the raw entry including tombstones. Used by repair and
// verification, which care about deleted state.
func (s *Store) Lookup(key string) (KeyMetadata, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.keys[key]
	return m, ok
}

// ForEachKey calls fn for every entry (tombstones included) until fn
// returns false. fn must not call back into the store.
func (s *Store) ForEachKey(fn func(KeyMetadata) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.keys {
		if !fn(m) {
			return
		}
	}
}

// Len returns the number of readable (non tombstoned) keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, m := range s.keys {
		if m.State != KeyStateTombstoned {
			n++
		}
	}
	return n
}

// Volume returns the registry entry of one volume.
func (s *Store) Volume(id string) (VolumeInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.volumes[id]
	return v, ok
}

// Volumes returns a copy of the volume registry.
func (s *Store) Volumes() []VolumeInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]VolumeInfo, 0, len(s.volumes))
	for _, v := range s.volumes {
		out = append(out, v)
	}
	return out
}

// ShardReplicas returns the pinned replica set of a shard, if a
// rebalance assigned one. Unpinned shards fall back to hash placement.
func (s *Store) ShardReplicas(shard uint32) ([]string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	replicas, ok := s.shards[shard]
	if !ok {
		return nil, false
	}
	out := make([]string, len(replicas))
	copy(out, replicas)
	return out, true
}

// LastApplied returns the index of the last applied log entry.
func (s *Store) LastApplied() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastApplied
}

// --------------------------------------------------------------------------
// Snapshots
// --------------------------------------------------------------------------

// snapshotState is the gob encoded snapshot representation.
type snapshotState struct {
	Keys        map[string]KeyMetadata
	Volumes     map[string]VolumeInfo
	Shards      map[uint32][]string
	LastApplied uint64
}

// Snapshot encodes the full store state for log compaction.
func (s *Store) Snapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(snapshotState{
		Keys:        s.keys,
		Volumes:     s.volumes,
		Shards:      s.shards,
		LastApplied: s.lastApplied,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

// Restore replaces the store state with a snapshot.
func (s *Store) Restore(data []byte) error {
	var st snapshotState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&st); err != nil {
		return fmt.Errorf("corrupt snapshot: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = st.Keys
	s.volumes = st.Volumes
	s.shards = st.Shards
	s.lastApplied = st.LastApplied
	log.Debugf("metadata store restored from snapshot (%d keys, lastApplied=%d)", len(s.keys), s.lastApplied)
	return nil
}

// --------------------------------------------------------------------------
// Maintenance
// --------------------------------------------------------------------------

// CollectTombstones removes tombstones older than ttl and returns how
// many were dropped. Removal is local maintenance, not replicated: a
// removed tombstone and a present one answer reads identically, so
// replicas may collect at different times without diverging observably.
func (s *Store) CollectTombstones(ttl time.Duration, now time.Time) int {
	cutoff := uint64(now.Add(-ttl).UnixNano())
	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := 0
	for key, m := range s.keys {
		if m.State == KeyStateTombstoned && m.Timestamp < cutoff {
			delete(s.keys, key)
			dropped++
		}
	}
	if dropped > 0 {
		log.Debugf("metadata store dropped %d expired tombstones", dropped)
	}
	return dropped
}
