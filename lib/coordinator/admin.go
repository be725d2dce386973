package coordinator

import (
	"context"
	"fmt"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/quorumkv/qKV/lib/metadata"
	"github.com/quorumkv/qKV/lib/placement"
	"github.com/quorumkv/qKV/lib/raft"
	"github.com/quorumkv/qKV/lib/volume"
)

// --------------------------------------------------------------------------
// Volume Registry
// --------------------------------------------------------------------------

// RegisterVolume records a volume in the replicated registry and wires
// its client locally.
func (c *Coordinator) RegisterVolume(ctx context.Context, id, addr string, client volume.Client) error {
	if !c.node.IsLeader() {
		return raft.ErrNotLeader
	}
	c.RegisterVolumeClient(id, client)
	return c.proposeCommand(ctx, &metadata.Command{
		Type:     metadata.CommandTRegisterVolume,
		Key:      id,
		Checksum: addr,
	})
}

// SetVolumeState records a liveness transition in the replicated
// registry. Wired to the health monitor callbacks on the leader.
func (c *Coordinator) SetVolumeState(ctx context.Context, id string, state metadata.VolumeState) error {
	if !c.node.IsLeader() {
		return raft.ErrNotLeader
	}
	return c.proposeCommand(ctx, &metadata.Command{
		Type:  metadata.CommandTVolumeState,
		Key:   id,
		Flags: uint8(state),
	})
}

// --------------------------------------------------------------------------
// Verify
// --------------------------------------------------------------------------

// VerifyReport summarizes a full consistency sweep.
type VerifyReport struct {
	KeysChecked     int
	Healthy         int
	Degraded        int      // entries with at least one missing or corrupt replica
	MissingReplicas int      // replica slots that did not hold the object
	CorruptReplicas int      // replica slots holding wrong bytes
	DegradedKeys    []string // keys needing repair, sorted
}

// Verify checks every recorded key against its replicas: the object
// must exist there with the recorded checksum. Tombstoned entries are
// skipped. Verify reads no object bytes, it compares volume stat
// results against metadata.
func (c *Coordinator) Verify(ctx context.Context) (*VerifyReport, error) {
	if !c.node.IsLeader() {
		return nil, raft.ErrNotLeader
	}

	var entries []metadata.KeyMetadata
	c.store.ForEachKey(func(m metadata.KeyMetadata) bool {
		if m.State != metadata.KeyStateTombstoned {
			entries = append(entries, m)
		}
		return true
	})

	report := &VerifyReport{}
	for _, m := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		report.KeysChecked++
		missing, corrupt := c.verifyEntry(ctx, &m)
		report.MissingReplicas += missing
		report.CorruptReplicas += corrupt
		if missing+corrupt > 0 || m.State == metadata.KeyStateCommittedDegraded {
			report.Degraded++
			report.DegradedKeys = append(report.DegradedKeys, m.Key)
		} else {
			report.Healthy++
		}
	}
	sort.Strings(report.DegradedKeys)
	log.Infof("verify: %d keys checked, %d healthy, %d degraded (%d missing, %d corrupt replica slots)",
		report.KeysChecked, report.Healthy, report.Degraded, report.MissingReplicas, report.CorruptReplicas)
	return report, nil
}

func (c *Coordinator) verifyEntry(ctx context.Context, m *metadata.KeyMetadata) (missing, corrupt int) {
	for _, id := range m.Replicas {
		client, err := c.volumeClient(id)
		if err != nil {
			missing++
			continue
		}
		info, err := client.Stat(ctx, m.Key)
		if err != nil {
			missing++
			continue
		}
		if info.Checksum != m.Checksum || info.Size != m.Size {
			corrupt++
		}
	}
	return missing, corrupt
}

// --------------------------------------------------------------------------
// Repair
// --------------------------------------------------------------------------

// RepairReport summarizes a repair pass.
type RepairReport struct {
	Attempted int
	Repaired  int
	Failed    []string // keys that could not be repaired, sorted
}

// Repair restores a single key to its full replica count: it fetches a
// checksum clean copy, re-stages it on replacement volumes and rewrites
// the metadata entry as fully committed.
func (c *Coordinator) Repair(ctx context.Context, key string) error {
	if !c.node.IsLeader() {
		return raft.ErrNotLeader
	}
	m, ok := c.store.Lookup(key)
	if !ok || m.State == metadata.KeyStateTombstoned {
		return ErrKeyNotFound
	}

	data, _, err := c.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("repair of %q has no readable source: %w", key, err)
	}

	// Keep the live replicas that already hold a good copy, then top up
	// with the best ranked volumes not yet holding it.
	shard := placement.ShardOf(key)
	live := c.monitor.LiveVolumes()
	targets := make([]string, 0, c.cfg.ReplicaCount)
	for _, id := range m.Replicas {
		if c.monitor.IsLive(id) && c.replicaHoldsGoodCopy(ctx, id, &m) {
			targets = append(targets, id)
		}
	}
	toAdd := make([]string, 0)
	for len(targets)+len(toAdd) < c.cfg.ReplicaCount {
		replacement, err := placement.SelectReplacement(shard, live, append(targets, toAdd...))
		if err != nil {
			break // fewer live volumes than the replica count, do what we can
		}
		toAdd = append(toAdd, replacement)
	}
	if len(toAdd) == 0 && m.State == metadata.KeyStateCommitted {
		return nil // nothing to do
	}

	// Copy to the new homes with the write's own transaction id; volumes
	// treat the restage idempotently.
	txnID := TxnID(key, m.Nonce)
	if err := c.prepareAll(ctx, txnID, key, data, m.Checksum, toAdd); err != nil {
		c.abortAll(txnID, toAdd)
		metricRepairFailures.Inc()
		return err
	}
	committed, missing := c.commitAll(ctx, txnID, toAdd)
	if len(missing) > 0 {
		metricRepairFailures.Inc()
		return fmt.Errorf("repair of %q could not commit on %v", key, missing)
	}

	targets = append(targets, committed...)
	sort.Strings(targets)
	cmd := &metadata.Command{
		Type:      metadata.CommandTPutKey,
		Nonce:     m.Nonce,
		Size:      m.Size,
		Timestamp: uint64(time.Now().UnixNano()),
		Key:       key,
		Checksum:  m.Checksum,
		Volumes:   targets,
	}
	if len(targets) < c.cfg.ReplicaCount {
		cmd.Flags |= metadata.FlagDegraded
	}
	if err := c.proposeCommand(ctx, cmd); err != nil {
		return err
	}
	metricRepairs.Inc()
	log.Infof("repaired %q: now on %v", key, targets)
	return nil
}

func (c *Coordinator) replicaHoldsGoodCopy(ctx context.Context, id string, m *metadata.KeyMetadata) bool {
	client, err := c.volumeClient(id)
	if err != nil {
		return false
	}
	info, err := client.Stat(ctx, m.Key)
	return err == nil && info.Checksum == m.Checksum && info.Size == m.Size
}

// RepairAll repairs every entry flagged committed-degraded.
func (c *Coordinator) RepairAll(ctx context.Context) (*RepairReport, error) {
	if !c.node.IsLeader() {
		return nil, raft.ErrNotLeader
	}

	var degraded []string
	c.store.ForEachKey(func(m metadata.KeyMetadata) bool {
		if m.State == metadata.KeyStateCommittedDegraded {
			degraded = append(degraded, m.Key)
		}
		return true
	})
	sort.Strings(degraded)

	report := &RepairReport{}
	for _, key := range degraded {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Attempted++
		if err := c.Repair(ctx, key); err != nil {
			log.Warnf("repair of %q failed: %v", key, err)
			report.Failed = append(report.Failed, key)
			continue
		}
		report.Repaired++
	}
	return report, nil
}

// --------------------------------------------------------------------------
// Rebalance
// --------------------------------------------------------------------------

// RebalanceReport summarizes a data migration.
type RebalanceReport struct {
	ShardsMoved int
	KeysMoved   int
	BytesMoved  uint64
}

// Rebalance moves data onto the target volume set: every key whose HRW
// placement changes under the new membership is copied to its new
// replicas and its metadata entry rewritten. Shards with changed
// placement are pinned so concurrent writes target the new layout
// immediately.
func (c *Coordinator) Rebalance(ctx context.Context, target []string) (*RebalanceReport, error) {
	if !c.node.IsLeader() {
		return nil, raft.ErrNotLeader
	}
	sorted := make([]string, len(target))
	copy(sorted, target)
	sort.Strings(sorted)

	// Pin the changed shards first.
	report := &RebalanceReport{}
	for shard := uint32(0); shard < placement.NumShards; shard++ {
		newSet, err := placement.SelectReplicas(shard, sorted, c.cfg.ReplicaCount)
		if err != nil {
			return nil, err
		}
		if pinned, ok := c.store.ShardReplicas(shard); ok && equalSets(pinned, newSet) {
			continue
		}
		if err := c.proposeCommand(ctx, &metadata.Command{
			Type:    metadata.CommandTAssignShard,
			Shard:   shard,
			Volumes: newSet,
		}); err != nil {
			return nil, err
		}
		report.ShardsMoved++
	}

	// Move the objects.
	var entries []metadata.KeyMetadata
	c.store.ForEachKey(func(m metadata.KeyMetadata) bool {
		if m.State != metadata.KeyStateTombstoned {
			entries = append(entries, m)
		}
		return true
	})

	for _, m := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		newSet, err := placement.SelectReplicas(placement.ShardOf(m.Key), sorted, c.cfg.ReplicaCount)
		if err != nil {
			return report, err
		}
		if equalSets(m.Replicas, newSet) {
			continue
		}
		if err := c.migrateKey(ctx, &m, newSet); err != nil {
			return report, fmt.Errorf("migration of %q failed: %w", m.Key, err)
		}
		report.KeysMoved++
		report.BytesMoved += m.Size
	}
	log.Infof("rebalance complete: %d shards pinned, %d keys moved (%d bytes)", report.ShardsMoved, report.KeysMoved, report.BytesMoved)
	return report, nil
}

// migrateKey copies one object to the volumes it is newly placed on,
// rewrites its metadata and drops the copies that are no longer wanted.
func (c *Coordinator) migrateKey(ctx context.Context, m *metadata.KeyMetadata, newSet []string) error {
	current := make(map[string]bool, len(m.Replicas))
	for _, id := range m.Replicas {
		current[id] = true
	}
	var toAdd, toRemove []string
	for _, id := range newSet {
		if !current[id] {
			toAdd = append(toAdd, id)
		}
	}
	wanted := make(map[string]bool, len(newSet))
	for _, id := range newSet {
		wanted[id] = true
	}
	for _, id := range m.Replicas {
		if !wanted[id] {
			toRemove = append(toRemove, id)
		}
	}

	if len(toAdd) > 0 {
		data, _, err := c.Get(ctx, m.Key)
		if err != nil {
			return err
		}
		txnID := TxnID(m.Key, m.Nonce)
		if err := c.prepareAll(ctx, txnID, m.Key, data, m.Checksum, toAdd); err != nil {
			c.abortAll(txnID, toAdd)
			return err
		}
		if _, missing := c.commitAll(ctx, txnID, toAdd); len(missing) > 0 {
			return fmt.Errorf("could not commit on %v", missing)
		}
	}

	cmd := &metadata.Command{
		Type:      metadata.CommandTPutKey,
		Nonce:     m.Nonce,
		Size:      m.Size,
		Timestamp: uint64(time.Now().UnixNano()),
		Key:       m.Key,
		Checksum:  m.Checksum,
		Volumes:   newSet,
	}
	if err := c.proposeCommand(ctx, cmd); err != nil {
		return err
	}

	// Only after the metadata names the new homes may the old copies go.
	for _, id := range toRemove {
		client, err := c.volumeClient(id)
		if err != nil {
			continue
		}
		if err := client.Delete(ctx, m.Key); err != nil {
			log.Debugf("cleanup of %q on %s failed: %v", m.Key, id, err)
		}
	}
	return nil
}

func equalSets(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, id := range a {
		set[id] = true
	}
	for _, id := range b {
		if !set[id] {
			return false
		}
	}
	return true
}
