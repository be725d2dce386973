package coordinator

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/puzpuzpuz/xsync/v3"
	log "github.com/sirupsen/logrus"

	"github.com/quorumkv/qKV/lib/health"
	"github.com/quorumkv/qKV/lib/metadata"
	"github.com/quorumkv/qKV/lib/placement"
	"github.com/quorumkv/qKV/lib/raft"
	"github.com/quorumkv/qKV/lib/volume"
)

// --------------------------------------------------------------------------
// Errors
// --------------------------------------------------------------------------

var (
	// ErrKeyNotFound is returned for reads and deletes of unknown keys.
	ErrKeyNotFound = errors.New("coordinator: key not found")
	// ErrWriteAborted is returned when the prepare phase failed and the
	// write was rolled back everywhere. Nothing durable remains.
	ErrWriteAborted = errors.New("coordinator: write aborted, no replica prepared")
	// ErrCommitFailed is returned when no replica acknowledged a commit.
	// The write is not recorded; staged data may linger until verification
	// sweeps it.
	ErrCommitFailed = errors.New("coordinator: commit failed on all replicas")
	// ErrAllReplicasFailed is returned when no replica could serve a
	// readable, checksum clean copy.
	ErrAllReplicasFailed = errors.New("coordinator: all replicas failed")
	// ErrUnknownVolume is returned when metadata references a volume with
	// no registered client.
	ErrUnknownVolume = errors.New("coordinator: no client for volume")
)

// --------------------------------------------------------------------------
// Metrics
// --------------------------------------------------------------------------

var (
	metricPuts           = metrics.NewCounter(`qkv_coordinator_puts_total`)
	metricPutsDegraded   = metrics.NewCounter(`qkv_coordinator_puts_degraded_total`)
	metricPutsAborted    = metrics.NewCounter(`qkv_coordinator_puts_aborted_total`)
	metricPutsDeduped    = metrics.NewCounter(`qkv_coordinator_puts_deduplicated_total`)
	metricDeletes        = metrics.NewCounter(`qkv_coordinator_deletes_total`)
	metricReads          = metrics.NewCounter(`qkv_coordinator_reads_total`)
	metricReadFallovers  = metrics.NewCounter(`qkv_coordinator_read_failovers_total`)
	metricReadCorrupt    = metrics.NewCounter(`qkv_coordinator_read_corrupt_replicas_total`)
	metricRepairs        = metrics.NewCounter(`qkv_coordinator_repairs_total`)
	metricRepairFailures = metrics.NewCounter(`qkv_coordinator_repair_failures_total`)
)

// --------------------------------------------------------------------------
// Configuration
// --------------------------------------------------------------------------

// Config holds the write path parameters.
type Config struct {
	// ReplicaCount is the number of volumes each object is written to.
	ReplicaCount int
	// PrepareTimeout bounds one prepare attempt against one volume.
	PrepareTimeout time.Duration
	// CommitTimeout bounds one commit attempt. Independent of
	// PrepareTimeout: commits should not inherit time already burned.
	CommitTimeout time.Duration
	// MaxAttempts is the per volume attempt budget for each phase.
	MaxAttempts int
	// RetryBackoff is the base delay between attempts, doubled per retry.
	RetryBackoff time.Duration
	// TombstoneTTL is how long deleted keys keep their tombstone.
	TombstoneTTL time.Duration
	// GCInterval is how often expired tombstones are collected.
	GCInterval time.Duration
}

// DefaultConfig returns the production write path parameters.
func DefaultConfig() Config {
	return Config{
		ReplicaCount:   3,
		PrepareTimeout: 2 * time.Second,
		CommitTimeout:  2 * time.Second,
		MaxAttempts:    3,
		RetryBackoff:   50 * time.Millisecond,
		TombstoneTTL:   24 * time.Hour,
		GCInterval:     time.Hour,
	}
}

// --------------------------------------------------------------------------
// Coordinator
// --------------------------------------------------------------------------

// Coordinator ties the consensus node, the metadata store, the health
// monitor and the volume clients together into the cluster's write and
// read paths.
type Coordinator struct {
	cfg     Config
	node    *raft.Node
	store   *metadata.Store
	monitor *health.Monitor
	volumes *xsync.MapOf[string, volume.Client]

	stopCh  chan struct{}
	stopped sync.Once
}

// New wires a coordinator. Run must be called to start consuming the
// consensus apply channel.
func New(cfg Config, node *raft.Node, store *metadata.Store, monitor *health.Monitor) *Coordinator {
	return &Coordinator{
		cfg:     cfg,
		node:    node,
		store:   store,
		monitor: monitor,
		volumes: xsync.NewMapOf[string, volume.Client](),
		stopCh:  make(chan struct{}),
	}
}

// RegisterVolumeClient makes a volume reachable under its ID. Clients
// are process local wiring, not replicated state; the replicated
// registry entry is written via RegisterVolume.
func (c *Coordinator) RegisterVolumeClient(id string, client volume.Client) {
	c.volumes.Store(id, client)
}

// volumeClient resolves the client of one volume.
func (c *Coordinator) volumeClient(id string) (volume.Client, error) {
	client, ok := c.volumes.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVolume, id)
	}
	return client, nil
}

// Run consumes the consensus apply channel, feeding committed commands
// into the metadata store, and runs the tombstone collector. It returns
// when the apply channel closes or Stop is called.
func (c *Coordinator) Run() {
	gcTicker := time.NewTicker(c.cfg.GCInterval)
	defer gcTicker.Stop()

	appliedSinceSnapshot := 0
	threshold := c.node.SnapshotThreshold()

	for {
		select {
		case <-c.stopCh:
			return
		case <-gcTicker.C:
			c.store.CollectTombstones(c.cfg.TombstoneTTL, time.Now())
		case msg, ok := <-c.node.ApplyCh():
			if !ok {
				return
			}
			if msg.SnapshotValid {
				if err := c.store.Restore(msg.Snapshot); err != nil {
					log.Errorf("coordinator: failed to restore snapshot at index %d: %v", msg.SnapshotIndex, err)
				}
				appliedSinceSnapshot = 0
				continue
			}
			if !msg.CommandValid {
				continue
			}
			if err := c.store.Apply(msg.CommandIndex, msg.Command); err != nil {
				// A command that cannot be decoded is a bug, not a runtime
				// condition; diverging silently would be worse than dying.
				log.Panicf("coordinator: apply failed at index %d: %v", msg.CommandIndex, err)
			}
			appliedSinceSnapshot++
			if threshold > 0 && appliedSinceSnapshot >= threshold {
				c.snapshot(msg.CommandIndex)
				appliedSinceSnapshot = 0
			}
		}
	}
}

// Stop terminates Run. The consensus node is owned by the caller and is
// not stopped here.
func (c *Coordinator) Stop() {
	c.stopped.Do(func() { close(c.stopCh) })
}

// snapshot persists the store state and lets the log compact.
func (c *Coordinator) snapshot(index uint64) {
	data, err := c.store.Snapshot()
	if err != nil {
		log.Errorf("coordinator: snapshot failed: %v", err)
		return
	}
	c.node.Snapshot(index, data)
}

// LeaderID exposes the consensus leader for client redirects.
func (c *Coordinator) LeaderID() int {
	return c.node.LeaderID()
}

// IsLeader reports whether this coordinator accepts writes.
func (c *Coordinator) IsLeader() bool {
	return c.node.IsLeader()
}

// --------------------------------------------------------------------------
// Internals shared by the write and admin paths
// --------------------------------------------------------------------------

// TxnID derives the volume transaction id of a write. It is a pure
// function of (key, nonce) so client retries hit the same staged
// transaction instead of staging a second copy.
func TxnID(key string, nonce uint64) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], nonce)
	_, _ = h.Write(b[:])
	return h.Sum64()
}

// targetReplicas picks the volumes a shard's objects go to: the pinned
// assignment from a rebalance when it is fully live, HRW placement over
// the live volumes otherwise.
func (c *Coordinator) targetReplicas(shard uint32) ([]string, error) {
	live := c.monitor.LiveVolumes()
	if pinned, ok := c.store.ShardReplicas(shard); ok {
		allLive := len(pinned) > 0
		for _, id := range pinned {
			if !c.monitor.IsLive(id) {
				allLive = false
				break
			}
		}
		if allLive {
			return pinned, nil
		}
	}
	return placement.SelectReplicas(shard, live, c.cfg.ReplicaCount)
}

// proposeCommand replicates a metadata command through consensus and
// waits until the local store has applied it, so the caller observes
// its own write.
func (c *Coordinator) proposeCommand(ctx context.Context, cmd *metadata.Command) error {
	index, err := c.node.Propose(ctx, cmd.Serialize())
	if err != nil {
		return err
	}
	for c.store.LastApplied() < index {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return raft.ErrShutdown
		case <-time.After(time.Millisecond):
		}
	}
	return nil
}

// retry runs op up to MaxAttempts times with exponential backoff. Each
// attempt gets a fresh timeout; the parent ctx caps the whole loop.
func (c *Coordinator) retry(ctx context.Context, timeout time.Duration, op func(ctx context.Context) error) error {
	backoff := c.cfg.RetryBackoff
	var err error
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		err = op(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
	}
	return err
}
