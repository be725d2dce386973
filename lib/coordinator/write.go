package coordinator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/quorumkv/qKV/lib/metadata"
	"github.com/quorumkv/qKV/lib/placement"
	"github.com/quorumkv/qKV/lib/raft"
	"github.com/quorumkv/qKV/lib/volume"
)

// PutResult reports the outcome of a successful write.
type PutResult struct {
	Key      string
	Size     uint64
	Checksum string
	// Replicas are the volumes that durably committed the object.
	Replicas []string
	// Degraded is true when fewer replicas committed than were targeted.
	// The write is durable and readable; repair will restore the rest.
	Degraded bool
	// MissingReplicas are the targeted volumes that did not commit.
	MissingReplicas []string
}

// --------------------------------------------------------------------------
// Put
// --------------------------------------------------------------------------

// Put writes an object. The nonce is the client's retry token: repeating
// a Put with the same (key, nonce) is safe and returns the recorded
// outcome instead of writing again.
//
// Only the consensus leader accepts writes; other nodes return
// raft.ErrNotLeader and the caller should redirect to LeaderID().
func (c *Coordinator) Put(ctx context.Context, key string, nonce uint64, data []byte) (*PutResult, error) {
	if !c.node.IsLeader() {
		return nil, raft.ErrNotLeader
	}

	// Retry fast path: the write is already recorded.
	if m, ok := c.store.Lookup(key); ok && m.Nonce == nonce && m.State != metadata.KeyStateTombstoned {
		metricPutsDeduped.Inc()
		return resultFromMetadata(&m), nil
	}

	shard := placement.ShardOf(key)
	replicas, err := c.targetReplicas(shard)
	if err != nil {
		return nil, err
	}

	txnID := TxnID(key, nonce)
	checksum := volume.Checksum(data)

	// Phase one: stage on every replica. Any failure aborts the write
	// before anything became visible.
	if err := c.prepareAll(ctx, txnID, key, data, checksum, replicas); err != nil {
		c.abortAll(txnID, replicas)
		metricPutsAborted.Inc()
		log.Warnf("put %q aborted in prepare: %v", key, err)
		return nil, err
	}

	// Phase two: publish. From the first durable commit on there is no
	// way back, missing replicas degrade the entry instead of failing it.
	committed, missing := c.commitAll(ctx, txnID, replicas)
	if len(committed) == 0 {
		metricPutsAborted.Inc()
		return nil, ErrCommitFailed
	}

	degraded := len(missing) > 0
	cmd := &metadata.Command{
		Type:      metadata.CommandTPutKey,
		Nonce:     nonce,
		Size:      uint64(len(data)),
		Timestamp: uint64(time.Now().UnixNano()),
		Key:       key,
		Checksum:  checksum,
		Volumes:   committed,
	}
	if degraded {
		cmd.Flags |= metadata.FlagDegraded
	}
	if err := c.proposeCommand(ctx, cmd); err != nil {
		// The object is durable on the committed replicas but unrecorded.
		// The client retry will rerun the same transaction ids, which the
		// volumes treat idempotently.
		return nil, err
	}

	metricPuts.Inc()
	if degraded {
		metricPutsDegraded.Inc()
		log.Warnf("put %q committed degraded: %d of %d replicas (missing %v)", key, len(committed), len(replicas), missing)
	}
	return &PutResult{
		Key:             key,
		Size:            uint64(len(data)),
		Checksum:        checksum,
		Replicas:        committed,
		Degraded:        degraded,
		MissingReplicas: missing,
	}, nil
}

func resultFromMetadata(m *metadata.KeyMetadata) *PutResult {
	return &PutResult{
		Key:      m.Key,
		Size:     m.Size,
		Checksum: m.Checksum,
		Replicas: m.Replicas,
		Degraded: m.State == metadata.KeyStateCommittedDegraded,
	}
}

// prepareAll stages the write on all replicas in parallel. The first
// definitive failure is returned; the remaining stages are aborted by
// the caller.
func (c *Coordinator) prepareAll(ctx context.Context, txnID uint64, key string, data []byte, checksum string, replicas []string) error {
	errs := make([]error, len(replicas))
	var wg sync.WaitGroup
	for i, id := range replicas {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			client, err := c.volumeClient(id)
			if err != nil {
				errs[i] = err
				return
			}
			errs[i] = c.retry(ctx, c.cfg.PrepareTimeout, func(ctx context.Context) error {
				return client.Prepare(ctx, txnID, key, data, checksum)
			})
		}(i, id)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			return fmt.Errorf("%w: prepare on %s: %v", ErrWriteAborted, replicas[i], err)
		}
	}
	return nil
}

// commitAll publishes on all replicas in parallel and partitions them
// into committed and missing. Commit uses its own timeout budget.
func (c *Coordinator) commitAll(ctx context.Context, txnID uint64, replicas []string) (committed, missing []string) {
	errs := make([]error, len(replicas))
	var wg sync.WaitGroup
	for i, id := range replicas {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			client, err := c.volumeClient(id)
			if err != nil {
				errs[i] = err
				return
			}
			errs[i] = c.retry(ctx, c.cfg.CommitTimeout, func(ctx context.Context) error {
				return client.Commit(ctx, txnID)
			})
		}(i, id)
	}
	wg.Wait()
	for i, err := range errs {
		if err == nil {
			committed = append(committed, replicas[i])
		} else {
			log.Warnf("commit of txn %d on %s failed: %v", txnID, replicas[i], err)
			missing = append(missing, replicas[i])
		}
	}
	sort.Strings(committed)
	sort.Strings(missing)
	return committed, missing
}

// abortAll discards staged state everywhere, best effort. Runs on its
// own context: the write's context may already be the reason we abort.
func (c *Coordinator) abortAll(txnID uint64, replicas []string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.PrepareTimeout)
	defer cancel()
	var wg sync.WaitGroup
	for _, id := range replicas {
		client, err := c.volumeClient(id)
		if err != nil {
			continue
		}
		wg.Add(1)
		go func(id string, client volume.Client) {
			defer wg.Done()
			if err := client.Abort(ctx, txnID); err != nil {
				log.Debugf("abort of txn %d on %s failed: %v", txnID, id, err)
			}
		}(id, client)
	}
	wg.Wait()
}

// --------------------------------------------------------------------------
// Delete
// --------------------------------------------------------------------------

// Delete tombstones a key. Like Put it is idempotent on (key, nonce).
// The tombstone is the durable fact; removing the bytes from the
// volumes is best effort cleanup behind it.
func (c *Coordinator) Delete(ctx context.Context, key string, nonce uint64) error {
	if !c.node.IsLeader() {
		return raft.ErrNotLeader
	}

	m, ok := c.store.Lookup(key)
	if !ok {
		return ErrKeyNotFound
	}
	if m.State == metadata.KeyStateTombstoned {
		if m.Nonce == nonce {
			return nil // retry of the delete that already happened
		}
		return ErrKeyNotFound
	}

	cmd := &metadata.Command{
		Type:      metadata.CommandTTombstoneKey,
		Nonce:     nonce,
		Timestamp: uint64(time.Now().UnixNano()),
		Key:       key,
	}
	if err := c.proposeCommand(ctx, cmd); err != nil {
		return err
	}
	metricDeletes.Inc()

	// Cleanup after the tombstone is durable. Failures leave orphan
	// bytes that verification reports.
	for _, id := range m.Replicas {
		client, err := c.volumeClient(id)
		if err != nil {
			continue
		}
		cleanupCtx, cancel := context.WithTimeout(context.Background(), c.cfg.CommitTimeout)
		if err := client.Delete(cleanupCtx, key); err != nil {
			log.Debugf("cleanup delete of %q on %s failed: %v", key, id, err)
		}
		cancel()
	}
	return nil
}
