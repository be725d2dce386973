package coordinator

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/quorumkv/qKV/lib/metadata"
	"github.com/quorumkv/qKV/lib/raft"
	"github.com/quorumkv/qKV/lib/volume"
)

// Get reads an object. The metadata entry names the replicas; the first
// one that returns bytes matching the recorded checksum wins. Replicas
// that are down, missing the object or corrupt are skipped, so a
// degraded entry reads exactly like a healthy one as long as a single
// good copy survives.
//
// Reads go through the leader to stay linearizable with writes.
func (c *Coordinator) Get(ctx context.Context, key string) ([]byte, metadata.KeyMetadata, error) {
	if !c.node.IsLeader() {
		return nil, metadata.KeyMetadata{}, raft.ErrNotLeader
	}

	m, ok := c.store.Get(key)
	if !ok {
		return nil, metadata.KeyMetadata{}, ErrKeyNotFound
	}
	metricReads.Inc()

	for i, id := range m.Replicas {
		client, err := c.volumeClient(id)
		if err != nil {
			continue
		}
		data, err := client.Get(ctx, key)
		if err != nil {
			log.Debugf("read of %q from %s failed: %v", key, id, err)
			metricReadFallovers.Inc()
			continue
		}
		if volume.Checksum(data) != m.Checksum {
			// The replica holds bytes that do not match the committed
			// write. Never serve them; repair will re-home the copy.
			log.Warnf("read of %q from %s returned corrupt data", key, id)
			metricReadCorrupt.Inc()
			continue
		}
		if i > 0 {
			log.Debugf("read of %q served by fallback replica %s", key, id)
		}
		return data, m, nil
	}
	return nil, m, ErrAllReplicasFailed
}

// Exists reports whether a key is readable, from metadata alone.
func (c *Coordinator) Exists(key string) bool {
	_, ok := c.store.Get(key)
	return ok
}

// Stat returns the metadata entry of a readable key without touching
// any volume.
func (c *Coordinator) Stat(key string) (metadata.KeyMetadata, error) {
	m, ok := c.store.Get(key)
	if !ok {
		return metadata.KeyMetadata{}, ErrKeyNotFound
	}
	return m, nil
}
