// Package metadata implements the replicated state machine of the
// coordinator group: the authoritative mapping from keys to their
// placement, consistency state and content checksum, plus the volume
// registry and the shard assignment table.
//
// The store is deterministic: it mutates only through Apply, fed by the
// consensus apply channel in log order, so every coordinator replica
// holds an identical copy. Commands are encoded with a compact binary
// codec (see Command) to keep the replicated log small.
//
// Reads are served from any replica through the RWMutex; linearizable
// reads are the coordinator's concern (it routes them through the
// leader), not the store's.
package metadata
