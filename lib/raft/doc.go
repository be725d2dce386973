// Package raft implements the consensus core used by qKV coordinators.
//
// Each coordinator runs one Node. A Node replicates an ordered log of
// opaque commands across the coordinator cluster and hands committed
// entries, strictly in log order, to the state machine via the apply
// channel. The package implements leader election with randomized
// timeouts, log replication with conflict backoff, and snapshot based
// log compaction for lagging followers.
//
// All role and log state lives in a single Node struct guarded by one
// mutex; cross component communication happens exclusively through the
// apply channel. Peers are reached through the PeerClient interface so
// the same Node runs unchanged over the wire transport (see rpc/) or an
// in-memory test harness.
package raft
