// Package coordinator implements the write and read paths of the
// cluster: two phase commit of object bytes across data volumes,
// fronted by a consensus replicated metadata store that is the single
// source of truth for what exists.
//
// A write stages the object on every chosen replica (prepare), then
// publishes it (commit). The failure rules are asymmetric on purpose:
//
//   - If any prepare fails, the write aborts everywhere and no metadata
//     is recorded. A failed write has zero durable side effects.
//   - Once at least one replica has durably committed, the write is a
//     success. Missing replicas do not roll the write back; the entry
//     is recorded as committed-degraded and handed to repair. The
//     design trades replica completeness for write availability, the
//     metadata state makes the trade visible instead of hiding it.
//
// Retried writes are deduplicated on (key, nonce): the transaction id
// is derived from both, so a retry restages the same transaction on
// the volumes, and an already recorded write returns its previous
// result without a second round of 2PC.
package coordinator
