// Package server provides the RPC server of the distributed object store.
// A single RPCServer hosts any combination of service adapters behind one
// transport endpoint:
//
//   - coordinatorAdapter: client facing KV operations (put, get, delete,
//     stat) and admin operations (verify, repair, rebalance, register).
//     Writes on a non-leader node answer with the current leader id so
//     clients can redirect.
//
//   - volumeAdapter: the staged object storage surface of a volume server
//     (ping, prepare, commit, abort, get, stat, delete).
//
//   - consensusAdapter: node to node consensus traffic, with gob encoded
//     argument and reply payloads carried in Message.Value.
//
// Adapters are pure translators: they decode a Message, invoke the wrapped
// service and encode the result. All state lives in the services themselves.
package server
