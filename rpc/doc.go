// Package rpc provides the remote procedure call framework of the
// distributed object store. It is the communication layer between clients,
// coordinator nodes and volume servers.
//
// The package is organized into several subpackages:
//
//   - common: Core data structures and utilities used across the RPC system,
//     including the Message protocol, configuration structures, service ids
//     and logging setup.
//
//   - transport: Network communication abstractions with a pluggable
//     connector design (TCP today, other socket types can slot in).
//
//   - serializer: Message serialization with multiple format options (JSON,
//     GOB) for converting between Message objects and byte arrays.
//
//   - client: Typed RPC clients: the coordinator client used by tools and
//     applications, the volume client used by coordinators to reach volume
//     servers, and the peer client carrying consensus traffic between nodes.
//
//   - server: The RPC server and its service adapters, which translate wire
//     messages into calls on the coordinator, volume and consensus layers.
package rpc
