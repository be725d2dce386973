// Package serializer provides message serialization for the RPC system.
// It defines a common interface and multiple implementations for converting
// between common.Message objects and byte arrays.
//
// Key Components:
//
//   - IRPCSerializer: Core interface that all serializer implementations
//     must satisfy.
//
//   - binarySerializerImpl: Custom binary format optimized for speed and
//     space. Uses a flag-based approach to encode only present fields,
//     resulting in compact serialized data with minimal overhead.
//
//   - jsonSerializerImpl: JSON encoding, useful for debugging or
//     interoperability with other systems, at lower performance.
//
//   - gobSerializerImpl: Go's built-in gob encoding, kept for
//     compatibility with Go tooling.
//
// Thread Safety:
//
//	All serializer implementations are stateless and safe for concurrent
//	use across multiple goroutines without additional synchronization.
//
// Usage:
//
//	Serializers are typically created once and reused:
//
//	  s := serializer.NewBinarySerializer()
//	  data, err := s.Serialize(message)
//	  // ... send data ...
//	  var received common.Message
//	  err = s.Deserialize(data, &received)
package serializer
