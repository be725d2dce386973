// Package client implements the typed RPC clients of the distributed
// object store. Every client speaks the common.Message protocol over a
// pluggable transport and serializer.
//
// Key Components:
//
//   - NewKVClient: client for the coordinator's KV operations (put, get,
//     delete, stat) and admin operations (verify, repair, rebalance,
//     register). Writes reaching a non-leader node fail with
//     *NotLeaderError naming the redirect target.
//
//   - NewVolumeClient: implementation of volume.Client over the wire, used
//     by coordinator nodes to reach volume servers.
//
//   - NewPeerClient: implementation of raft.PeerClient carrying consensus
//     traffic between coordinator nodes, with gob encoded payloads.
//
// Usage Example:
//
//	config := common.ClientConfig{
//		TimeoutSecond: 5,
//		Transport: common.ClientTransportConfig{
//			Endpoints:              []string{"localhost:5000"},
//			RetryCount:             3,
//			ConnectionsPerEndpoint: 1,
//		},
//	}
//
//	kv, _ := client.NewKVClient(config, tcp.NewTCPClientTransport(), serializer.NewBinarySerializer())
//	replicas, degraded, _ := kv.Put("mykey", 1, []byte("myvalue"))
//	value, _ := kv.Get("mykey")
//
// Performance Considerations:
//
//   - For applications that frequently send large payloads, increasing
//     ConnectionsPerEndpoint can improve throughput by allowing parallel
//     requests.
//
//   - The choice of serializer significantly affects performance. The
//     binary serializer provides the best performance and smallest payload
//     size.
//
// Thread Safety:
//
//	All client implementations are safe for concurrent use from multiple
//	goroutines without additional synchronization.
package client
